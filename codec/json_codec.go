package codec

import (
	"encoding/json"
)

// JSONCodec uses encoding/json for serialization. It is the default because agent
// tooling on the other side of the bridge can speak it without a custom decoder.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
