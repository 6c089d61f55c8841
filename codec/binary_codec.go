package codec

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/juju/errors"

	"cad-bridge/message"
)

const errShortBuffer = errors.ConstError("BinaryCodec: truncated message")

// truncatedMarker ends error text that was cut to fit its u16 length field.
const truncatedMarker = " ...[truncated]"

// BinaryCodec lays an RPCMessage out as length-prefixed fields:
//
//	method(u16 len) | kind(u16 len) | payload(u32 len) | error(u16 len)
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}
	if len(msg.ServiceMethod) > math.MaxUint16 {
		return nil, errors.NotValidf("BinaryCodec: method of %d bytes", len(msg.ServiceMethod))
	}
	if len(msg.Kind) > math.MaxUint16 {
		return nil, errors.NotValidf("BinaryCodec: kind of %d bytes", len(msg.Kind))
	}
	if uint64(len(msg.Payload)) > math.MaxUint32 {
		return nil, errors.NotValidf("BinaryCodec: payload of %d bytes", len(msg.Payload))
	}
	errText := fitString16(msg.Error)

	total := 2 + len(msg.ServiceMethod) + 2 + len(msg.Kind) + 4 + len(msg.Payload) + 2 + len(errText)
	buf := make([]byte, total)

	offset := putString16(buf, 0, msg.ServiceMethod)
	offset = putString16(buf, offset, string(msg.Kind))

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(msg.Payload)))
	offset += 4
	copy(buf[offset:offset+len(msg.Payload)], msg.Payload)
	offset += len(msg.Payload)

	putString16(buf, offset, errText)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}

	method, offset, err := readString16(data, 0)
	if err != nil {
		return err
	}
	kind, offset, err := readString16(data, offset)
	if err != nil {
		return err
	}

	if len(data) < offset+4 {
		return errShortBuffer
	}
	payloadLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data) < offset+payloadLen {
		return errShortBuffer
	}
	payload := make([]byte, payloadLen)
	copy(payload, data[offset:offset+payloadLen])
	offset += payloadLen

	errText, _, err := readString16(data, offset)
	if err != nil {
		return err
	}

	msg.ServiceMethod = method
	msg.Kind = message.ErrorKind(kind)
	msg.Payload = payload
	msg.Error = errText
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// fitString16 cuts s on a rune boundary so that it, plus the marker, fits a
// u16 length field.
func fitString16(s string) string {
	if len(s) <= math.MaxUint16 {
		return s
	}
	n := math.MaxUint16 - len(truncatedMarker)
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + truncatedMarker
}

func putString16(buf []byte, offset int, s string) int {
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(s)))
	offset += 2
	copy(buf[offset:offset+len(s)], s)
	return offset + len(s)
}

func readString16(data []byte, offset int) (string, int, error) {
	if len(data) < offset+2 {
		return "", offset, errShortBuffer
	}
	n := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data) < offset+n {
		return "", offset, errShortBuffer
	}
	return string(data[offset : offset+n]), offset + n, nil
}
