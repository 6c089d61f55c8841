// Package surface is the closed set of methods the bridge exposes. Each method
// decodes its positional arguments and drives the cadhost.Host; the dispatcher
// calls it on the owning thread.
package surface

import (
	"encoding/base64"
	"sort"

	"cad-bridge/cadhost"
	"cad-bridge/message"
	"cad-bridge/queue"
)

// Handler runs one method against the host.
type Handler func(h cadhost.Host, args Args) (any, error)

// Surface maps method names to handlers. The map is fixed at construction, so
// Has may be called from any goroutine.
type Surface struct {
	host     cadhost.Host
	handlers map[string]Handler
}

// New returns the bridge's method surface bound to host.
func New(host cadhost.Host) *Surface {
	return &Surface{
		host: host,
		handlers: map[string]Handler{
			"ping":                     ping,
			"create_document":          createDocument,
			"create_object":            createObject,
			"edit_object":              editObject,
			"delete_object":            deleteObject,
			"execute_code":             executeCode,
			"get_objects":              getObjects,
			"get_object":               getObject,
			"list_documents":           listDocuments,
			"get_parts_list":           getPartsList,
			"insert_part_from_library": insertPart,
			"get_active_screenshot":    screenshot,
		},
	}
}

// Has reports whether method is part of the surface.
func (s *Surface) Has(method string) bool {
	_, ok := s.handlers[method]
	return ok
}

// Methods lists the surface, sorted.
func (s *Surface) Methods() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute implements dispatcher.Executor.
func (s *Surface) Execute(cmd queue.Command) (any, error) {
	h, ok := s.handlers[cmd.Method]
	if !ok {
		return nil, message.Errorf(message.UnknownMethod, "method %q is not exposed", cmd.Method)
	}
	return h(s.host, Args(cmd.Args))
}

func ping(cadhost.Host, Args) (any, error) {
	return true, nil
}

func createDocument(h cadhost.Host, args Args) (any, error) {
	name, err := args.StringOr(0, "New_Document")
	if err != nil {
		return nil, err
	}
	created, err := h.CreateDocument(name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "document_name": created}, nil
}

func createObject(h cadhost.Host, args Args) (any, error) {
	doc, err := args.String(0)
	if err != nil {
		return nil, err
	}
	var spec cadhost.ObjectSpec
	if err := args.Decode(1, &spec); err != nil {
		return nil, err
	}
	if spec.Type == "" {
		return nil, message.Errorf(message.InvalidArguments, "object data needs a Type")
	}
	name, err := h.CreateObject(doc, spec)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "object_name": name}, nil
}

func editObject(h cadhost.Host, args Args) (any, error) {
	doc, err := args.String(0)
	if err != nil {
		return nil, err
	}
	name, err := args.String(1)
	if err != nil {
		return nil, err
	}
	var edit struct {
		Properties map[string]any `json:"Properties"`
	}
	if err := args.Decode(2, &edit); err != nil {
		return nil, err
	}
	if err := h.EditObject(doc, name, edit.Properties); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "object_name": name}, nil
}

func deleteObject(h cadhost.Host, args Args) (any, error) {
	doc, err := args.String(0)
	if err != nil {
		return nil, err
	}
	name, err := args.String(1)
	if err != nil {
		return nil, err
	}
	if err := h.DeleteObject(doc, name); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "object_name": name}, nil
}

func executeCode(h cadhost.Host, args Args) (any, error) {
	code, err := args.String(0)
	if err != nil {
		return nil, err
	}
	out, err := h.ExecuteCode(code)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success": true,
		"message": "Python code execution scheduled. \nOutput: " + out,
	}, nil
}

func getObjects(h cadhost.Host, args Args) (any, error) {
	doc, err := args.String(0)
	if err != nil {
		return nil, err
	}
	return h.GetObjects(doc)
}

func getObject(h cadhost.Host, args Args) (any, error) {
	doc, err := args.String(0)
	if err != nil {
		return nil, err
	}
	name, err := args.String(1)
	if err != nil {
		return nil, err
	}
	return h.GetObject(doc, name)
}

func listDocuments(h cadhost.Host, _ Args) (any, error) {
	return h.ListDocuments(), nil
}

func getPartsList(h cadhost.Host, _ Args) (any, error) {
	return h.PartsList()
}

func insertPart(h cadhost.Host, args Args) (any, error) {
	path, err := args.String(0)
	if err != nil {
		return nil, err
	}
	if _, err := h.InsertPart(path); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "message": "Part inserted from library."}, nil
}

func screenshot(h cadhost.Host, args Args) (any, error) {
	view, err := args.StringOr(0, "Isometric")
	if err != nil {
		return nil, err
	}
	img, err := h.Screenshot(view)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.EncodeToString(img), nil
}
