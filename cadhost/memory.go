package cadhost

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io/fs"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/juju/errors"
)

// referenceProps name properties whose string value must be another object in
// the same document.
var referenceProps = []string{"Base", "Tool", "Source", "Profile", "Part"}

type document struct {
	name    string
	objects map[string]*Object
	order   []string
}

// Memory is an in-process document model. It stands in for a real CAD
// application when the bridge runs headless and in tests.
type Memory struct {
	docs        map[string]*document
	order       []string
	active      string
	partsDir    string
	interpreter Interpreter
}

// Option configures a Memory host.
type Option func(*Memory)

// WithPartsDir serves the parts library from dir.
func WithPartsDir(dir string) Option {
	return func(m *Memory) { m.partsDir = dir }
}

// WithInterpreter lets execute_code run scripts.
func WithInterpreter(in Interpreter) Option {
	return func(m *Memory) { m.interpreter = in }
}

func NewMemory(opts ...Option) *Memory {
	m := &Memory{docs: make(map[string]*document)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// uniqueName appends 001, 002, ... to base until taken reports false.
func uniqueName(base string, taken func(string) bool) string {
	if !taken(base) {
		return base
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s%03d", base, i)
		if !taken(name) {
			return name
		}
	}
}

func (m *Memory) CreateDocument(name string) (string, error) {
	if name == "" {
		return "", errors.NotValidf("empty document name")
	}
	name = uniqueName(name, func(n string) bool { _, ok := m.docs[n]; return ok })
	m.docs[name] = &document{name: name, objects: make(map[string]*Object)}
	m.order = append(m.order, name)
	m.active = name
	return name, nil
}

func (m *Memory) ListDocuments() []string {
	return append([]string{}, m.order...)
}

func (m *Memory) doc(name string) (*document, error) {
	d, ok := m.docs[name]
	if !ok {
		return nil, errors.NotFoundf("document '%s'", name)
	}
	return d, nil
}

func (d *document) object(name string) (*Object, error) {
	o, ok := d.objects[name]
	if !ok {
		return nil, errors.NotFoundf("object '%s' in document '%s'", name, d.name)
	}
	return o, nil
}

func (d *document) checkReferences(props map[string]any) error {
	for _, key := range referenceProps {
		ref, ok := props[key].(string)
		if !ok {
			continue
		}
		if _, exists := d.objects[ref]; !exists {
			return errors.NotFoundf("referenced object '%s'", ref)
		}
	}
	if refs, ok := props["References"].([]any); ok {
		for _, r := range refs {
			pair, ok := r.([]any)
			if !ok || len(pair) != 2 {
				return errors.New("references entries must be [object, subelement] pairs")
			}
			name, _ := pair[0].(string)
			if _, exists := d.objects[name]; !exists {
				return errors.NotFoundf("referenced object '%s'", name)
			}
		}
	}
	return nil
}

func (d *document) add(obj *Object) {
	d.objects[obj.Name] = obj
	d.order = append(d.order, obj.Name)
}

func (m *Memory) CreateObject(docName string, spec ObjectSpec) (string, error) {
	d, err := m.doc(docName)
	if err != nil {
		return "", err
	}
	if spec.Type == "" {
		return "", errors.New("object Type is required")
	}
	if spec.Analysis != "" {
		if _, err := d.object(spec.Analysis); err != nil {
			return "", err
		}
	}
	if err := d.checkReferences(spec.Properties); err != nil {
		return "", err
	}

	base := spec.Name
	if base == "" {
		base = "New_Object"
	}
	name := uniqueName(base, func(n string) bool { _, ok := d.objects[n]; return ok })
	props := make(map[string]any, len(spec.Properties))
	for k, v := range spec.Properties {
		props[k] = v
	}
	d.add(&Object{
		Name:       name,
		Label:      name,
		TypeID:     spec.Type,
		Analysis:   spec.Analysis,
		Properties: props,
	})
	return name, nil
}

func (m *Memory) EditObject(docName, name string, props map[string]any) error {
	d, err := m.doc(docName)
	if err != nil {
		return err
	}
	obj, err := d.object(name)
	if err != nil {
		return err
	}
	if err := d.checkReferences(props); err != nil {
		return err
	}
	for k, v := range props {
		if k == "Label" {
			if label, ok := v.(string); ok {
				obj.Label = label
				continue
			}
		}
		obj.Properties[k] = v
	}
	return nil
}

func (m *Memory) DeleteObject(docName, name string) error {
	d, err := m.doc(docName)
	if err != nil {
		return err
	}
	if _, err := d.object(name); err != nil {
		return err
	}
	delete(d.objects, name)
	d.order = slices.DeleteFunc(d.order, func(n string) bool { return n == name })
	return nil
}

func copyObject(o *Object) Object {
	c := *o
	c.Properties = make(map[string]any, len(o.Properties))
	for k, v := range o.Properties {
		c.Properties[k] = v
	}
	return c
}

func (m *Memory) GetObjects(docName string) ([]Object, error) {
	d, err := m.doc(docName)
	if err != nil {
		return nil, err
	}
	objs := make([]Object, 0, len(d.order))
	for _, name := range d.order {
		objs = append(objs, copyObject(d.objects[name]))
	}
	return objs, nil
}

func (m *Memory) GetObject(docName, name string) (Object, error) {
	d, err := m.doc(docName)
	if err != nil {
		return Object{}, err
	}
	obj, err := d.object(name)
	if err != nil {
		return Object{}, err
	}
	return copyObject(obj), nil
}

func (m *Memory) ExecuteCode(code string) (string, error) {
	if m.interpreter == nil {
		return "", errors.New("executing code: no interpreter attached to this host")
	}
	out, err := m.interpreter(code)
	if err != nil {
		return out, errors.Errorf("executing code: %v", err)
	}
	return out, nil
}

// PartsList returns library files relative to the parts directory, sorted.
func (m *Memory) PartsList() ([]string, error) {
	if m.partsDir == "" {
		return []string{}, nil
	}
	parts := []string{}
	err := filepath.WalkDir(m.partsDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(path), ".FCStd") {
			return nil
		}
		rel, err := filepath.Rel(m.partsDir, path)
		if err != nil {
			return err
		}
		parts = append(parts, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Annotate(err, "reading parts library")
	}
	sort.Strings(parts)
	return parts, nil
}

// InsertPart adds a library part to the active document as an App::Part.
func (m *Memory) InsertPart(relPath string) (string, error) {
	parts, err := m.PartsList()
	if err != nil {
		return "", err
	}
	if !slices.Contains(parts, filepath.ToSlash(filepath.Clean(relPath))) {
		return "", errors.NotFoundf("part '%s' in the parts library", relPath)
	}
	if m.active == "" {
		return "", errors.Errorf("no active document to insert '%s' into", relPath)
	}
	base := strings.TrimSuffix(filepath.Base(relPath), filepath.Ext(relPath))
	return m.CreateObject(m.active, ObjectSpec{
		Name:       base,
		Type:       "App::Part",
		Properties: map[string]any{"SourceFile": relPath},
	})
}

// Screenshot renders a placeholder view of the active document as PNG.
func (m *Memory) Screenshot(view string) ([]byte, error) {
	if !slices.Contains(Views, view) {
		return nil, errors.NotValidf("view name %q", view)
	}
	if m.active == "" {
		return nil, errors.New("no active view")
	}

	const size = 64
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	shade := uint8(40 + 20*slices.Index(Views, view))
	count := len(m.docs[m.active].objects)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.RGBA{R: shade, G: shade, B: shade, A: 255}
			// one stripe per object so different states give different images
			if count > 0 && x%(size/(min(count, size/2)+1)) == 0 {
				c = color.RGBA{R: 200, G: 120, B: 40, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
