// Package cadhost models the application state the bridge drives. Nothing in
// here is safe for concurrent use: every call must come from the owning thread.
package cadhost

// Object is the serialized view of a document object.
type Object struct {
	Name       string         `json:"Name"`
	Label      string         `json:"Label"`
	TypeID     string         `json:"TypeId"`
	Analysis   string         `json:"Analysis,omitempty"`
	Properties map[string]any `json:"Properties"`
}

// ObjectSpec describes an object to create.
type ObjectSpec struct {
	Name       string         `json:"Name"`
	Type       string         `json:"Type"`
	Analysis   string         `json:"Analysis"`
	Properties map[string]any `json:"Properties"`
}

// Interpreter runs a script inside the host and returns what it printed.
type Interpreter func(code string) (string, error)

// Host is the application state behind the method surface.
type Host interface {
	CreateDocument(name string) (string, error)
	ListDocuments() []string
	CreateObject(doc string, spec ObjectSpec) (string, error)
	EditObject(doc, name string, props map[string]any) error
	DeleteObject(doc, name string) error
	GetObjects(doc string) ([]Object, error)
	GetObject(doc, name string) (Object, error)
	ExecuteCode(code string) (string, error)
	PartsList() ([]string, error)
	InsertPart(relPath string) (string, error)
	Screenshot(view string) ([]byte, error)
}

// Views accepted by Screenshot.
var Views = []string{
	"Isometric", "Front", "Top", "Right", "Back", "Left", "Bottom", "Dimetric", "Trimetric",
}
