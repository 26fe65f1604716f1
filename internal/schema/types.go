package schema

import "fmt"

// ProjectType selects the composition model for a project.
type ProjectType string

const (
	ProjectSingle     ProjectType = "single"
	ProjectFederation ProjectType = "federation"
	ProjectStitching  ProjectType = "stitching"
)

// Valid reports whether the project type is one of the known models.
func (t ProjectType) Valid() bool {
	switch t {
	case ProjectSingle, ProjectFederation, ProjectStitching:
		return true
	}
	return false
}

// ExternalComposition points at an external composition service. When
// Enabled, federation composition is delegated to Endpoint; requests are
// signed with Secret.
type ExternalComposition struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
	Secret   string `json:"-"`
}

// Project carries the project-level settings the validation flow reads.
type Project struct {
	Type                ProjectType
	ExternalComposition ExternalComposition
}

// TargetSelector identifies one target of one project. All three fields
// are opaque identifiers.
type TargetSelector struct {
	Organization string `json:"organization"`
	Project      string `json:"project"`
	Target       string `json:"target"`
}

func (s TargetSelector) String() string {
	return s.Organization + "/" + s.Project + "/" + s.Target
}

// Criticality classifies a schema change.
type Criticality string

const (
	Safe      Criticality = "safe"
	Dangerous Criticality = "dangerous"
	Breaking  Criticality = "breaking"
)

// Change is one difference between two composed schemas. Ordering is
// assigned by the inspector and preserved by everything downstream.
type Change struct {
	Criticality Criticality `json:"criticality"`
	Message     string      `json:"message"`
	Path        string      `json:"path,omitempty"`
}

// Error is a validation error: a composition failure, a rejected breaking
// change or a diff failure. Path is empty when no schema coordinate
// applies.
type Error struct {
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

func (e Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s (at %s)", e.Message, e.Path)
	}
	return e.Message
}
