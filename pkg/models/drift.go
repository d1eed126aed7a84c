package models

// DifferenceKind classifies one divergence between a mocked and a live
// response.
type DifferenceKind string

const (
	ValueMismatch   DifferenceKind = "value_mismatch"
	ExtraProperty   DifferenceKind = "extra_property"
	MissingProperty DifferenceKind = "missing_property"
	TypeMismatch    DifferenceKind = "type_mismatch"
)

// Difference is a single divergence at a JSON-pointer path.
type Difference struct {
	Path     string         `json:"path" yaml:"path"`
	Kind     DifferenceKind `json:"kind" yaml:"kind"`
	Expected interface{}    `json:"expected,omitempty" yaml:"expected,omitempty"`
	Actual   interface{}    `json:"actual,omitempty" yaml:"actual,omitempty"`
}

// DriftReport is the ordered comparison result between a mock's stored
// response and the live backend reply for the same query. An empty
// Differences slice means no drift.
type DriftReport struct {
	QueryID     string       `json:"queryId" yaml:"queryId"`
	MockID      string       `json:"mockId" yaml:"mockId"`
	Differences []Difference `json:"differences" yaml:"differences"`
	Summary     string       `json:"summary" yaml:"summary"`
}

// HasDrift reports whether any divergence was found.
func (r *DriftReport) HasDrift() bool {
	return r != nil && len(r.Differences) > 0
}
