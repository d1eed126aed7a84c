package models

import "time"

// MockSource records how a mock came to exist.
type MockSource string

const (
	SourceManual      MockSource = "manual"
	SourceAutoCreated MockSource = "auto-created"
)

// Mock is a persisted pattern plus canned response. Pattern semantics are
// protocol-class specific (see the match package); Response is always a JSON
// document in the protocol's canonical payload form.
type Mock struct {
	ID        string      `json:"id" yaml:"id"`
	Name      string      `json:"name" yaml:"name"`
	ProxyPort uint16      `json:"proxyPort" yaml:"proxyPort"`
	Protocol  Protocol    `json:"protocol" yaml:"protocol"`
	Pattern   string      `json:"pattern" yaml:"pattern"`
	Response  string      `json:"response" yaml:"response"`
	Enabled   bool        `json:"enabled" yaml:"enabled"`
	Source    MockSource  `json:"source" yaml:"source"`
	Command   CommandType `json:"commandType" yaml:"commandType"`
	// UsageCount is monotonic and incremented once per successful match.
	UsageCount uint64    `json:"usageCount" yaml:"usageCount"`
	CreatedAt  time.Time `json:"createdAt" yaml:"createdAt"`
}

// Clone returns a copy so callers hold a snapshot that cannot race with
// store mutations.
func (m *Mock) Clone() *Mock {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}
