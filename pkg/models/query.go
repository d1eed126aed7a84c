package models

import "time"

// ResponseStatus is the terminal disposition of a query's response.
type ResponseStatus string

const (
	StatusPending ResponseStatus = "pending"
	StatusSuccess ResponseStatus = "success"
	StatusFailed  ResponseStatus = "failed"
	StatusMocked  ResponseStatus = "mocked"
)

// Query is a decoded client request. It is immutable once emitted and is
// paired with at most one Response.
type Query struct {
	ID            string       `json:"id" yaml:"id"`
	ConnectionID  string       `json:"connectionId" yaml:"connectionId"`
	ProxyPort     uint16       `json:"proxyPort" yaml:"proxyPort"`
	Protocol      Protocol     `json:"protocol" yaml:"protocol"`
	Timestamp     time.Time    `json:"timestamp" yaml:"timestamp"`
	Payload       QueryPayload `json:"payload" yaml:"payload"`
	Command       CommandType  `json:"commandType" yaml:"commandType"`
	TableOrFamily string       `json:"tableOrFamily,omitempty" yaml:"tableOrFamily,omitempty"`
}

// Response is the reply observed (or substituted) for a Query.
type Response struct {
	QueryID    string         `json:"queryId" yaml:"queryId"`
	Payload    string         `json:"payload,omitempty" yaml:"payload,omitempty"`
	DurationMs int64          `json:"durationMs" yaml:"durationMs"`
	Status     ResponseStatus `json:"status" yaml:"status"`
	IsMocked   bool           `json:"isMocked" yaml:"isMocked"`
	MockID     string         `json:"mockId,omitempty" yaml:"mockId,omitempty"`
	Reason     string         `json:"reason,omitempty" yaml:"reason,omitempty"`
	Validation *DriftReport   `json:"validation,omitempty" yaml:"validation,omitempty"`
}

// InterceptedQuery is the pair handed to observers, kept in the per-proxy
// recent-window ring.
type InterceptedQuery struct {
	Query    *Query    `json:"query" yaml:"query"`
	Response *Response `json:"response,omitempty" yaml:"response,omitempty"`
}
