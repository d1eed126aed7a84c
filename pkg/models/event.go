package models

import "time"

// EventType names the notifications pushed to the event bus.
type EventType string

const (
	EventQuery            EventType = "database-query"
	EventQueryResponse    EventType = "database-query-response"
	EventMockServed       EventType = "database-mock-served"
	EventMockAutoCreated  EventType = "database-mock-auto-created"
	EventMockDifference   EventType = "database-mock-difference-detected"
	EventProxyStarted     EventType = "proxy-started"
	EventProxyStopped     EventType = "proxy-stopped"
	EventProxyError       EventType = "proxy-error"
	EventConnectionOpened EventType = "connection-opened"
	EventConnectionClosed EventType = "connection-closed"
)

// Event is the envelope published on the bus. Only the fields relevant to
// the event type are populated; delivery is best-effort.
type Event struct {
	Type      EventType    `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	ProxyPort uint16       `json:"proxyPort,omitempty"`
	Query     *Query       `json:"query,omitempty"`
	Response  *Response    `json:"response,omitempty"`
	Mock      *Mock        `json:"mock,omitempty"`
	Drift     *DriftReport `json:"drift,omitempty"`
	Error     string       `json:"error,omitempty"`
}
