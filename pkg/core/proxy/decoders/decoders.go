// Package decoders defines the per-protocol wire decoders used by the
// connection pipe. Protocol packages register themselves at import time.
package decoders

import (
	"github.com/dbtap/dbtap/pkg/models"
	"go.uber.org/zap"
)

// QueryFrame is one complete client-to-backend protocol frame. Raw always
// holds the exact bytes read from the client so pass-through relay stays
// lossless.
type QueryFrame struct {
	Raw     []byte
	Payload models.QueryPayload
	Command models.CommandType

	// Interceptable marks frames the pipe may answer from a mock.
	Interceptable bool
	// Handshake marks connection-setup traffic that is relayed without
	// being emitted as an observed query.
	Handshake bool
	// ExpectsResponse is false for fire-and-forget frames.
	ExpectsResponse bool
	// CorrelationID pairs responses when the protocol correlates by id
	// (mongo request ids); zero means first-in-first-out pairing. For
	// mysql it carries the command packet's sequence id for synthesis.
	CorrelationID uint32
}

// ResponseFrame is one complete backend-to-client response, possibly
// spanning several wire messages.
type ResponseFrame struct {
	Raw []byte
	// Body is the canonical JSON form of the decoded payload, empty when
	// the decoder could not extract one.
	Body string

	Handshake bool
	// Unsolicited frames (e.g. redis pushes) are relayed without pairing.
	Unsolicited   bool
	CorrelationID uint32
}

// Session decodes one connection's two byte streams incrementally. Both
// directions may be fed from separate goroutines; implementations serialize
// internally since handshake phase is shared state.
//
// Decoding is observational: a session never consumes bytes from the relay
// path, it only reframes them. When framing fails the session degrades
// permanently to raw relay, returning each chunk as a single opaque frame.
type Session interface {
	ParseQueries(data []byte) []QueryFrame
	ParseResponses(data []byte) []ResponseFrame

	// SynthesizeResponse builds a byte-compatible reply frame in the wire
	// protocol from a mock's canonical JSON payload.
	SynthesizeResponse(frame *QueryFrame, payload string) ([]byte, error)

	Degraded() bool
}

// Decoder is the per-protocol factory.
type Decoder interface {
	Protocol() models.Protocol
	// MatchType sniffs whether the initial client bytes look like this
	// protocol; used to warn on misconfigured proxies.
	MatchType(buf []byte) bool
	NewSession(logger *zap.Logger) Session
}

var registered = make(map[models.Protocol]Decoder)

// Register adds a decoder to the registry; called from protocol package
// init functions.
func Register(d Decoder) {
	registered[d.Protocol()] = d
}

// Get returns the decoder for the given protocol.
func Get(p models.Protocol) (Decoder, bool) {
	d, ok := registered[p]
	return d, ok
}
