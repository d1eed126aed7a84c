package postgres

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/dbtap/dbtap/pkg/core/proxy/decoders"
	"github.com/dbtap/dbtap/pkg/models"
	"github.com/jackc/pgproto3/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startupMessage() []byte {
	body := []byte("user\x00app\x00database\x00app\x00\x00")
	msg := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint32(msg[0:4], uint32(8+len(body)))
	binary.BigEndian.PutUint32(msg[4:8], protocolVersion)
	return append(msg, body...)
}

func queryMessage(sql string) []byte {
	return (&pgproto3.Query{String: sql}).Encode(nil)
}

// readySession walks a session through startup so that query frames are no
// longer classified as handshake.
func readySession(t *testing.T) *session {
	t.Helper()
	s := (&Decoder{}).NewSession(zaptest.NewLogger(t)).(*session)

	frames := s.ParseQueries(startupMessage())
	require.Len(t, frames, 1)
	require.True(t, frames[0].Handshake)

	var auth []byte
	auth = (&pgproto3.AuthenticationOk{}).Encode(auth)
	auth = (&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(auth)
	responses := s.ParseResponses(auth)
	require.Len(t, responses, 1)
	require.True(t, responses[0].Handshake)
	return s
}

func TestMatchType(t *testing.T) {
	d := &Decoder{}
	assert.True(t, d.MatchType(startupMessage()))

	ssl := make([]byte, 8)
	binary.BigEndian.PutUint32(ssl[0:4], 8)
	binary.BigEndian.PutUint32(ssl[4:8], sslRequestCode)
	assert.True(t, d.MatchType(ssl))

	assert.False(t, d.MatchType([]byte("GET / HTTP/1.1\r\n")))
	assert.False(t, d.MatchType([]byte{0x00}))
}

func TestSimpleQueryInterceptable(t *testing.T) {
	s := readySession(t)

	frames := s.ParseQueries(queryMessage("SELECT id, name FROM users"))
	require.Len(t, frames, 1)
	frame := frames[0]
	assert.True(t, frame.Interceptable)
	assert.True(t, frame.ExpectsResponse)
	assert.False(t, frame.Handshake)
	assert.Equal(t, models.CmdSelect, frame.Command)
	assert.Equal(t, models.PayloadSQL, frame.Payload.Kind)
	assert.Equal(t, "SELECT id, name FROM users", frame.Payload.SQL)
}

func TestQuerySplitAcrossReads(t *testing.T) {
	s := readySession(t)

	msg := queryMessage("SELECT 1")
	var frames []decoders.QueryFrame
	for _, b := range msg {
		frames = append(frames, s.ParseQueries([]byte{b})...)
	}
	require.Len(t, frames, 1)
	assert.Equal(t, "SELECT 1", frames[0].Payload.SQL)
	assert.Equal(t, msg, frames[0].Raw)
}

func TestResultSetDecoding(t *testing.T) {
	s := readySession(t)
	s.ParseQueries(queryMessage("SELECT * FROM users"))

	var resp []byte
	resp = (&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{
		{Name: []byte("id"), DataTypeOID: textOID, DataTypeSize: -1, TypeModifier: -1},
		{Name: []byte("name"), DataTypeOID: textOID, DataTypeSize: -1, TypeModifier: -1},
	}}).Encode(resp)
	resp = (&pgproto3.DataRow{Values: [][]byte{[]byte("1"), []byte("alice")}}).Encode(resp)
	resp = (&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")}).Encode(resp)
	resp = (&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(resp)

	frames := s.ParseResponses(resp)
	require.Len(t, frames, 1)
	require.False(t, frames[0].Handshake)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(frames[0].Body), &body))
	assert.Equal(t, float64(1), body["rowCount"])
	rows := body["rows"].([]interface{})
	require.Len(t, rows, 1)
	assert.Equal(t, map[string]interface{}{"id": "1", "name": "alice"}, rows[0])
}

func TestErrorResponseDecoding(t *testing.T) {
	s := readySession(t)
	s.ParseQueries(queryMessage("SELECT * FROM missing"))

	var resp []byte
	resp = (&pgproto3.ErrorResponse{Severity: "ERROR", Code: "42P01", Message: "relation does not exist"}).Encode(resp)
	resp = (&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(resp)

	frames := s.ParseResponses(resp)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"error":"relation does not exist"}`, frames[0].Body)
}

func TestSynthesizeRoundTrip(t *testing.T) {
	s := readySession(t)
	queries := s.ParseQueries(queryMessage("SELECT * FROM users"))
	require.Len(t, queries, 1)

	payload := `{"rows":[{"id":1,"name":"alice"},{"id":2,"name":"bob"}],"rowCount":2}`
	wire, err := s.SynthesizeResponse(&queries[0], payload)
	require.NoError(t, err)

	// a fresh ready session must decode the synthesized bytes back into
	// the same canonical body
	peer := readySession(t)
	frames := peer.ParseResponses(wire)
	require.Len(t, frames, 1)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(frames[0].Body), &body))
	assert.Equal(t, float64(2), body["rowCount"])
	rows := body["rows"].([]interface{})
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]interface{}{"id": "1", "name": "alice"}, rows[0])
}

func TestSynthesizeError(t *testing.T) {
	s := readySession(t)
	queries := s.ParseQueries(queryMessage("SELECT 1"))
	require.Len(t, queries, 1)

	wire, err := s.SynthesizeResponse(&queries[0], `{"error":"boom"}`)
	require.NoError(t, err)

	peer := readySession(t)
	frames := peer.ParseResponses(wire)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"error":"boom"}`, frames[0].Body)
}

func TestSynthesizeRejectsNonJSON(t *testing.T) {
	s := readySession(t)
	queries := s.ParseQueries(queryMessage("SELECT 1"))
	require.Len(t, queries, 1)

	_, err := s.SynthesizeResponse(&queries[0], "not json")
	require.Error(t, err)
	var decodeErr *models.DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestSSLAcceptDegrades(t *testing.T) {
	s := (&Decoder{}).NewSession(zaptest.NewLogger(t)).(*session)

	ssl := make([]byte, 8)
	binary.BigEndian.PutUint32(ssl[0:4], 8)
	binary.BigEndian.PutUint32(ssl[4:8], sslRequestCode)
	frames := s.ParseQueries(ssl)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Handshake)

	responses := s.ParseResponses([]byte{'S'})
	require.Len(t, responses, 1)
	assert.True(t, responses[0].Handshake)
	assert.True(t, s.Degraded())

	// everything after the TLS accept is opaque
	raw := s.ParseQueries([]byte{0x16, 0x03, 0x01})
	require.Len(t, raw, 1)
	assert.Equal(t, models.PayloadRaw, raw[0].Payload.Kind)
}

func TestSSLRejectContinuesDecoding(t *testing.T) {
	s := (&Decoder{}).NewSession(zaptest.NewLogger(t)).(*session)

	ssl := make([]byte, 8)
	binary.BigEndian.PutUint32(ssl[0:4], 8)
	binary.BigEndian.PutUint32(ssl[4:8], sslRequestCode)
	s.ParseQueries(ssl)

	responses := s.ParseResponses([]byte{'N'})
	require.Len(t, responses, 1)
	assert.False(t, s.Degraded())

	frames := s.ParseQueries(startupMessage())
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Handshake)
}

func TestInvalidFrameLengthDegrades(t *testing.T) {
	s := readySession(t)

	bogus := []byte{'Q', 0x00, 0x00, 0x00, 0x01, 0xde, 0xad}
	frames := s.ParseQueries(bogus)
	require.Len(t, frames, 1)
	assert.Equal(t, models.PayloadRaw, frames[0].Payload.Kind)
	assert.True(t, s.Degraded())
}

func TestExtendedProtocolObservedOnly(t *testing.T) {
	s := readySession(t)

	parse := (&pgproto3.Parse{Name: "stmt1", Query: "SELECT $1"}).Encode(nil)
	frames := s.ParseQueries(parse)
	require.Len(t, frames, 1)
	assert.False(t, frames[0].Interceptable)
	assert.Equal(t, "SELECT $1", frames[0].Payload.SQL)
}
