package sqlserver

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/dbtap/dbtap/pkg/core/proxy/decoders"
	"github.com/dbtap/dbtap/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// preloginMessage builds a minimal prelogin with ENCRYPT_NOT_SUP so the
// session stays in cleartext.
func preloginMessage(encrypt byte) []byte {
	// option table: ENCRYPTION at offset 11, length 1, then terminator
	payload := []byte{
		preloginEncryption, 0x00, 0x06, 0x00, 0x01,
		0xFF,
		encrypt,
	}
	return packMessage(packetPrelogin, payload)
}

func login7Message() []byte {
	payload := make([]byte, 94)
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(payload)))
	return packMessage(packetLogin7, payload)
}

func sqlBatchMessage(sql string) []byte {
	var payload []byte
	payload = binary.LittleEndian.AppendUint32(payload, 22) // ALL_HEADERS total
	payload = append(payload, make([]byte, 18)...)
	payload = append(payload, encodeUCS2(sql)...)
	return packMessage(packetSQLBatch, payload)
}

// loggedInSession walks prelogin and login so batches decode normally.
func loggedInSession(t *testing.T) *session {
	t.Helper()
	s := (&Decoder{}).NewSession(zaptest.NewLogger(t)).(*session)

	frames := s.ParseQueries(preloginMessage(0x02))
	require.Len(t, frames, 1)
	require.True(t, frames[0].Handshake)
	responses := s.ParseResponses(packMessage(packetReply, []byte{0x00}))
	require.Len(t, responses, 1)
	require.True(t, responses[0].Handshake)

	frames = s.ParseQueries(login7Message())
	require.Len(t, frames, 1)
	require.True(t, frames[0].Handshake)
	responses = s.ParseResponses(packMessage(packetReply, appendDone(nil, 0, 0)))
	require.Len(t, responses, 1)
	require.True(t, responses[0].Handshake)

	require.False(t, s.Degraded())
	return s
}

func TestMatchType(t *testing.T) {
	d := &Decoder{}
	assert.True(t, d.MatchType(preloginMessage(0x02)))
	assert.False(t, d.MatchType([]byte("GET / HTTP/1.1\r\n")))
	assert.False(t, d.MatchType([]byte{packetPrelogin}))
}

func TestSQLBatchInterceptable(t *testing.T) {
	s := loggedInSession(t)

	frames := s.ParseQueries(sqlBatchMessage("SELECT id FROM dbo.users"))
	require.Len(t, frames, 1)
	frame := frames[0]
	assert.True(t, frame.Interceptable)
	assert.True(t, frame.ExpectsResponse)
	assert.Equal(t, models.CmdSelect, frame.Command)
	assert.Equal(t, "SELECT id FROM dbo.users", frame.Payload.SQL)
}

func TestBatchSplitAcrossReads(t *testing.T) {
	s := loggedInSession(t)

	msg := sqlBatchMessage("SELECT 1")
	var frames []decoders.QueryFrame
	for _, b := range msg {
		frames = append(frames, s.ParseQueries([]byte{b})...)
	}
	require.Len(t, frames, 1)
	assert.Equal(t, "SELECT 1", frames[0].Payload.SQL)
}

func TestMultiPacketMessageAssembly(t *testing.T) {
	s := loggedInSession(t)

	full := sqlBatchMessage("SELECT name FROM sys.tables")
	payload := full[headerLen:]
	split := len(payload) / 2

	var first []byte
	first = append(first, packetSQLBatch, 0x00)
	first = binary.BigEndian.AppendUint16(first, uint16(headerLen+split))
	first = append(first, 0, 0, 1, 0)
	first = append(first, payload[:split]...)

	var second []byte
	second = append(second, packetSQLBatch, statusEOM)
	second = binary.BigEndian.AppendUint16(second, uint16(headerLen+len(payload)-split))
	second = append(second, 0, 0, 2, 0)
	second = append(second, payload[split:]...)

	frames := s.ParseQueries(first)
	require.Empty(t, frames)
	frames = s.ParseQueries(second)
	require.Len(t, frames, 1)
	assert.Equal(t, "SELECT name FROM sys.tables", frames[0].Payload.SQL)
}

func TestDoneTokenRowCount(t *testing.T) {
	s := loggedInSession(t)
	s.ParseQueries(sqlBatchMessage("DELETE FROM users"))

	frames := s.ParseResponses(packMessage(packetReply, appendDone(nil, 0x0010, 4)))
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"rowCount":4}`, frames[0].Body)
}

func TestErrorTokenBody(t *testing.T) {
	s := loggedInSession(t)
	s.ParseQueries(sqlBatchMessage("SELECT * FROM missing"))

	stream := appendErrorToken(nil, "Invalid object name 'missing'.")
	stream = appendDone(stream, 0x0002, 0)
	frames := s.ParseResponses(packMessage(packetReply, stream))
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"error":"Invalid object name 'missing'."}`, frames[0].Body)
}

func TestSynthesizeRows(t *testing.T) {
	s := loggedInSession(t)
	queries := s.ParseQueries(sqlBatchMessage("SELECT * FROM users"))
	require.Len(t, queries, 1)

	payload := `{"rows":[{"id":1,"name":"alice"}],"rowCount":1}`
	wire, err := s.SynthesizeResponse(&queries[0], payload)
	require.NoError(t, err)

	// synthesized stream ends in a DONE carrying the row count
	peer := loggedInSession(t)
	frames := peer.ParseResponses(wire)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"rowCount":1}`, frames[0].Body)

	// and the stream carries metadata, one row, one done
	stream := wire[headerLen:]
	assert.Equal(t, byte(tokenColMetadata), stream[0])
}

func TestTextValueNumberFormatting(t *testing.T) {
	// integral floats render without a fractional tail, so strict drivers
	// can coerce the NVARCHAR cell back to an integer type
	assert.Equal(t, "10", textValue(float64(10)))
	assert.Equal(t, "2.5", textValue(2.5))
	assert.Equal(t, "0", textValue(float64(0)))
	assert.Equal(t, "-3", textValue(float64(-3)))
	assert.Equal(t, "1", textValue(true))
	assert.Equal(t, "alice", textValue("alice"))
}

func TestSynthesizeError(t *testing.T) {
	s := loggedInSession(t)
	queries := s.ParseQueries(sqlBatchMessage("SELECT 1"))
	require.Len(t, queries, 1)

	wire, err := s.SynthesizeResponse(&queries[0], `{"error":"denied"}`)
	require.NoError(t, err)

	peer := loggedInSession(t)
	frames := peer.ParseResponses(wire)
	require.Len(t, frames, 1)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(frames[0].Body), &body))
	assert.Equal(t, "denied", body["error"])
}

func TestEncryptionRequestDegrades(t *testing.T) {
	s := (&Decoder{}).NewSession(zaptest.NewLogger(t)).(*session)

	frames := s.ParseQueries(preloginMessage(encryptRequired))
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Handshake)
	assert.True(t, s.Degraded())
}

func TestMalformedHeaderDegrades(t *testing.T) {
	s := loggedInSession(t)

	frames := s.ParseQueries([]byte{packetSQLBatch, statusEOM, 0x00, 0x02, 0, 0, 1, 0})
	require.Len(t, frames, 1)
	assert.Equal(t, models.PayloadRaw, frames[0].Payload.Kind)
	assert.True(t, s.Degraded())
}
