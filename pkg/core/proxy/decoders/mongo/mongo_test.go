package mongo

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/dbtap/dbtap/pkg/core/proxy/decoders"
	"github.com/dbtap/dbtap/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"
	"go.uber.org/zap/zaptest"
)

func opMsg(t *testing.T, reqID, responseTo int32, flags wiremessage.MsgFlag, doc bson.D) []byte {
	t.Helper()
	body, err := bson.Marshal(doc)
	require.NoError(t, err)

	idx, buffer := wiremessage.AppendHeaderStart(nil, reqID, responseTo, wiremessage.OpMsg)
	buffer = wiremessage.AppendMsgFlags(buffer, flags)
	buffer = wiremessage.AppendMsgSectionType(buffer, wiremessage.SingleDocument)
	buffer = append(buffer, body...)
	return bsoncore.UpdateLength(buffer, idx, int32(len(buffer[idx:])))
}

func newSession(t *testing.T) *session {
	t.Helper()
	return (&Decoder{}).NewSession(zaptest.NewLogger(t)).(*session)
}

func TestMatchType(t *testing.T) {
	d := &Decoder{}
	msg := opMsg(t, 1, 0, 0, bson.D{{Key: "ping", Value: int32(1)}})
	assert.True(t, d.MatchType(msg))
	assert.False(t, d.MatchType([]byte("SELECT 1")))
	assert.False(t, d.MatchType(msg[:10]))
}

func TestFindCommand(t *testing.T) {
	s := newSession(t)

	msg := opMsg(t, 42, 0, 0, bson.D{
		{Key: "find", Value: "users"},
		{Key: "filter", Value: bson.D{{Key: "name", Value: "alice"}}},
		{Key: "$db", Value: "app"},
	})
	frames := s.ParseQueries(msg)
	require.Len(t, frames, 1)
	frame := frames[0]
	assert.True(t, frame.Interceptable)
	assert.True(t, frame.ExpectsResponse)
	assert.Equal(t, uint32(42), frame.CorrelationID)
	assert.Equal(t, models.CmdFind, frame.Command)
	assert.Equal(t, models.PayloadMongo, frame.Payload.Kind)
	assert.Equal(t, "find", frame.Payload.Command)
	assert.Equal(t, "app.users", frame.Payload.Collection)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(frame.Payload.Document), &doc))
	assert.Equal(t, "users", doc["find"])
}

func TestMoreToComeExpectsNoResponse(t *testing.T) {
	s := newSession(t)

	msg := opMsg(t, 7, 0, wiremessage.MoreToCome, bson.D{
		{Key: "insert", Value: "events"},
		{Key: "$db", Value: "app"},
	})
	frames := s.ParseQueries(msg)
	require.Len(t, frames, 1)
	assert.False(t, frames[0].ExpectsResponse)
	assert.False(t, frames[0].Interceptable)
}

func TestMessageSplitAcrossReads(t *testing.T) {
	s := newSession(t)

	msg := opMsg(t, 5, 0, 0, bson.D{{Key: "ping", Value: int32(1)}, {Key: "$db", Value: "admin"}})
	var frames []decoders.QueryFrame
	for _, b := range msg {
		frames = append(frames, s.ParseQueries([]byte{b})...)
	}
	require.Len(t, frames, 1)
	assert.Equal(t, "ping", frames[0].Payload.Command)
	assert.Equal(t, msg, frames[0].Raw)
}

func TestResponsePairsByRequestID(t *testing.T) {
	s := newSession(t)

	reply := opMsg(t, 900, 42, 0, bson.D{
		{Key: "cursor", Value: bson.D{
			{Key: "firstBatch", Value: bson.A{bson.D{{Key: "name", Value: "alice"}}}},
			{Key: "id", Value: int64(0)},
			{Key: "ns", Value: "app.users"},
		}},
		{Key: "ok", Value: float64(1)},
	})
	frames := s.ParseResponses(reply)
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(42), frames[0].CorrelationID)
	assert.False(t, frames[0].Unsolicited)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(frames[0].Body), &doc))
	assert.Contains(t, doc, "cursor")
}

func TestSynthesizeRoundTrip(t *testing.T) {
	s := newSession(t)
	queries := s.ParseQueries(opMsg(t, 42, 0, 0, bson.D{
		{Key: "find", Value: "users"},
		{Key: "$db", Value: "app"},
	}))
	require.Len(t, queries, 1)

	payload := `{"cursor":{"firstBatch":[{"name":"alice"}],"id":0,"ns":"app.users"}}`
	wire, err := s.SynthesizeResponse(&queries[0], payload)
	require.NoError(t, err)

	peer := newSession(t)
	frames := peer.ParseResponses(wire)
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(42), frames[0].CorrelationID)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(frames[0].Body), &doc))
	assert.Contains(t, doc, "cursor")
	// ok:1 is appended when the mock payload omits it
	assert.Contains(t, frames[0].Body, `"ok"`)
}

func TestSynthesizeRejectsNonJSON(t *testing.T) {
	s := newSession(t)
	queries := s.ParseQueries(opMsg(t, 1, 0, 0, bson.D{{Key: "ping", Value: int32(1)}}))
	require.Len(t, queries, 1)

	_, err := s.SynthesizeResponse(&queries[0], "][")
	require.Error(t, err)
	var decodeErr *models.DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestMalformedHeaderDegrades(t *testing.T) {
	s := newSession(t)

	bogus := make([]byte, 16)
	binary.LittleEndian.PutUint32(bogus[0:4], 4) // impossible message length
	frames := s.ParseQueries(bogus)
	require.Len(t, frames, 1)
	assert.Equal(t, models.PayloadRaw, frames[0].Payload.Kind)
	assert.True(t, s.Degraded())
}
