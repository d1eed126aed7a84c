// Package mongo decodes the MongoDB wire protocol. OP_MSG command documents
// are interceptable; legacy opcodes and exhaust flows are observed and
// relayed. Responses pair by their responseTo id.
package mongo

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dbtap/dbtap/pkg/core/proxy/decoders"
	"github.com/dbtap/dbtap/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"
	"go.uber.org/zap"
)

const maxMessageSize = 48 << 20

func init() {
	decoders.Register(&Decoder{})
}

type Decoder struct{}

func (Decoder) Protocol() models.Protocol { return models.MongoDB }

// MatchType validates the header: a sane message length plus a known opcode.
func (Decoder) MatchType(buf []byte) bool {
	if len(buf) < 16 {
		return false
	}
	length := int32(binary.LittleEndian.Uint32(buf[0:4]))
	if length < 16 || int(length) > maxMessageSize {
		return false
	}
	switch wiremessage.OpCode(binary.LittleEndian.Uint32(buf[12:16])) {
	case wiremessage.OpMsg, wiremessage.OpQuery, wiremessage.OpCompressed, wiremessage.OpReply:
		return true
	}
	return false
}

func (Decoder) NewSession(logger *zap.Logger) decoders.Session {
	return &session{logger: logger}
}

type session struct {
	logger *zap.Logger

	mu       sync.Mutex
	client   decoders.StreamBuf
	server   decoders.StreamBuf
	degraded bool
}

func (s *session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *session) ParseQueries(data []byte) []decoders.QueryFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded {
		return rawQueryFrames(data)
	}
	s.client.Write(data)

	var frames []decoders.QueryFrame
	for {
		raw, ok := nextMessage(&s.client)
		if !ok {
			break
		}
		if raw == nil {
			s.degraded = true
			frames = append(frames, rawQueryFrames(s.client.Drain())...)
			break
		}
		frames = append(frames, s.classifyMessage(raw))
	}
	return frames
}

func (s *session) classifyMessage(raw []byte) decoders.QueryFrame {
	_, reqID, _, opCode, body, ok := wiremessage.ReadHeader(raw)
	frame := decoders.QueryFrame{
		Raw:             raw,
		Command:         models.CmdUnknown,
		ExpectsResponse: true,
		CorrelationID:   uint32(reqID),
	}
	if !ok || opCode != wiremessage.OpMsg {
		return frame
	}

	flags, body, ok := wiremessage.ReadMsgFlags(body)
	if !ok {
		return frame
	}
	if flags&wiremessage.MoreToCome == wiremessage.MoreToCome {
		frame.ExpectsResponse = false
	}
	stype, body, ok := wiremessage.ReadMsgSectionType(body)
	if !ok || stype != wiremessage.SingleDocument {
		return frame
	}
	doc, _, ok := wiremessage.ReadMsgSectionSingleDocument(body)
	if !ok {
		return frame
	}

	command, collection, docJSON := describeCommand(doc)
	frame.Payload = models.QueryPayload{
		Kind:       models.PayloadMongo,
		Command:    command,
		Collection: collection,
		Document:   docJSON,
	}
	frame.Command = models.CommandFromMongo(command)
	frame.Interceptable = frame.ExpectsResponse
	return frame
}

// describeCommand extracts the command name, the db.collection target, and
// the canonical extended-JSON body from an OP_MSG section document.
func describeCommand(doc bsoncore.Document) (command, collection, docJSON string) {
	elements, err := doc.Elements()
	if err != nil || len(elements) == 0 {
		return "", "", ""
	}
	command = elements[0].Key()
	var db, target string
	if v, ok := elements[0].Value().StringValueOK(); ok {
		target = v
	}
	if dbVal, err := doc.LookupErr("$db"); err == nil {
		if v, ok := dbVal.StringValueOK(); ok {
			db = v
		}
	}
	switch {
	case db != "" && target != "":
		collection = db + "." + target
	case db != "":
		collection = db
	default:
		collection = target
	}
	if out, err := bson.MarshalExtJSON(bson.Raw(doc), true, false); err == nil {
		docJSON = string(out)
	}
	return command, collection, docJSON
}

func (s *session) ParseResponses(data []byte) []decoders.ResponseFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded {
		return rawResponseFrames(data)
	}
	s.server.Write(data)

	var frames []decoders.ResponseFrame
	for {
		raw, ok := nextMessage(&s.server)
		if !ok {
			break
		}
		if raw == nil {
			s.degraded = true
			frames = append(frames, rawResponseFrames(s.server.Drain())...)
			break
		}
		frames = append(frames, s.classifyReply(raw))
	}
	return frames
}

func (s *session) classifyReply(raw []byte) decoders.ResponseFrame {
	_, _, responseTo, opCode, body, ok := wiremessage.ReadHeader(raw)
	frame := decoders.ResponseFrame{Raw: raw, CorrelationID: uint32(responseTo)}
	if !ok {
		return frame
	}
	switch opCode {
	case wiremessage.OpMsg:
		_, rest, ok := wiremessage.ReadMsgFlags(body)
		if !ok {
			return frame
		}
		stype, rest, ok := wiremessage.ReadMsgSectionType(rest)
		if !ok || stype != wiremessage.SingleDocument {
			return frame
		}
		doc, _, ok := wiremessage.ReadMsgSectionSingleDocument(rest)
		if !ok {
			return frame
		}
		if out, err := bson.MarshalExtJSON(bson.Raw(doc), true, false); err == nil {
			frame.Body = string(out)
		}
	case wiremessage.OpReply:
		_, rest, ok := wiremessage.ReadReplyFlags(body)
		if !ok {
			return frame
		}
		_, rest, ok = wiremessage.ReadReplyCursorID(rest)
		if !ok {
			return frame
		}
		_, rest, ok = wiremessage.ReadReplyStartingFrom(rest)
		if !ok {
			return frame
		}
		_, rest, ok = wiremessage.ReadReplyNumberReturned(rest)
		if !ok {
			return frame
		}
		docs, _, ok := wiremessage.ReadReplyDocuments(rest)
		if ok && len(docs) > 0 {
			if out, err := bson.MarshalExtJSON(bson.Raw(docs[0]), true, false); err == nil {
				frame.Body = string(out)
			}
		}
	}
	return frame
}

// SynthesizeResponse builds an OP_MSG reply carrying the mock payload as the
// single body section, with ok:1 appended when the document lacks it.
func (s *session) SynthesizeResponse(frame *decoders.QueryFrame, payload string) ([]byte, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON([]byte(payload), true, &doc); err != nil {
		// canonical extJSON is strict about numeric wrappers; retry relaxed
		if err = bson.UnmarshalExtJSON([]byte(payload), false, &doc); err != nil {
			return nil, &models.DecodeError{Protocol: models.MongoDB, Err: fmt.Errorf("mock payload is not a JSON document: %w", err)}
		}
	}
	if !hasKey(doc, "ok") {
		doc = append(doc, bson.E{Key: "ok", Value: float64(1)})
	}
	body, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mock reply document: %w", err)
	}

	idx, buffer := wiremessage.AppendHeaderStart(nil, wiremessage.NextRequestID(), int32(frame.CorrelationID), wiremessage.OpMsg)
	buffer = wiremessage.AppendMsgFlags(buffer, 0)
	buffer = wiremessage.AppendMsgSectionType(buffer, wiremessage.SingleDocument)
	buffer = append(buffer, body...)
	buffer = bsoncore.UpdateLength(buffer, idx, int32(len(buffer[idx:])))
	return buffer, nil
}

func hasKey(doc bson.D, key string) bool {
	for _, e := range doc {
		if e.Key == key {
			return true
		}
	}
	return false
}

// nextMessage pops one length-prefixed wire message. A nil slice with ok
// true signals a malformed header.
func nextMessage(buf *decoders.StreamBuf) ([]byte, bool) {
	header := buf.Peek(4)
	if header == nil {
		return nil, false
	}
	length := int(int32(binary.LittleEndian.Uint32(header)))
	if length < 16 || length > maxMessageSize {
		return nil, true
	}
	raw := buf.Next(length)
	if raw == nil {
		return nil, false
	}
	return raw, true
}

func rawQueryFrames(data []byte) []decoders.QueryFrame {
	if len(data) == 0 {
		return nil
	}
	return []decoders.QueryFrame{{
		Raw:     data,
		Payload: models.QueryPayload{Kind: models.PayloadRaw, Raw: data},
		Command: models.CmdUnknown,
	}}
}

func rawResponseFrames(data []byte) []decoders.ResponseFrame {
	if len(data) == 0 {
		return nil
	}
	return []decoders.ResponseFrame{{Raw: data, Unsolicited: true}}
}
