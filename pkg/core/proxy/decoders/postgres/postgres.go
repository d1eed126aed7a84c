// Package postgres decodes the PostgreSQL v3 wire protocol: startup and
// auth traffic is tracked as handshake, simple-protocol Query frames are
// interceptable, extended-protocol messages are observed and relayed.
package postgres

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dbtap/dbtap/pkg/core/proxy/decoders"
	"github.com/dbtap/dbtap/pkg/models"
	"github.com/jackc/pgproto3/v2"
	"go.uber.org/zap"
)

const (
	protocolVersion = 0x00030000
	sslRequestCode  = 80877103
	gssRequestCode  = 80877104
	cancelCode      = 80877102

	maxFrameSize = 16 << 20
	textOID      = 25
)

func init() {
	decoders.Register(&Decoder{})
}

type Decoder struct{}

func (Decoder) Protocol() models.Protocol { return models.Postgres }

// MatchType checks the untyped startup header for a known protocol or
// SSL/GSS request code.
func (Decoder) MatchType(buf []byte) bool {
	if len(buf) < 8 {
		return false
	}
	version := binary.BigEndian.Uint32(buf[4:8])
	switch version {
	case protocolVersion, sslRequestCode, gssRequestCode, cancelCode:
		return true
	}
	return false
}

func (Decoder) NewSession(logger *zap.Logger) decoders.Session {
	return &session{logger: logger}
}

type session struct {
	logger *zap.Logger

	mu     sync.Mutex
	client decoders.StreamBuf
	server decoders.StreamBuf

	degraded    bool
	startupDone bool
	awaitingSSL bool
	// ready flips on the first ReadyForQuery; client frames before that
	// belong to the startup/auth handshake.
	ready bool

	// in-progress response accumulation
	resp respState
}

type respState struct {
	raw     []byte
	columns []string
	rows    []map[string]interface{}
	tag     string
	errMsg  string
}

func (s *session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *session) degrade() {
	s.degraded = true
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
		if !s.startupDone {
			frame, ok := s.nextStartupFrame()
			if !ok {
				break
			}
			if frame != nil {
				frames = append(frames, *frame)
			}
			if s.degraded {
				if rest := s.client.Drain(); rest != nil {
					frames = append(frames, rawQueryFrames(rest)...)
				}
				break
			}
			continue
		}

		header := s.client.Peek(5)
		if header == nil {
			break
		}
		length := int(binary.BigEndian.Uint32(header[1:5]))
		if length < 4 || length > maxFrameSize {
			s.logger.Debug("invalid postgres client frame length, falling back to raw relay", zap.Int("length", length))
			s.degrade()
			frames = append(frames, rawQueryFrames(s.client.Drain())...)
			break
		}
		raw := s.client.Next(1 + length)
		if raw == nil {
			break
		}
		frames = append(frames, s.classifyClientFrame(raw))
	}
	return frames
}

func (s *session) nextStartupFrame() (*decoders.QueryFrame, bool) {
	header := s.client.Peek(4)
	if header == nil {
		return nil, false
	}
	length := int(binary.BigEndian.Uint32(header))
	if length < 8 || length > maxFrameSize {
		s.degrade()
		return nil, true
	}
	raw := s.client.Next(length)
	if raw == nil {
		return nil, false
	}
	version := binary.BigEndian.Uint32(raw[4:8])
	switch version {
	case sslRequestCode, gssRequestCode:
		s.awaitingSSL = true
	case protocolVersion:
		s.startupDone = true
	case cancelCode:
	default:
		s.degrade()
	}
	return &decoders.QueryFrame{Raw: raw, Handshake: true, Command: models.CmdUnknown}, true
}

func (s *session) classifyClientFrame(raw []byte) decoders.QueryFrame {
	frame := decoders.QueryFrame{Raw: raw, Command: models.CmdUnknown}
	if !s.ready {
		frame.Handshake = true
		return frame
	}
	switch raw[0] {
	case 'Q':
		sql := cstring(raw[5:])
		frame.Payload = models.QueryPayload{Kind: models.PayloadSQL, SQL: sql}
		frame.Command = models.CommandFromSQL(sql)
		frame.Interceptable = true
		frame.ExpectsResponse = true
	case 'P':
		// extended-protocol Parse: observed for visibility, relayed to
		// the backend, response pairing handled by raw relay
		body := raw[5:]
		if idx := indexNul(body); idx >= 0 {
			sql := cstring(body[idx+1:])
			frame.Payload = models.QueryPayload{Kind: models.PayloadSQL, SQL: sql}
			frame.Command = models.CommandFromSQL(sql)
		}
	default:
	}
	return frame
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
		if s.awaitingSSL {
			b := s.server.Next(1)
			if b == nil {
				break
			}
			s.awaitingSSL = false
			if b[0] == 'S' {
				// server accepted TLS; passthrough only from here on
				s.degrade()
			}
			frames = append(frames, decoders.ResponseFrame{Raw: b, Handshake: true})
			if s.degraded {
				if rest := s.server.Drain(); rest != nil {
					frames = append(frames, rawResponseFrames(rest)...)
				}
				return frames
			}
			continue
		}

		header := s.server.Peek(5)
		if header == nil {
			break
		}
		length := int(binary.BigEndian.Uint32(header[1:5]))
		if length < 4 || length > maxFrameSize {
			s.logger.Debug("invalid postgres server frame length, falling back to raw relay", zap.Int("length", length))
			s.degrade()
			flushed := append(s.resp.raw, s.server.Drain()...)
			s.resp = respState{}
			if len(flushed) > 0 {
				frames = append(frames, rawResponseFrames(flushed)...)
			}
			break
		}
		msg := s.server.Next(1 + length)
		if msg == nil {
			break
		}
		s.resp.raw = append(s.resp.raw, msg...)
		s.absorbServerMessage(msg)

		if msg[0] == 'Z' {
			frame := decoders.ResponseFrame{Raw: s.resp.raw}
			if !s.ready {
				s.ready = true
				frame.Handshake = true
			} else {
				frame.Body = s.resp.bodyJSON()
			}
			s.resp = respState{}
			frames = append(frames, frame)
		}
	}
	return frames
}

func (s *session) absorbServerMessage(msg []byte) {
	body := msg[5:]
	switch msg[0] {
	case 'T':
		s.resp.columns = parseRowDescription(body)
	case 'D':
		if row := parseDataRow(body, s.resp.columns); row != nil {
			s.resp.rows = append(s.resp.rows, row)
		}
	case 'C':
		s.resp.tag = cstring(body)
	case 'E':
		s.resp.errMsg = parseErrorMessage(body)
	}
}

// bodyJSON renders the accumulated response in the canonical payload form.
func (r *respState) bodyJSON() string {
	if r.errMsg != "" {
		out, _ := json.Marshal(map[string]interface{}{"error": r.errMsg})
		return string(out)
	}
	if r.tag == "" && r.rows == nil {
		return ""
	}
	rows := r.rows
	if rows == nil {
		rows = []map[string]interface{}{}
	}
	out, _ := json.Marshal(map[string]interface{}{
		"rows":     rows,
		"rowCount": tagRowCount(r.tag, len(r.rows)),
	})
	return string(out)
}

func (s *session) SynthesizeResponse(frame *decoders.QueryFrame, payload string) ([]byte, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, &models.DecodeError{Protocol: models.Postgres, Err: fmt.Errorf("mock payload is not a JSON document: %w", err)}
	}

	var buf []byte
	if errMsg, ok := doc["error"].(string); ok {
		buf = (&pgproto3.ErrorResponse{Severity: "ERROR", Code: "P0001", Message: errMsg}).Encode(buf)
		buf = (&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(buf)
		return buf, nil
	}

	rows, columns := payloadRows(doc)
	rowCount := len(rows)
	if rc, ok := doc["rowCount"].(float64); ok {
		rowCount = int(rc)
	}

	if len(columns) > 0 || frame.Command == models.CmdSelect {
		fields := make([]pgproto3.FieldDescription, len(columns))
		for i, col := range columns {
			fields[i] = pgproto3.FieldDescription{
				Name:         []byte(col),
				DataTypeOID:  textOID,
				DataTypeSize: -1,
				TypeModifier: -1,
			}
		}
		buf = (&pgproto3.RowDescription{Fields: fields}).Encode(buf)
		for _, row := range rows {
			values := make([][]byte, len(columns))
			for i, col := range columns {
				values[i] = pgTextValue(row[col])
			}
			buf = (&pgproto3.DataRow{Values: values}).Encode(buf)
		}
	}
	buf = (&pgproto3.CommandComplete{CommandTag: []byte(commandTag(frame.Command, rowCount))}).Encode(buf)
	buf = (&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(buf)
	return buf, nil
}

// payloadRows extracts the rows array and the lexicographically ordered
// column set from a canonical payload document.
func payloadRows(doc map[string]interface{}) ([]map[string]interface{}, []string) {
	rawRows, ok := doc["rows"].([]interface{})
	if !ok {
		return nil, nil
	}
	var rows []map[string]interface{}
	colSet := map[string]struct{}{}
	for _, r := range rawRows {
		row, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		rows = append(rows, row)
		for col := range row {
			colSet[col] = struct{}{}
		}
	}
	columns := make([]string, 0, len(colSet))
	for col := range colSet {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return rows, columns
}

func pgTextValue(v interface{}) []byte {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return []byte(val)
	case bool:
		if val {
			return []byte("t")
		}
		return []byte("f")
	case float64:
		return []byte(formatNumber(val))
	default:
		out, _ := json.Marshal(val)
		return out
	}
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func commandTag(cmd models.CommandType, rowCount int) string {
	switch cmd {
	case models.CmdInsert:
		return fmt.Sprintf("INSERT 0 %d", rowCount)
	case models.CmdUpdate:
		return fmt.Sprintf("UPDATE %d", rowCount)
	case models.CmdDelete:
		return fmt.Sprintf("DELETE %d", rowCount)
	case models.CmdBegin:
		return "BEGIN"
	case models.CmdCommit:
		return "COMMIT"
	case models.CmdRollback:
		return "ROLLBACK"
	default:
		return fmt.Sprintf("SELECT %d", rowCount)
	}
}

// tagRowCount pulls the affected-row count out of a CommandComplete tag,
// preferring the observed row set size for selects.
func tagRowCount(tag string, observedRows int) int {
	if observedRows > 0 {
		return observedRows
	}
	fields := strings.Fields(tag)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0
	}
	return n
}

func parseRowDescription(body []byte) []string {
	if len(body) < 2 {
		return nil
	}
	count := int(binary.BigEndian.Uint16(body))
	body = body[2:]
	columns := make([]string, 0, count)
	for i := 0; i < count; i++ {
		idx := indexNul(body)
		if idx < 0 || len(body) < idx+1+18 {
			return nil
		}
		columns = append(columns, string(body[:idx]))
		body = body[idx+1+18:]
	}
	return columns
}

func parseDataRow(body []byte, columns []string) map[string]interface{} {
	if len(body) < 2 {
		return nil
	}
	count := int(binary.BigEndian.Uint16(body))
	body = body[2:]
	row := make(map[string]interface{}, count)
	for i := 0; i < count; i++ {
		if len(body) < 4 {
			return nil
		}
		size := int(int32(binary.BigEndian.Uint32(body)))
		body = body[4:]
		name := fmt.Sprintf("column%d", i)
		if i < len(columns) {
			name = columns[i]
		}
		if size < 0 {
			row[name] = nil
			continue
		}
		if len(body) < size {
			return nil
		}
		row[name] = string(body[:size])
		body = body[size:]
	}
	return row
}

func parseErrorMessage(body []byte) string {
	for len(body) > 1 {
		code := body[0]
		body = body[1:]
		idx := indexNul(body)
		if idx < 0 {
			break
		}
		if code == 'M' {
			return string(body[:idx])
		}
		body = body[idx+1:]
	}
	return "unknown error"
}

func cstring(b []byte) string {
	if idx := indexNul(b); idx >= 0 {
		return string(b[:idx])
	}
	return string(b)
}

func indexNul(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
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
