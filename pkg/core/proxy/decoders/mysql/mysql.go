// Package mysql decodes the MySQL client/server protocol. The connection
// phase is tracked as handshake, COM_QUERY text-protocol frames are
// interceptable, every other command is observed and relayed.
package mysql

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/dbtap/dbtap/pkg/core/proxy/decoders"
	"github.com/dbtap/dbtap/pkg/models"
	"go.uber.org/zap"
)

const (
	comQuit            = 0x01
	comInitDB          = 0x02
	comQuery           = 0x03
	comPing            = 0x0e
	comStmtPrepare     = 0x16
	comStmtSendLong    = 0x18
	comStmtClose       = 0x19
	maxPacketSize      = 16 << 20
	sslRequestPayload  = 32
	defaultServerState = 0x0002 // SERVER_STATUS_AUTOCOMMIT

	clientDeprecateEOF = 1 << 24
)

func init() {
	decoders.Register(&Decoder{})
}

type Decoder struct{}

func (Decoder) Protocol() models.Protocol { return models.MySQL }

// MatchType sniffs a plausible client packet header: 3-byte length matching
// the buffer and a low sequence id. The server speaks first in MySQL, so
// this is only used for misconfiguration warnings.
func (Decoder) MatchType(buf []byte) bool {
	if len(buf) < 5 {
		return false
	}
	length := int(uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16)
	return length > 0 && length+4 <= len(buf) && buf[3] <= 2
}

func (Decoder) NewSession(logger *zap.Logger) decoders.Session {
	return &session{logger: logger}
}

type responsePhase int

const (
	phaseFirst responsePhase = iota
	phaseColumns
	phaseRows
)

type session struct {
	logger *zap.Logger

	mu     sync.Mutex
	client decoders.StreamBuf
	server decoders.StreamBuf

	degraded bool
	// greeted: server sent the initial handshake. authDone: server
	// accepted the client's handshake response with an OK packet.
	greeted         bool
	clientHelloSent bool
	authDone        bool
	// capability flags from the client's handshake response; synthesized
	// resultsets must match the negotiated framing
	clientCaps uint32

	resp struct {
		raw          []byte
		phase        responsePhase
		colsEat      int
		expectDefEOF bool
		columns      []string
		rows         []map[string]interface{}
		body         string
	}
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
		raw, payload, seq, ok := nextPacket(&s.client)
		if !ok {
			break
		}
		if payload == nil {
			s.degrade()
			frames = append(frames, rawQueryFrames(append(raw, s.client.Drain()...))...)
			break
		}

		if !s.authDone {
			if !s.clientHelloSent {
				if len(payload) == sslRequestPayload {
					// SSLRequest: TLS handshake follows, relay only
					s.degrade()
				} else if len(payload) >= 4 {
					s.clientCaps = uint32(payload[0]) | uint32(payload[1])<<8 |
						uint32(payload[2])<<16 | uint32(payload[3])<<24
				}
			}
			s.clientHelloSent = true
			frames = append(frames, decoders.QueryFrame{Raw: raw, Handshake: true, Command: models.CmdUnknown})
			if s.degraded {
				if rest := s.client.Drain(); rest != nil {
					frames = append(frames, rawQueryFrames(rest)...)
				}
				break
			}
			continue
		}

		frames = append(frames, s.classifyCommand(raw, payload, seq))
	}
	return frames
}

func (s *session) classifyCommand(raw, payload []byte, seq byte) decoders.QueryFrame {
	frame := decoders.QueryFrame{
		Raw:             raw,
		Command:         models.CmdUnknown,
		ExpectsResponse: true,
		CorrelationID:   uint32(seq),
	}
	switch payload[0] {
	case comQuery:
		sql := string(payload[1:])
		frame.Payload = models.QueryPayload{Kind: models.PayloadSQL, SQL: sql}
		frame.Command = models.CommandFromSQL(sql)
		frame.Interceptable = true
	case comStmtPrepare:
		sql := string(payload[1:])
		frame.Payload = models.QueryPayload{Kind: models.PayloadSQL, SQL: sql}
		frame.Command = models.CommandFromSQL(sql)
	case comPing:
		frame.Command = models.CmdPing
	case comQuit, comStmtClose, comStmtSendLong:
		frame.ExpectsResponse = false
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
		raw, payload, _, ok := nextPacket(&s.server)
		if !ok {
			break
		}
		if payload == nil {
			s.degrade()
			flushed := append(s.resp.raw, raw...)
			s.resp.raw = nil
			frames = append(frames, rawResponseFrames(append(flushed, s.server.Drain()...))...)
			break
		}

		if !s.authDone {
			if !s.greeted {
				s.greeted = true
			} else if s.clientHelloSent && payload[0] == 0x00 {
				s.authDone = true
			}
			frames = append(frames, decoders.ResponseFrame{Raw: raw, Handshake: true})
			continue
		}

		if frame := s.absorbResponsePacket(raw, payload); frame != nil {
			frames = append(frames, *frame)
		}
		if s.degraded {
			if rest := s.server.Drain(); rest != nil {
				frames = append(frames, rawResponseFrames(rest)...)
			}
			break
		}
	}
	return frames
}

// absorbResponsePacket feeds one server packet into the current response
// accumulation and returns the completed frame, if any.
func (s *session) absorbResponsePacket(raw, payload []byte) *decoders.ResponseFrame {
	s.resp.raw = append(s.resp.raw, raw...)

	switch s.resp.phase {
	case phaseFirst:
		switch payload[0] {
		case 0x00:
			s.resp.body = okBody(payload)
			return s.finishResponse()
		case 0xff:
			s.resp.body = errBody(payload)
			return s.finishResponse()
		case 0xfb:
			// LOCAL INFILE needs a client file upload; relay only
			s.degrade()
			return s.finishResponse()
		default:
			count, _, ok := lenencInt(payload)
			if !ok || count == 0 || count > 4096 {
				s.degrade()
				return s.finishResponse()
			}
			s.resp.phase = phaseColumns
			s.resp.colsEat = int(count)
		}
	case phaseColumns:
		if name, ok := columnName(payload); ok {
			s.resp.columns = append(s.resp.columns, name)
		} else {
			s.resp.columns = append(s.resp.columns, fmt.Sprintf("column%d", len(s.resp.columns)))
		}
		s.resp.colsEat--
		if s.resp.colsEat == 0 {
			s.resp.phase = phaseRows
			s.resp.expectDefEOF = true
		}
	case phaseRows:
		if isEOFPacket(payload) {
			// A short EOF right after the definitions, before any row,
			// terminates the column block on pre-DEPRECATE_EOF servers.
			// The resultset terminator is either a second short EOF or
			// an OK packet wearing the 0xFE marker (length >= 7).
			if s.resp.expectDefEOF && len(payload) <= 5 && len(s.resp.rows) == 0 {
				s.resp.expectDefEOF = false
				return nil
			}
			rows := s.resp.rows
			if rows == nil {
				rows = []map[string]interface{}{}
			}
			out, _ := json.Marshal(map[string]interface{}{"rows": rows, "rowCount": len(rows)})
			s.resp.body = string(out)
			return s.finishResponse()
		}
		if row := textRow(payload, s.resp.columns); row != nil {
			s.resp.rows = append(s.resp.rows, row)
		}
	}
	return nil
}

func (s *session) finishResponse() *decoders.ResponseFrame {
	frame := &decoders.ResponseFrame{Raw: s.resp.raw, Body: s.resp.body}
	s.resp.raw = nil
	s.resp.phase = phaseFirst
	s.resp.colsEat = 0
	s.resp.expectDefEOF = false
	s.resp.columns = nil
	s.resp.rows = nil
	s.resp.body = ""
	return frame
}

func (s *session) degrade() { s.degraded = true }

func (s *session) SynthesizeResponse(frame *decoders.QueryFrame, payload string) ([]byte, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, &models.DecodeError{Protocol: models.MySQL, Err: fmt.Errorf("mock payload is not a JSON document: %w", err)}
	}
	seq := byte(frame.CorrelationID) + 1

	if errMsg, ok := doc["error"].(string); ok {
		code := uint16(1105) // ER_UNKNOWN_ERROR
		if c, ok := doc["code"].(float64); ok {
			code = uint16(c)
		}
		return packPacket(errPacket(code, errMsg), seq), nil
	}

	rows, columns := payloadRows(doc)
	if len(columns) == 0 {
		affected := uint64(0)
		if rc, ok := doc["rowCount"].(float64); ok {
			affected = uint64(rc)
		}
		return packPacket(okPacket(affected), seq), nil
	}

	// a client that negotiated DEPRECATE_EOF expects no EOF after the
	// column definitions and an EOF-headered OK as the terminator
	s.mu.Lock()
	deprecateEOF := s.clientCaps&clientDeprecateEOF != 0
	s.mu.Unlock()

	var out []byte
	out = append(out, packPacket(appendLenencInt(nil, uint64(len(columns))), seq)...)
	seq++
	for _, col := range columns {
		out = append(out, packPacket(columnDefinition(col), seq)...)
		seq++
	}
	if !deprecateEOF {
		out = append(out, packPacket(eofPacket(), seq)...)
		seq++
	}
	for _, row := range rows {
		var rowPayload []byte
		for _, col := range columns {
			rowPayload = appendTextValue(rowPayload, row[col])
		}
		out = append(out, packPacket(rowPayload, seq)...)
		seq++
	}
	if deprecateEOF {
		out = append(out, packPacket(eofTerminatedOK(), seq)...)
	} else {
		out = append(out, packPacket(eofPacket(), seq)...)
	}
	return out, nil
}

// nextPacket pops one framed packet. The second return is nil (with ok true)
// when the header is malformed and the caller should degrade.
func nextPacket(buf *decoders.StreamBuf) (raw, payload []byte, seq byte, ok bool) {
	header := buf.Peek(4)
	if header == nil {
		return nil, nil, 0, false
	}
	length := int(uint32(header[0]) | uint32(header[1])<<8 | uint32(header[2])<<16)
	if length > maxPacketSize {
		return buf.Drain(), nil, 0, true
	}
	raw = buf.Next(4 + length)
	if raw == nil {
		return nil, nil, 0, false
	}
	if length == 0 {
		return raw, nil, 0, true
	}
	return raw, raw[4:], raw[3], true
}

func isEOFPacket(payload []byte) bool {
	return len(payload) > 0 && payload[0] == 0xfe && len(payload) < 9
}

func okBody(payload []byte) string {
	affected, _, ok := lenencInt(payload[1:])
	if !ok {
		affected = 0
	}
	out, _ := json.Marshal(map[string]interface{}{"rowCount": affected})
	return string(out)
}

func errBody(payload []byte) string {
	if len(payload) < 3 {
		return `{"error":"unknown error"}`
	}
	code := binary.LittleEndian.Uint16(payload[1:3])
	msg := payload[3:]
	if len(msg) > 6 && msg[0] == '#' {
		msg = msg[6:] // strip sql-state marker
	}
	out, _ := json.Marshal(map[string]interface{}{"error": string(msg), "code": code})
	return string(out)
}

// columnName pulls the column alias (5th length-encoded string) out of a
// ColumnDefinition41 packet.
func columnName(payload []byte) (string, bool) {
	rest := payload
	var name []byte
	for i := 0; i < 5; i++ {
		var ok bool
		name, rest, ok = lenencString(rest)
		if !ok {
			return "", false
		}
	}
	return string(name), true
}

func textRow(payload []byte, columns []string) map[string]interface{} {
	row := make(map[string]interface{}, len(columns))
	rest := payload
	for i := 0; i < len(columns); i++ {
		if len(rest) == 0 {
			return nil
		}
		if rest[0] == 0xfb {
			row[columns[i]] = nil
			rest = rest[1:]
			continue
		}
		val, r, ok := lenencString(rest)
		if !ok {
			return nil
		}
		row[columns[i]] = string(val)
		rest = r
	}
	return row
}

func lenencInt(b []byte) (uint64, []byte, bool) {
	if len(b) == 0 {
		return 0, nil, false
	}
	switch {
	case b[0] < 0xfb:
		return uint64(b[0]), b[1:], true
	case b[0] == 0xfc:
		if len(b) < 3 {
			return 0, nil, false
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), b[3:], true
	case b[0] == 0xfd:
		if len(b) < 4 {
			return 0, nil, false
		}
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16, b[4:], true
	case b[0] == 0xfe:
		if len(b) < 9 {
			return 0, nil, false
		}
		return binary.LittleEndian.Uint64(b[1:9]), b[9:], true
	}
	return 0, nil, false
}

func lenencString(b []byte) ([]byte, []byte, bool) {
	n, rest, ok := lenencInt(b)
	if !ok || uint64(len(rest)) < n {
		return nil, nil, false
	}
	return rest[:n], rest[n:], true
}

func appendLenencInt(dst []byte, n uint64) []byte {
	switch {
	case n < 0xfb:
		return append(dst, byte(n))
	case n <= 0xffff:
		return append(dst, 0xfc, byte(n), byte(n>>8))
	case n <= 0xffffff:
		return append(dst, 0xfd, byte(n), byte(n>>8), byte(n>>16))
	default:
		dst = append(dst, 0xfe)
		return binary.LittleEndian.AppendUint64(dst, n)
	}
}

func appendLenencString(dst []byte, s string) []byte {
	dst = appendLenencInt(dst, uint64(len(s)))
	return append(dst, s...)
}

func appendTextValue(dst []byte, v interface{}) []byte {
	switch val := v.(type) {
	case nil:
		return append(dst, 0xfb)
	case string:
		return appendLenencString(dst, val)
	case bool:
		if val {
			return appendLenencString(dst, "1")
		}
		return appendLenencString(dst, "0")
	case float64:
		return appendLenencString(dst, formatNumber(val))
	default:
		out, _ := json.Marshal(val)
		return appendLenencString(dst, string(out))
	}
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func okPacket(affected uint64) []byte {
	payload := []byte{0x00}
	payload = appendLenencInt(payload, affected)
	payload = appendLenencInt(payload, 0) // last insert id
	payload = binary.LittleEndian.AppendUint16(payload, defaultServerState)
	payload = binary.LittleEndian.AppendUint16(payload, 0) // warnings
	return payload
}

func errPacket(code uint16, msg string) []byte {
	payload := []byte{0xff}
	payload = binary.LittleEndian.AppendUint16(payload, code)
	payload = append(payload, '#')
	payload = append(payload, "HY000"...)
	return append(payload, msg...)
}

// eofTerminatedOK is the resultset terminator for DEPRECATE_EOF clients: an
// OK packet wearing the 0xfe header.
func eofTerminatedOK() []byte {
	payload := []byte{0xfe}
	payload = appendLenencInt(payload, 0) // affected rows
	payload = appendLenencInt(payload, 0) // last insert id
	payload = binary.LittleEndian.AppendUint16(payload, defaultServerState)
	payload = binary.LittleEndian.AppendUint16(payload, 0) // warnings
	return payload
}

func eofPacket() []byte {
	payload := []byte{0xfe}
	payload = binary.LittleEndian.AppendUint16(payload, 0) // warnings
	payload = binary.LittleEndian.AppendUint16(payload, defaultServerState)
	return payload
}

// columnDefinition builds a ColumnDefinition41 packet for a VAR_STRING
// column, the shape every text-protocol value can travel in.
func columnDefinition(name string) []byte {
	payload := appendLenencString(nil, "def")
	payload = appendLenencString(payload, "") // schema
	payload = appendLenencString(payload, "") // table
	payload = appendLenencString(payload, "") // org table
	payload = appendLenencString(payload, name)
	payload = appendLenencString(payload, "") // org name
	payload = append(payload, 0x0c)           // fixed-length fields size
	payload = binary.LittleEndian.AppendUint16(payload, 33) // utf8_general_ci
	payload = binary.LittleEndian.AppendUint32(payload, 65535)
	payload = append(payload, 0xfd)                        // MYSQL_TYPE_VAR_STRING
	payload = binary.LittleEndian.AppendUint16(payload, 0) // flags
	payload = append(payload, 0)                           // decimals
	payload = append(payload, 0, 0)                        // filler
	return payload
}

func packPacket(payload []byte, seq byte) []byte {
	out := make([]byte, 0, 4+len(payload))
	out = append(out, byte(len(payload)), byte(len(payload)>>8), byte(len(payload)>>16), seq)
	return append(out, payload...)
}

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
