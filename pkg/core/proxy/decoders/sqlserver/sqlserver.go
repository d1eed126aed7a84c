// Package sqlserver decodes the TDS protocol far enough to intercept
// SQLBatch requests and synthesize tabular results. RPC calls, bulk loads
// and the login sequence are observed and relayed. Encrypted sessions
// degrade to raw relay at the prelogin stage.
package sqlserver

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"unicode/utf16"

	"github.com/dbtap/dbtap/pkg/core/proxy/decoders"
	"github.com/dbtap/dbtap/pkg/models"
	"go.uber.org/zap"
)

const (
	packetSQLBatch = 0x01
	packetRPC      = 0x03
	packetReply    = 0x04
	packetAttn     = 0x06
	packetBulkLoad = 0x07
	packetTxnMgr   = 0x0E
	packetLogin7   = 0x10
	packetPrelogin = 0x12

	statusEOM = 0x01

	tokenColMetadata = 0x81
	tokenError       = 0xAA
	tokenRow         = 0xD1
	tokenDone        = 0xFD

	typeNVarChar = 0xE7

	headerLen     = 8
	maxPacketSize = 4096
	maxMessage    = 32 << 20

	preloginEncryption = 0x01
	encryptOn          = 0x01
	encryptRequired    = 0x03
)

func init() {
	decoders.Register(&Decoder{})
}

type Decoder struct{}

func (Decoder) Protocol() models.Protocol { return models.SQLServer }

// MatchType recognizes the client prelogin packet that opens every TDS
// conversation.
func (Decoder) MatchType(buf []byte) bool {
	if len(buf) < headerLen {
		return false
	}
	if buf[0] != packetPrelogin && buf[0] != packetLogin7 {
		return false
	}
	length := binary.BigEndian.Uint16(buf[2:4])
	return int(length) >= headerLen
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

	// assembled message fragments waiting for the EOM packet
	clientMsg []byte
	clientTyp byte
	serverMsg []byte

	preloginDone bool
	loginDone    bool
	// raw packets of the message being assembled, replayed as the frame
	clientRaw []byte
	serverRaw []byte
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
		typ, status, payload, raw, ok := nextPacket(&s.client)
		if !ok {
			break
		}
		if raw == nil {
			s.degraded = true
			frames = append(frames, rawQueryFrames(s.client.Drain())...)
			break
		}
		if s.clientMsg == nil {
			s.clientTyp = typ
		}
		s.clientMsg = append(s.clientMsg, payload...)
		s.clientRaw = append(s.clientRaw, raw...)
		if status&statusEOM == 0 {
			continue
		}
		frames = append(frames, s.classifyRequest(s.clientTyp, s.clientMsg, s.clientRaw))
		s.clientMsg, s.clientRaw = nil, nil
	}
	return frames
}

func (s *session) classifyRequest(typ byte, msg, raw []byte) decoders.QueryFrame {
	frame := decoders.QueryFrame{
		Raw:             raw,
		Command:         models.CmdUnknown,
		ExpectsResponse: true,
	}
	switch typ {
	case packetPrelogin:
		frame.Handshake = true
		if wantsEncryption(msg) {
			s.degraded = true
		}
	case packetLogin7:
		frame.Handshake = true
	case packetSQLBatch:
		sql, err := batchText(msg)
		if err != nil {
			return frame
		}
		frame.Payload = models.QueryPayload{Kind: models.PayloadSQL, SQL: sql}
		frame.Command = models.CommandFromSQL(sql)
		frame.Interceptable = true
	case packetAttn:
		frame.ExpectsResponse = false
	}
	return frame
}

// wantsEncryption walks the prelogin option table looking for an ENCRYPTION
// value the relay cannot see through.
func wantsEncryption(msg []byte) bool {
	for off := 0; off+5 <= len(msg); off += 5 {
		token := msg[off]
		if token == 0xFF {
			return false
		}
		pos := int(binary.BigEndian.Uint16(msg[off+1 : off+3]))
		length := int(binary.BigEndian.Uint16(msg[off+3 : off+5]))
		if token != preloginEncryption {
			continue
		}
		if length < 1 || pos+1 > len(msg) {
			return false
		}
		v := msg[pos]
		return v == encryptOn || v == encryptRequired
	}
	return false
}

// batchText strips the ALL_HEADERS block and decodes the UCS-2 batch text.
func batchText(msg []byte) (string, error) {
	if len(msg) < 4 {
		return "", fmt.Errorf("batch shorter than headers length field")
	}
	skip := int(binary.LittleEndian.Uint32(msg[0:4]))
	if skip < 4 || skip > len(msg) {
		return "", fmt.Errorf("invalid all-headers length %d", skip)
	}
	return decodeUCS2(msg[skip:]), nil
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
		_, status, payload, raw, ok := nextPacket(&s.server)
		if !ok {
			break
		}
		if raw == nil {
			s.degraded = true
			frames = append(frames, rawResponseFrames(s.server.Drain())...)
			break
		}
		s.serverMsg = append(s.serverMsg, payload...)
		s.serverRaw = append(s.serverRaw, raw...)
		if status&statusEOM == 0 {
			continue
		}
		frame := decoders.ResponseFrame{Raw: s.serverRaw}
		if !s.preloginDone {
			s.preloginDone = true
			frame.Handshake = true
		} else if !s.loginDone {
			s.loginDone = true
			frame.Handshake = true
		} else {
			frame.Body = replyBody(s.serverMsg)
		}
		frames = append(frames, frame)
		s.serverMsg, s.serverRaw = nil, nil
	}
	return frames
}

// replyBody extracts an error message or the final row count from a token
// stream. Full column decoding is not attempted; the mock path carries the
// canonical payload instead.
func replyBody(msg []byte) string {
	if len(msg) >= 3 && msg[0] == tokenError {
		length := int(binary.LittleEndian.Uint16(msg[1:3]))
		if 3+length <= len(msg) && length >= 9 {
			body := msg[3 : 3+length]
			msgChars := int(binary.LittleEndian.Uint16(body[6:8]))
			if 8+msgChars*2 <= len(body) {
				out, _ := json.Marshal(map[string]any{"error": decodeUCS2(body[8 : 8+msgChars*2])})
				return string(out)
			}
		}
	}
	if len(msg) >= 13 && msg[len(msg)-13] == tokenDone {
		tail := msg[len(msg)-12:]
		count := binary.LittleEndian.Uint64(tail[4:12])
		out, _ := json.Marshal(map[string]any{"rowCount": count})
		return string(out)
	}
	return ""
}

// SynthesizeResponse renders the mock payload as a tabular result stream.
// Every column is sent as NVARCHAR; client drivers coerce from text.
func (s *session) SynthesizeResponse(frame *decoders.QueryFrame, payload string) ([]byte, error) {
	var parsed struct {
		Rows     []map[string]any `json:"rows"`
		RowCount *uint64          `json:"rowCount"`
		Error    *string          `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, &models.DecodeError{Protocol: models.SQLServer, Err: fmt.Errorf("mock payload is not valid JSON: %w", err)}
	}

	var stream []byte
	switch {
	case parsed.Error != nil:
		stream = appendErrorToken(stream, *parsed.Error)
		stream = appendDone(stream, 0x0002, 0)
	case len(parsed.Rows) > 0:
		columns := sortedColumns(parsed.Rows)
		stream = appendColMetadata(stream, columns)
		for _, row := range parsed.Rows {
			stream = appendRow(stream, columns, row)
		}
		stream = appendDone(stream, 0x0010, uint64(len(parsed.Rows)))
	default:
		var count uint64
		if parsed.RowCount != nil {
			count = *parsed.RowCount
		}
		stream = appendDone(stream, 0x0010, count)
	}
	return packMessage(packetReply, stream), nil
}

func sortedColumns(rows []map[string]any) []string {
	seen := map[string]struct{}{}
	var columns []string
	for _, row := range rows {
		for k := range row {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				columns = append(columns, k)
			}
		}
	}
	sort.Strings(columns)
	return columns
}

func appendColMetadata(dst []byte, columns []string) []byte {
	dst = append(dst, tokenColMetadata)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(columns)))
	for _, name := range columns {
		dst = binary.LittleEndian.AppendUint32(dst, 0)      // usertype
		dst = binary.LittleEndian.AppendUint16(dst, 0x0009) // nullable, may write
		dst = append(dst, typeNVarChar)
		dst = binary.LittleEndian.AppendUint16(dst, 8000)
		dst = append(dst, 0x09, 0x04, 0xD0, 0x00, 0x34) // collation
		encoded := encodeUCS2(name)
		dst = append(dst, byte(len(encoded)/2))
		dst = append(dst, encoded...)
	}
	return dst
}

func appendRow(dst []byte, columns []string, row map[string]any) []byte {
	dst = append(dst, tokenRow)
	for _, col := range columns {
		val, ok := row[col]
		if !ok || val == nil {
			dst = binary.LittleEndian.AppendUint16(dst, 0xFFFF)
			continue
		}
		encoded := encodeUCS2(textValue(val))
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(encoded)))
		dst = append(dst, encoded...)
	}
	return dst
}

func appendErrorToken(dst []byte, message string) []byte {
	encoded := encodeUCS2(message)
	var body []byte
	body = binary.LittleEndian.AppendUint32(body, 50000) // user-defined error number
	body = append(body, 1, 16)                           // state, severity
	body = binary.LittleEndian.AppendUint16(body, uint16(len(encoded)/2))
	body = append(body, encoded...)
	body = append(body, 0)                          // server name (empty)
	body = append(body, 0)                          // proc name (empty)
	body = binary.LittleEndian.AppendUint32(body, 0) // line number
	dst = append(dst, tokenError)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(body)))
	return append(dst, body...)
}

func appendDone(dst []byte, status uint16, rowCount uint64) []byte {
	dst = append(dst, tokenDone)
	dst = binary.LittleEndian.AppendUint16(dst, status)
	dst = binary.LittleEndian.AppendUint16(dst, 0)
	return binary.LittleEndian.AppendUint64(dst, rowCount)
}

func textValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "1"
		}
		return "0"
	case float64:
		return formatNumber(t)
	default:
		out, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(out)
	}
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// packMessage splits a token stream into TDS packets with EOM on the last.
func packMessage(typ byte, stream []byte) []byte {
	var out []byte
	for {
		chunk := stream
		status := byte(statusEOM)
		if len(chunk) > maxPacketSize-headerLen {
			chunk = chunk[:maxPacketSize-headerLen]
			status = 0
		}
		stream = stream[len(chunk):]
		out = append(out, typ, status)
		out = binary.BigEndian.AppendUint16(out, uint16(headerLen+len(chunk)))
		out = append(out, 0, 0, 1, 0) // spid, packet id, window
		out = append(out, chunk...)
		if status == statusEOM {
			return out
		}
	}
}

// nextPacket pops one TDS packet. A nil raw slice with ok true signals a
// malformed header.
func nextPacket(buf *decoders.StreamBuf) (typ, status byte, payload, raw []byte, ok bool) {
	header := buf.Peek(headerLen)
	if header == nil {
		return 0, 0, nil, nil, false
	}
	length := int(binary.BigEndian.Uint16(header[2:4]))
	if length < headerLen || length > maxMessage {
		return 0, 0, nil, nil, true
	}
	raw = buf.Next(length)
	if raw == nil {
		return 0, 0, nil, nil, false
	}
	return raw[0], raw[1], raw[headerLen:], raw, true
}

func decodeUCS2(b []byte) string {
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		units = append(units, binary.LittleEndian.Uint16(b[i:i+2]))
	}
	return string(utf16.Decode(units))
}

func encodeUCS2(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 0, len(units)*2)
	for _, u := range units {
		out = binary.LittleEndian.AppendUint16(out, u)
	}
	return out
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
