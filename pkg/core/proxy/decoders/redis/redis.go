// Package redis decodes RESP in both directions. Every command is
// interceptable; there is no handshake phase. RESP3 push frames from the
// server are reported as unsolicited so the relay forwards them untouched.
package redis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/dbtap/dbtap/pkg/core/proxy/decoders"
	"github.com/dbtap/dbtap/pkg/models"
	"go.uber.org/zap"
)

const maxBulkLen = 512 << 20

func init() {
	decoders.Register(&Decoder{})
}

type Decoder struct{}

func (Decoder) Protocol() models.Protocol { return models.Redis }

// MatchType accepts an array-of-bulk-strings command or an inline command.
func (Decoder) MatchType(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	if buf[0] == '*' || buf[0] == '$' {
		return true
	}
	// inline commands are plain words terminated by CRLF
	head := buf
	if idx := bytes.IndexByte(head, '\n'); idx >= 0 {
		head = head[:idx]
	}
	for _, c := range head {
		if c == '\r' {
			continue
		}
		if c < 0x20 || c > 0x7E {
			return false
		}
	}
	return len(head) > 0
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
	for s.client.Len() > 0 {
		start := s.client.Len()
		args, raw, err := readCommand(&s.client)
		if err != nil {
			s.degraded = true
			frames = append(frames, rawQueryFrames(s.client.Drain())...)
			break
		}
		if raw == nil || s.client.Len() == start {
			break
		}
		frames = append(frames, commandFrame(args, raw))
	}
	return frames
}

func commandFrame(args []string, raw []byte) decoders.QueryFrame {
	frame := decoders.QueryFrame{
		Raw:             raw,
		Command:         models.CmdUnknown,
		ExpectsResponse: true,
		Interceptable:   true,
	}
	if len(args) == 0 {
		// empty inline lines get no reply from a real server
		frame.Interceptable = false
		frame.ExpectsResponse = false
		return frame
	}
	frame.Payload = models.QueryPayload{Kind: models.PayloadRedis, Args: args}
	frame.Command = models.CommandFromRedis(args[0])
	// subscribers get one confirmation per channel plus pushes; none of
	// that pairs one-to-one with the command, leave it all to the relay
	switch strings.ToUpper(args[0]) {
	case "SUBSCRIBE", "PSUBSCRIBE", "UNSUBSCRIBE", "PUNSUBSCRIBE":
		frame.Interceptable = false
		frame.ExpectsResponse = false
	}
	return frame
}

// readCommand pops one client command, either a RESP array or an inline
// command line. A nil raw with nil error means more bytes are needed.
func readCommand(buf *decoders.StreamBuf) ([]string, []byte, error) {
	head := buf.Peek(1)
	if head == nil {
		return nil, nil, nil
	}
	if head[0] != '*' {
		return readInline(buf)
	}
	val, raw, err := readValue(buf)
	if err != nil || raw == nil {
		return nil, raw, err
	}
	items, ok := val.([]any)
	if !ok {
		return nil, nil, fmt.Errorf("command is not an array")
	}
	args := make([]string, 0, len(items))
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, nil, fmt.Errorf("command argument is not a bulk string")
		}
		args = append(args, str)
	}
	return args, raw, nil
}

func readInline(buf *decoders.StreamBuf) ([]string, []byte, error) {
	line, raw := peekLine(buf)
	if raw == nil {
		return nil, nil, nil
	}
	buf.Next(len(raw))
	return strings.Fields(line), raw, nil
}

func (s *session) ParseResponses(data []byte) []decoders.ResponseFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded {
		return rawResponseFrames(data)
	}
	s.server.Write(data)

	var frames []decoders.ResponseFrame
	for s.server.Len() > 0 {
		push := false
		if head := s.server.Peek(1); head != nil && head[0] == '>' {
			push = true
		}
		val, raw, err := readValue(&s.server)
		if err != nil {
			s.degraded = true
			frames = append(frames, rawResponseFrames(s.server.Drain())...)
			break
		}
		if raw == nil {
			break
		}
		frame := decoders.ResponseFrame{Raw: raw, Unsolicited: push}
		if !push {
			if body, err := json.Marshal(val); err == nil {
				frame.Body = string(body)
			}
		}
		frames = append(frames, frame)
	}
	return frames
}

// readValue parses one RESP value of any RESP2 or RESP3 type into its JSON
// shape. Errors surface as {"error": message} maps so the drift layer can
// compare them against error mocks.
func readValue(buf *decoders.StreamBuf) (any, []byte, error) {
	head := buf.Peek(1)
	if head == nil {
		return nil, nil, nil
	}
	switch head[0] {
	case '+', '-', ':', ',', '#', '_':
		return readSimple(buf)
	case '$', '=':
		return readBulk(buf)
	case '*', '%', '~', '>':
		return readAggregate(buf)
	default:
		return nil, nil, fmt.Errorf("unknown RESP type byte 0x%02x", head[0])
	}
}

func readSimple(buf *decoders.StreamBuf) (any, []byte, error) {
	line, raw := peekLine(buf)
	if raw == nil {
		return nil, nil, nil
	}
	var val any
	body := line[1:]
	switch raw[0] {
	case '+':
		val = body
	case '-':
		val = map[string]any{"error": body}
	case ':':
		n, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid integer reply %q", body)
		}
		val = n
	case ',':
		f, err := strconv.ParseFloat(body, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid double reply %q", body)
		}
		val = f
	case '#':
		val = body == "t"
	case '_':
		val = nil
	}
	buf.Next(len(raw))
	return val, raw, nil
}

func readBulk(buf *decoders.StreamBuf) (any, []byte, error) {
	line, header := peekLine(buf)
	if header == nil {
		return nil, nil, nil
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil || n > maxBulkLen {
		return nil, nil, fmt.Errorf("invalid bulk length %q", line[1:])
	}
	if n < 0 {
		buf.Next(len(header))
		return nil, header, nil
	}
	total := len(header) + n + 2
	raw := buf.Peek(total)
	if raw == nil {
		return nil, nil, nil
	}
	buf.Next(total)
	body := string(raw[len(header) : len(header)+n])
	if raw[0] == '=' && len(body) >= 4 {
		body = body[4:] // drop the txt:/mkd: prefix
	}
	return body, raw, nil
}

func readAggregate(buf *decoders.StreamBuf) (any, []byte, error) {
	line, header := peekLine(buf)
	if header == nil {
		return nil, nil, nil
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil || n > 1<<20 {
		return nil, nil, fmt.Errorf("invalid aggregate length %q", line[1:])
	}
	typ := header[0]
	if n < 0 {
		buf.Next(len(header))
		return nil, header, nil
	}
	elems := n
	if typ == '%' {
		elems = n * 2
	}

	// parse against a snapshot so a partial aggregate consumes nothing
	snapshot := decoders.StreamBuf{}
	snapshot.Write(buf.Peek(buf.Len()))
	snapshot.Next(len(header))

	values := make([]any, 0, elems)
	for i := 0; i < elems; i++ {
		val, raw, err := readValue(&snapshot)
		if err != nil {
			return nil, nil, err
		}
		if raw == nil {
			return nil, nil, nil
		}
		values = append(values, val)
	}
	consumed := buf.Len() - snapshot.Len()
	raw := buf.Next(consumed)

	if typ == '%' {
		m := make(map[string]any, n)
		for i := 0; i+1 < len(values); i += 2 {
			m[fmt.Sprintf("%v", values[i])] = values[i+1]
		}
		return m, raw, nil
	}
	return values, raw, nil
}

// peekLine returns one CRLF-terminated line without the terminator, plus
// the raw bytes including it. Nil raw means the line is incomplete.
func peekLine(buf *decoders.StreamBuf) (string, []byte) {
	data := buf.Peek(buf.Len())
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return "", nil
	}
	raw := data[:idx+1]
	line := strings.TrimRight(string(raw), "\r\n")
	return line, raw
}

// SynthesizeResponse renders a JSON mock payload as RESP2: strings become
// bulk strings, numbers integers or doubles, {"error": ...} an error reply,
// arrays multi-bulk, null the null bulk string.
func (s *session) SynthesizeResponse(frame *decoders.QueryFrame, payload string) ([]byte, error) {
	var val any
	if err := json.Unmarshal([]byte(payload), &val); err != nil {
		return nil, &models.DecodeError{Protocol: models.Redis, Err: fmt.Errorf("mock payload is not valid JSON: %w", err)}
	}
	return appendRESP(nil, val)
}

func appendRESP(dst []byte, val any) ([]byte, error) {
	switch t := val.(type) {
	case nil:
		return append(dst, "$-1\r\n"...), nil
	case string:
		dst = append(dst, '$')
		dst = strconv.AppendInt(dst, int64(len(t)), 10)
		dst = append(dst, '\r', '\n')
		dst = append(dst, t...)
		return append(dst, '\r', '\n'), nil
	case bool:
		if t {
			return append(dst, ":1\r\n"...), nil
		}
		return append(dst, ":0\r\n"...), nil
	case float64:
		if t == float64(int64(t)) {
			dst = append(dst, ':')
			dst = strconv.AppendInt(dst, int64(t), 10)
			return append(dst, '\r', '\n'), nil
		}
		str := strconv.FormatFloat(t, 'g', -1, 64)
		dst = append(dst, '$')
		dst = strconv.AppendInt(dst, int64(len(str)), 10)
		dst = append(dst, '\r', '\n')
		dst = append(dst, str...)
		return append(dst, '\r', '\n'), nil
	case []any:
		dst = append(dst, '*')
		dst = strconv.AppendInt(dst, int64(len(t)), 10)
		dst = append(dst, '\r', '\n')
		var err error
		for _, item := range t {
			if dst, err = appendRESP(dst, item); err != nil {
				return nil, err
			}
		}
		return dst, nil
	case map[string]any:
		if msg, ok := t["error"].(string); ok && len(t) == 1 {
			dst = append(dst, '-')
			dst = append(dst, strings.ReplaceAll(msg, "\r\n", " ")...)
			return append(dst, '\r', '\n'), nil
		}
		// maps flatten to key value pairs, matching HGETALL replies
		dst = append(dst, '*')
		dst = strconv.AppendInt(dst, int64(len(t)*2), 10)
		dst = append(dst, '\r', '\n')
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var err error
		for _, k := range keys {
			if dst, err = appendRESP(dst, k); err != nil {
				return nil, err
			}
			if dst, err = appendRESP(dst, t[k]); err != nil {
				return nil, err
			}
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("unsupported mock value type %T", val)
	}
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
