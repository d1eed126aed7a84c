package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dbtap/dbtap/pkg/core/drift"
	"github.com/dbtap/dbtap/pkg/core/match"
	"github.com/dbtap/dbtap/pkg/core/proxy/decoders"
	"github.com/dbtap/dbtap/pkg/models"
	"github.com/dbtap/dbtap/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const readBufSize = 32 * 1024

// pending is one forwarded client frame awaiting its backend response.
// Responses pair by correlation id when the protocol has one, else FIFO.
type pending struct {
	query         *models.Query
	mock          *models.Mock
	correlationID uint32
	sentAt        time.Time
	// suppress drops the live response after drift comparison; set when a
	// mocked reply was already sent to the client in testing mode.
	suppress bool
	// autoMock allows creating a mock from the live response.
	autoMock bool
}

type pendingQueue struct {
	mu    sync.Mutex
	items []*pending
}

func (q *pendingQueue) push(p *pending) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, p)
}

// pop returns the pending entry for a response frame: the first entry with
// a matching correlation id, or the queue head when the frame has none.
func (q *pendingQueue) pop(correlationID uint32) *pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	if correlationID != 0 {
		for i, p := range q.items {
			if p.correlationID == correlationID {
				q.items = append(q.items[:i], q.items[i+1:]...)
				return p
			}
		}
		return nil
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p
}

// remove drops a specific entry, used to roll back a registration whose
// frame never reached the backend.
func (q *pendingQueue) remove(target *pending) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.items {
		if p == target {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *pendingQueue) drain() []*pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *pendingQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// pipe relays one client connection to the backend, intercepting decoded
// queries on the way through.
type pipe struct {
	logger   *zap.Logger
	registry *Registry
	def      models.ProxyDefinition
	connID   string

	client  net.Conn
	backend net.Conn
	session decoders.Session

	// sniffs the first client read so a proxy configured with the wrong
	// protocol is called out instead of silently never matching
	matchType func([]byte) bool
	sniffed   bool

	// guards writes to the client socket: synthesized replies come from
	// the client-read loop while relayed frames come from the backend loop
	clientWriteMu sync.Mutex

	pending pendingQueue
}

func newPipe(logger *zap.Logger, registry *Registry, def models.ProxyDefinition, connID string, client net.Conn) *pipe {
	return &pipe{
		logger:   logger,
		registry: registry,
		def:      def,
		connID:   connID,
		client:   client,
	}
}

func (p *pipe) run(ctx context.Context) {
	defer func() {
		if err := p.client.Close(); err != nil && !utils.IsClosedConnErr(err) {
			p.logger.Debug("failed to close client connection", zap.Error(err))
		}
	}()

	addr := fmt.Sprintf("%s:%d", p.def.TargetHost, p.def.TargetPort)
	backend, err := net.DialTimeout("tcp", addr, p.registry.cfg.DialTimeout)
	if err != nil {
		dialErr := &models.DialError{Addr: addr, Err: err}
		utils.LogError(p.logger, dialErr, "failed to dial backend")
		p.registry.publish(models.Event{Type: models.EventProxyError, ProxyPort: p.def.Port, Error: dialErr.Error()})
		return
	}
	p.backend = backend
	defer func() {
		if err := backend.Close(); err != nil && !utils.IsClosedConnErr(err) {
			p.logger.Debug("failed to close backend connection", zap.Error(err))
		}
	}()

	if d := decoderFor(p.def.Protocol); d != nil {
		p.session = d.NewSession(p.logger)
		p.matchType = d.MatchType
	}

	p.registry.publish(models.Event{Type: models.EventConnectionOpened, ProxyPort: p.def.Port})
	p.logger.Debug("connection opened", zap.String("backend", addr))
	defer func() {
		p.failPending("connection-closed")
		p.registry.publish(models.Event{Type: models.EventConnectionClosed, ProxyPort: p.def.Port})
		p.logger.Debug("connection closed")
	}()

	// a cancelled proxy stop tears both sockets down, unblocking the loops
	stop := context.AfterFunc(ctx, func() {
		_ = p.client.Close()
		_ = backend.Close()
	})
	defer stop()

	g := &errgroup.Group{}
	g.Go(func() error { return p.clientLoop() })
	g.Go(func() error { return p.backendLoop() })
	if err := g.Wait(); err != nil && !isConnTermination(err) {
		utils.LogError(p.logger, err, "connection relay failed")
	}
}

func isConnTermination(err error) bool {
	return errors.Is(err, io.EOF) || utils.IsClosedConnErr(err) || errors.Is(err, net.ErrClosed)
}

// clientLoop reads client bytes, decodes them into frames and decides per
// frame whether to answer from a mock or forward to the backend.
func (p *pipe) clientLoop() error {
	buf := make([]byte, readBufSize)
	for {
		n, err := p.client.Read(buf)
		if n > 0 {
			if !p.sniffed {
				p.sniffed = true
				if p.matchType != nil && !p.matchType(buf[:n]) {
					p.logger.Warn("client bytes do not look like the configured protocol",
						zap.String("protocol", string(p.def.Protocol)))
				}
			}
			for _, frame := range p.parseQueries(buf[:n]) {
				if handleErr := p.handleQueryFrame(frame); handleErr != nil {
					return handleErr
				}
			}
		}
		if err != nil {
			// unblock the backend loop once the client is gone
			_ = p.backend.Close()
			return err
		}
	}
}

func (p *pipe) parseQueries(data []byte) []decoders.QueryFrame {
	if p.session == nil {
		return []decoders.QueryFrame{{
			Raw:     data,
			Payload: models.QueryPayload{Kind: models.PayloadRaw, Raw: data},
			Command: models.CmdUnknown,
		}}
	}
	return p.session.ParseQueries(data)
}

func (p *pipe) handleQueryFrame(frame decoders.QueryFrame) error {
	if frame.Handshake || frame.Payload.Kind == models.PayloadRaw || frame.Payload.Kind == "" {
		return p.forward(frame, nil)
	}

	query := p.buildQuery(frame)
	p.registry.sink.OnQuery(query)
	p.registry.publish(models.Event{Type: models.EventQuery, ProxyPort: p.def.Port, Query: query})

	if !frame.Interceptable {
		return p.forward(frame, query)
	}

	candidates := p.registry.store.Candidates(p.def.Port, p.def.Protocol)
	best, kind := match.Best(query.Payload, candidates)
	if best == nil {
		return p.forwardMiss(frame, query)
	}

	wire, err := p.session.SynthesizeResponse(&frame, best.Response)
	if err != nil {
		utils.LogError(p.logger, err, "failed to synthesize mock response, forwarding to backend",
			zap.String("mock", best.ID))
		return p.forwardMiss(frame, query)
	}
	if err := p.writeClient(wire); err != nil {
		return err
	}

	p.registry.store.RecordUsage(best.ID)
	resp := &models.Response{
		QueryID:  query.ID,
		Payload:  best.Response,
		Status:   models.StatusMocked,
		IsMocked: true,
		MockID:   best.ID,
		Reason:   kind.String() + " match",
	}
	p.registry.sink.OnResponse(query, resp)
	p.registry.publish(models.Event{Type: models.EventMockServed, ProxyPort: p.def.Port, Query: query, Response: resp, Mock: best})
	p.registry.publish(models.Event{Type: models.EventQueryResponse, ProxyPort: p.def.Port, Query: query, Response: resp})
	p.logger.Debug("served mock response",
		zap.String("mock", best.ID),
		zap.String("match", kind.String()))

	// testing mode still consults the backend and checks the canned
	// response for drift; the live reply never reaches the client
	if p.registry.settings.TestingMode() && frame.ExpectsResponse {
		return p.sendPending(frame.Raw, &pending{
			query:         query,
			mock:          best,
			correlationID: frame.CorrelationID,
			sentAt:        time.Now(),
			suppress:      true,
		})
	}
	return nil
}

// sendPending registers the entry before the bytes go out so a fast backend
// reply cannot race past the registration; a failed write rolls it back.
func (p *pipe) sendPending(raw []byte, pd *pending) error {
	p.pending.push(pd)
	if err := p.writeBackend(raw); err != nil {
		p.pending.remove(pd)
		return err
	}
	return nil
}

// forward relays a frame to the backend, registering it for response
// pairing when one is expected.
func (p *pipe) forward(frame decoders.QueryFrame, query *models.Query) error {
	if frame.ExpectsResponse && !frame.Handshake && p.session != nil && !p.session.Degraded() {
		return p.sendPending(frame.Raw, &pending{
			query:         query,
			correlationID: frame.CorrelationID,
			sentAt:        time.Now(),
		})
	}
	return p.writeBackend(frame.Raw)
}

// forwardMiss relays an interceptable frame that no mock answered.
func (p *pipe) forwardMiss(frame decoders.QueryFrame, query *models.Query) error {
	if !frame.ExpectsResponse {
		return p.writeBackend(frame.Raw)
	}
	return p.sendPending(frame.Raw, &pending{
		query:         query,
		correlationID: frame.CorrelationID,
		sentAt:        time.Now(),
		autoMock:      p.registry.settings.AutoMockCreation(),
	})
}

// backendLoop reads backend bytes and pairs decoded response frames with
// the pending queue. A request timeout with work outstanding tears the
// connection down.
func (p *pipe) backendLoop() error {
	buf := make([]byte, readBufSize)
	for {
		if err := p.backend.SetReadDeadline(time.Now().Add(p.registry.cfg.RequestTimeout)); err != nil {
			return err
		}
		n, err := p.backend.Read(buf)
		if n > 0 {
			for _, frame := range p.parseResponses(buf[:n]) {
				if handleErr := p.handleResponseFrame(frame); handleErr != nil {
					return handleErr
				}
			}
		}
		if err != nil {
			if isTimeout(err) {
				if p.pending.size() == 0 {
					continue // idle connection, keep waiting
				}
				p.failPending("timeout")
				_ = p.client.Close()
				return fmt.Errorf("backend response timed out")
			}
			// unblock the client loop once the backend is gone
			_ = p.client.Close()
			return err
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
}

func (p *pipe) parseResponses(data []byte) []decoders.ResponseFrame {
	if p.session == nil {
		return []decoders.ResponseFrame{{Raw: data, Unsolicited: true}}
	}
	return p.session.ParseResponses(data)
}

func (p *pipe) handleResponseFrame(frame decoders.ResponseFrame) error {
	if frame.Handshake || frame.Unsolicited {
		return p.writeClient(frame.Raw)
	}

	pd := p.pending.pop(frame.CorrelationID)
	if pd == nil {
		// a response nothing asked for; relay it untouched
		return p.writeClient(frame.Raw)
	}

	if pd.suppress {
		p.compareDrift(pd, frame)
		return nil
	}

	if err := p.writeClient(frame.Raw); err != nil {
		return err
	}
	if pd.query == nil {
		return nil
	}

	resp := &models.Response{
		QueryID:    pd.query.ID,
		Payload:    frame.Body,
		DurationMs: time.Since(pd.sentAt).Milliseconds(),
		Status:     models.StatusSuccess,
	}
	p.registry.sink.OnResponse(pd.query, resp)
	p.registry.publish(models.Event{Type: models.EventQueryResponse, ProxyPort: p.def.Port, Query: pd.query, Response: resp})

	if pd.autoMock && frame.Body != "" {
		p.autoCreateMock(pd.query, frame.Body)
	}
	return nil
}

// compareDrift checks a testing-mode live response against the mock that
// already answered the client.
func (p *pipe) compareDrift(pd *pending, frame decoders.ResponseFrame) {
	report := drift.Compare(pd.query.ID, pd.mock.ID, pd.mock.Response, frame.Body)
	if !report.HasDrift() {
		p.logger.Debug("mock verified against live response", zap.String("mock", pd.mock.ID))
		return
	}

	resp := &models.Response{
		QueryID:    pd.query.ID,
		Payload:    pd.mock.Response,
		DurationMs: time.Since(pd.sentAt).Milliseconds(),
		Status:     models.StatusMocked,
		IsMocked:   true,
		MockID:     pd.mock.ID,
		Reason:     report.Summary,
		Validation: report,
	}
	p.registry.sink.OnResponse(pd.query, resp)
	p.registry.publish(models.Event{Type: models.EventMockDifference, ProxyPort: p.def.Port, Query: pd.query, Response: resp, Mock: pd.mock, Drift: report})
	p.logger.Warn("mock drifted from live response",
		zap.String("mock", pd.mock.ID),
		zap.String("summary", report.Summary))
}

// autoCreateMock stores a disabled mock capturing the observed pair, unless
// an identical pattern already exists for this proxy.
func (p *pipe) autoCreateMock(query *models.Query, body string) {
	pattern := query.Payload.Normalized()
	if pattern == "" {
		return
	}
	for _, existing := range p.registry.store.Candidates(p.def.Port, p.def.Protocol) {
		if existing.Pattern == pattern {
			return
		}
	}

	mock := &models.Mock{
		ID:        uuid.New().String(),
		Name:      "auto: " + truncate(pattern, 80),
		ProxyPort: p.def.Port,
		Protocol:  p.def.Protocol,
		Pattern:   pattern,
		Response:  body,
		Enabled:   false,
		Source:    models.SourceAutoCreated,
		Command:   query.Command,
		CreatedAt: time.Now(),
	}
	if err := p.registry.store.Create(mock); err != nil {
		utils.LogError(p.logger, err, "failed to auto-create mock")
		return
	}
	p.registry.publish(models.Event{Type: models.EventMockAutoCreated, ProxyPort: p.def.Port, Query: query, Mock: mock})
	p.logger.Info("auto-created mock from live response", zap.String("mock", mock.ID))
}

// failPending records a failed response for every query still waiting.
func (p *pipe) failPending(reason string) {
	for _, pd := range p.pending.drain() {
		if pd.query == nil || pd.suppress {
			continue
		}
		resp := &models.Response{
			QueryID:    pd.query.ID,
			DurationMs: time.Since(pd.sentAt).Milliseconds(),
			Status:     models.StatusFailed,
			Reason:     reason,
		}
		p.registry.sink.OnResponse(pd.query, resp)
		p.registry.publish(models.Event{Type: models.EventQueryResponse, ProxyPort: p.def.Port, Query: pd.query, Response: resp})
	}
}

func (p *pipe) buildQuery(frame decoders.QueryFrame) *models.Query {
	query := &models.Query{
		ID:           uuid.New().String(),
		ConnectionID: p.connID,
		ProxyPort:    p.def.Port,
		Protocol:     p.def.Protocol,
		Timestamp:    time.Now(),
		Payload:      frame.Payload,
		Command:      frame.Command,
	}
	switch frame.Payload.Kind {
	case models.PayloadSQL:
		query.TableOrFamily = models.TableFromSQL(frame.Payload.SQL)
	case models.PayloadMongo:
		query.TableOrFamily = frame.Payload.Collection
	case models.PayloadRedis:
		if len(frame.Payload.Args) > 1 {
			query.TableOrFamily = frame.Payload.Args[1]
		}
	}
	return query
}

func (p *pipe) writeClient(data []byte) error {
	p.clientWriteMu.Lock()
	defer p.clientWriteMu.Unlock()
	_, err := p.client.Write(data)
	return err
}

func (p *pipe) writeBackend(data []byte) error {
	_, err := p.backend.Write(data)
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
