// Package core wires the proxy registry, the mock store, drift detection
// and the event bus into one engine with a synchronous API surface.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dbtap/dbtap/config"
	"github.com/dbtap/dbtap/pkg/core/mockstore"
	"github.com/dbtap/dbtap/pkg/core/proxy"
	"github.com/dbtap/dbtap/pkg/models"
	"github.com/dbtap/dbtap/pkg/platform/yaml/mockdb"
	"github.com/dbtap/dbtap/pkg/platform/yaml/proxydb"
	"github.com/dbtap/dbtap/pkg/service/bus"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine owns every long-lived component. One engine serves any number of
// configured proxies.
type Engine struct {
	logger   *zap.Logger
	cfg      *config.Config
	settings *config.Settings
	bus      *bus.Bus
	store    *mockstore.Store
	registry *proxy.Registry

	mu     sync.RWMutex
	recent map[uint16][]*models.InterceptedQuery
	byID   map[string]*models.InterceptedQuery

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(logger *zap.Logger, cfg *config.Config) *Engine {
	settings := config.NewSettings(cfg)
	eventBus := bus.New(logger)
	store := mockstore.New(logger, mockdb.New(logger, cfg.DataDir), cfg.FlushInterval)

	e := &Engine{
		logger:   logger,
		cfg:      cfg,
		settings: settings,
		bus:      eventBus,
		store:    store,
		recent:   make(map[uint16][]*models.InterceptedQuery),
		byID:     make(map[string]*models.InterceptedQuery),
	}
	e.registry = proxy.NewRegistry(logger, cfg, settings, store, eventBus, proxydb.New(logger, cfg.DataDir), e)
	return e
}

// Start loads persisted state, launches the usage flush loop and starts
// every proxy not marked disabled. Bind failures are reported but do not
// abort startup; the failed proxies stay in START_FAILED.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Load(); err != nil {
		return err
	}
	if err := e.registry.Load(); err != nil {
		return err
	}

	flushCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.store.Run(flushCtx)
	}()

	if err := e.registry.StartEnabled(ctx); err != nil {
		e.logger.Warn("some proxies failed to start", zap.Error(err))
	}
	return nil
}

// Close stops every proxy, flushes usage counters and shuts the bus down.
func (e *Engine) Close(ctx context.Context) {
	e.registry.Close(ctx)
	if e.cancel != nil {
		e.cancel()
		e.wg.Wait()
	}
	e.bus.Close()
	e.logger.Info("engine closed")
}

// Subscribe attaches an event consumer; the returned cancel releases it.
func (e *Engine) Subscribe(buffer int) (<-chan models.Event, func()) {
	return e.bus.Subscribe(buffer)
}

func (e *Engine) Settings() *config.Settings { return e.settings }

// --- proxies ---

func (e *Engine) CreateProxy(def models.ProxyDefinition) error {
	return e.registry.Create(def)
}

// UpdateProxy reconfigures a stopped proxy's target, name and disabled
// flag. Running proxies must be stopped first.
func (e *Engine) UpdateProxy(def models.ProxyDefinition) error {
	return e.registry.Update(def)
}

func (e *Engine) StartProxy(ctx context.Context, port uint16) error {
	return e.registry.Start(ctx, port)
}

func (e *Engine) StopProxy(ctx context.Context, port uint16) error {
	return e.registry.Stop(ctx, port)
}

// DeleteProxy removes a stopped proxy's definition. Its mocks and recent
// queries stay until deleted explicitly.
func (e *Engine) DeleteProxy(port uint16) error {
	return e.registry.Delete(port)
}

func (e *Engine) GetProxy(port uint16) (models.ProxyStatus, error) {
	return e.registry.Status(port)
}

func (e *Engine) ListProxies() []models.ProxyStatus {
	return e.registry.StatusAll()
}

// --- mocks ---

// CreateMock validates and stores a manual mock. The response payload must
// be a JSON document in the protocol's canonical form.
func (e *Engine) CreateMock(mock *models.Mock) (*models.Mock, error) {
	if !models.ValidProtocol(mock.Protocol) {
		return nil, fmt.Errorf("unknown protocol %q", mock.Protocol)
	}
	if strings.TrimSpace(mock.Pattern) == "" {
		return nil, fmt.Errorf("mock pattern must not be empty")
	}
	if !json.Valid([]byte(mock.Response)) {
		return nil, fmt.Errorf("mock response must be valid JSON")
	}
	if mock.ProxyPort == 0 {
		return nil, fmt.Errorf("mock must be bound to a proxy port")
	}

	stored := mock.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.Name == "" {
		stored.Name = stored.Pattern
	}
	if stored.Source == "" {
		stored.Source = models.SourceManual
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	if stored.Command == "" {
		stored.Command = classifyPattern(stored.Protocol, stored.Pattern)
	}
	if err := e.store.Create(stored); err != nil {
		return nil, err
	}
	e.logger.Info("created mock",
		zap.String("id", stored.ID),
		zap.Uint16("port", stored.ProxyPort),
		zap.String("source", string(stored.Source)))
	return stored.Clone(), nil
}

func (e *Engine) GetMock(id string) (*models.Mock, error) {
	mock, ok := e.store.Get(id)
	if !ok {
		return nil, models.ErrMockNotFound
	}
	return mock, nil
}

func (e *Engine) ListMocks() []*models.Mock {
	return e.store.List()
}

func (e *Engine) ListMocksByProxy(port uint16) []*models.Mock {
	return e.store.ListByProxy(port)
}

func (e *Engine) ToggleMock(id string, enabled bool) (*models.Mock, error) {
	return e.store.Toggle(id, enabled)
}

func (e *Engine) DeleteMock(id string) error {
	return e.store.Delete(id)
}

// DeleteMockFamily removes every mock on one proxy port sharing a command
// classification, returning the per-mock outcomes.
func (e *Engine) DeleteMockFamily(port uint16, command models.CommandType) map[string]error {
	return e.store.DeleteFamily(port, command)
}

// classifyPattern derives a command classification for a mock whose caller
// did not set one, using the pattern's leading token.
func classifyPattern(protocol models.Protocol, pattern string) models.CommandType {
	fields := strings.Fields(pattern)
	if len(fields) == 0 {
		return models.CmdUnknown
	}
	switch protocol {
	case models.MongoDB:
		return models.CommandFromMongo(fields[0])
	case models.Redis:
		return models.CommandFromRedis(fields[0])
	default:
		return models.CommandFromSQL(pattern)
	}
}

// --- intercepted queries ---

// RecentQueries returns the retained query/response pairs for one proxy,
// oldest first. The window is bounded by the configured RecentWindow.
func (e *Engine) RecentQueries(port uint16) []*models.InterceptedQuery {
	e.mu.RLock()
	defer e.mu.RUnlock()
	window := e.recent[port]
	out := make([]*models.InterceptedQuery, len(window))
	copy(out, window)
	return out
}

// OnQuery implements proxy.Sink.
func (e *Engine) OnQuery(query *models.Query) {
	pair := &models.InterceptedQuery{Query: query}

	e.mu.Lock()
	defer e.mu.Unlock()
	window := append(e.recent[query.ProxyPort], pair)
	if len(window) > e.cfg.RecentWindow {
		evicted := window[0]
		window = window[1:]
		delete(e.byID, evicted.Query.ID)
	}
	e.recent[query.ProxyPort] = window
	e.byID[query.ID] = pair
}

// OnResponse implements proxy.Sink. A second response for the same query
// (testing-mode drift attachment) replaces the first.
func (e *Engine) OnResponse(query *models.Query, resp *models.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pair, ok := e.byID[query.ID]; ok {
		pair.Response = resp
	}
}
