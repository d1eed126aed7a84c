// Package proxy hosts the TCP proxy registry and the per-connection pipe.
// Each configured proxy owns one listen port; the registry drives the
// lifecycle STOPPED -> STARTING -> RUNNING -> STOPPING -> STOPPED and keeps
// definitions persisted across restarts.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dbtap/dbtap/config"
	"github.com/dbtap/dbtap/pkg/core/mockstore"
	"github.com/dbtap/dbtap/pkg/core/proxy/decoders"
	"github.com/dbtap/dbtap/pkg/models"
	"github.com/dbtap/dbtap/pkg/platform/yaml/proxydb"
	"github.com/dbtap/dbtap/pkg/service/bus"
	"github.com/dbtap/dbtap/utils"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Sink receives every observed query and response synchronously. The engine
// implements it to feed the recent-query window.
type Sink interface {
	OnQuery(query *models.Query)
	OnResponse(query *models.Query, resp *models.Response)
}

type runtime struct {
	mu       sync.Mutex
	def      models.ProxyDefinition
	state    models.ProxyState
	lastErr  string
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	// open client connections, force-closed when a stop drain times out
	conns *xsync.Map[string, net.Conn]
}

func (rt *runtime) snapshot() models.ProxyStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return models.ProxyStatus{
		ProxyDefinition: rt.def,
		State:           rt.state,
		LastError:       rt.lastErr,
		Connections:     rt.conns.Size(),
	}
}

type Registry struct {
	logger   *zap.Logger
	cfg      *config.Config
	settings *config.Settings
	store    *mockstore.Store
	bus      *bus.Bus
	db       *proxydb.ProxyYaml
	sink     Sink

	runtimes *xsync.Map[uint16, *runtime]
}

func NewRegistry(logger *zap.Logger, cfg *config.Config, settings *config.Settings, store *mockstore.Store, eventBus *bus.Bus, db *proxydb.ProxyYaml, sink Sink) *Registry {
	return &Registry{
		logger:   logger,
		cfg:      cfg,
		settings: settings,
		store:    store,
		bus:      eventBus,
		db:       db,
		sink:     sink,
		runtimes: xsync.NewMap[uint16, *runtime](),
	}
}

// Load rebuilds the registry from persisted definitions. Every proxy starts
// out STOPPED.
func (r *Registry) Load() error {
	defs, err := r.db.Load()
	if err != nil {
		return &models.PersistenceError{Op: "load proxies", Err: err}
	}
	for _, def := range defs {
		r.runtimes.Store(def.Port, &runtime{
			def:   *def,
			state: models.ProxyStopped,
			conns: xsync.NewMap[string, net.Conn](),
		})
	}
	r.logger.Info("loaded proxy definitions", zap.Int("count", len(defs)))
	return nil
}

// Create persists a new definition. The port is the identity and must be
// free.
func (r *Registry) Create(def models.ProxyDefinition) error {
	if !models.ValidProtocol(def.Protocol) {
		return fmt.Errorf("unknown protocol %q", def.Protocol)
	}
	if def.Port == 0 || def.TargetPort == 0 {
		return fmt.Errorf("proxy and target ports must be non-zero")
	}
	if _, loaded := r.runtimes.LoadOrStore(def.Port, &runtime{
		def:   def,
		state: models.ProxyStopped,
		conns: xsync.NewMap[string, net.Conn](),
	}); loaded {
		return fmt.Errorf("proxy port %d is already configured", def.Port)
	}
	if err := r.db.Upsert(&def); err != nil {
		r.runtimes.Delete(def.Port)
		return &models.PersistenceError{Op: "create proxy", Err: err}
	}
	return nil
}

// Update replaces a definition's target, name and disabled flag. The listen
// port identifies the proxy and the protocol binds its mock family, so
// neither is mutable. Only proxies that are not running may be updated.
func (r *Registry) Update(def models.ProxyDefinition) error {
	rt, ok := r.runtimes.Load(def.Port)
	if !ok {
		return models.ErrProxyNotFound
	}
	if def.TargetPort == 0 {
		return fmt.Errorf("target port must be non-zero")
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	switch rt.state {
	case models.ProxyStopped, models.ProxyStartFailed:
	default:
		return fmt.Errorf("proxy %d is %s, stop it before updating", def.Port, rt.state)
	}
	if def.Protocol != "" && def.Protocol != rt.def.Protocol {
		return fmt.Errorf("proxy %d speaks %s, the protocol cannot change", def.Port, rt.def.Protocol)
	}

	updated := rt.def
	updated.Name = def.Name
	updated.TargetHost = def.TargetHost
	updated.TargetPort = def.TargetPort
	updated.Disabled = def.Disabled
	if err := r.db.Upsert(&updated); err != nil {
		return &models.PersistenceError{Op: "update proxy", Err: err}
	}
	rt.def = updated
	return nil
}

// Delete removes a definition. Only STOPPED or START_FAILED proxies may be
// deleted.
func (r *Registry) Delete(port uint16) error {
	rt, ok := r.runtimes.Load(port)
	if !ok {
		return models.ErrProxyNotFound
	}
	rt.mu.Lock()
	switch rt.state {
	case models.ProxyStopped, models.ProxyStartFailed:
	default:
		rt.mu.Unlock()
		return fmt.Errorf("proxy %d is %s, stop it before deleting", port, rt.state)
	}
	rt.mu.Unlock()

	if err := r.db.Delete(port); err != nil {
		return &models.PersistenceError{Op: "delete proxy", Err: err}
	}
	r.runtimes.Delete(port)
	return nil
}

// Status reports the runtime view of one proxy.
func (r *Registry) Status(port uint16) (models.ProxyStatus, error) {
	rt, ok := r.runtimes.Load(port)
	if !ok {
		return models.ProxyStatus{}, models.ErrProxyNotFound
	}
	return rt.snapshot(), nil
}

// StatusAll reports every configured proxy.
func (r *Registry) StatusAll() []models.ProxyStatus {
	var out []models.ProxyStatus
	r.runtimes.Range(func(_ uint16, rt *runtime) bool {
		out = append(out, rt.snapshot())
		return true
	})
	return out
}

// Start binds the listen port and begins accepting. A bind failure leaves
// the proxy in START_FAILED with the error recorded; starting a RUNNING
// proxy is a no-op.
func (r *Registry) Start(_ context.Context, port uint16) error {
	rt, ok := r.runtimes.Load(port)
	if !ok {
		return models.ErrProxyNotFound
	}

	rt.mu.Lock()
	switch rt.state {
	case models.ProxyRunning, models.ProxyStarting:
		rt.mu.Unlock()
		return nil
	case models.ProxyStopping:
		rt.mu.Unlock()
		return fmt.Errorf("proxy %d is still stopping", port)
	}
	rt.state = models.ProxyStarting
	def := rt.def
	rt.mu.Unlock()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", def.Port))
	if err != nil {
		bindErr := &models.BindError{Port: def.Port, Err: err}
		rt.mu.Lock()
		rt.state = models.ProxyStartFailed
		rt.lastErr = bindErr.Error()
		rt.mu.Unlock()
		utils.LogError(r.logger, bindErr, "failed to start proxy", zap.Uint16("port", def.Port))
		r.publish(models.Event{Type: models.EventProxyError, ProxyPort: def.Port, Error: bindErr.Error()})
		return bindErr
	}

	// connections outlive the Start call; they end on Stop
	ctx, cancel := context.WithCancel(context.Background())
	rt.mu.Lock()
	rt.listener = listener
	rt.cancel = cancel
	rt.state = models.ProxyRunning
	rt.lastErr = ""
	rt.mu.Unlock()

	rt.wg.Add(1)
	go r.acceptLoop(ctx, rt, listener)

	r.logger.Info("proxy started",
		zap.Uint16("port", def.Port),
		zap.String("protocol", string(def.Protocol)),
		zap.String("target", fmt.Sprintf("%s:%d", def.TargetHost, def.TargetPort)))
	r.publish(models.Event{Type: models.EventProxyStarted, ProxyPort: def.Port})
	return nil
}

// Stop drains a running proxy synchronously. Connections still open after
// the stop timeout are force-closed.
func (r *Registry) Stop(ctx context.Context, port uint16) error {
	rt, ok := r.runtimes.Load(port)
	if !ok {
		return models.ErrProxyNotFound
	}

	rt.mu.Lock()
	if rt.state != models.ProxyRunning {
		rt.mu.Unlock()
		return nil
	}
	rt.state = models.ProxyStopping
	listener := rt.listener
	cancel := rt.cancel
	rt.mu.Unlock()

	if listener != nil {
		if err := listener.Close(); err != nil {
			utils.LogError(r.logger, err, "failed to close proxy listener", zap.Uint16("port", port))
		}
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.cfg.StopTimeout):
		r.logger.Warn("stop drain timed out, force closing connections", zap.Uint16("port", port))
		rt.conns.Range(func(_ string, conn net.Conn) bool {
			_ = conn.Close()
			return true
		})
		select {
		case <-done:
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
	}

	rt.mu.Lock()
	rt.state = models.ProxyStopped
	rt.listener = nil
	rt.cancel = nil
	rt.mu.Unlock()

	r.logger.Info("proxy stopped", zap.Uint16("port", port))
	r.publish(models.Event{Type: models.EventProxyStopped, ProxyPort: port})
	return nil
}

// StartEnabled starts every definition not marked disabled, collecting bind
// failures instead of aborting on the first.
func (r *Registry) StartEnabled(ctx context.Context) error {
	var errs []error
	r.runtimes.Range(func(port uint16, rt *runtime) bool {
		rt.mu.Lock()
		disabled := rt.def.Disabled
		rt.mu.Unlock()
		if disabled {
			return true
		}
		if err := r.Start(ctx, port); err != nil {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// Close stops every running proxy.
func (r *Registry) Close(ctx context.Context) {
	r.runtimes.Range(func(port uint16, _ *runtime) bool {
		if err := r.Stop(ctx, port); err != nil && !errors.Is(err, models.ErrProxyNotFound) {
			utils.LogError(r.logger, err, "failed to stop proxy during shutdown", zap.Uint16("port", port))
		}
		return true
	})
}

func (r *Registry) acceptLoop(ctx context.Context, rt *runtime, listener net.Listener) {
	defer rt.wg.Done()
	for {
		client, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			utils.LogError(r.logger, err, "failed to accept connection", zap.Uint16("port", rt.def.Port))
			continue
		}
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			r.serveConn(ctx, rt, client)
		}()
	}
}

func (r *Registry) serveConn(ctx context.Context, rt *runtime, client net.Conn) {
	connID := fmt.Sprintf("conn-%d", utils.GetNextID())
	logger := r.logger.With(
		zap.String("connection", connID),
		zap.Uint16("port", rt.def.Port),
		zap.String("protocol", string(rt.def.Protocol)),
	)
	rt.conns.Store(connID, client)
	defer rt.conns.Delete(connID)

	// a decoder panic must not take the accept loop down; the pipe's own
	// defers have already closed the backend side by the time this runs
	defer utils.Recover(logger, client, nil)

	p := newPipe(logger, r, rt.def, connID, client)
	p.run(ctx)
}

func (r *Registry) publish(event models.Event) {
	event.Timestamp = time.Now()
	r.bus.Publish(event)
}

// decoderFor returns the protocol session factory, or nil for protocols
// relayed without decoding.
func decoderFor(protocol models.Protocol) decoders.Decoder {
	d, ok := decoders.Get(protocol)
	if !ok {
		return nil
	}
	return d
}
