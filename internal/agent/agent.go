// Package agent wires the check-in scheduler, dispatcher and result sender
// into one running endpoint agent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/HsiangNianian/AMonItor/rvagent/internal/config"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/db"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/dispatch"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/logging"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/operation"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/protocol"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/results"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/router"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/scheduler"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/store"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/transport"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/ws"
)

const shutdownTimeout = 5 * time.Second

// ErrStopped is returned by Start once the agent has been stopped. Stop
// closes the store and database, so an agent is not restartable.
var ErrStopped = errors.New("agent stopped")

type Option func(*options)

type options struct {
	transportOpts []transport.Option
	store         store.Store
}

// WithTransportOptions passes options through to the server transport.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) {
		o.transportOpts = append(o.transportOpts, opts...)
	}
}

// WithStore replaces the store chosen from configuration.
func WithStore(st store.Store) Option {
	return func(o *options) {
		o.store = st
	}
}

type Agent struct {
	cfg    *config.Store
	logger log.FieldLogger
	policy operation.SavePolicy

	routes     *router.Router
	store      store.Store
	db         *db.DB
	transport  *publishingTransport
	registry   *dispatch.Registry
	dispatcher *dispatch.Dispatcher
	queue      *results.Queue
	sender     *results.Sender
	scheduler  *scheduler.Scheduler
	hub        *ws.Hub

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	server   *http.Server
	listener net.Listener
}

func New(cfg *config.Store, logger log.FieldLogger, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	runtime := cfg.Config().Runtime

	a := &Agent{
		cfg:      cfg,
		logger:   logger,
		routes:   router.New(cfg.AgentID),
		registry: dispatch.NewRegistry(),
		queue:    results.NewQueue(),
	}

	var types []protocol.OperationType
	for _, t := range runtime.Savable {
		types = append(types, protocol.OperationType(t))
	}
	a.policy = operation.NewSavePolicy(types...)

	switch {
	case o.store != nil:
		a.store = o.store
	case runtime.RedisAddr != "":
		a.store = store.NewRedisStore(runtime.RedisAddr)
		logger.WithField("addr", runtime.RedisAddr).Info("use redis store")
	default:
		a.store = store.NewMemoryStore()
		logger.Info("use memory store")
	}

	if runtime.DBFile != "" {
		d, err := db.Open(runtime.DBFile)
		if err != nil {
			_ = a.store.Close()
			return nil, fmt.Errorf("open agent database: %w", err)
		}
		a.db = d
	}

	a.hub = ws.NewHub(runtime.ListenToken, a.ProcessServerMessage, logger.WithField("component", "ws"))

	transportOpts := append([]transport.Option{transport.WithLogger(logger.WithField("component", "transport"))}, o.transportOpts...)
	a.transport = &publishingTransport{
		inner: transport.New(cfg, a.routes, transportOpts...),
		hub:   a.hub,
	}

	a.sender = results.NewSender(results.SenderConfig{
		Queue:     a.queue,
		Transport: a.transport,
		AgentID:   cfg.AgentID,
		Status:    a.store,
		Interval:  runtime.ResultInterval,
		Parallel:  runtime.Workers,
		Logger:    logger.WithField("component", "results"),
	})

	a.scheduler = scheduler.New(scheduler.Config{
		Interval:    runtime.CheckInInterval,
		FireOnStart: runtime.CheckInOnStart,
		AgentID:     cfg.AgentID,
		Sender:      a.transport,
		Handler: func(response map[string]any) {
			_ = a.ProcessServerMessage(response)
		},
		OnRoutingError: func(ctx context.Context, _ *transport.RoutingError) {
			if err := a.RefreshRoutes(ctx); err != nil {
				a.logger.WithError(err).Error("refresh response uris failed")
			}
		},
		Logger: logger.WithField("component", "scheduler"),
	})

	a.dispatcher = dispatch.New(a.registry, a.queue, dispatch.Options{
		Workers: runtime.Workers,
		Retry:   true,
		Store:   a.store,
		Logger:  logger.WithField("component", "dispatch"),
	})

	core := &dispatch.CoreHandler{
		Routes:        a.routes,
		Refresh:       a.RefreshRoutes,
		PersistRoutes: a.persistRoutes,
		SetCheckIn:    a.scheduler.SetEnabled,
		Config:        cfg,
		Logger:        logger.WithField("component", "core"),
	}
	if err := a.registry.Register(dispatch.CoreName, core); err != nil {
		return nil, err
	}
	return a, nil
}

// Register adds a plugin handler. Plugins must be registered before Start.
func (a *Agent) Register(plugin string, h dispatch.Handler) error {
	return a.registry.Register(plugin, h)
}

func (a *Agent) Routes() *router.Router { return a.routes }

func (a *Agent) Scheduler() *scheduler.Scheduler { return a.scheduler }

func (a *Agent) Pending() int { return a.queue.Len() }

// Addr is the local listener address, empty when no listener runs.
func (a *Agent) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return ErrStopped
	}
	if a.started {
		return nil
	}
	runtime := a.cfg.Config().Runtime

	if pinger, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		if err := pinger.Ping(ctx); err != nil {
			return fmt.Errorf("connect store: %w", err)
		}
	}

	if n, err := a.routes.Restore(ctx, a.store); err != nil {
		a.logger.WithError(err).Warn("restore response uris failed")
	} else if n > 0 {
		a.logger.WithField("routes", n).Info("restored response uris")
	}
	if runtime.RoutesFile != "" {
		if err := a.routes.LoadFile(runtime.RoutesFile); err != nil {
			return err
		}
		a.logger.WithField("file", runtime.RoutesFile).Info("loaded response uris file")
	}

	if a.db != nil {
		saved, err := a.db.LoadResults(ctx)
		if err != nil {
			logging.Exception(a.logger, err, "load saved results failed")
		}
		for _, r := range saved {
			a.queue.Add(r)
		}
		if len(saved) > 0 {
			a.logger.WithField("results", len(saved)).Info("loaded saved results")
		}
	}

	if runtime.ListenAddr != "" {
		ln, err := net.Listen("tcp", runtime.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", runtime.ListenAddr, err)
		}
		srv := &http.Server{Handler: a.hub.Handler(), ReadHeaderTimeout: 10 * time.Second}
		a.listener = ln
		a.server = srv
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.WithError(err).Error("local listener failed")
			}
		}()
		a.logger.WithField("addr", ln.Addr().String()).Info("local listener started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.dispatcher.Start(runCtx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sender.Run(runCtx)
	}()

	if err := a.RefreshRoutes(ctx); err != nil {
		a.logger.WithError(err).Warn("initial refresh of response uris failed")
	}
	a.announce()

	if err := a.scheduler.Start(); err != nil {
		a.dispatcher.Stop()
		cancel()
		a.wg.Wait()
		return err
	}
	a.started = true
	a.logger.WithField("agent_id", a.cfg.AgentID()).Info("agent started")
	return nil
}

// Stop halts check-in first so no new operations arrive, then drains the
// rest. Savable results still pending are written to the local database.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true

	var result *multierror.Error
	if a.started {
		if err := a.scheduler.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
		a.dispatcher.Stop()
		a.cancel()
		a.wg.Wait()
		a.started = false
	}

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.server.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("shutdown local listener: %w", err))
		}
		cancel()
		a.server = nil
		a.listener = nil
	}

	if err := a.saveResults(); err != nil {
		result = multierror.Append(result, err)
	}
	// store and db are set once in New and never cleared, so goroutines that
	// outlive Stop see a closed store rather than a nil one.
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close agent database: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close store: %w", err))
	}
	a.logger.Info("agent stopped")
	return result.ErrorOrNil()
}

// ProcessServerMessage decodes a server message and hands each operation it
// carries to the dispatcher. It never waits for an operation to run.
func (a *Agent) ProcessServerMessage(message map[string]any) error {
	// A route table sent as a list is applied inline rather than queued.
	if opType, _ := message[protocol.KeyOperation].(string); opType == string(protocol.RefreshResponseURIs) {
		if _, isList := message[protocol.KeyData].([]any); isList {
			return a.applyRoutes(context.Background(), message)
		}
	}

	env, err := protocol.FromMap(message)
	if err != nil {
		logging.Exception(a.logger, err, "could not decode server message")
		return err
	}

	var errs *multierror.Error
	for _, entry := range env.Expand() {
		a.hub.Publish(ws.DirectionReceived, entry)
		op, err := operation.NewFromEnvelope(entry)
		if err != nil {
			a.logger.WithError(err).Error("failed to create operation from message")
			errs = multierror.Append(errs, err)
			continue
		}
		if err := a.dispatcher.Dispatch(op); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// RefreshRoutes asks the server for the current route table and applies it.
func (a *Agent) RefreshRoutes(ctx context.Context) error {
	body, err := protocol.Encode(protocol.RefreshResponseURIs, "", a.cfg.AgentID(), "", nil)
	if err != nil {
		return err
	}
	sent, response, err := a.transport.SendForOperationType(ctx, body, protocol.RefreshResponseURIs)
	if err != nil {
		return err
	}
	if !sent {
		return errors.New("server did not accept the refresh request")
	}
	return a.applyRoutes(ctx, response)
}

func (a *Agent) applyRoutes(ctx context.Context, response map[string]any) error {
	payload := response
	if inner, ok := response[protocol.KeyData].(map[string]any); ok && len(inner) > 0 {
		payload = inner
	}
	entries, err := router.ParseRefresh(payload)
	if err != nil {
		return err
	}
	if err := a.routes.Replace(entries); err != nil {
		return err
	}
	a.logger.WithField("routes", len(entries)).Info("response uris refreshed")
	if err := a.persistRoutes(ctx); err != nil {
		logging.Exception(a.logger, err, "failed to persist response uris")
	}
	return nil
}

func (a *Agent) persistRoutes(ctx context.Context) error {
	return a.routes.Persist(ctx, a.store)
}

// announce queues the startup report, or new_agent when the agent has no id.
func (a *Agent) announce() {
	cfg := a.cfg.Config()
	opType := protocol.Startup
	if cfg.Identity.AgentID == "" {
		opType = protocol.NewAgent
	}
	op := operation.NewSelfOriginated(opType, "", nil)
	op.Result = map[string]any{
		"views":       cfg.Identity.Views,
		"tags":        cfg.Identity.Tags,
		"name":        cfg.Info.Name,
		"version":     cfg.Info.Version,
		"description": cfg.Info.Description,
	}
	r := operation.NewResult(op, true)
	// Eligible on the first sender pass.
	r.WaitUntil--
	a.queue.Add(r)
}

func (a *Agent) saveResults() error {
	pending := a.queue.Drain()
	if a.db == nil || len(pending) == 0 {
		return nil
	}
	var savable []*operation.ResultOperation
	for _, r := range pending {
		if r.IsSavable(a.policy) {
			savable = append(savable, r)
		}
	}
	if len(savable) == 0 {
		a.logger.WithField("results", len(pending)).Info("discarding unsaved results on shutdown")
		return nil
	}
	if err := a.db.SaveResults(context.Background(), savable); err != nil {
		return fmt.Errorf("save pending results: %w", err)
	}
	a.logger.WithFields(log.Fields{"saved": len(savable), "discarded": len(pending) - len(savable)}).Info("saved pending results")
	return nil
}

// publishingTransport mirrors every exchange with the server to the local
// event feed.
type publishingTransport struct {
	inner *transport.Transport
	hub   *ws.Hub
}

func (p *publishingTransport) SendForOperationType(ctx context.Context, body string, opType protocol.OperationType) (bool, map[string]any, error) {
	sent, response, err := p.inner.SendForOperationType(ctx, body, opType)
	if sent {
		p.hub.PublishRaw(ws.DirectionSent, body)
	}
	return sent, response, err
}
