// Package dispatch hands decoded operations to the handler registered for
// their plugin and turns finished operations into results.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/HsiangNianian/AMonItor/rvagent/internal/metrics"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/operation"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/protocol"
)

// CoreName is the reserved handler name for operations without a plugin.
const CoreName = "core"

var (
	ErrQueueFull = errors.New("dispatch queue is full")
	ErrStopped   = errors.New("dispatcher stopped")
	// ErrNoResult tells the dispatcher the operation needs no result.
	ErrNoResult = errors.New("operation produces no result")
)

type Handler interface {
	Handle(ctx context.Context, op *operation.Operation) error
}

type HandlerFunc func(ctx context.Context, op *operation.Operation) error

func (f HandlerFunc) Handle(ctx context.Context, op *operation.Operation) error {
	return f(ctx, op)
}

// DispatchError reports an operation naming a plugin nobody registered.
type DispatchError struct {
	Plugin    string
	Operation string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("unknown plugin %q for operation %s", e.Plugin, e.Operation)
}

type ResultSink interface {
	Add(r *operation.ResultOperation)
}

// DedupeStore claims server operation ids so each runs once.
type DedupeStore interface {
	ClaimProcessed(ctx context.Context, operationID string, ttl time.Duration) (bool, error)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		name = CoreName
	}
	if h == nil {
		return fmt.Errorf("register %s: nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("register %s: handler already registered", name)
	}
	r.handlers[name] = h
	return nil
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	if name == "" {
		name = CoreName
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

type Options struct {
	Workers   int
	QueueSize int
	// Retry is the retry flag given to every result produced.
	Retry     bool
	DedupeTTL time.Duration
	Store     DedupeStore
	Logger    log.FieldLogger
}

type job struct {
	op      *operation.Operation
	handler Handler
}

type Dispatcher struct {
	registry *Registry
	sink     ResultSink
	opts     Options
	queue    chan job

	startOnce sync.Once
	stopped   atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(registry *Registry, sink ResultSink, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Dispatcher{
		registry: registry,
		sink:     sink,
		opts:     opts,
		queue:    make(chan job, opts.QueueSize),
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		ctx, d.cancel = context.WithCancel(ctx)
		for i := 0; i < d.opts.Workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx)
		}
	})
}

// Stop waits for running handlers. Queued operations that never started are
// logged and dropped.
func (d *Dispatcher) Stop() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	for {
		select {
		case j := <-d.queue:
			d.opts.Logger.WithField("operation", j.op.Describe()).Warn("dropping queued operation on shutdown")
		default:
			return
		}
	}
}

// Dispatch queues op for its handler without blocking.
func (d *Dispatcher) Dispatch(op *operation.Operation) error {
	if d.stopped.Load() {
		return ErrStopped
	}
	h, ok := d.registry.Lookup(op.Plugin)
	if !ok {
		err := &DispatchError{Plugin: op.Plugin, Operation: op.Describe()}
		d.opts.Logger.WithError(err).Error("failed to dispatch operation")
		return err
	}
	select {
	case d.queue <- job{op: op, handler: h}:
		plugin := op.Plugin
		if plugin == "" {
			plugin = CoreName
		}
		metrics.OperationsReceived.WithLabelValues(plugin).Inc()
		return nil
	default:
		d.opts.Logger.WithField("operation", op.Describe()).Error("dispatch queue is full")
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.run(ctx, j)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, j job) {
	op := j.op
	logger := d.opts.Logger.WithField("operation", op.Describe())

	// The id is claimed before the handler runs, so a copy redelivered while
	// the first is still running is skipped too.
	if !operation.IsSelfAssigned(op.ID) && d.opts.Store != nil {
		first, err := d.opts.Store.ClaimProcessed(ctx, op.ID, d.opts.DedupeTTL)
		if err != nil {
			logger.WithError(err).Warn("dedupe claim failed, running operation anyway")
		} else if !first {
			logger.Info("operation already processed, skipping")
			return
		}
	}

	err := j.handler.Handle(ctx, op)
	switch {
	case errors.Is(err, ErrNoResult):
		logger.Debug("operation finished without result")
		return
	case err != nil:
		logger.WithError(err).Error("operation failed")
		op.Result = map[string]any{
			protocol.KeySuccess: false,
			protocol.KeyMessage: err.Error(),
		}
	case op.Result == nil:
		op.Result = map[string]any{protocol.KeySuccess: true}
	}
	logger.Debug("operation finished")
	d.sink.Add(operation.NewResult(op, d.opts.Retry))
}
