package results

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/HsiangNianian/AMonItor/rvagent/internal/metrics"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/operation"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/protocol"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/store"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/transport"
)

const (
	DefaultInterval = 5 * time.Second
	StatusTTL       = 24 * time.Hour
)

type Transport interface {
	SendForOperationType(ctx context.Context, body string, opType protocol.OperationType) (bool, map[string]any, error)
}

type StatusStore interface {
	SetResultStatus(ctx context.Context, resultID, status string, ttl time.Duration) error
}

type SenderConfig struct {
	Queue     *Queue
	Transport Transport
	AgentID   func() string
	Status    StatusStore
	Interval  time.Duration
	// Parallel bounds concurrent deliveries in one pass.
	Parallel int
	Logger   log.FieldLogger
}

type Sender struct {
	cfg SenderConfig
}

func NewSender(cfg SenderConfig) *Sender {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 4
	}
	if cfg.AgentID == nil {
		cfg.AgentID = func() string { return "" }
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	return &Sender{cfg: cfg}
}

// Run sends eligible results every interval until ctx is done.
func (s *Sender) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush makes one delivery pass and returns how many results were delivered.
func (s *Sender) Flush(ctx context.Context) int {
	ready := s.cfg.Queue.Claim()
	if len(ready) == 0 {
		return 0
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	sem := make(chan struct{}, s.cfg.Parallel)
	for _, r := range ready {
		wg.Add(1)
		sem <- struct{}{}
		go func(r *operation.ResultOperation) {
			defer func() {
				<-sem
				wg.Done()
			}()
			if s.deliver(ctx, r) {
				mu.Lock()
				delivered++
				mu.Unlock()
			}
		}(r)
	}
	wg.Wait()
	return delivered
}

func (s *Sender) deliver(ctx context.Context, r *operation.ResultOperation) bool {
	logger := s.cfg.Logger.WithField("result", r.Describe())

	body, err := r.Encode(s.cfg.AgentID())
	if err != nil {
		logger.WithError(err).Error("encode result failed, dropping")
		s.finish(ctx, r, store.StatusDropped)
		return false
	}

	sent, _, err := s.cfg.Transport.SendForOperationType(ctx, body, r.Type)
	var routingErr *transport.RoutingError
	switch {
	case errors.As(err, &routingErr):
		logger.WithError(err).Warn("result has no route")
	case err != nil:
		logger.WithError(err).Warn("result delivery failed")
	case sent:
		logger.Debug("result delivered")
		metrics.Results.WithLabelValues("delivered").Inc()
		s.finish(ctx, r, store.StatusDelivered)
		return true
	}

	if r.Retry {
		r.Delay(operation.DefaultDelay)
		s.cfg.Queue.Requeue(r)
		metrics.Results.WithLabelValues("retried").Inc()
		logger.WithField("wait_until", r.WaitUntil).Info("result requeued")
		return false
	}
	logger.Warn("result not delivered and not retryable, dropping")
	metrics.Results.WithLabelValues("dropped").Inc()
	s.finish(ctx, r, store.StatusDropped)
	return false
}

func (s *Sender) finish(ctx context.Context, r *operation.ResultOperation, status string) {
	if s.cfg.Status == nil {
		return
	}
	if err := s.cfg.Status.SetResultStatus(ctx, r.ID, status, StatusTTL); err != nil {
		s.cfg.Logger.WithError(err).WithField("result", r.Describe()).Warn("record result status failed")
	}
}
