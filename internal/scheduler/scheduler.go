// Package scheduler drives the periodic check-in with the server.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	log "github.com/sirupsen/logrus"

	"github.com/HsiangNianian/AMonItor/rvagent/internal/metrics"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/protocol"
	"github.com/HsiangNianian/AMonItor/rvagent/internal/transport"
)

const DefaultInterval = 60 * time.Second

type Sender interface {
	SendForOperationType(ctx context.Context, body string, opType protocol.OperationType) (bool, map[string]any, error)
}

// Handler receives a non-empty server response. It must not block.
type Handler func(response map[string]any)

type Config struct {
	Interval       time.Duration
	FireOnStart    bool
	AgentID        func() string
	Sender         Sender
	Handler        Handler
	OnRoutingError func(ctx context.Context, err *transport.RoutingError)
	Logger         log.FieldLogger
}

type Scheduler struct {
	cfg      Config
	enabled  atomic.Bool
	stopping atomic.Bool

	// checkInMu keeps a single check-in exchange in flight.
	checkInMu sync.Mutex

	mu     sync.Mutex
	cron   gocron.Scheduler
	cancel context.CancelFunc
}

func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.AgentID == nil {
		cfg.AgentID = func() string { return "" }
	}
	s := &Scheduler{cfg: cfg}
	s.enabled.Store(true)
	return s
}

func (s *Scheduler) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
}

func (s *Scheduler) Enabled() bool {
	return s.enabled.Load()
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create check-in scheduler failed: %w", err)
	}
	// Cancelled by Stop so a check-in waiting on the network ends with it.
	runCtx, cancel := context.WithCancel(context.Background())
	opts := []gocron.JobOption{
		gocron.WithName("check_in"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
	if s.cfg.FireOnStart {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}
	_, err = cron.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			s.CheckIn(runCtx)
		}),
		opts...,
	)
	if err != nil {
		cancel()
		_ = cron.Shutdown()
		return fmt.Errorf("create check-in job failed: %w", err)
	}

	s.stopping.Store(false)
	cron.Start()
	s.cron = cron
	s.cancel = cancel
	s.cfg.Logger.WithField("interval", s.cfg.Interval).Info("check-in scheduler started")
	return nil
}

// Stop returns once no further check-in can fire. A check-in already waiting
// on the network has its context cancelled and its response is discarded.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return nil
	}
	s.stopping.Store(true)
	s.cancel()
	err := s.cron.Shutdown()
	s.cron = nil
	s.cancel = nil
	s.cfg.Logger.Info("check-in scheduler stopped")
	if err != nil && !errors.Is(err, gocron.ErrStopJobsTimedOut) {
		return fmt.Errorf("stop check-in scheduler failed: %w", err)
	}
	return nil
}

// CheckIn performs one firing of the scheduler.
func (s *Scheduler) CheckIn(ctx context.Context) {
	if !s.enabled.Load() {
		metrics.CheckIns.WithLabelValues("disabled").Inc()
		s.cfg.Logger.Debug("check-in disabled, skipping")
		return
	}
	if !s.checkInMu.TryLock() {
		s.cfg.Logger.Debug("check-in already in flight, skipping")
		return
	}
	defer s.checkInMu.Unlock()

	logger := s.cfg.Logger.WithField("operation", protocol.CheckIn)
	body, err := protocol.Encode(protocol.CheckIn, "", s.cfg.AgentID(), "", nil)
	if err != nil {
		logger.WithError(err).Error("encode check-in failed")
		return
	}

	sent, response, err := s.cfg.Sender.SendForOperationType(ctx, body, protocol.CheckIn)
	var routingErr *transport.RoutingError
	if errors.As(err, &routingErr) {
		metrics.CheckIns.WithLabelValues("unroutable").Inc()
		if s.cfg.OnRoutingError != nil {
			s.cfg.OnRoutingError(ctx, routingErr)
		}
		return
	}
	if err != nil || !sent {
		metrics.CheckIns.WithLabelValues("failed").Inc()
		logger.Error("could not check-in to server, check agent and server logs for details")
		return
	}
	metrics.CheckIns.WithLabelValues("delivered").Inc()

	if len(response) == 0 {
		logger.Debug("check-in returned no operations")
		return
	}
	if s.stopping.Load() {
		logger.Debug("scheduler stopped, discarding check-in response")
		return
	}
	if s.cfg.Handler != nil {
		s.cfg.Handler(response)
	}
}
