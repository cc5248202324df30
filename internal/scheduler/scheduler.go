// Package scheduler dispatches sync jobs: a cron-driven periodic sweep, an
// on-demand trigger, a bounded queue with rejection on overflow, and a worker
// pool holding at most one in-flight job per tenant.
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/mstakhov/wbsync/internal/domain"
)

// Enqueue outcomes surfaced to callers; both the cron sweep and the HTTP
// trigger must tolerate them.
var (
	ErrQueueFull  = errors.New("dispatch queue is full")
	ErrTenantBusy = errors.New("tenant already has a sync in flight")
)

const (
	// DefaultCronSpec fires at minute one of every hour; the sweep itself
	// decides which tenants are due, so daily tenants run at 00:01.
	DefaultCronSpec = "1 * * * *"

	DefaultQueueSize    = 64
	DefaultJitter       = 5 * time.Minute
	DefaultHardTimeout  = 10 * time.Minute
	DefaultDrainTimeout = 30 * time.Second
)

// SyncRunner executes one sync cycle. The orchestrator implements this.
type SyncRunner interface {
	RunSync(ctx context.Context, tenantID string, trigger domain.SyncTrigger) *domain.SyncLog
}

// TenantLister yields the tenants eligible for scheduling.
type TenantLister interface {
	ListActive(ctx context.Context) ([]*domain.Tenant, error)
}

// Config holds scheduler tuning. Zero values take defaults.
type Config struct {
	CronSpec     string
	QueueSize    int
	Workers      int
	Jitter       time.Duration
	HardTimeout  time.Duration
	DrainTimeout time.Duration
}

// Scheduler owns the dispatch queue and worker pool.
type Scheduler struct {
	runner  SyncRunner
	tenants TenantLister
	cfg     Config

	queue chan domain.SyncJob
	cron  *cron.Cron

	mu      sync.Mutex
	busy    map[string]bool      // tenants queued or running
	lastRun map[string]time.Time // last enqueue per tenant

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
	log     zerolog.Logger
}

// New creates a scheduler.
func New(runner SyncRunner, tenants TenantLister, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.CronSpec == "" {
		cfg.CronSpec = DefaultCronSpec
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = DefaultJitter
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = DefaultHardTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	return &Scheduler{
		runner:  runner,
		tenants: tenants,
		cfg:     cfg,
		queue:   make(chan domain.SyncJob, cfg.QueueSize),
		busy:    make(map[string]bool),
		lastRun: make(map[string]time.Time),
		stop:    make(chan struct{}),
		log:     log.With().Str("component", "scheduler").Logger(),
	}
}

// Start launches the worker pool and the cron sweep.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.CronSpec, s.sweep); err != nil {
		return err
	}
	s.cron.Start()

	s.log.Info().
		Int("workers", s.cfg.Workers).
		Int("queue_size", s.cfg.QueueSize).
		Str("cron", s.cfg.CronSpec).
		Msg("Scheduler started")
	return nil
}

// Stop shuts the scheduler down: no new dispatches, then a bounded drain of
// in-flight work. Jobs still running at the deadline are cancelled and finish
// as failed(cancelled) through the orchestrator's context handling.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	close(s.stop)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("Scheduler drained cleanly")
	case <-time.After(s.cfg.DrainTimeout):
		s.log.Warn().Dur("timeout", s.cfg.DrainTimeout).Msg("Scheduler drain timed out, in-flight jobs cancelled")
	}
}

// Trigger enqueues an on-demand sync for one tenant.
func (s *Scheduler) Trigger(tenantID string, trigger domain.SyncTrigger) error {
	return s.enqueue(tenantID, trigger)
}

// sweep enqueues every active tenant whose cadence has elapsed, spreading
// dispatches over the jitter window to avoid stampedes.
func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.dispatchDue(ctx)
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	tenants, err := s.tenants.ListActive(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list tenants for scheduling sweep")
		return
	}

	now := time.Now()
	due := 0
	for _, t := range tenants {
		interval := t.SyncInterval
		if interval <= 0 {
			interval = 24 * time.Hour
		}

		s.mu.Lock()
		last, ok := s.lastRun[t.ID]
		s.mu.Unlock()
		if ok && now.Sub(last) < interval-time.Minute {
			continue
		}

		due++
		tenantID := t.ID
		delay := time.Duration(0)
		if s.cfg.Jitter > 0 {
			delay = time.Duration(rand.Int63n(int64(s.cfg.Jitter)))
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case <-s.stop:
				return
			case <-time.After(delay):
			}
			if err := s.enqueue(tenantID, domain.TriggerScheduled); err != nil {
				s.log.Warn().Err(err).Str("tenant", tenantID).Msg("Scheduled dispatch rejected")
			}
		}()
	}

	if due > 0 {
		s.log.Info().Int("due", due).Int("active", len(tenants)).Msg("Scheduling sweep dispatched")
	}
}

// enqueue reserves the per-tenant slot and pushes the job, rejecting when the
// tenant is busy or the queue is full.
func (s *Scheduler) enqueue(tenantID string, trigger domain.SyncTrigger) error {
	s.mu.Lock()
	if s.busy[tenantID] {
		s.mu.Unlock()
		return ErrTenantBusy
	}
	s.busy[tenantID] = true
	s.mu.Unlock()

	job := domain.SyncJob{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Trigger:    trigger,
		EnqueuedAt: time.Now(),
	}

	select {
	case s.queue <- job:
		// Only an accepted scheduled dispatch advances the cadence clock;
		// rejections and manual triggers leave the tenant due for the
		// next sweep.
		if trigger == domain.TriggerScheduled {
			s.mu.Lock()
			s.lastRun[tenantID] = time.Now()
			s.mu.Unlock()
		}
		s.log.Debug().Str("tenant", tenantID).Str("trigger", string(trigger)).Msg("Sync job enqueued")
		return nil
	default:
		s.release(tenantID)
		s.log.Warn().Str("tenant", tenantID).Msg("Dispatch queue full, job rejected")
		return ErrQueueFull
	}
}

func (s *Scheduler) release(tenantID string) {
	s.mu.Lock()
	delete(s.busy, tenantID)
	s.mu.Unlock()
}

// worker consumes jobs until shutdown. Each job runs under the hard timeout.
func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	workerLog := s.log.With().Int("worker", id).Logger()

	for {
		select {
		case <-s.stop:
			return
		case job := <-s.queue:
			s.runJob(job, workerLog)
		}
	}
}

func (s *Scheduler) runJob(job domain.SyncJob, workerLog zerolog.Logger) {
	defer s.release(job.TenantID)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HardTimeout)
	defer cancel()

	// Shutdown cancels in-flight jobs once the drain window closes.
	go func() {
		select {
		case <-s.stop:
			time.Sleep(s.cfg.DrainTimeout)
			cancel()
		case <-ctx.Done():
		}
	}()

	workerLog.Debug().
		Str("tenant", job.TenantID).
		Dur("queued", time.Since(job.EnqueuedAt)).
		Msg("Sync job started")

	sl := s.runner.RunSync(ctx, job.TenantID, job.Trigger)

	workerLog.Debug().
		Str("tenant", job.TenantID).
		Str("status", string(sl.Status)).
		Msg("Sync job finished")
}
