package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstakhov/wbsync/internal/domain"
)

type blockingRunner struct {
	mu      sync.Mutex
	runs    []string
	release chan struct{}
	started chan string
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		release: make(chan struct{}),
		started: make(chan string, 16),
	}
}

func (r *blockingRunner) RunSync(ctx context.Context, tenantID string, trigger domain.SyncTrigger) *domain.SyncLog {
	r.mu.Lock()
	r.runs = append(r.runs, tenantID)
	r.mu.Unlock()
	r.started <- tenantID

	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return &domain.SyncLog{TenantID: tenantID, Status: domain.SyncSuccess}
}

func (r *blockingRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

type staticTenants struct {
	tenants []*domain.Tenant
}

func (s *staticTenants) ListActive(context.Context) ([]*domain.Tenant, error) {
	return s.tenants, nil
}

func newTestScheduler(runner SyncRunner, tenants TenantLister, cfg Config) *Scheduler {
	if cfg.CronSpec == "" {
		// A sweep that effectively never fires during a test.
		cfg.CronSpec = "1 0 1 1 *"
	}
	return New(runner, tenants, cfg, zerolog.Nop())
}

func TestTrigger_RunsJob(t *testing.T) {
	runner := newBlockingRunner()
	close(runner.release)

	s := newTestScheduler(runner, &staticTenants{}, Config{Workers: 1, QueueSize: 4})
	require.NoError(t, s.Start())
	defer s.Stop()

	require.NoError(t, s.Trigger("t1", domain.TriggerManual))

	select {
	case id := <-runner.started:
		assert.Equal(t, "t1", id)
	case <-time.After(time.Second):
		t.Fatal("job never started")
	}
}

func TestTrigger_TenantBusyRejected(t *testing.T) {
	runner := newBlockingRunner()

	s := newTestScheduler(runner, &staticTenants{}, Config{Workers: 1, QueueSize: 4})
	require.NoError(t, s.Start())
	defer func() {
		close(runner.release)
		s.Stop()
	}()

	require.NoError(t, s.Trigger("t1", domain.TriggerManual))
	<-runner.started

	assert.ErrorIs(t, s.Trigger("t1", domain.TriggerManual), ErrTenantBusy)

	// A different tenant is still accepted.
	assert.NoError(t, s.Trigger("t2", domain.TriggerManual))
}

func TestTrigger_QueueFullRejected(t *testing.T) {
	runner := newBlockingRunner()

	s := newTestScheduler(runner, &staticTenants{}, Config{Workers: 1, QueueSize: 1})
	require.NoError(t, s.Start())
	defer func() {
		close(runner.release)
		s.Stop()
	}()

	// Occupy the single worker, then fill the single queue slot.
	require.NoError(t, s.Trigger("t1", domain.TriggerManual))
	<-runner.started
	require.NoError(t, s.Trigger("t2", domain.TriggerManual))

	err := s.Trigger("t3", domain.TriggerManual)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestDispatchDue_EnqueuesActiveTenants(t *testing.T) {
	runner := newBlockingRunner()
	close(runner.release)

	tenants := &staticTenants{tenants: []*domain.Tenant{
		{ID: "t1", SyncInterval: 24 * time.Hour},
		{ID: "t2", SyncInterval: 24 * time.Hour},
	}}

	s := newTestScheduler(runner, tenants, Config{Workers: 2, QueueSize: 8})
	s.cfg.Jitter = 0
	require.NoError(t, s.Start())
	defer s.Stop()

	s.dispatchDue(context.Background())

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-runner.started:
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatal("expected two dispatches")
		}
	}
	assert.True(t, seen["t1"])
	assert.True(t, seen["t2"])
}

func TestDispatchDue_HonorsCadence(t *testing.T) {
	runner := newBlockingRunner()
	close(runner.release)

	tenants := &staticTenants{tenants: []*domain.Tenant{
		{ID: "t1", SyncInterval: 24 * time.Hour},
	}}

	s := newTestScheduler(runner, tenants, Config{Workers: 1, QueueSize: 8})
	s.cfg.Jitter = 0
	require.NoError(t, s.Start())
	defer s.Stop()

	s.dispatchDue(context.Background())
	<-runner.started

	// Wait for the slot to free, then sweep again: cadence not yet elapsed.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.busy["t1"]
	}, time.Second, 10*time.Millisecond)

	s.dispatchDue(context.Background())

	select {
	case <-runner.started:
		t.Fatal("tenant dispatched before its cadence elapsed")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, runner.runCount())
}

func TestDispatchDue_RejectedTenantStaysDue(t *testing.T) {
	runner := newBlockingRunner()

	tenants := &staticTenants{tenants: []*domain.Tenant{
		{ID: "t1", SyncInterval: 24 * time.Hour},
	}}

	s := newTestScheduler(runner, tenants, Config{Workers: 1, QueueSize: 1})
	s.cfg.Jitter = 0
	require.NoError(t, s.Start())
	defer func() {
		close(runner.release)
		s.Stop()
	}()

	// Occupy the worker and fill the queue so the scheduled dispatch bounces.
	require.NoError(t, s.Trigger("blocker-1", domain.TriggerManual))
	<-runner.started
	require.NoError(t, s.Trigger("blocker-2", domain.TriggerManual))

	require.ErrorIs(t, s.enqueue("t1", domain.TriggerScheduled), ErrQueueFull)

	// The rejection frees the slot and leaves the cadence clock untouched,
	// so the next sweep still sees the tenant as due.
	s.mu.Lock()
	busy := s.busy["t1"]
	_, stamped := s.lastRun["t1"]
	s.mu.Unlock()
	assert.False(t, busy)
	assert.False(t, stamped)
}

func TestTrigger_ManualRunKeepsCadenceClock(t *testing.T) {
	runner := newBlockingRunner()
	close(runner.release)

	s := newTestScheduler(runner, &staticTenants{}, Config{Workers: 1, QueueSize: 4})
	require.NoError(t, s.Start())
	defer s.Stop()

	require.NoError(t, s.Trigger("t1", domain.TriggerManual))
	<-runner.started

	s.mu.Lock()
	_, stamped := s.lastRun["t1"]
	s.mu.Unlock()
	assert.False(t, stamped, "manual triggers do not reset the scheduled cadence")
}

func TestStop_DrainsWorkers(t *testing.T) {
	runner := newBlockingRunner()
	close(runner.release)

	s := newTestScheduler(runner, &staticTenants{}, Config{Workers: 2, QueueSize: 4, DrainTimeout: time.Second})
	require.NoError(t, s.Start())

	require.NoError(t, s.Trigger("t1", domain.TriggerManual))
	<-runner.started

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestHardTimeout_CancelsRun(t *testing.T) {
	runner := newBlockingRunner() // never released: relies on ctx cancellation

	s := newTestScheduler(runner, &staticTenants{}, Config{
		Workers:     1,
		QueueSize:   4,
		HardTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	require.NoError(t, s.Trigger("t1", domain.TriggerManual))
	<-runner.started

	// The hard timeout frees the tenant slot without an explicit release.
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.busy["t1"]
	}, time.Second, 10*time.Millisecond)
}
