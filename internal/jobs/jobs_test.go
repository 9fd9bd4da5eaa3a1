package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firezone/firezone-sub015/internal/logging"
	"github.com/firezone/firezone-sub015/internal/metrics"
)

func init() {
	logging.Init(logging.Config{Level: logging.ErrorLevel, JSONOutput: true})
}

type countingJob struct {
	name    string
	runs    atomic.Int64
	inRun   atomic.Int64
	overlap atomic.Bool
	delay   time.Duration
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Execute(ctx context.Context) error {
	if j.inRun.Add(1) > 1 {
		j.overlap.Store(true)
	}
	defer j.inRun.Add(-1)
	if j.delay > 0 {
		select {
		case <-time.After(j.delay):
		case <-ctx.Done():
		}
	}
	j.runs.Add(1)
	return nil
}

type fakeLease struct {
	mu       sync.Mutex
	grants   []bool
	acquires int
	releases int
}

// acquire pops the next scripted grant, repeating the last one forever.
func (l *fakeLease) AcquireLeadership(ctx context.Context, jobKey, holderID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	if len(l.grants) == 0 {
		return false, nil
	}
	grant := l.grants[0]
	if len(l.grants) > 1 {
		l.grants = l.grants[1:]
	}
	return grant, nil
}

func (l *fakeLease) ReleaseLeadership(ctx context.Context, jobKey, holderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	return nil
}

func (l *fakeLease) counts() (acquires, releases int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquires, l.releases
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestConcurrentExecutorTicks(t *testing.T) {
	job := &countingJob{name: "ticker"}
	exec := NewConcurrentExecutor(job, Config{Interval: 5 * time.Millisecond}, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { exec.Run(ctx); close(done) }()

	eventually(t, func() bool { return job.runs.Load() >= 3 }, "job never ticked")
	cancel()
	<-done
	assert.False(t, job.overlap.Load())
}

func TestConcurrentExecutorTicksNeverOverlap(t *testing.T) {
	job := &countingJob{name: "slow", delay: 20 * time.Millisecond}
	exec := NewConcurrentExecutor(job, Config{Interval: time.Millisecond, InitialDelay: time.Millisecond}, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { exec.Run(ctx); close(done) }()

	eventually(t, func() bool { return job.runs.Load() >= 2 }, "job never ticked")
	cancel()
	<-done
	assert.False(t, job.overlap.Load(), "ticks overlapped")
}

func TestConfigZeroInitialDelayMeansImmediate(t *testing.T) {
	assert.Equal(t, time.Duration(0), Config{Interval: time.Hour}.initialDelay())
	assert.Equal(t, time.Minute, Config{Interval: time.Hour, InitialDelay: time.Minute}.initialDelay())
}

func TestConcurrentExecutorFirstTickIsImmediateByDefault(t *testing.T) {
	job := &countingJob{name: "eager"}
	exec := NewConcurrentExecutor(job, Config{Interval: time.Hour}, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { exec.Run(ctx); close(done) }()

	eventually(t, func() bool { return job.runs.Load() == 1 }, "first tick did not fire immediately")
	cancel()
	<-done
}

func TestConcurrentExecutorStopsOnCancel(t *testing.T) {
	job := &countingJob{name: "stoppable"}
	exec := NewConcurrentExecutor(job, Config{Interval: time.Hour, InitialDelay: time.Hour}, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { exec.Run(ctx); close(done) }()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("executor did not stop")
	}
	assert.Zero(t, job.runs.Load())
}

func TestGlobalExecutorLeaderTicks(t *testing.T) {
	job := &countingJob{name: "global"}
	lease := &fakeLease{grants: []bool{true}}
	exec := NewGlobalExecutor(job, Config{Interval: 5 * time.Millisecond, InitialDelay: time.Millisecond},
		lease, "holder-1", time.Hour, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { exec.Run(ctx); close(done) }()

	eventually(t, func() bool { return job.runs.Load() >= 2 }, "leader never ticked")
	cancel()
	<-done

	_, releases := lease.counts()
	assert.Equal(t, 1, releases, "lease not released on shutdown")
}

func TestGlobalExecutorFollowerNeverTicks(t *testing.T) {
	job := &countingJob{name: "global"}
	lease := &fakeLease{grants: []bool{false}}
	exec := NewGlobalExecutor(job, Config{Interval: time.Millisecond},
		lease, "holder-2", 10*time.Millisecond, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { exec.Run(ctx); close(done) }()

	eventually(t, func() bool { a, _ := lease.counts(); return a >= 3 }, "follower stopped polling")
	cancel()
	<-done
	assert.Zero(t, job.runs.Load(), "follower must not tick")
}

func TestGlobalExecutorStepsDownWhenRenewalDenied(t *testing.T) {
	job := &countingJob{name: "global"}
	// Granted once, then every renewal and re-election attempt is denied.
	lease := &fakeLease{grants: []bool{true, false}}
	exec := NewGlobalExecutor(job, Config{Interval: time.Hour, InitialDelay: time.Hour},
		lease, "holder-3", 15*time.Millisecond, metrics.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { exec.Run(ctx); close(done) }()

	// After losing the lease the executor goes back to polling for it.
	eventually(t, func() bool { a, _ := lease.counts(); return a >= 4 }, "leader never stepped down")
	cancel()
	<-done
	assert.Zero(t, job.runs.Load())
}

func TestCronGateRejectsInvalidSpec(t *testing.T) {
	_, err := NewCronGate(&countingJob{name: "cron"}, "not a cron spec")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse cron spec")
}

func TestCronGateFirstTickOnlyArms(t *testing.T) {
	job := &countingJob{name: "cron"}
	gate, err := NewCronGate(job, "0 0 * * *")
	require.NoError(t, err)

	require.NoError(t, gate.Execute(context.Background()))
	assert.Zero(t, job.runs.Load())
	assert.False(t, gate.next.IsZero())
}

func TestCronGateFiresAtBoundary(t *testing.T) {
	job := &countingJob{name: "cron"}
	gate, err := NewCronGate(job, "0 0 * * *")
	require.NoError(t, err)

	require.NoError(t, gate.Execute(context.Background()))

	// Before the boundary: no-op.
	require.NoError(t, gate.Execute(context.Background()))
	assert.Zero(t, job.runs.Load())

	// Past the boundary: fires once and re-arms.
	gate.next = time.Now().Add(-time.Minute)
	require.NoError(t, gate.Execute(context.Background()))
	assert.Equal(t, int64(1), job.runs.Load())
	assert.True(t, gate.next.After(time.Now()))

	require.NoError(t, gate.Execute(context.Background()))
	assert.Equal(t, int64(1), job.runs.Load(), "gate fired again before next boundary")
}

func TestCronGateKeepsCallbackName(t *testing.T) {
	gate, err := NewCronGate(&countingJob{name: "nightly"}, "30 2 * * *")
	require.NoError(t, err)
	assert.Equal(t, "nightly", gate.Name())
}
