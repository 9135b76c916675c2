package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// runPool starts p in the background and returns a stop func that cancels it and
// waits for Run to return.
func runPool(t *testing.T, p *Pool) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-errCh:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("pool did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestPool_NeverExceedsCap(t *testing.T) {
	var current, peak atomic.Int64
	release := make(chan struct{})

	p := New(Config{Size: 3, Tick: 5 * time.Millisecond}, func(ctx context.Context) error {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	stop := runPool(t, p)

	require.Eventually(t, func() bool { return p.Active() == 3 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond) // several ticks with every slot busy
	assert.Equal(t, int64(3), p.Stats().Launched)

	close(release)
	require.Eventually(t, func() bool { return p.Stats().Completed >= 20 }, 2*time.Second, time.Millisecond)
	stop()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Zero(t, p.Active())
}

func TestPool_RefillsOnCompletionWithoutTick(t *testing.T) {
	var runs atomic.Int64
	p := New(Config{Size: 2, Tick: time.Hour}, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	stop := runPool(t, p)

	require.Eventually(t, func() bool { return runs.Load() >= 50 }, 2*time.Second, time.Millisecond,
		"completions must trigger an immediate top-up")
	stop()

	st := p.Stats()
	assert.Equal(t, st.Launched, st.Completed)
	assert.Zero(t, st.Failed)
}

func TestPool_ErrorsAndPanicsCountAsCompletions(t *testing.T) {
	var n atomic.Int64
	p := New(Config{Size: 2, Tick: time.Millisecond}, func(context.Context) error {
		switch n.Add(1) % 3 {
		case 0:
			panic("driver exploded")
		case 1:
			return errors.New("click failed")
		}
		return nil
	})
	stop := runPool(t, p)

	require.Eventually(t, func() bool { return p.Stats().Completed >= 30 }, 2*time.Second, time.Millisecond)
	stop()

	st := p.Stats()
	assert.Equal(t, st.Launched, st.Completed)
	assert.Positive(t, st.Failed)
	assert.Positive(t, st.Panicked)
	assert.LessOrEqual(t, st.Failed+st.Panicked, st.Completed)
}

func TestPool_FailuresWaitForTick(t *testing.T) {
	var runs atomic.Int64
	p := New(Config{Size: 2, Tick: 40 * time.Millisecond}, func(context.Context) error {
		runs.Add(1)
		return errors.New("browser is gone")
	})
	stop := runPool(t, p)

	time.Sleep(200 * time.Millisecond)
	stop()

	// 2 initial launches plus at most 2 per tick; a busy loop would run thousands.
	assert.GreaterOrEqual(t, runs.Load(), int64(2))
	assert.LessOrEqual(t, runs.Load(), int64(20))
	st := p.Stats()
	assert.Equal(t, st.Launched, st.Failed)
}

func TestPool_ShutdownWaitsForJobs(t *testing.T) {
	var finished atomic.Int64
	p := New(Config{Size: 4, Tick: time.Millisecond}, func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond) // teardown after cancellation
		finished.Add(1)
		return ctx.Err()
	})
	stop := runPool(t, p)

	require.Eventually(t, func() bool { return p.Active() == 4 }, time.Second, time.Millisecond)
	stop()

	assert.Equal(t, int64(4), finished.Load())
	assert.Zero(t, p.Active())
	assert.Equal(t, int64(4), p.Stats().Launched, "nothing launches after cancellation")
}

func TestPool_RunTwice(t *testing.T) {
	block := make(chan struct{})
	p := New(Config{Size: 1, Tick: time.Hour}, func(ctx context.Context) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})
	stop := runPool(t, p)
	require.Eventually(t, func() bool { return p.Active() == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, p.Run(context.Background()), ErrRunning)
	close(block)
	stop()
}

func TestPool_CancelledBeforeRun(t *testing.T) {
	var runs atomic.Int64
	p := New(Config{}, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Run(ctx))
	assert.Zero(t, runs.Load())
	assert.Equal(t, DefaultConfig().Size, p.cfg.Size)
	assert.Equal(t, time.Second, p.cfg.Tick)
}
