// ABOUTME: Tests for the grace expiry sweeper loop and its statistics
// ABOUTME: Uses a scripted processor instead of a real engine

package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProcessor struct {
	mu      sync.Mutex
	calls   int
	results []int
	errs    []error
}

func (p *scriptedProcessor) ProcessGraceExpiry(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	var (
		n   int
		err error
	)
	if i < len(p.results) {
		n = p.results[i]
	}
	if i < len(p.errs) {
		err = p.errs[i]
	}
	return n, err
}

func (p *scriptedProcessor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunOnce_AccumulatesStats(t *testing.T) {
	boom := errors.New("database is locked")
	p := &scriptedProcessor{
		results: []int{2, 0, 0, 3},
		errs:    []error{nil, boom, boom, nil},
	}
	s := New(p, time.Hour, quietLogger())

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)
	_, err = s.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)

	stats := s.Stats()
	assert.Equal(t, 3, stats.Runs)
	assert.Equal(t, 2, stats.ConsecutiveFailures)
	assert.Equal(t, "database is locked", stats.LastError)
	assert.True(t, s.Healthy(3))
	assert.False(t, s.Healthy(2))
	assert.True(t, s.Healthy(0), "check disabled")

	n, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stats = s.Stats()
	assert.Equal(t, 4, stats.Runs)
	assert.Equal(t, 5, stats.Reclaimed)
	assert.Zero(t, stats.ConsecutiveFailures)
	assert.Empty(t, stats.LastError)
	assert.True(t, s.Healthy(1))
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	p := &scriptedProcessor{}
	s := New(p, 10*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return p.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_DefaultInterval(t *testing.T) {
	s := New(&scriptedProcessor{}, 0, nil)
	assert.Equal(t, DefaultInterval, s.Interval())
}
