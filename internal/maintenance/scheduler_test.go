package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePruner struct {
	mu       sync.Mutex
	cutoffs  []time.Time
	block    chan struct{}
	entered  chan struct{}
	failWith error
}

func (f *fakePruner) PruneInteractions(_ context.Context, cutoff time.Time) (int64, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 3, f.failWith
}

func (f *fakePruner) PruneGroupMessages(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 5, nil
}

func TestRunOnceUsesRetention(t *testing.T) {
	p := &fakePruner{}
	s := NewScheduler(p, Retention{Interactions: time.Hour, GroupMessages: 2 * time.Hour}, nil)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Interactions: 3, GroupMessages: 5}, rep)
	assert.Equal(t, []time.Time{now.Add(-time.Hour), now.Add(-2 * time.Hour)}, p.cutoffs)

	last, runs := s.Last()
	assert.Equal(t, rep, last)
	assert.Equal(t, 1, runs)
}

func TestZeroRetentionSkipsTable(t *testing.T) {
	p := &fakePruner{}
	s := NewScheduler(p, Retention{GroupMessages: time.Hour}, nil)
	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Interactions)
	assert.Len(t, p.cutoffs, 1)
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	p := &fakePruner{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := NewScheduler(p, Retention{Interactions: time.Hour}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.RunOnce(context.Background())
	}()
	<-p.entered

	rep, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)

	close(p.block)
	<-done
	_, runs := s.Last()
	assert.Equal(t, 1, runs)
}

func TestRunOnceReturnsPrunerError(t *testing.T) {
	s := NewScheduler(&fakePruner{failWith: errors.New("disk full")}, Retention{Interactions: time.Hour}, nil)
	_, err := s.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRegisterAndRun(t *testing.T) {
	s := NewScheduler(&fakePruner{}, Retention{}, nil)
	assert.Error(t, s.Register("not a schedule"))
	require.NoError(t, s.Register("@every 1h"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
