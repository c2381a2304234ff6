package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Pruner deletes records older than a cutoff.
type Pruner interface {
	PruneInteractions(ctx context.Context, cutoff time.Time) (int64, error)
	PruneGroupMessages(ctx context.Context, cutoff time.Time) (int64, error)
}

type Retention struct {
	Interactions  time.Duration
	GroupMessages time.Duration
}

type Report struct {
	Interactions  int64 `json:"interactions"`
	GroupMessages int64 `json:"group_messages"`
}

// Scheduler runs the retention jobs on a cron schedule. A run that is still
// in flight when the next tick fires is skipped.
type Scheduler struct {
	cron      *cron.Cron
	pruner    Pruner
	retention Retention
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight bool
	last     Report
	runs     int
}

func NewScheduler(pruner Pruner, retention Retention, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:      cron.New(),
		pruner:    pruner,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Scheduler) Register(spec string) error {
	if _, err := s.cron.AddFunc(spec, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.logger.Error("maintenance run failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	return nil
}

// Run starts the cron loop and blocks until ctx is done, then waits for a
// running job to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// RunOnce prunes both tables. A zero retention disables that table's job.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	s.mu.Lock()
	if s.inflight {
		s.mu.Unlock()
		s.logger.Debug("maintenance already running, skipped")
		return Report{}, nil
	}
	s.inflight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight = false
		s.mu.Unlock()
	}()

	now := s.now().UTC()
	var rep Report
	if s.retention.Interactions > 0 {
		n, err := s.pruner.PruneInteractions(ctx, now.Add(-s.retention.Interactions))
		if err != nil {
			return rep, err
		}
		rep.Interactions = n
	}
	if s.retention.GroupMessages > 0 {
		n, err := s.pruner.PruneGroupMessages(ctx, now.Add(-s.retention.GroupMessages))
		if err != nil {
			return rep, err
		}
		rep.GroupMessages = n
	}

	s.mu.Lock()
	s.last = rep
	s.runs++
	s.mu.Unlock()
	s.logger.Info("maintenance run complete",
		zap.Int64("interactions_pruned", rep.Interactions),
		zap.Int64("group_messages_pruned", rep.GroupMessages))
	return rep, nil
}

// Last returns the report of the latest completed run and the run count.
func (s *Scheduler) Last() (Report, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.runs
}
