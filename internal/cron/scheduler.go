package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/example/harvest/api-go/internal/bundle"
	"github.com/example/harvest/api-go/internal/model"
)

// ErrTickSkipped is returned by Tick when another tick is still submitting.
var ErrTickSkipped = errors.New("tick skipped: previous tick still running")

// Lister finds bundle keys that are due for a build.
type Lister interface {
	ListByStatus(ctx context.Context, statuses ...model.BundleStatus) ([]model.BundleKey, error)
	ListStalerThan(ctx context.Context, cutoff time.Time) ([]model.BundleKey, error)
}

// Submitter starts builds without waiting for them.
type Submitter interface {
	Submit(key model.BundleKey, trigger model.Trigger) *bundle.Pending
}

// Scheduler periodically submits due bundles for building.
type Scheduler struct {
	Store      Lister
	Bundler    Submitter
	Interval   time.Duration
	StaleAfter time.Duration
	Logger     *slog.Logger
	Now        func() time.Time

	ticking atomic.Bool
}

// TickReport describes what one tick submitted.
type TickReport struct {
	Due     []model.BundleKey
	Pending []*bundle.Pending
}

// Wait blocks until every build submitted by the tick has ended or ctx is
// done, and returns the keys whose build failed.
func (r TickReport) Wait(ctx context.Context) ([]model.BundleKey, error) {
	var failed []model.BundleKey
	for _, p := range r.Pending {
		if _, err := p.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return failed, ctx.Err()
			}
			failed = append(failed, p.Key())
		}
	}
	return failed, nil
}

// Tick submits every due key and returns once all of them are in flight. It
// does not wait for the builds. Due keys are pending, failed or building
// (a building row left by a previous process is rebuilt; one that is really
// in flight is joined) plus ready keys older than StaleAfter.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger().Warn("scheduler tick skipped", "reason", "previous tick still running")
		return TickReport{}, ErrTickSkipped
	}
	defer s.ticking.Store(false)

	due, err := s.due(ctx)
	if err != nil {
		s.logger().Error("scheduler tick failed", "error", err)
		return TickReport{}, err
	}

	report := TickReport{Due: due}
	for _, key := range due {
		p := s.Bundler.Submit(key, model.TriggerScheduled)
		report.Pending = append(report.Pending, p)
		go s.observe(p)
	}
	s.logger().Info("scheduler tick submitted", "due", len(due))
	return report, nil
}

// Run ticks every Interval until ctx is done. Each tick runs on its own
// goroutine so a slow tick makes the next one skip rather than queue.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %s", s.Interval)
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.logger().Info("scheduler running", "interval", s.Interval, "stale_after", s.StaleAfter)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			go s.safeTick(ctx)
		}
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger().Error("scheduler tick panicked", "panic", r)
		}
	}()
	_, _ = s.Tick(ctx)
}

func (s *Scheduler) due(ctx context.Context) ([]model.BundleKey, error) {
	byStatus, err := s.Store.ListByStatus(ctx, model.BundlePending, model.BundleFailed, model.BundleBuilding)
	if err != nil {
		return nil, &model.StoreError{Op: "list by status", Err: err}
	}
	stale, err := s.Store.ListStalerThan(ctx, s.now().Add(-s.StaleAfter))
	if err != nil {
		return nil, &model.StoreError{Op: "list stale", Err: err}
	}

	seen := make(map[model.BundleKey]struct{}, len(byStatus)+len(stale))
	out := make([]model.BundleKey, 0, len(byStatus)+len(stale))
	for _, key := range append(byStatus, stale...) {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out, nil
}

// observe logs the outcome of one submitted build. Failures stay with their
// key; they never reach the tick.
func (s *Scheduler) observe(p *bundle.Pending) {
	<-p.Done()
	_, err := p.Wait(context.Background())
	logger := s.logger().With("key", p.Key(), "job", p.Job().ID)
	var buildErr *model.BuildError
	switch {
	case err == nil:
		logger.Debug("scheduled build finished")
	case errors.As(err, &buildErr):
		logger.Warn("scheduled build failed", "error", buildErr.Cause)
	default:
		logger.Error("scheduled build not recorded", "error", err)
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
