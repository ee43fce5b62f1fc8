package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/harvest/api-go/internal/model"
)

// Store is the persistence the Bundler needs.
type Store interface {
	Get(ctx context.Context, key model.BundleKey) (model.BundleRecord, error)
	Upsert(ctx context.Context, rec model.BundleRecord) error
}

// Bundler runs builds with at most one build per key in flight. The zero
// value is not usable: Store and Builder must be set. A Bundler must not be
// copied after first use.
type Bundler struct {
	Store   Store
	Builder Builder
	// Artifacts, when set, removes the artifact a successful rebuild
	// replaced. Failed builds keep the previous artifact.
	Artifacts ArtifactRemover
	Logger    *slog.Logger
	Now       func() time.Time

	flight  inflight
	running sync.WaitGroup
}

// Pending is a handle on a submitted build.
type Pending struct {
	call   *call
	joined bool
}

// Key returns the bundle key being built.
func (p *Pending) Key() model.BundleKey { return p.call.job.Key }

// Job returns the job of the build this handle observes. For a joined build
// this is the job that started it.
func (p *Pending) Job() model.BuildJob { return p.call.job }

// Joined reports whether Submit attached to a build that was already running.
func (p *Pending) Joined() bool { return p.joined }

// Done is closed once the build's outcome is available.
func (p *Pending) Done() <-chan struct{} { return p.call.done }

// Wait blocks until the build ends or ctx is done. Giving up on the wait does
// not stop the build.
func (p *Pending) Wait(ctx context.Context) (model.BundleRecord, error) {
	select {
	case <-p.call.done:
		return p.call.rec, p.call.err
	case <-ctx.Done():
		select {
		case <-p.call.done:
			return p.call.rec, p.call.err
		default:
		}
		return model.BundleRecord{}, ctx.Err()
	}
}

// Submit starts a build of key, or joins the build of key already in flight.
// When Submit returns the key is registered as in flight; the build itself
// runs on its own goroutine.
func (b *Bundler) Submit(key model.BundleKey, trigger model.Trigger) *Pending {
	job := model.BuildJob{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Key:         key,
		RequestedAt: b.now(),
		Trigger:     trigger,
	}
	c, leader := b.flight.acquire(newCall(job))
	if !leader {
		b.logger().Debug("joined in-flight build",
			"key", key, "job", c.job.ID, "trigger", trigger)
		return &Pending{call: c, joined: true}
	}

	b.running.Add(1)
	go b.run(c)
	return &Pending{call: c}
}

// Build submits key and waits for the outcome.
func (b *Bundler) Build(ctx context.Context, key model.BundleKey, trigger model.Trigger) (model.BundleRecord, error) {
	return b.Submit(key, trigger).Wait(ctx)
}

// InFlight returns the keys with a build currently executing, sorted.
func (b *Bundler) InFlight() []model.BundleKey { return b.flight.keys() }

// Building reports whether a build of key is executing.
func (b *Bundler) Building(key model.BundleKey) bool { return b.flight.has(key) }

// Active returns the number of executing builds.
func (b *Bundler) Active() int { return b.flight.len() }

// Wait blocks until every build started so far has ended.
func (b *Bundler) Wait() { b.running.Wait() }

func (b *Bundler) run(c *call) {
	defer b.running.Done()
	defer func() {
		// Leave the registry before publishing: anyone arriving after the
		// outcome is visible starts a fresh build.
		b.flight.release(c)
		close(c.done)
	}()
	c.rec, c.err = b.execute(c.job)
}

// execute runs one build. It does not take a caller context: builds are not
// cancellable once started.
func (b *Bundler) execute(job model.BuildJob) (model.BundleRecord, error) {
	ctx := context.Background()
	logger := b.logger().With("key", job.Key, "job", job.ID, "trigger", job.Trigger)

	prev, err := b.Store.Get(ctx, job.Key)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		logger.Error("load bundle before build", "error", err)
		return model.BundleRecord{}, &model.StoreError{Op: "get", Key: job.Key, Err: err}
	}

	building := model.BundleRecord{
		Key:         job.Key,
		Status:      model.BundleBuilding,
		ArtifactRef: prev.ArtifactRef,
		BuiltAt:     prev.BuiltAt,
		CreatedAt:   prev.CreatedAt,
	}
	if err := b.Store.Upsert(ctx, building); err != nil {
		logger.Error("mark bundle building", "error", err)
		return model.BundleRecord{}, &model.StoreError{Op: "upsert", Key: job.Key, Err: err}
	}

	logger.Info("build started")
	started := b.now()
	ref, buildErr := b.invoke(ctx, job)
	elapsed := b.now().Sub(started)

	final := building
	if buildErr != nil {
		final.Status = model.BundleFailed
		final.LastError = buildErr.Error()
	} else {
		builtAt := b.now().UTC()
		final.Status = model.BundleReady
		final.ArtifactRef = ref
		final.BuiltAt = &builtAt
		final.LastError = ""
	}

	if err := b.Store.Upsert(ctx, final); err != nil {
		logger.Error("record build outcome, bundle left in building state",
			"status", final.Status, "error", err)
		return final, &model.StoreError{Op: "upsert", Key: job.Key, Err: err}
	}
	if stored, err := b.Store.Get(ctx, job.Key); err == nil {
		final = stored
	}

	if buildErr != nil {
		logger.Warn("build failed", "error", buildErr, "elapsed", elapsed)
		return final, &model.BuildError{Key: job.Key, Cause: buildErr}
	}
	logger.Info("build finished", "artifact", ref, "elapsed", elapsed)
	b.discard(logger, prev.ArtifactRef, ref)
	return final, nil
}

// discard removes the artifact replaced by current. A failed removal only
// leaves an orphaned file behind, so it is logged and otherwise ignored.
func (b *Bundler) discard(logger *slog.Logger, replaced, current string) {
	if b.Artifacts == nil || replaced == "" || replaced == current {
		return
	}
	if err := b.Artifacts.Remove(replaced); err != nil {
		logger.Warn("remove replaced artifact", "artifact", replaced, "error", err)
		return
	}
	logger.Debug("replaced artifact removed", "artifact", replaced)
}

// invoke runs the builder, turning a panic or an empty result into an error.
func (b *Bundler) invoke(ctx context.Context, job model.BuildJob) (ref string, err error) {
	defer func() {
		if r := recover(); r != nil {
			ref, err = "", fmt.Errorf("builder panic: %v", r)
		}
	}()
	ref, err = b.Builder.Build(ctx, job)
	if err == nil && ref == "" {
		err = errors.New("builder returned no artifact")
	}
	return ref, err
}

func (b *Bundler) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Bundler) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}
