package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Change is one external change-capture signal. Path and Key are advisory:
// the driver re-enters the normal mount/reconcile pipeline and lets
// memoization and tracking-record diffing localize the work, so a coarse or
// even empty signal is still correct, only less efficient to log.
type Change struct {
	Path Path
	Key  string
}

// Notifier delivers external change-capture signals, e.g. a message stream
// indicating that a specific source key changed.
type Notifier interface {
	// Changes starts delivery. The channel closes when ctx is done or the
	// source fails.
	Changes(ctx context.Context) (<-chan Change, error)
}

// LiveOptions configures the re-trigger modes of a live updater. Both modes
// compose: a refresh interval and a notifier may be active at once.
type LiveOptions struct {
	// RefreshInterval re-runs the root after the given interval. Zero
	// disables timer-based refresh.
	RefreshInterval time.Duration

	// Notifier wakes a re-run on external change signals. Nil disables
	// notification-based refresh.
	Notifier Notifier
}

// LiveUpdater re-invokes an application's root unit on a timer or on change
// notification. There is no separate delta code path: every trigger re-enters
// the same mount/reconcile pipeline, and incremental behavior follows from
// memoization and tracking-record diffing alone.
type LiveUpdater struct {
	app  *App
	root UnitFunc
	opts LiveOptions
}

// NewLiveUpdater creates a live updater for the root unit.
func NewLiveUpdater(app *App, root UnitFunc, opts LiveOptions) *LiveUpdater {
	return &LiveUpdater{app: app, root: root, opts: opts}
}

// Run performs one initial run and then re-runs on every trigger until ctx
// is done. A failed run, the initial one included, is logged and retried on
// the next trigger; actions are idempotent by contract, so re-running is
// always safe and convergent. With no trigger configured the initial run's
// error is returned.
func (l *LiveUpdater) Run(ctx context.Context) error {
	initialErr := l.runOnce(ctx, "initial")
	if initialErr != nil && ctx.Err() != nil {
		return initialErr
	}

	var tick <-chan time.Time
	if l.opts.RefreshInterval > 0 {
		t := time.NewTicker(l.opts.RefreshInterval)
		defer t.Stop()
		tick = t.C
	}

	var changes <-chan Change
	if l.opts.Notifier != nil {
		ch, err := l.opts.Notifier.Changes(ctx)
		if err != nil {
			return NewPermanentError("change notifier failed to start", err).
				WithCode(ErrCodeConfig)
		}
		changes = ch
	}

	if tick == nil && changes == nil {
		return initialErr
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			if err := l.runOnce(ctx, "interval"); err != nil && ctx.Err() != nil {
				return err
			}
		case c, ok := <-changes:
			if !ok {
				changes = nil
				if tick == nil {
					return nil
				}
				continue
			}
			l.app.log.WithField("change_path", c.Path.String()).
				WithField("change_key", c.Key).
				Debug("change signal received")
			if err := l.runOnce(ctx, "change"); err != nil && ctx.Err() != nil {
				return err
			}
		}
	}
}

func (l *LiveUpdater) runOnce(ctx context.Context, trigger string) error {
	runID := uuid.New().String()
	log := l.app.log.WithField("run_id", runID).WithField("trigger", trigger)
	start := time.Now()
	log.Debug("run started")

	err := l.app.Run(ctx, l.root)
	if err != nil {
		l.app.metrics.RunCompleted("failed")
		log.WithError(err).Error("run failed")
		return err
	}
	l.app.metrics.RunCompleted("succeeded")
	log.WithField("duration", time.Since(start).String()).Info("run completed")
	return nil
}
