package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type chanNotifier struct {
	ch chan Change
}

func (n *chanNotifier) Changes(ctx context.Context) (<-chan Change, error) {
	return n.ch, nil
}

// TestLiveUpdaterRunsOnce tests that with no triggers configured the updater
// performs the initial run and returns
func TestLiveUpdaterRunsOnce(t *testing.T) {
	app, _, _ := newTestApp(t, "live-once", 0)

	var runs atomic.Int64
	u := NewLiveUpdater(app, func(ctx context.Context, u *Unit) error {
		runs.Add(1)
		return nil
	}, LiveOptions{})

	if err := u.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Errorf("expected 1 run, got %d", got)
	}
}

// TestLiveUpdaterInitialFailureReturned tests that with no triggers configured
// a failed initial run surfaces its error
func TestLiveUpdaterInitialFailureReturned(t *testing.T) {
	app, _, rec := newTestApp(t, "live-once-fail", 0)
	rec.failOps = 1

	u := NewLiveUpdater(app, declareUnit(rec, map[string]string{"k": "sig"}), LiveOptions{})
	if err := u.Run(context.Background()); err == nil {
		t.Fatal("expected the initial run failure to be returned")
	}
}

// TestLiveUpdaterInitialFailureRetried tests that a failed initial run does
// not kill the live loop and is retried on the next trigger
func TestLiveUpdaterInitialFailureRetried(t *testing.T) {
	app, _, rec := newTestApp(t, "live-retry", 0)
	rec.failOps = 1

	ran := make(chan struct{}, 16)
	root := func(ctx context.Context, u *Unit) error {
		defer func() { ran <- struct{}{} }()
		return u.DeclareTarget("k", kvDesired("sig"), newKVHandler(rec))
	}

	n := &chanNotifier{ch: make(chan Change)}
	updater := NewLiveUpdater(app, root, LiveOptions{Notifier: n})

	done := make(chan error, 1)
	go func() { done <- updater.Run(context.Background()) }()

	waitRun := func() {
		select {
		case <-ran:
		case <-time.After(5 * time.Second):
			t.Fatal("run did not happen")
		}
	}

	waitRun() // initial, fails
	if _, ok := rec.get("k"); ok {
		t.Fatal("initial run should have failed before applying")
	}

	n.ch <- Change{Key: "k"}
	waitRun() // change-triggered retry
	close(n.ch)
	if err := <-done; err != nil {
		t.Fatalf("updater failed: %v", err)
	}
	if got, _ := rec.get("k"); got != "sig" {
		t.Errorf("retried run should converge, got %q", got)
	}
}

// TestLiveUpdaterChangeSignal tests that a change signal re-runs the root and
// a closed channel ends the updater
func TestLiveUpdaterChangeSignal(t *testing.T) {
	app, _, rec := newTestApp(t, "live-change", 0)

	var runs atomic.Int64
	ran := make(chan struct{}, 16)
	root := func(ctx context.Context, u *Unit) error {
		runs.Add(1)
		ran <- struct{}{}
		return u.DeclareTarget("k", kvDesired("sig"), newKVHandler(rec))
	}

	n := &chanNotifier{ch: make(chan Change)}
	updater := NewLiveUpdater(app, root, LiveOptions{Notifier: n})

	done := make(chan error, 1)
	go func() { done <- updater.Run(context.Background()) }()

	waitRun := func() {
		select {
		case <-ran:
		case <-time.After(5 * time.Second):
			t.Fatal("run did not happen")
		}
	}

	waitRun() // initial
	n.ch <- Change{Key: "k"}
	waitRun() // change-triggered

	close(n.ch)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("updater failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("updater did not stop after channel close")
	}

	if got := runs.Load(); got != 2 {
		t.Errorf("expected 2 runs, got %d", got)
	}
	// Incrementality: the second run must not re-apply the action.
	if ops := rec.appliedOps(); len(ops) != 1 {
		t.Errorf("expected 1 applied action across runs, got %v", ops)
	}
}

// TestLiveUpdaterInterval tests timer-based refresh
func TestLiveUpdaterInterval(t *testing.T) {
	app, _, _ := newTestApp(t, "live-interval", 0)

	var runs atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := func(ctx context.Context, u *Unit) error {
		if runs.Add(1) >= 3 {
			cancel()
		}
		return nil
	}
	updater := NewLiveUpdater(app, root, LiveOptions{RefreshInterval: 5 * time.Millisecond})

	err := updater.Run(ctx)
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
	if got := runs.Load(); got < 3 {
		t.Errorf("expected at least 3 runs, got %d", got)
	}
}
