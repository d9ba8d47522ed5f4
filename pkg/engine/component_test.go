package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// TestMountedChildrenRun tests that mounted children execute and the parent
// becomes ready only after them
func TestMountedChildrenRun(t *testing.T) {
	app, _, _ := newTestApp(t, "comp-mount", 0)

	var order []string
	var childDone atomic.Bool

	runUnit(t, app, func(ctx context.Context, u *Unit) error {
		h := u.Mount(ctx, Str("child"), func(ctx context.Context, cu *Unit) error {
			childDone.Store(true)
			order = append(order, "child")
			return nil
		})
		if err := h.Wait(ctx); err != nil {
			return err
		}
		if !childDone.Load() {
			t.Error("wait returned before the child completed")
		}
		order = append(order, "parent")
		return nil
	})

	if len(order) != 2 || order[0] != "child" || order[1] != "parent" {
		t.Errorf("unexpected order: %v", order)
	}
}

// TestMountDuplicateKey tests that mounting the same key twice fails
func TestMountDuplicateKey(t *testing.T) {
	app, _, _ := newTestApp(t, "comp-dup", 0)

	runUnit(t, app, func(ctx context.Context, u *Unit) error {
		u.Mount(ctx, Str("x"), func(ctx context.Context, cu *Unit) error { return nil })
		h := u.Mount(ctx, Str("x"), func(ctx context.Context, cu *Unit) error { return nil })
		if err := h.Wait(ctx); err == nil {
			t.Error("expected duplicate mount to fail")
		}
		return nil
	})
}

// TestDeclareDuplicateKey tests that declaring the same target key twice in
// one unit fails
func TestDeclareDuplicateKey(t *testing.T) {
	app, _, rec := newTestApp(t, "comp-dup-key", 0)

	runUnit(t, app, func(ctx context.Context, u *Unit) error {
		h := newKVHandler(rec)
		if err := u.DeclareTarget("k", kvDesired("s"), h); err != nil {
			return err
		}
		if err := u.DeclareTarget("k", kvDesired("s"), h); err == nil {
			t.Error("expected duplicate declaration to fail")
		}
		return nil
	})
}

// TestMountValue tests the dependency-creating mount flavor
func TestMountValue(t *testing.T) {
	app, _, _ := newTestApp(t, "comp-value", 0)

	runUnit(t, app, func(ctx context.Context, u *Unit) error {
		v, err := MountValue(ctx, u, Str("compute"), func(ctx context.Context, child *Unit) (int, error) {
			return 42, nil
		})
		if err != nil {
			return err
		}
		if v != 42 {
			t.Errorf("expected 42, got %d", v)
		}
		return nil
	})
}

// TestVanishedChildCleanup tests that a child mounted in one run and absent
// in the next has its target states reverted
func TestVanishedChildCleanup(t *testing.T) {
	app, store, rec := newTestApp(t, "comp-vanish", 0)
	ctx := context.Background()

	withChild := func(ctx context.Context, u *Unit) error {
		u.Mount(ctx, Str("child"), declareUnit(rec, map[string]string{"ck": "sig"}))
		return nil
	}
	withoutChild := func(ctx context.Context, u *Unit) error { return nil }

	runUnit(t, app, withChild)
	if _, ok := rec.get("ck"); !ok {
		t.Fatal("child target should exist after first run")
	}

	runUnit(t, app, withoutChild)
	if _, ok := rec.get("ck"); ok {
		t.Error("vanished child's target should be reverted")
	}

	kids, err := store.ListChildComponents(ctx, "comp-vanish", RootPath.Encode())
	if err != nil {
		t.Fatalf("list children failed: %v", err)
	}
	if len(kids) != 0 {
		t.Errorf("vanished child should leave the registry, got %v", kids)
	}
}

// TestVanishedSubtreeCleanupDepthFirst tests that nested vanished subtrees
// are reverted children first
func TestVanishedSubtreeCleanupDepthFirst(t *testing.T) {
	app, _, rec := newTestApp(t, "comp-subtree", 0)

	deep := func(ctx context.Context, u *Unit) error {
		u.Mount(ctx, Str("mid"), func(ctx context.Context, mu *Unit) error {
			if err := mu.DeclareTarget("mid-k", kvDesired("m"), newKVHandler(rec)); err != nil {
				return err
			}
			mu.Mount(ctx, Str("leaf"), declareUnit(rec, map[string]string{"leaf-k": "l"}))
			return nil
		})
		return nil
	}

	runUnit(t, app, deep)
	runUnit(t, app, func(ctx context.Context, u *Unit) error { return nil })

	if _, ok := rec.get("mid-k"); ok {
		t.Error("mid target should be reverted")
	}
	if _, ok := rec.get("leaf-k"); ok {
		t.Error("leaf target should be reverted")
	}

	ops := rec.appliedOps()
	var leafDel, midDel int
	for i, op := range ops {
		switch op {
		case "delete leaf-k":
			leafDel = i
		case "delete mid-k":
			midDel = i
		}
	}
	if leafDel > midDel {
		t.Errorf("leaf should be reverted before mid, ops=%v", ops)
	}
}

// TestSiblingFailureIsolation tests that one child's failure does not stop a
// sibling from completing, while the parent still fails
func TestSiblingFailureIsolation(t *testing.T) {
	app, _, rec := newTestApp(t, "comp-isolate", 0)

	boom := errors.New("boom")
	err := app.Run(context.Background(), func(ctx context.Context, u *Unit) error {
		u.Mount(ctx, Str("bad"), func(ctx context.Context, cu *Unit) error {
			return boom
		})
		u.Mount(ctx, Str("good"), declareUnit(rec, map[string]string{"gk": "sig"}))
		return nil
	})

	if err == nil {
		t.Fatal("parent should fail when a child fails")
	}
	if !errors.Is(err, boom) {
		t.Errorf("parent error should wrap the child failure, got %v", err)
	}
	if _, ok := rec.get("gk"); !ok {
		t.Error("sibling should complete despite the failure")
	}
}

// TestFailedUnitSkipsReconcile tests that a unit whose logic fails does not
// apply its declared targets
func TestFailedUnitSkipsReconcile(t *testing.T) {
	app, _, rec := newTestApp(t, "comp-fail", 0)

	err := app.Run(context.Background(), func(ctx context.Context, u *Unit) error {
		if derr := u.DeclareTarget("k", kvDesired("s"), newKVHandler(rec)); derr != nil {
			return derr
		}
		return errors.New("logic failed")
	})
	if err == nil {
		t.Fatal("expected run failure")
	}
	if _, ok := rec.get("k"); ok {
		t.Error("failed unit's targets should not be applied")
	}
}

// brokenReconcileHandler fails every Reconcile call.
type brokenReconcileHandler struct {
	*kvHandler
}

func (h brokenReconcileHandler) Reconcile(string, *DesiredState, []TrackingRecord, bool) (*Decision, error) {
	return nil, errors.New("reconcile refused")
}

// TestReconcileFailureResolvesContainers tests that a unit whose reconcile
// step fails still fails its pending child-handler promises, so a mounted
// child blocked in ChildHandlers.Get does not hold its execution slot forever
func TestReconcileFailureResolvesContainers(t *testing.T) {
	app, _, rec := newTestApp(t, "comp-resolve-fail", 1)

	childErr := make(chan error, 1)
	err := app.Run(context.Background(), func(ctx context.Context, u *Unit) error {
		ch, derr := u.DeclareContainer("box", kvDesired("box-sig"), newContainerHandler(rec))
		if derr != nil {
			return derr
		}
		u.Mount(ctx, Str("inner"), func(ctx context.Context, cu *Unit) error {
			_, gerr := ch.Get(ctx, "item")
			childErr <- gerr
			return gerr
		})
		return u.DeclareTarget("bad", kvDesired("s"), brokenReconcileHandler{newKVHandler(rec)})
	})
	if err == nil {
		t.Fatal("expected run failure")
	}

	select {
	case gerr := <-childErr:
		if gerr == nil {
			t.Error("child handler lookup should fail when the parent failed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("child is still blocked waiting for the container to resolve")
	}

	// At limit 1 a child stuck in Get would keep the slot and deadlock the
	// next run.
	done := make(chan error, 1)
	go func() {
		done <- app.Run(context.Background(), func(ctx context.Context, u *Unit) error { return nil })
	}()
	select {
	case rerr := <-done:
		if rerr != nil {
			t.Fatalf("follow-up run failed: %v", rerr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up run deadlocked on a leaked execution slot")
	}
}

// TestContainerTarget tests container declaration, child handler resolution,
// and the no-op re-resolution on a second run
func TestContainerTarget(t *testing.T) {
	app, _, rec := newTestApp(t, "comp-container", 0)

	run := func() {
		runUnit(t, app, func(ctx context.Context, u *Unit) error {
			ch, err := u.DeclareContainer("box", kvDesired("box-sig"), newContainerHandler(rec))
			if err != nil {
				return err
			}
			u.Mount(ctx, Str("inner"), func(ctx context.Context, cu *Unit) error {
				def, gerr := ch.Get(ctx, "item")
				if gerr != nil {
					return gerr
				}
				h, rerr := ResolveHandler(def, cu.Resources())
				if rerr != nil {
					return rerr
				}
				return cu.DeclareTarget("inner-k", kvDesired("inner-sig"), h)
			})
			return nil
		})
	}

	run()
	if got, _ := rec.get("box"); got != "box-sig" {
		t.Errorf("container action should apply, got %q", got)
	}
	if got, _ := rec.get("inner-k"); got != "inner-sig" {
		t.Errorf("child target should apply, got %q", got)
	}
	firstOps := len(rec.appliedOps())

	// Second run: the container's action is a no-op, but the child handler
	// definitions must still resolve.
	run()
	if got := len(rec.appliedOps()); got != firstOps {
		t.Errorf("unchanged second run should apply nothing, got %d new ops", got-firstOps)
	}
}
