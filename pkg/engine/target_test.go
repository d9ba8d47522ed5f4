package engine

import (
	"context"
	"testing"
	"time"
)

func rec(signature string, deleted bool) TrackingRecord {
	return TrackingRecord{Signature: signature, Deleted: deleted}
}

// TestClassifyOp tests the shared reconciliation state machine
func TestClassifyOp(t *testing.T) {
	desired := &DesiredState{Signature: "sig-1"}

	cases := []struct {
		name       string
		desired    *DesiredState
		candidates []TrackingRecord
		missing    bool
		want       Op
	}{
		{"absent, untracked", nil, nil, false, OpNone},
		{"absent, tracked", nil, []TrackingRecord{rec("sig-1", false)}, false, OpDelete},
		{"absent, maybe missing", nil, nil, true, OpDelete},
		{"present, untracked", desired, nil, false, OpCreate},
		{"present, all agree", desired, []TrackingRecord{rec("sig-1", false)}, false, OpNone},
		{"present, multiple agree", desired, []TrackingRecord{rec("sig-1", false), rec("sig-1", false)}, false, OpNone},
		{"present, one disagrees", desired, []TrackingRecord{rec("sig-1", false), rec("sig-0", false)}, false, OpUpdate},
		{"present, tombstone candidate", desired, []TrackingRecord{rec("sig-1", true)}, false, OpUpdate},
		{"present, agree but maybe missing", desired, []TrackingRecord{rec("sig-1", false)}, true, OpUpdate},
		{"present, untracked but maybe missing", desired, nil, true, OpCreate},
		{"present, stale", desired, []TrackingRecord{rec("sig-0", false)}, false, OpUpdate},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ClassifyOp(c.desired, c.candidates, c.missing)
			if got != c.want {
				t.Errorf("ClassifyOp = %s, want %s", got, c.want)
			}
		})
	}
}

// TestTrackedTargetCandidates tests the candidate view over committed and
// staged records
func TestTrackedTargetCandidates(t *testing.T) {
	tt := &TrackedTarget{
		Records: []TrackingRecord{rec("a", false)},
		Staged:  []TrackingRecord{rec("b", false)},
	}
	if len(tt.Candidates()) != 2 {
		t.Errorf("expected 2 candidates, got %d", len(tt.Candidates()))
	}
	if !tt.PreviousMayBeMissing() {
		t.Error("staged records should mark the previous state as possibly missing")
	}

	committed := &TrackedTarget{Records: []TrackingRecord{rec("a", false)}}
	if committed.PreviousMayBeMissing() {
		t.Error("committed-only target should not be missing")
	}
}

// TestChildHandlersGet tests the pending-vs-resolved child handler promise
func TestChildHandlersGet(t *testing.T) {
	ch := newChildHandlers()

	go func() {
		time.Sleep(10 * time.Millisecond)
		ch.resolve(map[string]HandlerDef{"file": {Kind: "k"}}, nil)
	}()

	def, err := ch.Get(context.Background(), "file")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if def.Kind != "k" {
		t.Errorf("expected kind k, got %s", def.Kind)
	}

	// Unknown names fail after resolution.
	if _, err := ch.Get(context.Background(), "nope"); err == nil {
		t.Error("expected error for unknown child handler")
	}
}

// TestChildHandlersFailure tests that waiters observe the container's failure
func TestChildHandlersFailure(t *testing.T) {
	ch := newChildHandlers()
	ch.resolve(nil, NewPermanentError("apply failed", nil))

	_, err := ch.Get(context.Background(), "file")
	if err == nil {
		t.Fatal("expected error from failed container")
	}

	// Context cancellation unblocks a pending Get.
	pending := newChildHandlers()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pending.Get(ctx, "file"); err == nil {
		t.Error("expected context error")
	}
}

// TestResolveHandlerUnknownKind tests handler registry resolution
func TestResolveHandlerUnknownKind(t *testing.T) {
	if _, err := ResolveHandler(HandlerDef{Kind: "does.not.exist"}, NewResources()); err == nil {
		t.Fatal("expected error for unregistered kind")
	}
}
