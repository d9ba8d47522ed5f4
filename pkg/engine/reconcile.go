package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// sinkApplyRetries bounds immediate retries of a failed sink apply. A still
// failing apply is retried on the next run: the staged record is left in
// place, so the reconciler re-emits the exact same idempotent action.
const sinkApplyRetries = 2

// workItem is one target key's unit of reconciliation work for a run.
type workItem struct {
	path     string
	key      string
	handler  TargetHandler
	desired  *DesiredState
	decision *Decision
	children *ChildHandlers
}

// reconcileComponent diffs and applies the component's declared target
// states. It must complete before the component can become ready. Targets
// tracked from a previous run but not declared this run are reconciled as
// non-existence; no target state is ever silently forgotten.
func (a *App) reconcileComponent(ctx context.Context, c *component) error {
	pathKey := c.path.Encode()

	c.mu.Lock()
	keys := make([]string, len(c.targetKeys))
	copy(keys, c.targetKeys)
	declared := make(map[string]*declaredTarget, len(c.targets))
	for k, dt := range c.targets {
		declared[k] = dt
	}
	c.mu.Unlock()

	items := make([]*workItem, 0, len(keys))
	for _, key := range keys {
		dt := declared[key]
		tt, err := a.store.GetTracked(ctx, a.name, pathKey, key)
		if err != nil {
			return err
		}
		var candidates []TrackingRecord
		missing := false
		if tt != nil {
			candidates = tt.Candidates()
			missing = tt.PreviousMayBeMissing()
		}
		dec, err := dt.handler.Reconcile(key, dt.desired, candidates, missing)
		if err != nil {
			return NewPermanentError("reconcile failed", err).
				WithCode(ErrCodeReconcile).WithPath(c.path.String()).WithKey(key)
		}
		items = append(items, &workItem{
			path:     pathKey,
			key:      key,
			handler:  dt.handler,
			desired:  dt.desired,
			decision: dec,
			children: dt.children,
		})
	}

	// Tracked keys the unit stopped declaring become deletions.
	tracked, err := a.store.ListTracked(ctx, a.name, pathKey)
	if err != nil {
		return err
	}
	for i := range tracked {
		tt := &tracked[i]
		if _, ok := declared[tt.Key]; ok {
			continue
		}
		item, err := a.forgetItem(tt)
		if err != nil {
			return err
		}
		if item != nil {
			items = append(items, item)
		}
	}

	return a.applyWork(ctx, c, items)
}

// forgetItem builds the deletion work item for a tracked-but-undeclared key,
// rebuilding its handler from the newest candidate record.
func (a *App) forgetItem(tt *TrackedTarget) (*workItem, error) {
	candidates := tt.Candidates()
	if len(candidates) == 0 {
		return nil, nil
	}
	h, err := ResolveHandler(candidates[len(candidates)-1].Handler, a.res)
	if err != nil {
		return nil, err
	}
	dec, err := h.Reconcile(tt.Key, nil, candidates, tt.PreviousMayBeMissing())
	if err != nil {
		return nil, NewPermanentError("reconcile failed", err).
			WithCode(ErrCodeReconcile).WithKey(tt.Key)
	}
	if dec == nil {
		return nil, nil
	}
	return &workItem{
		path:     tt.ComponentPath,
		key:      tt.Key,
		handler:  h,
		decision: dec,
	}, nil
}

// applyWork stages the intended tracking records, executes each distinct
// sink once with its batched actions, and promotes the records of every key
// whose action succeeded. Persistence order is strict: a tracking record is
// durably written only after its action completed.
//
// c may be nil when the work does not belong to a live component (vanished
// subtrees, drop); in that case the apply runs without slot yielding.
func (a *App) applyWork(ctx context.Context, c *component, items []*workItem) error {
	actionable := items[:0:0]
	for _, it := range items {
		if it.decision != nil || it.children != nil {
			actionable = append(actionable, it)
		}
	}
	if len(actionable) == 0 {
		return nil
	}

	// Defensive same-key serialization across the whole apply.
	locked := make([]string, 0, len(actionable))
	for _, it := range actionable {
		lk := it.path + "\x1f" + it.key
		if !a.lockKey(lk) {
			a.unlockKeys(locked)
			return NewConflictError("target key is being reconciled concurrently", nil).
				WithCode(ErrCodeConflict).WithKey(it.key)
		}
		locked = append(locked, lk)
	}
	defer a.unlockKeys(locked)

	// Stage intent before any I/O. A crash after this point leaves the
	// staged record as an extra candidate for the next run.
	for _, it := range actionable {
		if it.decision == nil {
			continue
		}
		rec := it.decision.Record
		if rec == nil {
			rec = &TrackingRecord{Handler: it.handler.Def(), Deleted: true}
		}
		staged := *rec
		staged.AppliedAt = time.Now().UTC()
		if err := a.store.StageTracking(ctx, a.name, it.path, it.key, staged); err != nil {
			return err
		}
	}

	// Batch per distinct sink object.
	sinks := make([]Sink, 0, 4)
	batches := make(map[Sink][]*workItem)
	for _, it := range actionable {
		s := it.handler.Sink()
		if _, ok := batches[s]; !ok {
			sinks = append(sinks, s)
		}
		batches[s] = append(batches[s], it)
	}

	apply := func() error {
		var firstErr error
		for _, s := range sinks {
			if err := a.applySinkBatch(ctx, s, batches[s]); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	var err error
	if c != nil {
		err = c.yieldSlot(ctx, apply)
	} else {
		err = apply()
	}
	if err != nil {
		return NewTransientError("sink apply failed", err).WithCode(ErrCodeReconcile)
	}
	return nil
}

// applySinkBatch executes one sink's batched actions with bounded retries
// and promotes tracking on success.
func (a *App) applySinkBatch(ctx context.Context, s Sink, items []*workItem) error {
	batch := make([]KeyedAction, 0, len(items))
	hasChildren := false
	for _, it := range items {
		ka := KeyedAction{Key: it.key}
		if it.decision != nil {
			ka.Action = it.decision.Action
		}
		if it.children != nil {
			hasChildren = true
		}
		if ka.Action != nil || it.children != nil {
			batch = append(batch, ka)
		}
	}

	var childDefs map[string]map[string]HandlerDef
	op := func() error {
		var err error
		if cbs, ok := s.(ChildBearingSink); ok && hasChildren {
			childDefs, err = cbs.ApplyChildren(ctx, batch)
		} else {
			err = s.Apply(ctx, batch)
		}
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), sinkApplyRetries), ctx))

	for _, it := range items {
		if it.children == nil {
			continue
		}
		if err != nil {
			it.children.resolve(nil, err)
		} else {
			it.children.resolve(childDefs[it.key], nil)
		}
	}
	if err != nil {
		return err
	}

	// Action executed; now, and only now, the tracking records move.
	for _, it := range items {
		if it.decision == nil {
			continue
		}
		rec := it.decision.Record
		if rec != nil {
			promoted := *rec
			promoted.AppliedAt = time.Now().UTC()
			rec = &promoted
		}
		if perr := a.store.PromoteTracking(ctx, a.name, it.path, it.key, rec); perr != nil {
			return perr
		}
		a.metrics.ActionApplied(opOf(it.decision))
	}
	return nil
}

func opOf(d *Decision) string {
	if d.Op != "" {
		return string(d.Op)
	}
	if d.Record == nil {
		return string(OpDelete)
	}
	return string(OpUpdate)
}

// removeSubtree reverts a vanished component path and everything below it,
// children before parents, treating every tracked target as non-existence.
func (a *App) removeSubtree(ctx context.Context, encodedPath string) error {
	kids, err := a.store.ListChildComponents(ctx, a.name, encodedPath)
	if err != nil {
		return err
	}
	for _, kid := range kids {
		if err := a.removeSubtree(ctx, kid); err != nil {
			return err
		}
	}

	tracked, err := a.store.ListTracked(ctx, a.name, encodedPath)
	if err != nil {
		return err
	}
	items := make([]*workItem, 0, len(tracked))
	for i := range tracked {
		item, err := a.forgetItem(&tracked[i])
		if err != nil {
			return err
		}
		if item != nil {
			items = append(items, item)
		}
	}
	if err := a.applyWork(ctx, nil, items); err != nil {
		return err
	}
	a.log.WithField("path", encodedPath).Debug("removed vanished subtree")
	return a.store.DeleteComponent(ctx, a.name, encodedPath)
}

// Drop reverts every tracked target state of the application, deepest paths
// first, and clears its persisted state.
func (a *App) Drop(ctx context.Context) error {
	tracked, err := a.store.ListAllTracked(ctx, a.name)
	if err != nil {
		return err
	}
	sort.SliceStable(tracked, func(i, j int) bool {
		return pathDepth(tracked[i].ComponentPath) > pathDepth(tracked[j].ComponentPath)
	})
	items := make([]*workItem, 0, len(tracked))
	for i := range tracked {
		item, err := a.forgetItem(&tracked[i])
		if err != nil {
			return err
		}
		if item != nil {
			items = append(items, item)
		}
	}
	if err := a.applyWork(ctx, nil, items); err != nil {
		return fmt.Errorf("reverting tracked targets: %w", err)
	}
	return a.store.DropApp(ctx, a.name)
}

// pathDepth counts segments of an encoded path. The root encodes to "/" but
// has no segments.
func pathDepth(encoded string) int {
	if encoded == "/" {
		return 0
	}
	return strings.Count(encoded, "/")
}

func (a *App) lockKey(k string) bool {
	a.keyMu.Lock()
	defer a.keyMu.Unlock()
	if _, busy := a.inflightKeys[k]; busy {
		return false
	}
	a.inflightKeys[k] = struct{}{}
	return true
}

func (a *App) unlockKeys(keys []string) {
	a.keyMu.Lock()
	defer a.keyMu.Unlock()
	for _, k := range keys {
		delete(a.inflightKeys, k)
	}
}
