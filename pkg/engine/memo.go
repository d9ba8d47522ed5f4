package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// FreshnessFunc validates a memo entry after a fingerprint match. It
// receives the previous run's stored state (hasPrev false marks the explicit
// no-previous-state case) and returns the new state plus whether the cached
// value is still valid. Decoupling "state changed" from "must recompute"
// enables two-tier checks: compare a cheap timestamp first, and only when it
// differs compute and compare an expensive content hash.
type FreshnessFunc func(ctx context.Context, prev json.RawMessage, hasPrev bool) (next json.RawMessage, valid bool, err error)

// FreshnessCheck names one freshness-state function. Names key the stored
// states across runs.
type FreshnessCheck struct {
	Name  string
	Check FreshnessFunc
}

// MemoOpts configures one memoized call site.
type MemoOpts struct {
	// Version is the implementation version; bump it to invalidate every
	// cached result of this call site.
	Version int

	// Args are the inputs folded into the fingerprint.
	Args []any

	// Freshness lists post-match validation checks. When several are given
	// they are awaited concurrently.
	Freshness []FreshnessCheck
}

// Memoize runs fn at the named call site unless a cached result exists whose
// fingerprint matches and whose freshness checks all report valid. The
// call-site identity is the unit's path plus name, so the same name can be
// reused across sibling units.
func Memoize[T any](ctx context.Context, u *Unit, name string, opts MemoOpts, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	a := u.app
	site := u.comp.path.Encode() + "#" + name

	fp, err := Fingerprint(site, opts.Version, opts.Args)
	if err != nil {
		var e *EngineError
		if errors.As(err, &e) {
			e.WithPath(u.comp.path.String())
		}
		return zero, err
	}

	entry, err := a.store.GetMemo(ctx, a.name, site)
	if err != nil {
		return zero, err
	}

	var states map[string]json.RawMessage
	if entry != nil && entry.Fingerprint == fp {
		var valid bool
		states, valid, err = runFreshness(ctx, u.comp, opts.Freshness, entry.Freshness)
		if err != nil {
			return zero, err
		}
		if valid {
			var v T
			if len(entry.Value) > 0 {
				if uerr := json.Unmarshal(entry.Value, &v); uerr != nil {
					return zero, NewPermanentError("cached value does not decode", uerr).
						WithCode(ErrCodeInternal).WithPath(u.comp.path.String())
				}
			}
			if len(states) > 0 {
				entry.Freshness = states
				entry.UpdatedAt = time.Now().UTC()
				if perr := a.store.PutMemo(ctx, a.name, entry); perr != nil {
					return zero, perr
				}
			}
			a.metrics.MemoHit()
			return v, nil
		}
	}

	v, err := fn(ctx)
	if err != nil {
		return zero, err
	}
	raw, err := marshalValue(v)
	if err != nil {
		return zero, err
	}
	if states == nil {
		// No previous entry (or fingerprint mismatch): seed freshness states
		// with the explicit no-previous-state marker.
		states, _, err = runFreshness(ctx, u.comp, opts.Freshness, nil)
		if err != nil {
			return zero, err
		}
	}
	err = a.store.PutMemo(ctx, a.name, &MemoEntry{
		Site:        site,
		Fingerprint: fp,
		Value:       raw,
		Freshness:   states,
		UpdatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return zero, err
	}
	a.metrics.MemoMiss()
	return v, nil
}

// runFreshness awaits all checks concurrently, with the unit's execution
// slot released for the duration. It returns the new states and whether
// every check reported the cached value still valid.
func runFreshness(ctx context.Context, c *component, checks []FreshnessCheck, prev map[string]json.RawMessage) (map[string]json.RawMessage, bool, error) {
	if len(checks) == 0 {
		return nil, true, nil
	}
	next := make(map[string]json.RawMessage, len(checks))
	allValid := true
	var mu sync.Mutex

	err := c.yieldSlot(ctx, func() error {
		g, gctx := errgroup.WithContext(ctx)
		for _, ch := range checks {
			ch := ch
			prevState, hasPrev := prev[ch.Name]
			g.Go(func() error {
				n, valid, err := ch.Check(gctx, prevState, hasPrev)
				if err != nil {
					return err
				}
				mu.Lock()
				next[ch.Name] = n
				if !valid {
					allValid = false
				}
				mu.Unlock()
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		return nil, false, err
	}
	return next, allValid, nil
}
