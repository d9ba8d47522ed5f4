package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DesiredState is one exact unit of desired external state. A nil
// *DesiredState passed through the reconciliation protocol means
// non-existence: the target must not exist.
type DesiredState struct {
	// Value is the connector-interpreted payload of the target.
	Value json.RawMessage `json:"value,omitempty"`

	// Signature is the change-detection signature of the value. Two desired
	// states with equal signatures are considered identical for diffing.
	Signature string `json:"signature"`
}

// Action is an opaque, handler-defined value describing one external-system
// operation. Actions are idempotent by contract: re-applying after a failure
// or crash is always safe.
type Action any

// HandlerDef is the durable, serializable description of a target handler.
// It is persisted inside tracking records so that cleanup and drop can
// rebuild the handler on a later run, and it is what container sinks hand
// out for their children.
type HandlerDef struct {
	// Kind is the registered handler type name.
	Kind string `json:"kind"`

	// Spec is the connector-specific configuration.
	Spec json.RawMessage `json:"spec,omitempty"`
}

// TrackingRecord is the durable, minimal description of what was last
// successfully applied for a target-state key. Because an apply step can be
// interrupted between "action executed" and "record persisted", the store
// may hold several candidate records for one key; reconciliation decisions
// are always predicates over the whole candidate set.
type TrackingRecord struct {
	// Handler rebuilds the owning handler across runs.
	Handler HandlerDef `json:"handler"`

	// Signature is the change-detection signature that was applied.
	Signature string `json:"signature"`

	// Deleted marks a staged intent to remove the target.
	Deleted bool `json:"deleted,omitempty"`

	// State is optional connector bookkeeping carried alongside the record.
	State json.RawMessage `json:"state,omitempty"`

	// AppliedAt is when the record was written.
	AppliedAt time.Time `json:"applied_at"`
}

// TrackedTarget is the full persisted view of one target-state key:
// committed candidate records plus records staged by a run whose apply step
// may or may not have executed.
type TrackedTarget struct {
	ComponentPath string
	Key           string
	Records       []TrackingRecord
	Staged        []TrackingRecord
}

// Candidates returns committed and staged records as one candidate set.
func (t *TrackedTarget) Candidates() []TrackingRecord {
	out := make([]TrackingRecord, 0, len(t.Records)+len(t.Staged))
	out = append(out, t.Records...)
	out = append(out, t.Staged...)
	return out
}

// PreviousMayBeMissing reports whether the previously applied state cannot
// be trusted: any staged record means a prior run's action may have executed
// without its record being promoted.
func (t *TrackedTarget) PreviousMayBeMissing() bool {
	return len(t.Staged) > 0
}

// Decision is the outcome of a reconcile call that requires work. A nil
// *Decision from Reconcile means no-op.
type Decision struct {
	// Op classifies the required work.
	Op Op

	// Action is the operation the sink must execute.
	Action Action

	// Record is the tracking record to promote after the action succeeds.
	// Nil means the key's tracking is cleared (the target was removed).
	Record *TrackingRecord
}

// KeyedAction pairs a target-state key with the action its reconcile
// decision produced. A nil Action requests no work for the key; it appears
// in a container sink's batch so the sink can still hand out child handler
// definitions for keys whose action already executed in a previous run.
type KeyedAction struct {
	Key    string
	Action Action
}

// Sink executes a batch of accumulated actions for many keys at once. The
// engine calls each distinct sink object once per unit per run with all its
// batched actions.
type Sink interface {
	Apply(ctx context.Context, batch []KeyedAction) error
}

// ChildBearingSink is the container-shaped sink: applying the batch yields
// handler definitions for children that only become valid after the parent's
// action executes.
type ChildBearingSink interface {
	Sink

	// ApplyChildren executes the batch and returns, per target key, the
	// named child handler definitions.
	ApplyChildren(ctx context.Context, batch []KeyedAction) (map[string]map[string]HandlerDef, error)
}

// TargetHandler is the capability interface implemented by connectors.
// Reconcile must be side-effect-free; all I/O happens in the sink.
type TargetHandler interface {
	// Def returns the serializable definition of this handler.
	Def() HandlerDef

	// Reconcile compares the desired state (nil for non-existence) against
	// the candidate tracking records and decides the required action. It
	// returns nil when every candidate confirms a no-op.
	Reconcile(key string, desired *DesiredState, candidates []TrackingRecord, previousMayBeMissing bool) (*Decision, error)

	// Sink returns the batched-apply sink for this handler's actions.
	Sink() Sink
}

// Op classifies the work a reconcile decision implies.
type Op string

const (
	// OpNone means every candidate confirms the desired state.
	OpNone Op = "none"

	// OpCreate means nothing was tracked and a value is desired.
	OpCreate Op = "create"

	// OpUpdate means a value is desired and tracking disagrees.
	OpUpdate Op = "update"

	// OpDelete means non-existence is desired and something may exist.
	OpDelete Op = "delete"
)

// ClassifyOp applies the reconciliation state machine shared by all
// handlers:
//
//   - desired nil, nothing tracked, nothing possibly missing: no-op;
//   - desired nil otherwise: delete;
//   - desired set, previous not missing, and every candidate matches the
//     desired signature: no-op (safe skip);
//   - desired set otherwise: create when nothing was tracked, else update.
//
// An action is never skipped unless every candidate confirms it.
func ClassifyOp(desired *DesiredState, candidates []TrackingRecord, previousMayBeMissing bool) Op {
	if desired == nil {
		if len(candidates) == 0 && !previousMayBeMissing {
			return OpNone
		}
		return OpDelete
	}
	if !previousMayBeMissing && len(candidates) > 0 {
		agree := true
		for _, c := range candidates {
			if c.Deleted || c.Signature != desired.Signature {
				agree = false
				break
			}
		}
		if agree {
			return OpNone
		}
	}
	if len(candidates) == 0 {
		return OpCreate
	}
	return OpUpdate
}

// HandlerFactory rebuilds a handler from its serialized definition. The
// resource registry supplies shared handles (clients, pools).
type HandlerFactory func(spec json.RawMessage, res *Resources) (TargetHandler, error)

var handlerReg = struct {
	mu    sync.RWMutex
	kinds map[string]HandlerFactory
}{kinds: make(map[string]HandlerFactory)}

// RegisterHandler registers a handler factory under a kind name. Connectors
// register themselves in an init function.
func RegisterHandler(kind string, f HandlerFactory) {
	handlerReg.mu.Lock()
	defer handlerReg.mu.Unlock()
	handlerReg.kinds[kind] = f
}

// ResolveHandler rebuilds a handler from a persisted definition.
func ResolveHandler(def HandlerDef, res *Resources) (TargetHandler, error) {
	handlerReg.mu.RLock()
	f, ok := handlerReg.kinds[def.Kind]
	handlerReg.mu.RUnlock()
	if !ok {
		return nil, NewPermanentError(
			fmt.Sprintf("no handler registered for kind %q", def.Kind), nil).
			WithCode(ErrCodeNotFound)
	}
	return f(def.Spec, res)
}

// ChildHandlers is the pending-vs-resolved view of a container target's
// child handler definitions. It resolves once the container's action has
// executed; using it before then blocks, and fails if the container's apply
// step failed.
type ChildHandlers struct {
	mu       sync.Mutex
	done     chan struct{}
	defs     map[string]HandlerDef
	err      error
	resolved bool
}

func newChildHandlers() *ChildHandlers {
	return &ChildHandlers{done: make(chan struct{})}
}

// Get waits for the container's action to execute and returns the named
// child handler definition.
func (c *ChildHandlers) Get(ctx context.Context, name string) (HandlerDef, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		return HandlerDef{}, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return HandlerDef{}, NewPermanentError("container target did not resolve", c.err).
			WithCode(ErrCodeHandlerPending)
	}
	def, ok := c.defs[name]
	if !ok {
		return HandlerDef{}, NewPermanentError(
			fmt.Sprintf("container target resolved no child handler %q", name), nil).
			WithCode(ErrCodeHandlerPending)
	}
	return def, nil
}

func (c *ChildHandlers) resolve(defs map[string]HandlerDef, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return
	}
	c.resolved = true
	c.defs = defs
	c.err = err
	close(c.done)
}
