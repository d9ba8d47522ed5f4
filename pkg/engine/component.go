package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/weftworks/weft/pkg/telemetry"
)

// UnitFunc is user logic mounted at a stable path. It declares target states
// and mounts children through the Unit handle. The function runs to
// completion without preemption; suspension happens only at child waits,
// freshness checks, and batched sink I/O.
type UnitFunc func(ctx context.Context, u *Unit) error

// App is one logical application: a component tree executing against one
// persisted store under one concurrency limit.
type App struct {
	name    string
	store   Store
	res     *Resources
	sched   *slotPool
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	// inflightKeys serializes same-key reconciliation defensively. By the
	// path-uniqueness invariant this should never trigger.
	keyMu        sync.Mutex
	inflightKeys map[string]struct{}
}

// Option configures an App.
type Option func(*App)

// WithResources attaches a pre-populated resource registry.
func WithResources(r *Resources) Option {
	return func(a *App) { a.res = r }
}

// WithLogger attaches a logger; a default stdout logger is used otherwise.
func WithLogger(l *telemetry.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTracer attaches a tracer; unit executions become spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(a *App) { a.tracer = t }
}

// New creates an application bound to a persisted store.
func New(settings Settings, store Store, opts ...Option) (*App, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, NewPermanentError("store is required", nil).WithCode(ErrCodeConfig)
	}
	a := &App{
		name:         settings.AppName,
		store:        store,
		res:          NewResources(),
		sched:        newSlotPool(settings.ResolveMaxInflight()),
		inflightKeys: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = telemetry.Default()
	}
	a.log = a.log.WithField("app", a.name)
	return a, nil
}

// Name returns the application name.
func (a *App) Name() string { return a.name }

// Resources returns the application's resource registry.
func (a *App) Resources() *Resources { return a.res }

// Run mounts the root unit, drives it to readiness, and returns its error.
// Re-running with unchanged declarations is a no-op by the idempotence of
// reconciliation; incremental behavior is entirely a consequence of
// memoization and tracking-record diffing.
func (a *App) Run(ctx context.Context, root UnitFunc) error {
	c := a.newComponent(RootPath, nil, root)
	go c.run(ctx)
	return c.wait(ctx)
}

// component is one processing unit mounted at a stable path.
type component struct {
	app    *App
	path   Path
	parent *component
	logic  UnitFunc

	mu         sync.Mutex
	children   map[string]*component // keyed by encoded path
	childOrder []*component
	targets    map[string]*declaredTarget
	targetKeys []string

	// holdsSlot is touched only by the component's own goroutine.
	holdsSlot bool

	done chan struct{}
	err  error
}

type declaredTarget struct {
	desired  *DesiredState
	handler  TargetHandler
	children *ChildHandlers
}

func (a *App) newComponent(path Path, parent *component, logic UnitFunc) *component {
	return &component{
		app:      a,
		path:     path,
		parent:   parent,
		logic:    logic,
		children: make(map[string]*component),
		targets:  make(map[string]*declaredTarget),
		done:     make(chan struct{}),
	}
}

// wait blocks until the component is ready or failed.
func (c *component) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes the unit lifecycle on its own goroutine.
func (c *component) run(ctx context.Context) {
	err := c.execute(ctx)
	if err != nil {
		c.app.log.WithError(err).WithField("path", c.path.String()).
			Error("unit failed")
		c.app.metrics.UnitCompleted("failed")
	} else {
		c.app.metrics.UnitCompleted("succeeded")
	}
	c.err = err
	close(c.done)
}

// yieldSlot releases the execution slot, runs fn, and re-acquires. Must be
// called from the component's own goroutine while it holds a slot.
func (c *component) yieldSlot(ctx context.Context, fn func() error) error {
	if !c.holdsSlot {
		return fn()
	}
	c.app.sched.release()
	c.holdsSlot = false
	err := fn()
	if aerr := c.app.sched.acquire(ctx); aerr != nil {
		// fn's error is the real failure; re-acquisition fails only when
		// the run context is already gone.
		if err != nil {
			return err
		}
		return aerr
	}
	c.holdsSlot = true
	return err
}

// execute runs the unit's logic and then, strictly in order: diff-and-apply
// its own declared target states, await its children, and remove children
// that existed in the previous run but were not mounted this run.
func (c *component) execute(ctx context.Context) error {
	if err := c.app.sched.acquire(ctx); err != nil {
		return err
	}
	c.holdsSlot = true
	defer func() {
		if c.holdsSlot {
			c.app.sched.release()
			c.holdsSlot = false
		}
	}()

	ctx, finish := c.app.startSpan(ctx, "weft.unit", c.path)
	var err error
	defer func() { finish(err) }()

	// Whatever fails, pending child-handler promises must still resolve, or
	// already-mounted children blocked in ChildHandlers.Get would hold their
	// execution slots forever.
	defer func() {
		if err != nil {
			c.resolveFailedContainers(err)
		}
	}()

	u := &Unit{app: c.app, comp: c}
	if err = c.logic(ctx, u); err != nil {
		err = fmt.Errorf("unit logic at %s: %w", c.path.String(), err)
		return err
	}

	parentPath := ""
	if c.parent != nil {
		parentPath = c.parent.path.Encode()
	}
	if err = c.app.store.PutComponent(ctx, c.app.name, c.path.Encode(), parentPath); err != nil {
		return err
	}

	// Own diff-and-apply before readiness.
	if err = c.app.reconcileComponent(ctx, c); err != nil {
		return err
	}

	// Children were scheduled during logic; await them with the slot
	// released so a parent/child chain cannot deadlock at low limits.
	if err = c.awaitChildren(ctx); err != nil {
		return err
	}

	// Prune subtrees mounted in the previous run but absent in this one.
	err = c.pruneVanished(ctx)
	return err
}

func (c *component) awaitChildren(ctx context.Context) error {
	c.mu.Lock()
	kids := make([]*component, len(c.childOrder))
	copy(kids, c.childOrder)
	c.mu.Unlock()

	var firstErr error
	for _, kid := range kids {
		werr := c.yieldSlot(ctx, func() error { return kid.wait(ctx) })
		if werr != nil && firstErr == nil {
			firstErr = werr
		}
	}
	return firstErr
}

// pruneVanished compares the previous run's children against the ones
// mounted this run and reverts the vanished subtrees, children first.
func (c *component) pruneVanished(ctx context.Context) error {
	prev, err := c.app.store.ListChildComponents(ctx, c.app.name, c.path.Encode())
	if err != nil {
		return err
	}
	c.mu.Lock()
	current := make(map[string]struct{}, len(c.children))
	for enc := range c.children {
		current[enc] = struct{}{}
	}
	c.mu.Unlock()

	for _, p := range prev {
		if _, ok := current[p]; ok {
			continue
		}
		if err := c.app.removeSubtree(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// resolveFailedContainers fails every pending child-handler promise so that
// waiters observe the unit's failure instead of blocking forever.
func (c *component) resolveFailedContainers(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dt := range c.targets {
		if dt.children != nil {
			dt.children.resolve(nil, err)
		}
	}
}

// Unit is the handle user logic receives. Its methods must be called from
// the unit's own goroutine during the logic function.
type Unit struct {
	app  *App
	comp *component
}

// Path returns the unit's stable path.
func (u *Unit) Path() Path { return u.comp.path }

// Logger returns a logger scoped to the unit's path.
func (u *Unit) Logger() *telemetry.Logger {
	return u.app.log.WithField("path", u.comp.path.String())
}

// Resources returns the application's resource registry.
func (u *Unit) Resources() *Resources { return u.app.res }

// DeclareTarget declares one unit of desired external state owned by this
// unit. A nil desired state declares non-existence explicitly. The diff
// against tracked state is applied when the unit's logic returns.
func (u *Unit) DeclareTarget(key string, desired *DesiredState, h TargetHandler) error {
	_, err := u.comp.declare(key, desired, h, false)
	return err
}

// DeclareContainer declares a container-type target state whose sink yields
// handler definitions for children once the target's action has executed.
func (u *Unit) DeclareContainer(key string, desired *DesiredState, h TargetHandler) (*ChildHandlers, error) {
	return u.comp.declare(key, desired, h, true)
}

func (c *component) declare(key string, desired *DesiredState, h TargetHandler, container bool) (*ChildHandlers, error) {
	if h == nil {
		return nil, NewPermanentError("target handler is required", nil).
			WithCode(ErrCodeValidation).WithPath(c.path.String()).WithKey(key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.targets[key]; exists {
		return nil, NewPermanentError("target key declared twice", nil).
			WithCode(ErrCodeConflict).WithPath(c.path.String()).WithKey(key)
	}
	dt := &declaredTarget{desired: desired, handler: h}
	if container {
		if _, ok := h.Sink().(ChildBearingSink); !ok {
			return nil, NewPermanentError("handler sink cannot bear children", nil).
				WithCode(ErrCodeValidation).WithPath(c.path.String()).WithKey(key)
		}
		dt.children = newChildHandlers()
	}
	c.targets[key] = dt
	c.targetKeys = append(c.targetKeys, key)
	return dt.children, nil
}

// Handle observes a mounted child's readiness. A child is ready only after
// its own target diff is applied and all of its children are ready.
type Handle struct {
	c      *component
	parent *component
	err    error
}

// Wait blocks until the child is ready, with the mounting unit's execution
// slot released for the duration. Must be called from the mounting unit's
// logic.
func (h *Handle) Wait(ctx context.Context) error {
	if h.err != nil {
		return h.err
	}
	if h.parent != nil {
		return h.parent.yieldSlot(ctx, func() error { return h.c.wait(ctx) })
	}
	return h.c.wait(ctx)
}

// Mount registers a child unit at this unit's path extended by key and
// schedules its execution. The caller does not depend on the child's result,
// so in live mode the two refresh independently. The returned handle exposes
// readiness. ctx is the run context flowing through the unit's logic; a
// full-application abort cancels children at their suspension points while
// in-flight applies drain.
func (u *Unit) Mount(ctx context.Context, key Segment, fn UnitFunc) *Handle {
	return u.comp.mount(ctx, key, fn)
}

func (c *component) mount(ctx context.Context, key Segment, fn UnitFunc) *Handle {
	childPath := c.path.Child(key)
	enc := childPath.Encode()

	c.mu.Lock()
	if _, exists := c.children[enc]; exists {
		c.mu.Unlock()
		return &Handle{err: NewPermanentError("child key mounted twice", nil).
			WithCode(ErrCodeConflict).WithPath(childPath.String())}
	}
	kid := c.app.newComponent(childPath, c, fn)
	c.children[enc] = kid
	c.childOrder = append(c.childOrder, kid)
	c.mu.Unlock()

	go kid.run(ctx)
	return &Handle{c: kid, parent: c}
}

// MountValue is the dependency-creating mount flavor: it blocks the caller
// on the child's result, so the caller and child can no longer refresh
// independently: a re-run of the child requires a re-run of the caller.
func MountValue[T any](ctx context.Context, u *Unit, key Segment, fn func(ctx context.Context, child *Unit) (T, error)) (T, error) {
	var out T
	var outMu sync.Mutex
	h := u.comp.mount(ctx, key, func(ctx context.Context, child *Unit) error {
		v, err := fn(ctx, child)
		if err != nil {
			return err
		}
		outMu.Lock()
		out = v
		outMu.Unlock()
		return nil
	})
	if err := h.Wait(ctx); err != nil {
		var zero T
		return zero, err
	}
	outMu.Lock()
	defer outMu.Unlock()
	return out, nil
}

// startSpan opens a tracing span for unit execution.
func (a *App) startSpan(ctx context.Context, name string, path Path) (context.Context, func(error)) {
	if a.tracer == nil {
		return ctx, func(error) {}
	}
	return a.tracer.StartSpan(ctx, name,
		attribute.String("weft.app", a.name),
		attribute.String("weft.path", path.String()))
}

// marshalValue encodes a memoized return value.
func marshalValue(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, NewPermanentError("memoized value is not JSON-encodable", err).
			WithCode(ErrCodeFingerprint)
	}
	return b, nil
}
