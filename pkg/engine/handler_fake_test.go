package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// kvRecorder is the fake external system behind the test handler: a map of
// key to signature plus a log of every applied action.
type kvRecorder struct {
	mu      sync.Mutex
	state   map[string]string
	applied []string // "op key" in apply order
	failOps int      // fail the next N applies
}

func newKVRecorder() *kvRecorder {
	return &kvRecorder{state: make(map[string]string)}
}

func (r *kvRecorder) appliedOps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.applied...)
}

func (r *kvRecorder) get(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.state[key]
	return v, ok
}

var kvRecorderKey = NewResourceKey[*kvRecorder]("test.kv.recorder")

const kindKV = "test.kv"

func init() {
	RegisterHandler(kindKV, func(spec json.RawMessage, res *Resources) (TargetHandler, error) {
		rec, err := From(res, kvRecorderKey)
		if err != nil {
			return nil, err
		}
		return newKVHandler(rec), nil
	})
}

type kvAction struct {
	op        Op
	signature string
}

// kvHandler is a minimal handler over the kvRecorder. Its desired-state value
// is the signature itself.
type kvHandler struct {
	rec  *kvRecorder
	sink *kvSink
}

func newKVHandler(rec *kvRecorder) *kvHandler {
	return &kvHandler{rec: rec, sink: &kvSink{rec: rec}}
}

func kvDesired(signature string) *DesiredState {
	return &DesiredState{Signature: signature}
}

func (h *kvHandler) Def() HandlerDef {
	return HandlerDef{Kind: kindKV}
}

func (h *kvHandler) Sink() Sink { return h.sink }

func (h *kvHandler) Reconcile(key string, desired *DesiredState, candidates []TrackingRecord, previousMayBeMissing bool) (*Decision, error) {
	op := ClassifyOp(desired, candidates, previousMayBeMissing)
	if op == OpNone {
		return nil, nil
	}
	if op == OpDelete {
		return &Decision{Op: op, Action: kvAction{op: op}, Record: nil}, nil
	}
	return &Decision{
		Op:     op,
		Action: kvAction{op: op, signature: desired.Signature},
		Record: &TrackingRecord{
			Handler:   h.Def(),
			Signature: desired.Signature,
			AppliedAt: time.Now().UTC(),
		},
	}, nil
}

type kvSink struct {
	rec *kvRecorder
}

func (s *kvSink) Apply(_ context.Context, batch []KeyedAction) error {
	s.rec.mu.Lock()
	defer s.rec.mu.Unlock()
	if s.rec.failOps > 0 {
		s.rec.failOps--
		return NewPermanentError("injected apply failure", nil).WithCode(ErrCodeReconcile)
	}
	for _, ka := range batch {
		if ka.Action == nil {
			continue
		}
		act, ok := ka.Action.(kvAction)
		if !ok {
			return fmt.Errorf("unexpected action type %T", ka.Action)
		}
		switch act.op {
		case OpDelete:
			delete(s.rec.state, ka.Key)
		default:
			s.rec.state[ka.Key] = act.signature
		}
		s.rec.applied = append(s.rec.applied, string(act.op)+" "+ka.Key)
	}
	return nil
}

const kindKVBox = "test.kv.box"

func init() {
	RegisterHandler(kindKVBox, func(spec json.RawMessage, res *Resources) (TargetHandler, error) {
		rec, err := From(res, kvRecorderKey)
		if err != nil {
			return nil, err
		}
		return newContainerHandler(rec), nil
	})
}

// containerHandler is a child-bearing fake: applying it records the key like
// the kv handler and hands out the kv handler definition under "item".
type containerHandler struct {
	kvHandler
	csink *containerSink
}

func newContainerHandler(rec *kvRecorder) *containerHandler {
	h := &containerHandler{kvHandler: kvHandler{rec: rec}}
	h.csink = &containerSink{kvSink{rec: rec}}
	return h
}

func (h *containerHandler) Def() HandlerDef {
	return HandlerDef{Kind: kindKVBox}
}

func (h *containerHandler) Sink() Sink { return h.csink }

func (h *containerHandler) Reconcile(key string, desired *DesiredState, candidates []TrackingRecord, previousMayBeMissing bool) (*Decision, error) {
	d, err := h.kvHandler.Reconcile(key, desired, candidates, previousMayBeMissing)
	if d != nil && d.Record != nil {
		d.Record.Handler = h.Def()
	}
	return d, err
}

type containerSink struct {
	kvSink
}

func (s *containerSink) ApplyChildren(ctx context.Context, batch []KeyedAction) (map[string]map[string]HandlerDef, error) {
	if err := s.Apply(ctx, batch); err != nil {
		return nil, err
	}
	defs := make(map[string]map[string]HandlerDef, len(batch))
	for _, ka := range batch {
		defs[ka.Key] = map[string]HandlerDef{"item": {Kind: kindKV}}
	}
	return defs, nil
}

// newTestApp builds an app over a fresh in-memory store and recorder.
func newTestApp(t interface{ Fatalf(string, ...any) }, name string, maxInflight int) (*App, *memStore, *kvRecorder) {
	store := newMemStore()
	rec := newKVRecorder()
	res := NewResources()
	Provide(res, kvRecorderKey, rec)
	app, err := New(Settings{AppName: name, MaxInflight: maxInflight}, store, WithResources(res))
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}
	return app, store, rec
}
