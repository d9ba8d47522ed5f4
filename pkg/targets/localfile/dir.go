package localfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/weftworks/weft/pkg/engine"
)

// KindDir is the registered kind name of the directory handler.
const KindDir = "localfile.dir"

// ChildFile is the child handler name a directory target resolves.
const ChildFile = "file"

func init() {
	engine.RegisterHandler(KindDir, func(spec json.RawMessage, _ *engine.Resources) (engine.TargetHandler, error) {
		return NewDirHandler(spec)
	})
}

// DirSpec configures a directory handler: every target key is a directory
// name relative to Root.
type DirSpec struct {
	Root string `json:"root"`
}

type dirAction struct {
	op   engine.Op
	path string
}

// DirDesired builds the desired state for a directory. Directories carry no
// payload; their signature is constant.
func DirDesired() *engine.DesiredState {
	return &engine.DesiredState{Signature: "dir"}
}

// DirHandler reconciles directory targets. It is a container handler: once a
// directory exists, it hands out a file handler definition rooted there.
type DirHandler struct {
	spec DirSpec
	sink *dirSink
}

// NewDirHandler creates a directory handler from its serialized spec.
func NewDirHandler(spec json.RawMessage) (*DirHandler, error) {
	var s DirSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return nil, engine.NewPermanentError("invalid directory handler spec", err).
			WithCode(engine.ErrCodeConfig)
	}
	if s.Root == "" {
		return nil, engine.NewPermanentError("directory handler spec requires root", nil).
			WithCode(engine.ErrCodeConfig)
	}
	return &DirHandler{spec: s, sink: &dirSink{root: s.Root}}, nil
}

// NewDirHandlerAt creates a directory handler rooted at root.
func NewDirHandlerAt(root string) (*DirHandler, error) {
	spec, err := json.Marshal(DirSpec{Root: root})
	if err != nil {
		return nil, fmt.Errorf("failed to encode directory handler spec: %w", err)
	}
	return NewDirHandler(spec)
}

// Def returns the serializable definition of this handler.
func (h *DirHandler) Def() engine.HandlerDef {
	spec, _ := json.Marshal(h.spec)
	return engine.HandlerDef{Kind: KindDir, Spec: spec}
}

// Sink returns the child-bearing directory sink.
func (h *DirHandler) Sink() engine.Sink { return h.sink }

// Reconcile decides whether a directory must be created or removed.
func (h *DirHandler) Reconcile(key string, desired *engine.DesiredState, candidates []engine.TrackingRecord, previousMayBeMissing bool) (*engine.Decision, error) {
	op := engine.ClassifyOp(desired, candidates, previousMayBeMissing)
	if op == engine.OpNone {
		return nil, nil
	}

	path := filepath.Join(h.spec.Root, key)

	if op == engine.OpDelete {
		return &engine.Decision{
			Op:     op,
			Action: dirAction{op: op, path: path},
			Record: nil,
		}, nil
	}

	return &engine.Decision{
		Op:     op,
		Action: dirAction{op: op, path: path},
		Record: &engine.TrackingRecord{
			Handler:   h.Def(),
			Signature: desired.Signature,
			AppliedAt: time.Now().UTC(),
		},
	}, nil
}

// dirSink creates and removes directories and resolves the file handler its
// children use. Keys with a nil action still resolve: the directory already
// exists from a previous run.
type dirSink struct {
	root string
}

func (s *dirSink) Apply(ctx context.Context, batch []engine.KeyedAction) error {
	_, err := s.ApplyChildren(ctx, batch)
	return err
}

func (s *dirSink) ApplyChildren(ctx context.Context, batch []engine.KeyedAction) (map[string]map[string]engine.HandlerDef, error) {
	defs := make(map[string]map[string]engine.HandlerDef, len(batch))
	for _, ka := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(s.root, ka.Key)
		deleted := false

		if ka.Action != nil {
			act, ok := ka.Action.(dirAction)
			if !ok {
				return nil, engine.NewPermanentError(
					fmt.Sprintf("unexpected action type %T for key %q", ka.Action, ka.Key), nil).
					WithCode(engine.ErrCodeInternal).WithKey(ka.Key)
			}
			path = act.path
			switch act.op {
			case engine.OpDelete:
				if err := os.RemoveAll(act.path); err != nil {
					return nil, engine.NewTransientError("directory removal failed", err).
						WithCode(engine.ErrCodeReconcile).WithKey(ka.Key)
				}
				deleted = true
			case engine.OpCreate, engine.OpUpdate:
				if err := os.MkdirAll(act.path, 0o755); err != nil {
					return nil, engine.NewTransientError("directory creation failed", err).
						WithCode(engine.ErrCodeReconcile).WithKey(ka.Key)
				}
			default:
				return nil, engine.NewPermanentError(
					fmt.Sprintf("unknown directory op %q", act.op), nil).
					WithCode(engine.ErrCodeInternal).WithKey(ka.Key)
			}
		}

		if deleted {
			continue
		}
		fileSpec, err := json.Marshal(FileSpec{Dir: path})
		if err != nil {
			return nil, fmt.Errorf("failed to encode child handler spec: %w", err)
		}
		defs[ka.Key] = map[string]engine.HandlerDef{
			ChildFile: {Kind: KindFile, Spec: fileSpec},
		}
	}
	return defs, nil
}
