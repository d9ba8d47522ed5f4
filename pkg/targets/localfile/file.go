package localfile

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/weftworks/weft/pkg/engine"
)

// KindFile is the registered kind name of the file handler.
const KindFile = "localfile.file"

func init() {
	engine.RegisterHandler(KindFile, func(spec json.RawMessage, _ *engine.Resources) (engine.TargetHandler, error) {
		return NewFileHandler(spec)
	})
}

// FileSpec configures a file handler: every target key is a file name
// relative to Dir.
type FileSpec struct {
	Dir string `json:"dir"`
}

// fileValue is the desired payload of one file target.
type fileValue struct {
	Content []byte      `json:"content"`
	Mode    fs.FileMode `json:"mode,omitempty"`
}

// ContentSignature returns the change-detection signature of file content.
func ContentSignature(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}

// FileContent builds the desired state for a file with the given content.
func FileContent(content []byte) (*engine.DesiredState, error) {
	return FileContentMode(content, 0)
}

// FileContentMode builds the desired state for a file with explicit
// permissions. A zero mode defaults to 0644 at apply time.
func FileContentMode(content []byte, mode fs.FileMode) (*engine.DesiredState, error) {
	value, err := json.Marshal(fileValue{Content: content, Mode: mode})
	if err != nil {
		return nil, fmt.Errorf("failed to encode file value: %w", err)
	}
	return &engine.DesiredState{Value: value, Signature: ContentSignature(content)}, nil
}

// fileAction is one idempotent filesystem operation. Re-applying after a
// crash overwrites or re-removes the same path.
type fileAction struct {
	op      engine.Op
	path    string
	content []byte
	mode    fs.FileMode
}

// FileHandler reconciles file targets under one directory.
type FileHandler struct {
	spec FileSpec
	sink *fileSink
}

// NewFileHandler creates a file handler from its serialized spec.
func NewFileHandler(spec json.RawMessage) (*FileHandler, error) {
	var s FileSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return nil, engine.NewPermanentError("invalid file handler spec", err).
			WithCode(engine.ErrCodeConfig)
	}
	if s.Dir == "" {
		return nil, engine.NewPermanentError("file handler spec requires dir", nil).
			WithCode(engine.ErrCodeConfig)
	}
	return &FileHandler{spec: s, sink: &fileSink{}}, nil
}

// NewFileHandlerAt creates a file handler rooted at dir.
func NewFileHandlerAt(dir string) (*FileHandler, error) {
	spec, err := json.Marshal(FileSpec{Dir: dir})
	if err != nil {
		return nil, fmt.Errorf("failed to encode file handler spec: %w", err)
	}
	return NewFileHandler(spec)
}

// Def returns the serializable definition of this handler.
func (h *FileHandler) Def() engine.HandlerDef {
	spec, _ := json.Marshal(h.spec)
	return engine.HandlerDef{Kind: KindFile, Spec: spec}
}

// Sink returns the batched filesystem sink.
func (h *FileHandler) Sink() engine.Sink { return h.sink }

// Reconcile decides the filesystem operation a key needs.
func (h *FileHandler) Reconcile(key string, desired *engine.DesiredState, candidates []engine.TrackingRecord, previousMayBeMissing bool) (*engine.Decision, error) {
	op := engine.ClassifyOp(desired, candidates, previousMayBeMissing)
	if op == engine.OpNone {
		return nil, nil
	}

	path := filepath.Join(h.spec.Dir, key)

	if op == engine.OpDelete {
		return &engine.Decision{
			Op:     op,
			Action: fileAction{op: op, path: path},
			Record: nil,
		}, nil
	}

	var v fileValue
	if err := json.Unmarshal(desired.Value, &v); err != nil {
		return nil, engine.NewPermanentError("invalid file value", err).
			WithCode(engine.ErrCodeValidation).WithKey(key)
	}

	return &engine.Decision{
		Op:     op,
		Action: fileAction{op: op, path: path, content: v.Content, mode: v.Mode},
		Record: &engine.TrackingRecord{
			Handler:   h.Def(),
			Signature: desired.Signature,
			AppliedAt: time.Now().UTC(),
		},
	}, nil
}

// fileSink executes file actions. Writes go through a temp file and rename
// so a crashed write never leaves partial content at the target path.
type fileSink struct{}

func (s *fileSink) Apply(ctx context.Context, batch []engine.KeyedAction) error {
	for _, ka := range batch {
		if ka.Action == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		act, ok := ka.Action.(fileAction)
		if !ok {
			return engine.NewPermanentError(
				fmt.Sprintf("unexpected action type %T for key %q", ka.Action, ka.Key), nil).
				WithCode(engine.ErrCodeInternal).WithKey(ka.Key)
		}
		if err := s.apply(act); err != nil {
			return engine.NewTransientError("file action failed", err).
				WithCode(engine.ErrCodeReconcile).WithKey(ka.Key)
		}
	}
	return nil
}

func (s *fileSink) apply(act fileAction) error {
	switch act.op {
	case engine.OpDelete:
		if err := os.Remove(act.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	case engine.OpCreate, engine.OpUpdate:
		mode := act.mode
		if mode == 0 {
			mode = 0o644
		}
		if err := os.MkdirAll(filepath.Dir(act.path), 0o755); err != nil {
			return err
		}
		return writeFileAtomic(act.path, act.content, mode)
	default:
		return fmt.Errorf("unknown file op %q", act.op)
	}
}

func writeFileAtomic(path string, content []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".weft-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
