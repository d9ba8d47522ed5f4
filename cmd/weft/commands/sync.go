package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/weftworks/weft/pkg/engine"
	"github.com/weftworks/weft/pkg/targets/localfile"
)

// syncRoot builds the root unit of a sync application. The root declares the
// target directory as a container, mounts one child unit per source file, and
// lets reconciliation handle creates, updates, and deletes of files that came
// and went between runs.
func syncRoot(m *Manifest) engine.UnitFunc {
	return func(ctx context.Context, u *engine.Unit) error {
		files, err := engine.Memoize(ctx, u, "scan", engine.MemoOpts{
			Version: 1,
			Args:    []any{m.Source},
			Freshness: []engine.FreshnessCheck{
				{Name: "listing", Check: listingFreshness(m.Source)},
			},
		}, func(ctx context.Context) ([]string, error) {
			return scanFiles(m.Source)
		})
		if err != nil {
			return err
		}

		dh, err := localfile.NewDirHandlerAt(filepath.Dir(m.Target))
		if err != nil {
			return err
		}
		children, err := u.DeclareContainer(filepath.Base(m.Target), localfile.DirDesired(), dh)
		if err != nil {
			return err
		}

		for _, rel := range files {
			u.Mount(ctx, engine.Str(rel), syncFile(m, children, rel))
		}
		return nil
	}
}

// syncFile builds the unit mirroring one source file. The file handler comes
// from the container's resolved child definition, so the unit blocks until
// the target directory exists.
func syncFile(m *Manifest, children *engine.ChildHandlers, rel string) engine.UnitFunc {
	return func(ctx context.Context, u *engine.Unit) error {
		src := filepath.Join(m.Source, rel)
		content, err := engine.Memoize(ctx, u, "read", engine.MemoOpts{
			Version: 1,
			Args:    []any{src},
			Freshness: []engine.FreshnessCheck{
				{Name: "content", Check: fileFreshness(src)},
			},
		}, func(ctx context.Context) ([]byte, error) {
			return os.ReadFile(src)
		})
		if err != nil {
			return err
		}

		def, err := children.Get(ctx, localfile.ChildFile)
		if err != nil {
			return err
		}
		h, err := engine.ResolveHandler(def, u.Resources())
		if err != nil {
			return err
		}
		desired, err := localfile.FileContent(content)
		if err != nil {
			return err
		}
		return u.DeclareTarget(filepath.ToSlash(rel), desired, h)
	}
}

// scanFiles lists regular files under dir as sorted slash-separated relative
// paths.
func scanFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// listingFreshness invalidates the cached file listing when names appear or
// vanish. Its state is a hash over the sorted relative paths, so content
// changes do not re-scan.
func listingFreshness(dir string) engine.FreshnessFunc {
	return func(ctx context.Context, prev json.RawMessage, hasPrev bool) (json.RawMessage, bool, error) {
		files, err := scanFiles(dir)
		if err != nil {
			return nil, false, err
		}
		h := xxhash.New()
		for _, f := range files {
			_, _ = h.WriteString(f)
			_, _ = h.WriteString("\x00")
		}
		next, err := json.Marshal(fmt.Sprintf("%016x", h.Sum64()))
		if err != nil {
			return nil, false, err
		}
		return next, hasPrev && bytes.Equal(prev, next), nil
	}
}

// fileState is the persisted freshness state of one source file.
type fileState struct {
	ModTime int64  `json:"mtime"`
	Size    int64  `json:"size"`
	Hash    string `json:"hash"`
}

// fileFreshness is a two-tier check on one source file: the cheap stat tier
// skips the content hash entirely when mtime and size are unchanged, and only
// a changed hash invalidates the cached read.
func fileFreshness(path string) engine.FreshnessFunc {
	return func(ctx context.Context, prev json.RawMessage, hasPrev bool) (json.RawMessage, bool, error) {
		info, err := os.Stat(path)
		if err != nil {
			return nil, false, err
		}

		var prevState fileState
		if hasPrev {
			if err := json.Unmarshal(prev, &prevState); err != nil {
				return nil, false, err
			}
			if prevState.ModTime == info.ModTime().UnixNano() && prevState.Size == info.Size() {
				return prev, true, nil
			}
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return nil, false, err
		}
		next := fileState{
			ModTime: info.ModTime().UnixNano(),
			Size:    info.Size(),
			Hash:    fmt.Sprintf("%016x", xxhash.Sum64(content)),
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return nil, false, err
		}
		return raw, hasPrev && next.Hash == prevState.Hash, nil
	}
}
