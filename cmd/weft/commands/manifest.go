package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/weftworks/weft/pkg/engine"
	"github.com/weftworks/weft/pkg/stores"
)

// Duration parses YAML durations given in Go syntax, e.g. "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Manifest describes one sync application: mirror the files under Source
// into Target.
type Manifest struct {
	// App is the logical application name scoping the persisted state.
	App string `yaml:"app" validate:"required"`

	// Source is the directory whose files are mirrored.
	Source string `yaml:"source" validate:"required"`

	// Target is the directory the files are mirrored into.
	Target string `yaml:"target" validate:"required"`

	// MaxInflight bounds concurrently executing units. Zero defers to
	// WEFT_MAX_INFLIGHT and the built-in default.
	MaxInflight int `yaml:"maxInflight" validate:"omitempty,min=1"`

	// RefreshInterval re-runs the application in live mode after the given
	// interval. Zero disables timer-based refresh.
	RefreshInterval Duration `yaml:"refreshInterval"`
}

var manifestValidate = validator.New()

// LoadManifest reads and validates a manifest file, resolving its paths
// relative to the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := manifestValidate.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	base := filepath.Dir(path)
	if !filepath.IsAbs(m.Source) {
		m.Source = filepath.Join(base, m.Source)
	}
	if !filepath.IsAbs(m.Target) {
		m.Target = filepath.Join(base, m.Target)
	}
	return &m, nil
}

// openStore opens and migrates the state database behind --db.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// newApp builds the engine application for a store-backed command.
func newApp(name string, maxInflight int, store engine.Store, opts ...engine.Option) (*engine.App, error) {
	return engine.New(engine.Settings{AppName: name, MaxInflight: maxInflight}, store, opts...)
}
