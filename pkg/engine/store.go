package engine

import (
	"context"
	"encoding/json"
	"time"
)

// MemoEntry is a cached unit-of-work result keyed by call-site identity and
// input fingerprint, plus the mutable freshness states used for post-match
// validation.
type MemoEntry struct {
	// Site identifies the call site (component path plus memo name).
	Site string `json:"site"`

	// Fingerprint is the hex-encoded hash of inputs and logic version.
	Fingerprint string `json:"fingerprint"`

	// Value is the cached return value, JSON-encoded.
	Value json.RawMessage `json:"value,omitempty"`

	// Freshness maps freshness-check names to their stored states.
	Freshness map[string]json.RawMessage `json:"freshness,omitempty"`

	// UpdatedAt is when the entry was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persisted, crash-safe state behind an application: one memo
// sub-table and one target-tracking sub-table per logical application, plus
// the component registry needed to detect vanished children across possibly
// interrupted runs. All writes are atomic per key.
type Store interface {
	// GetMemo returns the memo entry for a call site, or nil when none.
	GetMemo(ctx context.Context, app, site string) (*MemoEntry, error)

	// PutMemo creates or overwrites the memo entry for a call site.
	PutMemo(ctx context.Context, app string, entry *MemoEntry) error

	// GetTracked returns the tracked view of one target key, or nil when the
	// key has no committed or staged records.
	GetTracked(ctx context.Context, app, componentPath, key string) (*TrackedTarget, error)

	// ListTracked returns all tracked keys of one component.
	ListTracked(ctx context.Context, app, componentPath string) ([]TrackedTarget, error)

	// StageTracking durably records the intent to apply an action for a key
	// before the action executes. Staged records survive a crash and drive
	// the previous-may-be-missing flag on the next run.
	StageTracking(ctx context.Context, app, componentPath, key string, rec TrackingRecord) error

	// PromoteTracking atomically replaces every candidate record of a key
	// after its action succeeded. A nil record clears the key entirely.
	PromoteTracking(ctx context.Context, app, componentPath, key string, rec *TrackingRecord) error

	// PutComponent records that a path was mounted under a parent.
	PutComponent(ctx context.Context, app, path, parentPath string) error

	// DeleteComponent removes a path from the component registry.
	DeleteComponent(ctx context.Context, app, path string) error

	// ListChildComponents returns the encoded paths mounted under a parent
	// as of the last completed run.
	ListChildComponents(ctx context.Context, app, parentPath string) ([]string, error)

	// ListApps returns the names of all applications present in the store.
	ListApps(ctx context.Context) ([]string, error)

	// ListAllTracked returns every tracked target of an application, used by
	// drop to revert everything.
	ListAllTracked(ctx context.Context, app string) ([]TrackedTarget, error)

	// DropApp removes all memo entries, tracking records, and component
	// rows of an application.
	DropApp(ctx context.Context, app string) error
}
