package engine

import (
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// DefaultMaxInflight is the built-in bound on concurrently executing units.
const DefaultMaxInflight = 1024

// Environment variables consulted when a setting is not given explicitly.
const (
	// EnvMaxInflight overrides the process-wide concurrency limit.
	EnvMaxInflight = "WEFT_MAX_INFLIGHT"
)

// Settings configures one application run. The zero value plus an AppName is
// usable; unset fields fall back to environment variables and built-in
// defaults, with explicit settings taking precedence.
type Settings struct {
	// AppName is the logical application name; it scopes the store's memo
	// and target sub-tables ({app}:memo, {app}:targets).
	AppName string `validate:"required"`

	// MaxInflight bounds concurrently executing units for this application.
	// Zero defers to WEFT_MAX_INFLIGHT, then DefaultMaxInflight.
	MaxInflight int `validate:"omitempty,min=1"`
}

var settingsValidate = validator.New()

// Validate checks the settings. Malformed settings are fatal at startup.
func (s *Settings) Validate() error {
	if err := settingsValidate.Struct(s); err != nil {
		return NewPermanentError("invalid settings", err).WithCode(ErrCodeConfig)
	}
	if s.MaxInflight == 0 {
		if v := os.Getenv(EnvMaxInflight); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return NewPermanentError(
					EnvMaxInflight+" must be a positive integer", err).
					WithCode(ErrCodeConfig)
			}
		}
	}
	return nil
}

// ResolveMaxInflight resolves the concurrency limit with precedence:
// explicit per-application setting, process-wide environment variable,
// built-in default.
func (s *Settings) ResolveMaxInflight() int {
	if s.MaxInflight > 0 {
		return s.MaxInflight
	}
	if v := os.Getenv(EnvMaxInflight); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return DefaultMaxInflight
}
