package engine

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// CanonicalFunc converts a value into a deterministic byte encoding used for
// fingerprinting. The encoding must be stable across process restarts.
type CanonicalFunc func(v any) ([]byte, error)

// Canonicalizer can be implemented by argument types to supply their own
// canonical encoding without registering a type-level function.
type Canonicalizer interface {
	CanonicalBytes() ([]byte, error)
}

// canonRegistry holds type-registered canonicalization functions and the set
// of types explicitly marked non-memoizable.
type canonRegistry struct {
	mu      sync.RWMutex
	byType  map[reflect.Type]CanonicalFunc
	ifaces  []reflect.Type // interface registrations, most recent first
	blocked map[reflect.Type]bool
}

var canon = &canonRegistry{
	byType:  make(map[reflect.Type]CanonicalFunc),
	blocked: make(map[reflect.Type]bool),
}

// RegisterCanonicalizer registers a canonicalization function for a type.
// Concrete-type registrations win over interface registrations; among
// matching interface registrations the most specific one wins (an interface
// that itself implements another matching interface), regardless of
// registration order. Equally specific matches fall back to the most recently
// registered.
func RegisterCanonicalizer(t reflect.Type, fn CanonicalFunc) {
	canon.mu.Lock()
	defer canon.mu.Unlock()
	canon.byType[t] = fn
	if t.Kind() == reflect.Interface {
		canon.ifaces = append([]reflect.Type{t}, canon.ifaces...)
	}
}

// MarkNonMemoizable marks a type as forbidden in fingerprints. Using a value
// of such a type as part of a memoization key is a hard error.
func MarkNonMemoizable(t reflect.Type) {
	canon.mu.Lock()
	defer canon.mu.Unlock()
	canon.blocked[t] = true
}

// lookup resolves the canonicalization function for a concrete type, if any.
func (r *canonRegistry) lookup(t reflect.Type) (CanonicalFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.byType[t]; ok && t.Kind() != reflect.Interface {
		return fn, true
	}
	// Among matching interfaces, pick the most specific one. ifaces is
	// most-recent-first, so equally specific matches resolve to the latest
	// registration.
	var best reflect.Type
	for _, it := range r.ifaces {
		if !t.Implements(it) &&
			(t.Kind() == reflect.Ptr || !reflect.PtrTo(t).Implements(it)) {
			continue
		}
		if best == nil || (it.Implements(best) && !best.Implements(it)) {
			best = it
		}
	}
	if best == nil {
		return nil, false
	}
	return r.byType[best], true
}

func (r *canonRegistry) isBlocked(t reflect.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blocked[t]
}

// canonArg wraps an argument together with an argument-supplied
// canonicalization function. It takes precedence over any registration.
type canonArg struct {
	v  any
	fn CanonicalFunc
}

// WithCanonical attaches an argument-supplied canonicalization function to a
// single memoization argument.
func WithCanonical(v any, fn CanonicalFunc) any {
	return canonArg{v: v, fn: fn}
}

// Fingerprint derives the deterministic fingerprint for a unit-of-work
// invocation from the call-site identity, the implementation version, and
// the arguments. The returned value is a hex-encoded 64-bit hash.
//
// Canonicalization precedence per argument: argument-supplied function,
// type-registered function (most specific type wins), then structural
// encoding of recognized primitive and container shapes. Anything else is a
// permanent invalidation-key error.
func Fingerprint(site string, version int, args []any) (string, error) {
	d := xxhash.New()
	_, _ = d.WriteString(site)
	writeU64(d, uint64(version))
	for i, a := range args {
		writeU64(d, uint64(i))
		if err := writeCanonical(d, a); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%016x", d.Sum64()), nil
}

func writeU64(d *xxhash.Digest, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, _ = d.Write(buf[:])
}

func writeTagged(d *xxhash.Digest, tag byte, b []byte) {
	_, _ = d.Write([]byte{tag})
	writeU64(d, uint64(len(b)))
	_, _ = d.Write(b)
}

func writeCanonical(d *xxhash.Digest, a any) error {
	if ca, ok := a.(canonArg); ok {
		b, err := ca.fn(ca.v)
		if err != nil {
			return NewPermanentError("argument canonicalization failed", err).
				WithCode(ErrCodeFingerprint)
		}
		writeTagged(d, 'C', b)
		return nil
	}
	if a == nil {
		writeTagged(d, 'z', nil)
		return nil
	}

	t := reflect.TypeOf(a)
	if canon.isBlocked(t) || (t.Kind() == reflect.Ptr && canon.isBlocked(t.Elem())) {
		return NewPermanentError(
			fmt.Sprintf("type %s is marked non-memoizable", t), nil).
			WithCode(ErrCodeFingerprint)
	}
	if fn, ok := canon.lookup(t); ok {
		b, err := fn(a)
		if err != nil {
			return NewPermanentError("registered canonicalization failed", err).
				WithCode(ErrCodeFingerprint)
		}
		writeTagged(d, 'R', b)
		return nil
	}
	if c, ok := a.(Canonicalizer); ok {
		b, err := c.CanonicalBytes()
		if err != nil {
			return NewPermanentError("canonicalizer failed", err).
				WithCode(ErrCodeFingerprint)
		}
		writeTagged(d, 'R', b)
		return nil
	}
	return writeStructural(d, reflect.ValueOf(a))
}

// writeStructural encodes recognized primitive and container shapes.
func writeStructural(d *xxhash.Digest, v reflect.Value) error {
	t := v.Type()
	if canon.isBlocked(t) {
		return NewPermanentError(
			fmt.Sprintf("type %s is marked non-memoizable", t), nil).
			WithCode(ErrCodeFingerprint)
	}

	// Specific well-known types before the generic kinds.
	switch val := v.Interface().(type) {
	case time.Time:
		writeTagged(d, 'T', []byte(val.UTC().Format(time.RFC3339Nano)))
		return nil
	case time.Duration:
		_, _ = d.Write([]byte{'D'})
		writeU64(d, uint64(val))
		return nil
	case Segment:
		writeTagged(d, 'g', []byte(val.Encode()))
		return nil
	case Path:
		writeTagged(d, 'p', []byte(val.Encode()))
		return nil
	case []byte:
		writeTagged(d, 'x', val)
		return nil
	}

	switch t.Kind() {
	case reflect.Bool:
		b := byte(0)
		if v.Bool() {
			b = 1
		}
		_, _ = d.Write([]byte{'b', b})
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		_, _ = d.Write([]byte{'i'})
		writeU64(d, uint64(v.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		_, _ = d.Write([]byte{'u'})
		writeU64(d, v.Uint())
	case reflect.Float32, reflect.Float64:
		_, _ = d.Write([]byte{'f'})
		writeU64(d, math.Float64bits(v.Float()))
	case reflect.String:
		writeTagged(d, 's', []byte(v.String()))
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			writeTagged(d, 'z', nil)
			return nil
		}
		return writeStructural(d, v.Elem())
	case reflect.Slice, reflect.Array:
		if t.Kind() == reflect.Slice && v.IsNil() {
			writeTagged(d, 'z', nil)
			return nil
		}
		_, _ = d.Write([]byte{'['})
		writeU64(d, uint64(v.Len()))
		for i := 0; i < v.Len(); i++ {
			if err := writeStructural(d, v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		if v.IsNil() {
			writeTagged(d, 'z', nil)
			return nil
		}
		// Hash map entries independently, then combine order-free so the
		// iteration order cannot leak into the fingerprint.
		_, _ = d.Write([]byte{'m'})
		writeU64(d, uint64(v.Len()))
		sums := make([]uint64, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			ed := xxhash.New()
			if err := writeStructural(ed, iter.Key()); err != nil {
				return err
			}
			if err := writeStructural(ed, iter.Value()); err != nil {
				return err
			}
			sums = append(sums, ed.Sum64())
		}
		sort.Slice(sums, func(i, j int) bool { return sums[i] < sums[j] })
		for _, s := range sums {
			writeU64(d, s)
		}
	case reflect.Struct:
		_, _ = d.Write([]byte{'{'})
		writeTagged(d, 'n', []byte(t.String()))
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			writeTagged(d, 'k', []byte(f.Name))
			if err := writeStructural(d, v.Field(i)); err != nil {
				return err
			}
		}
		_, _ = d.Write([]byte{'}'})
	default:
		return NewPermanentError(
			fmt.Sprintf("cannot fingerprint value of type %s: no canonicalization registered", t), nil).
			WithCode(ErrCodeFingerprint)
	}
	return nil
}
