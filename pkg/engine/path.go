package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// SegmentKind discriminates the atomic key shapes a path segment can take.
type SegmentKind uint8

const (
	// SegmentString is a plain string key.
	SegmentString SegmentKind = iota

	// SegmentInt is a signed integer key.
	SegmentInt

	// SegmentBool is a boolean key.
	SegmentBool

	// SegmentSymbol is a namespaced symbol key (namespace + name).
	SegmentSymbol

	// SegmentTuple is an ordered tuple of the other segment kinds.
	SegmentTuple
)

// Segment is one atomic key in a stable path. Segments must be unique among
// siblings and stable across runs for the same logical item.
type Segment struct {
	Kind  SegmentKind
	Str   string
	Ns    string
	Int   int64
	Bool  bool
	Tuple []Segment
}

// Str builds a string segment.
func Str(s string) Segment { return Segment{Kind: SegmentString, Str: s} }

// Int builds an integer segment.
func Int(i int64) Segment { return Segment{Kind: SegmentInt, Int: i} }

// Bool builds a boolean segment.
func Bool(b bool) Segment { return Segment{Kind: SegmentBool, Bool: b} }

// Sym builds a namespaced symbol segment.
func Sym(ns, name string) Segment { return Segment{Kind: SegmentSymbol, Ns: ns, Str: name} }

// Tuple builds a tuple segment from the given parts.
func Tuple(parts ...Segment) Segment { return Segment{Kind: SegmentTuple, Tuple: parts} }

// encode writes an injective encoding of the segment. Strings are escaped so
// that the path separator and the segment delimiters never collide with user
// data.
func (s Segment) encode(sb *strings.Builder) {
	switch s.Kind {
	case SegmentString:
		sb.WriteByte('s')
		sb.WriteString(escapeSegment(s.Str))
	case SegmentInt:
		sb.WriteByte('i')
		sb.WriteString(strconv.FormatInt(s.Int, 10))
	case SegmentBool:
		sb.WriteByte('b')
		if s.Bool {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	case SegmentSymbol:
		sb.WriteByte('y')
		sb.WriteString(escapeSegment(s.Ns))
		sb.WriteByte(':')
		sb.WriteString(escapeSegment(s.Str))
	case SegmentTuple:
		sb.WriteByte('(')
		for i, p := range s.Tuple {
			if i > 0 {
				sb.WriteByte(',')
			}
			p.encode(sb)
		}
		sb.WriteByte(')')
	}
}

// Encode returns the canonical string form of the segment.
func (s Segment) Encode() string {
	var sb strings.Builder
	s.encode(&sb)
	return sb.String()
}

// String renders the segment for humans.
func (s Segment) String() string {
	switch s.Kind {
	case SegmentString:
		return s.Str
	case SegmentInt:
		return strconv.FormatInt(s.Int, 10)
	case SegmentBool:
		return strconv.FormatBool(s.Bool)
	case SegmentSymbol:
		return s.Ns + "/" + s.Str
	case SegmentTuple:
		parts := make([]string, len(s.Tuple))
		for i, p := range s.Tuple {
			parts[i] = p.String()
		}
		return "(" + strings.Join(parts, ",") + ")"
	default:
		return fmt.Sprintf("<segment kind=%d>", s.Kind)
	}
}

// Equal reports whether two segments are the same key.
func (s Segment) Equal(o Segment) bool {
	if s.Kind != o.Kind {
		return false
	}
	switch s.Kind {
	case SegmentString:
		return s.Str == o.Str
	case SegmentInt:
		return s.Int == o.Int
	case SegmentBool:
		return s.Bool == o.Bool
	case SegmentSymbol:
		return s.Ns == o.Ns && s.Str == o.Str
	case SegmentTuple:
		if len(s.Tuple) != len(o.Tuple) {
			return false
		}
		for i := range s.Tuple {
			if !s.Tuple[i].Equal(o.Tuple[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Path is an ordered sequence of segments identifying a processing unit's
// position in the component tree. Two units with the same path are the same
// unit across time.
type Path []Segment

// RootPath is the path of a mounted root unit.
var RootPath = Path{}

// Child returns a new path extended by one segment.
func (p Path) Child(s Segment) Path {
	c := make(Path, len(p)+1)
	copy(c, p)
	c[len(p)] = s
	return c
}

// Parent returns the path without its last segment, or nil for the root.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}

// IsRoot reports whether the path has no segments.
func (p Path) IsRoot() bool { return len(p) == 0 }

// Encode returns the canonical, injective string form of the path, used as a
// store key. The root path encodes to "/".
func (p Path) Encode() string {
	if len(p) == 0 {
		return "/"
	}
	var sb strings.Builder
	for _, s := range p {
		sb.WriteByte('/')
		s.encode(&sb)
	}
	return sb.String()
}

// String renders the path for humans and log fields.
func (p Path) String() string {
	if len(p) == 0 {
		return "/"
	}
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = s.String()
	}
	return "/" + strings.Join(parts, "/")
}

// Equal reports whether two paths identify the same unit.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if !p[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// escapeSegment escapes the characters that carry structure in the encoded
// form: the path separator, tuple delimiters, and the escape character.
func escapeSegment(s string) string {
	if !strings.ContainsAny(s, `/(),:%`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '/', '(', ')', ',', ':', '%':
			fmt.Fprintf(&sb, "%%%02x", c)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
