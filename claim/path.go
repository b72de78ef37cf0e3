package claim

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrInvalidPath = errors.New("invalid claim path")

type segmentKind int

const (
	segmentKey segmentKind = iota
	segmentIndex
	segmentWildcard
)

// Segment is one step of a claim path: a map key, a sequence index or a
// wildcard selecting every element of a sequence.
type Segment struct {
	kind  segmentKind
	key   string
	index int
}

func Key(k string) Segment { return Segment{kind: segmentKey, key: k} }
func Index(i int) Segment { return Segment{kind: segmentIndex, index: i} }
func Wildcard() Segment { return Segment{kind: segmentWildcard} }
func (s Segment) IsKey() bool { return s.kind == segmentKey }
func (s Segment) IsIndex() bool { return s.kind == segmentIndex }
func (s Segment) IsWildcard() bool { return s.kind == segmentWildcard }
func (s Segment) KeyName() string { return s.key }
func (s Segment) IndexValue() int { return s.index }

func (s Segment) raw() interface{} {
	switch s.kind {
	case segmentKey:
		return s.key
	case segmentIndex:
		return s.index
	}
	return nil
}

// Path is a claim path as used by DCQL claim queries.
type Path []Segment

// NewPath builds a path from string keys.
func NewPath(keys ...string) Path {
	p := make(Path, 0, len(keys))
	for _, k := range keys {
		p = append(p, Key(k))
	}
	return p
}

// ParsePath converts a decoded JSON array into a path. Elements must be
// strings, non-negative integers or null.
func ParsePath(raw []interface{}) (Path, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	p := make(Path, 0, len(raw))
	for i, r := range raw {
		switch t := r.(type) {
		case nil:
			p = append(p, Wildcard())
		case string:
			p = append(p, Key(t))
		case float64:
			if t < 0 || t != math.Trunc(t) {
				return nil, fmt.Errorf("%w: element %d is not a non-negative integer: %v", ErrInvalidPath, i, t)
			}
			p = append(p, Index(int(t)))
		case json.Number:
			n, err := t.Int64()
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: element %d is not a non-negative integer: %v", ErrInvalidPath, i, t)
			}
			p = append(p, Index(int(n)))
		case int:
			if t < 0 {
				return nil, fmt.Errorf("%w: element %d is negative", ErrInvalidPath, i)
			}
			p = append(p, Index(t))
		default:
			return nil, fmt.Errorf("%w: element %d has unsupported type %T", ErrInvalidPath, i, r)
		}
	}
	return p, nil
}

// Keys returns the path as strings if every segment is a key.
func (p Path) Keys() ([]string, bool) {
	out := make([]string, 0, len(p))
	for _, s := range p {
		if !s.IsKey() {
			return nil, false
		}
		out = append(out, s.key)
	}
	return out, true
}

// HasPrefix reports whether prefix matches the start of p. A wildcard in
// either path matches any index.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if !prefix[i].matches(p[i]) {
			return false
		}
	}
	return true
}

func (s Segment) matches(o Segment) bool {
	switch {
	case s.kind == segmentKey || o.kind == segmentKey:
		return s.kind == o.kind && s.key == o.key
	case s.kind == segmentWildcard || o.kind == segmentWildcard:
		return true
	}
	return s.index == o.index
}

func (p Path) MarshalJSON() ([]byte, error) {
	raw := make([]interface{}, 0, len(p))
	for _, s := range p {
		raw = append(raw, s.raw())
	}
	return json.Marshal(raw)
}

func (p *Path) UnmarshalJSON(data []byte) error {
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	parsed, err := ParsePath(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p Path) String() string {
	parts := make([]string, 0, len(p))
	for _, s := range p {
		switch s.kind {
		case segmentKey:
			parts = append(parts, fmt.Sprintf("%q", s.key))
		case segmentIndex:
			parts = append(parts, fmt.Sprint(s.index))
		default:
			parts = append(parts, "null")
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}
