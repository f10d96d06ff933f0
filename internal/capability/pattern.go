// ABOUTME: Capability patterns describing which envelope kinds and payload
// ABOUTME: shapes a participant may send. Compiled at join time, matched per envelope.

package capability

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Pattern compilation errors. These surface at participant-join time;
// matching itself never fails for well-formed inputs.
var (
	ErrEmptyKind      = errors.New("capability pattern has empty kind")
	ErrEmptySegment   = errors.New("capability pattern has empty kind segment")
	ErrEmbeddedStar   = errors.New("wildcard must be a whole kind segment")
	ErrEmptyAlternate = errors.New("alternation has an empty branch")
	ErrBadPayload     = errors.New("malformed payload sub-pattern")
)

// Spec is the declarative form of a capability pattern, as it appears in
// space configuration or a join handshake.
type Spec struct {
	Kind    string         `json:"kind" yaml:"kind"`
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Pattern is a compiled capability pattern. Compile once, match many times;
// a compiled Pattern is immutable and safe for concurrent use.
type Pattern struct {
	spec     Spec
	segments []segment
	payload  payloadPattern
}

// segment is one compiled element of a kind pattern.
type segment struct {
	literal string
	alts    []string // non-empty for alternation segments
	any     bool     // bare * matching exactly one segment
	rest    bool     // trailing * matching one or more segments
}

// Compile parses a pattern spec. Malformed wildcard or alternation syntax is
// a configuration error reported here, never at match time.
func Compile(spec Spec) (*Pattern, error) {
	if spec.Kind == "" {
		return nil, ErrEmptyKind
	}
	parts := strings.Split(spec.Kind, "/")
	segments := make([]segment, 0, len(parts))
	for i, part := range parts {
		seg, err := compileSegment(part, i == len(parts)-1)
		if err != nil {
			return nil, fmt.Errorf("kind %q: %w", spec.Kind, err)
		}
		segments = append(segments, seg)
	}

	var payload payloadPattern
	if spec.Payload != nil {
		var err error
		payload, err = compilePayload(spec.Payload)
		if err != nil {
			return nil, fmt.Errorf("kind %q: %w", spec.Kind, err)
		}
	}

	return &Pattern{spec: spec, segments: segments, payload: payload}, nil
}

func compileSegment(part string, last bool) (segment, error) {
	switch {
	case part == "":
		return segment{}, ErrEmptySegment
	case part == "*":
		if last {
			return segment{rest: true}, nil
		}
		return segment{any: true}, nil
	case strings.Contains(part, "*"):
		return segment{}, fmt.Errorf("%w: %q", ErrEmbeddedStar, part)
	case strings.Contains(part, "|"):
		alts := strings.Split(part, "|")
		for _, alt := range alts {
			if alt == "" {
				return segment{}, fmt.Errorf("%w: %q", ErrEmptyAlternate, part)
			}
		}
		return segment{alts: alts}, nil
	default:
		return segment{literal: part}, nil
	}
}

// Spec returns the declarative form this pattern was compiled from.
func (p *Pattern) Spec() Spec { return p.spec }

// String returns the pattern's kind expression.
func (p *Pattern) String() string { return p.spec.Kind }

// HasPayloadPattern reports whether the pattern refines matches by payload.
func (p *Pattern) HasPayloadPattern() bool { return p.payload != nil }

// Matches reports whether an envelope of the given kind and payload is
// admitted by this pattern. Pure and side-effect-free.
func (p *Pattern) Matches(kind string, payload map[string]any) bool {
	if !p.matchKind(kind) {
		return false
	}
	if p.payload == nil {
		return true
	}
	return p.payload.match(payload)
}

// matchKind is segment-aware: mcp/* matches mcp/request:tools/call but
// never mcpx/anything.
func (p *Pattern) matchKind(kind string) bool {
	got := strings.Split(kind, "/")
	for i, seg := range p.segments {
		if seg.rest {
			// Trailing * consumes one or more remaining segments.
			return len(got) > i
		}
		if i >= len(got) {
			return false
		}
		if !seg.matchOne(got[i]) {
			return false
		}
	}
	return len(got) == len(p.segments)
}

func (s segment) matchOne(part string) bool {
	if s.any {
		return true
	}
	if len(s.alts) > 0 {
		for _, alt := range s.alts {
			if alt == part {
				return true
			}
		}
		return false
	}
	return s.literal == part
}

// payloadPattern is a recursive tagged variant: a leaf is either a literal
// value or the "*" wildcard, and interior nodes are partial structural maps.
type payloadPattern interface {
	match(value any) bool
}

type wildcardValue struct{}

func (wildcardValue) match(any) bool { return true }

type literalValue struct{ want any }

func (l literalValue) match(value any) bool {
	if numericEqual(l.want, value) {
		return true
	}
	return reflect.DeepEqual(l.want, value)
}

type mapPattern map[string]payloadPattern

// match requires every pattern key to be present and match; extra keys in
// the candidate payload are ignored.
func (m mapPattern) match(value any) bool {
	candidate, ok := value.(map[string]any)
	if !ok {
		return false
	}
	for key, sub := range m {
		got, present := candidate[key]
		if !present {
			return false
		}
		if !sub.match(got) {
			return false
		}
	}
	return true
}

func compilePayload(raw map[string]any) (payloadPattern, error) {
	out := make(mapPattern, len(raw))
	for key, v := range raw {
		if key == "" {
			return nil, fmt.Errorf("%w: empty key", ErrBadPayload)
		}
		sub, err := compileValue(v)
		if err != nil {
			return nil, err
		}
		out[key] = sub
	}
	return out, nil
}

func compileValue(v any) (payloadPattern, error) {
	switch t := v.(type) {
	case string:
		if t == "*" {
			return wildcardValue{}, nil
		}
		return literalValue{want: t}, nil
	case map[string]any:
		return compilePayload(t)
	default:
		return literalValue{want: v}, nil
	}
}

// numericEqual treats JSON and YAML numeric decodings (float64, int, int64)
// as the same value space.
func numericEqual(a, b any) bool {
	fa, ok := toFloat(a)
	if !ok {
		return false
	}
	fb, ok := toFloat(b)
	if !ok {
		return false
	}
	return fa == fb
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
