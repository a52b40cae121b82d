// Package pattern compiles parameterized URL patterns such as
// /v1/router/list/:thing or [get]/v1/offers/validate/:phone/:code
// into matchers that bind named path segments against a concrete request path.
package pattern

import (
	"fmt"
	"strings"
)

// Matcher holds a compiled pattern and matches concrete paths against it.
type Matcher struct {
	raw      string   // literal pattern, method tag already stripped
	method   string   // lowercase method tag, empty if none was given
	segments []segment
}

type segment struct {
	literal string // set when not a capture
	name    string // capture name, set when literal == ""
	capture bool
}

// Captures maps named segments from a matched path to their concrete values.
type Captures map[string]string

// Compile parses pattern into a Matcher. It fails on empty patterns or
// patterns with empty segments (double slashes, trailing ":" with no name).
func Compile(raw string) (*Matcher, error) {
	method, body := splitMethodTag(raw)

	if body == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	if !strings.HasPrefix(body, "/") {
		return nil, fmt.Errorf("pattern %q must start with /", raw)
	}

	parts := strings.Split(strings.Trim(body, "/"), "/")
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("pattern %q has an empty segment", raw)
		}
		if strings.HasPrefix(p, ":") {
			name := p[1:]
			if name == "" {
				return nil, fmt.Errorf("pattern %q has an unnamed capture", raw)
			}
			segs = append(segs, segment{name: name, capture: true})
			continue
		}
		segs = append(segs, segment{literal: p})
	}

	return &Matcher{raw: body, method: method, segments: segs}, nil
}

// Method returns the lowercase method tag the pattern was registered with,
// or "" if the pattern carried none.
func (m *Matcher) Method() string { return m.method }

// String returns the literal pattern, with the method tag stripped, as it
// is stored by RouteTable (spec: "patterns are stored without the leading
// method tag").
func (m *Matcher) String() string { return m.raw }

// Match attempts to match path (no query string, no trailing-slash magic)
// against the compiled pattern. ok is false when the segment count or any
// literal segment disagrees.
func (m *Matcher) Match(path string) (caps Captures, ok bool) {
	trimmed := strings.Trim(path, "/")
	var parts []string
	if trimmed != "" {
		parts = strings.Split(trimmed, "/")
	}
	if len(parts) != len(m.segments) {
		return nil, false
	}

	caps = Captures{}
	for i, seg := range m.segments {
		if seg.capture {
			caps[seg.name] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, false
		}
	}
	return caps, true
}

// splitMethodTag strips a leading "[verb]" tag, e.g. "[get]/x" -> ("get", "/x").
// A pattern without a tag returns ("", raw).
func splitMethodTag(raw string) (method, rest string) {
	if !strings.HasPrefix(raw, "[") {
		return "", raw
	}
	end := strings.Index(raw, "]")
	if end < 0 {
		return "", raw
	}
	return strings.ToLower(raw[1:end]), raw[end+1:]
}
