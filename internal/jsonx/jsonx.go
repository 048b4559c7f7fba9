// Package jsonx extracts JSON structures from language-model output.
//
// Models asked for JSON frequently wrap it in prose or markdown fences.
// Decode tries a strict parse of the trimmed text first, then falls back
// to scanning for the outermost bracket pair. Callers get a typed
// ParseError that distinguishes "no structure present" from "structure
// present but malformed", so recovery policy can differ per call site.
package jsonx

import (
	"encoding/json"
	"strings"
)

// ParseError reports a failed extraction.
type ParseError struct {
	// Kind is one of KindNoStructure or KindMalformed.
	Kind string
	// Snippet is a short prefix of the offending text.
	Snippet string
	Err     error
}

const (
	KindNoStructure = "no_structure"
	KindMalformed   = "malformed"
)

func (e *ParseError) Error() string {
	if e.Err != nil {
		return "jsonx: " + e.Kind + ": " + e.Err.Error()
	}
	return "jsonx: " + e.Kind
}

func (e *ParseError) Unwrap() error { return e.Err }

// Decode extracts a JSON object from text into v.
func Decode(text string, v any) error {
	return decode(text, v, '{', '}')
}

// DecodeArray extracts a JSON array from text into v.
func DecodeArray(text string, v any) error {
	return decode(text, v, '[', ']')
}

func decode(text string, v any, open, close byte) error {
	trimmed := strings.TrimSpace(stripFences(text))

	// Strict pass: the whole reply is the structure.
	if len(trimmed) > 0 && trimmed[0] == open {
		if err := json.Unmarshal([]byte(trimmed), v); err == nil {
			return nil
		}
	}

	// Lenient pass: outermost bracket pair anywhere in the text.
	start := strings.IndexByte(trimmed, open)
	end := strings.LastIndexByte(trimmed, close)
	if start == -1 || end == -1 || end < start {
		return &ParseError{Kind: KindNoStructure, Snippet: snippet(trimmed)}
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), v); err != nil {
		return &ParseError{Kind: KindMalformed, Snippet: snippet(trimmed), Err: err}
	}
	return nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		first := strings.TrimSpace(t[:nl])
		if first != "" && !strings.ContainsAny(first, "{}[]") {
			t = t[nl+1:]
		}
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return t
}

func snippet(s string) string {
	if len(s) > 80 {
		return s[:80]
	}
	return s
}
