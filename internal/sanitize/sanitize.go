// Package sanitize turns untrusted generative-backend text into a validated
// structured record. Sanitize is pure and total: every input yields either a
// Record or an *Error with a defined kind.
package sanitize

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Failure kinds. The values match the error strings carried in failed
// outcome events.
const (
	KindNoJSONFound     = "no_json_found"
	KindMalformedJSON   = "malformed_json"
	KindSchemaViolation = "schema_violation"
)

// Unknown is the explicit marker for optional fields absent from the
// backend response. Missing fields are never silently dropped or guessed.
const Unknown = "unknown"

// Numeric fields outside [MinNumeric, MaxNumeric] are clamped and flagged.
const (
	MinNumeric = 0
	MaxNumeric = 1000
)

// Error is a typed sanitization failure. Raw retains the offending backend
// text for operator diagnostics; it is never part of the error message and
// must not be persisted as trusted structured data.
type Error struct {
	Kind string
	Msg  string
	Raw  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("sanitize: %s: %s", e.Kind, e.Msg)
}

// KindOf extracts the failure kind from an error returned by Sanitize.
func KindOf(err error) string {
	if se, ok := err.(*Error); ok {
		return se.Kind
	}
	return ""
}

// Field types accepted by a schema.
const (
	TypeString = "string"
	TypeInt    = "int"
)

// Field describes one expected field of the backend response.
type Field struct {
	Name     string
	Type     string
	Required bool
}

// Schema is the expected field set for one kind of generation.
type Schema []Field

// Value is a single validated field value. Known is false for optional
// fields the backend omitted; String() renders those as the Unknown marker.
type Value struct {
	Str   string
	Num   int
	IsNum bool
	Known bool
}

// Record is the validated output of Sanitize. Clamped lists numeric fields
// that were pulled back into range.
type Record struct {
	Fields  map[string]Value
	Clamped []string
}

// String returns the field rendered as text, or the Unknown marker.
func (r *Record) String(name string) string {
	v, ok := r.Fields[name]
	if !ok || !v.Known {
		return Unknown
	}
	if v.IsNum {
		return fmt.Sprintf("%d", v.Num)
	}
	return v.Str
}

// Int returns the numeric field value and whether it was present.
func (r *Record) Int(name string) (int, bool) {
	v, ok := r.Fields[name]
	if !ok || !v.Known || !v.IsNum {
		return 0, false
	}
	return v.Num, true
}

// Opening fences like ```json swallow the rest of their line; stray ```
// markers are dropped afterwards.
var fenceLineRe = regexp.MustCompile("```[^\n]*\n")

func stripFences(raw string) string {
	s := fenceLineRe.ReplaceAllString(raw, "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// extractJSON returns the first balanced {...} substring, brace-counting
// with string and escape awareness so commentary around the object is
// tolerated.
func extractJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// Sanitize validates raw backend text against schema. Required fields must
// be present with the expected primitive type; missing optional fields get
// the Unknown marker; unexpected extra fields are ignored; out-of-range
// numerics are clamped and flagged, never rejected.
func Sanitize(raw string, schema Schema) (*Record, error) {
	cleaned := stripFences(raw)

	blob, ok := extractJSON(cleaned)
	if !ok {
		return nil, &Error{Kind: KindNoJSONFound, Msg: "no JSON object found in backend response", Raw: raw}
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(blob), &parsed); err != nil {
		return nil, &Error{Kind: KindMalformedJSON, Msg: err.Error(), Raw: raw}
	}

	rec := &Record{Fields: make(map[string]Value, len(schema))}
	for _, f := range schema {
		got, present := parsed[f.Name]
		if !present || got == nil {
			if f.Required {
				return nil, &Error{Kind: KindSchemaViolation, Msg: fmt.Sprintf("required field %q missing", f.Name), Raw: raw}
			}
			rec.Fields[f.Name] = Value{}
			continue
		}

		switch f.Type {
		case TypeString:
			s, ok := got.(string)
			if !ok {
				return nil, &Error{Kind: KindSchemaViolation, Msg: fmt.Sprintf("field %q: expected string, got %T", f.Name, got), Raw: raw}
			}
			if f.Required && strings.TrimSpace(s) == "" {
				return nil, &Error{Kind: KindSchemaViolation, Msg: fmt.Sprintf("required field %q is empty", f.Name), Raw: raw}
			}
			rec.Fields[f.Name] = Value{Str: s, Known: true}
		case TypeInt:
			num, ok := got.(float64) // encoding/json decodes all numbers as float64
			if !ok {
				return nil, &Error{Kind: KindSchemaViolation, Msg: fmt.Sprintf("field %q: expected number, got %T", f.Name, got), Raw: raw}
			}
			n := int(num)
			if n < MinNumeric {
				n = MinNumeric
				rec.Clamped = append(rec.Clamped, f.Name)
			} else if n > MaxNumeric {
				n = MaxNumeric
				rec.Clamped = append(rec.Clamped, f.Name)
			}
			rec.Fields[f.Name] = Value{Num: n, IsNum: true, Known: true}
		default:
			return nil, &Error{Kind: KindSchemaViolation, Msg: fmt.Sprintf("schema field %q has unsupported type %q", f.Name, f.Type), Raw: raw}
		}
	}
	return rec, nil
}
