// Package parse pulls structured values out of the free text a remote shell
// prints: banners, log lines, color codes and somewhere in between a JSON blob.
package parse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

var (
	ErrParse         = errors.New("parse error")
	ErrAmbiguous     = fmt.Errorf("%w: ambiguous JSON candidates", ErrParse)
	ErrFieldNotFound = errors.New("field not found")
)

// Value is one JSON object or array found in stdout.
type Value struct {
	Raw    json.RawMessage // exact text as it appeared
	Value  any             // decoded, numbers as json.Number
	Offset int             // byte offset in the cleaned text
}

// Compact returns Raw without insignificant whitespace.
func (v Value) Compact() string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v.Raw); err != nil {
		return string(v.Raw)
	}
	return buf.String()
}

// Lookup resolves a dotted path such as "user.id" or "items.0.name".
// The empty path is the value itself.
func (v Value) Lookup(path string) (any, error) {
	cur := v.Value
	if path == "" {
		return cur, nil
	}
	for _, key := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[key]
			if !ok {
				return nil, fmt.Errorf("%w: %q (missing %q)", ErrFieldNotFound, path, key)
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("%w: %q (bad index %q)", ErrFieldNotFound, path, key)
			}
			cur = node[i]
		default:
			return nil, fmt.Errorf("%w: %q (%q is not an object or array)", ErrFieldNotFound, path, key)
		}
	}
	return cur, nil
}

// Has reports whether path resolves inside v.
func (v Value) Has(path string) bool {
	_, err := v.Lookup(path)
	return err == nil
}

// Hint picks one value out of several candidates.
type Hint func(candidates []Value) (Value, error)

// HintFirst picks the leftmost candidate.
func HintFirst(c []Value) (Value, error) { return c[0], nil }

// HintLast picks the rightmost candidate; scripts often print the answer last.
func HintLast(c []Value) (Value, error) { return c[len(c)-1], nil }

// HintHasField picks the only candidate in which path resolves.
func HintHasField(path string) Hint {
	return func(c []Value) (Value, error) {
		var matched []Value
		for _, v := range c {
			if v.Has(path) {
				matched = append(matched, v)
			}
		}
		switch {
		case len(matched) == 0:
			return Value{}, fmt.Errorf("%w: %q in any of %d JSON values", ErrFieldNotFound, path, len(c))
		case len(matched) > 1 && !sameValues(matched):
			return Value{}, fmt.Errorf("%w: %d values contain %q", ErrAmbiguous, len(matched), path)
		}
		return matched[0], nil
	}
}

// Clean removes ANSI escape sequences and carriage returns.
func Clean(stdout string) string {
	return strings.ReplaceAll(ansi.Strip(stdout), "\r", "")
}

// Candidates returns every JSON object or array in stdout, left to right,
// without overlap.
func Candidates(stdout string) []Value {
	text := Clean(stdout)
	var out []Value
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			continue
		}
		end := i + int(dec.InputOffset())
		out = append(out, Value{Raw: json.RawMessage(text[i:end]), Value: v, Offset: i})
		i = end - 1
	}
	return out
}

// ExtractJSON returns the single JSON object or array embedded in stdout.
// Several distinct candidates are an ErrAmbiguous error; use ExtractJSONWith.
func ExtractJSON(stdout string) (Value, error) {
	return ExtractJSONWith(stdout, nil)
}

// ExtractJSONWith is ExtractJSON with a hint used when there are several candidates.
func ExtractJSONWith(stdout string, hint Hint) (Value, error) {
	c := Candidates(stdout)
	switch {
	case len(c) == 0:
		return Value{}, fmt.Errorf("%w: no JSON object or array in %d bytes of output", ErrParse, len(stdout))
	case len(c) == 1 || sameValues(c):
		return c[0], nil
	case hint == nil:
		return Value{}, fmt.Errorf("%w: %d JSON values found", ErrAmbiguous, len(c))
	}
	return hint(c)
}

// ExtractField extracts the JSON value in stdout and returns the value at
// path as text: strings unquoted, other scalars as JSON literals, objects and
// arrays as compact JSON. The path doubles as the hint when stdout holds
// several JSON values.
func ExtractField(stdout, path string) (string, error) {
	v, err := ExtractJSONWith(stdout, HintHasField(path))
	if err != nil {
		return "", err
	}
	field, err := v.Lookup(path)
	if err != nil {
		return "", err
	}
	return Text(field)
}

// Text renders a decoded JSON value the way ExtractField returns it.
func Text(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	case nil:
		return "null", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrParse, err)
	}
	return string(b), nil
}

func sameValues(c []Value) bool {
	first := c[0].Compact()
	for _, v := range c[1:] {
		if v.Compact() != first {
			return false
		}
	}
	return true
}
