package docmap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/model"
)

// DefaultMaxDepth bounds how deeply nested a document may be before the
// mapper refuses to walk it.
const DefaultMaxDepth = 100

var (
	ErrInvalidPath = errors.New("invalid path")
	ErrTooDeep     = errors.New("document nesting too deep")
	ErrNotObject   = errors.New("document must be a JSON object")
)

// leafTypes is the closed set of "type" values marking an editable leaf.
var leafTypes = map[string]bool{
	"text":        true,
	"Text":        true,
	"Placeholder": true,
}

// PathError reports an entry path that could not be resolved in a document.
type PathError struct {
	EntryID string
	Path    []string
	Step    int
	Reason  string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("resolve path %q for %s at step %d: %s", model.PathKey(e.Path), e.EntryID, e.Step, e.Reason)
}

func (e *PathError) Unwrap() error { return ErrInvalidPath }

// Mapper converts documents to flat editable entries and back.
type Mapper struct {
	maxDepth int
}

func New(maxDepth int) *Mapper {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Mapper{maxDepth: maxDepth}
}

var defaultMapper = New(DefaultMaxDepth)

// ToMap uses a mapper with the default depth bound.
func ToMap(document any) ([]model.MapEntry, error) {
	return defaultMapper.ToMap(document)
}

// FromMap uses a mapper with the default depth bound.
func FromMap(original map[string]any, entries []model.MapEntry) (map[string]any, error) {
	return defaultMapper.FromMap(original, entries)
}

// ToMap walks the document depth first and returns one entry per editable
// leaf. Object members are visited in sorted key order so ids are stable.
func (m *Mapper) ToMap(document any) ([]model.MapEntry, error) {
	entries := make([]model.MapEntry, 0)
	if err := m.walk(document, nil, 0, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (m *Mapper) walk(node any, path []string, depth int, entries *[]model.MapEntry) error {
	if depth > m.maxDepth {
		return fmt.Errorf("%w: exceeds %d levels", ErrTooDeep, m.maxDepth)
	}
	switch v := node.(type) {
	case map[string]any:
		if isLeaf(v) {
			value, err := Render(v["value"])
			if err != nil {
				return fmt.Errorf("render leaf %q: %w", model.PathKey(path), err)
			}
			*entries = append(*entries, model.MapEntry{
				ID:    "t" + strconv.Itoa(len(*entries)),
				Path:  extend(path, "value"),
				Value: value,
			})
			return nil
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := m.walk(v[k], extend(path, k), depth+1, entries); err != nil {
				return err
			}
		}
	case []any:
		for i, item := range v {
			if err := m.walk(item, extend(path, strconv.Itoa(i)), depth+1, entries); err != nil {
				return err
			}
		}
	}
	return nil
}

func isLeaf(obj map[string]any) bool {
	typ, ok := obj["type"].(string)
	if !ok || !leafTypes[typ] {
		return false
	}
	_, hasValue := obj["value"]
	return hasValue
}

func extend(path []string, step string) []string {
	out := make([]string, len(path), len(path)+1)
	copy(out, path)
	return append(out, step)
}

// FromMap returns a copy of original with every entry's value written at its
// path. The original is never mutated.
func (m *Mapper) FromMap(original map[string]any, entries []model.MapEntry) (map[string]any, error) {
	copied, err := m.deepCopy(original, 0)
	if err != nil {
		return nil, err
	}
	doc, _ := copied.(map[string]any)
	if doc == nil {
		doc = map[string]any{}
	}
	for _, entry := range entries {
		if err := assign(doc, entry); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func assign(doc map[string]any, entry model.MapEntry) error {
	if len(entry.Path) == 0 {
		return &PathError{EntryID: entry.ID, Path: entry.Path, Reason: "empty path"}
	}
	var current any = doc
	last := len(entry.Path) - 1
	for i, step := range entry.Path[:last] {
		next, err := child(current, step)
		if err != nil {
			return &PathError{EntryID: entry.ID, Path: entry.Path, Step: i, Reason: err.Error()}
		}
		current = next
	}

	final := entry.Path[last]
	switch c := current.(type) {
	case map[string]any:
		c[final] = restore(c[final], entry.Value)
	case []any:
		idx, err := index(final, len(c))
		if err != nil {
			return &PathError{EntryID: entry.ID, Path: entry.Path, Step: last, Reason: err.Error()}
		}
		c[idx] = restore(c[idx], entry.Value)
	default:
		return &PathError{EntryID: entry.ID, Path: entry.Path, Step: last, Reason: fmt.Sprintf("%T is not a container", current)}
	}
	return nil
}

func child(container any, step string) (any, error) {
	switch c := container.(type) {
	case map[string]any:
		next, ok := c[step]
		if !ok {
			return nil, fmt.Errorf("missing key %q", step)
		}
		return next, nil
	case []any:
		idx, err := index(step, len(c))
		if err != nil {
			return nil, err
		}
		return c[idx], nil
	default:
		return nil, fmt.Errorf("%T is not a container", container)
	}
}

func index(step string, length int) (int, error) {
	idx, err := strconv.Atoi(step)
	if err != nil || strings.HasPrefix(step, "+") || strings.HasPrefix(step, "-") {
		return 0, fmt.Errorf("step %q is not an array index", step)
	}
	if idx >= length {
		return 0, fmt.Errorf("index %d out of range (len %d)", idx, length)
	}
	return idx, nil
}

// restore converts the string form of a value back into the kind the leaf
// held before. Non-string leaves get the parsed JSON value only when it
// renders back to exactly the same text.
func restore(previous any, text string) any {
	if _, wasString := previous.(string); wasString {
		return text
	}
	parsed, err := decodeValue([]byte(text))
	if err != nil {
		return text
	}
	rendered, err := Render(parsed)
	if err != nil || rendered != text {
		return text
	}
	return parsed
}

func (m *Mapper) deepCopy(node any, depth int) (any, error) {
	if depth > m.maxDepth {
		return nil, fmt.Errorf("%w: exceeds %d levels", ErrTooDeep, m.maxDepth)
	}
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			c, err := m.deepCopy(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			c, err := m.deepCopy(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		return v, nil
	}
}

// Render returns the string form of a leaf value: strings verbatim, anything
// else as compact JSON.
func Render(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	}
	b, err := Canonical(value)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses a JSON object keeping numeric literals as json.Number.
func Decode(data []byte) (map[string]any, error) {
	v, err := decodeValue(data)
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return obj, nil
}

func decodeValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}
