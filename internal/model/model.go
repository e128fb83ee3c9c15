package model

import (
	"strings"
	"time"
)

// MapEntry is one editable leaf of a document, addressed by a stable id and
// the key/index path from the root to the leaf's value member.
type MapEntry struct {
	ID    string   `json:"id"`
	Path  []string `json:"path"`
	Value string   `json:"value"`
}

// ProposedChange is a candidate edit to one MapEntry awaiting confirmation.
type ProposedChange struct {
	ID            string   `json:"id"`
	Path          []string `json:"path"`
	CurrentValue  string   `json:"current_value"`
	ProposedValue string   `json:"proposed_value"`
	Confidence    float64  `json:"confidence"`
}

// AppliedChange records a ProposedChange that was written into a document.
type AppliedChange struct {
	ID        string    `json:"id"`
	Path      []string  `json:"path"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	AppliedAt time.Time `json:"applied_at"`
}

// Session ties one preview to the document it was computed against.
type Session struct {
	SessionID       string           `json:"session_id"`
	Document        map[string]any   `json:"document"`
	DocumentHash    string           `json:"document_hash"`
	ProposedChanges []ProposedChange `json:"proposed_changes"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Result statuses shared by preview and apply.
const (
	StatusSuccess        = "success"
	StatusNoChanges      = "no_changes"
	StatusPartialSuccess = "partial_success"
	StatusError          = "error"
)

// PathKey joins a path for display and grouping.
func PathKey(path []string) string {
	return strings.Join(path, " -> ")
}

// SamePath reports whether two paths have identical steps.
func SamePath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of s that shares no maps or slices with it.
func (s Session) Clone() Session {
	out := s
	out.Document = CloneDocument(s.Document)
	if s.ProposedChanges != nil {
		out.ProposedChanges = make([]ProposedChange, len(s.ProposedChanges))
		for i, c := range s.ProposedChanges {
			c.Path = append([]string(nil), c.Path...)
			out.ProposedChanges[i] = c
		}
	}
	return out
}

// CloneDocument deep-copies a decoded JSON object. Scalars are shared since
// they are immutable.
func CloneDocument(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	return cloneValue(doc).(map[string]any)
}

func cloneValue(node any) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	}
	return node
}
