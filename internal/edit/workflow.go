// Package edit runs the preview and apply halves of a natural-language edit.
//
// Preview maps a document to editable entries, asks the provider for
// candidate changes, filters them through guardrails and stores the survivors
// in a session. Apply reloads that session, checks the document has not moved
// on, and writes the confirmed changes.
//
// Two concurrent applies of the same session are not serialized; both may
// succeed against the same stored document. Callers that need exactly-once
// semantics delete the session after the first successful apply.
package edit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/docmap"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/guardrails"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/llm"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/model"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/session"
)

// DefaultProviderTimeout bounds a single preview's model call.
const DefaultProviderTimeout = 30 * time.Second

type Options struct {
	MaxDocumentSize int
	ProviderTimeout time.Duration
	Mapper          *docmap.Mapper
	Logger          *slog.Logger
	Now             func() time.Time
}

type PreviewResult struct {
	SessionID string                 `json:"session_id"`
	Changes   []model.ProposedChange `json:"changes"`
	Message   string                 `json:"message"`
	Status    string                 `json:"status"`
	Warnings  []string               `json:"warnings,omitempty"`
}

// ApplyRequest selects which changes of a session to write. A nil
// ConfirmedChanges applies every change; an empty non-nil slice applies none.
// When CurrentDocument is set it must still match the previewed document.
type ApplyRequest struct {
	SessionID        string         `json:"session_id"`
	ConfirmedChanges []string       `json:"confirmed_changes,omitempty"`
	CurrentDocument  map[string]any `json:"current_document,omitempty"`
}

type ApplyResult struct {
	SessionID        string                `json:"session_id"`
	ModifiedDocument map[string]any        `json:"modified_document"`
	AppliedChanges   []model.AppliedChange `json:"applied_changes"`
	Message          string                `json:"message"`
	Status           string                `json:"status"`
	Warnings         []string              `json:"warnings,omitempty"`
	// DocumentHash identifies the document the changes were applied to.
	DocumentHash string `json:"document_hash"`
}

type Workflow struct {
	guards   *guardrails.Engine
	provider llm.Provider
	sessions *session.Coordinator
	mapper   *docmap.Mapper
	maxSize  int
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func New(guards *guardrails.Engine, provider llm.Provider, sessions *session.Coordinator, opts Options) *Workflow {
	if opts.Mapper == nil {
		opts.Mapper = docmap.New(docmap.DefaultMaxDepth)
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = DefaultProviderTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Workflow{
		guards:   guards,
		provider: provider,
		sessions: sessions,
		mapper:   opts.Mapper,
		maxSize:  opts.MaxDocumentSize,
		timeout:  opts.ProviderTimeout,
		now:      opts.Now,
		logger:   opts.Logger.With("component", "edit"),
	}
}

// Preview proposes changes for instruction and stores them in a new session.
func (w *Workflow) Preview(ctx context.Context, document map[string]any, instruction string) (PreviewResult, error) {
	if document == nil {
		return PreviewResult{}, fail(KindValidation, CodeInvalidDocument, "Document must be a JSON object", nil)
	}
	if err := w.guards.ValidateDocumentSize(document, w.maxSize); err != nil {
		return PreviewResult{}, guardrailsError(err)
	}
	cleaned, err := w.guards.SanitizeInstruction(instruction)
	if err != nil {
		return PreviewResult{}, guardrailsError(err)
	}

	entries, err := w.mapper.ToMap(document)
	if err != nil {
		return PreviewResult{}, mapperError(err)
	}
	if len(entries) == 0 {
		return PreviewResult{}, fail(KindValidation, CodeNoEditableContent, "Document contains no editable text content", nil).
			with("leaf_types", []string{"text", "Text", "Placeholder"}).
			suggest("Make sure editable nodes carry a \"type\" of text, Text or Placeholder and a \"value\" member")
	}

	pctx, cancel := context.WithTimeout(ctx, w.timeout)
	candidates, err := w.provider.ProposeChanges(pctx, entries, cleaned)
	cancel()
	if err != nil {
		w.logger.Error("provider failed", "provider", w.provider.Name(), "err", err)
		return PreviewResult{}, providerError(err)
	}

	changes, warnings := w.reconcile(entries, candidates)
	if len(changes) == 0 {
		w.logger.Info("no changes needed", "instruction", cleaned)
		return PreviewResult{
			SessionID: session.GenerateSessionID(),
			Changes:   []model.ProposedChange{},
			Message:   noChangesMessage(cleaned),
			Status:    model.StatusNoChanges,
			Warnings:  warnings,
		}, nil
	}

	checked, err := w.guards.ValidateChanges(changes, cleaned)
	if err != nil {
		return PreviewResult{}, guardrailsError(err)
	}
	warnings = append(warnings, checked.Warnings...)

	id, err := w.sessions.CreateSession(ctx, document, checked.Accepted)
	if err != nil {
		return PreviewResult{}, sessionError("", err)
	}
	w.logger.Info("preview created", "session_id", id, "changes", len(checked.Accepted), "blocked", len(checked.BlockedIDs))

	return PreviewResult{
		SessionID: id,
		Changes:   checked.Accepted,
		Message:   previewMessage(checked.Accepted),
		Status:    model.StatusSuccess,
		Warnings:  warnings,
	}, nil
}

// reconcile keeps candidates that address a known entry at its real path,
// corrects their current value, and drops no-ops and duplicates.
func (w *Workflow) reconcile(entries []model.MapEntry, candidates []model.ProposedChange) ([]model.ProposedChange, []string) {
	byID := make(map[string]model.MapEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	seen := make(map[string]bool, len(candidates))
	var kept []model.ProposedChange
	var warnings []string
	for _, c := range candidates {
		entry, ok := byID[c.ID]
		if !ok {
			w.logger.Warn("dropping change for unknown entry", "id", c.ID)
			warnings = append(warnings, fmt.Sprintf("Change %s dropped: no such entry", c.ID))
			continue
		}
		if len(c.Path) == 0 {
			c.Path = entry.Path
		}
		if !model.SamePath(c.Path, entry.Path) {
			w.logger.Warn("dropping change with mismatched path", "id", c.ID, "path", model.PathKey(c.Path), "expected", model.PathKey(entry.Path))
			warnings = append(warnings, fmt.Sprintf("Change %s dropped: path does not match entry", c.ID))
			continue
		}
		if seen[c.ID] {
			continue
		}
		if c.CurrentValue != entry.Value {
			w.logger.Debug("correcting current value", "id", c.ID, "reported", c.CurrentValue, "actual", entry.Value)
			c.CurrentValue = entry.Value
		}
		if c.ProposedValue == entry.Value {
			continue
		}
		seen[c.ID] = true
		c.Path = append([]string(nil), entry.Path...)
		kept = append(kept, c)
	}
	return kept, warnings
}

// Apply writes the confirmed changes of a session into its stored document.
// The session is left in place.
func (w *Workflow) Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	id := strings.TrimSpace(req.SessionID)
	sess, err := w.sessions.GetSession(ctx, id)
	if err != nil {
		return ApplyResult{}, sessionError(id, err)
	}

	current := any(sess.Document)
	if req.CurrentDocument != nil {
		current = req.CurrentDocument
	}
	if err := session.Verify(sess, current); err != nil {
		w.logger.Warn("document changed since preview", "session_id", id)
		return ApplyResult{}, sessionError(id, err)
	}

	selected, err := selectChanges(sess.ProposedChanges, req.ConfirmedChanges)
	if err != nil {
		return ApplyResult{}, err
	}
	if len(selected) == 0 {
		return ApplyResult{
			SessionID:        id,
			ModifiedDocument: model.CloneDocument(sess.Document),
			AppliedChanges:   []model.AppliedChange{},
			Message:          nothingConfirmedMessage,
			Status:           model.StatusNoChanges,
			DocumentHash:     sess.DocumentHash,
		}, nil
	}

	entries, err := w.mapper.ToMap(sess.Document)
	if err != nil {
		return ApplyResult{}, mapperError(err)
	}
	byID := make(map[string]int, len(entries))
	for i, e := range entries {
		byID[e.ID] = i
	}

	now := w.now().UTC()
	var applied []model.AppliedChange
	var warnings []string
	for _, c := range selected {
		idx, ok := byID[c.ID]
		if !ok || !model.SamePath(entries[idx].Path, c.Path) {
			w.logger.Warn("change path not found in document", "id", c.ID, "path", model.PathKey(c.Path))
			warnings = append(warnings, fmt.Sprintf("Change %s skipped: path %s not found in document", c.ID, model.PathKey(c.Path)))
			continue
		}
		old := entries[idx].Value
		if old != c.CurrentValue {
			warnings = append(warnings, fmt.Sprintf("Change %s: expected current value '%s', found '%s'", c.ID, c.CurrentValue, old))
		}
		entries[idx].Value = c.ProposedValue
		applied = append(applied, model.AppliedChange{
			ID:        c.ID,
			Path:      c.Path,
			OldValue:  old,
			NewValue:  c.ProposedValue,
			AppliedAt: now,
		})
	}
	if len(applied) == 0 {
		return ApplyResult{}, fail(KindPathResolution, CodeNoChangesApplied, "None of the selected changes could be applied to the document", nil).
			with("warnings", warnings).
			suggest("Generate a new preview with the current document")
	}

	modified, err := w.mapper.FromMap(sess.Document, entries)
	if err != nil {
		var pe *docmap.PathError
		if errors.As(err, &pe) {
			return ApplyResult{}, fail(KindPathResolution, CodeInvalidPath, pe.Error(), err).
				with("path", pe.Path).
				with("change_id", pe.EntryID)
		}
		return ApplyResult{}, mapperError(err)
	}
	if err := w.verifyApplied(modified, len(entries), applied); err != nil {
		return ApplyResult{}, err
	}

	status := model.StatusSuccess
	if len(applied) < len(selected) {
		status = model.StatusPartialSuccess
	}
	w.logger.Info("changes applied", "session_id", id, "applied", len(applied), "selected", len(selected))
	return ApplyResult{
		SessionID:        id,
		ModifiedDocument: modified,
		AppliedChanges:   applied,
		Message:          applyMessage(applied),
		Status:           status,
		Warnings:         warnings,
		DocumentHash:     sess.DocumentHash,
	}, nil
}

// selectChanges resolves confirmed ids against the session's changes. Any
// unknown id rejects the whole request.
func selectChanges(all []model.ProposedChange, confirmed []string) ([]model.ProposedChange, error) {
	if confirmed == nil {
		return all, nil
	}
	byID := make(map[string]model.ProposedChange, len(all))
	available := make([]string, 0, len(all))
	for _, c := range all {
		byID[c.ID] = c
		available = append(available, c.ID)
	}

	var invalid []string
	wanted := make(map[string]bool, len(confirmed))
	for _, raw := range confirmed {
		id := strings.TrimSpace(raw)
		if _, ok := byID[id]; !ok {
			invalid = append(invalid, raw)
			continue
		}
		wanted[id] = true
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return nil, fail(KindValidation, CodeInvalidChangeIDs, "Invalid change IDs specified: "+strings.Join(invalid, ", "), nil).
			with("invalid_ids", invalid).
			with("available_ids", available).
			suggest("Use only change IDs returned by the preview")
	}

	selected := make([]model.ProposedChange, 0, len(wanted))
	for _, c := range all {
		if wanted[c.ID] {
			selected = append(selected, c)
		}
	}
	return selected, nil
}

// verifyApplied re-maps the modified document and checks every applied value
// landed where expected.
func (w *Workflow) verifyApplied(modified map[string]any, wantEntries int, applied []model.AppliedChange) error {
	remapped, err := w.mapper.ToMap(modified)
	if err != nil {
		return mapperError(err)
	}
	if len(remapped) != wantEntries {
		return fail(KindPathResolution, CodeVerificationFailed, fmt.Sprintf("Expected %d editable entries after apply, found %d", wantEntries, len(remapped)), nil).
			with("reason", "CHANGE_COUNT_MISMATCH")
	}
	byPath := make(map[string]string, len(remapped))
	for _, e := range remapped {
		byPath[model.PathKey(e.Path)] = e.Value
	}
	for _, a := range applied {
		got, ok := byPath[model.PathKey(a.Path)]
		if !ok || got != a.NewValue {
			return fail(KindPathResolution, CodeVerificationFailed, fmt.Sprintf("Applied value for change %s doesn't match expected value", a.ID), nil).
				with("reason", "APPLIED_VALUE_MISMATCH").
				with("change_id", a.ID)
		}
	}
	return nil
}
