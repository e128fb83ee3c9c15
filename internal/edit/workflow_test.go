package edit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/docmap"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/guardrails"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/llm"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/model"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/session"
)

// scriptedProvider returns canned changes, or blocks until ctx is done.
type scriptedProvider struct {
	mu      sync.Mutex
	changes []model.ProposedChange
	err     error
	block   bool
	calls   int
	gotIns  string
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "test" }

func (p *scriptedProvider) ProposeChanges(ctx context.Context, _ []model.MapEntry, instruction string) ([]model.ProposedChange, error) {
	p.mu.Lock()
	p.calls++
	p.gotIns = instruction
	p.mu.Unlock()
	if p.block {
		<-ctx.Done()
		return nil, &llm.ProviderError{Code: llm.ErrorCodeTimeout, Message: "timed out", Err: ctx.Err()}
	}
	return p.changes, p.err
}

const doc = `{
  "header": {"title": {"type": "text", "value": "Quarterly Report"}},
  "body": [
    {"type": "text", "value": "Sales rose"},
    {"type": "Text", "value": "Costs fell"},
    {"type": "text", "value": 3}
  ]
}`

// ToMap of doc, for reference:
//   t0 body/0/value  "Sales rose"
//   t1 body/1/value  "Costs fell"
//   t2 body/2/value  "3"
//   t3 header/title/value "Quarterly Report"

type harness struct {
	wf       *Workflow
	provider *scriptedProvider
	sessions *session.Coordinator
	clock    *time.Time
	doc      map[string]any
}

func newHarness(t *testing.T, mutate func(*guardrails.Config)) *harness {
	t.Helper()
	cfg := guardrails.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	guards, err := guardrails.New(cfg, nil)
	require.NoError(t, err)

	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := &now
	nowFn := func() time.Time { return *clock }
	sessions := session.NewCoordinator(session.NewMemoryStore(nowFn), nil, session.Options{TTL: time.Hour, Now: nowFn})
	provider := &scriptedProvider{}
	wf := New(guards, provider, sessions, Options{MaxDocumentSize: 1 << 20, ProviderTimeout: time.Second, Now: nowFn})

	d, err := docmap.Decode([]byte(doc))
	require.NoError(t, err)
	return &harness{wf: wf, provider: provider, sessions: sessions, clock: clock, doc: d}
}

func pc(id string, path []string, current, proposed string) model.ProposedChange {
	return model.ProposedChange{ID: id, Path: path, CurrentValue: current, ProposedValue: proposed, Confidence: 0.9}
}

func requireEditError(t *testing.T, err error, kind Kind, code string) *Error {
	t.Helper()
	require.Error(t, err)
	e, ok := AsError(err)
	require.True(t, ok, "expected *edit.Error, got %T: %v", err, err)
	assert.Equal(t, kind, e.Kind)
	assert.Equal(t, code, e.Code)
	return e
}

func TestPreviewCreatesSession(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.changes = []model.ProposedChange{
		pc("t3", []string{"header", "title", "value"}, "wrong current", "Annual Report"),
	}

	res, err := h.wf.Preview(context.Background(), h.doc, "  rename   the report ")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.Equal(t, "rename the report", h.provider.gotIns)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, "Quarterly Report", res.Changes[0].CurrentValue, "current value is corrected from the document")
	assert.Equal(t, "Found 1 change to make: Update 'header -> title -> value' from 'Quarterly Report' to 'Annual Report'", res.Message)

	sess, err := h.sessions.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, res.Changes, sess.ProposedChanges)
}

func TestPreviewReconcileDropsBadCandidates(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.changes = []model.ProposedChange{
		pc("t9", []string{"nowhere"}, "", "x"),
		pc("t0", []string{"body", "1", "value"}, "Sales rose", "Sales soared"),
		pc("t1", []string{"body", "1", "value"}, "Costs fell", "Costs fell"),
		pc("t0", []string{"body", "0", "value"}, "Sales rose", "Sales soared"),
		pc("t2", nil, "3", "4"),
	}

	res, err := h.wf.Preview(context.Background(), h.doc, "update numbers")
	require.NoError(t, err)
	require.Len(t, res.Changes, 2)
	assert.Equal(t, "t0", res.Changes[0].ID)
	assert.Equal(t, []string{"body", "2", "value"}, res.Changes[1].Path)
	assert.Len(t, res.Warnings, 2)
	assert.Equal(t, "Found 2 changes to make across 2 different sections", res.Message)
}

func TestPreviewNoChanges(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.changes = []model.ProposedChange{
		pc("t0", []string{"body", "0", "value"}, "Sales rose", "Sales rose"),
	}

	res, err := h.wf.Preview(context.Background(), h.doc, "keep it")
	require.NoError(t, err)
	assert.Equal(t, model.StatusNoChanges, res.Status)
	assert.Empty(t, res.Changes)
	assert.True(t, strings.HasPrefix(res.SessionID, "sess_"))
	assert.False(t, h.sessions.SessionExists(context.Background(), res.SessionID))
}

func TestPreviewValidationFailures(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.wf.Preview(ctx, nil, "x")
	requireEditError(t, err, KindValidation, CodeInvalidDocument)

	_, err = h.wf.Preview(ctx, h.doc, "   ")
	requireEditError(t, err, KindGuardrails, guardrails.CodeEmptyInstruction)

	_, err = h.wf.Preview(ctx, h.doc, "<script>alert(1)</script>")
	requireEditError(t, err, KindGuardrails, guardrails.CodeMaliciousPattern)

	_, err = h.wf.Preview(ctx, map[string]any{"plain": "no leaves"}, "change it")
	e := requireEditError(t, err, KindValidation, CodeNoEditableContent)
	assert.NotEmpty(t, e.Suggestions)

	assert.Equal(t, 0, h.provider.calls)
}

func TestPreviewDocumentTooLarge(t *testing.T) {
	h := newHarness(t, nil)
	h.wf.maxSize = 10
	_, err := h.wf.Preview(context.Background(), h.doc, "x")
	requireEditError(t, err, KindGuardrails, guardrails.CodeDocumentTooLarge)
}

func TestPreviewAllBlocked(t *testing.T) {
	h := newHarness(t, func(c *guardrails.Config) { c.AllowedJSONTypes = []string{"string"} })
	h.provider.changes = []model.ProposedChange{pc("t0", []string{"body", "0", "value"}, "Sales rose", "42")}

	_, err := h.wf.Preview(context.Background(), h.doc, "set to 42")
	e := requireEditError(t, err, KindGuardrails, guardrails.CodeAllChangesBlocked)
	assert.Equal(t, []string{"t0"}, e.Details["blocked_changes"])
	ids, _ := h.sessions.ListActiveSessions(context.Background())
	assert.Empty(t, ids)
}

func TestPreviewProviderFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.wf.timeout = 20 * time.Millisecond
	h.provider.block = true

	_, err := h.wf.Preview(context.Background(), h.doc, "x")
	requireEditError(t, err, KindProvider, CodeProviderTimeout)
	ids, _ := h.sessions.ListActiveSessions(context.Background())
	assert.Empty(t, ids, "no session on provider timeout")

	h.provider.block = false
	h.provider.err = &llm.ProviderError{Code: llm.ErrorCodeRequestFailed, Message: "boom", Status: 500}
	_, err = h.wf.Preview(context.Background(), h.doc, "x")
	e := requireEditError(t, err, KindProvider, CodeProviderError)
	assert.Equal(t, 500, e.Details["provider_status"])
}

func previewTwo(t *testing.T, h *harness) PreviewResult {
	t.Helper()
	h.provider.changes = []model.ProposedChange{
		pc("t0", []string{"body", "0", "value"}, "Sales rose", "Sales soared"),
		pc("t3", []string{"header", "title", "value"}, "Quarterly Report", "Annual Report"),
	}
	res, err := h.wf.Preview(context.Background(), h.doc, "make it annual")
	require.NoError(t, err)
	require.Len(t, res.Changes, 2)
	return res
}

func TestApplyAll(t *testing.T) {
	h := newHarness(t, nil)
	preview := previewTwo(t, h)

	res, err := h.wf.Apply(context.Background(), ApplyRequest{SessionID: preview.SessionID})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, res.Status)
	require.Len(t, res.AppliedChanges, 2)
	assert.Equal(t, "Successfully applied 2 changes across 2 different sections", res.Message)
	assert.Equal(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), res.AppliedChanges[0].AppliedAt)

	title := res.ModifiedDocument["header"].(map[string]any)["title"].(map[string]any)["value"]
	assert.Equal(t, "Annual Report", title)
	body := res.ModifiedDocument["body"].([]any)
	assert.Equal(t, "Sales soared", body[0].(map[string]any)["value"])
	assert.Equal(t, "Costs fell", body[1].(map[string]any)["value"])

	original := h.doc["header"].(map[string]any)["title"].(map[string]any)["value"]
	assert.Equal(t, "Quarterly Report", original, "input document is never mutated")

	assert.True(t, h.sessions.SessionExists(context.Background(), preview.SessionID), "workflow leaves deletion to the caller")
}

func TestApplySubset(t *testing.T) {
	h := newHarness(t, nil)
	preview := previewTwo(t, h)

	res, err := h.wf.Apply(context.Background(), ApplyRequest{SessionID: preview.SessionID, ConfirmedChanges: []string{"t3"}})
	require.NoError(t, err)
	require.Len(t, res.AppliedChanges, 1)
	assert.Equal(t, "t3", res.AppliedChanges[0].ID)
	assert.Equal(t, "Quarterly Report", res.AppliedChanges[0].OldValue)
	body := res.ModifiedDocument["body"].([]any)
	assert.Equal(t, "Sales rose", body[0].(map[string]any)["value"])
}

func TestApplyEmptySelection(t *testing.T) {
	h := newHarness(t, nil)
	preview := previewTwo(t, h)

	res, err := h.wf.Apply(context.Background(), ApplyRequest{SessionID: preview.SessionID, ConfirmedChanges: []string{}})
	require.NoError(t, err)
	assert.Equal(t, model.StatusNoChanges, res.Status)
	assert.Equal(t, h.doc, res.ModifiedDocument)
	assert.Empty(t, res.AppliedChanges)

	res.ModifiedDocument["header"] = "scribbled"
	_, err = h.wf.Apply(context.Background(), ApplyRequest{SessionID: preview.SessionID})
	assert.NoError(t, err, "the returned document is not the stored one")
}

func TestApplyIgnoresCallerMutationAfterCreate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	callerDoc, err := docmap.Decode([]byte(doc))
	require.NoError(t, err)
	id, err := h.sessions.CreateSession(ctx, callerDoc, []model.ProposedChange{
		pc("t0", []string{"body", "0", "value"}, "Sales rose", "Sales soared"),
	})
	require.NoError(t, err)

	callerDoc["body"].([]any)[0].(map[string]any)["value"] = "edited in place"

	sess, err := h.sessions.GetSession(ctx, id)
	require.NoError(t, err)
	require.NoError(t, session.Verify(sess, sess.Document))

	res, err := h.wf.Apply(ctx, ApplyRequest{SessionID: id})
	require.NoError(t, err)
	require.Len(t, res.AppliedChanges, 1)
	assert.Equal(t, "Sales rose", res.AppliedChanges[0].OldValue)
}

func TestApplyMatchesChangesByID(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// t1 is body/1/value in the document; a change claiming t1 at body/0 is
	// inconsistent and must not write either leaf.
	id, err := h.sessions.CreateSession(ctx, h.doc, []model.ProposedChange{
		pc("t3", []string{"header", "title", "value"}, "Quarterly Report", "Annual Report"),
		pc("t1", []string{"body", "0", "value"}, "Sales rose", "Sales slumped"),
	})
	require.NoError(t, err)

	res, err := h.wf.Apply(ctx, ApplyRequest{SessionID: id})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPartialSuccess, res.Status)
	require.Len(t, res.AppliedChanges, 1)
	assert.Equal(t, "t3", res.AppliedChanges[0].ID)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "t1")

	body := res.ModifiedDocument["body"].([]any)
	assert.Equal(t, "Sales rose", body[0].(map[string]any)["value"])
	assert.Equal(t, "Costs fell", body[1].(map[string]any)["value"])
}

func TestApplyInvalidIDs(t *testing.T) {
	h := newHarness(t, nil)
	preview := previewTwo(t, h)

	_, err := h.wf.Apply(context.Background(), ApplyRequest{SessionID: preview.SessionID, ConfirmedChanges: []string{"t0", "t7"}})
	e := requireEditError(t, err, KindValidation, CodeInvalidChangeIDs)
	assert.Equal(t, []string{"t7"}, e.Details["invalid_ids"])
	assert.Equal(t, []string{"t0", "t3"}, e.Details["available_ids"])
}

func TestApplyUnknownSession(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.wf.Apply(context.Background(), ApplyRequest{SessionID: "sess_nope"})
	e := requireEditError(t, err, KindSessionNotFound, CodeSessionNotFound)
	assert.NotEmpty(t, e.Suggestions)
	assert.True(t, errors.Is(err, session.ErrNotFound))

	_, err = h.wf.Apply(context.Background(), ApplyRequest{SessionID: " "})
	requireEditError(t, err, KindValidation, CodeInvalidSessionID)
}

func TestApplyExpiredSession(t *testing.T) {
	h := newHarness(t, nil)
	preview := previewTwo(t, h)

	*h.clock = h.clock.Add(2 * time.Hour)
	_, err := h.wf.Apply(context.Background(), ApplyRequest{SessionID: preview.SessionID})
	requireEditError(t, err, KindSessionNotFound, CodeSessionNotFound)
}

func TestApplyStaleDocument(t *testing.T) {
	h := newHarness(t, nil)
	preview := previewTwo(t, h)

	edited, err := docmap.Decode([]byte(strings.Replace(doc, "Costs fell", "Costs rose", 1)))
	require.NoError(t, err)

	_, err = h.wf.Apply(context.Background(), ApplyRequest{SessionID: preview.SessionID, CurrentDocument: edited})
	e := requireEditError(t, err, KindSessionStale, CodeDocumentStateMismatch)
	assert.NotEqual(t, e.Details["original_hash"], e.Details["current_hash"])
	assert.Equal(t, "2024-06-01T09:00:00Z", e.Details["session_created_at"])
	assert.True(t, errors.Is(err, session.ErrStale))

	same, err := docmap.Decode([]byte(doc))
	require.NoError(t, err)
	_, err = h.wf.Apply(context.Background(), ApplyRequest{SessionID: preview.SessionID, CurrentDocument: same})
	assert.NoError(t, err)
}

func TestApplyPartialSuccess(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// A session whose second change points at a leaf the document no longer has.
	id, err := h.sessions.CreateSession(ctx, h.doc, []model.ProposedChange{
		pc("t0", []string{"body", "0", "value"}, "Sales rose", "Sales soared"),
		pc("t5", []string{"body", "9", "value"}, "gone", "still gone"),
	})
	require.NoError(t, err)

	res, err := h.wf.Apply(ctx, ApplyRequest{SessionID: id})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPartialSuccess, res.Status)
	assert.Len(t, res.AppliedChanges, 1)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "t5")

	id, err = h.sessions.CreateSession(ctx, h.doc, []model.ProposedChange{
		pc("t5", []string{"body", "9", "value"}, "gone", "still gone"),
	})
	require.NoError(t, err)
	_, err = h.wf.Apply(ctx, ApplyRequest{SessionID: id})
	requireEditError(t, err, KindPathResolution, CodeNoChangesApplied)
}

func TestApplyKeepsNumberKinds(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.changes = []model.ProposedChange{pc("t2", []string{"body", "2", "value"}, "3", "4")}

	preview, err := h.wf.Preview(context.Background(), h.doc, "bump the count")
	require.NoError(t, err)

	res, err := h.wf.Apply(context.Background(), ApplyRequest{SessionID: preview.SessionID})
	require.NoError(t, err)
	canonical, err := docmap.Canonical(res.ModifiedDocument["body"].([]any)[2])
	require.NoError(t, err)
	assert.Equal(t, `{"type":"text","value":4}`, string(canonical))
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "No changes needed for the given instruction.", previewMessage(nil))
	changes := []model.ProposedChange{
		pc("a", []string{"x", "value"}, "1", "2"),
		pc("b", []string{"y", "value"}, "1", "2"),
		pc("c", []string{"value"}, "1", "2"),
	}
	assert.Equal(t, "Found 3 changes to make across 3 different sections", previewMessage(changes))
	assert.Equal(t, "root", section([]string{"value"}))
}
