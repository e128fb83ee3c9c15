package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/edit"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/model"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/session"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/store"
)

// MaxExtendSeconds caps a single extend request.
const MaxExtendSeconds = 86400

// AuditLog is satisfied by *store.AuditStore.
type AuditLog interface {
	RecordApplied(ctx context.Context, sessionID, documentHash string, changes []model.AppliedChange) error
	ListApplied(ctx context.Context, sessionID string) ([]store.AppliedRecord, error)
	Ping(ctx context.Context) error
}

type PreviewInput struct {
	Document    map[string]any `json:"document"`
	Instruction string         `json:"instruction"`
}

type SessionStatus struct {
	SessionID    string    `json:"session_id"`
	Exists       bool      `json:"exists"`
	TTLSeconds   int       `json:"ttl_seconds"`
	CreatedAt    time.Time `json:"created_at"`
	DocumentHash string    `json:"document_hash"`
	ChangeCount  int       `json:"change_count"`
}

type Readiness struct {
	Ready    bool           `json:"ok"`
	Sessions session.Health `json:"sessions"`
	Database string         `json:"database"`
	Error    string         `json:"error,omitempty"`
}

// Service is the front end over the edit workflow, the session coordinator
// and the optional audit log.
type Service struct {
	workflow *edit.Workflow
	sessions *session.Coordinator
	audit    AuditLog
	logger   *slog.Logger
}

// NewService wires the front end. audit may be nil.
func NewService(workflow *edit.Workflow, sessions *session.Coordinator, audit AuditLog, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		workflow: workflow,
		sessions: sessions,
		audit:    audit,
		logger:   logger.With("component", "app"),
	}
}

func (s *Service) Preview(ctx context.Context, in PreviewInput) (edit.PreviewResult, error) {
	return s.workflow.Preview(ctx, in.Document, in.Instruction)
}

// Apply applies confirmed changes, then retires the session and appends the
// applied changes to the audit log. Neither follow-up failing fails the apply.
func (s *Service) Apply(ctx context.Context, req edit.ApplyRequest) (edit.ApplyResult, error) {
	res, err := s.workflow.Apply(ctx, req)
	if err != nil {
		return edit.ApplyResult{}, err
	}
	if len(res.AppliedChanges) == 0 {
		return res, nil
	}

	if _, err := s.sessions.DeleteSession(ctx, res.SessionID); err != nil {
		s.logger.Warn("session delete after apply failed", "session_id", res.SessionID, "err", err)
	}
	if s.audit != nil {
		if err := s.audit.RecordApplied(ctx, res.SessionID, res.DocumentHash, res.AppliedChanges); err != nil {
			s.logger.Error("audit record failed", "session_id", res.SessionID, "err", err)
			res.Warnings = append(res.Warnings, "Applied changes could not be recorded in the audit log")
		}
	}
	return res, nil
}

func (s *Service) ListSessions(ctx context.Context) ([]string, error) {
	ids, err := s.sessions.ListActiveSessions(ctx)
	if err != nil {
		return nil, domainError(http.StatusServiceUnavailable, edit.CodeStoreUnavailable, "Session storage is unavailable", nil)
	}
	return ids, nil
}

func (s *Service) SessionStatus(ctx context.Context, id string) (SessionStatus, error) {
	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		return SessionStatus{}, sessionLookupError(id, err)
	}
	status := SessionStatus{
		SessionID:    sess.SessionID,
		Exists:       true,
		CreatedAt:    sess.CreatedAt,
		DocumentHash: sess.DocumentHash,
		ChangeCount:  len(sess.ProposedChanges),
	}
	if ttl, err := s.sessions.SessionTTL(ctx, id); err == nil {
		status.TTLSeconds = int(ttl / time.Second)
	}
	return status, nil
}

// ExtendSession adds seconds to a session's lifetime and returns the new
// remaining lifetime. Zero seconds means one full session TTL.
func (s *Service) ExtendSession(ctx context.Context, id string, seconds int) (int, error) {
	if seconds < 0 || seconds > MaxExtendSeconds {
		return 0, domainError(http.StatusBadRequest, "INVALID_EXTENSION", "seconds must be between 0 and 86400", map[string]any{"seconds": seconds})
	}
	if strings.TrimSpace(id) == "" {
		return 0, domainError(http.StatusBadRequest, edit.CodeInvalidSessionID, "Session ID cannot be empty", nil)
	}
	ok, err := s.sessions.ExtendTTL(ctx, id, time.Duration(seconds)*time.Second)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, sessionLookupError(id, session.ErrNotFound)
	}
	ttl, err := s.sessions.SessionTTL(ctx, id)
	if err != nil {
		return 0, sessionLookupError(id, err)
	}
	return int(ttl / time.Second), nil
}

func (s *Service) DeleteSession(ctx context.Context, id string) error {
	deleted, err := s.sessions.DeleteSession(ctx, id)
	if err != nil {
		return sessionLookupError(id, err)
	}
	if !deleted {
		return sessionLookupError(id, session.ErrNotFound)
	}
	return nil
}

func (s *Service) Cleanup(ctx context.Context) (int, error) {
	return s.sessions.CleanupExpired(ctx)
}

func (s *Service) History(ctx context.Context, id string) ([]store.AppliedRecord, error) {
	if s.audit == nil {
		return nil, domainError(http.StatusServiceUnavailable, "AUDIT_DISABLED", "Applied change history requires a database", nil)
	}
	records, err := s.audit.ListApplied(ctx, id)
	if err != nil {
		s.logger.Error("audit list failed", "session_id", id, "err", err)
		return nil, domainError(http.StatusServiceUnavailable, "AUDIT_UNAVAILABLE", "Applied change history is unavailable", nil)
	}
	return records, nil
}

// Ready is true while at least one session backend can serve and the
// database, when configured, answers. A dead fallback leaves the overall
// session status unhealthy but the service still ready.
func (s *Service) Ready(ctx context.Context) Readiness {
	r := Readiness{Sessions: s.sessions.HealthCheck(ctx), Database: "disabled"}
	for _, b := range r.Sessions.Backends {
		if b.Status != session.StatusUnhealthy {
			r.Ready = true
			break
		}
	}
	if s.audit != nil {
		r.Database = "ok"
		if err := s.audit.Ping(ctx); err != nil {
			r.Database = "error"
			r.Error = err.Error()
			r.Ready = false
		}
	}
	return r
}

func sessionLookupError(id string, err error) error {
	switch {
	case errors.Is(err, session.ErrInvalidID):
		return domainError(http.StatusBadRequest, edit.CodeInvalidSessionID, "Session ID cannot be empty", nil)
	case errors.Is(err, session.ErrNotFound):
		return domainError(http.StatusNotFound, edit.CodeSessionNotFound, "Session "+id+" not found or has expired", map[string]any{"session_id": id})
	}
	return domainError(http.StatusServiceUnavailable, edit.CodeStoreUnavailable, "Session storage is unavailable", nil)
}
