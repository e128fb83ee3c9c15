package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/docmap"
	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/model"
)

// DefaultTTL is the session lifetime when none is configured.
const DefaultTTL = time.Hour

// MismatchError reports that a document no longer matches the one a session
// was created from.
type MismatchError struct {
	SessionID   string
	StoredHash  string
	CurrentHash string
	CreatedAt   time.Time
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("session %s: document hash %s does not match %s", e.SessionID, e.CurrentHash, e.StoredHash)
}

func (e *MismatchError) Unwrap() error { return ErrStale }

// Options tune a Coordinator.
type Options struct {
	TTL            time.Duration
	PreferExternal bool
	Logger         *slog.Logger
	Now            func() time.Time
}

// Health summarizes every backend. Any backend below healthy degrades the
// overall status; it is unhealthy only when no backend is usable.
type Health struct {
	Status            string          `json:"status"`
	Primary           string          `json:"primary"`
	Backends          []BackendHealth `json:"backends"`
	ActiveSessions    int             `json:"active_sessions"`
	SessionTTLSeconds int             `json:"session_ttl_seconds"`
}

// Coordinator routes session operations across the in-memory store and an
// optional external backend, treating one as primary and the other as
// fallback.
type Coordinator struct {
	primary  Backend
	fallback Backend
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewCoordinator builds a coordinator over memory and an optional external
// backend. With no external backend, memory is the only store.
func NewCoordinator(memory *MemoryStore, external Backend, opts Options) *Coordinator {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if memory == nil {
		memory = NewMemoryStore(opts.Now)
	}
	c := &Coordinator{
		primary: memory,
		ttl:     opts.TTL,
		now:     opts.Now,
		logger:  opts.Logger.With("component", "sessions"),
	}
	if external != nil {
		if opts.PreferExternal {
			c.primary, c.fallback = external, memory
		} else {
			c.fallback = external
		}
	}
	return c
}

func (c *Coordinator) TTL() time.Duration { return c.ttl }

func (c *Coordinator) backends() []Backend {
	if c.fallback == nil {
		return []Backend{c.primary}
	}
	return []Backend{c.primary, c.fallback}
}

// GenerateSessionID returns a fresh "sess_"-prefixed id.
func GenerateSessionID() string {
	token := make([]byte, 16)
	_, _ = rand.Read(token)
	seed := uuid.NewString() + "-" + base64.RawURLEncoding.EncodeToString(token) + "-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
	sum := sha256.Sum256([]byte(seed))
	return "sess_" + hex.EncodeToString(sum[:])[:32]
}

// CreateSession stores a new session for document and changes and returns its
// id. A primary failure is retried once against the fallback.
func (c *Coordinator) CreateSession(ctx context.Context, document map[string]any, changes []model.ProposedChange) (string, error) {
	hash, err := docmap.Hash(document)
	if err != nil {
		return "", fmt.Errorf("hash document: %w", err)
	}
	sess := model.Session{
		SessionID:       GenerateSessionID(),
		Document:        document,
		DocumentHash:    hash,
		ProposedChanges: changes,
		CreatedAt:       c.now().UTC(),
	}

	perr := c.primary.Store(ctx, sess.SessionID, sess, c.ttl)
	if perr == nil {
		c.logger.Debug("session created", "session_id", sess.SessionID, "backend", c.primary.Name(), "changes", len(changes))
		return sess.SessionID, nil
	}
	if c.fallback == nil {
		return "", fmt.Errorf("store session: %w", perr)
	}
	c.logger.Warn("primary session store failed, using fallback", "backend", c.primary.Name(), "err", perr)
	if ferr := c.fallback.Store(ctx, sess.SessionID, sess, c.ttl); ferr != nil {
		c.logger.Error("fallback session store failed", "backend", c.fallback.Name(), "err", ferr)
		return "", fmt.Errorf("store session: %w", perr)
	}
	return sess.SessionID, nil
}

// GetSession loads a session from the primary, then the fallback. A fallback
// hit is copied back into the primary.
func (c *Coordinator) GetSession(ctx context.Context, id string) (model.Session, error) {
	if strings.TrimSpace(id) == "" {
		return model.Session{}, ErrInvalidID
	}
	sess, err := c.primary.Get(ctx, id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		c.logger.Warn("primary session read failed", "backend", c.primary.Name(), "session_id", id, "err", err)
	}
	if c.fallback == nil {
		return model.Session{}, ErrNotFound
	}

	sess, err = c.fallback.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("fallback session read failed", "backend", c.fallback.Name(), "session_id", id, "err", err)
		}
		return model.Session{}, ErrNotFound
	}

	ttl, terr := c.fallback.TTL(ctx, id)
	if terr != nil || ttl <= 0 {
		ttl = c.ttl
	}
	if serr := c.primary.Store(ctx, id, sess, ttl); serr != nil {
		c.logger.Warn("session resync to primary failed", "backend", c.primary.Name(), "session_id", id, "err", serr)
	}
	return sess, nil
}

// Verify checks that current still hashes to the session's recorded hash.
func Verify(sess model.Session, current any) error {
	hash, err := docmap.Hash(current)
	if err != nil {
		return fmt.Errorf("hash document: %w", err)
	}
	if hash != sess.DocumentHash {
		return &MismatchError{
			SessionID:   sess.SessionID,
			StoredHash:  sess.DocumentHash,
			CurrentHash: hash,
			CreatedAt:   sess.CreatedAt,
		}
	}
	return nil
}

// VerifyDocumentUnchanged loads the session and verifies current against it.
func (c *Coordinator) VerifyDocumentUnchanged(ctx context.Context, id string, current any) error {
	sess, err := c.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return Verify(sess, current)
}

// DeleteSession removes the session from every backend. It reports whether
// any backend held it.
func (c *Coordinator) DeleteSession(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, ErrInvalidID
	}
	deleted := false
	var errs []error
	for _, b := range c.backends() {
		ok, err := b.Delete(ctx, id)
		if err != nil {
			c.logger.Warn("session delete failed", "backend", b.Name(), "session_id", id, "err", err)
			errs = append(errs, err)
			continue
		}
		deleted = deleted || ok
	}
	if !deleted && len(errs) == len(c.backends()) {
		return false, errors.Join(errs...)
	}
	return deleted, nil
}

// SessionExists reports whether any backend holds the session.
func (c *Coordinator) SessionExists(ctx context.Context, id string) bool {
	for _, b := range c.backends() {
		if ok, err := b.Exists(ctx, id); err == nil && ok {
			return true
		}
	}
	return false
}

// SessionTTL returns the remaining lifetime from the first backend that
// holds the session.
func (c *Coordinator) SessionTTL(ctx context.Context, id string) (time.Duration, error) {
	for _, b := range c.backends() {
		ttl, err := b.TTL(ctx, id)
		if err == nil {
			return ttl, nil
		}
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("session ttl read failed", "backend", b.Name(), "session_id", id, "err", err)
		}
	}
	return 0, ErrNotFound
}

// ExtendTTL lengthens the session in every backend that holds it. A
// non-positive extra extends by the configured TTL.
func (c *Coordinator) ExtendTTL(ctx context.Context, id string, extra time.Duration) (bool, error) {
	if extra <= 0 {
		extra = c.ttl
	}
	extended := false
	for _, b := range c.backends() {
		ok, err := b.ExtendTTL(ctx, id, extra)
		if err != nil {
			c.logger.Warn("session extend failed", "backend", b.Name(), "session_id", id, "err", err)
			continue
		}
		extended = extended || ok
	}
	return extended, nil
}

// ListActiveSessions returns the sorted union of ids across backends.
func (c *Coordinator) ListActiveSessions(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	failures := 0
	var lastErr error
	for _, b := range c.backends() {
		ids, err := b.ListIDs(ctx)
		if err != nil {
			c.logger.Warn("session list failed", "backend", b.Name(), "err", err)
			failures++
			lastErr = err
			continue
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	if failures == len(c.backends()) {
		return nil, lastErr
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// CleanupExpired runs cleanup on every backend and returns the total removed.
func (c *Coordinator) CleanupExpired(ctx context.Context) (int, error) {
	total := 0
	for _, b := range c.backends() {
		n, err := b.CleanupExpired(ctx)
		total += n
		if err != nil {
			c.logger.Warn("session cleanup failed", "backend", b.Name(), "err", err)
		}
	}
	if total > 0 {
		c.logger.Info("expired sessions removed", "count", total)
	}
	return total, nil
}

// HealthCheck never fails; backend problems show up in the report. The
// overall status is the worst backend status.
func (c *Coordinator) HealthCheck(ctx context.Context) Health {
	h := Health{
		Status:            StatusHealthy,
		Primary:           c.primary.Name(),
		SessionTTLSeconds: int(c.ttl / time.Second),
	}
	for _, b := range c.backends() {
		bh := b.HealthCheck(ctx)
		h.Backends = append(h.Backends, bh)
		if statusRank(bh.Status) > statusRank(h.Status) {
			h.Status = bh.Status
		}
		if bh.ActiveSessions > h.ActiveSessions {
			h.ActiveSessions = bh.ActiveSessions
		}
	}
	return h
}

// Close releases every backend.
func (c *Coordinator) Close() error {
	var errs []error
	for _, b := range c.backends() {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}
