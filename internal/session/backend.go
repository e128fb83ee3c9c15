// Package session stores preview sessions between a preview and its apply.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/subhashbs36/Ask-Auto-MCP-Server/internal/model"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrInvalidID   = errors.New("invalid session id")
	ErrStale       = errors.New("document changed since preview")
	ErrUnavailable = errors.New("session store unavailable")
	ErrCorrupted   = errors.New("session payload corrupted")
)

// Health statuses, ordered from best to worst.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Backend is one place sessions can live. Implementations must be safe for
// concurrent use.
type Backend interface {
	Name() string
	Store(ctx context.Context, id string, s model.Session, ttl time.Duration) error
	Get(ctx context.Context, id string) (model.Session, error)
	Delete(ctx context.Context, id string) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
	TTL(ctx context.Context, id string) (time.Duration, error)
	ExtendTTL(ctx context.Context, id string, extra time.Duration) (bool, error)
	ListIDs(ctx context.Context) ([]string, error)
	CleanupExpired(ctx context.Context) (int, error)
	HealthCheck(ctx context.Context) BackendHealth
	Close() error
}

// BackendHealth is a point-in-time report for a single backend.
type BackendHealth struct {
	Name           string `json:"name"`
	Status         string `json:"status"`
	Kind           string `json:"kind"`
	ActiveSessions int    `json:"active_sessions"`
	Error          string `json:"error,omitempty"`
}

func statusRank(status string) int {
	switch status {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}
