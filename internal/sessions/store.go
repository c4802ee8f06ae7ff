// Package sessions implements session and message persistence plus the
// session service exposed on the gateway.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/chozzz/vargos/pkg/models"
)

// Storage sentinel errors; the service maps them to RPC error kinds.
var (
	ErrNotFound = errors.New("session not found")
	ErrExists   = errors.New("session already exists")
)

// SessionUpdate carries the mutable session fields. SessionKey and
// CreatedAt can never change.
type SessionUpdate struct {
	Label    *string        `json:"label,omitempty"`
	AgentID  *string        `json:"agentId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ListFilter narrows ListSessions.
type ListFilter struct {
	Kind  models.SessionKind `json:"kind,omitempty"`
	Limit int                `json:"limit,omitempty"`
}

// Store is the pluggable persistence backend. The file and SQLite backends
// implement identical ordering and existence semantics.
type Store interface {
	// CreateSession fails with ErrExists for a duplicate key.
	CreateSession(ctx context.Context, s *models.Session) error

	// GetSession fails with ErrNotFound for an unknown key.
	GetSession(ctx context.Context, key string) (*models.Session, error)

	// UpdateSession applies upd and returns the updated session.
	UpdateSession(ctx context.Context, key string, upd SessionUpdate) (*models.Session, error)

	// DeleteSession removes the session and all its messages.
	DeleteSession(ctx context.Context, key string) error

	// ListSessions returns sessions most recently updated first.
	ListSessions(ctx context.Context, f ListFilter) ([]*models.Session, error)

	// AddMessage appends to an existing session; ErrNotFound otherwise.
	// An empty message ID is assigned by the store.
	AddMessage(ctx context.Context, m *models.SessionMessage) error

	// GetMessages returns messages oldest-first. A non-zero before keeps
	// only messages with timestamp strictly earlier; limit > 0 keeps the
	// most recent limit of those.
	GetMessages(ctx context.Context, key string, limit int, before time.Time) ([]*models.SessionMessage, error)

	Close() error
}
