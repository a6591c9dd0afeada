package session

import (
	"context"
	"errors"
)

var ErrSessionNotFound = errors.New("session not found")

// Repository persists one Session per customer.
type Repository interface {
	Get(ctx context.Context, id string) (*Session, error)
	// Save upserts the session.
	Save(ctx context.Context, s *Session) error
}
