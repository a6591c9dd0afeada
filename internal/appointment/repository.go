package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	// ErrAppointmentCancelled means the calendar event behind a record was
	// cancelled after the record was made, so it must not be confirmed.
	ErrAppointmentCancelled = errors.New("appointment event was cancelled")
)

// Repository contains all DB interactions needed by the ledger.
type Repository interface {
	// Append stores a confirmed record. Appending the same dedupe key
	// twice returns the row written first. A record created before its
	// event was cancelled is refused with ErrAppointmentCancelled.
	Append(ctx context.Context, rec Record) (*Record, error)

	// MarkEventCancelled leaves a tombstone for a calendar event so older
	// records for it can no longer be appended.
	MarkEventCancelled(ctx context.Context, eventID string, at time.Time) error

	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	GetConfirmedByExternalEventID(ctx context.Context, eventID string) (*Record, error)
	ListUpcomingByCustomer(ctx context.Context, customerID string, from time.Time, limit int) ([]Record, error)

	UpdateStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, at time.Time) (*Record, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
