package appointment

import (
	"crypto/sha256"
	"encoding/base32"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/barbershop-chat-scheduling/internal/schedule"
)

type AppointmentStatus string

const (
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Record is one confirmed booking in the ledger. Only Status (and
// CancelledAt) may change after it is written.
type Record struct {
	ID              uuid.UUID
	CustomerID      string
	Date            schedule.Date
	Time            schedule.Clock
	Start           time.Time
	End             time.Time
	ExternalEventID string
	DedupeKey       string
	Status          AppointmentStatus
	CreatedAt       time.Time
	CancelledAt     *time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// lowercase base32hex only uses 0-9 and a-v, which Google accepts as an
// event id.
var dedupeEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// DedupeKey derives the stable key of a (customer, slot) pair. It doubles
// as the calendar event id so a retried insert hits the same event.
func DedupeKey(customerID string, start time.Time) string {
	sum := sha256.Sum256([]byte(customerID + "|" + start.UTC().Format(time.RFC3339)))
	return strings.ToLower(dedupeEncoding.EncodeToString(sum[:]))
}
