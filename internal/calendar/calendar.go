// Package calendar is the boundary to the shared shop calendar: free/busy
// queries, event insertion with caller-chosen ids, listing and deletion.
package calendar

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEventNotFound = errors.New("calendar event not found")
	ErrInvalidEvent  = errors.New("calendar event is invalid")
)

// Interval is a busy period [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether the half-open intervals share any instant.
func (i Interval) Overlaps(start, end time.Time) bool {
	return i.Start.Before(end) && start.Before(i.End)
}

type Event struct {
	// ID is chosen by the caller so a repeated insert for the same slot is
	// detected by the calendar instead of duplicated.
	ID          string
	Summary     string
	Description string
	CustomerID  string
	Start       time.Time
	End         time.Time
}

type Calendar interface {
	QueryBusy(ctx context.Context, timeMin, timeMax time.Time) ([]Interval, error)
	InsertEvent(ctx context.Context, ev Event) (string, error)
	// ListUpcoming returns events starting at or after from whose text
	// matches filterText, ordered by start time ascending.
	ListUpcoming(ctx context.Context, filterText string, from time.Time) ([]Event, error)
	DeleteEvent(ctx context.Context, id string) error
}

func validate(ev Event) error {
	if ev.ID == "" || ev.Start.IsZero() || !ev.End.After(ev.Start) {
		return ErrInvalidEvent
	}
	return nil
}
