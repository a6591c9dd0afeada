package conversation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/barbershop-chat-scheduling/internal/appointment"
	"github.com/hackgods/barbershop-chat-scheduling/internal/calendar"
	"github.com/hackgods/barbershop-chat-scheduling/internal/session"
)

type memorySessions struct {
	mu      sync.Mutex
	byID    map[string]session.Session
	saves   int
	saveErr error
}

func newMemorySessions() *memorySessions {
	return &memorySessions{byID: make(map[string]session.Session)}
}

func (m *memorySessions) Get(_ context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return &s, nil
}

func (m *memorySessions) Save(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.byID[s.ID] = *s
	return nil
}

func (m *memorySessions) put(s session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[s.ID] = s
}

func (m *memorySessions) get(id string) session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

// flakyCalendar injects collaborator failures in front of a Memory calendar.
type flakyCalendar struct {
	*calendar.Memory
	busyErr   error
	insertErr error
	listErr   error
	deleteErr error
	inserts   atomic.Int32
}

func (f *flakyCalendar) QueryBusy(ctx context.Context, timeMin, timeMax time.Time) ([]calendar.Interval, error) {
	if f.busyErr != nil {
		return nil, f.busyErr
	}
	return f.Memory.QueryBusy(ctx, timeMin, timeMax)
}

func (f *flakyCalendar) InsertEvent(ctx context.Context, ev calendar.Event) (string, error) {
	f.inserts.Add(1)
	if f.insertErr != nil {
		return "", f.insertErr
	}
	return f.Memory.InsertEvent(ctx, ev)
}

func (f *flakyCalendar) ListUpcoming(ctx context.Context, filterText string, from time.Time) ([]calendar.Event, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.Memory.ListUpcoming(ctx, filterText, from)
}

func (f *flakyCalendar) DeleteEvent(ctx context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Memory.DeleteEvent(ctx, id)
}

type fakeLedger struct {
	mu        sync.Mutex
	records   []appointment.Record
	recordErr error
	cancelled []string
}

func (l *fakeLedger) Record(_ context.Context, rec appointment.Record) (*appointment.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.recordErr != nil {
		return nil, l.recordErr
	}
	for _, r := range l.records {
		if r.DedupeKey == rec.DedupeKey && r.Status == appointment.StatusConfirmed {
			return &r, nil
		}
	}
	l.records = append(l.records, rec)
	return &rec, nil
}

func (l *fakeLedger) CancelByEventID(_ context.Context, eventID string, at time.Time) (*appointment.Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, r := range l.records {
		if r.ExternalEventID == eventID && r.Status == appointment.StatusConfirmed {
			l.records[i].Status = appointment.StatusCancelled
			l.records[i].CancelledAt = &at
			l.cancelled = append(l.cancelled, eventID)
			return &l.records[i], nil
		}
	}
	return nil, appointment.ErrAppointmentNotFound
}

func (l *fakeLedger) ids() []uuid.UUID {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]uuid.UUID, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r.ID)
	}
	return out
}

type countingMetrics struct {
	mu            sync.Mutex
	messages      map[string]int
	bookings      map[string]int
	cancellations map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		messages:      map[string]int{},
		bookings:      map[string]int{},
		cancellations: map[string]int{},
	}
}

func (c *countingMetrics) ObserveMessage(stage, outcome string, _ float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages[stage+"/"+outcome]++
}

func (c *countingMetrics) ObserveBooking(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bookings[result]++
}

func (c *countingMetrics) ObserveCancellation(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancellations[result]++
}
