package calendar

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process calendar used for local development and tests.
// It follows the Google semantics the service relies on: idempotent insert
// by id and listing ordered by start time.
type Memory struct {
	mu     sync.Mutex
	events map[string]Event
}

func NewMemory() *Memory {
	return &Memory{events: make(map[string]Event)}
}

func (m *Memory) QueryBusy(_ context.Context, timeMin, timeMax time.Time) ([]Interval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var busy []Interval
	for _, ev := range m.events {
		iv := Interval{Start: ev.Start, End: ev.End}
		if iv.Overlaps(timeMin, timeMax) {
			busy = append(busy, iv)
		}
	}
	sort.Slice(busy, func(i, j int) bool { return busy[i].Start.Before(busy[j].Start) })
	return busy, nil
}

func (m *Memory) InsertEvent(_ context.Context, ev Event) (string, error) {
	if err := validate(ev); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[ev.ID]; !ok {
		m.events[ev.ID] = ev
	}
	return ev.ID, nil
}

func (m *Memory) ListUpcoming(_ context.Context, filterText string, from time.Time) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for _, ev := range m.events {
		if !ev.End.After(from) {
			continue
		}
		if filterText != "" &&
			!strings.Contains(ev.Summary, filterText) &&
			!strings.Contains(ev.Description, filterText) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *Memory) DeleteEvent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[id]; !ok {
		return ErrEventNotFound
	}
	delete(m.events, id)
	return nil
}

// Len reports how many events are stored.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
