// Package session holds the per-customer conversation state. Each stage is
// its own type and only AwaitingTime carries the date the customer chose.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/barbershop-chat-scheduling/internal/schedule"
)

type StageName string

const (
	StageIdle         StageName = "IDLE"
	StageAwaitingDate StageName = "AWAITING_DATE"
	StageAwaitingTime StageName = "AWAITING_TIME"
)

// Stage is one of Idle, AwaitingDate or AwaitingTime.
type Stage interface {
	Name() StageName
	isStage()
}

type Idle struct{}

type AwaitingDate struct{}

type AwaitingTime struct {
	Date schedule.Date
}

func (Idle) Name() StageName         { return StageIdle }
func (AwaitingDate) Name() StageName { return StageAwaitingDate }
func (AwaitingTime) Name() StageName { return StageAwaitingTime }

func (Idle) isStage()         {}
func (AwaitingDate) isStage() {}
func (AwaitingTime) isStage() {}

type Session struct {
	ID                string
	DisplayName       string
	Stage             Stage
	LastActivityAt    time.Time
	LastAppointmentID *uuid.UUID
	CreatedAt         time.Time
}

// New returns the state of a customer seen for the first time.
func New(id, displayName string, now time.Time) *Session {
	return &Session{
		ID:             id,
		DisplayName:    displayName,
		Stage:          Idle{},
		LastActivityAt: now,
		CreatedAt:      now,
	}
}

// Expired reports whether an in-progress conversation went quiet for
// longer than timeout. Idle sessions never expire.
func (s *Session) Expired(now time.Time, timeout time.Duration) bool {
	if s.Stage == nil || s.Stage.Name() == StageIdle {
		return false
	}
	return now.Sub(s.LastActivityAt) > timeout
}

// PendingDate returns the chosen date while awaiting a time.
func (s *Session) PendingDate() (schedule.Date, bool) {
	if at, ok := s.Stage.(AwaitingTime); ok {
		return at.Date, true
	}
	return schedule.Date{}, false
}
