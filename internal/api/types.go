package api

import (
	"time"

	"github.com/google/uuid"
)

// InboundMessage is the payload the chat gateway posts for every message.
type InboundMessage struct {
	From string `json:"from"`
	Name string `json:"name"`
	Body string `json:"body"`
}

type MessageResponse struct {
	To      string   `json:"to"`
	Text    string   `json:"text"`
	Notices []string `json:"notices,omitempty"`
}

type IgnoredResponse struct {
	Status string `json:"status"`
}

type AppointmentResponse struct {
	ID              uuid.UUID  `json:"id"`
	CustomerID      string     `json:"customer_id"`
	Date            string     `json:"date"`
	Time            string     `json:"time"`
	Start           time.Time  `json:"start"`
	End             time.Time  `json:"end"`
	ExternalEventID string     `json:"external_event_id"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
