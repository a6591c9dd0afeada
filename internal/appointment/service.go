package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	EventAppointmentBooked    = "APPOINTMENT_BOOKED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventLedgerReconciled     = "LEDGER_RECONCILED"
	EventParkedRecordDropped  = "PARKED_RECORD_DROPPED"
)

var (
	// ErrLedgerInconsistent means the calendar holds an event the ledger
	// could not record. The record is parked in the outbox.
	ErrLedgerInconsistent = errors.New("calendar event created but ledger append failed")
)

type Service struct {
	repo   Repository
	outbox Outbox
	logger *zap.Logger
}

func NewService(repo Repository, outbox Outbox, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		outbox: outbox,
		logger: logger,
	}
}

// Record appends a confirmed booking whose calendar event already exists.
func (s *Service) Record(ctx context.Context, rec Record) (*Record, error) {
	created, err := s.repo.Append(ctx, rec)
	if err != nil {
		s.logger.Error("ledger append failed after calendar insert",
			zap.String("customer_id", rec.CustomerID),
			zap.String("event_id", rec.ExternalEventID),
			zap.String("dedupe_key", rec.DedupeKey),
			zap.Error(err),
		)
		if s.outbox != nil {
			if perr := s.outbox.Push(ctx, rec); perr != nil {
				s.logger.Error("failed to park record in outbox",
					zap.String("dedupe_key", rec.DedupeKey),
					zap.Error(perr),
				)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrLedgerInconsistent, err)
	}

	s.logEvent(ctx, created.ID, EventAppointmentBooked, map[string]any{
		"customer_id": created.CustomerID,
		"event_id":    created.ExternalEventID,
		"start":       created.Start,
	})
	return created, nil
}

// CancelByEventID marks the confirmed record behind a calendar event as
// cancelled. The event is tombstoned first, so a record for it still parked
// in the outbox is dropped instead of coming back as confirmed.
func (s *Service) CancelByEventID(ctx context.Context, eventID string, at time.Time) (*Record, error) {
	if err := s.repo.MarkEventCancelled(ctx, eventID, at); err != nil {
		return nil, err
	}

	rec, err := s.repo.GetConfirmedByExternalEventID(ctx, eventID)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			s.logEvent(ctx, uuid.Nil, EventAppointmentCancelled, map[string]any{
				"event_id":   eventID,
				"unrecorded": true,
			})
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	updated, err := s.repo.UpdateStatus(ctx, rec.ID, StatusConfirmed, StatusCancelled, at)
	if err != nil {
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	s.logEvent(ctx, updated.ID, EventAppointmentCancelled, map[string]any{
		"customer_id": updated.CustomerID,
		"event_id":    eventID,
	})
	return updated, nil
}

// Reconcile drains the outbox into the ledger and returns how many records
// it wrote. It stops at the first append failure and leaves that record at
// the front of the outbox. Records whose event was cancelled meanwhile are
// dropped.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	if s.outbox == nil {
		return 0, nil
	}

	if n, err := s.outbox.Recover(ctx); err != nil {
		return 0, err
	} else if n > 0 {
		s.logger.Warn("recovered in-flight outbox records", zap.Int("count", n))
	}

	done := 0
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		parked, err := s.outbox.Claim(ctx)
		if errors.Is(err, ErrUndecodableRecord) {
			s.logger.Error("outbox record moved to dead letters", zap.Error(err))
			continue
		}
		if err != nil {
			return done, err
		}
		if parked == nil {
			return done, nil
		}
		rec := parked.Record

		created, err := s.repo.Append(ctx, rec)
		switch {
		case errors.Is(err, ErrAppointmentCancelled):
			s.logger.Info("dropping parked record for cancelled event",
				zap.String("customer_id", rec.CustomerID),
				zap.String("event_id", rec.ExternalEventID),
			)
			s.logEvent(ctx, uuid.Nil, EventParkedRecordDropped, map[string]any{
				"dedupe_key": rec.DedupeKey,
				"event_id":   rec.ExternalEventID,
			})
			s.ack(ctx, parked)
			continue
		case err != nil:
			if rerr := s.outbox.Release(ctx, parked); rerr != nil {
				s.logger.Error("failed to re-park record",
					zap.String("dedupe_key", rec.DedupeKey),
					zap.Error(rerr),
				)
			}
			return done, fmt.Errorf("reconcile %s: %w", rec.DedupeKey, err)
		}

		s.ack(ctx, parked)
		s.logEvent(ctx, created.ID, EventLedgerReconciled, map[string]any{
			"dedupe_key": rec.DedupeKey,
		})
		done++
	}
}

// ack failures are only logged: the record is recovered on the next run
// and the append is idempotent.
func (s *Service) ack(ctx context.Context, p *Parked) {
	if err := s.outbox.Ack(ctx, p); err != nil {
		s.logger.Warn("failed to ack outbox record",
			zap.String("dedupe_key", p.Record.DedupeKey),
			zap.Error(err),
		)
	}
}

// GetAppointment retrieves a ledger record by ID
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return rec, nil
}

// ListUpcoming retrieves a customer's appointments starting at or after from
func (s *Service) ListUpcoming(ctx context.Context, customerID string, from time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}

	records, err := s.repo.ListUpcomingByCustomer(ctx, customerID, from, limit)
	if err != nil {
		return nil, fmt.Errorf("list appointments by customer: %w", err)
	}
	return records, nil
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}

	var apptID *uuid.UUID
	if appointmentID != uuid.Nil {
		apptID = &appointmentID
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: apptID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to insert event log",
			zap.String("event_type", eventType),
			zap.Stringer("appointment_id", appointmentID),
			zap.Error(err),
		)
	}
}
