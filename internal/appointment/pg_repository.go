package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/barbershop-chat-scheduling/internal/schedule"
)

const recordColumns = `id, customer_id, appointment_date, slot_time, start_at, end_at, external_event_id, dedupe_key, status, created_at, cancelled_at`

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool querier
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func newPgRepositoryWithQuerier(q querier) *PgRepository {
	return &PgRepository{pool: q}
}

// Helpers

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		r           Record
		date        time.Time
		slot        string
		cancelledAt *time.Time
	)

	err := row.Scan(
		&r.ID,
		&r.CustomerID,
		&date,
		&slot,
		&r.Start,
		&r.End,
		&r.ExternalEventID,
		&r.DedupeKey,
		&r.Status,
		&r.CreatedAt,
		&cancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	clock, ok := schedule.ParseClock(slot)
	if !ok {
		return nil, fmt.Errorf("appointment %s: invalid slot time %q", r.ID, slot)
	}
	r.Date = schedule.DateOf(date, time.UTC)
	r.Time = clock
	r.CancelledAt = cancelledAt
	return &r, nil
}

// Interface methods

func (r *PgRepository) Append(ctx context.Context, rec Record) (*Record, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = StatusConfirmed
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (`+recordColumns+`)
		SELECT $1::uuid, $2::text, $3::date, $4::text, $5::timestamptz, $6::timestamptz,
		       $7::text, $8::text, $9::text, COALESCE($10::timestamptz, now()), NULL::timestamptz
		WHERE NOT EXISTS (
			SELECT 1 FROM appointment_tombstones t
			WHERE t.external_event_id = $7::text
			  AND t.cancelled_at >= COALESCE($10::timestamptz, now())
		)
		ON CONFLICT (dedupe_key) WHERE status = 'confirmed' DO NOTHING
		RETURNING `+recordColumns,
		rec.ID, rec.CustomerID, rec.Date.In(time.UTC), rec.Time.String(), rec.Start.UTC(), rec.End.UTC(),
		rec.ExternalEventID, rec.DedupeKey, rec.Status, nullableTime(rec.CreatedAt),
	)
	created, err := scanRecord(row)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("append appointment: %w", err)
	}

	// Nothing inserted: either the confirmed row for this slot is already
	// there or a later cancellation tombstoned the event.
	row = r.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM appointments
		WHERE dedupe_key = $1 AND status = 'confirmed'
	`, rec.DedupeKey)
	existing, err := scanRecord(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("append appointment %s: %w", rec.DedupeKey, ErrAppointmentCancelled)
	}
	if err != nil {
		return nil, fmt.Errorf("load appointment for dedupe key: %w", err)
	}
	return existing, nil
}

func (r *PgRepository) MarkEventCancelled(ctx context.Context, eventID string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment_tombstones (external_event_id, cancelled_at)
		VALUES ($1, $2)
		ON CONFLICT (external_event_id)
		DO UPDATE SET cancelled_at = GREATEST(appointment_tombstones.cancelled_at, EXCLUDED.cancelled_at)
	`, eventID, at.UTC())
	if err != nil {
		return fmt.Errorf("mark event cancelled: %w", err)
	}
	return nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanRecord(row)
}

func (r *PgRepository) GetConfirmedByExternalEventID(ctx context.Context, eventID string) (*Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM appointments
		WHERE external_event_id = $1 AND status = 'confirmed'
	`, eventID)
	return scanRecord(row)
}

func (r *PgRepository) ListUpcomingByCustomer(ctx context.Context, customerID string, from time.Time, limit int) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM appointments
		WHERE customer_id = $1
		  AND start_at >= $2
		ORDER BY start_at ASC
		LIMIT $3
	`, customerID, from.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, at time.Time) (*Record, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    cancelled_at = CASE WHEN $2 = 'cancelled' THEN $4::timestamptz ELSE cancelled_at END
		WHERE id = $1
		  AND status = $3
		RETURNING `+recordColumns,
		id, to, from, at.UTC())

	return scanRecord(row)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	var appID *uuid.UUID
	if ev.AppointmentID != nil {
		appID = ev.AppointmentID
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment_events (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, appID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
