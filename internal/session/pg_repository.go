package session

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

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool rowQuerier
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	if pool == nil {
		panic("session: pgx pool required")
	}
	return &PgRepository{pool: pool}
}

func newPgRepositoryWithQuerier(q rowQuerier) *PgRepository {
	return &PgRepository{pool: q}
}

// Helpers

func scanSession(row pgx.Row) (*Session, error) {
	var (
		s           Session
		stage       string
		pendingDate *time.Time
		lastAppt    *uuid.UUID
	)

	err := row.Scan(
		&s.ID,
		&s.DisplayName,
		&stage,
		&pendingDate,
		&s.LastActivityAt,
		&lastAppt,
		&s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	s.Stage = decodeStage(StageName(stage), pendingDate)
	s.LastAppointmentID = lastAppt
	return &s, nil
}

// decodeStage rebuilds the stage from its columns. A row that lost its
// pending date falls back to asking for the date again.
func decodeStage(name StageName, pendingDate *time.Time) Stage {
	switch name {
	case StageAwaitingDate:
		return AwaitingDate{}
	case StageAwaitingTime:
		if pendingDate == nil {
			return AwaitingDate{}
		}
		return AwaitingTime{Date: schedule.DateOf(*pendingDate, time.UTC)}
	default:
		return Idle{}
	}
}

func encodeStage(st Stage) (StageName, *time.Time) {
	switch v := st.(type) {
	case AwaitingTime:
		d := v.Date.In(time.UTC)
		return StageAwaitingTime, &d
	case AwaitingDate:
		return StageAwaitingDate, nil
	default:
		return StageIdle, nil
	}
}

// Interface methods

func (r *PgRepository) Get(ctx context.Context, id string) (*Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, display_name, stage, pending_date, last_activity_at, last_appointment_id, created_at
		FROM customer_sessions
		WHERE id = $1
	`, id)
	return scanSession(row)
}

func (r *PgRepository) Save(ctx context.Context, s *Session) error {
	stage, pendingDate := encodeStage(s.Stage)

	_, err := r.pool.Exec(ctx, `
		INSERT INTO customer_sessions (id, display_name, stage, pending_date, last_activity_at, last_appointment_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    stage = EXCLUDED.stage,
		    pending_date = EXCLUDED.pending_date,
		    last_activity_at = EXCLUDED.last_activity_at,
		    last_appointment_id = EXCLUDED.last_appointment_id,
		    updated_at = now()
	`, s.ID, s.DisplayName, string(stage), pendingDate, s.LastActivityAt, s.LastAppointmentID, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}
