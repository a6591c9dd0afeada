package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConnected means the tenant has no usable Google authorization.
	// Every calendar operation fails until the owner connects again.
	ErrNotConnected = errors.New("google account not connected for tenant")
	ErrNotFound     = errors.New("credential not found")
)

// Credential is the OAuth state stored per tenant.
type Credential struct {
	TenantID     string
	RefreshToken string
	AccessToken  string
	Expiry       time.Time
	UpdatedAt    time.Time
}

// Valid reports whether the access token can still be used at now, keeping
// a margin so it does not expire mid request.
func (c Credential) Valid(now time.Time) bool {
	if c.AccessToken == "" {
		return false
	}
	if c.Expiry.IsZero() {
		return true
	}
	return now.Add(expiryDelta).Before(c.Expiry)
}

const expiryDelta = time.Minute

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store struct {
	db querier
}

func NewStore(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("credentials: nil pool")
	}
	return &Store{db: pool}
}

func newStoreWithQuerier(q querier) *Store {
	return &Store{db: q}
}

func scanCredential(row pgx.Row) (*Credential, error) {
	var (
		c      Credential
		expiry *time.Time
	)
	if err := row.Scan(&c.TenantID, &c.RefreshToken, &c.AccessToken, &expiry, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if expiry != nil {
		c.Expiry = *expiry
	}
	return &c, nil
}

func (s *Store) Get(ctx context.Context, tenantID string) (*Credential, error) {
	const q = `
		SELECT tenant_id, refresh_token, access_token, expiry, updated_at
		FROM tenant_credentials
		WHERE tenant_id = $1
	`
	c, err := scanCredential(s.db.QueryRow(ctx, q, tenantID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

// Merge upserts the tenant credential. Empty fields in c never overwrite
// stored values, so a grant without a refresh token keeps the old one.
func (s *Store) Merge(ctx context.Context, tenantID string, c Credential) error {
	const q = `
		INSERT INTO tenant_credentials (tenant_id, refresh_token, access_token, expiry, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token, ''), tenant_credentials.refresh_token),
			access_token  = COALESCE(NULLIF(EXCLUDED.access_token, ''), tenant_credentials.access_token),
			expiry        = COALESCE(EXCLUDED.expiry, tenant_credentials.expiry),
			updated_at    = NOW()
	`
	if _, err := s.db.Exec(ctx, q, tenantID, c.RefreshToken, c.AccessToken, nullableTime(c.Expiry)); err != nil {
		return fmt.Errorf("merge credential: %w", err)
	}
	return nil
}

// RefreshFunc receives the locked row and returns the credential to store.
type RefreshFunc func(ctx context.Context, current Credential) (Credential, error)

// Refresh re-reads the tenant row under SELECT ... FOR UPDATE, lets fn
// produce the new credential and writes it in the same transaction.
// Replicas refreshing at the same time are serialized by the row lock.
func (s *Store) Refresh(ctx context.Context, tenantID string, fn RefreshFunc) (*Credential, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin refresh: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const sel = `
		SELECT tenant_id, refresh_token, access_token, expiry, updated_at
		FROM tenant_credentials
		WHERE tenant_id = $1
		FOR UPDATE
	`
	current, err := scanCredential(tx.QueryRow(ctx, sel, tenantID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("lock credential: %w", err)
	}

	next, err := fn(ctx, *current)
	if err != nil {
		return nil, err
	}
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}

	const upd = `
		UPDATE tenant_credentials
		SET refresh_token = $2, access_token = $3, expiry = $4, updated_at = NOW()
		WHERE tenant_id = $1
	`
	if _, err := tx.Exec(ctx, upd, tenantID, next.RefreshToken, next.AccessToken, nullableTime(next.Expiry)); err != nil {
		return nil, fmt.Errorf("store refreshed credential: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit refresh: %w", err)
	}

	next.TenantID = tenantID
	return &next, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
