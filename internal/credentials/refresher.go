package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/singleflight"
)

// Scopes requested when the shop owner connects a calendar.
var Scopes = []string{
	"https://www.googleapis.com/auth/calendar",
	"https://www.googleapis.com/auth/calendar.events",
}

// NewOAuthConfig builds the Google OAuth client used for both the consent
// flow and token refresh.
func NewOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     google.Endpoint,
	}
}

type tokenStore interface {
	Get(ctx context.Context, tenantID string) (*Credential, error)
	Refresh(ctx context.Context, tenantID string, fn RefreshFunc) (*Credential, error)
}

// Refresher hands out a valid access token for one tenant. Expired tokens
// are refreshed through Google and persisted before being returned.
type Refresher struct {
	store    tokenStore
	tenantID string
	conf     *oauth2.Config
	logger   *zap.Logger
	now      func() time.Time
	group    singleflight.Group
	// refreshTimeout bounds a shared refresh, which outlives the caller
	// that started it.
	refreshTimeout time.Duration
}

func NewRefresher(store tokenStore, tenantID string, conf *oauth2.Config, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		store:    store,
		tenantID: tenantID,
		conf:     conf,
		logger:   logger,
		now:      time.Now,

		refreshTimeout: 30 * time.Second,
	}
}

// Token satisfies calendar.TokenFunc.
func (r *Refresher) Token(ctx context.Context) (*oauth2.Token, error) {
	cred, err := r.store.Get(ctx, r.tenantID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotConnected
		}
		return nil, err
	}
	if cred.RefreshToken == "" {
		return nil, ErrNotConnected
	}
	if cred.Valid(r.now()) {
		return toOAuth(*cred), nil
	}

	ch := r.group.DoChan(r.tenantID, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.refreshTimeout)
		defer cancel()
		return r.store.Refresh(flightCtx, r.tenantID, r.refresh)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	v, err, shared := res.Val, res.Err, res.Shared
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotConnected
		}
		return nil, err
	}
	if shared {
		r.logger.Debug("shared token refresh", zap.String("tenant_id", r.tenantID))
	}
	return toOAuth(*v.(*Credential)), nil
}

func (r *Refresher) refresh(ctx context.Context, current Credential) (Credential, error) {
	// Another replica may have refreshed while we waited for the row lock.
	if current.Valid(r.now()) {
		return current, nil
	}
	if current.RefreshToken == "" {
		return Credential{}, ErrNotConnected
	}

	src := r.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			r.logger.Error("refresh token revoked", zap.String("tenant_id", r.tenantID), zap.Error(err))
			return Credential{}, fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		return Credential{}, fmt.Errorf("refresh access token: %w", err)
	}

	r.logger.Info("access token refreshed",
		zap.String("tenant_id", r.tenantID),
		zap.Time("expiry", tok.Expiry),
	)
	return Credential{
		TenantID:     r.tenantID,
		RefreshToken: tok.RefreshToken,
		AccessToken:  tok.AccessToken,
		Expiry:       tok.Expiry,
	}, nil
}

func toOAuth(c Credential) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.Expiry,
	}
}
