package credentials

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// ErrNoRefreshToken is returned when Google grants access without a refresh
// token, which happens when the account had already authorized the app.
var ErrNoRefreshToken = errors.New("google did not return a refresh token")

type credentialMerger interface {
	Merge(ctx context.Context, tenantID string, c Credential) error
}

// Connector runs the owner-facing OAuth consent flow.
type Connector struct {
	store    credentialMerger
	tenantID string
	conf     *oauth2.Config
}

func NewConnector(store credentialMerger, tenantID string, conf *oauth2.Config) *Connector {
	return &Connector{store: store, tenantID: tenantID, conf: conf}
}

// AuthURL asks for offline access with forced consent so a refresh token is
// always issued.
func (c *Connector) AuthURL(state string) string {
	return c.conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades the callback code for tokens and stores them.
func (c *Connector) Exchange(ctx context.Context, code string) error {
	if code == "" {
		return errors.New("missing authorization code")
	}
	tok, err := c.conf.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	if tok.RefreshToken == "" {
		return ErrNoRefreshToken
	}
	return c.store.Merge(ctx, c.tenantID, Credential{
		TenantID:     c.tenantID,
		RefreshToken: tok.RefreshToken,
		AccessToken:  tok.AccessToken,
		Expiry:       tok.Expiry,
	})
}
