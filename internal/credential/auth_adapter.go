package credential

import (
	"context"
	"errors"
	"time"

	"github.com/alecgard/dexy/internal/auth"
)

// KeyHashLookup is the subset of Store the adapter needs.
type KeyHashLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*Credential, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// AuthAdapter wraps a credential store to satisfy auth.CredentialLookup.
type AuthAdapter struct {
	store KeyHashLookup
}

// NewAuthAdapter creates an adapter that bridges Store to auth.CredentialLookup.
func NewAuthAdapter(store KeyHashLookup) *AuthAdapter {
	return &AuthAdapter{store: store}
}

// GetByKeyHash looks up a credential and converts it to auth.StoredCredential.
func (a *AuthAdapter) GetByKeyHash(ctx context.Context, hash string) (*auth.StoredCredential, error) {
	c, err := a.store.GetByKeyHash(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return nil, auth.ErrCredentialNotFound
	}
	if err != nil {
		return nil, err
	}
	return &auth.StoredCredential{
		ID:        c.ID,
		OwnerID:   c.OwnerID,
		Prefix:    c.Prefix,
		RevokedAt: c.RevokedAt,
	}, nil
}

// TouchLastUsed forwards to the store.
func (a *AuthAdapter) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	return a.store.TouchLastUsed(ctx, id, at)
}
