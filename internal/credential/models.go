package credential

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no credential matches.
var ErrNotFound = errors.New("credential not found")

// Credential is a stored API key. The secret itself is never persisted;
// only its hash and display prefix are.
type Credential struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	Prefix     string     `json:"prefix"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	RevokedAt  *time.Time `json:"revoked_at"`
}

// Revoked reports whether the credential can no longer authorize requests.
func (c *Credential) Revoked() bool {
	return c.RevokedAt != nil
}

// CreateInput holds the fields required to store a new credential.
type CreateInput struct {
	OwnerID string `json:"owner_id" validate:"required,max=128"`
	Name    string `json:"name" validate:"required,max=128"`
	KeyHash string `json:"-"`
	Prefix  string `json:"-"`
}

// ListParams controls cursor-based pagination for listing credentials.
type ListParams struct {
	OwnerID string
	Cursor  string
	Limit   int
}
