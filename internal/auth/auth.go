package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alecgard/dexy/internal/async"
)

// KeyPrefix starts every issued credential.
const KeyPrefix = "dexy_"

var (
	// ErrUnauthorized is the only error Validate returns.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrCredentialNotFound is returned by lookups for unknown hashes.
	ErrCredentialNotFound = errors.New("credential not found")
)

// Principal is the authenticated caller behind a credential.
type Principal struct {
	OwnerID      string
	CredentialID string
	Prefix       string
}

// StoredCredential is the subset of a persisted credential needed to
// authorize a request.
type StoredCredential struct {
	ID        string
	OwnerID   string
	Prefix    string
	RevokedAt *time.Time
}

// APIKey holds the hashed key and its non-secret display prefix.
type APIKey struct {
	Hash   string
	Prefix string
}

// CredentialLookup resolves key hashes and records usage.
type CredentialLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*StoredCredential, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

// Dispatcher runs detached jobs.
type Dispatcher interface {
	Submit(name string, fn async.Job) bool
}

// MetricsRecorder is an optional interface for auth outcome counters.
type MetricsRecorder interface {
	IncAuthSuccess(authType string)
	IncAuthFailure(authType string)
}

// Service validates bearer credentials against a credential store.
type Service struct {
	store   CredentialLookup
	touches Dispatcher
	metrics MetricsRecorder
	now     func() time.Time
}

// NewService creates a new authentication service. touches may be nil, in
// which case last-used timestamps are not recorded.
func NewService(store CredentialLookup, touches Dispatcher) *Service {
	return &Service{store: store, touches: touches, now: time.Now}
}

// SetMetrics sets the optional metrics recorder.
func (s *Service) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// Validate resolves token to a principal. Unknown, revoked and malformed
// tokens, as well as storage failures, all yield ErrUnauthorized.
func (s *Service) Validate(ctx context.Context, token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		s.fail()
		return nil, ErrUnauthorized
	}

	cred, err := s.store.GetByKeyHash(ctx, HashKey(token))
	if err != nil {
		if !errors.Is(err, ErrCredentialNotFound) {
			slog.Error("credential lookup failed", "error", err)
		}
		s.fail()
		return nil, ErrUnauthorized
	}
	if cred == nil || cred.RevokedAt != nil {
		s.fail()
		return nil, ErrUnauthorized
	}

	if s.metrics != nil {
		s.metrics.IncAuthSuccess("credential")
	}
	s.touch(cred.ID)

	return &Principal{
		OwnerID:      cred.OwnerID,
		CredentialID: cred.ID,
		Prefix:       cred.Prefix,
	}, nil
}

func (s *Service) fail() {
	if s.metrics != nil {
		s.metrics.IncAuthFailure("credential")
	}
}

// touch schedules the last-used update without waiting for it.
func (s *Service) touch(id string) {
	if s.touches == nil {
		return
	}
	at := s.now().UTC()
	s.touches.Submit("touch_last_used", func(ctx context.Context) error {
		if err := s.store.TouchLastUsed(ctx, id, at); err != nil {
			return fmt.Errorf("touching credential %s: %w", id, err)
		}
		return nil
	})
}

// GenerateAPIKey creates a credential of the form dexy_<8 hex>_<48 hex>. The
// display prefix is dexy_<8 hex>. It returns the APIKey (hash and prefix)
// and the plaintext, which must be shown to the caller exactly once.
func GenerateAPIKey() (APIKey, string, error) {
	head := make([]byte, 4)
	if _, err := rand.Read(head); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}
	secret := make([]byte, 24)
	if _, err := rand.Read(secret); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	prefix := KeyPrefix + hex.EncodeToString(head)
	plaintext := prefix + "_" + hex.EncodeToString(secret)

	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: prefix,
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
