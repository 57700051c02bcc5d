package credential

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alecgard/dexy/internal/pagination"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const columns = `id, owner_id, name, key_hash, prefix, created_at, last_used_at, revoked_at`

// Store provides database operations for credentials.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new credential store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts a new credential and returns the created record.
func (s *Store) Create(ctx context.Context, in CreateInput) (*Credential, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO api_keys (owner_id, name, key_hash, prefix)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+columns,
		in.OwnerID, in.Name, in.KeyHash, in.Prefix,
	)
	c, err := scan(row)
	if err != nil {
		return nil, fmt.Errorf("creating credential: %w", err)
	}
	return c, nil
}

// GetByID retrieves a credential by its primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Credential, error) {
	if uuid.Validate(id) != nil {
		return nil, ErrNotFound
	}
	c, err := scan(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM api_keys WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("getting credential by id: %w", err)
	}
	return c, nil
}

// GetByKeyHash retrieves a credential by the hash of its secret, including
// revoked credentials.
func (s *Store) GetByKeyHash(ctx context.Context, hash string) (*Credential, error) {
	c, err := scan(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM api_keys WHERE key_hash = $1`, hash))
	if err != nil {
		return nil, fmt.Errorf("getting credential by key hash: %w", err)
	}
	return c, nil
}

// List returns a page of credentials ordered by created_at DESC, id DESC.
// An empty OwnerID lists every owner's credentials.
func (s *Store) List(ctx context.Context, p ListParams) ([]*Credential, string, error) {
	limit := pagination.ClampLimit(p.Limit)

	query := `SELECT ` + columns + ` FROM api_keys WHERE TRUE`
	var args []any
	if p.OwnerID != "" {
		args = append(args, p.OwnerID)
		query += ` AND owner_id = $` + strconv.Itoa(len(args))
	}
	if p.Cursor != "" {
		ts, id, err := pagination.Decode(p.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		args = append(args, ts, id)
		query += fmt.Sprintf(` AND (created_at, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, limit+1)
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		c, err := scan(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning credential row: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating credential rows: %w", err)
	}

	var next string
	if len(creds) > limit {
		last := creds[limit-1]
		next = pagination.Encode(last.CreatedAt, last.ID)
		creds = creds[:limit]
	}
	return creds, next, nil
}

// Revoke sets revoked_at on an active credential. Revoking an unknown or
// already revoked credential returns ErrNotFound.
func (s *Store) Revoke(ctx context.Context, id string, at time.Time) error {
	if uuid.Validate(id) != nil {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("revoking credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed records that the credential authorized a request at the
// given time. Older timestamps never overwrite newer ones.
func (s *Store) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $2
		 WHERE id = $1 AND (last_used_at IS NULL OR last_used_at < $2)`, id, at)
	if err != nil {
		return fmt.Errorf("touching credential: %w", err)
	}
	return nil
}

func scan(row pgx.Row) (*Credential, error) {
	c := &Credential{}
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &c.KeyHash, &c.Prefix, &c.CreatedAt, &c.LastUsedAt, &c.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
