package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Prices are read as text so no precision is lost on the way to decimal.
const columns = `id, name, description, url, address, price::text, created_at`

// Store provides read access to the agent catalog, plus Create for seeding.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new catalog store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetByID retrieves an agent by its primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Agent, error) {
	if uuid.Validate(id) != nil {
		return nil, ErrNotFound
	}
	a, err := scan(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("getting agent by id: %w", err)
	}
	return a, nil
}

// Create registers an agent. Negative prices are rejected.
func (s *Store) Create(ctx context.Context, in CreateInput) (*Agent, error) {
	if in.Price.IsNegative() {
		return nil, fmt.Errorf("creating agent: price must not be negative")
	}
	a, err := scan(s.pool.QueryRow(ctx,
		`INSERT INTO agents (name, description, url, address, price)
		 VALUES ($1, $2, $3, $4, $5::numeric)
		 RETURNING `+columns,
		in.Name, in.Description, in.URL, in.Address, in.Price.String(),
	))
	if err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	return a, nil
}

// Count returns the number of registered agents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting agents: %w", err)
	}
	return n, nil
}

func scan(row pgx.Row) (*Agent, error) {
	a := &Agent{}
	var price string
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.URL, &a.Address, &price, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parsing price %q: %w", price, err)
	}
	return a, nil
}
