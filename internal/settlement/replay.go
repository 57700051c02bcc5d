package settlement

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// ReplayGuard records which transactions have already paid for an
// execution. Claim returns an *Error with ReasonReplayed when txHash was
// claimed before. Release drops a claim whose execution did not happen, so
// the transaction can pay again.
type ReplayGuard interface {
	Claim(ctx context.Context, txHash, resource string) error
	Release(ctx context.Context, txHash string) error
}

func replayed() error { return newError(ReasonReplayed, false, nil) }

// Execer is satisfied by *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresGuard claims transactions in the settlement_claims table.
type PostgresGuard struct {
	db Execer
}

// NewPostgresGuard creates a guard backed by db.
func NewPostgresGuard(db Execer) *PostgresGuard {
	return &PostgresGuard{db: db}
}

func (g *PostgresGuard) Claim(ctx context.Context, txHash, resource string) error {
	tag, err := g.db.Exec(ctx,
		`INSERT INTO settlement_claims (tx_hash, resource) VALUES ($1, $2)
		 ON CONFLICT (tx_hash) DO NOTHING`,
		strings.ToLower(txHash), resource,
	)
	if err != nil {
		return fmt.Errorf("claiming settlement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return replayed()
	}
	return nil
}

func (g *PostgresGuard) Release(ctx context.Context, txHash string) error {
	if _, err := g.db.Exec(ctx, `DELETE FROM settlement_claims WHERE tx_hash = $1`, strings.ToLower(txHash)); err != nil {
		return fmt.Errorf("releasing settlement: %w", err)
	}
	return nil
}

// KeySetter is satisfied by *redis.Client.
type KeySetter interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisGuard claims transactions with SET NX. Claims expire after ttl; a
// zero ttl keeps them forever.
type RedisGuard struct {
	client KeySetter
	prefix string
	ttl    time.Duration
}

// NewRedisGuard creates a guard backed by client.
func NewRedisGuard(client KeySetter, prefix string, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, prefix: prefix, ttl: ttl}
}

func (g *RedisGuard) Claim(ctx context.Context, txHash, resource string) error {
	ok, err := g.client.SetNX(ctx, g.prefix+strings.ToLower(txHash), resource, g.ttl).Result()
	if err != nil {
		return fmt.Errorf("claiming settlement: %w", err)
	}
	if !ok {
		return replayed()
	}
	return nil
}

func (g *RedisGuard) Release(ctx context.Context, txHash string) error {
	if err := g.client.Del(ctx, g.prefix+strings.ToLower(txHash)).Err(); err != nil {
		return fmt.Errorf("releasing settlement: %w", err)
	}
	return nil
}

// MemoryGuard claims transactions in process memory.
type MemoryGuard struct {
	mu   sync.Mutex
	seen map[string]string
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{seen: make(map[string]string)}
}

func (g *MemoryGuard) Claim(_ context.Context, txHash, resource string) error {
	key := strings.ToLower(txHash)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[key]; ok {
		return replayed()
	}
	g.seen[key] = resource
	return nil
}

func (g *MemoryGuard) Release(_ context.Context, txHash string) error {
	g.mu.Lock()
	delete(g.seen, strings.ToLower(txHash))
	g.mu.Unlock()
	return nil
}

// NopGuard accepts every claim.
type NopGuard struct{}

func (NopGuard) Claim(context.Context, string, string) error { return nil }

func (NopGuard) Release(context.Context, string) error { return nil }
