package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/dexy/internal/crypto"
	"github.com/alecgard/dexy/internal/pagination"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for usage records.
type Store struct {
	pool   *pgxpool.Pool
	sealer *crypto.Sealer
}

// NewStore creates a Store. sealer opens excerpts on read and may be nil.
func NewStore(pool *pgxpool.Pool, sealer *crypto.Sealer) *Store {
	return &Store{pool: pool, sealer: sealer}
}

// BatchInsert writes records with multi-row INSERTs of at most
// MaxBatchSize rows each. It is a no-op when recs is empty.
func (s *Store) BatchInsert(ctx context.Context, recs []Record) error {
	for _, chunk := range chunks(recs, MaxBatchSize) {
		query, args := insertQuery(chunk)
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("batch inserting usage records: %w", err)
		}
	}
	return nil
}

const insertColumns = 11

// MaxBatchSize is the most rows one INSERT can bind within the postgres
// limit of 65535 parameters.
const MaxBatchSize = 65535 / insertColumns

func insertQuery(recs []Record) (string, []any) {
	args := make([]any, 0, len(recs)*insertColumns)
	rows := make([]string, 0, len(recs))
	for i, r := range recs {
		ph := make([]string, insertColumns)
		for j := range ph {
			ph[j] = "$" + strconv.Itoa(i*insertColumns+j+1)
		}
		rows = append(rows, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			r.OwnerID,
			r.CredentialID,
			r.AgentID,
			r.Amount,
			r.Tokens,
			r.Cost,
			r.LatencyMs,
			string(r.Status),
			r.RequestID,
			r.Meta,
			r.CreatedAt,
		)
	}
	return `INSERT INTO api_key_usage
		(owner_id, api_key_id, agent_id, amount, tokens, cost, latency_ms,
		 status, request_id, meta, created_at)
		VALUES ` + strings.Join(rows, ", "), args
}

// Daily aggregates usage since the given time into UTC day buckets. An
// empty ownerID covers every owner.
func (s *Store) Daily(ctx context.Context, ownerID string, since time.Time) (*DailyUsage, error) {
	args := []any{since}
	where := " WHERE created_at >= $1"
	if ownerID != "" {
		args = append(args, ownerID)
		where += " AND owner_id = $2"
	}

	rows, err := s.pool.Query(ctx, `SELECT
		to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
		COUNT(*),
		COALESCE(SUM(amount), 0)::float8,
		COALESCE(SUM(tokens), 0)::bigint,
		COALESCE(SUM(cost), 0)::float8,
		COALESCE(SUM(latency_ms), 0)::bigint
	FROM api_key_usage`+where+`
	GROUP BY day ORDER BY day`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying daily usage: %w", err)
	}
	defer rows.Close()

	var buckets []DailyBucket
	for rows.Next() {
		var b DailyBucket
		if err := rows.Scan(&b.Date, &b.Count, &b.Amount, &b.Tokens, &b.Cost, &b.LatencyMs); err != nil {
			return nil, fmt.Errorf("scanning daily usage row: %w", err)
		}
		b.Amount = round3(b.Amount)
		b.Cost = round3(b.Cost)
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating daily usage rows: %w", err)
	}
	return Summarize(buckets), nil
}

// List returns a page of records ordered by created_at DESC, id DESC and
// the cursor of the next page, empty when there is none.
func (s *Store) List(ctx context.Context, p ListParams) ([]*Record, string, error) {
	limit := pagination.ClampLimit(p.Limit)
	where, args := listFilter(p)

	if p.Cursor != "" {
		ts, id, err := pagination.Decode(p.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		where = appendCondition(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)+1, len(args)+2))
		args = append(args, ts, id)
	}

	query := `SELECT id::text, owner_id, api_key_id::text, agent_id::text, amount::float8, tokens, cost::float8,
		latency_ms, status, request_id, meta, created_at
	FROM api_key_usage` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing usage records: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		var r Record
		var status string
		if err := rows.Scan(
			&r.ID, &r.OwnerID, &r.CredentialID, &r.AgentID, &r.Amount, &r.Tokens, &r.Cost,
			&r.LatencyMs, &status, &r.RequestID, &r.Meta, &r.CreatedAt,
		); err != nil {
			return nil, "", fmt.Errorf("scanning usage row: %w", err)
		}
		r.Status = Status(status)
		s.open(&r)
		recs = append(recs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating usage rows: %w", err)
	}

	var next string
	if len(recs) > limit {
		last := recs[limit-1]
		next = pagination.Encode(last.CreatedAt, last.ID)
		recs = recs[:limit]
	}
	return recs, next, nil
}

// open decrypts sealed excerpts in place. Excerpts that cannot be opened
// are blanked and stay marked sealed.
func (s *Store) open(r *Record) {
	if !r.Meta.Sealed {
		return
	}
	prompt, perr := s.sealer.Open(r.Meta.Prompt, r.RequestID)
	output, oerr := s.sealer.Open(r.Meta.Output, r.RequestID)
	if perr != nil || oerr != nil {
		slog.Warn("failed to open usage excerpt", "id", r.ID, "prompt_error", perr, "output_error", oerr)
		r.Meta = Meta{Sealed: true}
		return
	}
	r.Meta = Meta{Prompt: prompt, Output: output}
}

func listFilter(p ListParams) (string, []any) {
	var where string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = appendCondition(where, fmt.Sprintf(cond, len(args)))
	}
	if p.OwnerID != "" {
		add("owner_id = $%d", p.OwnerID)
	}
	if p.CredentialID != "" {
		add("api_key_id = $%d", p.CredentialID)
	}
	if p.AgentID != "" {
		add("agent_id = $%d", p.AgentID)
	}
	if !p.From.IsZero() {
		add("created_at >= $%d", p.From)
	}
	if !p.To.IsZero() {
		add("created_at <= $%d", p.To)
	}
	return where, args
}

func appendCondition(where, cond string) string {
	if where == "" {
		return " WHERE " + cond
	}
	return where + " AND " + cond
}
