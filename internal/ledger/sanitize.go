package ledger

import (
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alecgard/dexy/internal/crypto"
	"github.com/google/uuid"
)

const maxRequestIDLen = 128

// MaxMoney is the largest amount or cost the usage table stores
// (NUMERIC(20,3)). It is the largest float64 below 1e17.
const MaxMoney = 99999999999999984.0

// Sanitizer turns entries into storable records.
type Sanitizer struct {
	// MaxChars bounds each excerpt in runes. Zero drops excerpts.
	MaxChars int
	Sealer   *crypto.Sealer
	Now      func() time.Time
}

// Apply normalizes e. Amounts and costs keep three decimals and are capped
// at MaxMoney; tokens and latency become integers; non-finite and negative
// figures become zero.
func (s *Sanitizer) Apply(e Entry) Record {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	status := e.Status
	if !status.Valid() {
		status = StatusFailed
	}
	requestID := strings.TrimSpace(e.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	requestID = truncate(requestID, maxRequestIDLen)

	rec := Record{
		OwnerID:      e.OwnerID,
		CredentialID: e.CredentialID,
		AgentID:      e.AgentID,
		Amount:       round3(e.Amount),
		Tokens:       roundInt(e.Tokens),
		Cost:         round3(e.Cost),
		LatencyMs:    roundInt(e.LatencyMs),
		Status:       status,
		RequestID:    requestID,
		CreatedAt:    now().UTC(),
	}
	if s.MaxChars > 0 {
		rec.Meta = s.meta(e, requestID)
	}
	return rec
}

func (s *Sanitizer) meta(e Entry, requestID string) Meta {
	m := Meta{
		Prompt: truncate(e.Prompt, s.MaxChars),
		Output: truncate(e.Output, s.MaxChars),
	}
	if !s.Sealer.Enabled() {
		return m
	}
	prompt, err := s.Sealer.Seal(m.Prompt, requestID)
	if err != nil {
		slog.Error("failed to seal usage excerpt", "request_id", requestID, "error", err)
		return Meta{}
	}
	output, err := s.Sealer.Seal(m.Output, requestID)
	if err != nil {
		slog.Error("failed to seal usage excerpt", "request_id", requestID, "error", err)
		return Meta{}
	}
	return Meta{Prompt: prompt, Output: output, Sealed: true}
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func round3(v float64) float64 {
	v = finite(v)
	if v >= MaxMoney {
		return MaxMoney
	}
	r := math.Round(v*1000) / 1000
	if math.IsInf(r, 0) || r > MaxMoney {
		return MaxMoney
	}
	return r
}

func roundInt(v float64) int64 {
	v = math.Round(finite(v))
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
