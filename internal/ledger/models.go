package ledger

import "time"

// Status classifies an execution attempt.
type Status string

const (
	StatusCaptured Status = "captured"
	StatusFree     Status = "free"
	StatusFailed   Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCaptured, StatusFree, StatusFailed:
		return true
	}
	return false
}

// Entry is an unsanitized usage observation as produced by an execution.
type Entry struct {
	OwnerID      string
	CredentialID string
	AgentID      string
	Amount       float64
	Tokens       float64
	Cost         float64
	LatencyMs    float64
	Status       Status
	RequestID    string
	Prompt       string
	Output       string
}

// Meta holds optional audit excerpts. When Sealed is set the excerpts are
// encrypted and bound to the record's request id.
type Meta struct {
	Prompt string `json:"prompt,omitempty"`
	Output string `json:"output,omitempty"`
	Sealed bool   `json:"sealed,omitempty"`
}

// Record is one append-only usage row.
type Record struct {
	ID           string    `json:"id,omitempty"`
	OwnerID      string    `json:"owner_id"`
	CredentialID string    `json:"credential_id"`
	AgentID      string    `json:"agent_id"`
	Amount       float64   `json:"amount"`
	Tokens       int64     `json:"tokens"`
	Cost         float64   `json:"cost"`
	LatencyMs    int64     `json:"latency_ms"`
	Status       Status    `json:"status"`
	RequestID    string    `json:"request_id"`
	Meta         Meta      `json:"meta"`
	CreatedAt    time.Time `json:"created_at"`
}

// ListParams filters and pages usage records.
type ListParams struct {
	OwnerID      string
	CredentialID string
	AgentID      string
	From         time.Time
	To           time.Time
	Cursor       string
	Limit        int
}

// DailyBucket aggregates one UTC day.
type DailyBucket struct {
	Date      string  `json:"date"`
	Count     int64   `json:"count"`
	Amount    float64 `json:"amount"`
	Tokens    int64   `json:"tokens"`
	Cost      float64 `json:"cost"`
	LatencyMs int64   `json:"latencyMs"`
}

// Totals sums a range of buckets.
type Totals struct {
	Count     int64   `json:"count"`
	Amount    float64 `json:"amount"`
	Tokens    int64   `json:"tokens"`
	Cost      float64 `json:"cost"`
	LatencyMs int64   `json:"latencyMs"`
}

// DailyUsage is the daily usage report.
type DailyUsage struct {
	Daily  []DailyBucket `json:"daily"`
	Totals Totals        `json:"totals"`
}

// Summarize builds a report from buckets ordered by date.
func Summarize(buckets []DailyBucket) *DailyUsage {
	out := &DailyUsage{Daily: buckets}
	if out.Daily == nil {
		out.Daily = []DailyBucket{}
	}
	for _, b := range buckets {
		out.Totals.Count += b.Count
		out.Totals.Amount += b.Amount
		out.Totals.Tokens += b.Tokens
		out.Totals.Cost += b.Cost
		out.Totals.LatencyMs += b.LatencyMs
	}
	out.Totals.Amount = round3(out.Totals.Amount)
	out.Totals.Cost = round3(out.Totals.Cost)
	return out
}
