package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// TokenDivisor is the number of characters counted as one token when the
// upstream does not report usage.
const TokenDivisor = 4

// Rule is a path of object keys searched in an upstream JSON reply.
type Rule []string

// OutputRules are tried in order for the reply's textual output. The first
// present, non-null value wins.
var OutputRules = []Rule{
	{"normalized", "output"},
	{"output"},
	{"result"},
}

// UsageRules are tried in order for an upstream-declared usage object.
var UsageRules = []Rule{
	{"normalized", "usage"},
	{"usage"},
}

// Usage is the canonical usage block.
type Usage struct {
	Tokens    float64 `json:"tokens"`
	Cost      float64 `json:"cost"`
	LatencyMs float64 `json:"latencyMs"`
}

// Envelope is the normalized result of one upstream call.
type Envelope struct {
	// Status is the upstream HTTP status, or 500 on failure.
	Status int
	Output string
	Usage  Usage
	// Prompt is the payload as forwarded, empty when nothing was sent.
	Prompt string

	Failed    bool
	ErrorType string

	// fields holds the upstream's top-level JSON object, when it sent one.
	fields map[string]json.RawMessage
}

// MarshalJSON renders the caller-facing body: the upstream's own fields with
// output, usage and a merged normalized block laid over them.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.fields)+3)
	for k, v := range e.fields {
		out[k] = v
	}
	normalized := map[string]any{}
	if raw, ok := e.fields["normalized"]; ok {
		var nested map[string]json.RawMessage
		if json.Unmarshal(raw, &nested) == nil {
			for k, v := range nested {
				normalized[k] = v
			}
		}
	}
	normalized["output"] = e.Output
	normalized["usage"] = e.Usage

	out["output"] = e.Output
	out["usage"] = e.Usage
	out["normalized"] = normalized
	return json.Marshal(out)
}

// MetricsRecorder is an optional interface for recording upstream metrics.
type MetricsRecorder interface {
	ObserveUpstreamDuration(status int, seconds float64)
	IncUpstreamError(errorType string)
}

// Forwarder issues the single upstream call for an execution.
type Forwarder struct {
	client          *http.Client
	maxResponseSize int64
	metrics         MetricsRecorder
}

// NewForwarder creates a forwarder. Upstream replies larger than
// maxResponseSize bytes are treated as failures.
func NewForwarder(timeout time.Duration, maxResponseSize int64) *Forwarder {
	return &Forwarder{
		client:          &http.Client{Timeout: timeout},
		maxResponseSize: maxResponseSize,
	}
}

// SetMetrics sets the optional metrics recorder.
func (f *Forwarder) SetMetrics(m MetricsRecorder) {
	f.metrics = m
}

// Forward POSTs payload to endpoint and normalizes the reply. It never
// returns an error: transport failures produce a failed envelope with zero
// tokens and cost.
func (f *Forwarder) Forward(ctx context.Context, endpoint string, payload []byte, baseCost float64) *Envelope {
	start := time.Now()
	prompt := forwardable(payload)

	var body io.Reader
	if prompt != "" {
		body = strings.NewReader(prompt)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return f.fail(start, "bad_endpoint")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return f.fail(start, classifyUpstreamError(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponseSize+1))
	latency := time.Since(start)
	if err != nil {
		return f.fail(start, classifyUpstreamError(err))
	}
	if int64(len(raw)) > f.maxResponseSize {
		return f.fail(start, "response_too_large")
	}
	if f.metrics != nil {
		f.metrics.ObserveUpstreamDuration(resp.StatusCode, latency.Seconds())
	}

	text := string(raw)
	env := &Envelope{
		Status: resp.StatusCode,
		Output: text,
		Prompt: prompt,
		Usage: Usage{
			Tokens:    float64(EstimateTokens(prompt + text)),
			Cost:      math.Round(baseCost*1000) / 1000,
			LatencyMs: float64(latency.Milliseconds()),
		},
	}
	if !isJSON(resp.Header.Get("Content-Type")) {
		return env
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal(raw, &fields) != nil || fields == nil {
		return env
	}
	env.fields = fields
	if v, ok := firstMatch(fields, OutputRules); ok {
		env.Output = outputText(v)
	}
	if v, ok := firstMatch(fields, UsageRules); ok {
		env.Usage = overrideUsage(env.Usage, v)
	}
	return env
}

func (f *Forwarder) fail(start time.Time, errorType string) *Envelope {
	if f.metrics != nil {
		f.metrics.IncUpstreamError(errorType)
	}
	return &Envelope{
		Status:    http.StatusInternalServerError,
		Usage:     Usage{LatencyMs: float64(time.Since(start).Milliseconds())},
		Failed:    true,
		ErrorType: errorType,
	}
}

// EstimateTokens is the local length heuristic: runes divided by
// TokenDivisor, rounded up, never below 1.
func EstimateTokens(text string) int64 {
	n := int64(utf8.RuneCountInString(text))
	return max(1, (n+TokenDivisor-1)/TokenDivisor)
}

// forwardable returns payload unchanged when it is valid JSON, and the
// empty string otherwise.
func forwardable(payload []byte) string {
	if len(bytes.TrimSpace(payload)) == 0 || !json.Valid(payload) {
		return ""
	}
	return string(payload)
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(contentType, "application/json")
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// firstMatch returns the first present, non-null value addressed by rules.
func firstMatch(fields map[string]json.RawMessage, rules []Rule) (json.RawMessage, bool) {
	for _, rule := range rules {
		if v, ok := lookup(fields, rule); ok {
			return v, true
		}
	}
	return nil, false
}

func lookup(fields map[string]json.RawMessage, path Rule) (json.RawMessage, bool) {
	cur := fields
	for i, key := range path {
		v, ok := cur[key]
		if !ok || isNull(v) {
			return nil, false
		}
		if i == len(path)-1 {
			return v, true
		}
		var next map[string]json.RawMessage
		if json.Unmarshal(v, &next) != nil {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || string(bytes.TrimSpace(v)) == "null"
}

// outputText unquotes JSON strings and keeps any other value as compact JSON.
func outputText(v json.RawMessage) string {
	var s string
	if json.Unmarshal(v, &s) == nil {
		return s
	}
	var buf bytes.Buffer
	if json.Compact(&buf, v) != nil {
		return string(v)
	}
	return buf.String()
}

// overrideUsage lets each numeric upstream usage field replace the local
// figure.
func overrideUsage(base Usage, v json.RawMessage) Usage {
	if n := numberField(v, "tokens"); n != nil {
		base.Tokens = *n
	}
	if n := numberField(v, "cost"); n != nil {
		base.Cost = *n
	}
	if n := numberField(v, "latencyMs"); n != nil {
		base.LatencyMs = *n
	}
	return base
}

func numberField(v json.RawMessage, key string) *float64 {
	var obj map[string]json.RawMessage
	if json.Unmarshal(v, &obj) != nil {
		return nil
	}
	var n float64
	if raw, ok := obj[key]; !ok || json.Unmarshal(raw, &n) != nil {
		return nil
	}
	return &n
}

// classifyUpstreamError categorizes an upstream HTTP client error.
func classifyUpstreamError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var timeoutErr net.Error
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return "timeout"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	return "other"
}
