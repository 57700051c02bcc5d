package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the admin metrics endpoint.
type Summary struct {
	HTTP       httpSummary       `json:"http"`
	Management httpSummary       `json:"management"`
	Execution  executionSummary  `json:"execution"`
	Settlement settlementSummary `json:"settlement"`
	Upstream   upstreamSummary   `json:"upstream"`
	RateLimit  rateLimitInfo     `json:"rateLimit"`
	Ledger     ledgerInfo        `json:"ledger"`
	Auth       authInfo          `json:"auth"`
	DB         dbInfo            `json:"db"`
	Server     serverInfo        `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type executionSummary struct {
	Total    float64            `json:"total"`
	InFlight float64            `json:"inFlight"`
	Outcomes map[string]float64 `json:"outcomes"`
}

type settlementSummary struct {
	Total    float64            `json:"total"`
	Settled  float64            `json:"settled"`
	Outcomes map[string]float64 `json:"outcomes"`
	P95      float64            `json:"p95"`
}

type upstreamSummary struct {
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	Errors float64 `json:"errors"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type ledgerInfo struct {
	Buffered     float64 `json:"buffered"`
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Records      float64 `json:"records"`
	Dropped      float64 `json:"dropped"`
	AsyncDropped float64 `json:"asyncDropped"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	start := gaugeValue(fam["dexy_server_start_time_seconds"])
	return &Summary{
		HTTP:       httpFor(fam, "execute"),
		Management: httpFor(fam, "management"),
		Execution: executionSummary{
			Total:    sumCounter(fam["dexy_executions_total"], nil),
			InFlight: gaugeValue(fam["dexy_executions_in_flight"]),
			Outcomes: countersByLabel(fam["dexy_executions_total"], "outcome"),
		},
		Settlement: settlementSummary{
			Total:    sumCounter(fam["dexy_settlements_total"], nil),
			Settled:  sumCounter(fam["dexy_settlements_total"], &label{"outcome", "settled"}),
			Outcomes: countersByLabel(fam["dexy_settlements_total"], "outcome"),
			P95:      histogramPercentile(fam["dexy_settlement_duration_seconds"], 0.95, nil),
		},
		Upstream: upstreamSummary{
			P50:    histogramPercentile(fam["dexy_upstream_duration_seconds"], 0.50, nil),
			P95:    histogramPercentile(fam["dexy_upstream_duration_seconds"], 0.95, nil),
			Errors: sumCounter(fam["dexy_upstream_errors_total"], nil),
		},
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["dexy_ratelimit_rejections_total"], nil),
		},
		Ledger: ledgerInfo{
			Buffered:     gaugeValue(fam["dexy_ledger_buffered_records"]),
			TotalFlushes: sumCounter(fam["dexy_ledger_flushes_total"], nil),
			FlushErrors:  sumCounter(fam["dexy_ledger_flushes_total"], &label{"status", "error"}),
			Records:      sumCounter(fam["dexy_ledger_flushed_records_total"], &label{"status", "ok"}),
			Dropped:      sumCounter(fam["dexy_ledger_dropped_records_total"], nil),
			AsyncDropped: sumCounter(fam["dexy_async_dropped_jobs_total"], nil),
		},
		Auth: authInfo{
			Failures:  sumCounter(fam["dexy_auth_failures_total"], nil),
			Successes: sumCounter(fam["dexy_auth_successes_total"], nil),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["dexy_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["dexy_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["dexy_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

func httpFor(fam map[string]*dto.MetricFamily, kind string) httpSummary {
	l := &label{"kind", kind}
	return httpSummary{
		TotalRequests: sumCounter(fam["dexy_http_requests_total"], l),
		ErrorRate:     errorRate(fam["dexy_http_requests_total"], l),
		P50Latency:    histogramPercentile(fam["dexy_http_request_duration_seconds"], 0.50, l),
		P95Latency:    histogramPercentile(fam["dexy_http_request_duration_seconds"], 0.95, l),
		P99Latency:    histogramPercentile(fam["dexy_http_request_duration_seconds"], 0.99, l),
	}
}

// label filters metrics; nil matches everything.
type label struct {
	name, value string
}

func (l *label) matches(m *dto.Metric) bool {
	if l == nil {
		return true
	}
	for _, lp := range m.GetLabel() {
		if lp.GetName() == l.name && lp.GetValue() == l.value {
			return true
		}
	}
	return false
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func sumCounter(f *dto.MetricFamily, l *label) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if l.matches(m) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func countersByLabel(f *dto.MetricFamily, name string) map[string]float64 {
	out := map[string]float64{}
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			out[labelValue(m, name)] += m.GetCounter().GetValue()
		}
	}
	return out
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 || ms[0].GetGauge() == nil {
		return 0
	}
	return ms[0].GetGauge().GetValue()
}

// errorRate is the share of requests answered with a 4xx or 5xx status.
func errorRate(f *dto.MetricFamily, l *label) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if !l.matches(m) || m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		if code := labelValue(m, "status_code"); len(code) > 0 && code[0] >= '4' {
			errors += v
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64, l *label) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil || !l.matches(m) {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		if !math.IsInf(ub, 1) {
			buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
		}
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)
	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if float64(b.cumulativeCount) >= rank {
			n := b.cumulativeCount - prevCount
			if n == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(n)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}
	if len(buckets) > 0 {
		return buckets[len(buckets)-1].upperBound
	}
	return 0
}
