package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is the in-process metrics sink. Handlers feed it request
// outcomes, access decisions, verification transitions, and throttle
// hits; it serves both a JSON snapshot and a Prometheus text view.
type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	decision       map[string]int64
	decisionReason map[string]int64
	verification   map[string]int64
	throttled      map[string]int64
	snippetEvents  map[string]int64
	gauges         map[string]float64
	Histograms     *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	Decisions      map[string]int64        `json:"decisions"`
	DecisionReason map[string]int64        `json:"decision_reasons"`
	Verification   map[string]int64        `json:"verification_transitions"`
	Throttled      map[string]int64        `json:"throttled"`
	SnippetEvents  map[string]int64        `json:"snippet_events"`
	Gauges         map[string]float64      `json:"gauges"`
	Histograms     []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		decision:       map[string]int64{},
		decisionReason: map[string]int64{},
		verification:   map[string]int64{},
		throttled:      map[string]int64{},
		snippetEvents:  map[string]int64{},
		gauges:         map[string]float64{},
		Histograms:     NewHistogramRegistry(),
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

// IncDecision records an access-control outcome ("allowed"/"denied")
// with its reason code.
func (r *Registry) IncDecision(outcome, reason string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.decision[outcome]++
	if reason = strings.TrimSpace(reason); reason != "" {
		r.decisionReason[outcome+"|"+reason]++
	}
	r.mu.Unlock()
}

// IncVerification records a verification state transition
// ("verified" or "unverified").
func (r *Registry) IncVerification(transition string) {
	transition = strings.TrimSpace(strings.ToLower(transition))
	if transition == "" {
		return
	}
	r.mu.Lock()
	r.verification[transition]++
	r.mu.Unlock()
}

// IncThrottled records a 429 by limiter class ("auth" or "api").
func (r *Registry) IncThrottled(class string) {
	class = strings.TrimSpace(strings.ToLower(class))
	if class == "" {
		return
	}
	r.mu.Lock()
	r.throttled[class]++
	r.mu.Unlock()
}

// IncSnippetEvent counts lifecycle events by kind
// (created, updated, deleted, liked, bookmarked, commented, viewed).
func (r *Registry) IncSnippetEvent(kind string) {
	kind = strings.TrimSpace(strings.ToLower(kind))
	if kind == "" {
		return
	}
	r.mu.Lock()
	r.snippetEvents[kind]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:      make(map[string]int64, len(r.decision)),
		DecisionReason: make(map[string]int64, len(r.decisionReason)),
		Verification:   make(map[string]int64, len(r.verification)),
		Throttled:      make(map[string]int64, len(r.throttled)),
		SnippetEvents:  make(map[string]int64, len(r.snippetEvents)),
		Gauges:         make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for k, v := range r.decisionReason {
		out.DecisionReason[k] = v
	}
	for k, v := range r.verification {
		out.Verification[k] = v
	}
	for k, v := range r.throttled {
		out.Throttled[k] = v
	}
	for k, v := range r.snippetEvents {
		out.SnippetEvents[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP kodespace_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE kodespace_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "kodespace_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP kodespace_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE kodespace_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "kodespace_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP kodespace_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE kodespace_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "kodespace_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP kodespace_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE kodespace_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "kodespace_endpoint_max_millis{endpoint=%q} %d\n", ep, snap.Endpoints[ep].MaxMillis)
		}
		b.WriteString("# HELP kodespace_access_decision_total access decisions by outcome\n")
		b.WriteString("# TYPE kodespace_access_decision_total counter\n")
		for _, outcome := range SortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "kodespace_access_decision_total{outcome=%q} %d\n", outcome, snap.Decisions[outcome])
		}
		b.WriteString("# HELP kodespace_access_reason_total access decisions by outcome and reason\n")
		b.WriteString("# TYPE kodespace_access_reason_total counter\n")
		for _, key := range SortedKeys(snap.DecisionReason) {
			parts := strings.SplitN(key, "|", 2)
			reason := ""
			if len(parts) == 2 {
				reason = parts[1]
			}
			fmt.Fprintf(b, "kodespace_access_reason_total{outcome=%q,reason=%q} %d\n", parts[0], reason, snap.DecisionReason[key])
		}
		b.WriteString("# HELP kodespace_verification_total verification transitions by direction\n")
		b.WriteString("# TYPE kodespace_verification_total counter\n")
		for _, transition := range SortedKeys(snap.Verification) {
			fmt.Fprintf(b, "kodespace_verification_total{transition=%q} %d\n", transition, snap.Verification[transition])
		}
		b.WriteString("# HELP kodespace_throttled_total requests rejected by the rate limiter\n")
		b.WriteString("# TYPE kodespace_throttled_total counter\n")
		for _, class := range SortedKeys(snap.Throttled) {
			fmt.Fprintf(b, "kodespace_throttled_total{class=%q} %d\n", class, snap.Throttled[class])
		}
		b.WriteString("# HELP kodespace_snippet_event_total snippet lifecycle events by kind\n")
		b.WriteString("# TYPE kodespace_snippet_event_total counter\n")
		for _, kind := range SortedKeys(snap.SnippetEvents) {
			fmt.Fprintf(b, "kodespace_snippet_event_total{kind=%q} %d\n", kind, snap.SnippetEvents[kind])
		}
		b.WriteString("# HELP kodespace_gauge operational gauge metrics\n")
		b.WriteString("# TYPE kodespace_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "kodespace_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP kodespace_latency_seconds latency histogram\n")
			b.WriteString("# TYPE kodespace_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "kodespace_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "kodespace_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "kodespace_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "kodespace_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "kodespace_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "kodespace_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "kodespace_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
