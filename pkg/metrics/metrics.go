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

// Registry holds in-process counters for the gateway. Endpoint stats are
// keyed by route pattern, merge outcomes by table action, rejections by
// the stage that refused the request.
type Registry struct {
	mu           sync.RWMutex
	endpoint     map[string]*EndpointStat
	mergeAction  map[string]int64
	rejection    map[string]int64
	gauges       map[string]float64
	idempotent   int64
	mergeLatency MergeLatencyStat
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type MergeLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	MergeActions   map[string]int64        `json:"merge_actions"`
	Rejections     map[string]int64        `json:"rejections"`
	Gauges         map[string]float64      `json:"gauges"`
	IdempotentHits int64                   `json:"idempotent_hits_total"`
	MergeLatencyMS MergeLatencyStat        `json:"merge_latency_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		mergeAction: map[string]int64{},
		rejection:   map[string]int64{},
		gauges:      map[string]float64{},
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

func (r *Registry) IncMergeAction(action string) {
	if action == "" {
		return
	}
	r.mu.Lock()
	r.mergeAction[action]++
	r.mu.Unlock()
}

// IncRejection counts a request refused before any rows moved. Stage is
// the gate that said no: csrf, session, rate_limit, merge_token, precondition.
func (r *Registry) IncRejection(stage string) {
	stage = strings.TrimSpace(stage)
	if stage == "" {
		return
	}
	r.mu.Lock()
	r.rejection[stage]++
	r.mu.Unlock()
}

func (r *Registry) IncIdempotentHit() {
	r.mu.Lock()
	r.idempotent++
	r.mu.Unlock()
}

func (r *Registry) ObserveMergeLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mergeLatency.Count++
	r.mergeLatency.TotalMS += ms
	r.mergeLatency.LastMS = ms
	if ms > r.mergeLatency.MaxMS {
		r.mergeLatency.MaxMS = ms
	}
	r.mergeLatency.AvgMS = float64(r.mergeLatency.TotalMS) / float64(r.mergeLatency.Count)
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
		MergeActions:   make(map[string]int64, len(r.mergeAction)),
		Rejections:     make(map[string]int64, len(r.rejection)),
		Gauges:         make(map[string]float64, len(r.gauges)),
		IdempotentHits: r.idempotent,
		MergeLatencyMS: MergeLatencyStat{
			Count:   r.mergeLatency.Count,
			TotalMS: r.mergeLatency.TotalMS,
			MaxMS:   r.mergeLatency.MaxMS,
			LastMS:  r.mergeLatency.LastMS,
			AvgMS:   r.mergeLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.mergeAction {
		out.MergeActions[k] = v
	}
	for k, v := range r.rejection {
		out.Rejections[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
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
		b.WriteString("# HELP jewgo_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE jewgo_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "jewgo_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP jewgo_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE jewgo_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "jewgo_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP jewgo_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE jewgo_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "jewgo_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP jewgo_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE jewgo_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "jewgo_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP jewgo_merge_action_total merged table outcomes by action\n")
		b.WriteString("# TYPE jewgo_merge_action_total counter\n")
		for _, action := range SortedKeys(snap.MergeActions) {
			fmt.Fprintf(b, "jewgo_merge_action_total{action=%q} %d\n", action, snap.MergeActions[action])
		}
		b.WriteString("# HELP jewgo_merge_rejection_total merge requests refused by stage\n")
		b.WriteString("# TYPE jewgo_merge_rejection_total counter\n")
		for _, stage := range SortedKeys(snap.Rejections) {
			fmt.Fprintf(b, "jewgo_merge_rejection_total{stage=%q} %d\n", stage, snap.Rejections[stage])
		}
		b.WriteString("# HELP jewgo_merge_idempotent_hits_total merge replays answered from the ledger\n")
		b.WriteString("# TYPE jewgo_merge_idempotent_hits_total counter\n")
		fmt.Fprintf(b, "jewgo_merge_idempotent_hits_total %d\n", snap.IdempotentHits)
		b.WriteString("# HELP jewgo_merge_latency_ms merge orchestration latency in ms\n")
		b.WriteString("# TYPE jewgo_merge_latency_ms gauge\n")
		fmt.Fprintf(b, "jewgo_merge_latency_ms{stat=%q} %d\n", "last", snap.MergeLatencyMS.LastMS)
		fmt.Fprintf(b, "jewgo_merge_latency_ms{stat=%q} %.3f\n", "avg", snap.MergeLatencyMS.AvgMS)
		fmt.Fprintf(b, "jewgo_merge_latency_ms{stat=%q} %d\n", "max", snap.MergeLatencyMS.MaxMS)
		b.WriteString("# HELP jewgo_gauge operational gauge metrics\n")
		b.WriteString("# TYPE jewgo_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "jewgo_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
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
