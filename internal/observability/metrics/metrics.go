package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, session lifecycle events, account lease outcomes, and relay
// throughput. It coordinates concurrent writers via a RWMutex while exposing
// thread-safe gauges for active session and viewer tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	sessionEvents   map[string]uint64
	leaseEvents     map[string]uint64
	guideEvents     map[string]uint64
	activeSessions  atomic.Int64
	activeViewers   atomic.Int64
	chunksRelayed   atomic.Uint64
	chunksDropped   atomic.Uint64
	bytesIngested   atomic.Uint64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		sessionEvents:   make(map[string]uint64),
		leaseEvents:     make(map[string]uint64),
		guideEvents:     make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SessionStarted records a start lifecycle event and increments the active
// session gauge atomically so concurrent sessions remain consistent.
func (r *Recorder) SessionStarted() {
	r.incrementSessionEvent("start")
	r.activeSessions.Add(1)
}

// SessionStopped records a stop event labeled with the teardown reason and
// decrements the active session gauge, guarding against negative counts.
func (r *Recorder) SessionStopped(reason string) {
	r.incrementSessionEvent(normalizeName(reason))
	r.decrementGauge(&r.activeSessions)
}

// SessionStartFailed records a session that never came up, typically because
// the ingest process could not start.
func (r *Recorder) SessionStartFailed() {
	r.incrementSessionEvent("start_failed")
}

func (r *Recorder) incrementSessionEvent(event string) {
	r.mu.Lock()
	r.sessionEvents[event]++
	r.mu.Unlock()
}

// LeaseGranted records a successful account lease.
func (r *Recorder) LeaseGranted() {
	r.mu.Lock()
	r.leaseEvents["granted"]++
	r.mu.Unlock()
}

// LeaseDenied records a lease attempt that found the pool exhausted.
func (r *Recorder) LeaseDenied() {
	r.mu.Lock()
	r.leaseEvents["denied"]++
	r.mu.Unlock()
}

// ObserveGuideRefresh records a playlist or EPG refresh outcome.
func (r *Recorder) ObserveGuideRefresh(kind string, err error) {
	label := normalizeName(kind)
	if err != nil {
		label += "_failed"
	}
	r.mu.Lock()
	r.guideEvents[label]++
	r.mu.Unlock()
}

// ViewerAttached increments the active viewer gauge.
func (r *Recorder) ViewerAttached() {
	r.activeViewers.Add(1)
}

// ViewerDetached decrements the active viewer gauge.
func (r *Recorder) ViewerDetached() {
	r.decrementGauge(&r.activeViewers)
}

// ObserveChunk accumulates ingest throughput for one fan-out pass: the chunk
// size in bytes, how many viewer queues accepted it, and how many dropped it.
func (r *Recorder) ObserveChunk(size, delivered, dropped int) {
	r.bytesIngested.Add(uint64(size))
	if delivered > 0 {
		r.chunksRelayed.Add(uint64(delivered))
	}
	if dropped > 0 {
		r.chunksDropped.Add(uint64(dropped))
	}
}

// ActiveSessions exposes the current gauge of live relay sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ActiveViewers exposes the current gauge of attached viewers.
func (r *Recorder) ActiveViewers() int64 {
	return r.activeViewers.Load()
}

// SessionEventCounts returns a copy of the session event counters for tests.
func (r *Recorder) SessionEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.sessionEvents))
	for k, v := range r.sessionEvents {
		out[k] = v
	}
	return out
}

// LeaseEventCounts returns a copy of the lease outcome counters for tests.
func (r *Recorder) LeaseEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.leaseEvents))
	for k, v := range r.leaseEvents {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.sessionEvents = make(map[string]uint64)
	r.leaseEvents = make(map[string]uint64)
	r.guideEvents = make(map[string]uint64)
	r.activeSessions.Store(0)
	r.activeViewers.Store(0)
	r.chunksRelayed.Store(0)
	r.chunksDropped.Store(0)
	r.bytesIngested.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	sessionEvents := sortedKeys(r.sessionEvents)
	leaseEvents := sortedKeys(r.leaseEvents)
	guideEvents := sortedKeys(r.guideEvents)

	fmt.Fprintln(w, "# HELP relaytv_http_requests_total Total number of HTTP requests processed by the relay")
	fmt.Fprintln(w, "# TYPE relaytv_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "relaytv_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP relaytv_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE relaytv_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "relaytv_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP relaytv_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE relaytv_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "relaytv_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP relaytv_session_events_total Session lifecycle events by type")
	fmt.Fprintln(w, "# TYPE relaytv_session_events_total counter")
	for _, event := range sessionEvents {
		fmt.Fprintf(w, "relaytv_session_events_total{event=\"%s\"} %d\n", event, r.sessionEvents[event])
	}

	fmt.Fprintln(w, "# HELP relaytv_lease_events_total Account lease outcomes")
	fmt.Fprintln(w, "# TYPE relaytv_lease_events_total counter")
	for _, event := range leaseEvents {
		fmt.Fprintf(w, "relaytv_lease_events_total{outcome=\"%s\"} %d\n", event, r.leaseEvents[event])
	}

	fmt.Fprintln(w, "# HELP relaytv_guide_refreshes_total Playlist and EPG refresh outcomes")
	fmt.Fprintln(w, "# TYPE relaytv_guide_refreshes_total counter")
	for _, event := range guideEvents {
		fmt.Fprintf(w, "relaytv_guide_refreshes_total{kind=\"%s\"} %d\n", event, r.guideEvents[event])
	}

	fmt.Fprintln(w, "# HELP relaytv_active_sessions Current number of live relay sessions")
	fmt.Fprintln(w, "# TYPE relaytv_active_sessions gauge")
	fmt.Fprintf(w, "relaytv_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP relaytv_active_viewers Current number of attached viewers")
	fmt.Fprintln(w, "# TYPE relaytv_active_viewers gauge")
	fmt.Fprintf(w, "relaytv_active_viewers %d\n", r.activeViewers.Load())

	fmt.Fprintln(w, "# HELP relaytv_chunks_relayed_total Chunks delivered to viewer queues")
	fmt.Fprintln(w, "# TYPE relaytv_chunks_relayed_total counter")
	fmt.Fprintf(w, "relaytv_chunks_relayed_total %d\n", r.chunksRelayed.Load())

	fmt.Fprintln(w, "# HELP relaytv_chunks_dropped_total Chunks discarded because a viewer queue was full")
	fmt.Fprintln(w, "# TYPE relaytv_chunks_dropped_total counter")
	fmt.Fprintf(w, "relaytv_chunks_dropped_total %d\n", r.chunksDropped.Load())

	fmt.Fprintln(w, "# HELP relaytv_bytes_ingested_total Bytes read from upstream ingest processes")
	fmt.Fprintln(w, "# TYPE relaytv_bytes_ingested_total counter")
	fmt.Fprintf(w, "relaytv_bytes_ingested_total %d\n", r.bytesIngested.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
