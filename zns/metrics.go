package zns

import (
	"bytes"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/procfs"

	"github.com/GhostKellz/ghostbridge/types"
)

// ==================== Moving windows ====================

// movingWindow keeps the last N samples of one series.
type movingWindow struct {
	samples []float64
	next    int
	filled  int
}

func newMovingWindow(size int) *movingWindow {
	return &movingWindow{samples: make([]float64, size)}
}

func (w *movingWindow) Add(value float64) {
	w.samples[w.next] = value
	w.next = (w.next + 1) % len(w.samples)
	if w.filled < len(w.samples) {
		w.filled++
	}
}

func (w *movingWindow) Average() float64 {
	if w.filled == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < w.filled; i++ {
		sum += w.samples[i]
	}
	return sum / float64(w.filled)
}

// ==================== Health ====================

// HealthState summarises service health.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// MetricsSnapshot is a point-in-time view of every series.
type MetricsSnapshot struct {
	TotalQueries        uint64                        `json:"total_queries"`
	SuccessfulQueries   uint64                        `json:"successful_queries"`
	FailedQueries       uint64                        `json:"failed_queries"`
	CacheHits           uint64                        `json:"cache_hits"`
	CacheMisses         uint64                        `json:"cache_misses"`
	ResolverQueries     map[string]uint64             `json:"resolver_queries"`
	ErrorCounts         map[types.ZNSErrorCode]uint64 `json:"error_counts"`
	TLDCounts           map[string]uint64             `json:"tld_counts"`
	QPS                 float64                       `json:"qps"`
	AvgResolutionTimeMs float64                       `json:"avg_resolution_time_ms"`
	CacheHitRate        float64                       `json:"cache_hit_rate"`
	ErrorRate           float64                       `json:"error_rate"`
	MemoryBytes         uint64                        `json:"memory_bytes"`
	MemoryLimitBytes    int64                         `json:"memory_limit_bytes"`
	CPUPercent          float64                       `json:"cpu_percent"`
	OpenConnections     int64                         `json:"open_connections"`
	ActiveSubscriptions int64                         `json:"active_subscriptions"`
	UptimeSeconds       int64                         `json:"uptime_seconds"`
	Health              HealthState                   `json:"health"`
}

// ==================== Collector ====================

// MetricsCollector aggregates counters, moving averages and gauges, and
// mirrors them into a private Prometheus registry for text exposition.
type MetricsCollector struct {
	startTime time.Time

	totalQueries      uint64
	successfulQueries uint64
	failedQueries     uint64
	cacheHits         uint64
	cacheMisses       uint64

	openConnections     int64
	activeSubscriptions int64

	mu               sync.Mutex
	resolverQueries  map[string]uint64
	errorCounts      map[types.ZNSErrorCode]uint64
	tldCounts        map[string]uint64
	qpsWindow        *movingWindow
	resolutionWindow *movingWindow
	hitRateWindow    *movingWindow
	errorRateWindow  *movingWindow
	memoryBytes      uint64
	cpuPercent       float64
	memoryLimit      int64

	lastSampleTime  time.Time
	lastSampleTotal uint64
	proc            procfs.Proc
	procOK          bool
	lastCPUSeconds  float64

	registry *prometheus.Registry
}

// NewMetricsCollector creates a collector with memoryLimit as the unhealthy
// threshold base.
func NewMetricsCollector(memoryLimit int64) *MetricsCollector {
	mc := &MetricsCollector{
		startTime:        time.Now(),
		resolverQueries:  make(map[string]uint64),
		errorCounts:      make(map[types.ZNSErrorCode]uint64),
		tldCounts:        make(map[string]uint64),
		qpsWindow:        newMovingWindow(types.QPSWindowSamples),
		resolutionWindow: newMovingWindow(types.ResolutionWindowSamples),
		hitRateWindow:    newMovingWindow(types.HitRateWindowSamples),
		errorRateWindow:  newMovingWindow(types.ErrorRateWindowSamples),
		memoryLimit:      memoryLimit,
		lastSampleTime:   time.Now(),
		registry:         prometheus.NewRegistry(),
	}

	if proc, err := procfs.Self(); err == nil {
		mc.proc = proc
		mc.procOK = true
	}

	mc.registry.MustRegister(mc)
	return mc
}

// RecordQuery accounts one finished query.
func (mc *MetricsCollector) RecordQuery(duration time.Duration, success bool) {
	atomic.AddUint64(&mc.totalQueries, 1)
	errorSample := 1.0
	if success {
		atomic.AddUint64(&mc.successfulQueries, 1)
		errorSample = 0
	} else {
		atomic.AddUint64(&mc.failedQueries, 1)
	}

	mc.mu.Lock()
	mc.resolutionWindow.Add(float64(duration.Milliseconds()))
	mc.errorRateWindow.Add(errorSample)
	mc.mu.Unlock()
}

// RecordRateLimited accounts a request refused before any work was done.
func (mc *MetricsCollector) RecordRateLimited() {
	atomic.AddUint64(&mc.totalQueries, 1)
	atomic.AddUint64(&mc.failedQueries, 1)

	mc.mu.Lock()
	mc.errorCounts[types.ErrCodeRateLimited]++
	mc.errorRateWindow.Add(1)
	mc.mu.Unlock()
}

// RecordCacheHit accounts a cache hit.
func (mc *MetricsCollector) RecordCacheHit() {
	atomic.AddUint64(&mc.cacheHits, 1)
	mc.mu.Lock()
	mc.hitRateWindow.Add(1)
	mc.mu.Unlock()
}

// RecordCacheMiss accounts a cache miss.
func (mc *MetricsCollector) RecordCacheMiss() {
	atomic.AddUint64(&mc.cacheMisses, 1)
	mc.mu.Lock()
	mc.hitRateWindow.Add(0)
	mc.mu.Unlock()
}

// RecordError accounts one classified failure.
func (mc *MetricsCollector) RecordError(code types.ZNSErrorCode) {
	mc.mu.Lock()
	mc.errorCounts[code]++
	mc.mu.Unlock()
}

// RecordResolverQuery accounts one upstream invocation.
func (mc *MetricsCollector) RecordResolverQuery(name string) {
	mc.mu.Lock()
	mc.resolverQueries[name]++
	mc.mu.Unlock()
}

// RecordTLD accounts the query's top-level suffix.
func (mc *MetricsCollector) RecordTLD(domain string) {
	tld := domain
	if idx := lastDot(domain); idx >= 0 {
		tld = domain[idx:]
	}
	mc.mu.Lock()
	mc.tldCounts[tld]++
	mc.mu.Unlock()
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

// SetOpenConnections updates the connection gauge.
func (mc *MetricsCollector) SetOpenConnections(n int64) {
	atomic.StoreInt64(&mc.openConnections, n)
}

// SetActiveSubscriptions updates the subscription gauge.
func (mc *MetricsCollector) SetActiveSubscriptions(n int64) {
	atomic.StoreInt64(&mc.activeSubscriptions, n)
}

// UpdateResourceUsage samples process memory, CPU and throughput. Called by
// the periodic task; safe under concurrent request recording.
func (mc *MetricsCollector) UpdateResourceUsage() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	now := time.Now()
	total := atomic.LoadUint64(&mc.totalQueries)

	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.memoryBytes = memStats.HeapAlloc

	elapsed := now.Sub(mc.lastSampleTime).Seconds()
	if elapsed > 0 {
		mc.qpsWindow.Add(float64(total-mc.lastSampleTotal) / elapsed)
	}

	if mc.procOK {
		if stat, err := mc.proc.Stat(); err == nil {
			cpuSeconds := stat.CPUTime()
			if mc.lastCPUSeconds > 0 && elapsed > 0 {
				mc.cpuPercent = (cpuSeconds - mc.lastCPUSeconds) / elapsed * 100
				if mc.cpuPercent < 0 {
					mc.cpuPercent = 0
				}
			}
			mc.lastCPUSeconds = cpuSeconds
		}
	}

	mc.lastSampleTime = now
	mc.lastSampleTotal = total
}

// Snapshot captures every series.
func (mc *MetricsCollector) Snapshot() MetricsSnapshot {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	snap := MetricsSnapshot{
		TotalQueries:        atomic.LoadUint64(&mc.totalQueries),
		SuccessfulQueries:   atomic.LoadUint64(&mc.successfulQueries),
		FailedQueries:       atomic.LoadUint64(&mc.failedQueries),
		CacheHits:           atomic.LoadUint64(&mc.cacheHits),
		CacheMisses:         atomic.LoadUint64(&mc.cacheMisses),
		ResolverQueries:     make(map[string]uint64, len(mc.resolverQueries)),
		ErrorCounts:         make(map[types.ZNSErrorCode]uint64, len(mc.errorCounts)),
		TLDCounts:           make(map[string]uint64, len(mc.tldCounts)),
		QPS:                 mc.qpsWindow.Average(),
		AvgResolutionTimeMs: mc.resolutionWindow.Average(),
		CacheHitRate:        mc.hitRateWindow.Average(),
		ErrorRate:           mc.errorRateWindow.Average(),
		MemoryBytes:         mc.memoryBytes,
		MemoryLimitBytes:    mc.memoryLimit,
		CPUPercent:          mc.cpuPercent,
		OpenConnections:     atomic.LoadInt64(&mc.openConnections),
		ActiveSubscriptions: atomic.LoadInt64(&mc.activeSubscriptions),
		UptimeSeconds:       int64(time.Since(mc.startTime).Seconds()),
	}
	for k, v := range mc.resolverQueries {
		snap.ResolverQueries[k] = v
	}
	for k, v := range mc.errorCounts {
		snap.ErrorCounts[k] = v
	}
	for k, v := range mc.tldCounts {
		snap.TLDCounts[k] = v
	}
	snap.Health = computeHealth(snap)
	return snap
}

// computeHealth applies the fixed thresholds: memory pressure makes the
// service unhealthy; error rate, CPU or slow resolution degrade it.
func computeHealth(snap MetricsSnapshot) HealthState {
	if snap.MemoryLimitBytes > 0 &&
		float64(snap.MemoryBytes) > float64(snap.MemoryLimitBytes)*types.MemoryUnhealthyRatio {
		return HealthUnhealthy
	}
	if snap.ErrorRate > types.ErrorRateDegraded ||
		snap.CPUPercent > types.CPUDegradedPercent ||
		snap.AvgResolutionTimeMs > types.ResponseTimeDegradedMs {
		return HealthDegraded
	}
	return HealthHealthy
}

// ==================== Prometheus exposition ====================

var (
	descQueriesTotal    = prometheus.NewDesc("ghostbridge_queries_total", "Total resolution queries handled.", nil, nil)
	descQueriesSuccess  = prometheus.NewDesc("ghostbridge_queries_successful_total", "Successful resolution queries.", nil, nil)
	descQueriesFailed   = prometheus.NewDesc("ghostbridge_queries_failed_total", "Failed resolution queries.", nil, nil)
	descCacheHits       = prometheus.NewDesc("ghostbridge_cache_hits_total", "Domain cache hits.", nil, nil)
	descCacheMisses     = prometheus.NewDesc("ghostbridge_cache_misses_total", "Domain cache misses.", nil, nil)
	descResolverQueries = prometheus.NewDesc("ghostbridge_resolver_queries_total", "Upstream resolver invocations.", []string{"resolver"}, nil)
	descErrors          = prometheus.NewDesc("ghostbridge_errors_total", "Failures by error code.", []string{"code"}, nil)
	descTLDQueries      = prometheus.NewDesc("ghostbridge_tld_queries_total", "Queries by top-level suffix.", []string{"tld"}, nil)
	descQPS             = prometheus.NewDesc("ghostbridge_qps", "Queries per second, moving average.", nil, nil)
	descResolutionMs    = prometheus.NewDesc("ghostbridge_resolution_time_ms", "Average resolution time in milliseconds.", nil, nil)
	descHitRate         = prometheus.NewDesc("ghostbridge_cache_hit_rate", "Cache hit rate, moving average.", nil, nil)
	descErrorRate       = prometheus.NewDesc("ghostbridge_error_rate", "Error rate, moving average.", nil, nil)
	descMemoryBytes     = prometheus.NewDesc("ghostbridge_memory_bytes", "Heap in use.", nil, nil)
	descCPUPercent      = prometheus.NewDesc("ghostbridge_cpu_percent", "Process CPU usage percent.", nil, nil)
	descConnections     = prometheus.NewDesc("ghostbridge_open_connections", "Open client connections.", nil, nil)
	descSubscriptions   = prometheus.NewDesc("ghostbridge_active_subscriptions", "Active subscriptions.", nil, nil)
	descUptime          = prometheus.NewDesc("ghostbridge_uptime_seconds", "Seconds since startup.", nil, nil)
)

// Describe implements prometheus.Collector.
func (mc *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descQueriesTotal
	ch <- descQueriesSuccess
	ch <- descQueriesFailed
	ch <- descCacheHits
	ch <- descCacheMisses
	ch <- descResolverQueries
	ch <- descErrors
	ch <- descTLDQueries
	ch <- descQPS
	ch <- descResolutionMs
	ch <- descHitRate
	ch <- descErrorRate
	ch <- descMemoryBytes
	ch <- descCPUPercent
	ch <- descConnections
	ch <- descSubscriptions
	ch <- descUptime
}

// Collect implements prometheus.Collector.
func (mc *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := mc.Snapshot()

	ch <- prometheus.MustNewConstMetric(descQueriesTotal, prometheus.CounterValue, float64(snap.TotalQueries))
	ch <- prometheus.MustNewConstMetric(descQueriesSuccess, prometheus.CounterValue, float64(snap.SuccessfulQueries))
	ch <- prometheus.MustNewConstMetric(descQueriesFailed, prometheus.CounterValue, float64(snap.FailedQueries))
	ch <- prometheus.MustNewConstMetric(descCacheHits, prometheus.CounterValue, float64(snap.CacheHits))
	ch <- prometheus.MustNewConstMetric(descCacheMisses, prometheus.CounterValue, float64(snap.CacheMisses))

	for name, count := range snap.ResolverQueries {
		ch <- prometheus.MustNewConstMetric(descResolverQueries, prometheus.CounterValue, float64(count), name)
	}
	for code, count := range snap.ErrorCounts {
		ch <- prometheus.MustNewConstMetric(descErrors, prometheus.CounterValue, float64(count), string(code))
	}
	for tld, count := range snap.TLDCounts {
		ch <- prometheus.MustNewConstMetric(descTLDQueries, prometheus.CounterValue, float64(count), tld)
	}

	ch <- prometheus.MustNewConstMetric(descQPS, prometheus.GaugeValue, snap.QPS)
	ch <- prometheus.MustNewConstMetric(descResolutionMs, prometheus.GaugeValue, snap.AvgResolutionTimeMs)
	ch <- prometheus.MustNewConstMetric(descHitRate, prometheus.GaugeValue, snap.CacheHitRate)
	ch <- prometheus.MustNewConstMetric(descErrorRate, prometheus.GaugeValue, snap.ErrorRate)
	ch <- prometheus.MustNewConstMetric(descMemoryBytes, prometheus.GaugeValue, float64(snap.MemoryBytes))
	ch <- prometheus.MustNewConstMetric(descCPUPercent, prometheus.GaugeValue, snap.CPUPercent)
	ch <- prometheus.MustNewConstMetric(descConnections, prometheus.GaugeValue, float64(snap.OpenConnections))
	ch <- prometheus.MustNewConstMetric(descSubscriptions, prometheus.GaugeValue, float64(snap.ActiveSubscriptions))
	ch <- prometheus.MustNewConstMetric(descUptime, prometheus.GaugeValue, float64(snap.UptimeSeconds))
}

// Prometheus renders the registry in text exposition format.
func (mc *MetricsCollector) Prometheus() (string, error) {
	families, err := mc.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("gather metrics: %w", err)
	}

	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return "", fmt.Errorf("encode metric family: %w", err)
		}
	}
	return buf.String(), nil
}

// Report renders a human-readable summary used by the metrics endpoint.
func (mc *MetricsCollector) Report() string {
	snap := mc.Snapshot()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "queries: %d total, %d ok, %d failed\n",
		snap.TotalQueries, snap.SuccessfulQueries, snap.FailedQueries)
	fmt.Fprintf(&buf, "cache: %d hits, %d misses (rate %.2f)\n",
		snap.CacheHits, snap.CacheMisses, snap.CacheHitRate)
	fmt.Fprintf(&buf, "qps: %.2f, avg resolution: %.1fms, error rate: %.2f\n",
		snap.QPS, snap.AvgResolutionTimeMs, snap.ErrorRate)
	fmt.Fprintf(&buf, "memory: %d bytes, cpu: %.1f%%, connections: %d, subscriptions: %d\n",
		snap.MemoryBytes, snap.CPUPercent, snap.OpenConnections, snap.ActiveSubscriptions)
	fmt.Fprintf(&buf, "health: %s, uptime: %ds\n", snap.Health, snap.UptimeSeconds)
	return buf.String()
}

var _ prometheus.Collector = (*MetricsCollector)(nil)
