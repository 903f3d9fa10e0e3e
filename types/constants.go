package types

import (
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/net/http2"
)

// ==================== System constants ====================

const (
	// Logging
	DefaultLogLevel = "info"

	// Gateway ports
	DefaultHTTP2Port = "9090"
	DefaultHTTP3Port = "443"

	// RFC limits
	MaxDomainNameLength    = 253
	MaxTXTRecordLength     = 255
	MaxConfigFileSizeBytes = 1024 * 1024

	// Request framing
	MaxRequestBodyBytes  = 1 << 20
	MinFrameSizeBytes    = 2
	FrameHeaderSizeBytes = 4
)

const (
	// Connection timeouts
	SecureConnIdleTimeout      = 300 * time.Second
	SecureConnKeepAlive        = 15 * time.Second
	SecureConnHandshakeTimeout = 3 * time.Second
	SecureConnQueryTimeout     = 5 * time.Second

	// HTTP server timeouts
	HTTPReadHeaderTimeout = 5 * time.Second
	HTTPWriteTimeout      = 30 * time.Second
	HTTPIdleTimeout       = 300 * time.Second
)

const (
	// Cache defaults
	DefaultCacheTTLSeconds   = 3600
	DefaultMinTTLSeconds     = 60
	DefaultMaxTTLSeconds     = 86400
	DefaultCacheMaxEntries   = 10000
	DefaultCacheMemoryBytes  = 64 * 1024 * 1024
	DefaultCleanupIntervalMs = 60000
	DefaultEvictionBatchSize = 16

	// Per-entry accounting overhead added on top of owned strings.
	CacheEntryOverheadBytes = 256
)

const (
	// Resolver limits
	DefaultMaxResolutionTimeMs = 5000
	DefaultRateLimitPerMinute  = 600
	RateLimitWindow            = 60 * time.Second
	ENSRequestsPerSecond       = 100
	UDRequestsPerSecond        = 50
)

const (
	// Subscription limits
	SubscriptionQueueSize = 1000
)

const (
	// Metrics windows
	QPSWindowSamples        = 60
	ResolutionWindowSamples = 100
	HitRateWindowSamples    = 100
	ErrorRateWindowSamples  = 60

	// Health thresholds
	MemoryUnhealthyRatio   = 0.90
	ErrorRateDegraded      = 0.10
	CPUDegradedPercent     = 80.0
	ResponseTimeDegradedMs = 5000.0
)

const (
	// Shutdown
	GracefulShutdownTimeout = 5 * time.Second

	// Periodic work
	DefaultPeriodicTaskIntervalMs = 30000
	MaxBackgroundTasks            = 16
)

const (
	// Redis client tuning
	RedisConnectionPoolSize    = 20
	RedisMinIdleConnections    = 5
	RedisMaxRetryAttempts      = 3
	RedisConnectionPoolTimeout = 5 * time.Second
	RedisReadTimeout           = 3 * time.Second
	RedisWriteTimeout          = 3 * time.Second
	RedisDialTimeout           = 5 * time.Second
)

const (
	// Response cache (gateway)
	ResponseCacheNumCounters = 100000
	ResponseCacheBufferItems = 64
	DefaultResponseCacheMemoryBytes = 16 * 1024 * 1024
)

// ALPN identifiers
var (
	NextProtoHTTP3 = []string{"h3"}
	NextProtoHTTP2 = []string{http2.NextProtoTLS, "http/1.1"}
	NextProtoGhost = []string{"ghost/1"}
)

// QUIC application error codes
const (
	QUICCodeNoError       quic.ApplicationErrorCode = 0
	QUICCodeInternalError quic.ApplicationErrorCode = 1
	QUICCodeProtocolError quic.ApplicationErrorCode = 2
)
