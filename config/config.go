package config

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/GhostKellz/ghostbridge/types"
	"github.com/GhostKellz/ghostbridge/utils"
)

// ==================== Configuration ====================

// ChannelConfig declares one backend channel of the multiplexer.
type ChannelConfig struct {
	Type               types.ChannelType `json:"type"`
	ServiceEndpoint    string            `json:"service_endpoint"`
	MaxStreams         int               `json:"max_streams"`
	TimeoutMs          int               `json:"timeout_ms"`
	EncryptionRequired bool              `json:"encryption_required"`
}

// AlertChannelConfig declares one notification sink.
type AlertChannelConfig struct {
	Kind     string `json:"kind"` // webhook, slack, email
	Endpoint string `json:"endpoint"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
}

// AlertRuleConfig declares one alert rule.
type AlertRuleConfig struct {
	Name      string  `json:"name"`
	Condition string  `json:"condition"` // error_rate_above, response_time_above, cache_hit_rate_below, memory_usage_above, health_degraded
	Threshold float64 `json:"threshold,omitempty"`
	Channels  []string `json:"channels"`
}

// ServerConfig is the process-wide configuration, loaded once and immutable.
type ServerConfig struct {
	Server struct {
		Address             string `json:"address"`
		HTTP2Port           string `json:"http2_port"`
		HTTP3Port           string `json:"http3_port"`
		CertFile            string `json:"cert_file"`
		KeyFile             string `json:"key_file"`
		MaxConnections      int    `json:"max_connections"`
		ConnectionTimeoutMs int    `json:"connection_timeout_ms"`
		LogLevel            string `json:"log_level"`
	} `json:"server"`

	Channels []ChannelConfig `json:"channels"`

	Cache struct {
		MaxEntries        int    `json:"max_entries"`
		MaxMemoryBytes    int64  `json:"max_memory_bytes"`
		DefaultTTL        uint32 `json:"default_ttl"`
		MinTTL            uint32 `json:"min_ttl"`
		MaxTTL            uint32 `json:"max_ttl"`
		CleanupIntervalMs int    `json:"cleanup_interval_ms"`
		EvictionBatchSize int    `json:"eviction_batch_size"`
	} `json:"cache"`

	Redis struct {
		Address   string `json:"address"`
		Password  string `json:"password"`
		Database  int    `json:"database"`
		KeyPrefix string `json:"key_prefix"`
	} `json:"redis"`

	Resolver struct {
		EnableCache         bool     `json:"enable_cache"`
		EnableENSBridge     bool     `json:"enable_ens_bridge"`
		EnableUDBridge      bool     `json:"enable_ud_bridge"`
		EnableDNSFallback   bool     `json:"enable_dns_fallback"`
		VerifySignatures    bool     `json:"verify_signatures"`
		MaxResolutionTimeMs int      `json:"max_resolution_time_ms"`
		RateLimitPerMinute  int      `json:"rate_limit_per_minute"`
		GhostEndpoint       string   `json:"ghost_endpoint"`
		ENSRPCEndpoint      string   `json:"ens_rpc_endpoint"`
		ENSRegistry         string   `json:"ens_registry"`
		UDAPIEndpoint       string   `json:"ud_api_endpoint"`
		UDAPIKey            string   `json:"ud_api_key"`
		DNSServers          []string `json:"dns_servers"`
	} `json:"resolver"`

	Service struct {
		EnableSubscriptions    bool                 `json:"enable_subscriptions"`
		EnableCacheEvents      bool                 `json:"enable_cache_events"`
		EnableMetrics          bool                 `json:"enable_metrics"`
		EnableAlerts           bool                 `json:"enable_alerts"`
		PeriodicTaskIntervalMs int                  `json:"periodic_task_interval_ms"`
		MaxConcurrentRequests  int                  `json:"max_concurrent_requests"`
		RequestTimeoutMs       int                  `json:"request_timeout_ms"`
		MemoryLimitBytes       int64                `json:"memory_limit_bytes"`
		ResponseCacheBytes     int64                `json:"response_cache_bytes"`
		AlertChannels          []AlertChannelConfig `json:"alert_channels"`
		AlertRules             []AlertRuleConfig    `json:"alert_rules"`
	} `json:"service"`
}

// ==================== Config manager ====================

type ConfigManager struct{}

func NewConfigManager() *ConfigManager {
	return &ConfigManager{}
}

func (cm *ConfigManager) LoadConfig(filename string) (*ServerConfig, error) {
	config := cm.getDefaultConfig()

	if filename == "" {
		utils.WriteLog(utils.LogInfo, "using default configuration")
		return config, cm.ValidateConfig(config)
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if len(data) > types.MaxConfigFileSizeBytes {
		return nil, fmt.Errorf("config file too large: %d bytes", len(data))
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	utils.WriteLog(utils.LogInfo, "configuration loaded: %s", filename)
	return config, cm.ValidateConfig(config)
}

func (cm *ConfigManager) ValidateConfig(config *ServerConfig) error {
	if level, ok := utils.ParseLogLevel(config.Server.LogLevel); ok {
		utils.SetLogLevel(level)
	} else {
		return fmt.Errorf("invalid log level: %s", config.Server.LogLevel)
	}

	if config.Server.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive: %d", config.Server.MaxConnections)
	}
	if config.Server.ConnectionTimeoutMs <= 0 {
		return fmt.Errorf("connection_timeout_ms must be positive: %d", config.Server.ConnectionTimeoutMs)
	}

	// TLS material is mandatory for both listeners; a missing pair is fatal at
	// startup, not at first connection.
	if config.Server.CertFile == "" || config.Server.KeyFile == "" {
		return fmt.Errorf("cert_file and key_file must both be configured")
	}
	if _, err := tls.LoadX509KeyPair(config.Server.CertFile, config.Server.KeyFile); err != nil {
		return fmt.Errorf("load TLS key pair: %w", err)
	}

	seen := make(map[types.ChannelType]bool, len(config.Channels))
	for i, ch := range config.Channels {
		switch ch.Type {
		case types.ChannelWallet, types.ChannelIdentity, types.ChannelLedger,
			types.ChannelDNS, types.ChannelContracts, types.ChannelProxy:
		default:
			return fmt.Errorf("channel %d: unknown type %q", i, ch.Type)
		}
		if seen[ch.Type] {
			return fmt.Errorf("channel %d: duplicate type %q", i, ch.Type)
		}
		seen[ch.Type] = true
		if _, err := url.Parse(ch.ServiceEndpoint); err != nil || ch.ServiceEndpoint == "" {
			return fmt.Errorf("channel %d: invalid service endpoint %q", i, ch.ServiceEndpoint)
		}
	}

	if config.Cache.MinTTL > config.Cache.MaxTTL {
		return fmt.Errorf("cache min_ttl %d exceeds max_ttl %d", config.Cache.MinTTL, config.Cache.MaxTTL)
	}
	if config.Cache.MaxEntries <= 0 || config.Cache.MaxMemoryBytes <= 0 {
		return fmt.Errorf("cache bounds must be positive")
	}

	if config.Redis.Address != "" {
		if _, _, err := net.SplitHostPort(config.Redis.Address); err != nil {
			return fmt.Errorf("redis address: %w", err)
		}
	}

	if config.Resolver.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate_limit_per_minute must be positive")
	}
	if config.Resolver.EnableENSBridge && config.Resolver.ENSRPCEndpoint == "" {
		return fmt.Errorf("ens bridge enabled without ens_rpc_endpoint")
	}
	if config.Resolver.EnableUDBridge && config.Resolver.UDAPIEndpoint == "" {
		return fmt.Errorf("ud bridge enabled without ud_api_endpoint")
	}
	for i, server := range config.Resolver.DNSServers {
		if _, _, err := net.SplitHostPort(server); err != nil {
			return fmt.Errorf("dns server %d: %w", i, err)
		}
	}

	for i, ch := range config.Service.AlertChannels {
		switch ch.Kind {
		case "webhook", "slack", "email":
		default:
			return fmt.Errorf("alert channel %d: unknown kind %q", i, ch.Kind)
		}
	}
	validConditions := map[string]bool{
		"error_rate_above": true, "response_time_above": true,
		"cache_hit_rate_below": true, "memory_usage_above": true,
		"health_degraded": true,
	}
	for i, rule := range config.Service.AlertRules {
		if !validConditions[rule.Condition] {
			return fmt.Errorf("alert rule %d: unknown condition %q", i, rule.Condition)
		}
	}

	return nil
}

func (cm *ConfigManager) getDefaultConfig() *ServerConfig {
	config := &ServerConfig{}

	config.Server.Address = "0.0.0.0"
	config.Server.HTTP2Port = types.DefaultHTTP2Port
	config.Server.HTTP3Port = types.DefaultHTTP3Port
	config.Server.MaxConnections = 1024
	config.Server.ConnectionTimeoutMs = 30000
	config.Server.LogLevel = types.DefaultLogLevel

	config.Channels = []ChannelConfig{
		{Type: types.ChannelWallet, ServiceEndpoint: "http://127.0.0.1:9101", MaxStreams: 64, TimeoutMs: 5000, EncryptionRequired: true},
		{Type: types.ChannelIdentity, ServiceEndpoint: "http://127.0.0.1:9102", MaxStreams: 64, TimeoutMs: 5000, EncryptionRequired: true},
		{Type: types.ChannelLedger, ServiceEndpoint: "http://127.0.0.1:9103", MaxStreams: 64, TimeoutMs: 5000, EncryptionRequired: true},
		{Type: types.ChannelDNS, ServiceEndpoint: "http://127.0.0.1:9104", MaxStreams: 128, TimeoutMs: 3000},
		{Type: types.ChannelContracts, ServiceEndpoint: "http://127.0.0.1:9105", MaxStreams: 32, TimeoutMs: 10000, EncryptionRequired: true},
		{Type: types.ChannelProxy, ServiceEndpoint: "http://127.0.0.1:9106", MaxStreams: 32, TimeoutMs: 10000},
	}

	config.Cache.MaxEntries = types.DefaultCacheMaxEntries
	config.Cache.MaxMemoryBytes = types.DefaultCacheMemoryBytes
	config.Cache.DefaultTTL = types.DefaultCacheTTLSeconds
	config.Cache.MinTTL = types.DefaultMinTTLSeconds
	config.Cache.MaxTTL = types.DefaultMaxTTLSeconds
	config.Cache.CleanupIntervalMs = types.DefaultCleanupIntervalMs
	config.Cache.EvictionBatchSize = types.DefaultEvictionBatchSize

	config.Redis.Address = ""
	config.Redis.KeyPrefix = "ghostbridge:"

	config.Resolver.EnableCache = true
	config.Resolver.EnableENSBridge = false
	config.Resolver.EnableUDBridge = false
	config.Resolver.EnableDNSFallback = true
	config.Resolver.VerifySignatures = true
	config.Resolver.MaxResolutionTimeMs = types.DefaultMaxResolutionTimeMs
	config.Resolver.RateLimitPerMinute = types.DefaultRateLimitPerMinute
	config.Resolver.ENSRegistry = "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e"
	config.Resolver.DNSServers = []string{"1.1.1.1:53", "8.8.8.8:53"}

	config.Service.EnableSubscriptions = true
	config.Service.EnableCacheEvents = true
	config.Service.EnableMetrics = true
	config.Service.EnableAlerts = false
	config.Service.PeriodicTaskIntervalMs = types.DefaultPeriodicTaskIntervalMs
	config.Service.MaxConcurrentRequests = 512
	config.Service.RequestTimeoutMs = 10000
	config.Service.MemoryLimitBytes = 512 * 1024 * 1024
	config.Service.ResponseCacheBytes = types.DefaultResponseCacheMemoryBytes

	return config
}

var globalConfigManager = NewConfigManager()

// LoadConfig loads and validates the configuration file.
func LoadConfig(filename string) (*ServerConfig, error) {
	return globalConfigManager.LoadConfig(filename)
}

// GenerateExampleConfig renders an example starting configuration as
// indented JSON.
func GenerateExampleConfig() string {
	config := globalConfigManager.getDefaultConfig()

	config.Server.CertFile = "/path/to/cert.pem"
	config.Server.KeyFile = "/path/to/key.pem"

	config.Redis.Address = "127.0.0.1:6379"

	config.Resolver.EnableENSBridge = true
	config.Resolver.EnableUDBridge = true
	config.Resolver.GhostEndpoint = "ghostd.local:9443"
	config.Resolver.ENSRPCEndpoint = "https://eth.example.org"
	config.Resolver.UDAPIEndpoint = "https://api.unstoppabledomains.com"

	config.Service.EnableAlerts = true
	config.Service.AlertChannels = []AlertChannelConfig{
		{Kind: "webhook", Endpoint: "https://hooks.example.org/ghostbridge"},
		{Kind: "slack", Endpoint: "https://hooks.slack.com/services/T000/B000/XXXX"},
	}
	config.Service.AlertRules = []AlertRuleConfig{
		{Name: "high-error-rate", Condition: "error_rate_above", Threshold: 0.10, Channels: []string{"webhook"}},
		{Name: "slow-resolution", Condition: "response_time_above", Threshold: 5000, Channels: []string{"webhook", "slack"}},
		{Name: "cold-cache", Condition: "cache_hit_rate_below", Threshold: 0.20, Channels: []string{"webhook"}},
	}

	data, _ := json.MarshalIndent(config, "", "  ")
	return string(data)
}

// RuntimeChannels converts channel configs to runtime channels.
func (c *ServerConfig) RuntimeChannels() []types.Channel {
	channels := make([]types.Channel, 0, len(c.Channels))
	for _, ch := range c.Channels {
		endpoint := strings.TrimRight(ch.ServiceEndpoint, "/")
		channels = append(channels, types.Channel{
			Type:               ch.Type,
			ServiceEndpoint:    endpoint,
			MaxStreams:         ch.MaxStreams,
			TimeoutMs:          ch.TimeoutMs,
			Timeout:            time.Duration(ch.TimeoutMs) * time.Millisecond,
			EncryptionRequired: ch.EncryptionRequired,
		})
	}
	return channels
}

// ConnectionTimeout returns the per-request deadline of the multiplexer.
func (c *ServerConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.Server.ConnectionTimeoutMs) * time.Millisecond
}

// MaxResolutionTime returns the per-upstream-call deadline.
func (c *ServerConfig) MaxResolutionTime() time.Duration {
	return time.Duration(c.Resolver.MaxResolutionTimeMs) * time.Millisecond
}

// PeriodicTaskInterval returns the background task cadence.
func (c *ServerConfig) PeriodicTaskInterval() time.Duration {
	return time.Duration(c.Service.PeriodicTaskIntervalMs) * time.Millisecond
}

// CleanupInterval returns the cache cleanup cadence.
func (c *ServerConfig) CleanupInterval() time.Duration {
	return time.Duration(c.Cache.CleanupIntervalMs) * time.Millisecond
}
