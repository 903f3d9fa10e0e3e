package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/GhostKellz/ghostbridge/config"
	"github.com/GhostKellz/ghostbridge/gateway"
	"github.com/GhostKellz/ghostbridge/types"
	"github.com/GhostKellz/ghostbridge/utils"
	"github.com/GhostKellz/ghostbridge/zns"
)

const version = "0.4.0"

func main() {
	configFile := flag.String("config", "", "configuration file path")
	generateConfig := flag.Bool("generate-config", false, "print an example configuration and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ghostbridge %s\n", version)
		return
	}
	if *generateConfig {
		fmt.Println(config.GenerateExampleConfig())
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		utils.WriteLog(utils.LogError, "configuration error: %v", err)
		os.Exit(1)
	}

	server, err := buildServer(cfg)
	if err != nil {
		utils.WriteLog(utils.LogError, "startup failed: %v", err)
		os.Exit(1)
	}

	if err := server.Start(); err != nil {
		utils.WriteLog(utils.LogError, "listener startup failed: %v", err)
		os.Exit(1)
	}

	utils.WriteLog(utils.LogInfo, "ghostbridge %s ready (http2 :%s, http3 :%s)",
		version, cfg.Server.HTTP2Port, cfg.Server.HTTP3Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	utils.WriteLog(utils.LogInfo, "shutdown signal received")
	server.Shutdown()
}

// server aggregates every owned component in construction order.
type server struct {
	cfg         *config.ServerConfig
	service     *zns.Service
	respCache   *gateway.ResponseCache
	gw          *gateway.Gateway
	taskManager *utils.TaskManager
}

// buildServer assembles the process in dependency order: validator and
// cache first, then resolvers and the resolver core, subscriptions and
// metrics behind the service facade, and finally the multiplexer and its
// listeners.
func buildServer(cfg *config.ServerConfig) (*server, error) {
	validator := zns.NewValidator(cfg.Resolver.VerifySignatures)
	limiter := zns.NewRateLimiter(cfg.Resolver.RateLimitPerMinute)

	cacheConfig := zns.CacheConfig{
		MaxEntries:        cfg.Cache.MaxEntries,
		MaxMemoryBytes:    cfg.Cache.MaxMemoryBytes,
		DefaultTTL:        cfg.Cache.DefaultTTL,
		MinTTL:            cfg.Cache.MinTTL,
		MaxTTL:            cfg.Cache.MaxTTL,
		CleanupInterval:   cfg.CleanupInterval(),
		EvictionBatchSize: cfg.Cache.EvictionBatchSize,
	}

	var domainCache zns.DomainCache
	switch {
	case !cfg.Resolver.EnableCache:
		domainCache = zns.NewNullCache()
	case cfg.Redis.Address != "":
		redisCache, err := zns.NewRedisCache(zns.RedisCacheOptions{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			Database:  cfg.Redis.Database,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, cacheConfig)
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		domainCache = redisCache
	default:
		domainCache = zns.NewMemoryCache(cacheConfig)
	}

	metrics := zns.NewMetricsCollector(cfg.Service.MemoryLimitBytes)

	resolutionTimeout := cfg.MaxResolutionTime()
	native := zns.NewNativeResolver(cfg.Resolver.GhostEndpoint, resolutionTimeout)

	var ens, ud, dnsFallback zns.UpstreamResolver
	if cfg.Resolver.EnableENSBridge {
		ens = zns.NewENSResolver(cfg.Resolver.ENSRPCEndpoint, cfg.Resolver.ENSRegistry, resolutionTimeout)
	}
	if cfg.Resolver.EnableUDBridge {
		ud = zns.NewUDResolver(cfg.Resolver.UDAPIEndpoint, cfg.Resolver.UDAPIKey, resolutionTimeout)
	}
	if cfg.Resolver.EnableDNSFallback {
		dnsFallback = zns.NewDNSFallbackResolver(cfg.Resolver.DNSServers, resolutionTimeout)
	}

	resolver := zns.NewResolver(zns.ResolverOptions{
		EnableCache:       cfg.Resolver.EnableCache,
		EnableENSBridge:   cfg.Resolver.EnableENSBridge,
		EnableUDBridge:    cfg.Resolver.EnableUDBridge,
		EnableDNSFallback: cfg.Resolver.EnableDNSFallback,
		MaxResolutionTime: resolutionTimeout,
	}, validator, limiter, domainCache, metrics, native, ens, ud, dnsFallback)

	var alerts *zns.AlertManager
	if cfg.Service.EnableAlerts {
		var err error
		alerts, err = buildAlerts(cfg)
		if err != nil {
			return nil, err
		}
	}

	service := zns.NewService(zns.ServiceOptions{
		EnableSubscriptions: cfg.Service.EnableSubscriptions,
		EnableCacheEvents:   cfg.Service.EnableCacheEvents,
		EnableMetrics:       cfg.Service.EnableMetrics,
		EnableAlerts:        cfg.Service.EnableAlerts,
	}, resolver, metrics, alerts)

	registry, err := gateway.NewChannelRegistry(cfg.RuntimeChannels())
	if err != nil {
		return nil, fmt.Errorf("channel registry: %w", err)
	}

	respCache, err := gateway.NewResponseCache(cfg.Service.ResponseCacheBytes)
	if err != nil {
		return nil, fmt.Errorf("response cache: %w", err)
	}

	mux := gateway.NewMultiplexer(registry, service, respCache, cfg.ConnectionTimeout())

	gw, err := gateway.NewGateway(gateway.ListenerConfig{
		Address:        cfg.Server.Address,
		HTTP2Port:      cfg.Server.HTTP2Port,
		HTTP3Port:      cfg.Server.HTTP3Port,
		CertFile:       cfg.Server.CertFile,
		KeyFile:        cfg.Server.KeyFile,
		MaxConnections: cfg.Server.MaxConnections,
	}, mux, metrics)
	if err != nil {
		return nil, err
	}

	return &server{
		cfg:         cfg,
		service:     service,
		respCache:   respCache,
		gw:          gw,
		taskManager: utils.NewTaskManager(types.MaxBackgroundTasks),
	}, nil
}

func buildAlerts(cfg *config.ServerConfig) (*zns.AlertManager, error) {
	notifiers := make([]zns.Notifier, 0, len(cfg.Service.AlertChannels))
	for _, channel := range cfg.Service.AlertChannels {
		switch channel.Kind {
		case "webhook":
			notifiers = append(notifiers, zns.NewWebhookNotifier(channel.Endpoint))
		case "slack":
			notifiers = append(notifiers, zns.NewSlackNotifier(channel.Endpoint))
		case "email":
			notifiers = append(notifiers, zns.NewEmailNotifier(channel.Endpoint, channel.From, channel.To))
		}
	}

	rules := make([]zns.AlertRule, 0, len(cfg.Service.AlertRules))
	for _, rule := range cfg.Service.AlertRules {
		kind, ok := zns.ParseConditionKind(rule.Condition)
		if !ok {
			return nil, fmt.Errorf("alert rule %q: unknown condition %q", rule.Name, rule.Condition)
		}
		rules = append(rules, zns.AlertRule{
			Name:      rule.Name,
			Condition: zns.AlertCondition{Kind: kind, Threshold: rule.Threshold},
			Channels:  rule.Channels,
		})
	}

	return zns.NewAlertManager(rules, notifiers), nil
}

// Start launches the listeners and the periodic maintenance task.
func (s *server) Start() error {
	if err := s.gw.Start(); err != nil {
		return err
	}

	s.taskManager.ExecutePeriodic("zns-maintenance", s.cfg.PeriodicTaskInterval(), func(ctx context.Context) error {
		return s.service.RunPeriodicTasks(ctx)
	})

	return nil
}

// Shutdown drains the gateway, stops background work and releases the
// resolver stack.
func (s *server) Shutdown() {
	s.gw.Shutdown(types.GracefulShutdownTimeout)
	if err := s.taskManager.Shutdown(types.GracefulShutdownTimeout); err != nil {
		utils.WriteLog(utils.LogWarn, "background tasks: %v", err)
	}
	s.respCache.Close()
	s.service.Shutdown()
	utils.WriteLog(utils.LogInfo, "ghostbridge stopped")
}
