package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"

	"github.com/GhostKellz/ghostbridge/types"
	"github.com/GhostKellz/ghostbridge/utils"
	"github.com/GhostKellz/ghostbridge/zns"
)

// ==================== Gateway listeners ====================

// ListenerConfig carries the transport settings.
type ListenerConfig struct {
	Address        string
	HTTP2Port      string
	HTTP3Port      string
	CertFile       string
	KeyFile        string
	MaxConnections int
}

// Gateway owns both transport listeners, the connection table and the
// multiplexer they feed.
type Gateway struct {
	config    ListenerConfig
	mux       *Multiplexer
	metrics   *zns.MetricsCollector
	tlsConfig *tls.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	httpServer   *http.Server
	httpListener net.Listener
	h3Server     *http3.Server
	h3Listener   *quic.EarlyListener

	connMu      sync.Mutex
	connections map[string]*types.ConnectionInfo
	activeConns int64
}

// NewGateway loads the TLS identity and prepares both listeners. A broken
// key pair is fatal here, before any port is bound.
func NewGateway(config ListenerConfig, mux *Multiplexer, metrics *zns.MetricsCollector) (*Gateway, error) {
	cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		config:      config,
		mux:         mux,
		metrics:     metrics,
		tlsConfig:   tlsConfig,
		ctx:         ctx,
		cancel:      cancel,
		connections: make(map[string]*types.ConnectionInfo),
	}, nil
}

// Start brings up the HTTP/2 and HTTP/3 listeners. Either failing to bind is
// fatal.
func (g *Gateway) Start() error {
	errChan := make(chan error, 2)
	var startWG sync.WaitGroup
	startWG.Add(2)

	go func() {
		defer startWG.Done()
		defer utils.HandlePanic("critical-http2-listener", nil)
		if err := g.startHTTP2(); err != nil {
			errChan <- fmt.Errorf("http2 listener: %w", err)
		}
	}()

	go func() {
		defer startWG.Done()
		defer utils.HandlePanic("critical-http3-listener", nil)
		if err := g.startHTTP3(); err != nil {
			errChan <- fmt.Errorf("http3 listener: %w", err)
		}
	}()

	go func() {
		startWG.Wait()
		close(errChan)
	}()

	for err := range errChan {
		if err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) startHTTP2() error {
	addr := net.JoinHostPort(g.config.Address, g.config.HTTP2Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	tlsConfig := g.tlsConfig.Clone()
	tlsConfig.NextProtos = types.NextProtoHTTP2

	g.httpListener = tls.NewListener(listener, tlsConfig)

	g.httpServer = &http.Server{
		Handler:           g,
		ReadHeaderTimeout: types.HTTPReadHeaderTimeout,
		WriteTimeout:      types.HTTPWriteTimeout,
		IdleTimeout:       types.HTTPIdleTimeout,
		ConnState:         g.trackConnState,
	}
	if err := http2.ConfigureServer(g.httpServer, &http2.Server{}); err != nil {
		return fmt.Errorf("configure http2: %w", err)
	}

	utils.WriteLog(utils.LogInfo, "http2 listener up: %s", g.httpListener.Addr())

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer utils.HandlePanic("http2-serve", nil)
		if err := g.httpServer.Serve(g.httpListener); err != nil && err != http.ErrServerClosed {
			utils.WriteLog(utils.LogError, "http2 server stopped: %v", err)
		}
	}()

	return nil
}

func (g *Gateway) startHTTP3() error {
	addr := net.JoinHostPort(g.config.Address, g.config.HTTP3Port)

	tlsConfig := g.tlsConfig.Clone()
	tlsConfig.NextProtos = types.NextProtoHTTP3

	quicConfig := &quic.Config{
		MaxIdleTimeout:  types.SecureConnIdleTimeout,
		KeepAlivePeriod: types.SecureConnKeepAlive,
		Allow0RTT:       true,
	}

	listener, err := quic.ListenAddrEarly(addr, tlsConfig, quicConfig)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	g.h3Listener = listener

	g.h3Server = &http3.Server{Handler: g}

	utils.WriteLog(utils.LogInfo, "http3 listener up: %s", g.h3Listener.Addr())

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer utils.HandlePanic("http3-serve", nil)
		if err := g.h3Server.ServeListener(g.h3Listener); err != nil && err != http.ErrServerClosed {
			utils.WriteLog(utils.LogError, "http3 server stopped: %v", err)
		}
	}()

	return nil
}

// ==================== Connection tracking ====================

func (g *Gateway) trackConnState(conn net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		g.addConnection(conn.RemoteAddr().String(), types.TransportHTTP2)
	case http.StateActive:
		g.touchConnection(conn.RemoteAddr().String())
	case http.StateClosed, http.StateHijacked:
		g.dropConnection(conn.RemoteAddr().String())
	}
}

func (g *Gateway) addConnection(peer string, transport types.TransportKind) {
	g.connMu.Lock()
	g.connections[peer] = &types.ConnectionInfo{
		ID:           uuid.NewString(),
		Transport:    transport,
		PeerAddr:     peer,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}
	g.connMu.Unlock()

	count := atomic.AddInt64(&g.activeConns, 1)
	if g.metrics != nil {
		g.metrics.SetOpenConnections(count)
	}
}

func (g *Gateway) touchConnection(peer string) {
	g.connMu.Lock()
	if info, ok := g.connections[peer]; ok {
		info.LastActivity = time.Now()
	}
	g.connMu.Unlock()
}

func (g *Gateway) dropConnection(peer string) {
	g.connMu.Lock()
	_, tracked := g.connections[peer]
	delete(g.connections, peer)
	g.connMu.Unlock()

	if tracked {
		count := atomic.AddInt64(&g.activeConns, -1)
		if g.metrics != nil {
			g.metrics.SetOpenConnections(count)
		}
	}
}

// Connections snapshots the connection table.
func (g *Gateway) Connections() []types.ConnectionInfo {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	out := make([]types.ConnectionInfo, 0, len(g.connections))
	for _, info := range g.connections {
		out = append(out, *info)
	}
	return out
}

// ==================== Request handling ====================

// ServeHTTP adapts both transports onto the framing contract: one request
// body in, one response body out, no trailers.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	transport := types.TransportHTTP2
	if r.ProtoMajor == 3 {
		transport = types.TransportHTTP3
	}

	// HTTP/3 has no ConnState hook, so its connections are tracked for the
	// lifetime of each stream.
	if transport == types.TransportHTTP3 {
		if atomic.LoadInt64(&g.activeConns) >= int64(g.config.MaxConnections) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		g.addConnection(r.RemoteAddr, transport)
		defer g.dropConnection(r.RemoteAddr)
	} else if atomic.LoadInt64(&g.activeConns) > int64(g.config.MaxConnections) {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, types.MaxRequestBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	clientID := r.RemoteAddr
	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		clientID = host
	}

	tracker := utils.NewRequestTracker(r.URL.Path, string(transport), r.RemoteAddr)
	status, respBody := g.mux.Dispatch(r.Context(), r.URL.Path, body, clientID, tracker)
	tracker.Finish()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(respBody); err != nil {
		utils.WriteLog(utils.LogDebug, "response write failed: %v", err)
	}
}

// Shutdown stops accepting, drains in-flight requests up to the grace
// period, then tears both listeners down.
func (g *Gateway) Shutdown(grace time.Duration) {
	utils.WriteLog(utils.LogInfo, "shutting down gateway listeners...")
	g.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if g.httpServer != nil {
		if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
			utils.WriteLog(utils.LogWarn, "http2 shutdown: %v", err)
		}
	}
	if g.h3Server != nil {
		if err := g.h3Server.Shutdown(shutdownCtx); err != nil {
			utils.WriteLog(utils.LogWarn, "http3 shutdown: %v", err)
		}
	}
	if g.h3Listener != nil {
		if err := g.h3Listener.Close(); err != nil {
			utils.WriteLog(utils.LogDebug, "http3 listener close: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		utils.WriteLog(utils.LogInfo, "gateway listeners stopped")
	case <-time.After(grace):
		utils.WriteLog(utils.LogWarn, "gateway shutdown grace period elapsed")
	}
}
