package zns

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/GhostKellz/ghostbridge/types"
	"github.com/GhostKellz/ghostbridge/utils"
)

// ==================== Native chain resolver ====================

// nativeFrameLimit bounds one chain response frame.
const nativeFrameLimit = 1 << 20

type nativeRequest struct {
	Op          string             `json:"op"`
	Domain      string             `json:"domain"`
	RecordTypes []types.RecordType `json:"record_types,omitempty"`
	Register    *types.RegisterRequest `json:"register,omitempty"`
	Update      *types.UpdateRequest   `json:"update,omitempty"`
}

type nativeReply struct {
	DomainData      *types.DomainData `json:"domain_data,omitempty"`
	TransactionHash string            `json:"transaction_hash,omitempty"`
	NotFound        bool              `json:"not_found,omitempty"`
	Error           *types.ZNSError   `json:"error,omitempty"`
}

// NativeResolver talks to a GhostChain node over QUIC using length-prefixed
// JSON frames, one frame pair per stream. With no endpoint configured it
// declines every domain so the chain can run cache-and-bridge only.
type NativeResolver struct {
	endpoint string
	timeout  time.Duration

	mu           sync.Mutex
	conn         *quic.Conn
	lastActivity time.Time
}

// NewNativeResolver creates the chain adapter. endpoint may be empty.
func NewNativeResolver(endpoint string, timeout time.Duration) *NativeResolver {
	if endpoint != "" {
		utils.WriteLog(utils.LogInfo, "native resolver targeting %s", endpoint)
	}
	return &NativeResolver{endpoint: endpoint, timeout: timeout}
}

func (nr *NativeResolver) Name() string                   { return "native" }
func (nr *NativeResolver) Source() types.ResolutionSource { return types.SourceZNSNative }

// Enabled reports whether a chain endpoint is configured.
func (nr *NativeResolver) Enabled() bool { return nr.endpoint != "" }

func (nr *NativeResolver) connect(ctx context.Context) (*quic.Conn, error) {
	nr.mu.Lock()
	defer nr.mu.Unlock()

	if nr.conn != nil && time.Since(nr.lastActivity) <= types.SecureConnIdleTimeout {
		return nr.conn, nil
	}
	if nr.conn != nil {
		_ = nr.conn.CloseWithError(types.QUICCodeNoError, "")
		nr.conn = nil
	}

	tlsConfig := &tls.Config{
		NextProtos: types.NextProtoGhost,
		MinVersion: tls.VersionTLS13,
	}

	dialCtx, cancel := context.WithTimeout(ctx, types.SecureConnHandshakeTimeout)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, nr.endpoint, tlsConfig, &quic.Config{
		MaxIdleTimeout:  types.SecureConnIdleTimeout,
		KeepAlivePeriod: types.SecureConnKeepAlive,
	})
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", nr.endpoint, err)
	}

	nr.conn = conn
	nr.lastActivity = time.Now()
	return conn, nil
}

func (nr *NativeResolver) exchange(ctx context.Context, req *nativeRequest) (*nativeReply, error) {
	conn, err := nr.connect(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		// One reconnect attempt on a stale connection.
		nr.mu.Lock()
		if nr.conn == conn {
			_ = nr.conn.CloseWithError(types.QUICCodeNoError, "")
			nr.conn = nil
		}
		nr.mu.Unlock()
		if conn, err = nr.connect(ctx); err != nil {
			return nil, err
		}
		if stream, err = conn.OpenStreamSync(ctx); err != nil {
			return nil, fmt.Errorf("open stream: %w", err)
		}
	}
	defer func() {
		if closeErr := stream.Close(); closeErr != nil {
			utils.WriteLog(utils.LogDebug, "close quic stream: %v", closeErr)
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		if err := stream.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set stream deadline: %w", err)
		}
	} else if nr.timeout > 0 {
		if err := stream.SetDeadline(time.Now().Add(nr.timeout)); err != nil {
			return nil, fmt.Errorf("set stream deadline: %w", err)
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request frame: %w", err)
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := stream.Write(buf); err != nil {
		return nil, fmt.Errorf("write request frame: %w", err)
	}

	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(stream, lengthBuf); err != nil {
		return nil, fmt.Errorf("read reply length: %w", err)
	}
	replyLen := binary.BigEndian.Uint32(lengthBuf)
	if replyLen == 0 || replyLen > nativeFrameLimit {
		return nil, fmt.Errorf("reply frame length out of range: %d", replyLen)
	}

	replyBuf := make([]byte, replyLen)
	if _, err := io.ReadFull(stream, replyBuf); err != nil {
		return nil, fmt.Errorf("read reply frame: %w", err)
	}

	reply := &nativeReply{}
	if err := json.Unmarshal(replyBuf, reply); err != nil {
		return nil, fmt.Errorf("parse reply frame: %w", err)
	}

	nr.mu.Lock()
	nr.lastActivity = time.Now()
	nr.mu.Unlock()

	return reply, nil
}

// Resolve queries the chain node for the domain.
func (nr *NativeResolver) Resolve(ctx context.Context, domain string, recordTypes []types.RecordType) (*types.ResolveResponse, error) {
	if !nr.Enabled() {
		return nil, nil
	}

	reply, err := nr.exchange(ctx, &nativeRequest{Op: "resolve", Domain: domain, RecordTypes: recordTypes})
	if err != nil {
		return nil, err
	}

	if reply.Error != nil {
		return errorResponse(domain, types.SourceZNSNative, reply.Error), nil
	}
	if reply.NotFound || reply.DomainData == nil {
		return errorResponse(domain, types.SourceZNSNative,
			types.NewZNSErrorf(types.ErrCodeDomainNotFound, "domain %s is not registered", domain)), nil
	}

	dd := reply.DomainData.Clone()
	if dd.IsExpired(time.Now()) {
		return errorResponse(domain, types.SourceZNSNative,
			types.NewZNSErrorf(types.ErrCodeDomainExpired, "domain %s has expired", domain)), nil
	}

	return successResponse(domain, filterRecords(dd.Records, recordTypes), dd.Metadata, types.SourceZNSNative), nil
}

// Register submits a registration to the chain node.
func (nr *NativeResolver) Register(ctx context.Context, req *types.RegisterRequest) (*types.RegisterResponse, error) {
	if !nr.Enabled() {
		return &types.RegisterResponse{
			Domain: req.Domain,
			Error:  types.NewZNSError(types.ErrCodeResolverUnavailable, "no chain endpoint configured"),
		}, nil
	}

	reply, err := nr.exchange(ctx, &nativeRequest{Op: "register", Domain: req.Domain, Register: req})
	if err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return &types.RegisterResponse{Domain: req.Domain, Error: reply.Error}, nil
	}
	return &types.RegisterResponse{Domain: req.Domain, Success: true, TransactionHash: reply.TransactionHash}, nil
}

// Update submits a record update to the chain node.
func (nr *NativeResolver) Update(ctx context.Context, req *types.UpdateRequest) (*types.UpdateResponse, error) {
	if !nr.Enabled() {
		return &types.UpdateResponse{
			Domain: req.Domain,
			Error:  types.NewZNSError(types.ErrCodeResolverUnavailable, "no chain endpoint configured"),
		}, nil
	}

	reply, err := nr.exchange(ctx, &nativeRequest{Op: "update", Domain: req.Domain, Update: req})
	if err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return &types.UpdateResponse{Domain: req.Domain, Error: reply.Error}, nil
	}
	return &types.UpdateResponse{Domain: req.Domain, Success: true, TransactionHash: reply.TransactionHash}, nil
}

// Close tears down the QUIC connection.
func (nr *NativeResolver) Close() error {
	nr.mu.Lock()
	defer nr.mu.Unlock()

	if nr.conn != nil {
		err := nr.conn.CloseWithError(types.QUICCodeNoError, "")
		nr.conn = nil
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}
