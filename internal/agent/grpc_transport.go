package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcTransportConfig holds connection settings shared by all gRPC agents.
type GrpcTransportConfig struct {
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcTransportConfig returns default configuration.
func DefaultGrpcTransportConfig() GrpcTransportConfig {
	return GrpcTransportConfig{
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcTransport calls unary methods that take and return a
// google.protobuf.Struct. Endpoints look like grpc://host:port/pkg.Service/Method.
// One client connection is kept per target.
type GrpcTransport struct {
	cfg    GrpcTransportConfig
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGrpcTransport creates a transport with lazily dialed connections.
func NewGrpcTransport(cfg GrpcTransportConfig, logger *slog.Logger) *GrpcTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &GrpcTransport{cfg: cfg, logger: logger, conns: make(map[string]*grpc.ClientConn)}
}

// ParseGrpcEndpoint splits an endpoint into dial target and full method name.
func ParseGrpcEndpoint(endpoint string) (target, method string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if u.Scheme != "grpc" || u.Host == "" {
		return "", "", fmt.Errorf("invalid grpc endpoint %q", endpoint)
	}
	path := strings.Trim(u.Path, "/")
	if strings.Count(path, "/") != 1 {
		return "", "", fmt.Errorf("grpc endpoint %q must name /pkg.Service/Method", endpoint)
	}
	return u.Host, "/" + path, nil
}

// Call implements Transport.
func (t *GrpcTransport) Call(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	target, method, err := ParseGrpcEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	req := &structpb.Struct{}
	if err := protojson.Unmarshal(payload, req); err != nil {
		return nil, fmt.Errorf("encode grpc request: %w", err)
	}

	conn, err := t.conn(target)
	if err != nil {
		return nil, err
	}

	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, classifyGrpcError(err)
	}

	body, err := protojson.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("decode grpc response: %w", err)
	}
	return body, nil
}

func classifyGrpcError(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return &TransientError{Err: err}
	}
	return fmt.Errorf("grpc call failed: %w", err)
}

func (t *GrpcTransport) conn(target string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[target]; ok {
		return conn, nil
	}

	kacp := keepalive.ClientParameters{
		Time:                t.cfg.KeepaliveTime,
		Timeout:             t.cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("create grpc client for %s: %w", target, err)
	}
	t.conns[target] = conn
	t.logger.Info("gRPC agent client created", "target", target)
	return conn, nil
}

// WaitReady blocks until the connection to endpoint's target is ready.
func (t *GrpcTransport) WaitReady(ctx context.Context, endpoint string) error {
	target, _, err := ParseGrpcEndpoint(endpoint)
	if err != nil {
		return err
	}
	conn, err := t.conn(target)
	if err != nil {
		return err
	}
	return waitForReady(ctx, conn)
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes every connection.
func (t *GrpcTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for target, conn := range t.conns {
		if err := conn.Close(); err != nil {
			t.logger.Warn("failed to close gRPC connection", "target", target, "error", err)
		}
		delete(t.conns, target)
	}
}
