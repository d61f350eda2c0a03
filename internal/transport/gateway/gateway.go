// Package gateway runs the daemon's gRPC listener. Every plugin IPC call
// passes through interceptors that resolve the caller's verified identity
// and apply the per-method rate limits before any handler runs.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/connectias/warden/internal/host"
	"github.com/connectias/warden/internal/identity"
	"github.com/connectias/warden/internal/ratelimit"
)

// Metadata keys the sandbox transport sets on every call. The credential is
// transport-authenticated; plugin code cannot forge it.
const (
	MetadataPluginID   = "x-warden-plugin"
	MetadataCredential = "x-warden-credential"
)

// Options configure additional behaviour for the gateway.
type Options struct {
	// Addr is the listen address. Empty means loopback on an ephemeral port.
	Addr string
	// RegisterGRPC allows callers to register the platform's plugin IPC
	// services on the shared server.
	RegisterGRPC func(*grpc.Server)
	// Logger defaults to the standard logger.
	Logger *log.Logger
}

// ListenerInfo describes the started listener.
type ListenerInfo struct {
	Address string
	Port    int
}

// Gateway orchestrates the gRPC listener exposed by the daemon.
type Gateway struct {
	host *host.Host
	opts Options

	mu         sync.RWMutex
	grpcServer *grpc.Server
	listener   net.Listener
	errCh      chan error
	wg         sync.WaitGroup
	info       ListenerInfo
}

// New constructs a Gateway bound to the provided sandbox host.
func New(h *host.Host, opts ...Options) *Gateway {
	var opt Options
	if len(opts) > 0 {
		opt = opts[0]
	}
	if opt.Logger == nil {
		opt.Logger = log.Default()
	}
	return &Gateway{host: h, opts: opt}
}

// Start launches the gRPC listener. It must not be called concurrently with
// Shutdown.
func (g *Gateway) Start(ctx context.Context) (*ListenerInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.listener != nil {
		return nil, fmt.Errorf("gateway: already started")
	}

	addr := g.opts.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("gateway: listen grpc: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(g.unarySecurityInterceptor),
		grpc.ChainStreamInterceptor(g.streamSecurityInterceptor),
	)
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	if g.opts.RegisterGRPC != nil {
		g.opts.RegisterGRPC(grpcServer)
	}

	g.grpcServer = grpcServer
	g.listener = listener
	g.errCh = make(chan error, 1)
	g.info = ListenerInfo{
		Address: listener.Addr().String(),
		Port:    listenerPort(listener),
	}
	errCh := g.errCh

	g.wg.Add(1)
	go g.serve(ctx, grpcServer, listener)

	go func(ch chan error) {
		g.wg.Wait()
		close(ch)
	}(errCh)

	infoCopy := g.info
	return &infoCopy, nil
}

func (g *Gateway) serve(ctx context.Context, grpcServer *grpc.Server, listener net.Listener) {
	defer g.wg.Done()

	go func() {
		<-ctx.Done()
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			grpcServer.Stop()
		}
	}()

	if err := grpcServer.Serve(listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, grpc.ErrServerStopped) && status.Code(err) != codes.Canceled {
		g.pushError(err)
	}
}

func (g *Gateway) pushError(err error) {
	if err == nil {
		return
	}
	g.mu.RLock()
	ch := g.errCh
	g.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// Shutdown stops the listener and waits for the serve goroutine to exit.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	listener := g.listener
	grpcServer := g.grpcServer
	errCh := g.errCh
	g.listener = nil
	g.grpcServer = nil
	g.errCh = nil
	g.mu.Unlock()

	if listener == nil {
		return nil
	}

	_ = listener.Close()

	if grpcServer != nil {
		done := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			grpcServer.Stop()
		case <-ctx.Done():
			grpcServer.Stop()
		}
	}

	g.wg.Wait()

	if errCh != nil {
		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
		default:
		}
	}

	return nil
}

// Errors exposes the gateway error channel (closed when the gateway stops).
func (g *Gateway) Errors() <-chan error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.errCh == nil {
		ch := make(chan error)
		close(ch)
		return ch
	}
	return g.errCh
}

// Info returns the last known listener info.
func (g *Gateway) Info() ListenerInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.info
}

func (g *Gateway) unarySecurityInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if isExempt(info.FullMethod) {
		return handler(ctx, req)
	}

	pluginID, err := g.admit(ctx, info.FullMethod)
	if err != nil {
		return nil, err
	}
	return handler(ContextWithPlugin(ctx, pluginID), req)
}

func (g *Gateway) streamSecurityInterceptor(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if isExempt(info.FullMethod) {
		return handler(srv, ss)
	}

	pluginID, err := g.admit(ss.Context(), info.FullMethod)
	if err != nil {
		return err
	}
	wrapped := &verifiedStream{
		ServerStream: ss,
		ctx:          ContextWithPlugin(ss.Context(), pluginID),
	}
	return handler(srv, wrapped)
}

// admit resolves the caller's verified identity and applies rate limits.
// Identity failures deliberately carry no detail; an attacker probing for
// valid plugin ids learns nothing from the response.
func (g *Gateway) admit(ctx context.Context, fullMethod string) (string, error) {
	claimed, cred, ok := callerFromMetadata(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "unauthorized")
	}

	pluginID, err := g.host.Identity().ValidateClaim(claimed, cred)
	if err != nil {
		return "", status.Error(codes.Unauthenticated, "unauthorized")
	}

	if err := g.host.Limiter().Check(methodName(fullMethod), pluginID); err != nil {
		var limitErr *ratelimit.LimitError
		if errors.As(err, &limitErr) {
			return "", status.Errorf(codes.ResourceExhausted, "rate limited: retry after %dms", limitErr.RetryAfter.Milliseconds())
		}
		return "", status.Error(codes.ResourceExhausted, "rate limited")
	}

	return pluginID, nil
}

// isExempt reports whether the method bypasses plugin admission. Health
// checks come from the platform, not from plugin code.
func isExempt(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/grpc.health.v1.Health/")
}

// methodName maps a gRPC full method to the limiter's method vocabulary:
// the final path segment with a lowered first letter, so
// "/warden.v1.Bridge/NetworkRequest" becomes "networkRequest".
func methodName(fullMethod string) string {
	name := fullMethod
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "" {
		return fullMethod
	}
	return strings.ToLower(name[:1]) + name[1:]
}

func callerFromMetadata(ctx context.Context) (claimed string, cred identity.Credential, ok bool) {
	md, mdOK := metadata.FromIncomingContext(ctx)
	if !mdOK {
		return "", 0, false
	}

	values := md.Get(MetadataPluginID)
	if len(values) == 0 {
		return "", 0, false
	}
	claimed = strings.TrimSpace(values[0])
	if claimed == "" {
		return "", 0, false
	}

	values = md.Get(MetadataCredential)
	if len(values) == 0 {
		return "", 0, false
	}
	raw, err := strconv.ParseInt(strings.TrimSpace(values[0]), 10, 64)
	if err != nil {
		return "", 0, false
	}

	return claimed, identity.Credential(raw), true
}

func listenerPort(l net.Listener) int {
	if tcp, ok := l.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

type verifiedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *verifiedStream) Context() context.Context { return s.ctx }

type pluginKey struct{}

// ContextWithPlugin stores the verified plugin id on the context.
func ContextWithPlugin(ctx context.Context, pluginID string) context.Context {
	return context.WithValue(ctx, pluginKey{}, pluginID)
}

// PluginFromContext returns the verified plugin id set by the interceptors.
func PluginFromContext(ctx context.Context) (string, bool) {
	pluginID, ok := ctx.Value(pluginKey{}).(string)
	return pluginID, ok
}
