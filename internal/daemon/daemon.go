// Package daemon assembles the warden process: the security store, the
// sandbox host, the gRPC gateway and the admin HTTP surface with the live
// event stream.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/connectias/warden/internal/config"
	"github.com/connectias/warden/internal/eventbus"
	"github.com/connectias/warden/internal/host"
	"github.com/connectias/warden/internal/procutil"
	"github.com/connectias/warden/internal/store"
	"github.com/connectias/warden/internal/transport"
	"github.com/connectias/warden/internal/transport/gateway"
	"github.com/connectias/warden/internal/version"
)

// Options groups dependencies required to construct a Daemon.
type Options struct {
	InstanceName string
	// GRPCAddr is the plugin IPC listener address. Empty means loopback on
	// an ephemeral port.
	GRPCAddr string
	// HTTPAddr is the admin API address. Empty means 127.0.0.1:7711.
	HTTPAddr string
	Logger   *log.Logger
}

const defaultHTTPAddr = "127.0.0.1:7711"

// Daemon represents the main warden process.
type Daemon struct {
	opts   Options
	logger *log.Logger
	paths  config.InstancePaths

	bus     *eventbus.Bus
	store   *store.Store
	grants  *grantTable
	host    *host.Host
	gateway *gateway.Gateway
	stream  *transport.StreamServer

	httpServer   *http.Server
	httpListener net.Listener

	mu        sync.Mutex
	running   bool
	lifecycle eventbus.ServiceLifecycle
	startedAt time.Time
}

// New constructs the daemon and its component graph. Nothing listens until
// Start.
func New(opts Options) (*Daemon, error) {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.HTTPAddr == "" {
		opts.HTTPAddr = defaultHTTPAddr
	}

	paths, err := config.EnsureInstanceDirs(opts.InstanceName)
	if err != nil {
		return nil, fmt.Errorf("daemon: prepare instance directories: %w", err)
	}

	st, err := store.Open(store.Options{
		InstanceName: opts.InstanceName,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("daemon: open security store: %w", err)
	}

	bus := eventbus.New()

	d := &Daemon{
		opts:   opts,
		logger: opts.Logger,
		paths:  paths,
		bus:    bus,
		store:  st,
	}

	d.host = host.New(d.permissions(),
		host.WithLogger(opts.Logger),
		host.WithEventBus(bus),
	)
	d.gateway = gateway.New(d.host, gateway.Options{
		Addr:   opts.GRPCAddr,
		Logger: opts.Logger,
	})
	d.stream = transport.NewStreamServer(bus, localOriginAllowed,
		transport.WithStreamLogger(opts.Logger))

	return d, nil
}

// Host exposes the sandbox host, primarily for tests and embedders.
func (d *Daemon) Host() *host.Host { return d.host }

// Store exposes the security store.
func (d *Daemon) Store() *store.Store { return d.store }

// GatewayInfo returns the gRPC listener info once started.
func (d *Daemon) GatewayInfo() gateway.ListenerInfo { return d.gateway.Info() }

// HTTPAddr returns the bound admin address once started.
func (d *Daemon) HTTPAddr() string {
	if d.httpListener == nil {
		return ""
	}
	return d.httpListener.Addr().String()
}

// Start brings up the host, the gRPC gateway and the admin API, then loads
// the installed plugin packages.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("daemon: already started")
	}
	d.running = true
	d.lifecycle.Start(context.Background())
	ctx := d.lifecycle.Context()
	d.startedAt = time.Now()
	d.mu.Unlock()

	abort := func() {
		d.lifecycle.Stop()
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}

	if err := d.acquireLock(); err != nil {
		abort()
		return err
	}

	d.host.Start()

	info, err := d.gateway.Start(ctx)
	if err != nil {
		d.host.Stop()
		d.releaseLock()
		abort()
		return fmt.Errorf("daemon: start gateway: %w", err)
	}
	d.logger.Printf("[Daemon] gRPC gateway listening on %s", info.Address)

	httpListener, err := net.Listen("tcp", d.opts.HTTPAddr)
	if err != nil {
		d.gateway.Shutdown(ctx)
		d.host.Stop()
		d.releaseLock()
		abort()
		return fmt.Errorf("daemon: listen admin api: %w", err)
	}
	d.httpListener = httpListener

	mux := http.NewServeMux()
	mux.HandleFunc("/status", d.handleStatus)
	mux.HandleFunc("/audit", d.handleAudit)
	mux.HandleFunc("/events", d.stream.HandleWebSocket)
	d.httpServer = &http.Server{Handler: mux}

	d.lifecycle.Go(d.stream.Run)
	d.lifecycle.Go(d.persistAudit)
	d.lifecycle.Go(func(ctx context.Context) {
		if err := d.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Printf("[Daemon] Admin API error: %v", err)
		}
	})

	d.logger.Printf("[Daemon] Admin API listening on %s", httpListener.Addr())

	if err := d.loadInstalledPlugins(ctx); err != nil {
		d.logger.Printf("[Daemon] Plugin load pass failed: %v", err)
	}

	return nil
}

// Shutdown stops listeners, unloads plugins and closes the store.
func (d *Daemon) Shutdown() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.lifecycle.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if d.httpServer != nil {
		if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Printf("[Daemon] Admin API shutdown: %v", err)
		}
	}
	if err := d.gateway.Shutdown(shutdownCtx); err != nil {
		d.logger.Printf("[Daemon] Gateway shutdown: %v", err)
	}

	for _, pluginID := range d.host.PluginIDs() {
		if err := d.host.Unload(shutdownCtx, pluginID, "daemon shutdown"); err != nil {
			d.logger.Printf("[Daemon] Unload %s: %v", pluginID, err)
		}
	}
	d.host.Stop()

	if err := d.lifecycle.Wait(shutdownCtx); err != nil {
		d.logger.Printf("[Daemon] Worker shutdown: %v", err)
	}
	d.bus.Close()

	d.releaseLock()

	if err := d.store.Close(); err != nil {
		return fmt.Errorf("daemon: close store: %w", err)
	}
	d.logger.Printf("[Daemon] Stopped")
	return nil
}

// persistAudit copies security events from the bus into the store so the
// audit trail survives restarts.
func (d *Daemon) persistAudit(ctx context.Context) {
	sub := eventbus.SubscribeTo(d.bus, eventbus.Audit.Security)
	defer sub.Close()

	eventbus.Consume(ctx, sub, nil, func(event eventbus.SecurityEvent) {
		insertCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.store.InsertEvent(insertCtx, event); err != nil {
			d.logger.Printf("[Daemon] Persist audit event: %v", err)
		}
	})
}

type statusResponse struct {
	Version       string `json:"version"`
	PID           int    `json:"pid"`
	UptimeSec     int64  `json:"uptimeSec"`
	Plugins       int    `json:"plugins"`
	StreamClients int    `json:"streamClients"`
	GRPCAddress   string `json:"grpcAddress"`
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{
		Version:       version.String(),
		PID:           os.Getpid(),
		UptimeSec:     int64(time.Since(d.startedAt).Seconds()),
		Plugins:       len(d.host.PluginIDs()),
		StreamClients: d.stream.ClientCount(),
		GRPCAddress:   d.gateway.Info().Address,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (d *Daemon) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	events, err := d.store.RecentEvents(r.Context(), limit, r.URL.Query().Get("plugin"))
	if err != nil {
		d.logger.Printf("[Daemon] Audit query: %v", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

func (d *Daemon) acquireLock() error {
	if IsRunning(d.opts.InstanceName) {
		return errors.New("daemon: already running")
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(d.paths.Lock, []byte(pid), 0o644); err != nil {
		return fmt.Errorf("daemon: write lock file: %w", err)
	}
	return nil
}

func (d *Daemon) releaseLock() {
	os.Remove(d.paths.Lock)
}

// IsRunning reports whether a daemon holds the instance lock with a live
// process behind it. Stale locks are cleaned up.
func IsRunning(instanceName string) bool {
	paths := config.GetInstancePaths(instanceName)

	data, err := os.ReadFile(paths.Lock)
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		os.Remove(paths.Lock)
		return false
	}

	if !procutil.IsProcessAlive(pid) {
		os.Remove(paths.Lock)
		return false
	}

	return true
}

// localOriginAllowed accepts browser connections from localhost only. The
// observer UI runs on the same machine.
func localOriginAllowed(origin string) bool {
	return strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1")
}
