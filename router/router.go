// Package router owns one transport client per configured server key.
//
// Clients are created lazily on first use and cached for the session.
// Routing is deterministic: an empty or unknown server key falls back to the
// lexicographically-first configured key. Invalidation drops cached clients
// so the next lookup recreates them — the hook used when server configuration
// changes at runtime.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zhubert/veil-core/config"
	"github.com/zhubert/veil-core/logger"
	"github.com/zhubert/veil-core/transport"
)

// ErrNoServers reports a router with no configured servers to route to.
var ErrNoServers = errors.New("no servers configured")

// Router resolves server keys to cached transport clients.
type Router struct {
	mu        sync.Mutex
	cfg       *config.Config
	clients   map[string]*transport.Client
	newClient func(config.Server) *transport.Client
	log       *slog.Logger
}

// New creates a router over the given configuration.
func New(cfg *config.Config) *Router {
	return &Router{
		cfg:       cfg,
		clients:   make(map[string]*transport.Client),
		newClient: transport.NewClient,
		log:       logger.WithComponent("router"),
	}
}

// DefaultServerKey returns the routing fallback: the lexicographically
// smallest configured key. The rule is deliberate and fixed — callers must
// not depend on config file order, which is not stable across reloads.
func (r *Router) DefaultServerKey() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultKeyLocked()
}

func (r *Router) defaultKeyLocked() (string, error) {
	keys := r.cfg.Keys()
	if len(keys) == 0 {
		return "", ErrNoServers
	}
	return keys[0], nil
}

// ClientFor returns the cached client for a server key, creating it on first
// use. An empty or unconfigured key routes to the default server.
func (r *Router) ClientFor(serverKey string) (*transport.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if serverKey == "" {
		key, err := r.defaultKeyLocked()
		if err != nil {
			return nil, err
		}
		serverKey = key
	}

	server, ok := r.cfg.Server(serverKey)
	if !ok {
		key, err := r.defaultKeyLocked()
		if err != nil {
			return nil, err
		}
		r.log.Debug("unknown server key, using default", "requested", serverKey, "default", key)
		serverKey = key
		server, _ = r.cfg.Server(serverKey)
	}

	if client, ok := r.clients[serverKey]; ok {
		return client, nil
	}

	client := r.newClient(server)
	r.clients[serverKey] = client
	r.log.Info("client created", "server", serverKey, "url", server.URL)
	return client, nil
}

// HasServer reports whether a key is configured, without creating a client.
func (r *Router) HasServer(serverKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cfg.Server(serverKey)
	return ok
}

// Keys returns the configured server keys in lexicographic order.
func (r *Router) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Keys()
}

// Invalidate drops the cached client for one server key; the next ClientFor
// recreates it from current configuration.
func (r *Router) Invalidate(serverKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[serverKey]; ok {
		delete(r.clients, serverKey)
		r.log.Info("client invalidated", "server", serverKey)
	}
}

// InvalidateAll drops every cached client.
func (r *Router) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) > 0 {
		r.log.Info("all clients invalidated", "count", len(r.clients))
	}
	r.clients = make(map[string]*transport.Client)
}

// SetConfig swaps in a new configuration. Cached clients whose server entry
// changed or disappeared are invalidated; unchanged servers keep their
// client.
func (r *Router) SetConfig(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.clients {
		oldServer, _ := r.cfg.Server(key)
		newServer, ok := cfg.Server(key)
		if !ok || !serverEqual(oldServer, newServer) {
			delete(r.clients, key)
			r.log.Info("client invalidated by config change", "server", key)
		}
	}
	r.cfg = cfg
}

func serverEqual(a, b config.Server) bool {
	if a.Key != b.Key || a.URL != b.URL {
		return false
	}
	if (a.Timeout == nil) != (b.Timeout == nil) {
		return false
	}
	if a.Timeout != nil && a.Timeout.Duration != b.Timeout.Duration {
		return false
	}
	if len(a.Headers) != len(b.Headers) {
		return false
	}
	for k, v := range a.Headers {
		if b.Headers[k] != v {
			return false
		}
	}
	return true
}

// Describe returns a human-readable routing summary, mostly for logs.
func (r *Router) Describe() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, err := r.defaultKeyLocked()
	if err != nil {
		return "router: no servers"
	}
	return fmt.Sprintf("router: %d servers, default %q, %d cached clients", len(r.cfg.Servers), def, len(r.clients))
}
