// Package registry owns the long-lived clients of a process: AI backends,
// database pools and NATS connections. Each is opened once per identity and
// released by Close.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/PBaumfalk/ai-lawyer/internal/ai"
	"github.com/PBaumfalk/ai-lawyer/internal/store"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("registry closed")

type Registry struct {
	mu         sync.Mutex
	closed     bool
	backends   map[string]ai.Backend
	generators map[string]ai.Generator
	stores     map[string]*store.Store
	conns      map[string]*nats.Conn
	closeOnce  sync.Once

	openStore   func(ctx context.Context, dsn string) (*store.Store, error)
	connectNATS func(url string) (*nats.Conn, error)
}

func New() *Registry {
	return &Registry{
		backends:   map[string]ai.Backend{},
		generators: map[string]ai.Generator{},
		stores:     map[string]*store.Store{},
		conns:      map[string]*nats.Conn{},
		openStore:  store.New,
		connectNATS: func(url string) (*nats.Conn, error) {
			return nats.Connect(url,
				nats.Name("docintel"),
				nats.MaxReconnects(-1),
				nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
					log.Warn().Err(err).Msg("nats disconnected")
				}),
				nats.ReconnectHandler(func(nc *nats.Conn) {
					log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
				}),
			)
		},
	}
}

// Backend returns the embedding backend for cfg, creating it on first use.
func (r *Registry) Backend(cfg ai.ClientConfig) (ai.Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	key := cfg.Key()
	if b, ok := r.backends[key]; ok {
		return b, nil
	}
	b, err := ai.NewBackend(&cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding backend %s: %w", cfg.Provider, err)
	}
	r.backends[key] = b
	return b, nil
}

// Generator returns the LLM client for cfg, creating it on first use.
func (r *Registry) Generator(cfg ai.ClientConfig) (ai.Generator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	key := cfg.Key()
	if g, ok := r.generators[key]; ok {
		return g, nil
	}
	g, err := ai.NewGenerator(&cfg)
	if err != nil {
		return nil, fmt.Errorf("generator %s: %w", cfg.Provider, err)
	}
	r.generators[key] = g
	return g, nil
}

// Store returns the connection pool for dsn.
func (r *Registry) Store(ctx context.Context, dsn string) (*store.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if s, ok := r.stores[dsn]; ok {
		return s, nil
	}
	s, err := r.openStore(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	r.stores[dsn] = s
	return s, nil
}

// NATS returns the connection for url.
func (r *Registry) NATS(url string) (*nats.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if nc, ok := r.conns[url]; ok {
		return nc, nil
	}
	nc, err := r.connectNATS(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	r.conns[url] = nc
	return nc, nil
}

// Close drains NATS connections and closes database pools. Later calls are no-ops.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.closed = true
		for url, nc := range r.conns {
			if err := nc.Drain(); err != nil {
				log.Warn().Err(err).Str("url", url).Msg("nats drain failed")
				nc.Close()
			}
		}
		for _, s := range r.stores {
			s.Close()
		}
		log.Debug().Int("stores", len(r.stores)).Int("nats", len(r.conns)).Int("backends", len(r.backends)).Msg("registry closed")
	})
}
