// Package hook resolves storage backends from URIs and connection ids, forwards pull/push
// calls to them, and turns connections into dbt targets.
package hook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/backend"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/connection"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/retry"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/target"
)

// Key identifies a cached backend.
type Key struct {
	Scheme string
	ConnID string
}

// Hook caches one backend per (scheme, connection id). The cache belongs to the Hook:
// two hooks never share instances.
type Hook struct {
	env    backend.Env
	lookup func(scheme string) (backend.Factory, error)

	mu       sync.Mutex
	backends map[Key]backend.Backend
}

// New returns a hook resolving connections from conns (may be nil).
func New(conns connection.Store, ro retry.Options) *Hook {
	return &Hook{
		env:      backend.Env{Connections: conns, Retry: ro},
		lookup:   backend.Lookup,
		backends: map[Key]backend.Backend{},
	}
}

// GetBackend returns the backend for scheme bound to connID, building it on first use.
// An unknown scheme yields an error wrapping backend.ErrNotImplemented.
func (h *Hook) GetBackend(ctx context.Context, scheme, connID string) (backend.Backend, error) {
	key := Key{Scheme: scheme, ConnID: connID}

	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.backends[key]; ok {
		return b, nil
	}
	factory, err := h.lookup(scheme)
	if err != nil {
		log.Debug().Str("action", "backend_resolve").Str("scheme", scheme).
			Strs("registered", backend.Schemes()).Msg("no backend for scheme")
		return nil, err
	}
	b, err := factory(ctx, connID, h.env)
	if err != nil {
		return nil, fmt.Errorf("create %q backend: %w", scheme, err)
	}
	h.backends[key] = b
	log.Debug().Str("action", "backend_resolve").Str("scheme", scheme).Str("conn_id", connID).
		Str("backend", b.Name()).Msg("backend created")
	return b, nil
}

// SetBackend places b in the cache for (scheme, connID).
func (h *Hook) SetBackend(scheme, connID string, b backend.Backend) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backends[Key{Scheme: scheme, ConnID: connID}] = b
}

// PullDbtProfiles fetches profiles.yml with the backend of source's scheme.
func (h *Hook) PullDbtProfiles(ctx context.Context, source, destination, connID string) (string, error) {
	b, err := h.GetBackend(ctx, backend.SchemeOf(source), connID)
	if err != nil {
		return "", err
	}
	start := time.Now()
	path, err := b.PullProfiles(ctx, source, destination)
	log.Debug().Str("action", "pull_profiles").Str("backend", b.Name()).Str("source", source).
		Dur("elapsed_ms", time.Since(start)).Err(err).Msg("pull profiles")
	return path, err
}

// PullDbtProject fetches a project with the backend of source's scheme.
func (h *Hook) PullDbtProject(ctx context.Context, source, destination, connID string) (string, error) {
	b, err := h.GetBackend(ctx, backend.SchemeOf(source), connID)
	if err != nil {
		return "", err
	}
	start := time.Now()
	dir, err := b.PullProject(ctx, source, destination)
	log.Debug().Str("action", "pull_project").Str("backend", b.Name()).Str("source", source).
		Dur("elapsed_ms", time.Since(start)).Err(err).Msg("pull project")
	return dir, err
}

// PushDbtProject uploads a project with the backend of destination's scheme.
func (h *Hook) PushDbtProject(ctx context.Context, source, destination, connID string, opts backend.PushOptions) error {
	b, err := h.GetBackend(ctx, backend.SchemeOf(destination), connID)
	if err != nil {
		return err
	}
	start := time.Now()
	err = b.PushProject(ctx, source, destination, opts)
	log.Debug().Str("action", "push_project").Str("backend", b.Name()).Str("destination", destination).
		Bool("replace", opts.Replace).Bool("delete_before", opts.DeleteBefore).
		Dur("elapsed_ms", time.Since(start)).Err(err).Msg("push project")
	return err
}

// GetTargetFromConnection maps connID onto a dbt target keyed by the connection id.
// It returns nil, nil when connID is empty or unknown; other store failures are returned.
func (h *Hook) GetTargetFromConnection(ctx context.Context, connID string) (map[string]target.Target, error) {
	if connID == "" || h.env.Connections == nil {
		return nil, nil
	}
	conn, err := h.env.Connections.Get(ctx, connID)
	if errors.Is(err, connection.ErrNotFound) {
		log.Debug().Str("action", "target_from_connection").Str("conn_id", connID).Msg("connection not found")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get connection %q: %w", connID, err)
	}
	return map[string]target.Target{connID: target.FromConnection(conn)}, nil
}
