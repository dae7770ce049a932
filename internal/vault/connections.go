package vault

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/auth"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/config"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/connection"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/retry"
)

// ConnectionStore reads Airflow connections from a Vault KV engine, using the layout of
// Airflow's Vault secrets backend: <mount>/<connections path>/<conn id>, holding either a
// "conn_uri" key or the individual connection fields.
type ConnectionStore struct {
	addr      string
	mount     string
	path      string
	kvVersion int
	namespace string
	client    *http.Client
	tokens    auth.Provider
	ro        retry.Options

	mu    sync.Mutex
	token string
}

// NewConnectionStore builds a store from config. A nil client gets a 30s default that honours
// VAULT_SKIP_VERIFY.
func NewConnectionStore(cfg config.Config, client *http.Client) (*ConnectionStore, error) {
	if strings.TrimSpace(cfg.VaultAddr) == "" {
		return nil, errors.New("vault: address is empty")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
		if cfg.Auth.SkipVerify {
			client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec // opt-in via VAULT_SKIP_VERIFY
		}
	}
	tokens, err := auth.New(cfg, client)
	if err != nil {
		return nil, err
	}
	kv := cfg.Vault.KVVersion
	if kv == 0 {
		kv = 2
	}
	return &ConnectionStore{
		addr:      strings.TrimRight(cfg.VaultAddr, "/"),
		mount:     strings.Trim(cfg.Vault.Mount, "/"),
		path:      strings.Trim(cfg.Vault.ConnectionsPath, "/"),
		kvVersion: kv,
		namespace: cfg.Auth.Namespace,
		client:    client,
		tokens:    tokens,
		ro:        cfg.RetryOptions(),
	}, nil
}

// secretURL returns the read URL of one connection secret.
func (s *ConnectionStore) secretURL(id string) string {
	parts := []string{s.mount}
	if s.kvVersion == 2 {
		parts = append(parts, "data")
	}
	if s.path != "" {
		parts = append(parts, s.path)
	}
	parts = append(parts, url.PathEscape(id))
	return s.addr + "/v1/" + strings.Join(parts, "/")
}

func (s *ConnectionStore) acquire(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, nil
	}
	tok, err := s.tokens.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("vault auth: %w", err)
	}
	s.token = tok
	return tok, nil
}

// reacquire drops stale from the cache and fetches a token again. A token refreshed by
// another caller in the meantime is reused.
func (s *ConnectionStore) reacquire(ctx context.Context, stale string) (string, error) {
	s.mu.Lock()
	if s.token == stale {
		s.token = ""
	}
	s.mu.Unlock()
	return s.acquire(ctx)
}

// Get implements connection.Store. A 403 answer re-authenticates once, since the cached
// token may have expired or been revoked.
func (s *ConnectionStore) Get(ctx context.Context, id string) (connection.Connection, error) {
	token, err := s.acquire(ctx)
	if err != nil {
		return connection.Connection{}, err
	}
	u := s.secretURL(id)

	secret, err := s.readSecret(ctx, id, u, token)
	if isForbidden(err) {
		fresh, aerr := s.reacquire(ctx, token)
		if aerr != nil {
			return connection.Connection{}, aerr
		}
		if fresh != token {
			log.Info().Str("action", "vault_reauth").Str("conn_id", id).Msg("token rejected, logged in again")
			secret, err = s.readSecret(ctx, id, u, fresh)
		}
	}
	if err != nil {
		if errors.Is(err, connection.ErrNotFound) {
			return connection.Connection{}, err
		}
		return connection.Connection{}, fmt.Errorf("vault read %q: %w", id, err)
	}
	return decodeSecret(id, secret)
}

// readSecret reads one secret with token, retrying transient failures.
func (s *ConnectionStore) readSecret(ctx context.Context, id, u, token string) (map[string]any, error) {
	start := time.Now()
	attempt := 0
	var secret map[string]any
	readOnce := func(ctx context.Context) error {
		attempt++
		data, err := s.read(ctx, u, token)
		if err != nil {
			log.Debug().Err(err).Str("action", "vault_conn_read").Str("conn_id", id).
				Int("attempt", attempt).Msg("attempt failed")
			return err
		}
		secret = data
		return nil
	}
	if err := retry.Do(ctx, s.ro, retry.IsTransientHTTP, readOnce); err != nil {
		return nil, err
	}
	log.Debug().Str("action", "vault_conn_read").Str("conn_id", id).Int("attempts", attempt).
		Dur("elapsed_ms", time.Since(start)).Msg("connection read OK")
	return secret, nil
}

func isForbidden(err error) bool {
	var se *retry.StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusForbidden
}

func (s *ConnectionStore) read(ctx context.Context, u, token string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Vault-Token", token)
	if s.namespace != "" {
		req.Header.Set("X-Vault-Namespace", s.namespace)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, connection.ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, &retry.StatusError{StatusCode: resp.StatusCode, RetryAfter: parseRetryAfter(resp)}
	}

	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode vault response: %w", err)
	}
	if s.kvVersion == 2 {
		inner, _ := body.Data["data"].(map[string]any)
		// A deleted KV v2 version answers 200 with null data.
		if inner == nil {
			return nil, connection.ErrNotFound
		}
		return inner, nil
	}
	if body.Data == nil {
		return nil, connection.ErrNotFound
	}
	return body.Data, nil
}

func decodeSecret(id string, secret map[string]any) (connection.Connection, error) {
	if uri, ok := secret["conn_uri"].(string); ok && uri != "" {
		return connection.ParseURI(id, uri)
	}
	raw, err := json.Marshal(secret)
	if err != nil {
		return connection.Connection{}, err
	}
	return connection.FromJSON(id, raw)
}

// parseRetryAfter supports seconds and HTTP-date.
func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if s, err := strconv.Atoi(v); err == nil {
			return time.Duration(s) * time.Second
		}
		if t, err := http.ParseTime(v); err == nil {
			return time.Until(t)
		}
	}
	return 0
}
