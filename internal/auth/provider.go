package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/config"
)

var (
	ErrNoToken = errors.New("no token available for vault auth")
)

// Provider abstracts how we acquire a Vault token (no renew here).
type Provider interface {
	Acquire(ctx context.Context) (string, error)
}

// New selects the provider based on cfg.Auth.Method. A nil client gets a 10s default.
func New(cfg config.Config, client *http.Client) (Provider, error) {
	method := strings.ToLower(strings.TrimSpace(cfg.Auth.Method))
	switch method {
	case "token":
		log.Debug().
			Str("action", "auth_new").
			Str("method", "token").
			Msg("auth provider selected")
		return &tokenProvider{token: strings.TrimSpace(cfg.Auth.Token)}, nil

	case "kubernetes":
		log.Debug().
			Str("action", "auth_new").
			Str("method", "kubernetes").
			Str("mount", cfg.Auth.Mount).
			Str("role", cfg.Auth.Role).
			Msg("auth provider selected")
		if client == nil {
			client = &http.Client{Timeout: 10 * time.Second}
		}
		return newKubernetesProvider(cfg, client)

	default:
		return nil, errors.New("unsupported auth method: " + method)
	}
}
