package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/config"
)

// kubernetesProvider implements Vault auth using the Kubernetes method.
type kubernetesProvider struct {
	cfg    config.AuthConfig
	addr   string
	client *http.Client
}

// newKubernetesProvider validates configuration and returns a provider.
// Role and JWT path are mandatory.
func newKubernetesProvider(cfg config.Config, client *http.Client) (*kubernetesProvider, error) {
	if strings.TrimSpace(cfg.Auth.Role) == "" {
		return nil, errors.New("kubernetes auth requires role")
	}
	if strings.TrimSpace(cfg.Auth.JWTPath) == "" {
		return nil, errors.New("kubernetes auth requires jwt path")
	}
	mount := strings.Trim(cfg.Auth.Mount, "/")
	if mount == "" {
		mount = "kubernetes"
	}
	a := cfg.Auth
	a.Mount = mount
	return &kubernetesProvider{cfg: a, addr: cfg.VaultAddr, client: client}, nil
}

// Acquire exchanges a Kubernetes ServiceAccount JWT for a Vault client token.
func (p *kubernetesProvider) Acquire(ctx context.Context) (string, error) {
	// Read the projected ServiceAccount JWT.
	jwt, err := os.ReadFile(p.cfg.JWTPath)
	if err != nil {
		return "", fmt.Errorf("read jwt: %w", err)
	}

	// Build login request payload.
	url := fmt.Sprintf("%s/v1/auth/%s/login", strings.TrimRight(p.addr, "/"), p.cfg.Mount)
	body := map[string]string{
		"role": p.cfg.Role,
		"jwt":  strings.TrimSpace(string(jwt)),
	}
	if p.cfg.Audience != "" {
		body["audience"] = p.cfg.Audience
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", p.cfg.Namespace)
	}

	// Send the login request.
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault login request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Non-200 answers carry a trimmed body snippet.
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("vault login failed: %s (%s)", resp.Status, strings.TrimSpace(string(data)))
	}

	// Decode response and extract client token.
	var out struct {
		Auth struct {
			ClientToken string `json:"client_token"`
		} `json:"auth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode vault response: %w", err)
	}
	if out.Auth.ClientToken == "" {
		return "", errors.New("vault login: empty client_token")
	}

	log.Info().
		Str("action", "auth_acquire").
		Str("method", "kubernetes").
		Str("mount", p.cfg.Mount).
		Str("role", p.cfg.Role).
		Msg("kubernetes login OK")

	return out.Auth.ClientToken, nil
}
