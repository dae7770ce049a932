package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/retry"
)

// Connection sources, in the order they are consulted by default.
const (
	SourceEnv   = "env"
	SourceFile  = "file"
	SourceVault = "vault"
)

type Config struct {
	// Ordered connection sources (env, file, vault).
	ConnSources     []string
	ConnectionsFile string

	VaultAddr string
	Auth      AuthConfig
	Vault     VaultConfig

	Dbt DbtConfig

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	RetryMultiplier   float64
	RetryEnableJitter bool
}

// VaultConfig locates connections inside a Vault KV engine.
type VaultConfig struct {
	Mount           string // default "secret"
	ConnectionsPath string // default "connections"
	KVVersion       int    // 1 or 2, default 2
}

// DbtConfig holds run defaults for the dbt executable and the files it needs.
type DbtConfig struct {
	Executable      string
	WorkDir         string
	KeepWorkDir     bool
	ProjectURI      string
	ProjectConnID   string
	ProfilesURI     string
	ProfilesConnID  string
	TargetConnID    string
	TargetAsDefault bool
	PushURI         string
	PushConnID      string
	PushReplace     bool
	PushDelete      bool
	ProfileOverride string
}

type AuthConfig struct {
	Method     string // "token" or "kubernetes"
	Token      string // only if Method == token
	Mount      string // default "kubernetes"
	Role       string // required if Method == kubernetes
	JWTPath    string // default /var/run/secrets/kubernetes.io/serviceaccount/token
	Audience   string // optional, for projected SA tokens
	Namespace  string // optional, Vault Enterprise namespace
	SkipVerify bool   // optional
}

const defaultJWTPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

// Load reads config from environment variables, applies defaults and validates.
func Load() (Config, error) {
	get := func(key, def string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return def
	}

	parseInt := func(key string, def int) int {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n
			}
		}
		return def
	}

	parseDur := func(key string, def time.Duration) time.Duration {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
		}
		return def
	}

	parseFloat := func(key string, def float64) float64 {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				return f
			}
		}
		return def
	}

	parseBool := func(key string, def bool) bool {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			return ParseBool(v, def)
		}
		return def
	}

	connFile := strings.TrimSpace(get("DBT_HOOK_CONNECTIONS_FILE", ""))
	vaultAddr := strings.TrimSpace(get("VAULT_ADDR", ""))

	var sources []string
	if raw := strings.TrimSpace(get("DBT_HOOK_CONN_SOURCES", "")); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				sources = append(sources, s)
			}
		}
	} else {
		// Derive sources from what is configured.
		sources = []string{SourceEnv}
		if connFile != "" {
			sources = append(sources, SourceFile)
		}
		if vaultAddr != "" {
			sources = append(sources, SourceVault)
		}
	}

	auth := AuthConfig{
		Method:     strings.ToLower(strings.TrimSpace(get("VAULT_AUTH_METHOD", ""))),
		Token:      strings.TrimSpace(get("VAULT_TOKEN", "")),
		Mount:      strings.TrimSpace(get("VAULT_AUTH_MOUNT", "kubernetes")),
		Role:       strings.TrimSpace(get("VAULT_K8S_ROLE", "")),
		JWTPath:    strings.TrimSpace(get("VAULT_K8S_JWT_PATH", defaultJWTPath)),
		Audience:   strings.TrimSpace(get("VAULT_K8S_AUDIENCE", "")),
		Namespace:  strings.TrimSpace(get("VAULT_NAMESPACE", "")),
		SkipVerify: parseBool("VAULT_SKIP_VERIFY", false),
	}
	if auth.Method == "" {
		if auth.Token != "" {
			auth.Method = "token"
		} else if auth.Role != "" {
			auth.Method = "kubernetes"
		}
	}
	if auth.Mount == "" {
		auth.Mount = "kubernetes"
	}

	cfg := Config{
		ConnSources:     sources,
		ConnectionsFile: connFile,
		VaultAddr:       vaultAddr,
		Auth:            auth,
		Vault: VaultConfig{
			Mount:           strings.Trim(strings.TrimSpace(get("VAULT_CONNECTIONS_MOUNT", "secret")), "/"),
			ConnectionsPath: strings.Trim(strings.TrimSpace(get("VAULT_CONNECTIONS_PATH", "connections")), "/"),
			KVVersion:       parseInt("VAULT_KV_VERSION", 2),
		},

		Dbt: DbtConfig{
			Executable:      get("DBT_EXECUTABLE", "dbt"),
			WorkDir:         get("DBT_WORK_DIR", ""),
			KeepWorkDir:     parseBool("DBT_KEEP_WORK_DIR", false),
			ProjectURI:      get("DBT_PROJECT_URI", ""),
			ProjectConnID:   get("DBT_PROJECT_CONN_ID", ""),
			ProfilesURI:     get("DBT_PROFILES_URI", ""),
			ProfilesConnID:  get("DBT_PROFILES_CONN_ID", ""),
			TargetConnID:    get("DBT_TARGET_CONN_ID", ""),
			TargetAsDefault: parseBool("DBT_TARGET_AS_DEFAULT", false),
			PushURI:         get("DBT_PUSH_URI", ""),
			PushConnID:      get("DBT_PUSH_CONN_ID", ""),
			PushReplace:     parseBool("PUSH_REPLACE", false),
			PushDelete:      parseBool("PUSH_DELETE_BEFORE", false),
			ProfileOverride: get("DBT_PROFILE", ""),
		},

		RetryMaxAttempts:  parseInt("RETRY_MAX_ATTEMPTS", retry.Default.MaxAttempts),
		RetryInitialDelay: parseDur("RETRY_INITIAL_DELAY", retry.Default.InitialDelay),
		RetryMaxDelay:     parseDur("RETRY_MAX_DELAY", retry.Default.MaxDelay),
		RetryMultiplier:   parseFloat("RETRY_MULTIPLIER", retry.Default.Multiplier),
		RetryEnableJitter: parseBool("RETRY_JITTER", retry.Default.Jitter),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate checks source-specific requirements.
func (c *Config) validate() error {
	for _, s := range c.ConnSources {
		switch s {
		case SourceEnv:
		case SourceFile:
			if c.ConnectionsFile == "" {
				return errors.New("file connection source requires DBT_HOOK_CONNECTIONS_FILE")
			}
		case SourceVault:
			if c.VaultAddr == "" {
				return errors.New("vault connection source requires VAULT_ADDR")
			}
			switch c.Auth.Method {
			case "token":
				if c.Auth.Token == "" {
					return errors.New("auth method token requires VAULT_TOKEN")
				}
			case "kubernetes":
				if c.Auth.Role == "" {
					return errors.New("auth method kubernetes requires VAULT_K8S_ROLE")
				}
			case "":
				return errors.New("vault connection source requires VAULT_TOKEN or VAULT_K8S_ROLE")
			default:
				return errors.New("unsupported auth method: " + c.Auth.Method)
			}
			if c.Vault.KVVersion != 1 && c.Vault.KVVersion != 2 {
				return errors.New("VAULT_KV_VERSION must be 1 or 2")
			}
		default:
			return errors.New("unsupported connection source: " + s)
		}
	}
	return nil
}

// RetryOptions converts retry-related config values to retry.Options.
func (c Config) RetryOptions() retry.Options {
	return retry.Options{
		MaxAttempts:  c.RetryMaxAttempts,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
		Jitter:       c.RetryEnableJitter,
	}
}

// ParseBool accepts the usual spellings of yes/no, returning def otherwise.
func ParseBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return def
}
