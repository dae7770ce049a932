package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsToEnvSource(t *testing.T) {
	t.Setenv("DBT_HOOK_CONN_SOURCES", "")
	t.Setenv("DBT_HOOK_CONNECTIONS_FILE", "")
	t.Setenv("VAULT_ADDR", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{SourceEnv}, cfg.ConnSources)
	assert.Equal(t, "dbt", cfg.Dbt.Executable)
	assert.Equal(t, "secret", cfg.Vault.Mount)
	assert.Equal(t, "connections", cfg.Vault.ConnectionsPath)
	assert.Equal(t, 2, cfg.Vault.KVVersion)
}

func TestLoad_DerivesFileAndVaultSources(t *testing.T) {
	t.Setenv("DBT_HOOK_CONN_SOURCES", "")
	t.Setenv("DBT_HOOK_CONNECTIONS_FILE", "/etc/conns.yaml")
	t.Setenv("VAULT_ADDR", "http://vault:8200")
	t.Setenv("VAULT_AUTH_METHOD", "")
	t.Setenv("VAULT_TOKEN", "s.abc")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{SourceEnv, SourceFile, SourceVault}, cfg.ConnSources)
	assert.Equal(t, "token", cfg.Auth.Method)
}

func TestLoad_VaultWithoutAuthFails(t *testing.T) {
	t.Setenv("DBT_HOOK_CONN_SOURCES", "vault")
	t.Setenv("VAULT_ADDR", "http://vault:8200")
	t.Setenv("VAULT_AUTH_METHOD", "")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_K8S_ROLE", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_UnknownSourceFails(t *testing.T) {
	t.Setenv("DBT_HOOK_CONN_SOURCES", "env,ldap")
	_, err := Load()
	require.EqualError(t, err, "unsupported connection source: ldap")
}

func TestLoad_RetryAndPushKnobs(t *testing.T) {
	t.Setenv("DBT_HOOK_CONN_SOURCES", "env")
	t.Setenv("RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("RETRY_INITIAL_DELAY", "1s")
	t.Setenv("PUSH_REPLACE", "yes")
	t.Setenv("PUSH_DELETE_BEFORE", "off")
	t.Setenv("DBT_TARGET_AS_DEFAULT", "true")

	cfg, err := Load()
	require.NoError(t, err)
	ro := cfg.RetryOptions()
	assert.Equal(t, 7, ro.MaxAttempts)
	assert.Equal(t, time.Second, ro.InitialDelay)
	assert.True(t, cfg.Dbt.PushReplace)
	assert.False(t, cfg.Dbt.PushDelete)
	assert.True(t, cfg.Dbt.TargetAsDefault)
}
