package gcs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/backend"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/connection"
)

func TestClientOptions(t *testing.T) {
	opts, err := ClientOptions(connection.Connection{}, false)
	require.NoError(t, err)
	assert.Empty(t, opts)

	opts, err = ClientOptions(connection.Connection{Extra: map[string]any{
		"key_path": "/secrets/sa.json",
		"endpoint": "http://fake-gcs:4443/storage/v1/",
	}}, true)
	require.NoError(t, err)
	assert.Len(t, opts, 2)

	opts, err = ClientOptions(connection.Connection{Extra: map[string]any{
		"keyfile_dict": map[string]any{"type": "service_account"},
	}}, true)
	require.NoError(t, err)
	assert.Len(t, opts, 1)

	opts, err = ClientOptions(connection.Connection{Extra: map[string]any{"anonymous": "true"}}, true)
	require.NoError(t, err)
	assert.Len(t, opts, 1)
}

func TestClientOptions_BadKeyfile(t *testing.T) {
	_, err := ClientOptions(connection.Connection{Extra: map[string]any{"keyfile_dict": "{not json"}}, true)
	require.Error(t, err)
	_, err = ClientOptions(connection.Connection{Extra: map[string]any{"keyfile_dict": 42.0}}, true)
	require.Error(t, err)
}

func TestRegistered(t *testing.T) {
	_, err := backend.Lookup("gs")
	require.NoError(t, err)
}

func TestStore_IsRetryable(t *testing.T) {
	assert.False(t, (&store{}).IsRetryable(errors.New("permanent")))
}
