package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/backend"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/connection"
)

func TestEndpointOf(t *testing.T) {
	t.Setenv("AZURE_BLOB_ENDPOINT", "")
	assert.Equal(t, "https://acct.blob.core.windows.net/", endpointOf(connection.Connection{}, "acct"))
	assert.Equal(t, "https://custom.example/", endpointOf(connection.Connection{Host: "custom.example"}, "acct"))
	assert.Equal(t, "http://azurite:10000/devstoreaccount1/",
		endpointOf(connection.Connection{Host: "http://azurite:10000/devstoreaccount1"}, "acct"))

	t.Setenv("AZURE_BLOB_ENDPOINT", "http://env-endpoint")
	assert.Equal(t, "http://env-endpoint/", endpointOf(connection.Connection{}, "acct"))
}

func TestAccountOf(t *testing.T) {
	assert.Equal(t, "login", accountOf(connection.Connection{Login: "login"}))
	assert.Equal(t, "extra", accountOf(connection.Connection{Login: "login", Extra: map[string]any{"account_name": "extra"}}))
}

func TestNewClient_Priority(t *testing.T) {
	t.Setenv("AZURE_BLOB_ENDPOINT", "")

	_, method, err := newClient(connection.Connection{
		Login:    "acct",
		Password: "c2VjcmV0",
		Extra:    map[string]any{"sas_token": "?sv=2024&sig=abc"},
	})
	require.NoError(t, err)
	assert.Equal(t, authSAS, method)

	_, method, err = newClient(connection.Connection{
		Login:    "acct",
		Password: "c2VjcmV0",
		Extra:    map[string]any{"tenant_id": "t", "client_id": "c", "client_secret": "s"},
	})
	require.NoError(t, err)
	assert.Equal(t, authSP, method)

	_, method, err = newClient(connection.Connection{Login: "acct", Password: "c2VjcmV0"})
	require.NoError(t, err)
	assert.Equal(t, authSharedKey, method)
}

func TestNewClient_NoAccount(t *testing.T) {
	t.Setenv("AZURE_BLOB_ENDPOINT", "")
	_, _, err := newClient(connection.Connection{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no storage account")
}

func TestNew_BindsConnID(t *testing.T) {
	t.Setenv("AZURE_BLOB_ENDPOINT", "")
	env := backend.Env{Connections: connection.MapStore{
		"wasb_default": {Type: "wasb", Login: "acct", Extra: map[string]any{"sas_token": "sv=1&sig=x"}},
	}}
	f, err := backend.Lookup("azblob")
	require.NoError(t, err)
	b, err := f(context.Background(), "wasb_default", env)
	require.NoError(t, err)
	require.IsType(t, &Backend{}, b)
	assert.Equal(t, "wasb_default", b.(*Backend).ConnID)
	assert.Equal(t, "azblob", b.Name())
}

func TestStore_IsRetryable(t *testing.T) {
	s := &store{}
	assert.True(t, s.IsRetryable(&azcore.ResponseError{StatusCode: http.StatusTooManyRequests}))
	assert.True(t, s.IsRetryable(&azcore.ResponseError{StatusCode: http.StatusBadGateway}))
	assert.True(t, s.IsRetryable(fmt.Errorf("wrapped: %w", &azcore.ResponseError{ErrorCode: "ServerBusy"})))
	assert.False(t, s.IsRetryable(&azcore.ResponseError{StatusCode: http.StatusForbidden}))
	assert.False(t, s.IsRetryable(errors.New("boom")))
}

func TestDescribe(t *testing.T) {
	err := describe("dbt", &azcore.ResponseError{StatusCode: 404, ErrorCode: "ContainerNotFound"})
	assert.Contains(t, err.Error(), `container "dbt" not found`)

	err = describe("dbt", &azcore.ResponseError{StatusCode: 403, ErrorCode: "AuthorizationPermissionMismatch"})
	assert.Contains(t, err.Error(), "not authorized")

	plain := errors.New("plain")
	assert.Equal(t, plain, describe("dbt", plain))
}
