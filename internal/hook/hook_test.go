package hook

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/backend"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/backend/localfs"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/backend/s3"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/config"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/connection"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/retry"
)

// call records what a fakeBackend received.
type call struct {
	method      string
	source      string
	destination string
	opts        backend.PushOptions
}

type fakeBackend struct {
	calls []call
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) PullProfiles(_ context.Context, source, destination string) (string, error) {
	f.calls = append(f.calls, call{method: "pull_profiles", source: source, destination: destination})
	return "profiles-result", nil
}

func (f *fakeBackend) PullProject(_ context.Context, source, destination string) (string, error) {
	f.calls = append(f.calls, call{method: "pull_project", source: source, destination: destination})
	return "project-result", nil
}

func (f *fakeBackend) PushProject(_ context.Context, source, destination string, opts backend.PushOptions) error {
	f.calls = append(f.calls, call{method: "push_project", source: source, destination: destination, opts: opts})
	return errors.New("push-result")
}

func TestGetBackend_CachesPerKey(t *testing.T) {
	h := New(nil, retry.Options{})
	ctx := context.Background()

	a, err := h.GetBackend(ctx, "", "conn_a")
	require.NoError(t, err)
	assert.IsType(t, &localfs.Backend{}, a)

	again, err := h.GetBackend(ctx, "", "conn_a")
	require.NoError(t, err)
	assert.Same(t, a, again)

	b, err := h.GetBackend(ctx, "", "conn_b")
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	s, err := h.GetBackend(ctx, "s3", "conn_a")
	require.NoError(t, err)
	require.IsType(t, &s3.Backend{}, s)
	assert.Equal(t, "conn_a", s.(*s3.Backend).ConnID)
}

func TestGetBackend_HooksDoNotShare(t *testing.T) {
	ctx := context.Background()
	a, err := New(nil, retry.Options{}).GetBackend(ctx, "file", "c")
	require.NoError(t, err)
	b, err := New(nil, retry.Options{}).GetBackend(ctx, "file", "c")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestGetBackend_NotImplemented(t *testing.T) {
	h := New(nil, retry.Options{})
	_, err := h.GetBackend(context.Background(), "does-not-exist", "c")
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrNotImplemented))

	_, err = h.PullDbtProject(context.Background(), "ftp://host/project", "/tmp/x", "")
	assert.True(t, errors.Is(err, backend.ErrNotImplemented))
}

func TestGetBackend_FactoryError(t *testing.T) {
	h := New(nil, retry.Options{})
	h.lookup = func(string) (backend.Factory, error) {
		return func(context.Context, string, backend.Env) (backend.Backend, error) {
			return nil, errors.New("no credentials")
		}, nil
	}
	_, err := h.GetBackend(context.Background(), "x", "c")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials")
	assert.Empty(t, h.backends)
}

func TestPassThrough(t *testing.T) {
	h := New(nil, retry.Options{})
	fake := &fakeBackend{}
	h.SetBackend("", "conn_id", fake)
	h.SetBackend("s3", "conn_id", fake)
	ctx := context.Background()

	got, err := h.PullDbtProfiles(ctx, "/path/to/profiles", "/path/to/store", "conn_id")
	require.NoError(t, err)
	assert.Equal(t, "profiles-result", got)

	got, err = h.PullDbtProject(ctx, "/path/to/project", "/path/to/store", "conn_id")
	require.NoError(t, err)
	assert.Equal(t, "project-result", got)

	opts := backend.PushOptions{Replace: true, DeleteBefore: true}
	err = h.PushDbtProject(ctx, "/path/to/project", "s3://bucket/project", "conn_id", opts)
	require.EqualError(t, err, "push-result")

	assert.Equal(t, []call{
		{method: "pull_profiles", source: "/path/to/profiles", destination: "/path/to/store"},
		{method: "pull_project", source: "/path/to/project", destination: "/path/to/store"},
		{method: "push_project", source: "/path/to/project", destination: "s3://bucket/project", opts: opts},
	}, fake.calls)
}

func TestPassThrough_UnparsableURIKeepsScheme(t *testing.T) {
	h := New(nil, retry.Options{})
	fake := &fakeBackend{}
	h.SetBackend("s3", "aws_default", fake)
	ctx := context.Background()

	err := h.PushDbtProject(ctx, "/path/to/project", "s3://bucket/run-100%done", "aws_default", backend.PushOptions{Replace: true})
	require.EqualError(t, err, "push-result")
	require.Len(t, fake.calls, 1)
	assert.Equal(t, "s3://bucket/run-100%done", fake.calls[0].destination)
	assert.NotContains(t, h.backends, Key{Scheme: "", ConnID: "aws_default"})

	_, err = h.PullDbtProject(ctx, "://bucket/project", "/tmp/x", "aws_default")
	require.True(t, errors.Is(err, backend.ErrNotImplemented))
	assert.NotContains(t, h.backends, Key{Scheme: "", ConnID: "aws_default"})
}

func TestGetTargetFromConnection(t *testing.T) {
	conns := connection.MapStore{
		"pg_default": {Type: "postgres", Host: "db", Port: 5432, Login: "dbt", Password: "pw", Schema: "analytics"},
	}
	uri, err := connection.ParseURI("dbt_test", "postgres://db:5432/public?dbname=warehouse")
	require.NoError(t, err)
	conns["dbt_test"] = uri

	h := New(conns, retry.Options{})
	ctx := context.Background()

	got, err := h.GetTargetFromConnection(ctx, "pg_default")
	require.NoError(t, err)
	require.Contains(t, got, "pg_default")
	tgt := got["pg_default"]
	assert.Equal(t, "postgres", tgt["type"])
	assert.Equal(t, "dbt", tgt["user"])
	assert.Equal(t, "pw", tgt["password"])
	assert.Equal(t, "analytics", tgt["dbname"])
	assert.Equal(t, "analytics", tgt["schema"])

	got, err = h.GetTargetFromConnection(ctx, "dbt_test")
	require.NoError(t, err)
	assert.Equal(t, "postgres", got["dbt_test"]["type"])
	assert.NotContains(t, got["dbt_test"], "user")
	assert.Equal(t, "warehouse", got["dbt_test"]["dbname"])
	assert.Equal(t, "public", got["dbt_test"]["schema"])

	for _, id := range []string{"non_existent", ""} {
		got, err = h.GetTargetFromConnection(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (connection.Connection, error) {
	return connection.Connection{}, errors.New("vault sealed")
}

func TestGetTargetFromConnection_StoreError(t *testing.T) {
	h := New(failingStore{}, retry.Options{})
	_, err := h.GetTargetFromConnection(context.Background(), "pg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault sealed")
}

func TestStores(t *testing.T) {
	t.Setenv("AIRFLOW_CONN_FROM_ENV", "postgres://u:p@h:1/db")
	s, err := Stores(config.Config{ConnSources: []string{config.SourceEnv, config.SourceFile}, ConnectionsFile: "/nonexistent.yaml"}, nil)
	require.NoError(t, err)
	c, err := s.Get(context.Background(), "from_env")
	require.NoError(t, err)
	assert.Equal(t, "u", c.Login)

	_, err = Stores(config.Config{ConnSources: []string{"ldap"}}, nil)
	require.Error(t, err)
}
