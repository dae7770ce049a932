package backend

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/retry"
)

var errFlaky = errors.New("flaky")

// memStore is an in-memory ObjectStore; failGets makes the first N Get calls fail.
type memStore struct {
	objects  map[string][]byte // "<bucket>/<key>"
	failGets int
	deleted  []string
}

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }

func (m *memStore) Name() string { return "mem" }

func (m *memStore) List(_ context.Context, bucket, prefix string) ([]string, error) {
	var out []string
	for k := range m.objects {
		b, key, _ := strings.Cut(k, "/")
		if b == bucket && strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	if m.failGets > 0 {
		m.failGets--
		return nil, errFlaky
	}
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

func (m *memStore) Put(_ context.Context, bucket, key string, data []byte) error {
	m.objects[bucket+"/"+key] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) Delete(_ context.Context, bucket string, keys []string) error {
	for _, k := range keys {
		delete(m.objects, bucket+"/"+k)
		m.deleted = append(m.deleted, k)
	}
	return nil
}

func (m *memStore) IsRetryable(err error) bool { return errors.Is(err, errFlaky) }

func newTestRemote(store *memStore) (*Remote, afero.Fs) {
	fs := afero.NewMemMapFs()
	return &Remote{
		Store: store,
		FS:    fs,
		Retry: retry.Options{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}, fs
}

func TestSplitURI(t *testing.T) {
	b, k, err := SplitURI("s3://bucket/path/to/project/")
	require.NoError(t, err)
	assert.Equal(t, "bucket", b)
	assert.Equal(t, "path/to/project/", k)

	b, k, err = SplitURI("gs://bucket")
	require.NoError(t, err)
	assert.Equal(t, "bucket", b)
	assert.Empty(t, k)

	_, _, err = SplitURI("s3:///key")
	require.Error(t, err)
	_, _, err = SplitURI("/local/path")
	require.Error(t, err)
}

func TestRemote_PullProfilesFromDirectory(t *testing.T) {
	store := newMemStore()
	store.objects["b/profiles/profiles.yml"] = []byte("default: {}\n")
	store.failGets = 1
	r, fs := newTestRemote(store)

	got, err := r.PullProfiles(context.Background(), "mem://b/profiles/", "/work/profiles")
	require.NoError(t, err)
	assert.Equal(t, "/work/profiles/profiles.yml", got)
	data, err := afero.ReadFile(fs, got)
	require.NoError(t, err)
	assert.Equal(t, "default: {}\n", string(data))
}

func TestRemote_PullProfilesFromFileKey(t *testing.T) {
	store := newMemStore()
	store.objects["b/x/profiles.yml"] = []byte("p: {}\n")
	r, _ := newTestRemote(store)

	got, err := r.PullProfiles(context.Background(), "mem://b/x/profiles.yml", "/w")
	require.NoError(t, err)
	assert.Equal(t, "/w/profiles.yml", got)
}

func TestRemote_PullProjectPrefix(t *testing.T) {
	store := newMemStore()
	store.objects["b/project/dbt_project.yml"] = []byte("name: demo\n")
	store.objects["b/project/models/a.sql"] = []byte("select 1")
	store.objects["b/project/models/"] = nil
	store.objects["b/projectX/other.sql"] = []byte("nope")
	r, fs := newTestRemote(store)

	got, err := r.PullProject(context.Background(), "mem://b/project", "/work/project")
	require.NoError(t, err)
	assert.Equal(t, "/work/project", got)

	data, err := afero.ReadFile(fs, "/work/project/models/a.sql")
	require.NoError(t, err)
	assert.Equal(t, "select 1", string(data))
	exists, _ := afero.Exists(fs, "/work/project/other.sql")
	assert.False(t, exists)
}

func TestRemote_PullProjectRejectsEscapingKeys(t *testing.T) {
	store := newMemStore()
	store.objects["b/proj/dbt_project.yml"] = []byte("name: demo\n")
	store.objects["b/proj/../../escaped.txt"] = []byte("owned")
	r, fs := newTestRemote(store)

	_, err := r.PullProject(context.Background(), "mem://b/proj/", "/work/project")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")

	exists, _ := afero.Exists(fs, "/escaped.txt")
	assert.False(t, exists)
	exists, _ = afero.Exists(fs, "/work/project/dbt_project.yml")
	assert.False(t, exists, "nothing is written when a key escapes")
}

func TestRemote_PullProjectEmptyPrefixFails(t *testing.T) {
	r, _ := newTestRemote(newMemStore())
	_, err := r.PullProject(context.Background(), "mem://b/missing/", "/work")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no objects under")
}

func TestRemote_PullProjectZip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("models/a.sql")
	require.NoError(t, err)
	_, _ = w.Write([]byte("select 2"))
	require.NoError(t, zw.Close())

	store := newMemStore()
	store.objects["b/project.zip"] = buf.Bytes()
	r, fs := newTestRemote(store)

	_, err = r.PullProject(context.Background(), "mem://b/project.zip", "/work/project")
	require.NoError(t, err)
	data, err := afero.ReadFile(fs, "/work/project/models/a.sql")
	require.NoError(t, err)
	assert.Equal(t, "select 2", string(data))
}

func seedProject(t *testing.T, fs afero.Fs) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, "/src/dbt_project.yml", []byte("name: demo\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/target/run_results.json", []byte("{}"), 0o644))
}

func TestRemote_PushProjectKeepsExistingWithoutReplace(t *testing.T) {
	store := newMemStore()
	store.objects["b/out/dbt_project.yml"] = []byte("old")
	r, fs := newTestRemote(store)
	seedProject(t, fs)

	require.NoError(t, r.PushProject(context.Background(), "/src", "mem://b/out", PushOptions{}))
	assert.Equal(t, "old", string(store.objects["b/out/dbt_project.yml"]))
	assert.Equal(t, "{}", string(store.objects["b/out/target/run_results.json"]))
}

func TestRemote_PushProjectReplace(t *testing.T) {
	store := newMemStore()
	store.objects["b/out/dbt_project.yml"] = []byte("old")
	r, fs := newTestRemote(store)
	seedProject(t, fs)

	require.NoError(t, r.PushProject(context.Background(), "/src", "mem://b/out/", PushOptions{Replace: true}))
	assert.Equal(t, "name: demo\n", string(store.objects["b/out/dbt_project.yml"]))
}

func TestRemote_PushProjectDeleteBefore(t *testing.T) {
	store := newMemStore()
	store.objects["b/out/stale.sql"] = []byte("stale")
	r, fs := newTestRemote(store)
	seedProject(t, fs)

	require.NoError(t, r.PushProject(context.Background(), "/src", "mem://b/out", PushOptions{DeleteBefore: true}))
	_, stale := store.objects["b/out/stale.sql"]
	assert.False(t, stale)
	assert.Equal(t, []string{"out/stale.sql"}, store.deleted)
	assert.Contains(t, store.objects, "b/out/dbt_project.yml")
}

func TestRemote_PushProjectZip(t *testing.T) {
	store := newMemStore()
	r, fs := newTestRemote(store)
	seedProject(t, fs)

	require.NoError(t, r.PushProject(context.Background(), "/src", "mem://b/archive/project.zip", PushOptions{}))
	data := store.objects["b/archive/project.zip"]
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"dbt_project.yml", "target/run_results.json"}, names)

	// An existing archive is kept unless Replace is set.
	store.objects["b/archive/project.zip"] = []byte("old")
	require.NoError(t, r.PushProject(context.Background(), "/src", "mem://b/archive/project.zip", PushOptions{}))
	assert.Equal(t, "old", string(store.objects["b/archive/project.zip"]))
}
