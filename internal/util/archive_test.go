package util

import (
	"archive/zip"
	"bytes"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZipDirUnzip_RoundTripsTree(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/dbt_project.yml", []byte("name: demo\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/src/models/a.sql", []byte("select 1"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, ZipDir(fs, "/src", &buf))
	require.NoError(t, Unzip(fs, buf.Bytes(), "/dst"))

	got, err := afero.ReadFile(fs, "/dst/models/a.sql")
	require.NoError(t, err)
	assert.Equal(t, "select 1", string(got))
	assert.True(t, SameContent(fs, "/src/dbt_project.yml", "/dst/dbt_project.yml"))
}

func TestUnzip_RejectsEscapingEntries(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("../evil.sql")
	require.NoError(t, err)
	_, _ = w.Write([]byte("drop table x"))
	require.NoError(t, zw.Close())

	err = Unzip(afero.NewMemMapFs(), buf.Bytes(), "/dst")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes destination")
}

func TestSafeJoin(t *testing.T) {
	got, err := SafeJoin("/dst", "models/a.sql")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/dst", "models", "a.sql"), got)

	got, err = SafeJoin("/dst", "models/../a.sql")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/dst", "a.sql"), got)

	for _, name := range []string{"..", "../x", "a/../../x", "../dst-sibling/x"} {
		_, err := SafeJoin("/dst", name)
		assert.Error(t, err, name)
	}
}

func TestIsZip(t *testing.T) {
	assert.True(t, IsZip("s3://bucket/project.ZIP"))
	assert.False(t, IsZip("/path/to/project"))
}

func TestSHA256File(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/f", []byte("abc"), 0o644))
	sum, n, err := SHA256File(fs, "/f")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
	assert.False(t, SameContent(fs, "/f", "/missing"))
}
