// Package localfs is the backend for plain paths and file:// URIs.
package localfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/backend"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/util"
)

func init() {
	factory := func(_ context.Context, _ string, _ backend.Env) (backend.Backend, error) {
		return New(afero.NewOsFs()), nil
	}
	backend.Register("", factory)
	backend.Register("file", factory)
}

// Backend copies files between local directories.
type Backend struct {
	fs afero.Fs
}

// New returns a backend working on fs.
func New(fs afero.Fs) *Backend {
	return &Backend{fs: fs}
}

func (b *Backend) Name() string { return "localfs" }

// localPath strips a file:// scheme.
func localPath(p string) string {
	if strings.HasPrefix(p, "file://") {
		return filepath.FromSlash(strings.TrimPrefix(p, "file://"))
	}
	return p
}

// PullProfiles copies profiles.yml (source is the file or its directory) into destination.
func (b *Backend) PullProfiles(_ context.Context, source, destination string) (string, error) {
	src := localPath(source)
	if filepath.Base(src) != backend.ProfilesFile {
		src = filepath.Join(src, backend.ProfilesFile)
	}
	if err := b.fs.MkdirAll(destination, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(destination, backend.ProfilesFile)
	if err := b.copyFile(src, dst); err != nil {
		return "", fmt.Errorf("localfs: pull profiles: %w", err)
	}
	log.Info().Str("action", "localfs_pull_profiles").Str("source", src).Str("local", dst).Msg("profiles pulled")
	return dst, nil
}

// PullProject copies a project directory, or extracts a zip, into destination.
func (b *Backend) PullProject(_ context.Context, source, destination string) (string, error) {
	src := localPath(source)
	start := time.Now()
	if util.IsZip(src) {
		data, err := afero.ReadFile(b.fs, src)
		if err != nil {
			return "", fmt.Errorf("localfs: read archive: %w", err)
		}
		if err := util.Unzip(b.fs, data, destination); err != nil {
			return "", err
		}
	} else {
		if _, _, err := b.copyTree(src, destination, true); err != nil {
			return "", fmt.Errorf("localfs: pull project: %w", err)
		}
	}
	log.Info().Str("action", "localfs_pull_project").Str("source", src).Str("local", destination).
		Dur("elapsed_ms", time.Since(start)).Msg("project pulled")
	return destination, nil
}

// PushProject copies source into destination, or writes a zip when destination ends in .zip.
func (b *Backend) PushProject(_ context.Context, source, destination string, opts backend.PushOptions) error {
	dst := localPath(destination)
	start := time.Now()

	if opts.DeleteBefore {
		if err := b.fs.RemoveAll(dst); err != nil {
			return fmt.Errorf("localfs: delete before push: %w", err)
		}
	}

	if util.IsZip(dst) {
		if exists, _ := afero.Exists(b.fs, dst); exists && !opts.Replace {
			log.Warn().Str("action", "localfs_push_project").Str("destination", dst).
				Msg("archive exists and replace is off, not writing")
			return nil
		}
		var buf bytes.Buffer
		if err := util.ZipDir(b.fs, source, &buf); err != nil {
			return err
		}
		if err := b.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := afero.WriteFile(b.fs, dst, buf.Bytes(), 0o644); err != nil {
			return fmt.Errorf("localfs: write archive: %w", err)
		}
		log.Info().Str("action", "localfs_push_project").Str("destination", dst).Int("bytes", buf.Len()).
			Dur("elapsed_ms", time.Since(start)).Msg("project archive pushed")
		return nil
	}

	copied, skipped, err := b.copyTree(source, dst, opts.Replace)
	if err != nil {
		return fmt.Errorf("localfs: push project: %w", err)
	}
	log.Info().Str("action", "localfs_push_project").Str("destination", dst).Int("copied", copied).
		Int("skipped", skipped).Dur("elapsed_ms", time.Since(start)).Msg("project pushed")
	return nil
}

// copyTree mirrors src into dst. Existing files are overwritten only when replace is set,
// and never when their content is already identical.
func (b *Backend) copyTree(src, dst string, replace bool) (copied, skipped int, err error) {
	info, err := b.fs.Stat(src)
	if err != nil {
		return 0, 0, err
	}
	if !info.IsDir() {
		return 0, 0, fmt.Errorf("%q is not a directory", src)
	}
	// Copying a directory into itself would never terminate.
	if rel, err := filepath.Rel(src, dst); err == nil && !strings.HasPrefix(rel, "..") && rel != "." {
		return 0, 0, fmt.Errorf("destination %q is inside source %q", dst, src)
	}
	if filepath.Clean(src) == filepath.Clean(dst) {
		return 0, 0, nil
	}

	err = afero.Walk(b.fs, src, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if fi.IsDir() {
			return b.fs.MkdirAll(target, 0o755)
		}
		if exists, _ := afero.Exists(b.fs, target); exists {
			if !replace || util.SameContent(b.fs, p, target) {
				skipped++
				return nil
			}
		}
		if err := b.copyFile(p, target); err != nil {
			return err
		}
		copied++
		return nil
	})
	return copied, skipped, err
}

func (b *Backend) copyFile(src, dst string) error {
	in, err := b.fs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := b.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := b.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
