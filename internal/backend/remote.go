package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/retry"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/util"
)

// deleteBatch is the largest number of keys handed to one ObjectStore.Delete call.
const deleteBatch = 1000

// ObjectStore is the minimal surface of a bucket-style object store.
// Keys never start with "/".
type ObjectStore interface {
	Name() string
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte) error
	Delete(ctx context.Context, bucket string, keys []string) error
	// IsRetryable classifies store errors for retry.Do.
	IsRetryable(err error) bool
}

// Remote implements Backend over any ObjectStore addressed as <scheme>://<bucket>/<key>.
type Remote struct {
	Store ObjectStore
	// FS is the local side; the OS filesystem when nil.
	FS    afero.Fs
	Retry retry.Options
}

// NewRemote wraps store with the OS filesystem as local side.
func NewRemote(store ObjectStore, ro retry.Options) *Remote {
	return &Remote{Store: store, FS: afero.NewOsFs(), Retry: ro}
}

func (r *Remote) Name() string { return r.Store.Name() }

func (r *Remote) fs() afero.Fs {
	if r.FS == nil {
		return afero.NewOsFs()
	}
	return r.FS
}

// SplitURI splits "<scheme>://<bucket>/<key>" into bucket and key.
func SplitURI(uri string) (bucket, key string, err error) {
	i := strings.Index(uri, "://")
	if i < 0 {
		return "", "", fmt.Errorf("not a remote URI: %q", uri)
	}
	rest := uri[i+3:]
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("missing bucket in %q", uri)
	}
	return bucket, strings.TrimLeft(key, "/"), nil
}

// dirPrefix turns a key into a listing prefix: "" stays "", otherwise it ends with "/".
func dirPrefix(key string) string {
	key = strings.Trim(key, "/")
	if key == "" {
		return ""
	}
	return key + "/"
}

func (r *Remote) do(ctx context.Context, action, key string, fn func(context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, r.Retry, r.Store.IsRetryable, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil {
			log.Debug().Err(err).Str("action", action).Str("key", key).Int("attempt", attempt).Msg("attempt failed")
		}
		return err
	})
}

func (r *Remote) get(ctx context.Context, bucket, key string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, r.Name()+"_get", key, func(ctx context.Context) error {
		var err error
		data, err = r.Store.Get(ctx, bucket, key)
		return err
	})
	return data, err
}

func (r *Remote) put(ctx context.Context, bucket, key string, data []byte) error {
	return r.do(ctx, r.Name()+"_put", key, func(ctx context.Context) error {
		return r.Store.Put(ctx, bucket, key, data)
	})
}

func (r *Remote) list(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	err := r.do(ctx, r.Name()+"_list", prefix, func(ctx context.Context) error {
		var err error
		keys, err = r.Store.List(ctx, bucket, prefix)
		return err
	})
	return keys, err
}

func (r *Remote) delete(ctx context.Context, bucket string, keys []string) error {
	for len(keys) > 0 {
		n := min(len(keys), deleteBatch)
		batch := keys[:n]
		keys = keys[n:]
		if err := r.do(ctx, r.Name()+"_delete", batch[0], func(ctx context.Context) error {
			return r.Store.Delete(ctx, bucket, batch)
		}); err != nil {
			return err
		}
	}
	return nil
}

// PullProfiles downloads <source>/profiles.yml (or source itself when it names the file).
func (r *Remote) PullProfiles(ctx context.Context, source, destination string) (string, error) {
	bucket, key, err := SplitURI(source)
	if err != nil {
		return "", err
	}
	if path.Base(key) != ProfilesFile {
		key = dirPrefix(key) + ProfilesFile
	}

	start := time.Now()
	data, err := r.get(ctx, bucket, key)
	if err != nil {
		return "", fmt.Errorf("%s: pull profiles %q: %w", r.Name(), key, err)
	}
	fs := r.fs()
	if err := fs.MkdirAll(destination, 0o755); err != nil {
		return "", err
	}
	local := filepath.Join(destination, ProfilesFile)
	if err := afero.WriteFile(fs, local, data, 0o600); err != nil {
		return "", err
	}
	log.Info().Str("action", r.Name()+"_pull_profiles").Str("bucket", bucket).Str("key", key).
		Str("local", local).Dur("elapsed_ms", time.Since(start)).Msg("profiles pulled")
	return local, nil
}

// PullProject downloads every object under source, or extracts source when it is a zip.
func (r *Remote) PullProject(ctx context.Context, source, destination string) (string, error) {
	bucket, key, err := SplitURI(source)
	if err != nil {
		return "", err
	}
	fs := r.fs()
	start := time.Now()

	if util.IsZip(key) {
		data, err := r.get(ctx, bucket, key)
		if err != nil {
			return "", fmt.Errorf("%s: pull project %q: %w", r.Name(), key, err)
		}
		if err := util.Unzip(fs, data, destination); err != nil {
			return "", err
		}
		log.Info().Str("action", r.Name()+"_pull_project").Str("bucket", bucket).Str("key", key).
			Str("local", destination).Int("bytes", len(data)).Dur("elapsed_ms", time.Since(start)).
			Msg("project archive pulled")
		return destination, nil
	}

	prefix := dirPrefix(key)
	keys, err := r.list(ctx, bucket, prefix)
	if err != nil {
		return "", fmt.Errorf("%s: list %q: %w", r.Name(), prefix, err)
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("%s: no objects under %s://%s/%s", r.Name(), r.Name(), bucket, prefix)
	}
	// Every key is checked before anything is written.
	locals := make(map[string]string, len(keys))
	for _, k := range keys {
		rel := strings.TrimPrefix(k, prefix)
		// Skip directory markers.
		if rel == "" || strings.HasSuffix(rel, "/") {
			continue
		}
		local, err := util.SafeJoin(destination, rel)
		if err != nil {
			return "", fmt.Errorf("%s: key %q: %w", r.Name(), k, err)
		}
		locals[k] = local
	}
	if err := fs.MkdirAll(destination, 0o755); err != nil {
		return "", err
	}
	files := 0
	for _, k := range keys {
		local, ok := locals[k]
		if !ok {
			continue
		}
		data, err := r.get(ctx, bucket, k)
		if err != nil {
			return "", fmt.Errorf("%s: get %q: %w", r.Name(), k, err)
		}
		if err := fs.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return "", err
		}
		if err := afero.WriteFile(fs, local, data, 0o644); err != nil {
			return "", err
		}
		files++
	}
	log.Info().Str("action", r.Name()+"_pull_project").Str("bucket", bucket).Str("prefix", prefix).
		Str("local", destination).Int("files", files).Dur("elapsed_ms", time.Since(start)).
		Msg("project pulled")
	return destination, nil
}

// PushProject uploads the local directory source under destination, or as a zip archive.
func (r *Remote) PushProject(ctx context.Context, source, destination string, opts PushOptions) error {
	bucket, key, err := SplitURI(destination)
	if err != nil {
		return err
	}
	fs := r.fs()
	start := time.Now()

	if util.IsZip(key) {
		return r.pushZip(ctx, fs, source, bucket, key, opts, start)
	}

	prefix := dirPrefix(key)
	existing := map[string]bool{}
	if opts.DeleteBefore || !opts.Replace {
		keys, err := r.list(ctx, bucket, prefix)
		if err != nil {
			return fmt.Errorf("%s: list %q: %w", r.Name(), prefix, err)
		}
		if opts.DeleteBefore {
			if err := r.delete(ctx, bucket, keys); err != nil {
				return fmt.Errorf("%s: delete under %q: %w", r.Name(), prefix, err)
			}
			log.Info().Str("action", r.Name()+"_delete_before").Str("bucket", bucket).Str("prefix", prefix).
				Int("deleted", len(keys)).Msg("destination cleared")
		} else {
			for _, k := range keys {
				existing[k] = true
			}
		}
	}

	uploaded, skipped := 0, 0
	err = afero.Walk(fs, source, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(source, p)
		if err != nil {
			return err
		}
		k := prefix + filepath.ToSlash(rel)
		if existing[k] {
			skipped++
			log.Debug().Str("action", r.Name()+"_push_project").Str("key", k).Msg("exists, not replaced")
			return nil
		}
		data, err := afero.ReadFile(fs, p)
		if err != nil {
			return err
		}
		if err := r.put(ctx, bucket, k, data); err != nil {
			return fmt.Errorf("put %q: %w", k, err)
		}
		uploaded++
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: push project: %w", r.Name(), err)
	}
	log.Info().Str("action", r.Name()+"_push_project").Str("bucket", bucket).Str("prefix", prefix).
		Int("uploaded", uploaded).Int("skipped", skipped).Dur("elapsed_ms", time.Since(start)).
		Msg("project pushed")
	return nil
}

func (r *Remote) pushZip(ctx context.Context, fs afero.Fs, source, bucket, key string, opts PushOptions, start time.Time) error {
	if !opts.Replace || opts.DeleteBefore {
		keys, err := r.list(ctx, bucket, key)
		if err != nil {
			return fmt.Errorf("%s: list %q: %w", r.Name(), key, err)
		}
		exists := false
		for _, k := range keys {
			if k == key {
				exists = true
			}
		}
		if exists && opts.DeleteBefore {
			if err := r.delete(ctx, bucket, []string{key}); err != nil {
				return fmt.Errorf("%s: delete %q: %w", r.Name(), key, err)
			}
		} else if exists && !opts.Replace {
			log.Warn().Str("action", r.Name()+"_push_project").Str("bucket", bucket).Str("key", key).
				Msg("archive exists and replace is off, not uploading")
			return nil
		}
	}

	var buf bytes.Buffer
	if err := util.ZipDir(fs, source, &buf); err != nil {
		return err
	}
	if err := r.put(ctx, bucket, key, buf.Bytes()); err != nil {
		return fmt.Errorf("%s: put %q: %w", r.Name(), key, err)
	}
	log.Info().Str("action", r.Name()+"_push_project").Str("bucket", bucket).Str("key", key).
		Int("bytes", buf.Len()).Dur("elapsed_ms", time.Since(start)).Msg("project archive pushed")
	return nil
}
