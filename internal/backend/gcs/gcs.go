// Package gcs is the backend for gs:// URIs, built on a Google Cloud connection.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/backend"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/connection"
)

const Scheme = "gs"

func init() {
	backend.Register(Scheme, func(ctx context.Context, connID string, env backend.Env) (backend.Backend, error) {
		return New(ctx, connID, env)
	})
}

// Backend is a GCS backend bound to one connection id.
type Backend struct {
	*backend.Remote
	ConnID string
}

// New builds the storage client from the google_cloud_platform connection named connID.
// Without a connection, application default credentials apply.
func New(ctx context.Context, connID string, env backend.Env) (*Backend, error) {
	conn, found, err := env.Connection(ctx, connID)
	if err != nil {
		return nil, fmt.Errorf("gcs: connection %q: %w", connID, err)
	}
	opts, err := ClientOptions(conn, found)
	if err != nil {
		return nil, fmt.Errorf("gcs: %w", err)
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: failed to create storage client: %w", err)
	}
	log.Debug().Str("action", "gcs_backend_new").Str("conn_id", connID).Bool("conn_found", found).
		Int("options", len(opts)).Msg("gcs backend created")
	return &Backend{
		Remote: backend.NewRemote(&store{client: client}, env.Retry),
		ConnID: connID,
	}, nil
}

// ClientOptions maps connection extras onto client options:
// key_path (credentials file), keyfile_dict (inline JSON key), endpoint, anonymous.
func ClientOptions(c connection.Connection, found bool) ([]option.ClientOption, error) {
	if !found {
		return nil, nil
	}
	var opts []option.ClientOption
	switch {
	case c.ExtraString("key_path") != "":
		opts = append(opts, option.WithCredentialsFile(c.ExtraString("key_path")))
	case c.Extra["keyfile_dict"] != nil:
		raw, err := keyfileJSON(c.Extra["keyfile_dict"])
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithCredentialsJSON(raw))
	case c.ExtraBool("anonymous", false):
		opts = append(opts, option.WithoutAuthentication())
	}
	if ep := c.ExtraString("endpoint"); ep != "" {
		opts = append(opts, option.WithEndpoint(ep))
	}
	return opts, nil
}

// keyfileJSON accepts the key either as a JSON string or as a nested object.
func keyfileJSON(v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		if !json.Valid([]byte(t)) {
			return nil, errors.New("keyfile_dict is not valid JSON")
		}
		return []byte(t), nil
	case map[string]any:
		return json.Marshal(t)
	}
	return nil, errors.New("keyfile_dict must be a JSON string or an object")
}

type store struct {
	client *storage.Client
}

func (s *store) Name() string { return Scheme }

func (s *store) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return keys, nil
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, attrs.Name)
	}
}

func (s *store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *store) Put(ctx context.Context, bucket, key string, data []byte) error {
	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *store) Delete(ctx context.Context, bucket string, keys []string) error {
	for _, k := range keys {
		err := s.client.Bucket(bucket).Object(k).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("delete %q: %w", k, err)
		}
	}
	return nil
}

// IsRetryable uses the client library's own transient-error rules.
func (s *store) IsRetryable(err error) bool {
	return storage.ShouldRetry(err)
}
