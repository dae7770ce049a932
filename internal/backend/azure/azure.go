// Package azure is the backend for azblob://<container>/<path> URIs, built on a wasb connection.
package azure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/backend"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/util"
)

const Scheme = "azblob"

func init() {
	backend.Register(Scheme, func(ctx context.Context, connID string, env backend.Env) (backend.Backend, error) {
		return New(ctx, connID, env)
	})
}

// Backend is an Azure Blob backend bound to one connection id.
type Backend struct {
	*backend.Remote
	ConnID string
}

// New builds the blob client from the wasb connection named connID.
func New(ctx context.Context, connID string, env backend.Env) (*Backend, error) {
	conn, found, err := env.Connection(ctx, connID)
	if err != nil {
		return nil, fmt.Errorf("azure: connection %q: %w", connID, err)
	}
	client, method, err := newClient(conn)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("action", "azure_backend_new").Str("conn_id", connID).Bool("conn_found", found).
		Str("auth", method).Msg("azure backend created")
	return &Backend{
		Remote: backend.NewRemote(&store{client: client}, env.Retry),
		ConnID: connID,
	}, nil
}

// store treats the URI "bucket" as the container name.
type store struct {
	client *azblob.Client
}

func (s *store) Name() string { return Scheme }

func (s *store) List(ctx context.Context, container, prefix string) ([]string, error) {
	opts := &azblob.ListBlobsFlatOptions{}
	if prefix != "" {
		opts.Prefix = to.Ptr(prefix)
	}
	pager := s.client.NewListBlobsFlatPager(container, opts)
	var keys []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, describe(container, err)
		}
		for _, it := range page.Segment.BlobItems {
			if it.Name != nil {
				keys = append(keys, *it.Name)
			}
		}
	}
	return keys, nil
}

func (s *store) Get(ctx context.Context, container, key string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, container, key, nil)
	if err != nil {
		return nil, describe(container, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

// Put uploads with a sha256 metadata entry, then validates the stored size by listing.
func (s *store) Put(ctx context.Context, container, key string, data []byte) error {
	sum, size, err := util.SHA256Reader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("checksum: %w", err)
	}
	start := time.Now()
	_, err = s.client.UploadBuffer(ctx, container, key, data, &azblob.UploadBufferOptions{
		Metadata: map[string]*string{"sha256": to.Ptr(sum)},
	})
	if err != nil {
		return describe(container, err)
	}

	found, remoteSize, err := s.sizeByList(ctx, container, key)
	if err != nil {
		return fmt.Errorf("validate (list): %w", err)
	}
	if !found {
		return fmt.Errorf("uploaded blob not found at %q", key)
	}
	if remoteSize != size {
		return fmt.Errorf("size mismatch: local=%d, remote=%d", size, remoteSize)
	}
	log.Debug().Str("action", "azure_upload").Str("container", container).Str("key", key).
		Int64("size", size).Dur("elapsed_ms", time.Since(start)).Msg("upload OK (size validated)")
	return nil
}

func (s *store) Delete(ctx context.Context, container string, keys []string) error {
	for _, k := range keys {
		_, err := s.client.DeleteBlob(ctx, container, k, nil)
		if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
			return fmt.Errorf("delete %q: %w", k, describe(container, err))
		}
	}
	return nil
}

// sizeByList finds the exact blob and returns (found, size).
func (s *store) sizeByList(ctx context.Context, container, exactKey string) (bool, int64, error) {
	pager := s.client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{
		Prefix:     to.Ptr(exactKey),
		MaxResults: to.Ptr(int32(1)),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return false, 0, err
		}
		for _, it := range page.Segment.BlobItems {
			if it.Name != nil && *it.Name == exactKey {
				if it.Properties != nil && it.Properties.ContentLength != nil {
					return true, *it.Properties.ContentLength, nil
				}
				return true, 0, nil
			}
		}
	}
	return false, 0, nil
}

// describe turns access errors into actionable messages, keeping the original wrapped.
func describe(container string, err error) error {
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case string(bloberror.ContainerNotFound):
			return fmt.Errorf("container %q not found: %w", container, err)
		case string(bloberror.AuthorizationFailure),
			string(bloberror.AuthorizationPermissionMismatch),
			string(bloberror.AuthenticationFailed):
			return fmt.Errorf("not authorized for container %q (a SAS needs at least rwdl): %w", container, err)
		}
	}
	return err
}

// IsRetryable: retry rules for Azure (timeout, 5xx, 429, 408, ServerBusy).
func (s *store) IsRetryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		if re.StatusCode == http.StatusTooManyRequests || re.StatusCode == http.StatusRequestTimeout {
			return true
		}
		if re.StatusCode >= 500 && re.StatusCode <= 599 {
			return true
		}
		if re.ErrorCode == string(bloberror.ServerBusy) {
			return true
		}
	}
	return false
}
