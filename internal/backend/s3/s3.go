// Package s3 is the backend for s3:// URIs, built on an AWS connection.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	aws_s3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/backend"
	"github.com/Chapsvision-dev/airflow-dbt-hook/internal/connection"
)

const Scheme = "s3"

func init() {
	backend.Register(Scheme, func(ctx context.Context, connID string, env backend.Env) (backend.Backend, error) {
		return New(ctx, connID, env)
	})
}

// Backend is an S3 backend bound to one AWS connection id.
type Backend struct {
	*backend.Remote
	ConnID string
}

// New builds the S3 session from the AWS connection named connID. Without a connection the
// SDK default credential chain applies.
func New(ctx context.Context, connID string, env backend.Env) (*Backend, error) {
	conn, found, err := env.Connection(ctx, connID)
	if err != nil {
		return nil, fmt.Errorf("s3: connection %q: %w", connID, err)
	}
	sess, err := NewSession(conn, found)
	if err != nil {
		return nil, fmt.Errorf("s3: unable to create session: %w", err)
	}
	log.Debug().Str("action", "s3_backend_new").Str("conn_id", connID).Bool("conn_found", found).
		Str("region", aws.StringValue(sess.Config.Region)).Msg("s3 backend created")

	uploader := s3manager.NewUploader(sess)
	return &Backend{
		Remote: backend.NewRemote(&store{client: aws_s3.New(sess), uploader: uploader}, env.Retry),
		ConnID: connID,
	}, nil
}

// NewSession maps an Airflow "aws" connection onto an SDK session:
// login/password (or extras aws_access_key_id/aws_secret_access_key) are static credentials,
// extras region_name, endpoint_url, aws_session_token and s3_force_path_style tune the client.
func NewSession(c connection.Connection, found bool) (*session.Session, error) {
	cfg := aws.NewConfig()
	if found {
		if region := c.ExtraString("region_name"); region != "" {
			cfg = cfg.WithRegion(region)
		}
		endpoint := c.ExtraString("endpoint_url")
		if endpoint != "" {
			cfg = cfg.WithEndpoint(endpoint)
		}
		// Custom endpoints (MinIO, localstack) usually need path-style addressing.
		cfg = cfg.WithS3ForcePathStyle(c.ExtraBool("s3_force_path_style", endpoint != ""))

		accessKey, secretKey := c.Login, c.Password
		if accessKey == "" {
			accessKey = c.ExtraString("aws_access_key_id")
			secretKey = c.ExtraString("aws_secret_access_key")
		}
		if accessKey != "" {
			cfg = cfg.WithCredentials(credentials.NewStaticCredentials(accessKey, secretKey, c.ExtraString("aws_session_token")))
		}
	}
	return session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
}

type store struct {
	client   s3iface.S3API
	uploader s3manageriface.UploaderAPI
}

func (s *store) Name() string { return Scheme }

func (s *store) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &aws_s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}, func(page *aws_s3.ListObjectsV2Output, _ bool) bool {
		for _, o := range page.Contents {
			keys = append(keys, aws.StringValue(o.Key))
		}
		return true
	})
	return keys, err
}

func (s *store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.client.GetObjectWithContext(ctx, &aws_s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

func (s *store) Put(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

func (s *store) Delete(ctx context.Context, bucket string, keys []string) error {
	objects := make([]*aws_s3.ObjectIdentifier, 0, len(keys))
	for _, k := range keys {
		objects = append(objects, &aws_s3.ObjectIdentifier{Key: aws.String(k)})
	}
	out, err := s.client.DeleteObjectsWithContext(ctx, &aws_s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &aws_s3.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return err
	}
	if len(out.Errors) > 0 {
		first := out.Errors[0]
		return fmt.Errorf("delete %q: %s (%d failed)", aws.StringValue(first.Key), aws.StringValue(first.Message), len(out.Errors))
	}
	return nil
}

// IsRetryable defers to the SDK's own classification (throttling, 5xx, connection resets).
func (s *store) IsRetryable(err error) bool {
	return request.IsErrorRetryable(err) || request.IsErrorThrottle(err)
}
