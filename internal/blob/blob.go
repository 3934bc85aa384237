// Package blob stores raw uploads and extracted markdown in S3-compatible
// object storage. Uploads land in a staging bucket first; the ingestion
// pipeline promotes them to the permanent document bucket once processing
// succeeds, and staged objects are removed on both success and terminal
// failure.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/quarryio/quarry/internal/log"
)

// ErrInvalidURI indicates a storage URI that does not name a bucket and object.
var ErrInvalidURI = errors.New("invalid storage URI")

// Config configures the object store client.
type Config struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	StagingBucket  string
	DocumentBucket string
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.StagingBucket == "" || c.DocumentBucket == "" {
		return errors.New("staging and document buckets are required")
	}
	if c.StagingBucket == c.DocumentBucket {
		return errors.New("staging and document buckets must differ")
	}
	return nil
}

// Store wraps a MinIO client with the two-bucket upload lifecycle.
type Store struct {
	client   *minio.Client
	staging  string
	document string
	logger   log.Logger
}

// New creates an object store client.
func New(cfg Config, logger log.Logger) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("blob config: %w", err)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object storage client: %w", err)
	}

	return &Store{
		client:   client,
		staging:  cfg.StagingBucket,
		document: cfg.DocumentBucket,
		logger:   logger,
	}, nil
}

// EnsureBuckets creates the staging and document buckets if they do not
// exist. Idempotent.
func (s *Store) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.staging, s.document} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("checking bucket %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucket, err)
		}
		s.logger.Info("bucket created", "bucket", bucket)
	}
	return nil
}

// PutStaging writes raw upload bytes to the staging bucket and returns the
// object name to record on the upload row.
func (s *Store) PutStaging(ctx context.Context, object string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.staging, object, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("staging object %s: %w", object, err)
	}
	s.logger.Debug("object staged", "bucket", s.staging, "object", object, "bytes", len(data))
	return object, nil
}

// GetStaging reads a staged object back.
func (s *Store) GetStaging(ctx context.Context, object string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.staging, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("opening staged object %s: %w", object, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("reading staged object %s: %w", object, err)
	}
	return data, nil
}

// Promote copies a staged object into the document bucket and returns the
// permanent URI. The staged copy is left in place; RemoveStaging clears it
// once the pipeline reaches a terminal state.
func (s *Store) Promote(ctx context.Context, stagingObject, permanentObject string) (string, error) {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.document, Object: permanentObject},
		minio.CopySrcOptions{Bucket: s.staging, Object: stagingObject},
	)
	if err != nil {
		return "", fmt.Errorf("promoting object %s: %w", stagingObject, err)
	}
	uri := URI(s.document, permanentObject)
	s.logger.Debug("object promoted", "from", stagingObject, "to", uri)
	return uri, nil
}

// PutMarkdown writes extracted markdown next to the document in the
// permanent bucket and returns its URI.
func (s *Store) PutMarkdown(ctx context.Context, object, markdown string) (string, error) {
	data := []byte(markdown)
	_, err := s.client.PutObject(ctx, s.document, object, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "text/markdown"})
	if err != nil {
		return "", fmt.Errorf("storing markdown %s: %w", object, err)
	}
	return URI(s.document, object), nil
}

// RemoveStaging deletes a staged object. Missing objects are not an error,
// so terminal-failure cleanup can run more than once.
func (s *Store) RemoveStaging(ctx context.Context, object string) error {
	err := s.client.RemoveObject(ctx, s.staging, object, minio.RemoveObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("removing staged object %s: %w", object, err)
	}
	return nil
}

// URI renders the canonical s3://bucket/object form recorded on documents.
func URI(bucket, object string) string {
	return "s3://" + bucket + "/" + object
}

// ParseURI splits an s3://bucket/object URI.
func ParseURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return bucket, object, nil
}
