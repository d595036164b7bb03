package storage

import (
	"context"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// DefaultRequestTimeout bounds a single object read in MinioStore.
const DefaultRequestTimeout = 30 * time.Second

// MinioOptions configures NewMinioStore.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Region    string

	// Bucket holding the dataset, and Prefix prepended to every key
	// (e.g. "datasets/itlp/").
	Bucket string
	Prefix string

	// RequestTimeout bounds each read. Defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// MinioStore implements Store on MinIO or any S3-compatible object storage.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	prefix  string
	timeout time.Duration
}

// NewMinioStore connects a MinioStore using static credentials.
func NewMinioStore(opts MinioOptions) (*MinioStore, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("minio store: empty endpoint")
	}
	if opts.Bucket == "" {
		return nil, errors.New("minio store: empty bucket")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "minio store: connect to %q", opts.Endpoint)
	}
	return NewMinioStoreFromClient(client, opts.Bucket, opts.Prefix, opts.RequestTimeout), nil
}

// NewMinioStoreFromClient wraps an existing client.
func NewMinioStoreFromClient(client *minio.Client, bucket, prefix string, timeout time.Duration) *MinioStore {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &MinioStore{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		timeout: timeout,
	}
}

// ObjectKey returns the object name used for the dataset key.
func (s *MinioStore) ObjectKey(key string) string {
	return path.Join(s.prefix, key)
}

// ReadFile implements Store.
func (s *MinioStore) ReadFile(key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	objectKey := s.ObjectKey(key)
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrapErr(err, objectKey)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrapErr(err, objectKey)
	}
	return data, nil
}

func (s *MinioStore) wrapErr(err error, objectKey string) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return errors.Wrapf(ErrNotFound, "read s3://%s/%s", s.bucket, objectKey)
	}
	return errors.Wrapf(err, "read s3://%s/%s", s.bucket, objectKey)
}
