// Package storage mirrors downloaded result archives to an S3-compatible
// bucket so they survive the single-use output directories.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds the S3/MinIO connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// ConfigFromEnv reads VOLSEG_S3_ENDPOINT, VOLSEG_S3_ACCESS_KEY,
// VOLSEG_S3_SECRET_KEY and VOLSEG_BUCKET.
func ConfigFromEnv() Config {
	return Config{
		Endpoint:  os.Getenv("VOLSEG_S3_ENDPOINT"),
		AccessKey: os.Getenv("VOLSEG_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("VOLSEG_S3_SECRET_KEY"),
		Bucket:    os.Getenv("VOLSEG_BUCKET"),
	}
}

// Enabled reports whether any archive mirroring was configured.
func (c Config) Enabled() bool {
	return c.Endpoint != "" || c.Bucket != ""
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	// No scheme: host:port, insecure by default for local MinIO.
	return raw, false, nil
}

// ArchiveStore uploads result archives to a bucket.
type ArchiveStore struct {
	client *minio.Client
	bucket string
}

// NewArchiveStore connects and checks that the bucket exists.
func NewArchiveStore(ctx context.Context, cfg Config) (*ArchiveStore, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio configuration incomplete")
	}

	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("minio bucket does not exist: %s", cfg.Bucket)
	}

	return &ArchiveStore{client: client, bucket: cfg.Bucket}, nil
}

// ObjectKey returns the key an archive of jobID taken at t is stored under.
func ObjectKey(jobID string, t time.Time) string {
	if jobID == "" {
		jobID = "default"
	}
	return path.Join("archives", jobID, t.UTC().Format("20060102T150405.000000000Z")+".zip")
}

// PutArchive uploads the zip file at localPath and returns its object key.
func (s *ArchiveStore) PutArchive(ctx context.Context, jobID, localPath string, at time.Time) (string, error) {
	key := ObjectKey(jobID, at)
	_, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: "application/zip",
		UserMetadata: map[string]string{
			"job-id": jobID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put archive %s: %w", key, err)
	}
	return key, nil
}

// Ping checks the bucket is reachable.
func (s *ArchiveStore) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bucket does not exist: %s", s.bucket)
	}
	return nil
}

// Bucket returns the configured bucket name.
func (s *ArchiveStore) Bucket() string { return s.bucket }
