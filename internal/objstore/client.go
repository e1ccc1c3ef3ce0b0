// Package objstore stores files in an S3-compatible object store (MinIO,
// AWS S3, ArvanCloud). The store is the source of truth for remote files:
// records are rebuilt from object listings instead of a separate database.
package objstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Client is the part of *minio.Client the package needs. Tests provide
// an in-memory implementation.
type Client interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

// Config describes the bucket and how objects are addressed.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	// Folder is the key prefix all uploads live under.
	Folder string
	// PublicBase is the browser-accessible base URL of the bucket,
	// e.g. "http://localhost:9000/uploads".
	PublicBase string
	// ListLimit caps how many objects a single listing returns.
	ListLimit int
}

// NewClient creates a MinIO client, ensures the bucket exists and allows
// anonymous reads under the configured folder so public URLs resolve.
func NewClient(ctx context.Context, cfg Config) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
		}
		slog.Info("Created bucket", "bucket", cfg.Bucket)
	}

	if err := client.SetBucketPolicy(ctx, cfg.Bucket, publicReadPolicy(cfg.Bucket, cfg.Folder)); err != nil {
		return nil, fmt.Errorf("set bucket policy: %w", err)
	}

	return client, nil
}

// publicReadPolicy returns an S3 bucket policy JSON that allows anonymous
// GET on objects under folder.
func publicReadPolicy(bucket, folder string) string {
	resource := fmt.Sprintf("arn:aws:s3:::%s/*", bucket)
	if folder = strings.Trim(folder, "/"); folder != "" {
		resource = fmt.Sprintf("arn:aws:s3:::%s/%s/*", bucket, folder)
	}
	policy := map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{
			{
				"Effect":    "Allow",
				"Principal": "*",
				"Action":    "s3:GetObject",
				"Resource":  resource,
			},
		},
	}
	b, _ := json.Marshal(policy)
	return string(b)
}
