// Package objectstore provides access to the corpus bucket holding index
// artifacts, encoder model files, and per-document markdown.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Well-known object names within the corpus bucket.
const (
	SparseIndexObject = "Index/sparse_index.db"
	DenseIndexObject  = "Index/dense_index.faiss"
	ModelPrefix       = "Models/"
)

// Store abstracts the bucket operations the service needs. Implementations
// must be safe for concurrent use.
type Store interface {
	// FetchFile downloads a single object to the given local path.
	FetchFile(ctx context.Context, object, localPath string) error

	// FetchPrefix downloads every object under prefix into localDir,
	// preserving the relative layout. Returns the number of objects fetched.
	FetchPrefix(ctx context.Context, prefix, localDir string) (int, error)

	// ReadMarkdown returns the cleaned markdown body for a document.
	ReadMarkdown(ctx context.Context, documentID string) (string, error)
}

// MarkdownObject returns the object name of a document's cleaned markdown.
func MarkdownObject(documentID string) string {
	return documentID + "-corrected.mmd"
}

// BucketConfig holds connection settings for the corpus bucket.
type BucketConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// Bucket implements Store on top of an S3-compatible object store.
type Bucket struct {
	client *minio.Client
	bucket string
}

// NewBucket creates a bucket client.
func NewBucket(cfg BucketConfig) (*Bucket, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}

	return &Bucket{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// FetchFile downloads a single object to the given local path.
func (b *Bucket) FetchFile(ctx context.Context, object, localPath string) error {
	if err := b.client.FGetObject(ctx, b.bucket, object, localPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("fetching %s: %w", object, err)
	}
	return nil
}

// FetchPrefix downloads every object under prefix into localDir.
func (b *Bucket) FetchPrefix(ctx context.Context, prefix, localDir string) (int, error) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	fetched := 0
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return fetched, fmt.Errorf("listing %s: %w", prefix, obj.Err)
		}

		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" {
			continue
		}
		local := filepath.Join(localDir, filepath.FromSlash(rel))
		if err := b.FetchFile(ctx, obj.Key, local); err != nil {
			return fetched, err
		}
		fetched++
		slog.Debug("fetched model file", "object", obj.Key, "path", local)
	}

	if fetched == 0 {
		return 0, fmt.Errorf("no objects under prefix %s", prefix)
	}
	return fetched, nil
}

// ReadMarkdown returns the cleaned markdown body for a document.
func (b *Bucket) ReadMarkdown(ctx context.Context, documentID string) (string, error) {
	object := MarkdownObject(documentID)
	reader, err := b.client.GetObject(ctx, b.bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", object, err)
	}
	defer reader.Close()

	body, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", object, err)
	}
	return string(body), nil
}

// Ensure Bucket implements Store.
var _ Store = (*Bucket)(nil)
