// Package blob stores post images in an S3-compatible bucket.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrUnsupportedType = errors.New("unsupported image type")

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Options configures a MinIO-backed store.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL prefixes returned object URLs. Defaults to the endpoint.
	PublicURL string
}

type MinIO struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// NewMinIO connects and creates the bucket when it does not exist yet.
func NewMinIO(ctx context.Context, opts Options) (*MinIO, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	return newMinIOWithClient(client, opts), nil
}

func newMinIOWithClient(client *minio.Client, opts Options) *MinIO {
	public := strings.TrimRight(opts.PublicURL, "/")
	if public == "" {
		scheme := "http"
		if opts.UseSSL {
			scheme = "https"
		}
		public = fmt.Sprintf("%s://%s/%s", scheme, opts.Endpoint, opts.Bucket)
	}
	return &MinIO{client: client, bucket: opts.Bucket, publicURL: public}
}

// Put uploads an image under a fresh random key and returns its public URL.
// Keys come from the content type only; client file names never reach the bucket.
func (m *MinIO) Put(ctx context.Context, contentType string, r io.Reader, size int64) (string, error) {
	key, err := ObjectKey(contentType)
	if err != nil {
		return "", err
	}
	if _, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return m.URL(key), nil
}

// Delete removes the object behind a URL previously returned by Put. URLs from
// elsewhere are ignored.
func (m *MinIO) Delete(ctx context.Context, url string) error {
	key, ok := m.KeyFromURL(url)
	if !ok {
		return nil
	}
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func (m *MinIO) URL(key string) string {
	return m.publicURL + "/" + key
}

func (m *MinIO) KeyFromURL(url string) (string, bool) {
	prefix := m.publicURL + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(url, prefix)
	return key, key != ""
}

// ObjectKey returns "posts/<uuid><ext>" for a supported image content type.
func ObjectKey(contentType string) (string, error) {
	ext, ok := imageExtensions[normalizeType(contentType)]
	if !ok {
		return "", ErrUnsupportedType
	}
	return path.Join("posts", uuid.NewString()+ext), nil
}

func AllowedImageType(contentType string) bool {
	_, ok := imageExtensions[normalizeType(contentType)]
	return ok
}

func normalizeType(contentType string) string {
	base, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}
