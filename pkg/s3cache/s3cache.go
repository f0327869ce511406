// Package s3cache implements the optimization cache: an S3-compatible
// content-addressed store holding already transcoded assets so repeated runs
// skip download and transcode work.
package s3cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrCacheMiss is returned by Get when the entry is absent or stale. A miss
// is a normal outcome, not a failure.
var ErrCacheMiss = errors.New("optimization cache miss")

const (
	metaIdent   = "Ident"
	metaVersion = "Version"
	keyPrefix   = "medium/"
)

type Cache struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// New creates a cache client from a URL with credentials, in the form
// https://endpoint/?keyId=...&secretAccessKey=...&bucketName=...
func New(cacheURL string, logger *slog.Logger) (*Cache, error) {
	parsed, err := url.Parse(cacheURL)
	if err != nil {
		return nil, fmt.Errorf("invalid optimization cache URL: %w", err)
	}
	query := parsed.Query()
	keyID := query.Get("keyId")
	secret := query.Get("secretAccessKey")
	bucket := query.Get("bucketName")
	if keyID == "" || secret == "" || bucket == "" {
		return nil, fmt.Errorf(
			"optimization cache URL must carry keyId, secretAccessKey and bucketName parameters")
	}

	client, err := minio.New(parsed.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(keyID, secret, ""),
		Secure: parsed.Scheme == "https",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	return &Cache{
		client: client,
		bucket: bucket,
		logger: logger,
	}, nil
}

// CheckCredentials validates bucket access with list, write, read and remove
// probes. Called once at startup; a failure here is fatal for the run, the
// cache must not silently degrade to a no-op.
func (c *Cache) CheckCredentials(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", c.bucket, err)
	}
	if !exists {
		return fmt.Errorf("optimization cache bucket %s does not exist", c.bucket)
	}

	probeKey := keyPrefix + ".credentials-probe"
	probe := []byte("probe")
	if _, err := c.client.PutObject(ctx, c.bucket, probeKey,
		bytes.NewReader(probe), int64(len(probe)), minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("failed write probe on bucket %s: %w", c.bucket, err)
	}
	obj, err := c.client.GetObject(ctx, c.bucket, probeKey, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed read probe on bucket %s: %w", c.bucket, err)
	}
	if _, err := io.ReadAll(obj); err != nil {
		obj.Close()
		return fmt.Errorf("failed read probe on bucket %s: %w", c.bucket, err)
	}
	obj.Close()
	if err := c.client.RemoveObject(ctx, c.bucket, probeKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed remove probe on bucket %s: %w", c.bucket, err)
	}

	c.logger.Info("Optimization cache credentials validated",
		"endpoint", c.client.EndpointURL().Host, "bucket", c.bucket)
	return nil
}

// Key returns the object key for an asset path.
func Key(assetPath string) string {
	return keyPrefix + assetPath
}

// Get fetches the cached transcoded bytes for (path, ident, version).
// Returns ErrCacheMiss when the object is absent or was produced from
// different source content or by a different transcoder version. Any other
// failure is a cache error, distinct from a miss.
func (c *Cache) Get(ctx context.Context, assetPath, ident string, version int) ([]byte, error) {
	key := Key(assetPath)

	stat, err := c.client.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to stat %s in optimization cache: %w", key, err)
	}
	if stat.UserMetadata[metaIdent] != ident ||
		stat.UserMetadata[metaVersion] != strconv.Itoa(version) {
		return nil, ErrCacheMiss
	}

	obj, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s from optimization cache: %w", key, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s from optimization cache: %w", key, err)
	}
	return data, nil
}

// Put uploads transcoded bytes under (path, ident, version).
func (c *Cache) Put(ctx context.Context, assetPath, ident string, version int, content []byte) error {
	key := Key(assetPath)
	_, err := c.client.PutObject(ctx, c.bucket, key,
		bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{
			ContentType: "image/webp",
			UserMetadata: map[string]string{
				metaIdent:   ident,
				metaVersion: strconv.Itoa(version),
			},
		})
	if err != nil {
		return fmt.Errorf("failed to upload %s to optimization cache: %w", key, err)
	}
	return nil
}
