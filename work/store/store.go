package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"audiocache/work/config"
	"audiocache/work/logger"
	"audiocache/work/types"
)

// Sentinel errors for the storage layer. Callers decide on retries; this
// layer never retries on its own.
var (
	ErrNotFound           = errors.New("object not found")
	ErrStorageUnavailable = errors.New("object store unavailable")
)

// Object-store key layout. The schema version suffix lets a format change
// invalidate every cached artifact without a migration pass.
const (
	audioSchemaSuffix = "_v2"
	audioExtension    = ".m4a"
	CookieKey         = "system/_cookies.json"
	HistoryKey        = "system/history.json"
	ChannelsKey       = "system/home_channels.json"
)

// ArtifactStore is a thin wrapper over an S3-compatible object store holding
// cached audio artifacts, their sidecar metadata, and the small system state
// blobs shared with external collaborators.
type ArtifactStore struct {
	client       *minio.Client
	bucket       string
	publicDomain string
}

// New connects to the object store configured in cfg. The connection itself
// is lazy; a bad endpoint surfaces on the first operation as
// ErrStorageUnavailable.
func New(cfg *config.Config) (*ArtifactStore, error) {
	cl, err := minio.New(cfg.StoreEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.StoreAccessKey, cfg.StoreSecretKey, ""),
		Secure: cfg.StoreUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("store client init: %w", err)
	}

	logger.Debug("{store - New} Object store client initialized for bucket %s", cfg.StoreBucket)

	return &ArtifactStore{
		client:       cl,
		bucket:       cfg.StoreBucket,
		publicDomain: cfg.PublicDomain,
	}, nil
}

// AudioKey returns the artifact key for a video id, e.g. "dQw4w9WgXcQ_v2.m4a".
func AudioKey(videoID string) string {
	return videoID + audioSchemaSuffix + audioExtension
}

// MetadataKey returns the sidecar metadata key for a video id.
func MetadataKey(videoID string) string {
	return videoID + ".json"
}

// PublicURL returns the stable public URL for a stored key.
func (s *ArtifactStore) PublicURL(key string) string {
	return fmt.Sprintf("https://%s/%s", s.publicDomain, key)
}

// Exists reports whether a key is present and how large it is. Zero-length
// objects are reported as present with size 0 so callers can apply the
// "empty means absent" rule themselves.
func (s *ArtifactStore) Exists(ctx context.Context, key string) (types.ArtifactStat, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return types.ArtifactStat{}, nil
		}
		return types.ArtifactStat{}, fmt.Errorf("%w: stat %s: %v", ErrStorageUnavailable, key, err)
	}
	return types.ArtifactStat{Present: true, Size: info.Size}, nil
}

// Get opens a key for reading. The caller owns the returned reader.
func (s *ArtifactStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrStorageUnavailable, key, err)
	}

	// GetObject is lazy; a Stat forces the first round trip so missing keys
	// surface here instead of on the first Read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrStorageUnavailable, key, err)
	}

	return obj, nil
}

// Put writes a key. Never returns ErrNotFound.
func (s *ArtifactStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrStorageUnavailable, key, err)
	}
	logger.Debug("{store - Put} Stored %s (%d bytes, %s)", key, size, contentType)
	return nil
}

// ListPrefix returns metadata for every key under the given prefix.
func (s *ArtifactStore) ListPrefix(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	var out []types.ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", ErrStorageUnavailable, prefix, obj.Err)
		}
		out = append(out, types.ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			LastModified: obj.LastModified,
		})
	}
	return out, nil
}

// DeleteBatch removes the given keys. Missing keys are not an error.
func (s *ArtifactStore) DeleteBatch(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			if isNotFound(err) {
				continue
			}
			return fmt.Errorf("%w: delete %s: %v", ErrStorageUnavailable, key, err)
		}
	}
	logger.Debug("{store - DeleteBatch} Deleted %d keys", len(keys))
	return nil
}

// isNotFound distinguishes a genuinely missing key from a transport failure.
func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == 404 || resp.Code == "NoSuchKey"
}
