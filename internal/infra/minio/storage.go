package minio

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MaxSourceSize bounds how much of an object FetchSource reads into memory.
const MaxSourceSize = 2 << 30

// Storage serves source videos out of one bucket.
type Storage struct {
	client *miniogo.Client
	bucket string
}

type StorageConfig struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UseSSL       bool
	SourceBucket string
}

func NewStorage(cfg StorageConfig) (*Storage, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Storage{client: client, bucket: cfg.SourceBucket}, nil
}

func (s *Storage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// FetchSource reads the whole object; the key's base name becomes the
// source filename.
func (s *Storage) FetchSource(ctx context.Context, key string) (entity.Source, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, miniogo.GetObjectOptions{})
	if err != nil {
		return entity.Source{}, fmt.Errorf("get object %s: %w", key, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return entity.Source{}, fmt.Errorf("stat object %s: %w", key, err)
	}
	if info.Size > MaxSourceSize {
		return entity.Source{}, fmt.Errorf("object %s is %d bytes, limit is %d", key, info.Size, MaxSourceSize)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return entity.Source{}, fmt.Errorf("read object %s: %w", key, err)
	}
	return entity.Source{Filename: path.Base(key), Data: data}, nil
}

func (s *Storage) UploadSource(ctx context.Context, key string, reader io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, reader, size, miniogo.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("upload source: %w", err)
	}
	return nil
}
