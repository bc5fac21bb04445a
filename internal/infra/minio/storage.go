package minio

import (
	"bytes"
	"context"
	"fmt"

	"github.com/beesbook/bb-ingest-service/internal/infra/bbbinary"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Storage struct {
	client          *miniogo.Client
	videoBucket     string
	containerBucket string
}

type StorageConfig struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	UseSSL          bool
	VideoBucket     string
	ContainerBucket string
}

func NewStorage(cfg StorageConfig) (*Storage, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Storage{
		client:          client,
		videoBucket:     cfg.VideoBucket,
		containerBucket: cfg.ContainerBucket,
	}, nil
}

func (s *Storage) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.videoBucket, s.containerBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, miniogo.MakeBucketOptions{}); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

func (s *Storage) DownloadVideo(ctx context.Context, objectKey string, destPath string) error {
	if err := s.client.FGetObject(ctx, s.videoBucket, objectKey, destPath, miniogo.GetObjectOptions{}); err != nil {
		return fmt.Errorf("download %s: %w", objectKey, err)
	}
	return nil
}

func (s *Storage) PutContainer(ctx context.Context, objectKey string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.containerBucket, objectKey, bytes.NewReader(data), int64(len(data)), miniogo.PutObjectOptions{
		ContentType: "application/x-bbbinary",
		UserMetadata: map[string]string{
			"format": bbbinary.Format,
		},
	})
	if err != nil {
		return fmt.Errorf("upload container: %w", err)
	}
	return nil
}

func (s *Storage) RemoveContainer(ctx context.Context, objectKey string) error {
	if err := s.client.RemoveObject(ctx, s.containerBucket, objectKey, miniogo.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}
