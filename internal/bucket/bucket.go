// Package bucket mirrors published bucket generations to S3 compatible object
// storage.
package bucket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/jekabolt/o2o-ledger/internal/entity"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	contentTypeParquet = "application/vnd.apache.parquet"
	contentTypeJSON    = "application/json"
)

type Config struct {
	Enabled           bool   `mapstructure:"enabled"`
	S3AccessKey       string `mapstructure:"s3AccessKey"`
	S3SecretAccessKey string `mapstructure:"s3SecretAccessKey"`
	S3Endpoint        string `mapstructure:"s3Endpoint"`
	S3BucketName      string `mapstructure:"s3BucketName"`
	S3BucketLocation  string `mapstructure:"s3BucketLocation"`
	S3UseSSL          bool   `mapstructure:"s3UseSSL"`
	BaseFolder        string `mapstructure:"baseFolder"`
}

type objectStore interface {
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Bucket struct {
	cli objectStore
	*Config
}

func (c *Config) Init() (*Bucket, error) {
	cli, err := minio.New(c.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.S3AccessKey, c.S3SecretAccessKey, ""),
		Secure: c.S3UseSSL,
		Region: c.S3BucketLocation,
	})
	if err != nil {
		return nil, fmt.Errorf("can't create s3 client: %w", err)
	}
	return &Bucket{
		cli:    cli,
		Config: c,
	}, nil
}

func (b *Bucket) generationPrefix(ref *entity.GenerationRef) string {
	return path.Join(
		strings.Trim(b.BaseFolder, "/"),
		"buckets",
		"dt="+ref.Window.From.Format(entity.DateLayout),
		fmt.Sprintf("gen-%06d", ref.Generation),
	)
}

// MirrorGeneration uploads the files of a generation, then a manifest listing them.
// A generation without its manifest is incomplete.
func (b *Bucket) MirrorGeneration(ctx context.Context, ref *entity.GenerationRef) error {
	prefix := b.generationPrefix(ref)
	keys := make([]string, 0, len(ref.Files))
	for _, f := range ref.Files {
		key := path.Join(prefix, filepath.Base(f))
		if _, err := b.cli.FPutObject(ctx, b.S3BucketName, key, f, minio.PutObjectOptions{
			ContentType: contentTypeParquet,
		}); err != nil {
			return fmt.Errorf("can't upload %s: %w", key, err)
		}
		keys = append(keys, key)
	}

	manifest, err := json.Marshal(struct {
		Window     string   `json:"window"`
		Generation int64    `json:"generation"`
		Objects    []string `json:"objects"`
	}{
		Window:     ref.Window.Key(),
		Generation: ref.Generation,
		Objects:    keys,
	})
	if err != nil {
		return err
	}
	key := path.Join(prefix, "MANIFEST.json")
	if _, err := b.cli.PutObject(ctx, b.S3BucketName, key, bytes.NewReader(manifest), int64(len(manifest)), minio.PutObjectOptions{
		ContentType: contentTypeJSON,
	}); err != nil {
		return fmt.Errorf("can't upload %s: %w", key, err)
	}
	return nil
}
