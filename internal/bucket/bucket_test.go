package bucket

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jekabolt/o2o-ledger/internal/entity"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type put struct {
	bucket, key, file, contentType string
	body                           []byte
}

type fakeStore struct {
	puts    []put
	failKey string
}

func (f *fakeStore) FPutObject(_ context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if objectName == f.failKey {
		return minio.UploadInfo{}, errors.New("503 slow down")
	}
	f.puts = append(f.puts, put{bucket: bucketName, key: objectName, file: filePath, contentType: opts.ContentType})
	return minio.UploadInfo{Bucket: bucketName, Key: objectName}, nil
}

func (f *fakeStore) PutObject(_ context.Context, bucketName, objectName string, reader io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	b, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.puts = append(f.puts, put{bucket: bucketName, key: objectName, contentType: opts.ContentType, body: b})
	return minio.UploadInfo{Bucket: bucketName, Key: objectName}, nil
}

func testRef() *entity.GenerationRef {
	d := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	return &entity.GenerationRef{
		Window:     entity.DayWindow(d),
		Generation: 7,
		Dir:        "/data/buckets/dt=2024-03-05/gen-000007",
		Files: []string{
			"/data/buckets/dt=2024-03-05/gen-000007/day-strict.parquet",
			"/data/buckets/dt=2024-03-05/gen-000007/day-with_commission.parquet",
		},
	}
}

func TestMirrorGeneration(t *testing.T) {
	fs := &fakeStore{}
	b := &Bucket{cli: fs, Config: &Config{S3BucketName: "ledger", BaseFolder: "/prod/"}}

	require.NoError(t, b.MirrorGeneration(context.Background(), testRef()))
	require.Len(t, fs.puts, 3)

	assert.Equal(t, "prod/buckets/dt=2024-03-05/gen-000007/day-strict.parquet", fs.puts[0].key)
	assert.Equal(t, "/data/buckets/dt=2024-03-05/gen-000007/day-strict.parquet", fs.puts[0].file)
	assert.Equal(t, contentTypeParquet, fs.puts[0].contentType)
	assert.Equal(t, "prod/buckets/dt=2024-03-05/gen-000007/day-with_commission.parquet", fs.puts[1].key)
	assert.Equal(t, "ledger", fs.puts[1].bucket)

	manifest := fs.puts[2]
	assert.Equal(t, "prod/buckets/dt=2024-03-05/gen-000007/MANIFEST.json", manifest.key)
	assert.Equal(t, contentTypeJSON, manifest.contentType)
	assert.JSONEq(t, `{
		"window": "2024-03-05_2024-03-06",
		"generation": 7,
		"objects": [
			"prod/buckets/dt=2024-03-05/gen-000007/day-strict.parquet",
			"prod/buckets/dt=2024-03-05/gen-000007/day-with_commission.parquet"
		]
	}`, string(manifest.body))
}

func TestMirrorGenerationUploadFails(t *testing.T) {
	fs := &fakeStore{failKey: "buckets/dt=2024-03-05/gen-000007/day-with_commission.parquet"}
	b := &Bucket{cli: fs, Config: &Config{S3BucketName: "ledger"}}

	err := b.MirrorGeneration(context.Background(), testRef())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503 slow down")
	// no manifest for an incomplete generation
	require.Len(t, fs.puts, 1)
	assert.Equal(t, "buckets/dt=2024-03-05/gen-000007/day-strict.parquet", fs.puts[0].key)
}
