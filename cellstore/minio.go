package cellstore

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
)

// MinioBackend stores cells in MinIO or any S3-compatible object store.
// Object PUTs are atomic by contract, satisfying the Backend write
// discipline without temp files.
type MinioBackend struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioBackend creates a backend writing under rootPrefix in the bucket
// (e.g. "geo/").
func NewMinioBackend(client *minio.Client, bucket, rootPrefix string) *MinioBackend {
	return &MinioBackend{client: client, bucket: bucket, prefix: rootPrefix}
}

func (b *MinioBackend) objectKey(key string) string {
	return path.Join(b.prefix, key+".json")
}

// Get reads the document stored under key.
func (b *MinioBackend) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isMinioNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Put replaces the document under key.
func (b *MinioBackend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, b.objectKey(key),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

// Delete removes the document under key. Absent keys are not an error.
func (b *MinioBackend) Delete(ctx context.Context, key string) error {
	err := b.client.RemoveObject(ctx, b.bucket, b.objectKey(key), minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		return err
	}
	return nil
}

// List returns every stored key with the given prefix, sorted.
func (b *MinioBackend) List(ctx context.Context, keyPrefix string) ([]string, error) {
	full := path.Join(b.prefix, keyPrefix)

	var keys []string
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    full,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := strings.TrimPrefix(obj.Key, b.prefix)
		name = strings.TrimPrefix(name, "/")
		name = strings.TrimSuffix(name, ".json")
		if name != "" {
			keys = append(keys, name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}
