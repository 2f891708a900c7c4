// Package storage publishes the shard files of a finished run, with a
// manifest, to a gocloud blob bucket.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver, also B2, R2 and MinIO
)

// BlobStore writes objects with a temp-key-then-finalize protocol so that
// readers never see a partially published run.
type BlobStore struct {
	bucket *blob.Bucket
	url    string
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string // MD5 for S3/GCS, empty for local
	ModTime time.Time
}

// OpenBlobStore opens the bucket behind a gocloud URL such as
// file:///data/out, gs://bucket or s3://bucket?region=us-east-1.
func OpenBlobStore(ctx context.Context, bucketURL string) (*BlobStore, error) {
	if bucketURL == "" {
		return nil, errors.New("bucket URL is required")
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return &BlobStore{bucket: bucket, url: bucketURL}, nil
}

// URL returns the bucket URL the store was opened with.
func (s *BlobStore) URL() string {
	return s.url
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

func tempKey(key string) string {
	return key + ".tmp." + uuid.New().String()
}

// WriteTemp writes data under a temporary key derived from key.
func (s *BlobStore) WriteTemp(ctx context.Context, key string, data []byte) (string, error) {
	tmp := tempKey(key)

	w, err := s.bucket.NewWriter(ctx, tmp, nil)
	if err != nil {
		return "", fmt.Errorf("create writer for %s: %w", tmp, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("write data to %s: %w", tmp, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", tmp, err)
	}
	return tmp, nil
}

// UploadTemp streams a local file to a temporary key derived from key and
// returns the temp key, the file's sha256 and its size.
func (s *BlobStore) UploadTemp(ctx context.Context, key, path string) (string, string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	tmp := tempKey(key)
	w, err := s.bucket.NewWriter(ctx, tmp, &blob.WriterOptions{ContentType: "application/vnd.apache.parquet"})
	if err != nil {
		return "", "", 0, fmt.Errorf("create writer for %s: %w", tmp, err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, h), f)
	if err != nil {
		w.Close()
		s.bucket.Delete(ctx, tmp)
		return "", "", 0, fmt.Errorf("upload %s to %s: %w", path, tmp, err)
	}
	if err := w.Close(); err != nil {
		return "", "", 0, fmt.Errorf("close writer for %s: %w", tmp, err)
	}
	return tmp, hex.EncodeToString(h.Sum(nil)), n, nil
}

// Finalize copies each temp key to its final key and deletes the temps.
// If any copy fails, the final keys already written are rolled back and
// all temps are removed.
func (s *BlobStore) Finalize(ctx context.Context, tempKeys, finalKeys []string) error {
	if len(tempKeys) != len(finalKeys) {
		return fmt.Errorf("expected %d temp keys, got %d", len(finalKeys), len(tempKeys))
	}

	for i, tmp := range tempKeys {
		if err := s.copyObject(ctx, tmp, finalKeys[i]); err != nil {
			for j := 0; j < i; j++ {
				s.bucket.Delete(ctx, finalKeys[j])
			}
			s.Abort(ctx, tempKeys)
			return fmt.Errorf("finalize %s -> %s: %w", tmp, finalKeys[i], err)
		}
	}

	for _, tmp := range tempKeys {
		s.bucket.Delete(ctx, tmp) // ignore errors
	}
	return nil
}

// copyObject copies an object within the bucket.
func (s *BlobStore) copyObject(ctx context.Context, srcKey, dstKey string) error {
	r, err := s.bucket.NewReader(ctx, srcKey, nil)
	if err != nil {
		return fmt.Errorf("open source %s: %w", srcKey, err)
	}
	defer r.Close()

	w, err := s.bucket.NewWriter(ctx, dstKey, nil)
	if err != nil {
		return fmt.Errorf("create destination %s: %w", dstKey, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("copy to %s: %w", dstKey, err)
	}
	return w.Close()
}

// Abort removes temporary objects without publishing.
func (s *BlobStore) Abort(ctx context.Context, tempKeys []string) error {
	var errs []error
	for _, key := range tempKeys {
		if err := s.bucket.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Exists reports whether key is present.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, key)
}

// Head returns metadata about a stored object.
func (s *BlobStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get attributes for %s: %w", key, err)
	}
	return &ObjectInfo{
		Key:     key,
		Size:    attrs.Size,
		ETag:    attrs.ETag,
		ModTime: attrs.ModTime,
	}, nil
}

// ReadAll returns the contents of key.
func (s *BlobStore) ReadAll(ctx context.Context, key string) ([]byte, error) {
	return s.bucket.ReadAll(ctx, key)
}

// List returns all keys with the given prefix.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}
