// Package objectstore wraps the GCS client with the five operations the
// file lifecycle needs: head, signed download URL, copy, delete and put.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/DEFRA/forms-submission-api-sub000/internal/apperrors"
)

type Store struct {
	client       *storage.Client
	signingEmail string
	signingKey   []byte
}

func New(ctx context.Context, signingEmail, signingPrivateKey string) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	// Convert literal \n sequences back into real newlines for the private key.
	key := strings.ReplaceAll(signingPrivateKey, `\n`, "\n")

	return &Store{
		client:       client,
		signingEmail: signingEmail,
		signingKey:   []byte(key),
	}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Head verifies the object exists. Returns apperrors.ErrNotFound when the
// key has no object behind it.
func (s *Store) Head(ctx context.Context, bucket, objectKey string) error {
	_, err := s.client.Bucket(bucket).Object(objectKey).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("object %s/%s: %w", bucket, objectKey, apperrors.ErrNotFound)
		}
		return fmt.Errorf("failed to stat object %s/%s: %w", bucket, objectKey, err)
	}
	return nil
}

// SignedDownloadURL generates a V4 signed URL for downloading an object,
// with a content-disposition hint carrying the original filename.
func (s *Store) SignedDownloadURL(bucket, objectKey, filename string, ttl time.Duration) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         "GET",
		Expires:        time.Now().Add(ttl),
		GoogleAccessID: s.signingEmail,
		PrivateKey:     s.signingKey,
	}
	if filename != "" {
		opts.QueryParameters = url.Values{
			"response-content-disposition": {fmt.Sprintf("attachment; filename=%q", filename)},
		}
	}
	return storage.SignedURL(bucket, objectKey, opts)
}

// Copy performs a server-side copy within the bucket. Additive: failure
// leaves the source untouched.
func (s *Store) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	bkt := s.client.Bucket(bucket)
	src := bkt.Object(srcKey)
	dst := bkt.Object(dstKey)
	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("copy source %s/%s: %w", bucket, srcKey, apperrors.ErrNotFound)
		}
		return fmt.Errorf("failed to copy %s to %s in %s: %w", srcKey, dstKey, bucket, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, bucket, objectKey string) error {
	if err := s.client.Bucket(bucket).Object(objectKey).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("delete %s/%s: %w", bucket, objectKey, apperrors.ErrNotFound)
		}
		return fmt.Errorf("failed to delete %s/%s: %w", bucket, objectKey, err)
	}
	return nil
}
