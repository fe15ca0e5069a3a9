package files

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DEFRA/forms-submission-api-sub000/internal/apperrors"
	"github.com/DEFRA/forms-submission-api-sub000/internal/config"
	"github.com/DEFRA/forms-submission-api-sub000/internal/keyhash"
	"github.com/DEFRA/forms-submission-api-sub000/internal/logger"
	"github.com/DEFRA/forms-submission-api-sub000/internal/types"
)

// objectStore is the slice of the storage client the lifecycle needs.
type objectStore interface {
	Head(ctx context.Context, bucket, objectKey string) error
	SignedDownloadURL(bucket, objectKey, filename string, ttl time.Duration) (string, error)
	Copy(ctx context.Context, bucket, srcKey, dstKey string) error
	Delete(ctx context.Context, bucket, objectKey string) error
}

type repository interface {
	Insert(ctx context.Context, rec *types.FileRecord) error
	Get(ctx context.Context, fileID string) (*types.FileRecord, error)
	UpdatePointers(ctx context.Context, updates []PointerUpdate) error
}

type Service struct {
	repo          repository
	store         objectStore
	bucket        string
	stagingPrefix string
	loadedPrefix  string
	signedURLTTL  time.Duration
}

func NewService(repo repository, store objectStore, cfg *config.Config) *Service {
	return &Service{
		repo:          repo,
		store:         store,
		bucket:        cfg.Bucket,
		stagingPrefix: cfg.StagingPrefix,
		loadedPrefix:  cfg.LoadedPrefix,
		signedURLTTL:  cfg.SignedURLTTL,
	}
}

// IngestFile places an existing staged object under lifecycle management.
// The object must already exist; the retrieval key is hashed and never
// stored in plaintext.
func (s *Service) IngestFile(ctx context.Context, desc types.FileDescriptor, retrievalKey string) (*types.FileRecord, error) {
	if desc.ObjectKey == "" || desc.Filename == "" || desc.ContentType == "" || retrievalKey == "" {
		return nil, fmt.Errorf("incomplete file descriptor: %w", apperrors.ErrValidation)
	}
	if desc.Bucket == "" {
		desc.Bucket = s.bucket
	}
	if desc.FileID == "" {
		desc.FileID = uuid.NewString()
	}

	if err := s.store.Head(ctx, desc.Bucket, desc.ObjectKey); err != nil {
		return nil, err
	}

	hash, err := keyhash.Hash(retrievalKey, false)
	if err != nil {
		return nil, fmt.Errorf("failed to hash retrieval key: %w", err)
	}

	rec := &types.FileRecord{
		FileID:                    desc.FileID,
		Filename:                  desc.Filename,
		ContentType:               desc.ContentType,
		Bucket:                    desc.Bucket,
		ObjectKey:                 desc.ObjectKey,
		RetrievalKeyHash:          hash,
		RetrievalKeyCaseSensitive: false,
		FormID:                    desc.FormID,
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return nil, err
	}

	logger.Info(ctx, "file ingested", logger.Fields{
		"file_id":    rec.FileID,
		"object_key": rec.ObjectKey,
	})
	return rec, nil
}

// PresignedLink verifies the retrieval key and returns a time-limited signed
// URL for the object. A record whose object has expired in storage yields
// Gone; that divergence is expected, not corruption.
func (s *Service) PresignedLink(ctx context.Context, fileID, retrievalKey string) (string, error) {
	rec, err := s.repo.Get(ctx, fileID)
	if err != nil {
		return "", err
	}

	if err := s.verifyRetrievalKey(rec, retrievalKey); err != nil {
		return "", err
	}

	if err := s.store.Head(ctx, rec.Bucket, rec.ObjectKey); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return "", fmt.Errorf("object for file %s has expired: %w", fileID, apperrors.ErrGone)
		}
		return "", err
	}

	link, err := s.store.SignedDownloadURL(rec.Bucket, rec.ObjectKey, rec.Filename, s.signedURLTTL)
	if err != nil {
		return "", fmt.Errorf("failed to sign download URL for %s: %w", fileID, err)
	}
	return link, nil
}

// CheckFileExists is a cheap health probe: record present and object still
// in storage. It does not require the retrieval key.
func (s *Service) CheckFileExists(ctx context.Context, fileID string) error {
	rec, err := s.repo.Get(ctx, fileID)
	if err != nil {
		return err
	}
	if err := s.store.Head(ctx, rec.Bucket, rec.ObjectKey); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("object for file %s has expired: %w", fileID, apperrors.ErrGone)
		}
		return err
	}
	return nil
}

type persistPlan struct {
	rec    *types.FileRecord
	dstKey string
}

// PersistFiles moves a batch of staged files to the loaded prefix and
// rotates their retrieval key. Protocol: copy before commit, commit before
// delete. At every observable instant the database pointer references a key
// that exists: the old key, the new key, or (before cleanup) both.
func (s *Service) PersistFiles(ctx context.Context, items []types.PersistItem, newRetrievalKey string) error {
	if len(items) == 0 {
		return fmt.Errorf("empty persist batch: %w", apperrors.ErrValidation)
	}
	if newRetrievalKey == "" {
		return fmt.Errorf("missing new retrieval key: %w", apperrors.ErrValidation)
	}

	// Phase 1: verify every item before touching storage.
	plans := make([]persistPlan, 0, len(items))
	for _, item := range items {
		rec, err := s.repo.Get(ctx, item.FileID)
		if err != nil {
			return err
		}
		if err := s.verifyRetrievalKey(rec, item.InitiatedRetrievalKey); err != nil {
			return err
		}
		if strings.HasPrefix(rec.ObjectKey, s.loadedPrefix) {
			return fmt.Errorf("file %s already persisted: %w", item.FileID, apperrors.ErrConflict)
		}
		plans = append(plans, persistPlan{
			rec:    rec,
			dstKey: s.loadedPrefix + strings.TrimPrefix(rec.ObjectKey, s.stagingPrefix),
		})
	}

	// Phase 2: copy each object concurrently. Additive; nothing is mutated.
	copyErrs := make([]error, len(plans))
	var wg sync.WaitGroup
	wg.Add(len(plans))
	for i := range plans {
		go func(i int) {
			defer wg.Done()
			p := plans[i]
			copyErrs[i] = s.store.Copy(ctx, p.rec.Bucket, p.rec.ObjectKey, p.dstKey)
		}(i)
	}
	wg.Wait()

	// On any copy failure, remove the copies that did land and surface the
	// first error. No database write has happened, so the batch is untouched.
	if firstErr := firstError(copyErrs); firstErr != nil {
		for i, p := range plans {
			if copyErrs[i] != nil {
				continue
			}
			if err := s.store.Delete(ctx, p.rec.Bucket, p.dstKey); err != nil {
				// Best-effort: the orphan sits under the loaded prefix and is
				// reclaimed by the storage lifecycle rule.
				logger.Error(ctx, "failed to clean up copied object after batch failure", err, logger.Fields{
					"object_key": p.dstKey,
				})
			}
		}
		return firstErr
	}

	// Phase 3: rotate every pointer and retrieval key in one transaction.
	updates := make([]PointerUpdate, 0, len(plans))
	for _, p := range plans {
		hash, err := keyhash.Hash(newRetrievalKey, p.rec.RetrievalKeyCaseSensitive)
		if err != nil {
			return fmt.Errorf("failed to hash new retrieval key: %w", err)
		}
		updates = append(updates, PointerUpdate{
			FileID:           p.rec.FileID,
			ObjectKey:        p.dstKey,
			RetrievalKeyHash: hash,
		})
	}
	if err := s.repo.UpdatePointers(ctx, updates); err != nil {
		return err
	}

	// Phase 4: delete the staging objects, best-effort and outside the
	// transaction. A failure here never rolls back committed state; the
	// staging lifecycle rule reclaims what we miss.
	for _, p := range plans {
		if err := s.store.Delete(ctx, p.rec.Bucket, p.rec.ObjectKey); err != nil {
			logger.Error(ctx, "failed to delete staging object after persist", err, logger.Fields{
				"file_id":    p.rec.FileID,
				"object_key": p.rec.ObjectKey,
			})
		}
	}

	logger.Info(ctx, "persisted file batch", logger.Fields{"count": len(plans)})
	return nil
}

func (s *Service) verifyRetrievalKey(rec *types.FileRecord, retrievalKey string) error {
	ok, err := keyhash.Verify(retrievalKey, rec.RetrievalKeyHash, rec.RetrievalKeyCaseSensitive)
	if err != nil {
		return fmt.Errorf("failed to verify retrieval key for %s: %w", rec.FileID, err)
	}
	if !ok {
		return fmt.Errorf("retrieval key mismatch for %s: %w", rec.FileID, apperrors.ErrForbidden)
	}
	return nil
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
