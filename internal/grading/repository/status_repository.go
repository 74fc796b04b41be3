// Package repository stores submission status for polling and publishes
// final results.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	cachex "gradingnode/internal/common/cache"
	"gradingnode/internal/grading/executor"
	appErr "gradingnode/pkg/errors"
	"gradingnode/pkg/utils/logger"

	"go.uber.org/zap"
)

const statusKeyPrefix = "grading:status:"

const defaultStatusTTL = 30 * time.Minute

// StatusStore persists the latest status of each submission.
type StatusStore interface {
	executor.StatusReporter
	Get(ctx context.Context, submissionID string) (executor.StatusUpdate, error)
}

// StatusRepository keeps statuses in the cache and publishes final ones.
type StatusRepository struct {
	cache     cachex.Cache
	publisher StatusEventPublisher
	ttl       time.Duration
	log       *logger.Logger
}

// NewStatusRepository creates a cache-backed repository. publisher may be nil.
func NewStatusRepository(cacheClient cachex.Cache, ttl time.Duration, publisher StatusEventPublisher, log *logger.Logger) *StatusRepository {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	if log == nil {
		log = logger.Nop()
	}
	return &StatusRepository{cache: cacheClient, publisher: publisher, ttl: ttl, log: log}
}

// ReportStatus implements executor.StatusReporter.
func (r *StatusRepository) ReportStatus(ctx context.Context, update executor.StatusUpdate) error {
	return r.Save(ctx, update)
}

// Save stores the status and publishes it when it is terminal.
func (r *StatusRepository) Save(ctx context.Context, update executor.StatusUpdate) error {
	if update.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("status cache is not configured")
	}
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}
	if err := r.cache.Set(ctx, statusKeyPrefix+update.SubmissionID, string(data), cachex.JitterTTL(r.ttl)); err != nil {
		r.log.Error(ctx, "store status failed", zap.String("submission_id", update.SubmissionID), zap.Error(err))
		return appErr.Wrapf(err, appErr.CacheError, "store status failed")
	}
	if update.State.Terminal() && r.publisher != nil {
		if err := r.publisher.PublishFinalStatus(ctx, update); err != nil {
			r.log.Error(ctx, "publish final status failed", zap.String("submission_id", update.SubmissionID), zap.Error(err))
			return err
		}
	}
	return nil
}

// Get returns the latest status of a submission.
func (r *StatusRepository) Get(ctx context.Context, submissionID string) (executor.StatusUpdate, error) {
	if submissionID == "" {
		return executor.StatusUpdate{}, appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return executor.StatusUpdate{}, appErr.New(appErr.ServiceUnavailable).WithMessage("status cache is not configured")
	}
	raw, err := r.cache.Get(ctx, statusKeyPrefix+submissionID)
	if err != nil {
		return executor.StatusUpdate{}, appErr.Wrapf(err, appErr.CacheError, "get status failed")
	}
	if raw == "" {
		return executor.StatusUpdate{}, appErr.New(appErr.SubmissionNotFound).WithDetail("submission_id", submissionID)
	}
	var update executor.StatusUpdate
	if err := json.Unmarshal([]byte(raw), &update); err != nil {
		return executor.StatusUpdate{}, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
	}
	return update, nil
}

// MemoryStatusRepository keeps statuses in process memory. Used when no
// cache is configured. Entries expire ttl after their last update.
type MemoryStatusRepository struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	ttl       time.Duration
	nextSweep time.Time
	now       func() time.Time
	publisher StatusEventPublisher
}

type memoryEntry struct {
	update    executor.StatusUpdate
	expiresAt time.Time
}

// NewMemoryStatusRepository creates an in-memory repository. publisher may be nil.
func NewMemoryStatusRepository(ttl time.Duration, publisher StatusEventPublisher) *MemoryStatusRepository {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	return &MemoryStatusRepository{
		entries:   make(map[string]memoryEntry),
		ttl:       ttl,
		now:       time.Now,
		publisher: publisher,
	}
}

// ReportStatus implements executor.StatusReporter.
func (r *MemoryStatusRepository) ReportStatus(ctx context.Context, update executor.StatusUpdate) error {
	if update.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	now := r.now()
	r.mu.Lock()
	r.sweepLocked(now)
	r.entries[update.SubmissionID] = memoryEntry{update: update, expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()
	if update.State.Terminal() && r.publisher != nil {
		return r.publisher.PublishFinalStatus(ctx, update)
	}
	return nil
}

// Get returns the latest status of a submission.
func (r *MemoryStatusRepository) Get(ctx context.Context, submissionID string) (executor.StatusUpdate, error) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[submissionID]
	if ok && !now.Before(entry.expiresAt) {
		delete(r.entries, submissionID)
		ok = false
	}
	if !ok {
		return executor.StatusUpdate{}, appErr.New(appErr.SubmissionNotFound).WithDetail("submission_id", submissionID)
	}
	return entry.update, nil
}

// sweepLocked drops expired entries, at most once per quarter ttl.
func (r *MemoryStatusRepository) sweepLocked(now time.Time) {
	if now.Before(r.nextSweep) {
		return
	}
	for id, entry := range r.entries {
		if !now.Before(entry.expiresAt) {
			delete(r.entries, id)
		}
	}
	r.nextSweep = now.Add(r.ttl / 4)
}
