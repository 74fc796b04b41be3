package executor

import (
	"context"
	"sync"
	"time"

	"gradingnode/internal/grading/sandbox"
	"gradingnode/internal/grading/sandbox/result"
	appErr "gradingnode/pkg/errors"
	"gradingnode/pkg/utils/logger"

	"go.uber.org/zap"
)

// ManagerConfig bounds concurrent submissions.
type ManagerConfig struct {
	// MaxActive is the number of submissions graded at once.
	MaxActive int
	// QueueTimeout is how long a submission waits for a slot. Zero waits until
	// the caller's context ends.
	QueueTimeout time.Duration
	// WorkerTimeout caps the grading time of one submission.
	WorkerTimeout time.Duration
}

// Manager admits submissions into the executor and tracks them for
// cancellation.
type Manager struct {
	exec *Executor
	cfg  ManagerConfig
	sem  chan struct{}
	log  *logger.Logger

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

// NewManager creates a manager around exec.
func NewManager(exec *Executor, cfg ManagerConfig, log *logger.Logger) *Manager {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		exec:   exec,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxActive),
		log:    log,
		active: make(map[string]context.CancelCauseFunc),
	}
}

// Submit grades sub once a slot is free. A submission id can be active only
// once at a time.
func (m *Manager) Submit(ctx context.Context, sub sandbox.Submission, opts ...Option) (result.SubmissionResult, error) {
	if err := Validate(sub); err != nil {
		return result.SubmissionResult{}, err
	}
	receivedAt := time.Now()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if err := m.register(sub.ID, cancel); err != nil {
		return result.SubmissionResult{}, err
	}
	defer m.unregister(sub.ID)

	if err := m.acquireSlot(ctx); err != nil {
		if ctx.Err() != nil && appErr.GetCode(err) != appErr.GradingQueueFull {
			res := result.SubmissionResult{
				SubmissionID: sub.ID,
				Language:     sub.Source.Language,
				Tests:        []result.TestResult{},
				ReceivedAt:   receivedAt,
			}
			return m.exec.cancel(ctx, res, err), nil
		}
		return result.SubmissionResult{}, err
	}
	defer m.releaseSlot()

	if m.cfg.WorkerTimeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, m.cfg.WorkerTimeout, appErr.New(appErr.Timeout).WithMessage("grading time exceeded"))
		defer stop()
	}
	opts = append([]Option{WithReceivedAt(receivedAt)}, opts...)
	return m.exec.Execute(ctx, sub, opts...)
}

// Cancel stops an active submission. Runs in flight are killed and the
// submission ends Cancelled.
func (m *Manager) Cancel(ctx context.Context, submissionID string) error {
	m.mu.Lock()
	cancel, ok := m.active[submissionID]
	m.mu.Unlock()
	if !ok {
		return appErr.New(appErr.SubmissionNotFound).WithDetail("submission_id", submissionID)
	}
	cancel(appErr.New(appErr.Canceled).WithMessage("cancelled by request"))
	if err := m.exec.runner.Kill(ctx, submissionID); err != nil {
		m.log.Warn(ctx, "kill submission runs failed", zap.String("submission_id", submissionID), zap.Error(err))
	}
	return nil
}

// Active reports whether a submission is queued or running.
func (m *Manager) Active(submissionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[submissionID]
	return ok
}

func (m *Manager) register(id string, cancel context.CancelCauseFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[id]; ok {
		return appErr.New(appErr.SubmissionAlreadyActive).WithDetail("submission_id", id)
	}
	m.active[id] = cancel
	return nil
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

func (m *Manager) acquireSlot(ctx context.Context) error {
	var timeout <-chan time.Time
	if m.cfg.QueueTimeout > 0 {
		timer := time.NewTimer(m.cfg.QueueTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-timeout:
		return appErr.New(appErr.GradingQueueFull)
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (m *Manager) releaseSlot() {
	<-m.sem
}
