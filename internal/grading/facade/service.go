// Package facade is the transport-independent entry point of the grading node.
package facade

import (
	"context"
	"fmt"

	"gradingnode/internal/grading/artifact"
	"gradingnode/internal/grading/executor"
	"gradingnode/internal/grading/sandbox"
	"gradingnode/internal/grading/sandbox/result"
	appErr "gradingnode/pkg/errors"
	"gradingnode/pkg/utils/contextkey"
	"gradingnode/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GradingService is bound to a transport at startup.
type GradingService interface {
	// Grade runs a submission and returns the complete result.
	Grade(ctx context.Context, req GradeRequest) (result.SubmissionResult, error)
	// GradeStream sends each test result in ordinal order, then the summary.
	GradeStream(ctx context.Context, req GradeRequest, send func(StreamEvent) error) error
	// Cancel stops an active submission.
	Cancel(ctx context.Context, submissionID string) error
	// Status returns the latest known state of a submission.
	Status(ctx context.Context, submissionID string) (StatusView, error)
}

// Submitter admits submissions for grading.
type Submitter interface {
	Submit(ctx context.Context, sub sandbox.Submission, opts ...executor.Option) (result.SubmissionResult, error)
	Cancel(ctx context.Context, submissionID string) error
}

// StatusReader reads polled statuses.
type StatusReader interface {
	Get(ctx context.Context, submissionID string) (executor.StatusUpdate, error)
}

// Config holds service dependencies.
type Config struct {
	Submitter Submitter
	Statuses  StatusReader
	Artifacts artifact.Fetcher
	Logger    *logger.Logger
}

// Service implements GradingService.
type Service struct {
	submitter Submitter
	statuses  StatusReader
	artifacts artifact.Fetcher
	log       *logger.Logger
}

var _ GradingService = (*Service)(nil)

// NewService creates the facade.
func NewService(cfg Config) (*Service, error) {
	if cfg.Submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		submitter: cfg.Submitter,
		statuses:  cfg.Statuses,
		artifacts: cfg.Artifacts,
		log:       log,
	}, nil
}

func (s *Service) Grade(ctx context.Context, req GradeRequest) (result.SubmissionResult, error) {
	if req.ResponseMode == ResponseStream {
		return result.SubmissionResult{}, s.publicError(ctx, appErr.New(appErr.InvalidParams).WithMessage("stream responses require GradeStream"))
	}
	sub, err := s.adapt(ctx, req)
	if err != nil {
		return result.SubmissionResult{}, s.publicError(ctx, err)
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, sub.ID)
	res, err := s.submitter.Submit(ctx, sub)
	if err != nil {
		return result.SubmissionResult{}, s.publicError(ctx, err)
	}
	return Scrub(res), nil
}

func (s *Service) GradeStream(ctx context.Context, req GradeRequest, send func(StreamEvent) error) error {
	if send == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("send is required")
	}
	sub, err := s.adapt(ctx, req)
	if err != nil {
		return s.publicError(ctx, err)
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, sub.ID)
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// results arrive sequentially from the scheduler
	var sendErr error
	onResult := func(tr result.TestResult) {
		if sendErr != nil {
			return
		}
		scrubbed := scrubTest(tr)
		if err := send(StreamEvent{Test: &scrubbed}); err != nil {
			sendErr = err
			cancel(err)
		}
	}
	res, err := s.submitter.Submit(ctx, sub, executor.WithResultHandler(onResult))
	if sendErr != nil {
		s.log.Warn(ctx, "stream closed by receiver", zap.Error(sendErr))
		return sendErr
	}
	if err != nil {
		return s.publicError(ctx, err)
	}
	summary := Scrub(res)
	return send(StreamEvent{Summary: &summary})
}

func (s *Service) Cancel(ctx context.Context, submissionID string) error {
	if submissionID == "" {
		return s.publicError(ctx, appErr.ValidationError("submission_id", "required"))
	}
	if err := s.submitter.Cancel(ctx, submissionID); err != nil {
		return s.publicError(ctx, err)
	}
	return nil
}

func (s *Service) Status(ctx context.Context, submissionID string) (StatusView, error) {
	if submissionID == "" {
		return StatusView{}, s.publicError(ctx, appErr.ValidationError("submission_id", "required"))
	}
	if s.statuses == nil {
		return StatusView{}, s.publicError(ctx, appErr.New(appErr.ServiceUnavailable))
	}
	update, err := s.statuses.Get(ctx, submissionID)
	if err != nil {
		return StatusView{}, s.publicError(ctx, err)
	}
	if update.Result != nil {
		scrubbed := Scrub(*update.Result)
		update.Result = &scrubbed
	}
	return update, nil
}

func (s *Service) adapt(ctx context.Context, req GradeRequest) (sandbox.Submission, error) {
	id := req.SubmissionID
	if id == "" {
		id = uuid.NewString()
	}
	content := req.Source.Content
	if req.Source.Ref != nil {
		data, err := s.fetch(ctx, *req.Source.Ref)
		if err != nil {
			return sandbox.Submission{}, err
		}
		content = data
	}
	sub := sandbox.Submission{
		ID: id,
		Source: sandbox.SourceArtifact{
			Language: req.Source.Language,
			FileName: req.Source.FileName,
			Content:  content,
			Prebuilt: req.Source.Prebuilt,
		},
		Tests:      make([]sandbox.TestCase, 0, len(req.Tests)),
		Limits:     req.Limits,
		Checker:    req.Checker,
		Policy:     req.Policy,
		AllowEmpty: req.AllowEmpty,
	}
	for i, t := range req.Tests {
		tc := sandbox.TestCase{ID: t.ID, Ordinal: t.Ordinal, Input: t.Input, Expected: t.Expected}
		if tc.Ordinal <= 0 {
			tc.Ordinal = i + 1
		}
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("test-%d", tc.Ordinal)
		}
		if t.InputRef != nil {
			data, err := s.fetch(ctx, *t.InputRef)
			if err != nil {
				return sandbox.Submission{}, err
			}
			tc.Input = data
		}
		if t.ExpectedRef != nil {
			data, err := s.fetch(ctx, *t.ExpectedRef)
			if err != nil {
				return sandbox.Submission{}, err
			}
			tc.Expected = data
		}
		sub.Tests = append(sub.Tests, tc)
	}
	return sub, nil
}

func (s *Service) fetch(ctx context.Context, ref artifact.Ref) ([]byte, error) {
	if s.artifacts == nil {
		return nil, appErr.New(appErr.ServiceUnavailable).WithMessage("artifact references are not supported")
	}
	return s.artifacts.Fetch(ctx, ref)
}

// publicError strips everything but the error code. Validation errors keep
// the offending field.
func (s *Service) publicError(ctx context.Context, err error) error {
	code := appErr.GetCode(err)
	if code.HTTPStatus() >= 500 {
		s.log.Error(ctx, "grading request failed", zap.Int("code", int(code)), zap.Error(err))
	} else {
		s.log.Warn(ctx, "grading request rejected", zap.Int("code", int(code)), zap.Error(err))
	}
	if code == appErr.ValidationFailed {
		return appErr.GetError(err).Public("field", "reason")
	}
	return appErr.GetError(err).Public()
}

// Scrub removes sandbox-internal detail from a result before it leaves the node.
func Scrub(res result.SubmissionResult) result.SubmissionResult {
	out := res
	if res.Build != nil {
		build := *res.Build
		build.Error = ""
		if build.Status == result.StatusRunnerError {
			build.Log = InternalFailure
		}
		out.Build = &build
	}
	if res.State == result.StateFailed {
		out.Message = InternalFailure
	}
	out.Tests = make([]result.TestResult, len(res.Tests))
	for i, tr := range res.Tests {
		out.Tests[i] = scrubTest(tr)
	}
	return out
}

func scrubTest(tr result.TestResult) result.TestResult {
	out := tr
	if tr.Outcome != nil {
		o := *tr.Outcome
		o.Error = ""
		if o.Status == result.StatusRunnerError {
			o.Stderr = ""
			o.StderrTruncated = false
		}
		out.Outcome = &o
	}
	internal := tr.Verdict == result.VerdictInternalError ||
		(tr.Outcome != nil && tr.Outcome.Status == result.StatusRunnerError)
	if internal {
		out.CheckerMessage = InternalFailure
		if out.Outcome != nil {
			out.Outcome.Stderr = ""
			out.Outcome.StderrTruncated = false
		}
	}
	return out
}
