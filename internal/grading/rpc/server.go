// Package rpc binds the grading facade to gRPC.
package rpc

import (
	"context"
	"errors"
	"time"

	"gradingnode/internal/grading/facade"
	"gradingnode/internal/grading/sandbox/result"
	pkgerrors "gradingnode/pkg/errors"
	"gradingnode/pkg/utils/contextkey"
	"gradingnode/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	traceIDMetadataKey   = "x-trace-id"
	requestIDMetadataKey = "x-request-id"
)

// GradingRPCServer implements the gRPC grading service.
type GradingRPCServer struct {
	service facade.GradingService
}

// NewGradingRPCServer creates a new gRPC server.
func NewGradingRPCServer(svc facade.GradingService) *GradingRPCServer {
	return &GradingRPCServer{service: svc}
}

// RegisterGradingService registers the gRPC server.
func RegisterGradingService(registrar grpc.ServiceRegistrar, svc facade.GradingService) {
	registrar.RegisterService(&gradingNodeServiceDesc, NewGradingRPCServer(svc))
}

// NewServer creates a gRPC server with trace and logging interceptors.
func NewServer(log *logger.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(UnaryTraceInterceptor(log)),
		grpc.ChainStreamInterceptor(StreamTraceInterceptor(log)),
	}, opts...)
	return grpc.NewServer(opts...)
}

// Grade runs a submission to completion.
func (s *GradingRPCServer) Grade(ctx context.Context, req *facade.GradeRequest) (*result.SubmissionResult, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	res, err := s.service.Grade(ctx, *req)
	if err != nil {
		return nil, mapError(err)
	}
	return &res, nil
}

// GradeStream streams per-test results, then the summary.
func (s *GradingRPCServer) GradeStream(req *facade.GradeRequest, stream grpc.ServerStream) error {
	if req == nil {
		return status.Error(codes.InvalidArgument, "request is required")
	}
	err := s.service.GradeStream(stream.Context(), *req, func(ev facade.StreamEvent) error {
		return stream.SendMsg(&ev)
	})
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return err
		}
		return mapError(err)
	}
	return nil
}

// Cancel stops an active submission.
func (s *GradingRPCServer) Cancel(ctx context.Context, req *CancelRequest) (*CancelResponse, error) {
	if req == nil || req.SubmissionID == "" {
		return nil, status.Error(codes.InvalidArgument, "submission_id is required")
	}
	if err := s.service.Cancel(ctx, req.SubmissionID); err != nil {
		return nil, mapError(err)
	}
	return &CancelResponse{}, nil
}

// GetStatus returns the polled status of a submission.
func (s *GradingRPCServer) GetStatus(ctx context.Context, req *StatusRequest) (*facade.StatusView, error) {
	if req == nil || req.SubmissionID == "" {
		return nil, status.Error(codes.InvalidArgument, "submission_id is required")
	}
	view, err := s.service.Status(ctx, req.SubmissionID)
	if err != nil {
		return nil, mapError(err)
	}
	return &view, nil
}

func mapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, pkgerrors.Canceled.Message())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, pkgerrors.Timeout.Message())
	}
	code := pkgerrors.GetCode(err)
	switch code {
	case pkgerrors.NotFound, pkgerrors.SubmissionNotFound, pkgerrors.ArtifactNotFound:
		return status.Error(codes.NotFound, code.Message())
	case pkgerrors.ValidationFailed:
		var coded *pkgerrors.Error
		if errors.As(err, &coded) {
			if field, ok := coded.Details["field"]; ok {
				return status.Errorf(codes.InvalidArgument, "%s: %v %v", code.Message(), field, coded.Details["reason"])
			}
		}
		return status.Error(codes.InvalidArgument, code.Message())
	case pkgerrors.InvalidParams, pkgerrors.LanguageNotSupported:
		return status.Error(codes.InvalidArgument, code.Message())
	case pkgerrors.SubmissionAlreadyActive:
		return status.Error(codes.AlreadyExists, code.Message())
	case pkgerrors.GradingQueueFull:
		return status.Error(codes.ResourceExhausted, code.Message())
	case pkgerrors.ServiceUnavailable:
		return status.Error(codes.Unavailable, code.Message())
	case pkgerrors.Timeout:
		return status.Error(codes.DeadlineExceeded, code.Message())
	case pkgerrors.Canceled:
		return status.Error(codes.Canceled, code.Message())
	default:
		return status.Error(codes.Internal, code.Message())
	}
}

func traceContext(ctx context.Context) context.Context {
	traceID, requestID := "", ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(traceIDMetadataKey); len(v) > 0 {
			traceID = v[0]
		}
		if v := md.Get(requestIDMetadataKey); len(v) > 0 {
			requestID = v[0]
		}
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx = context.WithValue(ctx, contextkey.TraceID, traceID)
	return context.WithValue(ctx, contextkey.RequestID, requestID)
}

// UnaryTraceInterceptor puts trace ids into the context and logs each call.
func UnaryTraceInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	if log == nil {
		log = logger.Nop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx = traceContext(ctx)
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Info(ctx, "grpc call",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}

// StreamTraceInterceptor is the streaming counterpart of UnaryTraceInterceptor.
func StreamTraceInterceptor(log *logger.Logger) grpc.StreamServerInterceptor {
	if log == nil {
		log = logger.Nop()
	}
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := traceContext(ss.Context())
		start := time.Now()
		err := handler(srv, &tracedStream{ServerStream: ss, ctx: ctx})
		log.Info(ctx, "grpc stream",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return err
	}
}

type tracedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *tracedStream) Context() context.Context {
	return s.ctx
}
