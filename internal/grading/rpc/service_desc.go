package rpc

import (
	"context"

	"gradingnode/internal/grading/facade"
	"gradingnode/internal/grading/sandbox/result"

	"google.golang.org/grpc"
)

const serviceName = "gradingnode.v1.GradingNode"

const (
	methodGrade       = "/" + serviceName + "/Grade"
	methodGradeStream = "/" + serviceName + "/GradeStream"
	methodCancel      = "/" + serviceName + "/Cancel"
	methodGetStatus   = "/" + serviceName + "/GetStatus"
)

// CancelRequest names the submission to cancel.
type CancelRequest struct {
	SubmissionID string `json:"submissionId"`
}

// CancelResponse is empty on success.
type CancelResponse struct{}

// StatusRequest names the submission to look up.
type StatusRequest struct {
	SubmissionID string `json:"submissionId"`
}

// GradingNodeServer is the server API for the GradingNode service.
type GradingNodeServer interface {
	Grade(ctx context.Context, req *facade.GradeRequest) (*result.SubmissionResult, error)
	GradeStream(req *facade.GradeRequest, stream grpc.ServerStream) error
	Cancel(ctx context.Context, req *CancelRequest) (*CancelResponse, error)
	GetStatus(ctx context.Context, req *StatusRequest) (*facade.StatusView, error)
}

var gradingNodeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*GradingNodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Grade", Handler: gradeHandler},
		{MethodName: "Cancel", Handler: cancelHandler},
		{MethodName: "GetStatus", Handler: getStatusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "GradeStream", Handler: gradeStreamHandler, ServerStreams: true},
	},
	Metadata: "gradingnode/v1/grading.proto",
}

func gradeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(facade.GradeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GradingNodeServer).Grade(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGrade}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GradingNodeServer).Grade(ctx, req.(*facade.GradeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func cancelHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CancelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GradingNodeServer).Cancel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodCancel}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GradingNodeServer).Cancel(ctx, req.(*CancelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GradingNodeServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetStatus}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GradingNodeServer).GetStatus(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func gradeStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(facade.GradeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(GradingNodeServer).GradeStream(in, stream)
}
