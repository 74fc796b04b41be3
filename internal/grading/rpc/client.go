package rpc

import (
	"context"
	"errors"
	"io"

	"gradingnode/internal/grading/facade"
	"gradingnode/internal/grading/sandbox/result"
	"gradingnode/pkg/utils/contextkey"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Client is a thin gRPC client for the grading node.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a grading node without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Grade(ctx context.Context, req facade.GradeRequest) (result.SubmissionResult, error) {
	var out result.SubmissionResult
	err := c.conn.Invoke(outgoing(ctx), methodGrade, &req, &out, grpc.CallContentSubtype(codecName))
	return out, err
}

// GradeStream calls fn for every event until the summary arrives.
func (c *Client) GradeStream(ctx context.Context, req facade.GradeRequest, fn func(facade.StreamEvent) error) error {
	ctx, cancel := context.WithCancel(outgoing(ctx))
	defer cancel()
	stream, err := c.conn.NewStream(ctx, &gradingNodeServiceDesc.Streams[0], methodGradeStream, grpc.CallContentSubtype(codecName))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		var ev facade.StreamEvent
		if err := stream.RecvMsg(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) Cancel(ctx context.Context, submissionID string) error {
	var out CancelResponse
	return c.conn.Invoke(outgoing(ctx), methodCancel, &CancelRequest{SubmissionID: submissionID}, &out, grpc.CallContentSubtype(codecName))
}

func (c *Client) Status(ctx context.Context, submissionID string) (facade.StatusView, error) {
	var out facade.StatusView
	err := c.conn.Invoke(outgoing(ctx), methodGetStatus, &StatusRequest{SubmissionID: submissionID}, &out, grpc.CallContentSubtype(codecName))
	return out, err
}

func outgoing(ctx context.Context) context.Context {
	if traceID, ok := ctx.Value(contextkey.TraceID).(string); ok && traceID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, traceIDMetadataKey, traceID)
	}
	return ctx
}
