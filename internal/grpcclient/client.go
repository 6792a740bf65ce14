package grpcclient

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/facevault/internal/engine"
	"github.com/example/facevault/internal/logging"
)

// FindMethod is the full gRPC method name of the engine's search call.
const FindMethod = "/facematch.v1.FaceMatcher/Find"

// DialFaceMatcher returns a ready-to-use gRPC client for the face-matching engine.
func DialFaceMatcher(ctx context.Context, addr string, dialTimeout, callTimeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_face_matcher", "", err)
		logger.Error("failed to dial face matcher", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewClient(conn, callTimeout, logger), conn, nil
}

// Client implements engine.Matcher over a gRPC connection.
type Client struct {
	conn        grpc.ClientConnInterface
	callTimeout time.Duration
	logger      *zap.Logger
}

var _ engine.Matcher = (*Client)(nil)

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface, callTimeout time.Duration, logger *zap.Logger) *Client {
	return &Client{conn: conn, callTimeout: callTimeout, logger: logger.Named("face_matcher")}
}

// Find implements engine.Matcher.
func (c *Client) Find(ctx context.Context, query engine.Query, root string, opts engine.Options) ([]engine.Table, error) {
	req, err := encodeFindRequest(query, root, opts)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_find", "", err)
	}

	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, FindMethod, req, resp); err != nil {
		return nil, c.mapError(err, opts)
	}

	tables, err := decodeFindResponse(resp)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.decode_find", "", err)
		c.logger.Error("malformed face matcher response", zap.Error(wrapped))
		return nil, wrapped
	}
	return tables, nil
}

// mapError turns InvalidArgument into an engine validation error; other
// failures stay internal.
func (c *Client) mapError(err error, opts engine.Options) error {
	st, ok := status.FromError(err)
	if ok && st.Code() == codes.InvalidArgument {
		return &engine.ValidationError{Message: st.Message()}
	}

	wrapped := logging.NewOperationError("grpcclient.find", "", err)
	c.logger.Error("face matcher call failed",
		zap.Error(wrapped),
		zap.String("model_name", opts.ModelName),
		zap.String("detector_backend", opts.DetectorBackend),
	)
	return wrapped
}
