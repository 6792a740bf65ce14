package grpcclient

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/facevault/internal/engine"
	"github.com/example/facevault/internal/logging"
)

type findFunc func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// startFakeMatcher serves FindMethod on an in-memory listener.
func startFakeMatcher(t *testing.T, find findFunc) *Client {
	t.Helper()

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: "facematch.v1.FaceMatcher",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Find",
			Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				req := &structpb.Struct{}
				if err := dec(req); err != nil {
					return nil, err
				}
				return find(ctx, req)
			},
		}},
	}, struct{}{})
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	client, conn, err := DialFaceMatcher(context.Background(), "bufnet", time.Second, time.Second, zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return client
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestFindSendsOptionsAndDecodesTables(t *testing.T) {
	var received *structpb.Struct
	client := startFakeMatcher(t, func(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		received = req
		return mustStruct(t, map[string]any{
			"tables": []any{
				map[string]any{
					"columns": []any{"identity", "distance", "threshold"},
					"rows": []any{
						[]any{"/srv/database/alice/1.png", 0.12, 0.68},
						[]any{nil, 0.4, 0.68},
					},
				},
			},
		}), nil
	})

	opts := engine.Options{ModelName: "VGG-Face", DetectorBackend: "opencv", DistanceMetric: "cosine", Align: true, EnforceDetection: true}
	tables, err := client.Find(context.Background(), engine.Query{Ref: "data:image/png;base64,AAAA"}, "/srv/database", opts)
	require.NoError(t, err)

	fields := received.AsMap()
	assert.Equal(t, "data:image/png;base64,AAAA", fields["img"])
	assert.Equal(t, "/srv/database", fields["db_path"])
	assert.Equal(t, "VGG-Face", fields["model_name"])
	assert.Equal(t, true, fields["align"])
	assert.Equal(t, false, fields["anti_spoofing"])

	require.Len(t, tables, 1)
	require.Len(t, tables[0].Rows, 2)
	first := tables[0].Rows[0]
	assert.True(t, first.HasPath)
	assert.Equal(t, "/srv/database/alice/1.png", first.Path)
	assert.Equal(t, []engine.Field{{Name: "distance", Value: 0.12}, {Name: "threshold", Value: 0.68}}, first.Fields)
	assert.False(t, tables[0].Rows[1].HasPath)
}

func TestFindEncodesDecodedImageAsDataURI(t *testing.T) {
	var img string
	client := startFakeMatcher(t, func(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		img = req.GetFields()["img"].GetStringValue()
		return &structpb.Struct{}, nil
	})

	tables, err := client.Find(context.Background(), engine.Query{Image: []byte("png"), ImageMIME: "image/png"}, "/db", engine.Options{})
	require.NoError(t, err)
	assert.Empty(t, tables)
	assert.Equal(t, "data:image/png;base64,cG5n", img)
}

func TestFindMapsInvalidArgumentToValidationError(t *testing.T) {
	client := startFakeMatcher(t, func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.InvalidArgument, "Face could not be detected in numpy array.")
	})

	_, err := client.Find(context.Background(), engine.Query{Ref: "x"}, "/db", engine.Options{})
	require.Error(t, err)
	assert.True(t, engine.IsValidation(err))
	assert.True(t, engine.IsDetectionFailure(err))
}

func TestFindWrapsInternalErrors(t *testing.T) {
	client := startFakeMatcher(t, func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.Internal, "model weights missing")
	})

	_, err := client.Find(context.Background(), engine.Query{Ref: "x"}, "/db", engine.Options{})
	require.Error(t, err)
	assert.False(t, engine.IsValidation(err))
	var opErr *logging.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "grpcclient.find", opErr.Operation)
}

func TestDecodeRejectsRaggedRows(t *testing.T) {
	resp := mustStruct(t, map[string]any{
		"tables": []any{map[string]any{
			"columns": []any{"identity", "distance"},
			"rows":    []any{[]any{"/db/a/1.png"}},
		}},
	})

	_, err := decodeFindResponse(resp)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "row 0"))
}

func TestEncodeRejectsEmptyQuery(t *testing.T) {
	_, err := encodeFindRequest(engine.Query{}, "/db", engine.Options{})
	require.Error(t, err)
}
