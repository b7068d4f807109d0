package ai

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"canvas-realtime/internal/model"
)

type assistantServer interface{}

type echoAssistant struct{}

// runCommandHandler 요청 명령을 메시지로 되돌려주고 도형 하나를 생성
func runCommandHandler(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	in := &structpb.Struct{}
	if err := dec(in); err != nil {
		return nil, err
	}
	command := in.GetFields()["command"].GetStringValue()
	shapes := in.GetFields()["shapes"].GetListValue().GetValues()

	return structpb.NewStruct(map[string]any{
		"message": command,
		"mutations": []any{
			map[string]any{
				"op": "create",
				"shape": map[string]any{
					"id":     "from-ai",
					"type":   "rectangle",
					"x":      float64(len(shapes)),
					"width":  10.0,
					"height": 20.0,
				},
			},
		},
	})
}

func startAssistant(t *testing.T) *GrpcExecutor {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: AssistantService,
		HandlerType: (*assistantServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "RunCommand", Handler: runCommandHandler},
		},
	}, echoAssistant{})

	hs := health.NewServer()
	hs.SetServingStatus(AssistantService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	exec, err := NewGrpcExecutor("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Close() })
	return exec
}

func TestGrpcExecutorRoundTrip(t *testing.T) {
	exec := startAssistant(t)

	result, err := exec.Execute(context.Background(), CommandRequest{
		CanvasID: "cv1",
		UserID:   "u2",
		Command:  "create a rectangle",
		Shapes:   []model.Shape{{ID: "a"}, {ID: "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "create a rectangle", result.Message)
	require.Len(t, result.Mutations, 1)

	m := result.Mutations[0]
	assert.Equal(t, OpCreate, m.Op)
	require.NotNil(t, m.Shape)
	assert.Equal(t, "from-ai", m.Shape.ID)
	assert.Equal(t, 2.0, m.Shape.X)
	assert.Equal(t, 20.0, m.Shape.Height)
}

func TestGrpcExecutorHealth(t *testing.T) {
	exec := startAssistant(t)
	assert.NoError(t, exec.Health(context.Background()))
}

func TestDisabledExecutor(t *testing.T) {
	_, err := DisabledExecutor{}.Execute(context.Background(), CommandRequest{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, DisabledExecutor{}.Health(context.Background()), ErrUnavailable)
}
