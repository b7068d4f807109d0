package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// AssistantService AI 어시스턴트 gRPC 서비스 이름
	AssistantService = "canvas.assistant.v1.AssistantService"
	runCommandMethod = "/" + AssistantService + "/RunCommand"

	// gRPC 연결 설정
	MaxRetries       = 3
	RetryBackoff     = time.Second
	KeepAliveTime    = 10 * time.Second
	KeepAliveTimeout = 5 * time.Second
	MaxRecvMsgSize   = 4 * 1024 * 1024 // 4MB
	MaxSendMsgSize   = 4 * 1024 * 1024 // 4MB
)

// ErrUnavailable AI 서버를 사용할 수 없음
var ErrUnavailable = errors.New("ai: assistant unavailable")

// GrpcExecutor AI 어시스턴트 서버와 통신하는 gRPC 클라이언트.
// 요청/응답은 google.protobuf.Struct 로 주고받는다.
type GrpcExecutor struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
}

var _ Executor = (*GrpcExecutor)(nil)

// NewGrpcExecutor 새 gRPC 클라이언트 생성. extra 는 테스트용 다이얼러 등.
func NewGrpcExecutor(addr string, extra ...grpc.DialOption) (*GrpcExecutor, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxRecvMsgSize),
			grpc.MaxCallSendMsgSize(MaxSendMsgSize),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                KeepAliveTime,
			Timeout:             KeepAliveTimeout,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, extra...)

	// 연결 시도 (재시도 로직 포함)
	var conn *grpc.ClientConn
	var err error

	for i := 0; i < MaxRetries; i++ {
		conn, err = grpc.NewClient(addr, opts...)
		if err == nil {
			break
		}
		log.Printf("⚠️ [AI] gRPC connection attempt %d failed: %v", i+1, err)
		time.Sleep(RetryBackoff * time.Duration(i+1))
	}

	if err != nil {
		return nil, err
	}

	return &GrpcExecutor{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   addr,
	}, nil
}

// Close 연결 종료
func (e *GrpcExecutor) Close() error {
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

// Execute RunCommand 호출
func (e *GrpcExecutor) Execute(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}

	out := &structpb.Struct{}
	if err := e.conn.Invoke(ctx, runCommandMethod, in, out); err != nil {
		return nil, fmt.Errorf("run command: %w", err)
	}

	var result CommandResult
	if err := fromStruct(out, &result); err != nil {
		return nil, fmt.Errorf("decode command result: %w", err)
	}
	return &result, nil
}

// Health 어시스턴트 서비스 상태 확인
func (e *GrpcExecutor) Health(ctx context.Context) error {
	resp, err := e.health.Check(ctx, &healthpb.HealthCheckRequest{Service: AssistantService})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrUnavailable, resp.GetStatus())
	}
	return nil
}

// toStruct JSON 태그 기준으로 Struct 변환
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, dst any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// DisabledExecutor AI 비활성화 시 사용
type DisabledExecutor struct{}

// Execute 항상 ErrUnavailable
func (DisabledExecutor) Execute(context.Context, CommandRequest) (*CommandResult, error) {
	return nil, ErrUnavailable
}

// Health 항상 ErrUnavailable
func (DisabledExecutor) Health(context.Context) error {
	return ErrUnavailable
}
