package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// AdvisorService is the fully qualified name of the gRPC answer service.
// Requests and responses are google.protobuf.Struct messages.
const AdvisorService = "holyanswers.agent.v1.AdvisorService"

const (
	chatMethod = "/" + AdvisorService + "/Chat"
	stopMethod = "/" + AdvisorService + "/StopGeneration"
)

var chatStreamDesc = &grpc.StreamDesc{StreamName: "Chat", ServerStreams: true}

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errChatResponse             = errors.New("chat response returned error")
	errNotServing               = errors.New("advisor service not serving")
)

// GrpcClient streams answers from the gRPC advisor service.
type GrpcClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	cfg    GrpcClientConfig
	logger *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	StopTimeout      time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig() GrpcClientConfig {
	return GrpcClientConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		StopTimeout:      5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the advisor service and waits until the
// connection is ready so a bad address fails at startup.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGrpcClientConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to advisor at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("advisor at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to advisor service", "address", cfg.Address)
	return NewGrpcClientWithConn(conn, cfg, logger), nil
}

// NewGrpcClientWithConn wraps an existing connection. The client takes
// ownership of conn.
func NewGrpcClientWithConn(conn *grpc.ClientConn, cfg GrpcClientConfig, logger *slog.Logger) *GrpcClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultGrpcClientConfig().StopTimeout
	}
	return &GrpcClient{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   conn.Target(),
		cfg:    cfg,
		logger: logger,
	}
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the advisor through the standard gRPC health service.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: AdvisorService})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

func chatRequestStruct(req ChatRequest) (*structpb.Struct, error) {
	history := make([]any, 0, len(req.History))
	for _, h := range req.History {
		history = append(history, map[string]any{"sender": h.Sender, "content": h.Content})
	}
	return structpb.NewStruct(map[string]any{
		"user_input":      req.Message,
		"user_id":         req.UserID,
		"session_id":      req.SessionID,
		"turn_id":         req.TurnID,
		"context_history": history,
	})
}

// Chat opens a server stream and yields each content chunk.
func (c *GrpcClient) Chat(ctx context.Context, req ChatRequest) iter.Seq2[*ChatResponse, error] {
	return func(yield func(*ChatResponse, error) bool) {
		if c.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
			defer cancel()
		}
		// Cancelling the stream context releases the stream if the consumer stops early.
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		msg, err := chatRequestStruct(req)
		if err != nil {
			yield(nil, fmt.Errorf("encode chat request: %w", err))
			return
		}

		stream, err := c.conn.NewStream(ctx, chatStreamDesc, chatMethod)
		if err != nil {
			yield(nil, fmt.Errorf("chat request failed: %w", err))
			return
		}
		if err := stream.SendMsg(msg); err != nil {
			yield(nil, fmt.Errorf("chat request failed: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, fmt.Errorf("chat request failed: %w", err))
			return
		}

		for {
			resp := &structpb.Struct{}
			err := stream.RecvMsg(resp)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("chat stream error: %w", err))
				return
			}

			fields := resp.GetFields()
			if fields["response_type"].GetStringValue() == "error" {
				errMsg := fields["error_message"].GetStringValue()
				if errMsg == "" {
					yield(nil, errChatResponse)
					return
				}
				yield(nil, fmt.Errorf("%w: %s", errChatResponse, errMsg))
				return
			}

			chatResp := &ChatResponse{
				Response: fields["content"].GetStringValue(),
				Tone:     fields["tone"].GetStringValue(),
				Done:     fields["done"].GetBoolValue(),
			}
			for _, v := range fields["references"].GetListValue().GetValues() {
				if ref := v.GetStringValue(); ref != "" {
					chatResp.References = append(chatResp.References, ref)
				}
			}
			if !yield(chatResp, nil) {
				return
			}
		}
	}
}

// StopGeneration calls the unary StopGeneration method.
func (c *GrpcClient) StopGeneration(ctx context.Context, userID, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{"user_id": userID, "session_id": sessionID})
	if err != nil {
		return fmt.Errorf("encode stop request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, stopMethod, req, resp); err != nil {
		c.logger.Warn("StopGeneration failed", "error", err, "user_id", userID, "session_id", sessionID)
		return err
	}
	// A reachable service can still refuse; it reports ok=false.
	if ok, present := resp.GetFields()["ok"]; present && !ok.GetBoolValue() {
		return fmt.Errorf("StopGeneration: %s", resp.GetFields()["status"].GetStringValue())
	}
	return nil
}
