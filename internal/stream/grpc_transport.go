package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// LiveMethod is the full gRPC method name of the bidirectional stream.
const LiveMethod = "/patrol.perception.v1.PerceptionService/Live"

// LiveStreamDesc describes the Live stream for clients and test servers.
var LiveStreamDesc = grpc.StreamDesc{
	StreamName:    "Live",
	ServerStreams: true,
	ClientStreams: true,
}

// GRPCTransport speaks the Live protocol over a gRPC bidi stream whose
// messages are google.protobuf.Struct documents.
type GRPCTransport struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

// NewGRPCTransport creates a lazily-connecting client for endpoint.
func NewGRPCTransport(endpoint string, logger *zap.Logger) (*GRPCTransport, error) {
	conn, err := grpc.NewClient(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("NewGRPCTransport: %w", err)
	}

	logger.Info("perception stream transport configured",
		zap.String("endpoint", endpoint),
	)

	return &GRPCTransport{conn: conn, logger: logger}, nil
}

// Dial opens the Live stream and sends the setup message.
func (t *GRPCTransport) Dial(ctx context.Context, setup Setup) (Conn, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	// Only the open handshake is bounded by ctx; the stream itself lives
	// until Close.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	cs, err := t.conn.NewStream(streamCtx, &LiveStreamDesc, LiveMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("GRPCTransport.Dial: %w", err)
	}

	msg, err := encodeSetup(setup)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("GRPCTransport.Dial: %w", err)
	}
	if err := cs.SendMsg(msg); err != nil {
		cancel()
		return nil, fmt.Errorf("GRPCTransport.Dial: send setup: %w", err)
	}

	return &grpcConn{stream: cs, cancel: cancel}, nil
}

// Close shuts down the client connection.
func (t *GRPCTransport) Close() error {
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

type grpcConn struct {
	stream grpc.ClientStream
	cancel context.CancelFunc

	sendMu    sync.Mutex
	closeOnce sync.Once
}

func (c *grpcConn) Send(chunk MediaChunk) error {
	msg, err := encodeRealtimeInput(chunk)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(msg)
}

func (c *grpcConn) Recv() (*ServerMessage, error) {
	in := new(structpb.Struct)
	if err := c.stream.RecvMsg(in); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if status.Code(err) == codes.Canceled {
			return nil, fmt.Errorf("grpcConn.Recv: %w", context.Canceled)
		}
		return nil, fmt.Errorf("grpcConn.Recv: %w", err)
	}
	return decodeServerMessage(in)
}

// Close cancels the stream first: a Send blocked on flow control holds
// sendMu until the cancel releases it.
func (c *grpcConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.sendMu.Lock()
		_ = c.stream.CloseSend()
		c.sendMu.Unlock()
	})
	return nil
}
