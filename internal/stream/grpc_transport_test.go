package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

type liveServer interface {
	live(stream grpc.ServerStream) error
}

var testPerceptionServiceDesc = grpc.ServiceDesc{
	ServiceName: "patrol.perception.v1.PerceptionService",
	HandlerType: (*liveServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Live",
		ServerStreams: true,
		ClientStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(liveServer).live(stream)
		},
	}},
}

// mockPerceptionServer acknowledges setup, waits for one realtime unit and
// answers with a transcript before ending the stream.
type mockPerceptionServer struct {
	setups chan *structpb.Struct
	inputs chan *structpb.Struct
}

func (m *mockPerceptionServer) live(stream grpc.ServerStream) error {
	setup := new(structpb.Struct)
	if err := stream.RecvMsg(setup); err != nil {
		return err
	}
	m.setups <- setup

	ack, _ := structpb.NewStruct(map[string]any{"setup_complete": map[string]any{}})
	if err := stream.SendMsg(ack); err != nil {
		return err
	}

	input := new(structpb.Struct)
	if err := stream.RecvMsg(input); err != nil {
		return err
	}
	m.inputs <- input

	reply, _ := structpb.NewStruct(map[string]any{
		"server_content": map[string]any{
			"output_transcription": map[string]any{"text": "ALERT: Unauthorized Biometric Detected"},
			"turn_complete":        true,
		},
	})
	return stream.SendMsg(reply)
}

func startPerceptionServer(t *testing.T, srv liveServer) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&testPerceptionServiceDesc, srv)
	go func() {
		_ = grpcServer.Serve(lis)
	}()
	t.Cleanup(func() { grpcServer.Stop() })
	return lis.Addr().String()
}

func TestGRPCTransport_LiveRoundTrip(t *testing.T) {
	srv := &mockPerceptionServer{
		setups: make(chan *structpb.Struct, 1),
		inputs: make(chan *structpb.Struct, 1),
	}
	addr := startPerceptionServer(t, srv)

	tr, err := NewGRPCTransport(addr, zap.NewNop())
	if err != nil {
		t.Fatalf("NewGRPCTransport: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := tr.Dial(ctx, Setup{Voice: "Fenrir", SystemInstruction: "watch", OutputTranscription: true})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	setup := <-srv.setups
	voice := setup.GetFields()["setup"].GetStructValue().GetFields()["voice"].GetStringValue()
	if voice != "Fenrir" {
		t.Errorf("setup voice = %q, want Fenrir", voice)
	}

	msg, err := conn.Recv()
	if err != nil {
		t.Fatalf("Recv ack: %v", err)
	}
	if !msg.SetupComplete {
		t.Fatal("expected setup_complete")
	}

	if err := conn.Send(MediaChunk{MimeType: "image/jpeg", Data: "AAAA"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	input := <-srv.inputs
	rt := input.GetFields()["realtime_input"].GetStructValue().GetFields()
	if rt["mime_type"].GetStringValue() != "image/jpeg" || rt["data"].GetStringValue() != "AAAA" {
		t.Errorf("server received %v", input)
	}

	msg, err = conn.Recv()
	if err != nil {
		t.Fatalf("Recv transcript: %v", err)
	}
	if msg.Transcript != "ALERT: Unauthorized Biometric Detected" || !msg.TurnComplete {
		t.Errorf("unexpected message %+v", msg)
	}

	if _, err := conn.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after server returns, got %v", err)
	}
}

func TestDecodeServerMessage(t *testing.T) {
	tests := []struct {
		name      string
		doc       map[string]any
		malformed bool
		check     func(t *testing.T, m *ServerMessage)
	}{
		{
			name: "audio with rate",
			doc: map[string]any{"server_content": map[string]any{
				"audio": map[string]any{"data": "AAA=", "sample_rate": 24000},
			}},
			check: func(t *testing.T, m *ServerMessage) {
				if m.Audio == nil || m.Audio.Data != "AAA=" || m.Audio.SampleRate != 24000 {
					t.Errorf("audio = %+v", m.Audio)
				}
			},
		},
		{
			name: "unknown fields ignored",
			doc:  map[string]any{"usage": map[string]any{"tokens": 3}},
			check: func(t *testing.T, m *ServerMessage) {
				if m.SetupComplete || m.Audio != nil || m.Transcript != "" {
					t.Errorf("expected empty message, got %+v", m)
				}
			},
		},
		{name: "content not object", doc: map[string]any{"server_content": "x"}, malformed: true},
		{name: "audio data number", doc: map[string]any{"server_content": map[string]any{
			"audio": map[string]any{"data": 12},
		}}, malformed: true},
		{name: "audio without data", doc: map[string]any{"server_content": map[string]any{
			"audio": map[string]any{},
		}}, malformed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := structpb.NewStruct(tt.doc)
			if err != nil {
				t.Fatalf("NewStruct: %v", err)
			}
			msg, err := decodeServerMessage(doc)
			if tt.malformed {
				if !errors.Is(err, ErrMalformedMessage) {
					t.Fatalf("expected ErrMalformedMessage, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			tt.check(t, msg)
		})
	}
}

// stalledPerceptionServer acknowledges setup and then stops reading, so
// the client's sends fill the flow-control window.
type stalledPerceptionServer struct{}

func (stalledPerceptionServer) live(stream grpc.ServerStream) error {
	setup := new(structpb.Struct)
	if err := stream.RecvMsg(setup); err != nil {
		return err
	}
	<-stream.Context().Done()
	return stream.Context().Err()
}

func TestGRPCConn_CloseUnblocksStalledSend(t *testing.T) {
	addr := startPerceptionServer(t, stalledPerceptionServer{})

	tr, err := NewGRPCTransport(addr, zap.NewNop())
	if err != nil {
		t.Fatalf("NewGRPCTransport: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := tr.Dial(ctx, Setup{Voice: "Fenrir"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	payload := strings.Repeat("A", 256<<10)
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for {
			if err := conn.Send(MediaChunk{MimeType: "audio/pcm;rate=16000", Data: payload}); err != nil {
				return
			}
		}
	}()

	// let the window fill so a Send is parked inside the stream
	time.Sleep(500 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = conn.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close blocked behind a stalled Send")
	}
	select {
	case <-sendDone:
	case <-time.After(3 * time.Second):
		t.Fatal("stalled Send not released by Close")
	}
}
