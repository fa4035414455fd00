// Package deepscan issues single-shot analysis requests to the remote
// reasoning endpoint. Every failure degrades to a SAFE, zero-confidence
// result so the patrol state machine never blocks or raises on a scan.
package deepscan

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/triage-ai/patrol/internal/engine"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// AnalyzeMethod is the full gRPC method name of the reasoning call.
	AnalyzeMethod = "/patrol.reasoning.v1.ReasoningService/Analyze"
	// DefaultTimeout bounds a single scan.
	DefaultTimeout = 15 * time.Second
)

const resultSchema = `{
	"type": "object",
	"required": ["threat_level", "analysis", "action", "confidence"],
	"properties": {
		"threat_level": {"enum": ["SAFE", "CAUTION", "DANGER"]},
		"analysis": {"type": "string"},
		"action": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 100}
	}
}`

// Result is the structured outcome of one deep scan.
type Result struct {
	ThreatLevel engine.ThreatLevel
	Analysis    string
	Action      string
	Confidence  int // 0-100
	// Degraded marks the fail-safe result returned when the service
	// could not produce a valid answer.
	Degraded bool
}

// FailSafe returns the availability-biased result used on any service
// failure: SAFE, degraded-sensor narration, zero confidence.
func FailSafe(reason string) Result {
	return Result{
		ThreatLevel: engine.ThreatSafe,
		Analysis:    "Sensor degraded: deep scan unavailable (" + reason + ")",
		Action:      "Continue passive monitoring",
		Confidence:  0,
		Degraded:    true,
	}
}

// Client calls the reasoning endpoint over gRPC.
type Client struct {
	cc      grpc.ClientConnInterface
	conn    *grpc.ClientConn // nil when cc was injected
	timeout time.Duration
	schema  *jsonschema.Schema
	logger  *zap.Logger
}

// NewClient dials endpoint lazily. timeout <= 0 uses DefaultTimeout.
func NewClient(endpoint string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	conn, err := grpc.NewClient(
		endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.WaitForReady(true),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("NewClient: %w", err)
	}

	c, err := NewClientWithConn(conn, timeout, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.conn = conn

	logger.Info("deep scan client configured",
		zap.String("endpoint", endpoint),
		zap.Duration("timeout", c.timeout),
	)
	return c, nil
}

// NewClientWithConn builds a client over an existing connection.
func NewClientWithConn(cc grpc.ClientConnInterface, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	schema, err := compileResultSchema()
	if err != nil {
		return nil, fmt.Errorf("NewClientWithConn: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{cc: cc, timeout: timeout, schema: schema, logger: logger}, nil
}

func compileResultSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(resultSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("deepscan_result.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("deepscan_result.json")
}

// Analyze sends one JPEG frame with an optional comparison context (the
// baseline description for re-authentication) and never returns an error.
func (c *Client) Analyze(ctx context.Context, jpeg []byte, comparison string) Result {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{
		"image": map[string]any{
			"mime_type": "image/jpeg",
			"data":      base64.StdEncoding.EncodeToString(jpeg),
		},
		"context": comparison,
	})
	if err != nil {
		return c.degrade("request encoding failed", err)
	}

	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, AnalyzeMethod, req, resp); err != nil {
		return c.degrade("reasoning service error", err)
	}

	res, err := c.parse(resp)
	if err != nil {
		return c.degrade("invalid reasoning response", err)
	}

	c.logger.Debug("deep scan complete",
		zap.String("threat_level", res.ThreatLevel.String()),
		zap.Int("confidence", res.Confidence),
		zap.Bool("comparison", comparison != ""),
		zap.Duration("latency", time.Since(start)),
	)
	return res
}

func (c *Client) parse(resp *structpb.Struct) (Result, error) {
	doc := resp.AsMap()
	if err := c.schema.Validate(doc); err != nil {
		return Result{}, err
	}

	level, ok := engine.ParseThreatLevel(doc["threat_level"].(string))
	if !ok {
		return Result{}, fmt.Errorf("unknown threat_level %v", doc["threat_level"])
	}
	return Result{
		ThreatLevel: level,
		Analysis:    doc["analysis"].(string),
		Action:      doc["action"].(string),
		Confidence:  int(doc["confidence"].(float64) + 0.5),
	}, nil
}

func (c *Client) degrade(msg string, err error) Result {
	c.logger.Warn("deep scan failed, returning fail-safe result",
		zap.String("reason", msg),
		zap.Error(err),
	)
	return FailSafe(msg)
}

// Close shuts down the gRPC connection if the client owns it.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
