package recognition

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sign/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Frame is an encoded still image ready to be sent to the recognizer.
type Frame struct {
	MIME string
	Data []byte
}

// DataURI renders the frame the way browsers do for canvas exports.
func (f Frame) DataURI() string {
	return "data:" + f.MIME + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}

// Client submits frames for recognition. Submit never returns a Go error:
// every failure is folded into an Error outcome.
type Client interface {
	Submit(ctx context.Context, frame Frame, token string) Outcome
}

const maxResponseBytes = 1 << 20

type HTTPClient struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *clientMetrics
}

func NewHTTPClient(endpoint string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		endpoint: strings.TrimSpace(endpoint),
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With(slog.String("component", "recognition-client")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-sign/recognition"),
		metrics:  newClientMetrics(logger),
	}
}

func (c *HTTPClient) Submit(ctx context.Context, frame Frame, token string) Outcome {
	ctx, span := c.tracer.Start(ctx, "recognition.submit",
		trace.WithAttributes(
			attribute.String("frame.mime", frame.MIME),
			attribute.Int("frame.bytes", len(frame.Data)),
		))
	defer span.End()

	start := time.Now()
	out, err := c.post(ctx, frame, token)
	if err != nil {
		c.logger.Warn("recognition request failed", slogError(err), slog.Bool("timeout", IsTimeout(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		out = Error(err.Error())
	}
	span.SetAttributes(attribute.String("outcome", out.Kind.String()))
	c.metrics.record(ctx, out, time.Since(start))
	return out
}

// post returns an error only for transport-level failures; recognizer
// reported errors come back as an Error outcome with a nil error.
func (c *HTTPClient) post(ctx context.Context, frame Frame, token string) (Outcome, error) {
	body, err := json.Marshal(protocol.RecognitionRequest{Image: frame.DataURI(), SessionID: token})
	if err != nil {
		return Outcome{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Outcome{}, fmt.Errorf("read response: %w", err)
	}

	var parsed protocol.RecognitionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		if resp.StatusCode >= 300 {
			return Outcome{}, fmt.Errorf("recognizer status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return Outcome{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 300 && parsed.Error == nil {
		return Outcome{}, fmt.Errorf("recognizer status=%d", resp.StatusCode)
	}
	return Classify(parsed), nil
}

// MockClient replays a fixed script of outcomes, cycling when exhausted.
type MockClient struct {
	mu     sync.Mutex
	script []Outcome
	next   int
	delay  time.Duration
}

func NewMockClient(delay time.Duration, script ...Outcome) *MockClient {
	return &MockClient{script: script, delay: delay}
}

// ParseScript turns entries such as "H", "H:0.93", "-" (no detection) and
// "!message" (error) into outcomes.
func ParseScript(entries []string) []Outcome {
	out := make([]Outcome, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "" || entry == "-":
			out = append(out, NoDetection())
		case strings.HasPrefix(entry, "!"):
			out = append(out, Error(strings.TrimPrefix(entry, "!")))
		default:
			value, conf := entry, 1.0
			if i := strings.LastIndex(entry, ":"); i > 0 {
				var parsed float64
				if _, err := fmt.Sscanf(entry[i+1:], "%g", &parsed); err == nil {
					value, conf = entry[:i], parsed
				}
			}
			out = append(out, Symbol(value, conf))
		}
	}
	return out
}

func (m *MockClient) Submit(ctx context.Context, _ Frame, _ string) Outcome {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return Error(ctx.Err().Error())
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.script) == 0 {
		return NoDetection()
	}
	out := m.script[m.next%len(m.script)]
	m.next++
	return out
}

type clientMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func newClientMetrics(logger *slog.Logger) *clientMetrics {
	meter := otel.Meter("github.com/loqalabs/loqa-sign/recognition")
	requests, err := meter.Int64Counter("loqa.sign.recognition.requests", metric.WithDescription("Recognition requests by outcome"))
	if err != nil {
		logger.Warn("failed to create request counter", slogError(err))
	}
	latency, err := meter.Float64Histogram("loqa.sign.recognition.latency", metric.WithUnit("ms"), metric.WithDescription("Recognition round trip latency"))
	if err != nil {
		logger.Warn("failed to create latency histogram", slogError(err))
	}
	return &clientMetrics{requests: requests, latency: latency}
}

func (m *clientMetrics) record(ctx context.Context, out Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", out.Kind.String()))
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}

// IsTimeout reports whether err came from a request deadline.
func IsTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
