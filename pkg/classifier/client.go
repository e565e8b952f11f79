package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	classifyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "arena",
		Subsystem: "classifier",
		Name:      "request_duration_seconds",
		Help:      "Duration of sample classification requests",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"outcome"})

	classifyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arena",
		Subsystem: "classifier",
		Name:      "request_failures_total",
		Help:      "Number of classification requests that did not yield a verdict",
	}, []string{"reason"})
)

var (
	// ErrMalformedVerdict indicates the defense answered with something other than a valid verdict.
	ErrMalformedVerdict = errors.New("malformed verdict")
	// ErrUnexpectedStatus indicates a non-200 answer.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrNotJSON indicates the answer did not declare a JSON content type.
	ErrNotJSON = errors.New("response is not application/json")
)

const verdictSchemaSource = `{
  "type": "object",
  "required": ["result"],
  "properties": {
    "result": {"type": "integer", "enum": [0, 1]},
    "score": {"type": "number"}
  }
}`

var verdictSchema = jsonschema.MustCompileString("verdict.json", verdictSchemaSource)

// Verdict is a defense's answer for one sample. Score equals Label when the defense omits it.
type Verdict struct {
	Label int
	Score float64
}

// Config controls how samples reach the defense.
type Config struct {
	GatewayURL    string
	GatewaySecret string
	RequireJSON   bool
	HTTPClient    *http.Client
	Logger        zerolog.Logger
}

// Client posts samples to a running defense, optionally through an authenticating gateway.
type Client struct {
	cfg    Config
	http   *http.Client
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewClient builds a classifier client.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &Client{
		cfg:    cfg,
		http:   httpClient,
		tracer: otel.Tracer("github.com/mlsec-arena/evalengine/pkg/classifier"),
		logger: logger,
	}
}

// Classify posts sample to the defense at endpoint and returns its verdict. The caller bounds the
// request through ctx.
func (c *Client) Classify(parent context.Context, endpoint string, sample []byte) (Verdict, error) {
	ctx, span := c.tracer.Start(parent, "classifier.classify", trace.WithAttributes(
		attribute.Int("sample.bytes", len(sample)),
	))
	defer span.End()

	start := time.Now()
	verdict, reason, err := c.classify(ctx, endpoint, sample)
	if err != nil {
		classifyDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		classifyFailures.WithLabelValues(reason).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Verdict{}, err
	}

	classifyDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("verdict.label", verdict.Label))
	return verdict, nil
}

func (c *Client) classify(ctx context.Context, endpoint string, sample []byte) (Verdict, string, error) {
	target := endpoint
	if c.cfg.GatewayURL != "" {
		target = c.cfg.GatewayURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(sample))
	if err != nil {
		return Verdict{}, "request", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.cfg.GatewayURL != "" {
		req.Header.Set("X-Target-Url", endpoint)
		req.Header.Set("X-Gateway-Auth", c.cfg.GatewaySecret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{}, "timeout", fmt.Errorf("classification request: %w", ctx.Err())
		}
		return Verdict{}, "transport", fmt.Errorf("classification request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Verdict{}, "transport", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Verdict{}, "status", fmt.Errorf("%w: HTTP %d: %s", ErrUnexpectedStatus, resp.StatusCode, truncate(string(body), 200))
	}

	if c.cfg.RequireJSON {
		mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if mediaType != "application/json" {
			return Verdict{}, "content_type", fmt.Errorf("%w: got %q", ErrNotJSON, resp.Header.Get("Content-Type"))
		}
	}

	verdict, err := ParseVerdict(body)
	if err != nil {
		return Verdict{}, "malformed", err
	}
	return verdict, "", nil
}

// ParseVerdict validates a raw verdict document against the verdict schema.
func ParseVerdict(body []byte) (Verdict, error) {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	if dec.More() {
		return Verdict{}, fmt.Errorf("%w: trailing data after verdict", ErrMalformedVerdict)
	}
	if err := verdictSchema.Validate(doc); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}

	var payload struct {
		Result int      `json:"result"`
		Score  *float64 `json:"score"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}

	verdict := Verdict{Label: payload.Result, Score: float64(payload.Result)}
	if payload.Score != nil {
		verdict.Score = *payload.Score
	}
	return verdict, nil
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}
