package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
	"github.com/sanjeevm-dev/cua-browser/internal/observability"
	"github.com/sanjeevm-dev/cua-browser/internal/tracing"
	"github.com/sanjeevm-dev/cua-browser/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Cause classifies why a model request attempt failed
type Cause string

const (
	CauseNetwork     Cause = "network"
	CauseTimeout     Cause = "timeout"
	CauseConflict    Cause = "conflict"
	CauseRateLimit   Cause = "rate_limit"
	CauseServerError Cause = "server_error"
	CauseFatal       Cause = "fatal"
)

// Config holds the resilient request client configuration. It is explicit and
// injectable so each run can carry its own retry policy.
type Config struct {
	Model       string
	APIKey      string
	BaseURL     string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// RateLimitSchedule is the fixed escalating delay schedule used for HTTP
	// 429 responses, indexed by attempt number and clamped at the last entry.
	RateLimitSchedule []time.Duration
}

// DefaultConfig returns the standard retry policy
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		RateLimitSchedule: []time.Duration{
			5 * time.Second,
			15 * time.Second,
			30 * time.Second,
			60 * time.Second,
			120 * time.Second,
		},
	}
}

// transport is the outbound request surface, satisfied by the OpenAI client
type transport interface {
	Post(ctx context.Context, path string, params any, res any, opts ...option.RequestOption) error
}

// Client sends model requests with classification-driven retry and backoff
type Client struct {
	cfg    Config
	api    transport
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a resilient request client. SDK-level retries are disabled so
// the policy configured here is the only retry layer in the process.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model cannot be empty")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key cannot be empty")
	}
	applyDefaults(&cfg)

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	api := openai.NewClient(opts...)

	return &Client{
		cfg:    cfg,
		api:    &api,
		logger: logger,
		sleep:  sleepContext,
	}, nil
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if len(cfg.RateLimitSchedule) == 0 {
		cfg.RateLimitSchedule = def.RateLimitSchedule
	}
}

// Model returns the configured model identifier
func (c *Client) Model() string {
	return c.cfg.Model
}

// Send issues one model turn, retrying transient failures up to the configured
// attempt budget. Terminal failures carry the original error for downstream
// classification.
func (c *Client) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"cua.llm",
		"llm.send",
		attribute.String("model", req.Model),
		attribute.Int("input_items", len(req.Input)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		start := time.Now()

		var resp protocol.Response
		err := c.api.Post(ctx, "responses", req, &resp)
		if err == nil {
			observability.RecordModelRequest("success", time.Since(start))
			return &resp, nil
		}
		lastErr = err

		cause, retryable := Classify(err)
		if !retryable || attempt == c.cfg.MaxAttempts {
			logger.Error().
				Int("attempt", attempt).
				Str("cause", string(cause)).
				Err(err).
				Msg("Model request failed terminally")
			break
		}

		delay := c.delayFor(cause, attempt)
		logger.Warn().
			Int("attempt", attempt).
			Str("cause", string(cause)).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying model request")
		observability.RecordModelRetry(string(cause))

		if err := c.sleep(ctx, delay); err != nil {
			observability.RecordModelRequest("canceled", time.Since(start))
			return nil, err
		}
	}

	observability.RecordModelRequest("error", 0)
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, fmt.Errorf("model request failed after retries: %w", lastErr)
}

// delayFor computes the backoff before the next attempt. Rate limits follow
// the fixed escalating schedule; other retryable causes use exponential
// backoff with jitter, clamped at MaxDelay.
func (c *Client) delayFor(cause Cause, attempt int) time.Duration {
	if cause == CauseRateLimit {
		idx := attempt - 1
		if idx >= len(c.cfg.RateLimitSchedule) {
			idx = len(c.cfg.RateLimitSchedule) - 1
		}
		return c.cfg.RateLimitSchedule[idx]
	}

	delay := c.cfg.BaseDelay << uint(attempt-1)
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}

// Classify maps an outbound request error to a retry cause and eligibility.
// Network errors, idempotency conflicts and HTTP {408,409,429,500,502,503,504}
// are retryable; every other status fails after a single attempt.
func Classify(err error) (Cause, bool) {
	if err == nil {
		return "", false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 408:
			return CauseTimeout, true
		case 409:
			return CauseConflict, true
		case 429:
			return CauseRateLimit, true
		case 500, 502, 503, 504:
			return CauseServerError, true
		default:
			return CauseFatal, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CauseTimeout, true
		}
		return CauseNetwork, true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "eof"):
		return CauseNetwork, true
	case strings.Contains(msg, "idempotency"):
		return CauseConflict, true
	}

	return CauseFatal, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
