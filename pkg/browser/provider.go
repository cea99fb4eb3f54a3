package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Remote session statuses reported by the provisioning service
const (
	SessionPending  = "pending"
	SessionRunning  = "running"
	SessionReleased = "released"
	SessionFailed   = "failed"
)

// RemoteSession describes a provisioned browser instance. Provisioning is
// asynchronous: the session may still be pending after CreateSession returns.
type RemoteSession struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	ConnectURL string    `json:"connectUrl"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Ready reports whether the session can accept a CDP connection
func (s *RemoteSession) Ready() bool {
	return s.Status == SessionRunning && s.ConnectURL != ""
}

// SessionOptions configures a provisioning request
type SessionOptions struct {
	ViewportWidth  int  `json:"viewportWidth,omitempty"`
	ViewportHeight int  `json:"viewportHeight,omitempty"`
	KeepAlive      bool `json:"keepAlive,omitempty"`
}

// Provider provisions and releases remote browser sessions
type Provider interface {
	CreateSession(ctx context.Context, opts SessionOptions) (*RemoteSession, error)
	GetSession(ctx context.Context, id string) (*RemoteSession, error)
	ReleaseSession(ctx context.Context, id string) error
}

// HTTPProvider talks to a browser provisioning service over its JSON API
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  zerolog.Logger
}

// NewHTTPProvider creates a provider client for the given service endpoint
func NewHTTPProvider(baseURL, apiKey string, logger zerolog.Logger) (*HTTPProvider, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("provider base URL cannot be empty")
	}
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}, nil
}

// CreateSession asks the service for a new browser session
func (p *HTTPProvider) CreateSession(ctx context.Context, opts SessionOptions) (*RemoteSession, error) {
	var session RemoteSession
	if err := p.do(ctx, http.MethodPost, "/v1/sessions", opts, &session); err != nil {
		return nil, fmt.Errorf("failed to create browser session: %w", err)
	}
	p.logger.Info().Str("browser_session_id", session.ID).Str("status", session.Status).Msg("Browser session created")
	return &session, nil
}

// GetSession fetches the current state of a session
func (p *HTTPProvider) GetSession(ctx context.Context, id string) (*RemoteSession, error) {
	var session RemoteSession
	if err := p.do(ctx, http.MethodGet, "/v1/sessions/"+id, nil, &session); err != nil {
		return nil, fmt.Errorf("failed to fetch browser session %s: %w", id, err)
	}
	return &session, nil
}

// ReleaseSession returns the session to the service. Releasing an already
// released session is not an error.
func (p *HTTPProvider) ReleaseSession(ctx context.Context, id string) error {
	if err := p.do(ctx, http.MethodDelete, "/v1/sessions/"+id, nil, nil); err != nil {
		return fmt.Errorf("failed to release browser session %s: %w", id, err)
	}
	p.logger.Info().Str("browser_session_id", id).Msg("Browser session released")
	return nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode provider response: %w", err)
	}
	return nil
}
