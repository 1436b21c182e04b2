// Package provider wraps the external send API. The scheduler treats it as an
// opaque, possibly slow, possibly failing RPC; a global token-bucket limiter
// caps outbound request rate independently of per-service freeze windows.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/mailroom/dispatcher/internal/domain"
	"github.com/mailroom/dispatcher/internal/logger"
)

const (
	defaultTimeout = 30 * time.Second
	defaultRate    = 50 // requests per second
	defaultBurst   = 10

	maxErrorBodyBytes = 4096
)

// Config holds provider client configuration.
type Config struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

// Client sends rendered messages through the provider's HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     logger.Logger
}

// NewClient creates a provider client.
func NewClient(cfg Config, log logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaultRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:     log,
	}
}

type sendRequest struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Error     string `json:"error,omitempty"`
}

// Send dispatches one job's rendered payload and returns the provider message
// id. The sender address comes from the job's allocated service.
func (c *Client) Send(ctx context.Context, job *domain.Job) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	from := ""
	if job.SenderAddress != nil {
		from = *job.SenderAddress
	}

	payload, err := json.Marshal(sendRequest{
		To:      job.Recipient,
		From:    from,
		Subject: job.Subject,
		Body:    job.Body,
	})
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read send response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed sendResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parse send response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("provider error: %s", parsed.Error)
	}

	c.logger.Debug("message dispatched",
		logger.String("job_id", job.ID.String()),
		logger.String("provider_message_id", parsed.MessageID))
	return parsed.MessageID, nil
}

// Noop is a dry-run sender that acknowledges every job without calling any
// provider. Selected by configuration for test environments.
type Noop struct{}

// Send implements the same contract as Client.Send.
func (Noop) Send(_ context.Context, job *domain.Job) (string, error) {
	return "dry-run-" + job.ID.String(), nil
}
