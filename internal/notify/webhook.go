// Package notify posts terminal task transitions to an HTTP endpoint.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"agentflow/internal/domain"
)

const defaultTimeout = 10 * time.Second

// Webhook delivers one JSON event per terminal task.
type Webhook struct {
	URL     string
	Headers map[string]string
	client  *http.Client
}

// Event is the request body sent to the webhook.
type Event struct {
	TaskID      string     `json:"task_id"`
	Status      string     `json:"status"`
	AgentType   string     `json:"agent_type"`
	Error       string     `json:"error,omitempty"`
	OutputRef   string     `json:"output_ref,omitempty"`
	RetryCount  int        `json:"retry_count"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Webhook{URL: url, client: &http.Client{Timeout: timeout}}
}

func (h *Webhook) Notify(ctx context.Context, t domain.Task) error {
	if h.URL == "" {
		return fmt.Errorf("URL is required")
	}
	body, err := json.Marshal(Event{
		TaskID:      t.ID,
		Status:      string(t.Status),
		AgentType:   t.AgentType,
		Error:       t.Error,
		OutputRef:   t.OutputRef,
		RetryCount:  t.RetryCount,
		CompletedAt: t.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("encode webhook event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
