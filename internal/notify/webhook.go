package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// WebhookNotifier POSTs receipts as JSON to the target URL. HTTP 2xx is
// success; 408, 429 and 5xx are transient (worth retrying on a later tick);
// any other 4xx means the target or credentials are wrong and retrying
// will not help.
type WebhookNotifier struct {
	client *http.Client
}

// WebhookConfig holds configuration for the webhook notifier.
type WebhookConfig struct {
	// Timeout bounds each send (default: 30s)
	Timeout time.Duration
}

// NewWebhookNotifier creates a webhook notifier.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: timeout},
	}
}

// Name implements Notifier.
func (n *WebhookNotifier) Name() string { return "webhook" }

type webhookPayload struct {
	DispatchID string `json:"dispatch_id"`
	Subject    string `json:"subject"`
	Content    string `json:"content"`
	SentAt     string `json:"sent_at"`
}

// Send implements Notifier.
func (n *WebhookNotifier) Send(ctx context.Context, msg Message) Result {
	if _, err := url.ParseRequestURI(msg.Target); err != nil {
		return Result{Outcome: OutcomePermanent, Err: fmt.Errorf("invalid webhook target %q: %w", msg.Target, err)}
	}

	body, err := json.Marshal(webhookPayload{
		DispatchID: msg.DispatchID,
		Subject:    msg.Subject,
		Content:    msg.Content,
		SentAt:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Result{Outcome: OutcomePermanent, Err: fmt.Errorf("encode payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Target, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: OutcomePermanent, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dispatch-Id", msg.DispatchID)

	resp, err := n.client.Do(req)
	if err != nil {
		// Network failures and timeouts are retryable.
		return Result{Outcome: OutcomeTransient, Err: fmt.Errorf("post receipt: %w", err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Result{Outcome: OutcomeSuccess}
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return Result{Outcome: OutcomeTransient, Err: fmt.Errorf("webhook returned %s", resp.Status)}
	default:
		return Result{Outcome: OutcomePermanent, Err: fmt.Errorf("webhook returned %s", resp.Status)}
	}
}
