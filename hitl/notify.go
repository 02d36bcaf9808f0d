package hitl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Notifier tells a human that a checkpoint is waiting.
type Notifier interface {
	Notify(ctx context.Context, req *Request) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, req *Request) error

func (f NotifierFunc) Notify(ctx context.Context, req *Request) error {
	return f(ctx, req)
}

// ConsoleNotifier logs the request.
type ConsoleNotifier struct {
	logger *zap.Logger
}

// NewConsoleNotifier creates a ConsoleNotifier.
func NewConsoleNotifier(logger *zap.Logger) *ConsoleNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsoleNotifier{logger: logger.With(zap.String("component", "hitl.console"))}
}

func (n *ConsoleNotifier) Notify(_ context.Context, req *Request) error {
	n.logger.Info("human action required",
		zap.String("task_id", req.TaskID),
		zap.String("action", req.Action),
		zap.String("reason", req.Reason),
		zap.String("channel", string(req.Channel)),
		zap.String("target", req.Target),
	)
	return nil
}

// WebhookNotifier posts the request as JSON to the checkpoint's webhook or
// url.
type WebhookNotifier struct {
	client *http.Client
	logger *zap.Logger
}

// NewWebhookNotifier creates a WebhookNotifier. A nil client uses one with a
// 10 second timeout.
func NewWebhookNotifier(client *http.Client, logger *zap.Logger) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookNotifier{client: client, logger: logger.With(zap.String("component", "hitl.webhook"))}
}

func (n *WebhookNotifier) Notify(ctx context.Context, req *Request) error {
	url := ""
	if cp := req.Checkpoint(); cp != nil {
		url = cp.Notify.Webhook
		if url == "" {
			url = cp.Notify.URL
		}
	}
	if url == "" {
		return errors.New("webhook notification without url")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal checkpoint request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	n.logger.Debug("webhook delivered", zap.String("task_id", req.TaskID), zap.Int("status", resp.StatusCode))
	return nil
}
