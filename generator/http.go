package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/zeroechelon/blueprint/internal/tlsutil"
)

// HTTPConfig configures HTTPGenerator.
type HTTPConfig struct {
	URL        string        `yaml:"url" env:"URL"`
	APIKey     string        `yaml:"api_key" env:"API_KEY"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
}

// StatusError is a non-2xx answer from the generation service.
type StatusError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("generation service returned %d: %s", e.StatusCode, e.Message)
}

func statusError(code int, body []byte) *StatusError {
	msg := string(bytes.TrimSpace(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout, 529:
		return &StatusError{StatusCode: code, Message: msg, Retryable: true}
	}
	return &StatusError{StatusCode: code, Message: msg, Retryable: code >= 500}
}

type generateResponse struct {
	Document string `json:"document"`
}

// HTTPGenerator posts the request to a generation service. The service
// answers either with the document as the body, or with JSON
// {"document": "..."} when the content type is application/json.
// Rate limiting and upstream errors are retried with exponential backoff.
type HTTPGenerator struct {
	cfg     HTTPConfig
	client  *http.Client
	backoff func() backoff.BackOff
	logger  *zap.Logger
}

// NewHTTPGenerator creates an HTTPGenerator.
func NewHTTPGenerator(cfg HTTPConfig, logger *zap.Logger) *HTTPGenerator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPGenerator{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			return b
		},
		logger: logger.With(zap.String("component", "generator")),
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, req Request) ([]byte, error) {
	if g.cfg.URL == "" {
		return nil, errors.New("generator url not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var out []byte
	attempt := 0
	op := func() error {
		attempt++
		data, err := g.post(ctx, body)
		if err == nil {
			out = data
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable {
			return backoff.Permanent(err)
		}
		g.logger.Warn("generation attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(g.backoff(), uint64(g.cfg.MaxRetries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *HTTPGenerator) post(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, data)
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var gr generateResponse
		if err := json.Unmarshal(data, &gr); err != nil {
			return nil, fmt.Errorf("decode generation response: %w", err)
		}
		return []byte(gr.Document), nil
	}
	return data, nil
}
