package wapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"festa-bot/internal/metrics"
	"festa-bot/internal/phone"
)

const maxResponseBytes = 1 << 20

var (
	// ErrDeliveryFailed is returned when every candidate shape was rejected.
	ErrDeliveryFailed = errors.New("wapi delivery failed")
	// ErrHTMLResponse indicates the provider answered with an HTML page.
	ErrHTMLResponse = errors.New("wapi html response")
	// ErrInvalidCredential indicates the provider rejected the instance token.
	ErrInvalidCredential = errors.New("wapi invalid credential")
	// ErrProviderRejected indicates a 2xx response carrying an error field.
	ErrProviderRejected = errors.New("wapi rejected message")
)

// Config holds provider client configuration.
type Config struct {
	BaseURL  string
	SendPath string
	Timeout  time.Duration
}

// Credentials identify the sending instance at the provider.
type Credentials struct {
	InstanceID string
	Token      string
}

// SendResult describes the accepted attempt.
type SendResult struct {
	Shape     string
	MessageID string
	Attempts  int
}

// Client delivers text messages through the provider's REST API.
type Client struct {
	logger   *slog.Logger
	baseURL  string
	sendPath string
	http     *http.Client
	metrics  *metrics.Metrics
}

// New constructs a provider client.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	sendPath := cfg.SendPath
	if sendPath == "" {
		sendPath = "/v1/message/send-text"
	}
	if !strings.HasPrefix(sendPath, "/") {
		sendPath = "/" + sendPath
	}
	return &Client{
		logger:   logger.With("component", "wapi_client"),
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		sendPath: sendPath,
		http:     &http.Client{Timeout: timeout},
		metrics:  m,
	}
}

// SendText delivers text to a phone number or group address, trying each
// candidate body shape until the provider accepts one.
func (c *Client) SendText(ctx context.Context, creds Credentials, to, text string) (*SendResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("send text: empty message")
	}
	if creds.InstanceID == "" {
		return nil, fmt.Errorf("send text: missing instance id")
	}

	group := phone.IsGroup(to)
	recipient := strings.TrimSpace(to)
	if !group {
		recipient = phone.Normalize(to)
	}
	if recipient == "" {
		return nil, fmt.Errorf("send text: invalid recipient %q", to)
	}

	shapes := CandidateShapes(group)
	var lastErr error
	attempts := 0
	for _, shape := range shapes {
		attempts++
		msgID, err := c.attempt(ctx, creds, shape, recipient, text)
		if err == nil {
			if msgID == "" {
				c.logger.Warn("provider accepted message without id", "shape", shape.Name, "recipient", recipient)
			}
			c.logger.Info("message delivered", "shape", shape.Name, "attempts", attempts, "message_id", msgID)
			c.metrics.Outgoing("sent")
			return &SendResult{Shape: shape.Name, MessageID: msgID, Attempts: attempts}, nil
		}
		lastErr = err
		c.logger.Debug("candidate shape rejected", "shape", shape.Name, "error", err)
		if ctx.Err() != nil {
			break
		}
	}

	c.metrics.Outgoing("failed")
	c.metrics.Error("wapi_send")
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrDeliveryFailed, attempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, creds Credentials, shape Shape, recipient, text string) (string, error) {
	payload, err := json.Marshal(shape.Build(recipient, text))
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.sendURL(creds.InstanceID), bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "festa-bot/wapi-client")
	if creds.Token != "" {
		req.Header.Set("Authorization", "Bearer "+creds.Token)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.metrics.ProviderAttempt(shape.Name, "error", time.Since(start).Seconds())
		return "", fmt.Errorf("wapi request: %w", err)
	}
	defer res.Body.Close()
	c.metrics.ProviderAttempt(shape.Name, strconv.Itoa(res.StatusCode), time.Since(start).Seconds())

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if strings.Contains(strings.ToLower(res.Header.Get("Content-Type")), "text/html") {
		return "", fmt.Errorf("%w: status=%d", ErrHTMLResponse, res.StatusCode)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", classifyHTTPError(res.StatusCode, string(body))
	}

	data, err := decodeMap(body)
	if err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if msg, failed := providerError(data); failed {
		return "", fmt.Errorf("%w: %s", ErrProviderRejected, msg)
	}
	return pick([]map[string]any{data}, "messageId", "insertedId", "id", "key.id", "data.messageId", "data.id"), nil
}

func (c *Client) sendURL(instanceID string) string {
	return c.baseURL + c.sendPath + "?instanceId=" + url.QueryEscape(instanceID)
}

// providerError reports whether a successful HTTP response still carries a
// truthy error field.
func providerError(data map[string]any) (string, bool) {
	val, ok := data["error"]
	if !ok || val == nil {
		return "", false
	}
	detail := pick([]map[string]any{data}, "message", "error_message", "details")
	switch v := val.(type) {
	case bool:
		if !v {
			return "", false
		}
	case string:
		s := strings.TrimSpace(v)
		if s == "" || strings.EqualFold(s, "false") {
			return "", false
		}
		if detail == "" {
			detail = s
		}
	case map[string]any:
		if len(v) == 0 {
			return "", false
		}
		if inner := pick([]map[string]any{v}, "message", "description"); inner != "" {
			detail = inner
		}
	default:
		if !toBool(v) {
			return "", false
		}
	}
	if detail == "" {
		detail = "error flag set"
	}
	return detail, true
}

func classifyHTTPError(status int, body string) error {
	snippet := strings.TrimSpace(body)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	lower := strings.ToLower(snippet)
	if status == http.StatusUnauthorized || status == http.StatusForbidden ||
		strings.Contains(lower, "invalid token") ||
		strings.Contains(lower, "token inválido") ||
		strings.Contains(lower, "unauthorized") {
		return fmt.Errorf("%w: status=%d body=%s", ErrInvalidCredential, status, snippet)
	}
	return fmt.Errorf("wapi error: status=%d body=%s", status, snippet)
}
