package wapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"festa-bot/internal/metrics"
	"festa-bot/internal/phone"
	"festa-bot/internal/repo"
)

const maxWebhookBytes = 1 << 20

// InboundMessage is a normalized incoming chat message.
type InboundMessage struct {
	InstanceExternalID string
	MessageID          string
	RemoteJID          string
	SenderName         string
	Text               string
	FromMe             bool
	IsGroup            bool
	ReceivedAt         time.Time
}

// ConnectionEvent reports a provider connection status change.
type ConnectionEvent struct {
	InstanceExternalID string
	Status             string
}

// Processor consumes parsed webhook events.
type Processor interface {
	HandleMessage(ctx context.Context, msg InboundMessage) error
	HandleConnection(ctx context.Context, evt ConnectionEvent) error
}

// WebhookHandler authenticates provider callbacks and forwards them.
type WebhookHandler struct {
	logger    *slog.Logger
	metrics   *metrics.Metrics
	token     string
	processor Processor
	now       func() time.Time
}

// NewWebhookHandler creates a webhook handler. An empty token disables the
// shared-secret check.
func NewWebhookHandler(logger *slog.Logger, m *metrics.Metrics, token string, processor Processor) *WebhookHandler {
	return &WebhookHandler{
		logger:    logger.With("component", "wapi_webhook"),
		metrics:   m,
		token:     strings.TrimSpace(token),
		processor: processor,
		now:       time.Now,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		h.metrics.Error("wapi_webhook_auth")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	defer r.Body.Close()
	if err != nil {
		h.metrics.Error("wapi_webhook")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	event, err := ParseEvent(body, h.now())
	if err != nil {
		h.metrics.Error("wapi_webhook")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := h.dispatch(r.Context(), event); err != nil {
		h.logger.Error("failed processing webhook", "error", err, "kind", event.Kind)
		h.metrics.Error("wapi_webhook_process")
		http.Error(w, "failed to process", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if event.Kind == EventIgnored {
		_, _ = w.Write([]byte(`{"status":"ignored"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *WebhookHandler) dispatch(ctx context.Context, event Event) error {
	if h.processor == nil {
		return nil
	}
	switch event.Kind {
	case EventMessage:
		return h.processor.HandleMessage(ctx, *event.Message)
	case EventConnection:
		return h.processor.HandleConnection(ctx, *event.Connection)
	default:
		h.logger.Debug("ignoring webhook event", "event", event.Name)
		return nil
	}
}

func (h *WebhookHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got := strings.TrimSpace(r.Header.Get("X-Webhook-Token"))
	if got == "" {
		got = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

// Event kinds produced by ParseEvent.
const (
	EventMessage    = "message"
	EventConnection = "connection"
	EventIgnored    = "ignored"
)

// Event is a parsed webhook callback.
type Event struct {
	Kind       string
	Name       string
	Message    *InboundMessage
	Connection *ConnectionEvent
}

// ParseEvent decodes a provider callback. Field names vary between provider
// versions, so every value is looked up under several paths and inside an
// optional "data" envelope.
func ParseEvent(body []byte, receivedAt time.Time) (Event, error) {
	root, err := decodeMap(body)
	if err != nil {
		return Event{}, fmt.Errorf("decode webhook: %w", err)
	}
	sources := []map[string]any{root}
	if nested := extractNested(root, "data", "body"); nested != nil {
		sources = append(sources, nested)
	}

	name := pick(sources, "event", "type", "eventType", "event_type")
	instanceID := pick(sources, "instanceId", "instance_id", "instance", "connectedPhone")
	lowerName := strings.ToLower(name)

	if status, ok := connectionStatus(lowerName, sources); ok {
		return Event{
			Kind: EventConnection,
			Name: name,
			Connection: &ConnectionEvent{
				InstanceExternalID: instanceID,
				Status:             status,
			},
		}, nil
	}

	text := pick(sources,
		"msgContent.conversation",
		"msgContent.extendedTextMessage.text",
		"message.conversation",
		"message.extendedTextMessage.text",
		"text.message",
		"message.text",
		"text",
		"body",
		"message",
	)
	remote := pick(sources, "chat.id", "chatId", "remoteJid", "key.remoteJid", "phone", "from", "sender.id")
	messageID := pick(sources, "messageId", "message_id", "key.id", "id")
	if remote == "" || (text == "" && messageID == "") {
		return Event{Kind: EventIgnored, Name: name}, nil
	}

	msg := &InboundMessage{
		InstanceExternalID: instanceID,
		MessageID:          messageID,
		RemoteJID:          remote,
		SenderName:         pick(sources, "sender.pushName", "pushName", "senderName", "sender.name", "notifyName"),
		Text:               text,
		FromMe:             pickBool(sources, "fromMe", "key.fromMe"),
		IsGroup:            pickBool(sources, "isGroup") || phone.IsGroup(remote),
		ReceivedAt:         receivedAt,
	}
	return Event{Kind: EventMessage, Name: name, Message: msg}, nil
}

func connectionStatus(lowerName string, sources []map[string]any) (string, bool) {
	switch {
	case strings.Contains(lowerName, "disconnect"):
		return repo.StatusDisconnected, true
	case strings.Contains(lowerName, "connecting"), strings.Contains(lowerName, "qrcode"):
		return repo.StatusConnecting, true
	case strings.Contains(lowerName, "connect"):
		if val, ok := firstValue(sources, "connected"); ok && !toBool(val) {
			return repo.StatusDisconnected, true
		}
		return repo.StatusConnected, true
	case strings.Contains(lowerName, "status") && pick(sources, "messageId", "text", "msgContent.conversation") == "":
		switch strings.ToLower(pick(sources, "status", "connection")) {
		case "connected", "open", "online":
			return repo.StatusConnected, true
		case "connecting", "qrcode", "pairing":
			return repo.StatusConnecting, true
		case "disconnected", "close", "closed", "offline":
			return repo.StatusDisconnected, true
		}
	}
	return "", false
}

func firstValue(sources []map[string]any, path string) (any, bool) {
	for _, src := range sources {
		if val, ok := lookup(src, path); ok && val != nil {
			return val, true
		}
	}
	return nil, false
}
