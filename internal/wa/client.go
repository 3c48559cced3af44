package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"festa-bot/internal/metrics"
	"festa-bot/internal/phone"
	"festa-bot/internal/repo"
	"festa-bot/internal/wapi"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

const handleTimeout = 30 * time.Second

// Config holds configuration to initialise the WhatsApp device client.
type Config struct {
	StorePath string
	LogLevel  string
	// InstanceID is the external instance id the device acts as.
	InstanceID string
	Metrics    *metrics.Metrics
}

// Client wraps the WhatsMeow client so a linked device can stand in for the
// hosted provider: inbound events reach the same Processor and replies go out
// through SendText.
type Client struct {
	client     *whatsmeow.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	instanceID string
	processor  wapi.Processor
}

// New creates a new WhatsApp client instance backed by an SQLite store.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}
	if cfg.InstanceID == "" {
		return nil, errors.New("instance id is required")
	}

	if err := ensureDir(filepath.Dir(cfg.StorePath)); err != nil {
		return nil, fmt.Errorf("ensure store dir: %w", err)
	}

	storeLogger := waLog.Stdout("whatsmeow/sqlstore", cfg.LogLevel, true)
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout=10000&_pragma=foreign_keys(ON)", cfg.StorePath), storeLogger)
	if err != nil {
		return nil, fmt.Errorf("create sqlstore: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}

	waLogger := waLog.Stdout("whatsmeow/client", cfg.LogLevel, true)
	client := whatsmeow.NewClient(deviceStore, waLogger)

	wc := &Client{
		client:     client,
		logger:     logger.With("component", "wa"),
		metrics:    cfg.Metrics,
		instanceID: cfg.InstanceID,
	}
	client.AddEventHandler(wc.handleEvent)

	return wc, nil
}

// SetProcessor registers the consumer of inbound events.
func (c *Client) SetProcessor(processor wapi.Processor) {
	c.processor = processor
}

// Start connects the client and handles login/QR pairing flow.
func (c *Client) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		c.logger.Info("pairing required, waiting for QR scan")
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}

		go func() {
			for evt := range qrChan {
				if evt.Event == "code" {
					c.logger.Info("scan the QR code with WhatsApp", "qr", evt.Code)
				} else {
					c.logger.Info("pairing event received", "event", evt.Event)
				}
			}
		}()
	}

	c.notifyStatus(repo.StatusConnecting)
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect wa client: %w", err)
	}

	c.logger.Info("whatsapp client connected")
	return nil
}

// Close disconnects the WhatsApp client.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect()
	}
}

// SendText sends text to a phone number or group address. Credentials are
// ignored since the linked device is already authenticated.
func (c *Client) SendText(ctx context.Context, _ wapi.Credentials, to, text string) (*wapi.SendResult, error) {
	jid, err := recipientJID(to)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.SendMessage(ctx, jid, &waProto.Message{Conversation: proto.String(text)})
	if err != nil {
		c.metrics.Outgoing("failed")
		return nil, fmt.Errorf("send text: %w", err)
	}
	c.metrics.Outgoing("sent")
	return &wapi.SendResult{Shape: "whatsmeow", MessageID: string(resp.ID), Attempts: 1}, nil
}

func (c *Client) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		c.handleMessage(v)
	case *events.Connected:
		c.logger.Info("device connected")
		c.notifyStatus(repo.StatusConnected)
	case *events.Disconnected:
		c.logger.Warn("device disconnected")
		c.notifyStatus(repo.StatusDisconnected)
	case *events.LoggedOut:
		c.logger.Warn("device logged out", "reason", v.Reason)
		c.notifyStatus(repo.StatusDisconnected)
	}
}

func (c *Client) handleMessage(evt *events.Message) {
	msg, ok := inboundFromEvent(c.instanceID, evt)
	if !ok {
		c.logger.Debug("ignoring non-text message", "from", evt.Info.Sender.String())
		return
	}
	if c.processor == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
		defer cancel()
		if err := c.processor.HandleMessage(ctx, msg); err != nil {
			c.logger.Error("failed processing message", "error", err, "message_id", msg.MessageID)
			c.metrics.Error("wa_process")
		}
	}()
}

func (c *Client) notifyStatus(status string) {
	if c.processor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()
	if err := c.processor.HandleConnection(ctx, wapi.ConnectionEvent{InstanceExternalID: c.instanceID, Status: status}); err != nil {
		c.logger.Warn("failed recording connection status", "error", err, "status", status)
	}
}

// inboundFromEvent converts a device message event. Messages without text are
// reported as not ok.
func inboundFromEvent(instanceID string, evt *events.Message) (wapi.InboundMessage, bool) {
	if evt == nil || evt.Message == nil {
		return wapi.InboundMessage{}, false
	}
	text := messageText(evt.Message)
	if text == "" {
		return wapi.InboundMessage{}, false
	}
	remote := evt.Info.Chat.User
	if evt.Info.IsGroup {
		remote = evt.Info.Chat.String()
	}
	return wapi.InboundMessage{
		InstanceExternalID: instanceID,
		MessageID:          string(evt.Info.ID),
		RemoteJID:          remote,
		SenderName:         evt.Info.PushName,
		Text:               text,
		FromMe:             evt.Info.IsFromMe,
		IsGroup:            evt.Info.IsGroup,
		ReceivedAt:         evt.Info.Timestamp,
	}, true
}

func messageText(msg *waProto.Message) string {
	switch {
	case msg.GetConversation() != "":
		return strings.TrimSpace(msg.GetConversation())
	case msg.GetExtendedTextMessage() != nil:
		return strings.TrimSpace(msg.GetExtendedTextMessage().GetText())
	case msg.GetImageMessage() != nil:
		return strings.TrimSpace(msg.GetImageMessage().GetCaption())
	default:
		return ""
	}
}

func recipientJID(to string) (types.JID, error) {
	if phone.IsGroup(to) {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("parse group jid: %w", err)
		}
		return jid, nil
	}
	digits := phone.Normalize(to)
	if digits == "" {
		return types.JID{}, fmt.Errorf("invalid recipient %q", to)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

func ensureDir(dir string) error {
	if dir == "." || dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
