// Package convo drives the WhatsApp qualification conversation: it filters
// inbound messages, advances the persisted question chain and turns finished
// conversations into leads.
package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"festa-bot/internal/metrics"
	"festa-bot/internal/phone"
	"festa-bot/internal/qualify"
	"festa-bot/internal/repo"
	"festa-bot/internal/wapi"
)

// ErrUnknownInstance is returned when an event names an unregistered instance.
var ErrUnknownInstance = errors.New("unknown instance")

// Store is the persistence the engine needs.
type Store interface {
	GetInstanceByExternalID(ctx context.Context, externalID string) (*repo.Instance, error)
	UpdateInstanceStatus(ctx context.Context, externalID, status string) error
	ListVipNumbers(ctx context.Context, instanceID string) ([]string, error)
	GetBotSettings(ctx context.Context, instanceID string) (*repo.BotSettings, error)
	ListActiveQuestions(ctx context.Context, instanceID string) ([]repo.BotQuestion, error)
	FindOrCreateConversation(ctx context.Context, instanceID, remoteJID, contactName, firstStep string) (*repo.Conversation, bool, error)
	GetConversation(ctx context.Context, instanceID, remoteJID string) (*repo.Conversation, error)
	RecordAnswer(ctx context.Context, conversationID, stepKey, value string) error
	AnswerAndAdvance(ctx context.Context, conversationID, fromStep, nextStep, value string) (bool, error)
	ResetToFirstStep(ctx context.Context, conversationID, firstStep string) error
	SetLastDirection(ctx context.Context, conversationID, direction string) error
	CompleteConversation(ctx context.Context, conversationID, leadID string) error
	UpsertLead(ctx context.Context, lead repo.Lead) (*repo.Lead, error)
}

// Sender delivers outbound text.
type Sender interface {
	SendText(ctx context.Context, creds wapi.Credentials, to, text string) (*wapi.SendResult, error)
}

// Deduper remembers processed inbound message ids.
type Deduper interface {
	MarkMessageProcessed(ctx context.Context, instanceID, messageID string) (bool, error)
	ReleaseMessage(ctx context.Context, instanceID, messageID string) error
}

// Deps groups the engine's collaborators. Resolver, Validator, VIP and Dedupe
// default to implementations backed by Store.
type Deps struct {
	Store     Store
	Sender    Sender
	Dedupe    Deduper
	VIP       *VIPFilter
	Resolver  *qualify.Resolver
	Validator *qualify.Validator
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Engine processes inbound messages for every instance. It keeps no
// per-conversation state between calls.
type Engine struct {
	store     Store
	sender    Sender
	dedupe    Deduper
	vip       *VIPFilter
	resolver  *qualify.Resolver
	validator *qualify.Validator
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewEngine builds an Engine.
func NewEngine(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:     deps.Store,
		sender:    deps.Sender,
		dedupe:    deps.Dedupe,
		vip:       deps.VIP,
		resolver:  deps.Resolver,
		validator: deps.Validator,
		metrics:   deps.Metrics,
		logger:    logger.With("component", "convo_engine"),
	}
	if e.dedupe == nil {
		if d, ok := deps.Store.(Deduper); ok {
			e.dedupe = d
		}
	}
	if e.vip == nil {
		e.vip = NewVIPFilter(deps.Store)
	}
	if e.resolver == nil {
		e.resolver = qualify.NewResolver(deps.Store, nil, logger)
	}
	if e.validator == nil {
		e.validator = qualify.NewValidator(nil)
	}
	return e
}

// HandleMessage processes one inbound message. A returned error means the
// message was not handled and may be redelivered.
func (e *Engine) HandleMessage(ctx context.Context, msg wapi.InboundMessage) (err error) {
	inst, err := e.instance(ctx, msg.InstanceExternalID)
	if err != nil {
		if errors.Is(err, ErrUnknownInstance) {
			e.logger.Warn("message for unknown instance", "instance", msg.InstanceExternalID)
			e.metrics.Incoming("unknown_instance")
			return nil
		}
		return err
	}

	if msg.IsGroup || phone.IsGroup(msg.RemoteJID) {
		e.metrics.Incoming("group")
		return nil
	}
	remote := phone.Normalize(msg.RemoteJID)
	if remote == "" {
		e.metrics.Incoming("ignored")
		return nil
	}
	log := e.logger.With("instance_id", inst.ID, "remote", remote, "message_id", msg.MessageID)

	if msg.FromMe {
		return e.recordOutbound(ctx, inst.ID, remote)
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		e.metrics.Incoming("empty")
		return nil
	}

	if msg.MessageID != "" && e.dedupe != nil {
		fresh, derr := e.dedupe.MarkMessageProcessed(ctx, inst.ID, msg.MessageID)
		if derr != nil {
			return fmt.Errorf("mark message: %w", derr)
		}
		if !fresh {
			log.Debug("duplicate delivery ignored")
			e.metrics.Incoming("duplicate")
			return nil
		}
		defer func() {
			if err == nil {
				return
			}
			if rerr := e.dedupe.ReleaseMessage(context.WithoutCancel(ctx), inst.ID, msg.MessageID); rerr != nil {
				log.Warn("release message failed", "error", rerr)
			}
		}()
	}

	vip, err := e.vip.IsVIP(ctx, inst.ID, remote)
	if err != nil {
		return err
	}
	if vip {
		log.Debug("vip sender, bot bypassed")
		e.metrics.Incoming("vip")
		return nil
	}

	settings, err := e.settings(ctx, inst.ID)
	if err != nil {
		return err
	}
	if settings == nil || !settings.Enabled {
		e.metrics.Incoming("bot_disabled")
		return nil
	}

	chain, err := e.resolver.Resolve(ctx, inst.ID)
	if err != nil {
		return err
	}
	if chain.First() == qualify.Terminal {
		e.metrics.Incoming("no_questions")
		return nil
	}

	conv, created, err := e.store.FindOrCreateConversation(ctx, inst.ID, remote, msg.SenderName, chain.First())
	if err != nil {
		return err
	}
	log = log.With("conversation_id", conv.ID)

	if created {
		first, _ := chain.Step(chain.First())
		greeting := qualify.JoinMessages(optional(settings.WelcomeMessage, nil), first.Question)
		e.send(ctx, inst, conv.ID, remote, greeting)
		e.metrics.Incoming("greeted")
		return nil
	}

	if err := e.store.SetLastDirection(ctx, conv.ID, repo.DirectionInbound); err != nil {
		return err
	}

	if conv.BotStep == qualify.Terminal {
		if conv.BotEnabled && conv.LeadID == nil {
			log.Info("resuming interrupted completion")
			return e.complete(ctx, inst, conv, settings, nil, copyAnswers(conv.BotData))
		}
		e.metrics.Incoming("completed")
		return nil
	}
	if !conv.BotEnabled {
		e.metrics.Incoming("bot_off")
		return nil
	}

	step, ok := chain.Step(conv.BotStep)
	if !ok {
		// Steps removed from the configuration restart the chain instead of stalling.
		return e.resync(ctx, inst, conv, chain, text, log)
	}

	res := e.validator.Validate(step, text)
	if !res.Valid {
		log.Debug("answer rejected", "step", step.Key)
		e.metrics.ValidationFailed(step.Key)
		e.metrics.Incoming("invalid")
		e.send(ctx, inst, conv.ID, remote, res.Retry)
		return nil
	}

	// The answer is only stored if the conversation is still on this step.
	advanced, err := e.store.AnswerAndAdvance(ctx, conv.ID, step.Key, step.Next, res.Value)
	if err != nil {
		return err
	}
	if !advanced {
		log.Warn("step advance skipped, conversation moved on", "from", step.Key, "to", step.Next)
		e.metrics.Transition("stale")
		e.metrics.Incoming("stale")
		return nil
	}
	e.metrics.Transition("advanced")
	answers := copyAnswers(conv.BotData)
	answers[step.Key] = res.Value

	if step.Next == qualify.Terminal {
		return e.complete(ctx, inst, conv, settings, step.Confirmation, answers)
	}

	next, _ := chain.Step(step.Next)
	e.send(ctx, inst, conv.ID, remote, qualify.Reply(step.Confirmation, next.Question, answers))
	e.metrics.Incoming("answered")
	return nil
}

// HandleConnection records a provider connection status change.
func (e *Engine) HandleConnection(ctx context.Context, evt wapi.ConnectionEvent) error {
	switch evt.Status {
	case repo.StatusConnecting, repo.StatusConnected, repo.StatusDisconnected:
	default:
		return fmt.Errorf("unsupported connection status %q", evt.Status)
	}
	err := e.store.UpdateInstanceStatus(ctx, evt.InstanceExternalID, evt.Status)
	if errors.Is(err, repo.ErrNotFound) {
		e.logger.Warn("status for unknown instance", "instance", evt.InstanceExternalID, "status", evt.Status)
		return nil
	}
	if err != nil {
		return err
	}
	e.logger.Info("instance status updated", "instance", evt.InstanceExternalID, "status", evt.Status)
	return nil
}

// Rewake resets a contact's conversation to the first question and asks it
// again. It is used when a known lead re-enters through another channel.
func (e *Engine) Rewake(ctx context.Context, externalInstanceID, number string) error {
	inst, err := e.instance(ctx, externalInstanceID)
	if err != nil {
		return err
	}
	remote := phone.Normalize(number)
	if remote == "" {
		return fmt.Errorf("rewake: invalid phone %q", number)
	}
	chain, err := e.resolver.Resolve(ctx, inst.ID)
	if err != nil {
		return err
	}
	first, ok := chain.Step(chain.First())
	if !ok {
		return fmt.Errorf("rewake: instance %s has no questions", inst.ID)
	}

	conv, _, err := e.store.FindOrCreateConversation(ctx, inst.ID, remote, "", first.Key)
	if err != nil {
		return err
	}
	if err := e.store.ResetToFirstStep(ctx, conv.ID, first.Key); err != nil {
		return err
	}
	e.logger.Info("conversation rewoken", "instance_id", inst.ID, "conversation_id", conv.ID)

	settings, err := e.settings(ctx, inst.ID)
	if err != nil {
		return err
	}
	if settings != nil && settings.Enabled {
		e.send(ctx, inst, conv.ID, remote, qualify.Compose(first.Question, conv.BotData))
	}
	return nil
}

func (e *Engine) complete(ctx context.Context, inst *repo.Instance, conv *repo.Conversation, settings *repo.BotSettings, confirmation *string, answers map[string]string) error {
	lead := leadFromAnswers(inst, conv, answers)
	saved, err := e.store.UpsertLead(ctx, lead)
	if err != nil {
		return err
	}
	if err := e.store.CompleteConversation(ctx, conv.ID, saved.ID); err != nil {
		return err
	}
	e.metrics.LeadCompleted()
	e.metrics.Incoming("lead_created")
	e.logger.Info("qualification completed", "instance_id", inst.ID, "conversation_id", conv.ID, "lead_id", saved.ID)

	var conf string
	if confirmation != nil {
		conf = qualify.Compose(*confirmation, answers)
	}
	closing := optional(settings.CompletionMessage, answers)
	if closing == "" {
		closing = qualify.DefaultCompletionMessage
	}
	e.send(ctx, inst, conv.ID, conv.RemoteJID, qualify.JoinMessages(conf, closing))
	return nil
}

func (e *Engine) resync(ctx context.Context, inst *repo.Instance, conv *repo.Conversation, chain *qualify.Chain, text string, log *slog.Logger) error {
	log.Warn("conversation on unknown step, restarting chain", "step", conv.BotStep)
	if conv.BotStep != "" {
		if err := e.store.RecordAnswer(ctx, conv.ID, conv.BotStep, text); err != nil {
			return err
		}
	}
	first, _ := chain.Step(chain.First())
	if err := e.store.ResetToFirstStep(ctx, conv.ID, first.Key); err != nil {
		return err
	}
	e.metrics.Transition("resynced")
	e.metrics.Incoming("resynced")
	e.send(ctx, inst, conv.ID, conv.RemoteJID, first.Question)
	return nil
}

func (e *Engine) recordOutbound(ctx context.Context, instanceID, remote string) error {
	conv, err := e.store.GetConversation(ctx, instanceID, remote)
	if errors.Is(err, repo.ErrNotFound) {
		e.metrics.Incoming("from_me")
		return nil
	}
	if err != nil {
		return err
	}
	e.metrics.Incoming("from_me")
	return e.store.SetLastDirection(ctx, conv.ID, repo.DirectionOutbound)
}

// send delivers text and records the outbound direction. Delivery failures are
// logged and leave conversation state untouched.
func (e *Engine) send(ctx context.Context, inst *repo.Instance, conversationID, to, text string) {
	if e.sender == nil || strings.TrimSpace(text) == "" {
		return
	}
	creds := wapi.Credentials{InstanceID: inst.ExternalID, Token: inst.Token}
	if _, err := e.sender.SendText(ctx, creds, to, text); err != nil {
		e.logger.Error("failed to deliver reply", "error", err, "instance_id", inst.ID, "conversation_id", conversationID)
		e.metrics.Error("convo_send")
		return
	}
	if err := e.store.SetLastDirection(ctx, conversationID, repo.DirectionOutbound); err != nil {
		e.logger.Warn("set last direction failed", "error", err, "conversation_id", conversationID)
	}
}

func (e *Engine) instance(ctx context.Context, externalID string) (*repo.Instance, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, ErrUnknownInstance
	}
	inst, err := e.store.GetInstanceByExternalID(ctx, externalID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, externalID)
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// settings returns nil when the instance has no settings row.
func (e *Engine) settings(ctx context.Context, instanceID string) (*repo.BotSettings, error) {
	s, err := e.store.GetBotSettings(ctx, instanceID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func optional(text *string, answers map[string]string) string {
	if text == nil {
		return ""
	}
	return qualify.Compose(*text, answers)
}

func copyAnswers(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
