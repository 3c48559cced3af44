package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// DefaultDedupeTTL is how long a processed message id is remembered.
const DefaultDedupeTTL = 24 * time.Hour

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Instances
	UpsertInstance(ctx context.Context, inst Instance) (*Instance, error)
	GetInstanceByExternalID(ctx context.Context, externalID string) (*Instance, error)
	UpdateInstanceStatus(ctx context.Context, externalID, status string) error

	// VIP numbers
	AddVipNumber(ctx context.Context, instanceID, phone string) error
	ListVipNumbers(ctx context.Context, instanceID string) ([]string, error)

	// Bot configuration
	UpsertBotSettings(ctx context.Context, settings BotSettings) error
	GetBotSettings(ctx context.Context, instanceID string) (*BotSettings, error)
	InsertQuestion(ctx context.Context, q BotQuestion) (*BotQuestion, error)
	ListActiveQuestions(ctx context.Context, instanceID string) ([]BotQuestion, error)

	// Conversations
	FindOrCreateConversation(ctx context.Context, instanceID, remoteJID, contactName, firstStep string) (*Conversation, bool, error)
	GetConversation(ctx context.Context, instanceID, remoteJID string) (*Conversation, error)
	RecordAnswer(ctx context.Context, conversationID, stepKey, value string) error
	AdvanceStep(ctx context.Context, conversationID, fromStep, nextStep string) (bool, error)
	AnswerAndAdvance(ctx context.Context, conversationID, fromStep, nextStep, value string) (bool, error)
	ResetToFirstStep(ctx context.Context, conversationID, firstStep string) error
	SetLastDirection(ctx context.Context, conversationID, direction string) error
	CompleteConversation(ctx context.Context, conversationID, leadID string) error

	// Leads
	UpsertLead(ctx context.Context, lead Lead) (*Lead, error)
	GetLeadByConversation(ctx context.Context, conversationID string) (*Lead, error)

	// Inbound message dedupe
	MarkMessageProcessed(ctx context.Context, instanceID, messageID string) (bool, error)
	ReleaseMessage(ctx context.Context, instanceID, messageID string) error
	PruneProcessedMessages(ctx context.Context) (int64, error)
}

var (
	_ Repository = (*PostgresRepository)(nil)
	_ Repository = (*SQLiteRepository)(nil)
)
