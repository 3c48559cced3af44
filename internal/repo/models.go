package repo

import "time"

// Instance connection statuses.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Last-message directions stored on a conversation.
const (
	DirectionInbound  = "in"
	DirectionOutbound = "out"
)

// LeadSourceWhatsAppBot marks leads created by the qualification bot.
const LeadSourceWhatsAppBot = "whatsapp_bot"

// Instance represents a tenant's WhatsApp connection on the provider.
type Instance struct {
	ID         string
	CompanyID  string
	ExternalID string
	Token      string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BotSettings holds per-instance bot toggles.
type BotSettings struct {
	InstanceID        string
	Enabled           bool
	WelcomeMessage    *string
	CompletionMessage *string
	UpdatedAt         time.Time
}

// BotQuestion is one configured step of an instance's question chain.
type BotQuestion struct {
	ID               string
	InstanceID       string
	StepKey          string
	QuestionText     string
	ConfirmationText *string
	SortOrder        int
	Active           bool
}

// Conversation is the persisted bot state of one (instance, remote address) thread.
type Conversation struct {
	ID            string
	InstanceID    string
	RemoteJID     string
	ContactName   string
	BotData       map[string]string
	BotStep       string
	BotEnabled    bool
	LastDirection string
	LeadID        *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Lead is the CRM record materialised when a conversation completes the chain.
type Lead struct {
	ID             string
	CompanyID      string
	ConversationID string
	Name           string
	Phone          string
	InquiryType    string
	PartyMonth     string
	DayPreference  string
	GuestCount     string
	Qualification  map[string]string
	Source         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
