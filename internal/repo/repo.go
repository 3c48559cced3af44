package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresRepository provides typed access to the Postgres database.
type PostgresRepository struct {
	pool      *pgxpool.Pool
	logger    *slog.Logger
	schema    string
	dedupeTTL time.Duration
	now       func() time.Time
}

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresRepository{
		pool:      pool,
		logger:    logger.With("component", "repo"),
		schema:    schema,
		dedupeTTL: DefaultDedupeTTL,
		now:       time.Now,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

// SetDedupeTTL sets how long processed message ids are remembered.
func (r *PostgresRepository) SetDedupeTTL(ttl time.Duration) {
	if ttl > 0 {
		r.dedupeTTL = ttl
	}
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations applies the postgres/ migrations of filesystem.
func (r *PostgresRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	sub, err := fs.Sub(filesystem, "postgres")
	if err != nil {
		return fmt.Errorf("open postgres migrations: %w", err)
	}
	return ApplyMigrations(ctx, r.pool, sub)
}

// -- Instances --

// UpsertInstance stores an instance keyed by its external id.
func (r *PostgresRepository) UpsertInstance(ctx context.Context, inst Instance) (*Instance, error) {
	if inst.Status == "" {
		inst.Status = StatusConnecting
	}
	const q = `
INSERT INTO instances (company_id, external_id, token, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (external_id) DO UPDATE SET
    company_id = EXCLUDED.company_id,
    token = EXCLUDED.token,
    status = EXCLUDED.status,
    updated_at = NOW()
RETURNING id, company_id, external_id, token, status, created_at, updated_at;
`
	row := r.pool.QueryRow(ctx, q, inst.CompanyID, inst.ExternalID, inst.Token, inst.Status)
	var out Instance
	if err := row.Scan(&out.ID, &out.CompanyID, &out.ExternalID, &out.Token, &out.Status, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return nil, fmt.Errorf("upsert instance: %w", err)
	}
	return &out, nil
}

// GetInstanceByExternalID loads an instance by the provider's instance id.
func (r *PostgresRepository) GetInstanceByExternalID(ctx context.Context, externalID string) (*Instance, error) {
	const q = `
SELECT id, company_id, external_id, token, status, created_at, updated_at
FROM instances
WHERE external_id = $1
LIMIT 1;
`
	var out Instance
	err := r.pool.QueryRow(ctx, q, externalID).Scan(&out.ID, &out.CompanyID, &out.ExternalID, &out.Token, &out.Status, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", notFound(err))
	}
	return &out, nil
}

// UpdateInstanceStatus records a connection-status callback.
func (r *PostgresRepository) UpdateInstanceStatus(ctx context.Context, externalID, status string) error {
	const q = `UPDATE instances SET status = $2, updated_at = NOW() WHERE external_id = $1`
	ct, err := r.pool.Exec(ctx, q, externalID, status)
	if err != nil {
		return fmt.Errorf("update instance status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("update instance status %s: %w", externalID, ErrNotFound)
	}
	return nil
}

// -- VIP numbers --

// AddVipNumber registers a number that bypasses the bot.
func (r *PostgresRepository) AddVipNumber(ctx context.Context, instanceID, phone string) error {
	const q = `
INSERT INTO vip_numbers (instance_id, phone)
VALUES ($1, $2)
ON CONFLICT (instance_id, phone) DO NOTHING;
`
	if _, err := r.pool.Exec(ctx, q, instanceID, phone); err != nil {
		return fmt.Errorf("add vip number: %w", err)
	}
	return nil
}

// ListVipNumbers returns the stored VIP phones of an instance.
func (r *PostgresRepository) ListVipNumbers(ctx context.Context, instanceID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT phone FROM vip_numbers WHERE instance_id = $1`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list vip numbers: %w", err)
	}
	phones, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan vip numbers: %w", err)
	}
	return phones, nil
}

// -- Bot configuration --

// UpsertBotSettings stores the bot toggles of an instance.
func (r *PostgresRepository) UpsertBotSettings(ctx context.Context, s BotSettings) error {
	const q = `
INSERT INTO bot_settings (instance_id, enabled, welcome_message, completion_message)
VALUES ($1, $2, $3, $4)
ON CONFLICT (instance_id) DO UPDATE SET
    enabled = EXCLUDED.enabled,
    welcome_message = EXCLUDED.welcome_message,
    completion_message = EXCLUDED.completion_message,
    updated_at = NOW();
`
	if _, err := r.pool.Exec(ctx, q, s.InstanceID, s.Enabled, s.WelcomeMessage, s.CompletionMessage); err != nil {
		return fmt.Errorf("upsert bot settings: %w", err)
	}
	return nil
}

// GetBotSettings loads the bot toggles of an instance.
func (r *PostgresRepository) GetBotSettings(ctx context.Context, instanceID string) (*BotSettings, error) {
	const q = `
SELECT instance_id, enabled, welcome_message, completion_message, updated_at
FROM bot_settings
WHERE instance_id = $1;
`
	var s BotSettings
	err := r.pool.QueryRow(ctx, q, instanceID).Scan(&s.InstanceID, &s.Enabled, &s.WelcomeMessage, &s.CompletionMessage, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get bot settings: %w", notFound(err))
	}
	return &s, nil
}

// InsertQuestion adds a question to an instance's chain.
func (r *PostgresRepository) InsertQuestion(ctx context.Context, q BotQuestion) (*BotQuestion, error) {
	const stmt = `
INSERT INTO bot_questions (instance_id, step_key, question_text, confirmation_text, sort_order, active)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id;
`
	if err := r.pool.QueryRow(ctx, stmt, q.InstanceID, q.StepKey, q.QuestionText, q.ConfirmationText, q.SortOrder, q.Active).Scan(&q.ID); err != nil {
		return nil, fmt.Errorf("insert question: %w", err)
	}
	return &q, nil
}

// ListActiveQuestions returns active questions ordered by sort order.
func (r *PostgresRepository) ListActiveQuestions(ctx context.Context, instanceID string) ([]BotQuestion, error) {
	const q = `
SELECT id, instance_id, step_key, question_text, confirmation_text, sort_order, active
FROM bot_questions
WHERE instance_id = $1 AND active
ORDER BY sort_order ASC, created_at ASC;
`
	rows, err := r.pool.Query(ctx, q, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var out []BotQuestion
	for rows.Next() {
		var bq BotQuestion
		if err := rows.Scan(&bq.ID, &bq.InstanceID, &bq.StepKey, &bq.QuestionText, &bq.ConfirmationText, &bq.SortOrder, &bq.Active); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, bq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return out, nil
}

// -- Conversations --

const conversationColumns = `id, instance_id, remote_jid, contact_name, bot_data, bot_step, bot_enabled, last_direction, lead_id, created_at, updated_at`

// FindOrCreateConversation returns the conversation for (instance, remote),
// creating it on first contact. Losing a concurrent create race is not an
// error: the winner's row is read back. The bool reports whether this call
// created the row.
func (r *PostgresRepository) FindOrCreateConversation(ctx context.Context, instanceID, remoteJID, contactName, firstStep string) (*Conversation, bool, error) {
	q := `
INSERT INTO conversations (instance_id, remote_jid, contact_name, bot_step, bot_enabled, last_direction)
VALUES ($1, $2, $3, $4, TRUE, 'in')
RETURNING ` + conversationColumns + `;`

	conv, err := scanPgConversation(r.pool.QueryRow(ctx, q, instanceID, remoteJID, contactName, firstStep))
	if err == nil {
		return conv, true, nil
	}
	if !isPgUniqueViolation(err) {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}

	r.logger.Debug("conversation create race lost, reading winner", "instance_id", instanceID, "remote_jid", remoteJID)
	conv, err = r.GetConversation(ctx, instanceID, remoteJID)
	if err != nil {
		return nil, false, err
	}
	return conv, false, nil
}

// GetConversation loads the conversation for (instance, remote).
func (r *PostgresRepository) GetConversation(ctx context.Context, instanceID, remoteJID string) (*Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM conversations WHERE instance_id = $1 AND remote_jid = $2;`
	conv, err := scanPgConversation(r.pool.QueryRow(ctx, q, instanceID, remoteJID))
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", notFound(err))
	}
	return conv, nil
}

// RecordAnswer merges one step answer into bot_data, overwriting that key only.
func (r *PostgresRepository) RecordAnswer(ctx context.Context, conversationID, stepKey, value string) error {
	const q = `
UPDATE conversations
SET bot_data = COALESCE(bot_data, '{}'::jsonb) || jsonb_build_object($2::text, $3::text),
    updated_at = NOW()
WHERE id = $1;
`
	return r.execOne(ctx, "record answer", q, conversationID, stepKey, value)
}

// AdvanceStep moves the conversation from fromStep to nextStep. It reports
// false without error when the step already moved or a human disabled the bot.
func (r *PostgresRepository) AdvanceStep(ctx context.Context, conversationID, fromStep, nextStep string) (bool, error) {
	const q = `
UPDATE conversations
SET bot_step = $3, updated_at = NOW()
WHERE id = $1 AND bot_step = $2 AND bot_enabled;
`
	ct, err := r.pool.Exec(ctx, q, conversationID, fromStep, nextStep)
	if err != nil {
		return false, fmt.Errorf("advance step: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// AnswerAndAdvance stores the answer for fromStep and moves to nextStep in one
// statement. Nothing is written when the conversation is no longer on fromStep
// or the bot was disabled; that case reports false without error.
func (r *PostgresRepository) AnswerAndAdvance(ctx context.Context, conversationID, fromStep, nextStep, value string) (bool, error) {
	const q = `
UPDATE conversations
SET bot_data = COALESCE(bot_data, '{}'::jsonb) || jsonb_build_object($2::text, $4::text),
    bot_step = $3,
    updated_at = NOW()
WHERE id = $1 AND bot_step = $2 AND bot_enabled;
`
	ct, err := r.pool.Exec(ctx, q, conversationID, fromStep, nextStep, value)
	if err != nil {
		return false, fmt.Errorf("answer and advance: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ResetToFirstStep re-engages a conversation at the start of the chain.
func (r *PostgresRepository) ResetToFirstStep(ctx context.Context, conversationID, firstStep string) error {
	const q = `
UPDATE conversations
SET bot_step = $2, bot_enabled = TRUE, updated_at = NOW()
WHERE id = $1;
`
	return r.execOne(ctx, "reset conversation", q, conversationID, firstStep)
}

// SetLastDirection records who spoke last.
func (r *PostgresRepository) SetLastDirection(ctx context.Context, conversationID, direction string) error {
	const q = `UPDATE conversations SET last_direction = $2, updated_at = NOW() WHERE id = $1;`
	return r.execOne(ctx, "set last direction", q, conversationID, direction)
}

// CompleteConversation links the lead and hands the conversation to a human.
func (r *PostgresRepository) CompleteConversation(ctx context.Context, conversationID, leadID string) error {
	const q = `
UPDATE conversations
SET lead_id = $2, bot_enabled = FALSE, updated_at = NOW()
WHERE id = $1;
`
	return r.execOne(ctx, "complete conversation", q, conversationID, leadID)
}

// -- Leads --

const leadColumns = `id, company_id, conversation_id, name, phone, inquiry_type, party_month, day_preference, guest_count, qualification, source, created_at, updated_at`

// UpsertLead updates the lead when lead.ID is set, otherwise inserts it. A
// second insert for the same conversation updates the existing row.
func (r *PostgresRepository) UpsertLead(ctx context.Context, lead Lead) (*Lead, error) {
	qual, err := toJSON(lead.Qualification)
	if err != nil {
		return nil, err
	}
	args := []any{lead.CompanyID, lead.ConversationID, lead.Name, lead.Phone, lead.InquiryType, lead.PartyMonth, lead.DayPreference, lead.GuestCount, qual, lead.Source}

	var q string
	if lead.ID != "" {
		q = `
UPDATE leads SET
    name = $3, phone = $4, inquiry_type = $5, party_month = $6, day_preference = $7,
    guest_count = $8, qualification = $9::jsonb, source = $10, updated_at = NOW()
WHERE id = $11 AND company_id = $1 AND conversation_id = $2
RETURNING ` + leadColumns + `;`
		args = append(args, lead.ID)
	} else {
		q = `
INSERT INTO leads (company_id, conversation_id, name, phone, inquiry_type, party_month, day_preference, guest_count, qualification, source)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
ON CONFLICT (conversation_id) DO UPDATE SET
    name = EXCLUDED.name,
    phone = EXCLUDED.phone,
    inquiry_type = EXCLUDED.inquiry_type,
    party_month = EXCLUDED.party_month,
    day_preference = EXCLUDED.day_preference,
    guest_count = EXCLUDED.guest_count,
    qualification = EXCLUDED.qualification,
    updated_at = NOW()
RETURNING ` + leadColumns + `;`
	}

	out, err := scanPgLead(r.pool.QueryRow(ctx, q, args...))
	if err != nil {
		return nil, fmt.Errorf("upsert lead: %w", notFound(err))
	}
	return out, nil
}

// GetLeadByConversation loads the lead created from a conversation.
func (r *PostgresRepository) GetLeadByConversation(ctx context.Context, conversationID string) (*Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads WHERE conversation_id = $1;`
	out, err := scanPgLead(r.pool.QueryRow(ctx, q, conversationID))
	if err != nil {
		return nil, fmt.Errorf("get lead: %w", notFound(err))
	}
	return out, nil
}

// -- Inbound dedupe --

// MarkMessageProcessed records a provider message id. It returns false when
// the id was already recorded.
func (r *PostgresRepository) MarkMessageProcessed(ctx context.Context, instanceID, messageID string) (bool, error) {
	// An expired row is replaced so the id counts as new again.
	const q = `
INSERT INTO processed_messages (instance_id, message_id, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (instance_id, message_id) DO UPDATE SET created_at = EXCLUDED.created_at
WHERE processed_messages.created_at < $4;
`
	now := r.now()
	ct, err := r.pool.Exec(ctx, q, instanceID, messageID, now, now.Add(-r.dedupeTTL))
	if err != nil {
		return false, fmt.Errorf("mark message processed: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ReleaseMessage forgets a message id so a redelivery is processed again.
func (r *PostgresRepository) ReleaseMessage(ctx context.Context, instanceID, messageID string) error {
	const q = `DELETE FROM processed_messages WHERE instance_id = $1 AND message_id = $2;`
	if _, err := r.pool.Exec(ctx, q, instanceID, messageID); err != nil {
		return fmt.Errorf("release message: %w", err)
	}
	return nil
}

// PruneProcessedMessages deletes message ids older than the dedupe TTL.
func (r *PostgresRepository) PruneProcessedMessages(ctx context.Context) (int64, error) {
	const q = `DELETE FROM processed_messages WHERE created_at < $1;`
	ct, err := r.pool.Exec(ctx, q, r.now().Add(-r.dedupeTTL))
	if err != nil {
		return 0, fmt.Errorf("prune processed messages: %w", err)
	}
	return ct.RowsAffected(), nil
}

// -- Helpers --

func (r *PostgresRepository) execOne(ctx context.Context, op, q string, args ...any) error {
	ct, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func scanPgConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	var data []byte
	if err := row.Scan(&c.ID, &c.InstanceID, &c.RemoteJID, &c.ContactName, &data, &c.BotStep, &c.BotEnabled, &c.LastDirection, &c.LeadID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.BotData = fromJSON(data)
	return &c, nil
}

func scanPgLead(row pgx.Row) (*Lead, error) {
	var l Lead
	var qual []byte
	if err := row.Scan(&l.ID, &l.CompanyID, &l.ConversationID, &l.Name, &l.Phone, &l.InquiryType, &l.PartyMonth, &l.DayPreference, &l.GuestCount, &qual, &l.Source, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.Qualification = fromJSON(qual)
	return &l, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
