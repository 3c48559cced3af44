package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// -- Instances --

func (r *SQLiteRepository) UpsertInstance(ctx context.Context, inst Instance) (*Instance, error) {
	if inst.Status == "" {
		inst.Status = StatusConnecting
	}
	const q = `
INSERT INTO instances (id, company_id, external_id, token, status)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (external_id) DO UPDATE SET
    company_id = excluded.company_id,
    token = excluded.token,
    status = excluded.status,
    updated_at = CURRENT_TIMESTAMP
RETURNING id, company_id, external_id, token, status, created_at, updated_at;
`
	row := r.db.QueryRowContext(ctx, q, uuid.NewString(), inst.CompanyID, inst.ExternalID, inst.Token, inst.Status)
	out, err := scanSQLiteInstance(row)
	if err != nil {
		return nil, fmt.Errorf("upsert instance: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) GetInstanceByExternalID(ctx context.Context, externalID string) (*Instance, error) {
	const q = `
SELECT id, company_id, external_id, token, status, created_at, updated_at
FROM instances
WHERE external_id = ?
LIMIT 1;
`
	out, err := scanSQLiteInstance(r.db.QueryRowContext(ctx, q, externalID))
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", notFound(err))
	}
	return out, nil
}

func (r *SQLiteRepository) UpdateInstanceStatus(ctx context.Context, externalID, status string) error {
	const q = `UPDATE instances SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE external_id = ?`
	return r.execOne(ctx, "update instance status", q, status, externalID)
}

// -- VIP numbers --

func (r *SQLiteRepository) AddVipNumber(ctx context.Context, instanceID, phone string) error {
	const q = `
INSERT INTO vip_numbers (id, instance_id, phone)
VALUES (?, ?, ?)
ON CONFLICT (instance_id, phone) DO NOTHING;
`
	if _, err := r.db.ExecContext(ctx, q, uuid.NewString(), instanceID, phone); err != nil {
		return fmt.Errorf("add vip number: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListVipNumbers(ctx context.Context, instanceID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT phone FROM vip_numbers WHERE instance_id = ?`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list vip numbers: %w", err)
	}
	defer rows.Close()

	var phones []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan vip number: %w", err)
		}
		phones = append(phones, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vip numbers: %w", err)
	}
	return phones, nil
}

// -- Bot configuration --

func (r *SQLiteRepository) UpsertBotSettings(ctx context.Context, s BotSettings) error {
	const q = `
INSERT INTO bot_settings (instance_id, enabled, welcome_message, completion_message)
VALUES (?, ?, ?, ?)
ON CONFLICT (instance_id) DO UPDATE SET
    enabled = excluded.enabled,
    welcome_message = excluded.welcome_message,
    completion_message = excluded.completion_message,
    updated_at = CURRENT_TIMESTAMP;
`
	if _, err := r.db.ExecContext(ctx, q, s.InstanceID, s.Enabled, s.WelcomeMessage, s.CompletionMessage); err != nil {
		return fmt.Errorf("upsert bot settings: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetBotSettings(ctx context.Context, instanceID string) (*BotSettings, error) {
	const q = `
SELECT instance_id, enabled, welcome_message, completion_message, updated_at
FROM bot_settings
WHERE instance_id = ?;
`
	var s BotSettings
	err := r.db.QueryRowContext(ctx, q, instanceID).Scan(&s.InstanceID, &s.Enabled, &s.WelcomeMessage, &s.CompletionMessage, sqliteTime{&s.UpdatedAt})
	if err != nil {
		return nil, fmt.Errorf("get bot settings: %w", notFound(err))
	}
	return &s, nil
}

func (r *SQLiteRepository) InsertQuestion(ctx context.Context, q BotQuestion) (*BotQuestion, error) {
	q.ID = uuid.NewString()
	const stmt = `
INSERT INTO bot_questions (id, instance_id, step_key, question_text, confirmation_text, sort_order, active)
VALUES (?, ?, ?, ?, ?, ?, ?);
`
	if _, err := r.db.ExecContext(ctx, stmt, q.ID, q.InstanceID, q.StepKey, q.QuestionText, q.ConfirmationText, q.SortOrder, q.Active); err != nil {
		return nil, fmt.Errorf("insert question: %w", err)
	}
	return &q, nil
}

func (r *SQLiteRepository) ListActiveQuestions(ctx context.Context, instanceID string) ([]BotQuestion, error) {
	const q = `
SELECT id, instance_id, step_key, question_text, confirmation_text, sort_order, active
FROM bot_questions
WHERE instance_id = ? AND active = 1
ORDER BY sort_order ASC, created_at ASC;
`
	rows, err := r.db.QueryContext(ctx, q, instanceID)
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

func (r *SQLiteRepository) FindOrCreateConversation(ctx context.Context, instanceID, remoteJID, contactName, firstStep string) (*Conversation, bool, error) {
	q := `
INSERT INTO conversations (id, instance_id, remote_jid, contact_name, bot_step, bot_enabled, last_direction)
VALUES (?, ?, ?, ?, ?, 1, 'in')
RETURNING ` + conversationColumns + `;`

	conv, err := scanSQLiteConversation(r.db.QueryRowContext(ctx, q, uuid.NewString(), instanceID, remoteJID, contactName, firstStep))
	if err == nil {
		return conv, true, nil
	}
	if !isSQLiteUniqueViolation(err) {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}

	r.logger.Debug("conversation create race lost, reading winner", "instance_id", instanceID, "remote_jid", remoteJID)
	conv, err = r.GetConversation(ctx, instanceID, remoteJID)
	if err != nil {
		return nil, false, err
	}
	return conv, false, nil
}

func (r *SQLiteRepository) GetConversation(ctx context.Context, instanceID, remoteJID string) (*Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM conversations WHERE instance_id = ? AND remote_jid = ?;`
	conv, err := scanSQLiteConversation(r.db.QueryRowContext(ctx, q, instanceID, remoteJID))
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", notFound(err))
	}
	return conv, nil
}

func (r *SQLiteRepository) RecordAnswer(ctx context.Context, conversationID, stepKey, value string) error {
	const q = `
UPDATE conversations
SET bot_data = json_patch(COALESCE(bot_data, '{}'), json_object(?, ?)),
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?;
`
	return r.execOne(ctx, "record answer", q, stepKey, value, conversationID)
}

func (r *SQLiteRepository) AdvanceStep(ctx context.Context, conversationID, fromStep, nextStep string) (bool, error) {
	const q = `
UPDATE conversations
SET bot_step = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND bot_step = ? AND bot_enabled = 1;
`
	res, err := r.db.ExecContext(ctx, q, nextStep, conversationID, fromStep)
	if err != nil {
		return false, fmt.Errorf("advance step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance step: %w", err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) AnswerAndAdvance(ctx context.Context, conversationID, fromStep, nextStep, value string) (bool, error) {
	const q = `
UPDATE conversations
SET bot_data = json_patch(COALESCE(bot_data, '{}'), json_object(?, ?)),
    bot_step = ?,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND bot_step = ? AND bot_enabled = 1;
`
	res, err := r.db.ExecContext(ctx, q, fromStep, value, nextStep, conversationID, fromStep)
	if err != nil {
		return false, fmt.Errorf("answer and advance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("answer and advance: %w", err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) ResetToFirstStep(ctx context.Context, conversationID, firstStep string) error {
	const q = `
UPDATE conversations
SET bot_step = ?, bot_enabled = 1, updated_at = CURRENT_TIMESTAMP
WHERE id = ?;
`
	return r.execOne(ctx, "reset conversation", q, firstStep, conversationID)
}

func (r *SQLiteRepository) SetLastDirection(ctx context.Context, conversationID, direction string) error {
	const q = `UPDATE conversations SET last_direction = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`
	return r.execOne(ctx, "set last direction", q, direction, conversationID)
}

func (r *SQLiteRepository) CompleteConversation(ctx context.Context, conversationID, leadID string) error {
	const q = `
UPDATE conversations
SET lead_id = ?, bot_enabled = 0, updated_at = CURRENT_TIMESTAMP
WHERE id = ?;
`
	return r.execOne(ctx, "complete conversation", q, leadID, conversationID)
}

// -- Leads --

func (r *SQLiteRepository) UpsertLead(ctx context.Context, lead Lead) (*Lead, error) {
	qual, err := toJSON(lead.Qualification)
	if err != nil {
		return nil, err
	}

	var row *sql.Row
	if lead.ID != "" {
		q := `
UPDATE leads SET
    name = ?, phone = ?, inquiry_type = ?, party_month = ?, day_preference = ?,
    guest_count = ?, qualification = ?, source = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND company_id = ? AND conversation_id = ?
RETURNING ` + leadColumns + `;`
		row = r.db.QueryRowContext(ctx, q,
			lead.Name, lead.Phone, lead.InquiryType, lead.PartyMonth, lead.DayPreference,
			lead.GuestCount, qual, lead.Source, lead.ID, lead.CompanyID, lead.ConversationID)
	} else {
		q := `
INSERT INTO leads (id, company_id, conversation_id, name, phone, inquiry_type, party_month, day_preference, guest_count, qualification, source)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (conversation_id) DO UPDATE SET
    name = excluded.name,
    phone = excluded.phone,
    inquiry_type = excluded.inquiry_type,
    party_month = excluded.party_month,
    day_preference = excluded.day_preference,
    guest_count = excluded.guest_count,
    qualification = excluded.qualification,
    updated_at = CURRENT_TIMESTAMP
RETURNING ` + leadColumns + `;`
		row = r.db.QueryRowContext(ctx, q,
			uuid.NewString(), lead.CompanyID, lead.ConversationID, lead.Name, lead.Phone,
			lead.InquiryType, lead.PartyMonth, lead.DayPreference, lead.GuestCount, qual, lead.Source)
	}

	out, err := scanSQLiteLead(row)
	if err != nil {
		return nil, fmt.Errorf("upsert lead: %w", notFound(err))
	}
	return out, nil
}

func (r *SQLiteRepository) GetLeadByConversation(ctx context.Context, conversationID string) (*Lead, error) {
	q := `SELECT ` + leadColumns + ` FROM leads WHERE conversation_id = ?;`
	out, err := scanSQLiteLead(r.db.QueryRowContext(ctx, q, conversationID))
	if err != nil {
		return nil, fmt.Errorf("get lead: %w", notFound(err))
	}
	return out, nil
}

// -- Inbound dedupe --

func (r *SQLiteRepository) MarkMessageProcessed(ctx context.Context, instanceID, messageID string) (bool, error) {
	const q = `
INSERT INTO processed_messages (instance_id, message_id, created_at)
VALUES (?, ?, ?)
ON CONFLICT (instance_id, message_id) DO UPDATE SET created_at = excluded.created_at
WHERE processed_messages.created_at < ?;
`
	now := r.now()
	res, err := r.db.ExecContext(ctx, q, instanceID, messageID, sqliteStamp(now), sqliteStamp(now.Add(-r.dedupeTTL)))
	if err != nil {
		return false, fmt.Errorf("mark message processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark message processed: %w", err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) ReleaseMessage(ctx context.Context, instanceID, messageID string) error {
	const q = `DELETE FROM processed_messages WHERE instance_id = ? AND message_id = ?;`
	if _, err := r.db.ExecContext(ctx, q, instanceID, messageID); err != nil {
		return fmt.Errorf("release message: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) PruneProcessedMessages(ctx context.Context) (int64, error) {
	const q = `DELETE FROM processed_messages WHERE created_at < ?;`
	res, err := r.db.ExecContext(ctx, q, sqliteStamp(r.now().Add(-r.dedupeTTL)))
	if err != nil {
		return 0, fmt.Errorf("prune processed messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune processed messages: %w", err)
	}
	return n, nil
}

// -- Helpers --

func (r *SQLiteRepository) execOne(ctx context.Context, op, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func scanSQLiteInstance(row *sql.Row) (*Instance, error) {
	var out Instance
	if err := row.Scan(&out.ID, &out.CompanyID, &out.ExternalID, &out.Token, &out.Status, sqliteTime{&out.CreatedAt}, sqliteTime{&out.UpdatedAt}); err != nil {
		return nil, err
	}
	return &out, nil
}

func scanSQLiteConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	var data sql.NullString
	if err := row.Scan(&c.ID, &c.InstanceID, &c.RemoteJID, &c.ContactName, &data, &c.BotStep, &c.BotEnabled, &c.LastDirection, &c.LeadID, sqliteTime{&c.CreatedAt}, sqliteTime{&c.UpdatedAt}); err != nil {
		return nil, err
	}
	c.BotData = fromJSON([]byte(data.String))
	return &c, nil
}

func scanSQLiteLead(row *sql.Row) (*Lead, error) {
	var l Lead
	var qual sql.NullString
	if err := row.Scan(&l.ID, &l.CompanyID, &l.ConversationID, &l.Name, &l.Phone, &l.InquiryType, &l.PartyMonth, &l.DayPreference, &l.GuestCount, &qual, &l.Source, sqliteTime{&l.CreatedAt}, sqliteTime{&l.UpdatedAt}); err != nil {
		return nil, err
	}
	l.Qualification = fromJSON([]byte(qual.String))
	return &l, nil
}
