package repo

import (
	"context"
	"fmt"
	"time"
)

// SetClock replaces the time source used for dedupe expiry.
func (r *SQLiteRepository) SetClock(now func() time.Time) {
	r.now = now
}

func (r *SQLiteRepository) CountConversations(ctx context.Context, instanceID, remoteJID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE instance_id = ? AND remote_jid = ?`, instanceID, remoteJID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count conversations: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) CountLeadsByConversation(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM leads WHERE conversation_id = ?`, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count leads: %w", err)
	}
	return n, nil
}
