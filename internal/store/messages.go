package store

import (
	"context"
	"fmt"

	"github.com/dkeye/FindIt/internal/domain"
)

func (s *Store) SaveMessage(ctx context.Context, msg *domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO messages (id, response_id, sender, content, created_at)
		VALUES (?, ?, ?, ?, ?)`),
		string(msg.ID), string(msg.ResponseID), string(msg.Sender), msg.Content, toMillis(msg.CreatedAt)); err != nil {
		return fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	for _, uid := range msg.ReadBy {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO message_reads (message_id, user_id) VALUES (?, ?)`),
			string(msg.ID), string(uid)); err != nil {
			return fmt.Errorf("save message %s reads: %w", msg.ID, err)
		}
	}
	return tx.Commit()
}

// MessagesForResponse returns the conversation in send order.
func (s *Store) MessagesForResponse(ctx context.Context, rid domain.ResponseID) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, response_id, sender, content, created_at
		FROM messages WHERE response_id = ? ORDER BY created_at, id`), string(rid))
	if err != nil {
		return nil, fmt.Errorf("messages for %s: %w", rid, err)
	}
	defer rows.Close()

	out := []domain.Message{}
	index := map[domain.MessageID]int{}
	for rows.Next() {
		var (
			m         domain.Message
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.ResponseID, &m.Sender, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = fromMillis(createdAt)
		m.ReadBy = []domain.UserID{}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	reads, err := s.db.QueryContext(ctx, s.q(`SELECT r.message_id, r.user_id FROM message_reads r
		JOIN messages m ON m.id = r.message_id
		WHERE m.response_id = ? ORDER BY r.user_id`), string(rid))
	if err != nil {
		return nil, fmt.Errorf("reads for %s: %w", rid, err)
	}
	defer reads.Close()
	for reads.Next() {
		var (
			mid domain.MessageID
			uid domain.UserID
		)
		if err := reads.Scan(&mid, &uid); err != nil {
			return nil, fmt.Errorf("scan read: %w", err)
		}
		if i, ok := index[mid]; ok {
			out[i].ReadBy = append(out[i].ReadBy, uid)
		}
	}
	return out, reads.Err()
}

// MarkRead marks every message of others in the conversation as read by uid.
func (s *Store) MarkRead(ctx context.Context, rid domain.ResponseID, uid domain.UserID) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO message_reads (message_id, user_id)
		SELECT m.id, ? FROM messages m
		WHERE m.response_id = ? AND m.sender <> ?
		AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)`),
		string(uid), string(rid), string(uid), string(uid))
	if err != nil {
		return 0, fmt.Errorf("mark read %s: %w", rid, err)
	}
	return res.RowsAffected()
}
