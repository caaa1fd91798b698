package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dkeye/FindIt/internal/domain"
)

func (s *Store) CreateCall(ctx context.Context, rec domain.CallRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO calls
		(id, caller, callee, caller_name, call_type, status, response_id, duration, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		string(rec.ID), string(rec.Caller), string(rec.Callee), rec.CallerName, string(rec.Type),
		string(rec.Status), string(rec.ResponseID), rec.Duration, toMillis(rec.CreatedAt),
		nullMillis(rec.StartedAt), nullMillis(rec.EndedAt))
	if err != nil {
		return fmt.Errorf("create call %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateCall applies the non-nil fields of upd.
func (s *Store) UpdateCall(ctx context.Context, id domain.CallID, upd domain.CallUpdate) error {
	sets := []string{"status = ?"}
	args := []any{string(upd.Status)}
	if upd.Duration != nil {
		sets = append(sets, "duration = ?")
		args = append(args, *upd.Duration)
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, toMillis(*upd.StartedAt))
	}
	if upd.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, toMillis(*upd.EndedAt))
	}
	args = append(args, string(id))

	res, err := s.db.ExecContext(ctx, s.q("UPDATE calls SET "+strings.Join(sets, ", ")+" WHERE id = ?"), args...)
	if err != nil {
		return fmt.Errorf("update call %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update call %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update call %s: %w", id, ErrNotFound)
	}
	return nil
}

// CallsForResponse returns the conversation's calls, newest first.
func (s *Store) CallsForResponse(ctx context.Context, rid domain.ResponseID) ([]domain.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, caller, callee, caller_name, call_type, status,
		response_id, duration, created_at, started_at, ended_at
		FROM calls WHERE response_id = ? ORDER BY created_at DESC, id`), string(rid))
	if err != nil {
		return nil, fmt.Errorf("calls for %s: %w", rid, err)
	}
	defer rows.Close()

	out := []domain.CallRecord{}
	for rows.Next() {
		var (
			rec                domain.CallRecord
			createdAt          int64
			startedAt, endedAt sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.Caller, &rec.Callee, &rec.CallerName, &rec.Type, &rec.Status,
			&rec.ResponseID, &rec.Duration, &createdAt, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		rec.CreatedAt = fromMillis(createdAt)
		rec.StartedAt = timePtr(startedAt)
		rec.EndedAt = timePtr(endedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}
