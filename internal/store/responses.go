package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dkeye/FindIt/internal/domain"
)

// Response reads the approval state written by the marketplace service.
func (s *Store) Response(ctx context.Context, id domain.ResponseID) (domain.Response, error) {
	var (
		r         domain.Response
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, item_owner, responder, status, updated_at
		FROM responses WHERE id = ?`), string(id)).
		Scan(&r.ID, &r.ItemOwner, &r.Responder, &r.Status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Response{}, fmt.Errorf("response %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Response{}, fmt.Errorf("response %s: %w", id, err)
	}
	r.UpdatedAt = fromMillis(updatedAt)
	return r, nil
}

// SaveResponse upserts the response view. Used by imports and tests.
func (s *Store) SaveResponse(ctx context.Context, r domain.Response) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO responses (id, item_owner, responder, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			item_owner = excluded.item_owner,
			responder  = excluded.responder,
			status     = excluded.status,
			updated_at = excluded.updated_at`),
		string(r.ID), string(r.ItemOwner), string(r.Responder), string(r.Status), toMillis(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save response %s: %w", r.ID, err)
	}
	return nil
}
