package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// GroupStore resolves group membership for the fan-out worker.
type GroupStore interface {
	Members(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error)
	AddMember(ctx context.Context, groupID, userID uuid.UUID) error
	RemoveMember(ctx context.Context, groupID, userID uuid.UUID) error
}

// Interface guard
var _ GroupStore = (*PgGroupStore)(nil)

type PgGroupStore struct {
	pool *pgxpool.Pool
}

func NewPgGroupStore(pool *pgxpool.Pool) *PgGroupStore {
	return &PgGroupStore{pool: pool}
}

func (s *PgGroupStore) Members(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY joined_at`, groupID)
	if err != nil {
		return nil, fmt.Errorf("store: group members %s: %w", groupID, err)
	}
	defer rows.Close()

	var members []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

func (s *PgGroupStore) AddMember(ctx context.Context, groupID, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO group_members (group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		groupID, userID)
	if err != nil {
		return fmt.Errorf("store: add member: %w", err)
	}
	return nil
}

func (s *PgGroupStore) RemoveMember(ctx context.Context, groupID, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	if err != nil {
		return fmt.Errorf("store: remove member: %w", err)
	}
	return nil
}
