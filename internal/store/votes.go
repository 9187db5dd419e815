package store

import (
	"context"
	"database/sql"
	"fmt"
)

type voteTable struct {
	target string
	upsert string
	score  string
}

var voteTables = map[TargetKind]voteTable{
	TargetPost: {
		target: "posts",
		upsert: `
			INSERT INTO post_votes (post_id, voter_id, direction)
			VALUES ($1, $2, $3)
			ON CONFLICT (post_id, voter_id)
			DO UPDATE SET direction=EXCLUDED.direction, updated_at=NOW()
		`,
		score: `SELECT COALESCE(SUM(direction), 0) FROM post_votes WHERE post_id=$1`,
	},
	TargetComment: {
		target: "comments",
		upsert: `
			INSERT INTO comment_votes (comment_id, voter_id, direction)
			VALUES ($1, $2, $3)
			ON CONFLICT (comment_id, voter_id)
			DO UPDATE SET direction=EXCLUDED.direction, updated_at=NOW()
		`,
		score: `SELECT COALESCE(SUM(direction), 0) FROM comment_votes WHERE comment_id=$1`,
	},
}

// CastVote records the voter's direction for a target, replacing any earlier
// vote by the same voter, and returns the target's score after the write.
// direction must be +1 or -1.
func (s *PostgresStore) CastVote(ctx context.Context, kind TargetKind, targetID, voterID int64, direction int) (int, error) {
	table, ok := voteTables[kind]
	if !ok {
		return 0, fmt.Errorf("cast vote: unknown target kind %q", kind)
	}
	if direction != 1 && direction != -1 {
		return 0, fmt.Errorf("cast vote: invalid direction %d", direction)
	}

	var score int
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockRow(ctx, tx, table.target, targetID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, table.upsert, targetID, voterID, direction); err != nil {
			return fmt.Errorf("upsert %s vote: %w", kind, err)
		}
		if err := tx.QueryRowContext(ctx, table.score, targetID).Scan(&score); err != nil {
			return fmt.Errorf("sum %s votes: %w", kind, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return score, nil
}
