package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"dissden/api/internal/rbac"
)

const commentColumns = `
	c.id, c.post_id, p.title, p.den_id, d.title, c.parent_id, c.author_id, u.display_name,
	c.body, c.reply_count, c.created_at,
	COALESCE((SELECT SUM(v.direction) FROM comment_votes v WHERE v.comment_id = c.id), 0)
	FROM comments c
	JOIN posts p ON p.id = c.post_id
	JOIN dens d ON d.id = p.den_id
	JOIN users u ON u.id = c.author_id`

const commentOrder = ` ORDER BY c.created_at DESC, c.id DESC`

// subtreeCTE expands $1 into the comment and all of its descendants.
const subtreeCTE = `
	WITH RECURSIVE subtree AS (
		SELECT id FROM comments WHERE id=$1
		UNION ALL
		SELECT c.id FROM comments c JOIN subtree s ON c.parent_id = s.id
	)`

func scanComment(row rowScanner) (Comment, error) {
	var comment Comment
	var parentID sql.NullInt64
	err := row.Scan(
		&comment.ID, &comment.PostID, &comment.PostTitle, &comment.DenID, &comment.DenTitle,
		&parentID, &comment.AuthorID, &comment.AuthorName,
		&comment.Body, &comment.ReplyCount, &comment.CreatedAt, &comment.Score,
	)
	if err != nil {
		return Comment{}, err
	}
	if parentID.Valid {
		id := parentID.Int64
		comment.ParentID = &id
	}
	return comment, nil
}

func getComment(ctx context.Context, q queryer, commentID int64) (Comment, error) {
	return scanComment(q.QueryRowContext(ctx, `SELECT `+commentColumns+` WHERE c.id=$1`, commentID))
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID int64) (Comment, error) {
	return getComment(ctx, s.db, commentID)
}

// InsertComment adds a comment to a post. When ParentID is set the parent must
// exist on the same post; its reply count is incremented in the same
// transaction as the insert.
func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) (Comment, error) {
	var created Comment
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockRow(ctx, tx, "posts", comment.PostID); err != nil {
			return err
		}

		var parent sql.NullInt64
		if comment.ParentID != nil {
			var parentPostID int64
			err := tx.QueryRowContext(ctx, `
				SELECT post_id FROM comments WHERE id=$1 FOR KEY SHARE
			`, *comment.ParentID).Scan(&parentPostID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return sql.ErrNoRows
				}
				return fmt.Errorf("lock parent comment: %w", err)
			}
			if parentPostID != comment.PostID {
				return ErrParentMismatch
			}
			parent = sql.NullInt64{Int64: *comment.ParentID, Valid: true}
		}

		var id int64
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO comments (post_id, parent_id, author_id, body)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, comment.PostID, parent, comment.AuthorID, comment.Body).Scan(&id); err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}

		if parent.Valid {
			if _, err := tx.ExecContext(ctx, `
				UPDATE comments SET reply_count = reply_count + 1 WHERE id=$1
			`, parent.Int64); err != nil {
				return fmt.Errorf("increment reply count: %w", err)
			}
		}

		loaded, err := getComment(ctx, tx, id)
		if err != nil {
			return err
		}
		created = loaded
		return nil
	})
	if err != nil {
		return Comment{}, err
	}
	return created, nil
}

// ListTopLevelComments returns the comments attached directly to a post,
// newest first. sql.ErrNoRows reports a missing post.
func (s *PostgresStore) ListTopLevelComments(ctx context.Context, postID int64, page Page) ([]Comment, error) {
	if err := s.mustExist(ctx, "posts", postID); err != nil {
		return nil, err
	}
	return s.listComments(ctx, `WHERE c.post_id=$1 AND c.parent_id IS NULL`, postID, page)
}

// ListReplies returns the direct children of a comment, newest first.
func (s *PostgresStore) ListReplies(ctx context.Context, parentID int64, page Page) ([]Comment, error) {
	if err := s.mustExist(ctx, "comments", parentID); err != nil {
		return nil, err
	}
	return s.listComments(ctx, `WHERE c.parent_id=$1`, parentID, page)
}

func (s *PostgresStore) ListCommentsByAuthor(ctx context.Context, authorID int64, page Page) ([]Comment, error) {
	return s.listComments(ctx, `WHERE c.author_id=$1`, authorID, page)
}

func (s *PostgresStore) listComments(ctx context.Context, where string, id int64, page Page) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+commentColumns+` `+where+commentOrder+` LIMIT $2 OFFSET $3`, id, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	comments := make([]Comment, 0)
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, comment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return comments, nil
}

func (s *PostgresStore) mustExist(ctx context.Context, table string, id int64) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id=$1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check %s: %w", table, err)
	}
	if !exists {
		return sql.ErrNoRows
	}
	return nil
}

type commentOwnership struct {
	rbac.Ownership
	parentID sql.NullInt64
}

func lockCommentOwnership(ctx context.Context, tx *sql.Tx, commentID int64) (commentOwnership, error) {
	var owner commentOwnership
	err := tx.QueryRowContext(ctx, `
		SELECT c.author_id, d.creator_id, c.parent_id
		FROM comments c
		JOIN posts p ON p.id = c.post_id
		JOIN dens d ON d.id = p.den_id
		WHERE c.id=$1
		FOR UPDATE OF c
	`, commentID).Scan(&owner.AuthorID, &owner.DenCreatorID, &owner.parentID)
	if err != nil {
		return commentOwnership{}, err
	}
	return owner, nil
}

func (s *PostgresStore) UpdateComment(ctx context.Context, commentID int64, body string, authorize Authorizer) (Comment, error) {
	var updated Comment
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		owner, err := lockCommentOwnership(ctx, tx, commentID)
		if err != nil {
			return err
		}
		if err := authorize(owner.Ownership); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE comments SET body=$2, updated_at=NOW() WHERE id=$1
		`, commentID, body); err != nil {
			return fmt.Errorf("update comment: %w", err)
		}
		loaded, err := getComment(ctx, tx, commentID)
		if err != nil {
			return err
		}
		updated = loaded
		return nil
	})
	if err != nil {
		return Comment{}, err
	}
	return updated, nil
}

// DeleteComment removes a comment, its whole reply subtree and every vote on
// those comments. The parent's reply count is decremented, never below zero.
func (s *PostgresStore) DeleteComment(ctx context.Context, commentID int64, authorize Authorizer) (DeleteResult, error) {
	var result DeleteResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		owner, err := lockCommentOwnership(ctx, tx, commentID)
		if err != nil {
			return err
		}
		if err := authorize(owner.Ownership); err != nil {
			return err
		}

		if owner.parentID.Valid {
			if _, err := tx.ExecContext(ctx, `
				UPDATE comments SET reply_count = GREATEST(reply_count - 1, 0) WHERE id=$1
			`, owner.parentID.Int64); err != nil {
				return fmt.Errorf("decrement reply count: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, subtreeCTE+`
			DELETE FROM comment_votes WHERE comment_id IN (SELECT id FROM subtree)
		`, commentID); err != nil {
			return fmt.Errorf("delete subtree votes: %w", err)
		}
		ids, err := collectIDs(ctx, tx, subtreeCTE+`
			DELETE FROM comments WHERE id IN (SELECT id FROM subtree) RETURNING id
		`, commentID)
		if err != nil {
			return fmt.Errorf("delete subtree comments: %w", err)
		}
		result = DeleteResult{CommentIDs: ids}
		return nil
	})
	if err != nil {
		return DeleteResult{}, err
	}
	return result, nil
}

const reconcileAttempts = 3

// ReconcileReplyCounts rewrites every cached reply count that disagrees with
// the live number of children and reports how many rows were repaired.
// It runs at REPEATABLE READ: a reply inserted or removed after the snapshot
// touches its parent row, which fails the statement with a serialization
// error instead of writing a count computed from stale children.
func (s *PostgresStore) ReconcileReplyCounts(ctx context.Context) (int64, error) {
	var err error
	for attempt := 0; attempt < reconcileAttempts; attempt++ {
		var repaired int64
		repaired, err = s.reconcileReplyCountsOnce(ctx)
		if err == nil {
			return repaired, nil
		}
		if !isSerializationFailure(err) {
			return 0, err
		}
	}
	return 0, err
}

func (s *PostgresStore) reconcileReplyCountsOnce(ctx context.Context) (int64, error) {
	var repaired int64
	err := s.inTxWith(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead}, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE comments c
			SET reply_count = live.children
			FROM (
				SELECT parent.id, COUNT(child.id)::int AS children
				FROM comments parent
				LEFT JOIN comments child ON child.parent_id = parent.id
				GROUP BY parent.id
			) live
			WHERE c.id = live.id AND c.reply_count <> live.children
		`)
		if err != nil {
			return fmt.Errorf("reconcile reply counts: %w", err)
		}
		repaired, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("reconcile reply counts rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return repaired, nil
}
