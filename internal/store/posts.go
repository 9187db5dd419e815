package store

import (
	"context"
	"database/sql"
	"fmt"

	"dissden/api/internal/rbac"
)

const postColumns = `
	p.id, p.den_id, d.title, d.creator_id, p.author_id, u.display_name, p.title, p.body, p.created_at,
	COALESCE((SELECT SUM(v.direction) FROM post_votes v WHERE v.post_id = p.id), 0),
	(SELECT COUNT(*) FROM comments c WHERE c.post_id = p.id)
	FROM posts p
	JOIN dens d ON d.id = p.den_id
	JOIN users u ON u.id = p.author_id`

func scanPost(row rowScanner) (Post, error) {
	var post Post
	err := row.Scan(
		&post.ID, &post.DenID, &post.DenTitle, &post.DenCreatorID,
		&post.AuthorID, &post.AuthorName, &post.Title, &post.Body, &post.CreatedAt,
		&post.Score, &post.CommentCount,
	)
	return post, err
}

// InsertPost creates a post and its image list. The den is locked so the post
// cannot land in a den that is being removed.
func (s *PostgresStore) InsertPost(ctx context.Context, post Post) (Post, error) {
	var created Post
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockRow(ctx, tx, "dens", post.DenID); err != nil {
			return err
		}
		var id int64
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO posts (den_id, author_id, title, body)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, post.DenID, post.AuthorID, post.Title, post.Body).Scan(&id); err != nil {
			return fmt.Errorf("insert post: %w", err)
		}
		if err := appendImages(ctx, tx, id, post.ImageURLs); err != nil {
			return err
		}
		loaded, err := getPost(ctx, tx, id)
		if err != nil {
			return err
		}
		created = loaded
		return nil
	})
	if err != nil {
		return Post{}, err
	}
	return created, nil
}

func (s *PostgresStore) GetPost(ctx context.Context, postID int64) (Post, error) {
	return getPost(ctx, s.db, postID)
}

func getPost(ctx context.Context, q queryer, postID int64) (Post, error) {
	post, err := scanPost(q.QueryRowContext(ctx, `SELECT `+postColumns+` WHERE p.id=$1`, postID))
	if err != nil {
		return Post{}, err
	}
	posts := []Post{post}
	if err := attachImages(ctx, q, posts); err != nil {
		return Post{}, err
	}
	return posts[0], nil
}

func (s *PostgresStore) ListPostsByDen(ctx context.Context, denID int64, page Page) ([]Post, error) {
	return s.listPosts(ctx, `WHERE p.den_id=$1`, []any{denID}, page)
}

func (s *PostgresStore) ListPostsByAuthor(ctx context.Context, authorID int64, page Page) ([]Post, error) {
	return s.listPosts(ctx, `WHERE p.author_id=$1`, []any{authorID}, page)
}

func (s *PostgresStore) ListRecentPosts(ctx context.Context, page Page) ([]Post, error) {
	return s.listPosts(ctx, ``, nil, page)
}

func (s *PostgresStore) listPosts(ctx context.Context, where string, args []any, page Page) ([]Post, error) {
	n := len(args)
	query := fmt.Sprintf(`SELECT %s %s ORDER BY p.created_at DESC, p.id DESC LIMIT $%d OFFSET $%d`, postColumns, where, n+1, n+2)
	args = append(args, page.Limit, page.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	posts := make([]Post, 0)
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	if err := attachImages(ctx, s.db, posts); err != nil {
		return nil, err
	}
	return posts, nil
}

func attachImages(ctx context.Context, q queryer, posts []Post) error {
	if len(posts) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(posts))
	byID := make(map[int64]int, len(posts))
	for i := range posts {
		ids = append(ids, posts[i].ID)
		byID[posts[i].ID] = i
		posts[i].ImageURLs = []string{}
	}

	rows, err := q.QueryContext(ctx, `
		SELECT post_id, image_url
		FROM post_images
		WHERE post_id = ANY($1)
		ORDER BY post_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("list post images: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var postID int64
		var url string
		if err := rows.Scan(&postID, &url); err != nil {
			return fmt.Errorf("scan post image: %w", err)
		}
		if i, ok := byID[postID]; ok {
			posts[i].ImageURLs = append(posts[i].ImageURLs, url)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate post images: %w", err)
	}
	return nil
}

func appendImages(ctx context.Context, tx *sql.Tx, postID int64, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	var next int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position) + 1, 0) FROM post_images WHERE post_id=$1`, postID).Scan(&next); err != nil {
		return fmt.Errorf("next image position: %w", err)
	}
	for i, url := range urls {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO post_images (post_id, position, image_url)
			VALUES ($1, $2, $3)
		`, postID, next+i, url); err != nil {
			return fmt.Errorf("insert post image: %w", err)
		}
	}
	return nil
}

// postOwnership loads and row-locks a post together with its den creator.
func postOwnership(ctx context.Context, tx *sql.Tx, postID int64) (rbac.Ownership, error) {
	var owner rbac.Ownership
	err := tx.QueryRowContext(ctx, `
		SELECT p.author_id, d.creator_id
		FROM posts p
		JOIN dens d ON d.id = p.den_id
		WHERE p.id=$1
		FOR UPDATE OF p
	`, postID).Scan(&owner.AuthorID, &owner.DenCreatorID)
	if err != nil {
		return rbac.Ownership{}, err
	}
	return owner, nil
}

// AddPostImages appends image URLs to a post after authorize accepts the
// post's ownership chain.
func (s *PostgresStore) AddPostImages(ctx context.Context, postID int64, urls []string, authorize Authorizer) (Post, error) {
	var updated Post
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		owner, err := postOwnership(ctx, tx, postID)
		if err != nil {
			return err
		}
		if err := authorize(owner); err != nil {
			return err
		}
		if err := appendImages(ctx, tx, postID, urls); err != nil {
			return err
		}
		loaded, err := getPost(ctx, tx, postID)
		if err != nil {
			return err
		}
		updated = loaded
		return nil
	})
	if err != nil {
		return Post{}, err
	}
	return updated, nil
}

func (s *PostgresStore) UpdatePost(ctx context.Context, postID int64, title, body string, authorize Authorizer) (Post, error) {
	var updated Post
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		owner, err := postOwnership(ctx, tx, postID)
		if err != nil {
			return err
		}
		if err := authorize(owner); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE posts SET title=$2, body=$3, updated_at=NOW() WHERE id=$1
		`, postID, title, body); err != nil {
			return fmt.Errorf("update post: %w", err)
		}
		loaded, err := getPost(ctx, tx, postID)
		if err != nil {
			return err
		}
		updated = loaded
		return nil
	})
	if err != nil {
		return Post{}, err
	}
	return updated, nil
}

// DeletePost removes a post with every comment under it, their votes, the
// post's votes and its image rows.
func (s *PostgresStore) DeletePost(ctx context.Context, postID int64, authorize Authorizer) (DeleteResult, error) {
	var result DeleteResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		owner, err := postOwnership(ctx, tx, postID)
		if err != nil {
			return err
		}
		if err := authorize(owner); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM comment_votes
			WHERE comment_id IN (SELECT id FROM comments WHERE post_id=$1)
		`, postID); err != nil {
			return fmt.Errorf("delete post comment votes: %w", err)
		}
		commentIDs, err := collectIDs(ctx, tx, `DELETE FROM comments WHERE post_id=$1 RETURNING id`, postID)
		if err != nil {
			return fmt.Errorf("delete post comments: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM post_votes WHERE post_id=$1`, postID); err != nil {
			return fmt.Errorf("delete post votes: %w", err)
		}
		images, err := collectStrings(ctx, tx, `DELETE FROM post_images WHERE post_id=$1 RETURNING image_url`, postID)
		if err != nil {
			return fmt.Errorf("delete post images: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE id=$1`, postID); err != nil {
			return fmt.Errorf("delete post: %w", err)
		}
		result = DeleteResult{CommentIDs: commentIDs, ImageURLs: images}
		return nil
	})
	if err != nil {
		return DeleteResult{}, err
	}
	return result, nil
}

func collectIDs(ctx context.Context, q queryer, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func collectStrings(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}
