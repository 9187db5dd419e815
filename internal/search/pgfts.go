package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the generated tsvector columns.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

const tsQuery = "plainto_tsquery('english', $1)"

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	args := []any{q.Text}
	denFilter := func(column string) string {
		if q.FilterDenID <= 0 {
			return ""
		}
		return " AND " + column + " = $2"
	}
	if q.FilterDenID > 0 {
		args = append(args, q.FilterDenID)
	}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultDen {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'den'::text AS type, d.id, d.title,
				ts_headline('english', d.description, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				0::bigint AS post_id, d.id AS den_id,
				ts_rank(d.fts, %[1]s) AS rank
			FROM dens d
			WHERE d.fts @@ %[1]s%[2]s`, tsQuery, denFilter("d.id")))
	}
	if q.FilterType == "" || q.FilterType == ResultPost {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'post'::text AS type, p.id, p.title,
				ts_headline('english', p.body, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.id AS post_id, p.den_id,
				ts_rank(p.fts, %[1]s) AS rank
			FROM posts p
			WHERE p.fts @@ %[1]s%[2]s`, tsQuery, denFilter("p.den_id")))
	}
	if q.FilterType == "" || q.FilterType == ResultComment {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.id, p.title,
				ts_headline('english', c.body, %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.post_id, p.den_id,
				ts_rank(c.fts, %[1]s) AS rank
			FROM comments c
			JOIN posts p ON p.id = c.post_id
			WHERE c.fts @@ %[1]s%[2]s`, tsQuery, denFilter("p.den_id")))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}
	union := strings.Join(subQueries, " UNION ALL ")

	var total int
	if err := p.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM (%s) sub", union), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT type, id, title, snippet, post_id, den_id
		FROM (%s) sub
		ORDER BY rank DESC, id DESC
		LIMIT %d OFFSET %d`, union, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.PostID, &r.DenID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every searchable row for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DenRecord, []PostRecord, []CommentRecord, error) {
	dens := make([]DenRecord, 0)
	if err := p.scanAll(ctx, `SELECT id, title, description FROM dens`, func(rows *sql.Rows) error {
		var d DenRecord
		if err := rows.Scan(&d.ID, &d.Title, &d.Description); err != nil {
			return err
		}
		dens = append(dens, d)
		return nil
	}); err != nil {
		return nil, nil, nil, fmt.Errorf("load dens: %w", err)
	}

	posts := make([]PostRecord, 0)
	if err := p.scanAll(ctx, `SELECT id, den_id, title, body FROM posts`, func(rows *sql.Rows) error {
		var r PostRecord
		if err := rows.Scan(&r.ID, &r.DenID, &r.Title, &r.Body); err != nil {
			return err
		}
		posts = append(posts, r)
		return nil
	}); err != nil {
		return nil, nil, nil, fmt.Errorf("load posts: %w", err)
	}

	comments := make([]CommentRecord, 0)
	if err := p.scanAll(ctx, `
		SELECT c.id, c.post_id, p.den_id, p.title, c.body
		FROM comments c
		JOIN posts p ON p.id = c.post_id
	`, func(rows *sql.Rows) error {
		var r CommentRecord
		if err := rows.Scan(&r.ID, &r.PostID, &r.DenID, &r.PostTitle, &r.Body); err != nil {
			return err
		}
		comments = append(comments, r)
		return nil
	}); err != nil {
		return nil, nil, nil, fmt.Errorf("load comments: %w", err)
	}

	return dens, posts, comments, nil
}

func (p *PgFTS) scanAll(ctx context.Context, query string, scan func(*sql.Rows) error) error {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
