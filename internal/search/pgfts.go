package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the content_items fts column, ranked by
// ts_rank with ts_headline snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
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

	where := "fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.Stage != "" {
		where += fmt.Sprintf(" AND stage = $%d", len(args)+1)
		args = append(args, q.Stage)
	}

	countQuery := "SELECT COUNT(*) FROM content_items WHERE " + where
	var total int
	if err := p.db.QueryRowContext(context.Background(), countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count search results: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, title,
			ts_headline('english', coalesce(description, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			platform, stage
		FROM content_items
		WHERE %s
		ORDER BY ts_rank(fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search content items: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Platform, &r.Stage); err != nil {
			return nil, 0, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search results: %w", err)
	}
	return results, total, nil
}

// LoadAllRecords reads every content item for reindexing into Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ItemRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT id, title, coalesce(description, ''), platform, stage FROM content_items")
	if err != nil {
		return nil, fmt.Errorf("load items for reindex: %w", err)
	}
	defer rows.Close()

	var records []ItemRecord
	for rows.Next() {
		var r ItemRecord
		if err := rows.Scan(&r.ID, &r.Title, &r.Description, &r.Platform, &r.Stage); err != nil {
			return nil, fmt.Errorf("scan item record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
