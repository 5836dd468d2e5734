package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// It reads the generated tsvector column on messages, so results are always
// consistent with what is durably stored.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over one claim's messages with ts_rank ordering
// and ts_headline snippets. The 'simple' configuration matches the generated
// column: conversations mix German and English freely and stemming either
// language would miss the other.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.ClaimID == "" {
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

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text, q.ClaimID}
	where := "m.fts @@ " + tsQuery + " AND m.claim_id = $2"
	if q.SenderRole != "" {
		where += " AND m.sender_role = $3"
		args = append(args, q.SenderRole)
	}

	base := fmt.Sprintf(`
		SELECT m.id, m.claim_id, m.sender_display_name, m.sender_role,
			ts_headline('simple', coalesce(m.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			to_char(m.created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"') AS sent_at,
			ts_rank(m.fts, %s) AS rank
		FROM messages m
		WHERE %s`, tsQuery, tsQuery, where)

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", base)
	dataSQL := fmt.Sprintf(`SELECT id, claim_id, sender_display_name, sender_role, snippet, sent_at
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, base, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.MessageID, &r.ClaimID, &r.SenderName, &r.SenderRole, &r.Snippet, &r.SentAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadClaimRecords returns one claim's messages as index records, used when
// rebuilding the Meilisearch index from the durable store.
func (p *PgFTS) LoadClaimRecords(ctx context.Context, claimID string) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, claim_id, sender_role, sender_display_name, body,
			to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"')
		FROM messages
		WHERE claim_id = $1
		ORDER BY created_at ASC, seq ASC
	`, claimID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.ID, &rec.ClaimID, &rec.SenderRole, &rec.SenderName, &rec.Body, &rec.SentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}

// LoadAllRecords returns every message as an index record for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, claim_id, sender_role, sender_display_name, body,
			to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS"Z"')
		FROM messages
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.ID, &rec.ClaimID, &rec.SenderRole, &rec.SenderName, &rec.Body, &rec.SentAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}
