package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const defaultListLimit = 200

type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db}
}

func (r *EventRepo) Insert(ctx context.Context, ev *SessionEvent) error {
	if ev == nil {
		return fmt.Errorf("session event is required")
	}
	if strings.TrimSpace(ev.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(ev.Type) == "" {
		return fmt.Errorf("event type is required")
	}
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = nowUTC()
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO session_events (id, session_id, type, text, code, port, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		ev.ID,
		ev.SessionID,
		ev.Type,
		ev.Text,
		ev.Code,
		ev.Port,
		formatTimestamp(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session event: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		ev.Seq = seq
	}
	return nil
}

// ListBySession returns the most recent events for sessionID in insertion
// order. A non-positive limit uses the default.
func (r *EventRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]*SessionEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT seq, id, session_id, type, text, code, port, created_at FROM (
	SELECT seq, id, session_id, type, text, code, port, created_at
	FROM session_events
	WHERE session_id = ?
	ORDER BY seq DESC
	LIMIT ?
) ORDER BY seq ASC
`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListByType returns events of the given type across all sessions, oldest
// first.
func (r *EventRepo) ListByType(ctx context.Context, eventType string, limit int) ([]*SessionEvent, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT seq, id, session_id, type, text, code, port, created_at
FROM session_events
WHERE type = ?
ORDER BY seq ASC
LIMIT ?
`, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DeleteBefore removes events created before cutoff and reports how many
// were removed.
func (r *EventRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM session_events WHERE created_at < ?`, formatTimestamp(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune session events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read pruned rows: %w", err)
	}
	return n, nil
}

func scanEvents(rows *sql.Rows) ([]*SessionEvent, error) {
	events := make([]*SessionEvent, 0)
	for rows.Next() {
		var ev SessionEvent
		var createdAtRaw string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.SessionID, &ev.Type, &ev.Text, &ev.Code, &ev.Port, &createdAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan session event: %w", err)
		}
		createdAt, err := parseTimestamp(createdAtRaw)
		if err != nil {
			return nil, err
		}
		ev.CreatedAt = createdAt
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating session events: %w", err)
	}
	return events, nil
}
