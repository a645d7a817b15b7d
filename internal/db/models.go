package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionEvent is one journaled lifecycle event.
type SessionEvent struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Text      string    `json:"text,omitempty"`
	Code      int       `json:"code"`
	Port      int       `json:"port,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// timestampLayout is fixed width so stored values sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func NewID() string {
	return uuid.NewString()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func formatTimestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = nowUTC()
	}
	return ts.UTC().Format(timestampLayout)
}

func parseTimestamp(v string) (time.Time, error) {
	ts, err := time.Parse(timestampLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return ts, nil
}
