package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/daelim-bridge/internal/bridges/daelim"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// HistoryEntry is one recorded state change.
type HistoryEntry struct {
	ID         int64          `json:"id"`
	Category   string         `json:"category"`
	DeviceID   string         `json:"device_id"`
	Fields     map[string]any `json:"fields"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// HistoryQuery selects entries for one device. Zero Since/Until are open
// bounds; Limit is clamped to 1..500 with a default of 50.
type HistoryQuery struct {
	Category daelim.Category
	DeviceID string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// HistoryRepository stores and retrieves device state change history.
type HistoryRepository interface {
	Record(ctx context.Context, st daelim.DeviceState) error
	History(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SQLiteHistoryRepository implements HistoryRepository on the
// state_history table.
type SQLiteHistoryRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteHistoryRepository returns a repository using db.
func NewSQLiteHistoryRepository(db *sql.DB) *SQLiteHistoryRepository {
	return &SQLiteHistoryRepository{db: db, now: time.Now}
}

// Record appends st. Stale or value-less states are not history and are
// skipped without error.
func (r *SQLiteHistoryRepository) Record(ctx context.Context, st daelim.DeviceState) error {
	if st.ID == "" {
		return fmt.Errorf("%w: empty device id", ErrInvalidDevice)
	}
	if st.Stale || st.Value == nil {
		return nil
	}

	fields, err := json.Marshal(st.Value.Fields())
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	at := st.UpdatedAt
	if at.IsZero() {
		at = r.now()
	}

	if _, err := r.db.ExecContext(ctx,
		"INSERT INTO state_history (category, device_id, fields, recorded_at) VALUES (?, ?, ?, ?)",
		st.Category.String(), st.ID, string(fields), formatTime(at),
	); err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// History returns matching entries, newest first.
func (r *SQLiteHistoryRepository) History(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error) {
	if q.DeviceID == "" {
		return nil, fmt.Errorf("%w: empty device id", ErrInvalidDevice)
	}
	switch {
	case q.Limit <= 0:
		q.Limit = defaultHistoryLimit
	case q.Limit > maxHistoryLimit:
		q.Limit = maxHistoryLimit
	}

	query := `SELECT id, category, device_id, fields, recorded_at
		FROM state_history
		WHERE category = ? AND device_id = ?`
	args := []any{q.Category.String(), q.DeviceID}
	if !q.Since.IsZero() {
		query += " AND recorded_at >= ?"
		args = append(args, formatTime(q.Since))
	}
	if !q.Until.IsZero() {
		query += " AND recorded_at < ?"
		args = append(args, formatTime(q.Until))
	}
	query += " ORDER BY recorded_at DESC, id DESC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0)
	for rows.Next() {
		var e HistoryEntry
		var fields, at string
		if err := rows.Scan(&e.ID, &e.Category, &e.DeviceID, &fields, &at); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
			return nil, fmt.Errorf("unmarshalling state: %w", err)
		}
		if e.RecordedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries recorded more than olderThan ago.
func (r *SQLiteHistoryRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, ErrInvalidRetention
	}
	cutoff := formatTime(r.now().Add(-olderThan))
	res, err := r.db.ExecContext(ctx, "DELETE FROM state_history WHERE recorded_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting state history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
