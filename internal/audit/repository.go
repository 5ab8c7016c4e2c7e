// Package audit keeps a trail of device commands issued through the API
// and the MQTT bridge, stored in the command_audit table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/daelim-bridge/internal/bridges/daelim"
)

// Outcome values.
const (
	OutcomeAccepted = "accepted"
	OutcomeFailed   = "failed"
)

const (
	defaultLimit = 50
	maxLimit     = 200

	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// ErrInvalidRetention is returned by Prune for a non-positive age.
var ErrInvalidRetention = errors.New("audit: retention must be positive")

// Entry is one journaled command.
type Entry struct {
	ID         string         `json:"id"`
	CommandID  string         `json:"command_id"`
	Source     string         `json:"source"`
	Actor      string         `json:"actor,omitempty"`
	Category   string         `json:"category"`
	DeviceID   string         `json:"device_id"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Outcome    string         `json:"outcome"`
	ErrorCode  string         `json:"error_code,omitempty"`
	ResultCode *uint32        `json:"result_code,omitempty"`
	LatencyMS  int64          `json:"latency_ms"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Filter controls which entries List returns. Empty fields match anything.
type Filter struct {
	Category string
	DeviceID string
	Source   string
	Outcome  string
	Limit    int // default 50, max 200
	Offset   int
}

// ListResult is one page of entries.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository records and lists commands. It implements
// daelim.CommandJournal.
type Repository interface {
	RecordCommand(ctx context.Context, ev daelim.CommandEvent) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SQLiteRepository implements Repository.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a repository using db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// EntryFromEvent converts an engine command event into an Entry.
func EntryFromEvent(ev daelim.CommandEvent) Entry {
	e := Entry{
		CommandID:  ev.CommandID,
		Source:     ev.Source,
		Actor:      ev.Actor,
		Category:   ev.Category.String(),
		DeviceID:   ev.DeviceID,
		Action:     ev.Action,
		Parameters: ev.Parameters,
		Outcome:    OutcomeAccepted,
		LatencyMS:  ev.Latency.Milliseconds(),
		CreatedAt:  ev.At,
	}
	if ev.Err != nil {
		e.Outcome = OutcomeFailed
		e.ErrorCode = daelim.ErrorCode(ev.Err)
		if code, ok := daelim.ResultCodeOf(ev.Err); ok {
			rc := uint32(code)
			e.ResultCode = &rc
		}
	}
	return e
}

// RecordCommand stores ev.
func (r *SQLiteRepository) RecordCommand(ctx context.Context, ev daelim.CommandEvent) error {
	e := EntryFromEvent(ev)
	return r.Create(ctx, &e)
}

// Create inserts e. ID and CreatedAt are generated when empty.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.DeviceID == "" || e.Action == "" {
		return errors.New("audit: device id and action are required")
	}
	if e.ID == "" {
		e.ID = "cmd-" + uuid.NewString()[:8]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeAccepted
	}

	var params *string
	if len(e.Parameters) > 0 {
		b, err := json.Marshal(e.Parameters)
		if err != nil {
			return fmt.Errorf("marshalling command parameters: %w", err)
		}
		s := string(b)
		params = &s
	}
	var resultCode any
	if e.ResultCode != nil {
		resultCode = int64(*e.ResultCode)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_audit
		 (id, command_id, source, actor, category, device_id, action, parameters, outcome, error, result_code, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CommandID, e.Source, nullableString(e.Actor),
		e.Category, e.DeviceID, e.Action, params,
		e.Outcome, nullableString(e.ErrorCode), resultCode, e.LatencyMS,
		e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting command audit: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultLimit
	case filter.Limit > maxLimit:
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var (
		conditions []string
		args       []any
	)
	for _, c := range []struct{ column, value string }{
		{"category", filter.Category},
		{"device_id", filter.DeviceID},
		{"source", filter.Source},
		{"outcome", filter.Outcome},
	} {
		if c.value != "" {
			conditions = append(conditions, c.column+" = ?")
			args = append(args, c.value)
		}
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM command_audit " + where //nolint:gosec // columns are fixed, values are parameterised
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting command audit: %w", err)
	}

	query := `SELECT id, command_id, source, actor, category, device_id, action,
		parameters, outcome, error, result_code, latency_ms, created_at
		FROM command_audit ` + where + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?` //nolint:gosec // as above
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying command audit: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command audit: %w", err)
	}

	return &ListResult{Entries: entries, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e                        Entry
		actor, params, errorCode sql.NullString
		resultCode               sql.NullInt64
		createdAt                string
	)
	if err := rows.Scan(&e.ID, &e.CommandID, &e.Source, &actor, &e.Category, &e.DeviceID,
		&e.Action, &params, &e.Outcome, &errorCode, &resultCode, &e.LatencyMS, &createdAt); err != nil {
		return Entry{}, fmt.Errorf("scanning command audit: %w", err)
	}
	e.Actor = actor.String
	e.ErrorCode = errorCode.String
	if resultCode.Valid {
		rc := uint32(resultCode.Int64) //nolint:gosec // stored from a uint32
		e.ResultCode = &rc
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &e.Parameters); err != nil {
			return Entry{}, fmt.Errorf("unmarshalling command parameters: %w", err)
		}
	}
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing command audit timestamp %q: %w", createdAt, err)
	}
	e.CreatedAt = t
	return e, nil
}

// Prune deletes entries older than olderThan.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, ErrInvalidRetention
	}
	cutoff := r.now().Add(-olderThan).UTC().Format(timeLayout)
	res, err := r.db.ExecContext(ctx, "DELETE FROM command_audit WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting command audit: %w", err)
	}
	return res.RowsAffected()
}
