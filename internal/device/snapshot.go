package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nerrad567/daelim-bridge/internal/bridges/daelim"
)

// SnapshotRepository keeps the last confirmed state of every device.
type SnapshotRepository interface {
	Save(ctx context.Context, st daelim.DeviceState) error
	Load(ctx context.Context) ([]daelim.DeviceState, error)
	Clear(ctx context.Context) error
}

// SQLiteSnapshotRepository implements SnapshotRepository on the
// device_state table.
type SQLiteSnapshotRepository struct {
	db *sql.DB
}

// NewSQLiteSnapshotRepository returns a repository using db.
func NewSQLiteSnapshotRepository(db *sql.DB) *SQLiteSnapshotRepository {
	return &SQLiteSnapshotRepository{db: db}
}

// Save upserts st. Stale states are ignored so a snapshot only ever holds
// values the server confirmed.
func (r *SQLiteSnapshotRepository) Save(ctx context.Context, st daelim.DeviceState) error {
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

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO device_state (category, device_id, fields, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (category, device_id) DO UPDATE SET
			fields = excluded.fields,
			updated_at = excluded.updated_at`,
		st.Category.String(), st.ID, string(fields), formatTime(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving device state: %w", err)
	}
	return nil
}

// Load returns every stored state, marked stale. Rows with an unknown
// category or undecodable fields are skipped and reported in the joined
// error alongside the usable states.
func (r *SQLiteSnapshotRepository) Load(ctx context.Context) ([]daelim.DeviceState, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT category, device_id, fields, updated_at FROM device_state ORDER BY category, device_id")
	if err != nil {
		return nil, fmt.Errorf("querying device state: %w", err)
	}
	defer rows.Close()

	var (
		states []daelim.DeviceState
		errs   []error
	)
	for rows.Next() {
		var cat, id, fields, at string
		if err := rows.Scan(&cat, &id, &fields, &at); err != nil {
			return nil, fmt.Errorf("scanning device state: %w", err)
		}
		st, err := decodeSnapshot(cat, id, fields, at)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", cat, id, err))
			continue
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device state: %w", err)
	}
	return states, errors.Join(errs...)
}

func decodeSnapshot(cat, id, fields, at string) (daelim.DeviceState, error) {
	c, err := daelim.ParseCategory(cat)
	if err != nil {
		return daelim.DeviceState{}, err
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(fields), &m); err != nil {
		return daelim.DeviceState{}, fmt.Errorf("unmarshalling state: %w", err)
	}
	v, err := daelim.ValueFromFields(c, m)
	if err != nil {
		return daelim.DeviceState{}, err
	}
	updated, err := parseTime(at)
	if err != nil {
		return daelim.DeviceState{}, err
	}
	return daelim.DeviceState{Category: c, ID: id, Value: v, UpdatedAt: updated, Stale: true}, nil
}

// Clear removes every stored state.
func (r *SQLiteSnapshotRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM device_state"); err != nil {
		return fmt.Errorf("clearing device state: %w", err)
	}
	return nil
}
