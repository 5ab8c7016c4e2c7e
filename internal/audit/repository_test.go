package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nerrad567/daelim-bridge/internal/bridges/daelim"
	"github.com/nerrad567/daelim-bridge/internal/infrastructure/config"
	"github.com/nerrad567/daelim-bridge/internal/infrastructure/database"
	"github.com/nerrad567/daelim-bridge/migrations"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestEntryFromEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rejected := fmt.Errorf("invoke: %w", &daelim.ResultError{Code: 17})

	tests := []struct {
		name        string
		err         error
		wantOutcome string
		wantCode    string
		wantResult  bool
	}{
		{"accepted", nil, OutcomeAccepted, "", false},
		{"unsafe", daelim.ErrUnsafeAction, OutcomeFailed, daelim.ErrCodeUnsafeAction, false},
		{"server result", rejected, OutcomeFailed, daelim.ErrorCode(rejected), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := EntryFromEvent(daelim.CommandEvent{
				CommandID: "c1",
				Source:    "api",
				Category:  daelim.CategoryLight,
				DeviceID:  "L1",
				Action:    "on",
				Err:       tt.err,
				Latency:   42 * time.Millisecond,
				At:        at,
			})
			if e.Outcome != tt.wantOutcome || e.ErrorCode != tt.wantCode {
				t.Errorf("outcome/code = %s/%s, want %s/%s", e.Outcome, e.ErrorCode, tt.wantOutcome, tt.wantCode)
			}
			if (e.ResultCode != nil) != tt.wantResult {
				t.Errorf("result code = %v", e.ResultCode)
			}
			if e.Category != "light" || e.LatencyMS != 42 || !e.CreatedAt.Equal(at) {
				t.Errorf("entry = %+v", e)
			}
		})
	}
}

func TestRecordAndList(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	events := []daelim.CommandEvent{
		{CommandID: "a", Source: "api", Actor: "alice", Category: daelim.CategoryLight, DeviceID: "L1", Action: "set",
			Parameters: map[string]any{"dim": 2}, At: base},
		{CommandID: "b", Source: "mqtt", Category: daelim.CategoryLight, DeviceID: "L1", Action: "off", At: base.Add(time.Minute)},
		{CommandID: "c", Source: "api", Category: daelim.CategoryGasValve, DeviceID: "G1", Action: "open",
			Err: daelim.ErrUnsafeAction, At: base.Add(2 * time.Minute)},
	}
	for _, ev := range events {
		if err := repo.RecordCommand(ctx, ev); err != nil {
			t.Fatalf("RecordCommand(%s) error = %v", ev.CommandID, err)
		}
	}

	tests := []struct {
		name      string
		filter    Filter
		wantTotal int
		wantFirst string
	}{
		{"all newest first", Filter{}, 3, "c"},
		{"by device", Filter{Category: "light", DeviceID: "L1"}, 2, "b"},
		{"by source", Filter{Source: "api"}, 2, "c"},
		{"failed only", Filter{Outcome: OutcomeFailed}, 1, "c"},
		{"paged", Filter{Limit: 1, Offset: 2}, 3, "a"},
		{"no match", Filter{DeviceID: "nope"}, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if res.Total != tt.wantTotal {
				t.Errorf("total = %d, want %d", res.Total, tt.wantTotal)
			}
			if tt.wantFirst == "" {
				if len(res.Entries) != 0 {
					t.Errorf("entries = %+v", res.Entries)
				}
				return
			}
			if len(res.Entries) == 0 || res.Entries[0].CommandID != tt.wantFirst {
				t.Fatalf("entries = %+v, want first %s", res.Entries, tt.wantFirst)
			}
		})
	}

	res, _ := repo.List(ctx, Filter{Source: "api", Outcome: OutcomeAccepted})
	if len(res.Entries) != 1 {
		t.Fatalf("entries = %+v", res.Entries)
	}
	got := res.Entries[0]
	if got.Actor != "alice" || got.Parameters["dim"] != 2.0 || !got.CreatedAt.Equal(base) || got.ID == "" {
		t.Errorf("entry = %+v", got)
	}
}

func TestListClampsLimit(t *testing.T) {
	repo := newTestRepo(t)
	res, err := repo.List(context.Background(), Filter{Limit: 10_000, Offset: -3})
	if err != nil {
		t.Fatal(err)
	}
	if res.Limit != maxLimit || res.Offset != 0 {
		t.Errorf("limit/offset = %d/%d", res.Limit, res.Offset)
	}
	if res, _ := repo.List(context.Background(), Filter{}); res.Limit != defaultLimit {
		t.Errorf("default limit = %d", res.Limit)
	}
}

func TestCreateValidation(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Create(context.Background(), &Entry{Action: "on"}); err == nil {
		t.Error("Create() accepted an entry without device id")
	}
}

func TestPrune(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	for i, age := range []time.Duration{45 * 24 * time.Hour, time.Hour} {
		ev := daelim.CommandEvent{CommandID: fmt.Sprint(i), Source: "api", Category: daelim.CategoryOutlet,
			DeviceID: "O1", Action: "on", At: now.Add(-age)}
		if err := repo.RecordCommand(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	n, err := repo.Prune(ctx, 30*24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Prune() = %d, %v", n, err)
	}
	if _, err := repo.Prune(ctx, 0); !errors.Is(err, ErrInvalidRetention) {
		t.Errorf("Prune(0) error = %v", err)
	}
}
