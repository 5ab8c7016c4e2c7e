package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/daelim-bridge/internal/bridges/daelim"
	"github.com/nerrad567/daelim-bridge/internal/infrastructure/config"
	"github.com/nerrad567/daelim-bridge/internal/infrastructure/database"
	"github.com/nerrad567/daelim-bridge/migrations"
)

// openTestDB returns an in-memory database with the real schema applied.
func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

func lightState(id string, on bool, dim int, at time.Time) daelim.DeviceState {
	return daelim.DeviceState{
		Category:  daelim.CategoryLight,
		ID:        id,
		Value:     daelim.LightState{On: on, Dim: dim, Dimmable: true},
		UpdatedAt: at,
	}
}

func TestHistory_RecordAndQuery(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteHistoryRepository(db.DB)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := repo.Record(ctx, lightState("L1", i%2 == 0, i%3, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}
	if err := repo.Record(ctx, lightState("L2", true, 0, base)); err != nil {
		t.Fatal(err)
	}
	stale := lightState("L1", false, 0, base.Add(time.Hour))
	stale.Stale = true
	if err := repo.Record(ctx, stale); err != nil {
		t.Fatalf("Record(stale) error = %v", err)
	}

	tests := []struct {
		name    string
		query   HistoryQuery
		wantLen int
		newest  time.Time
	}{
		{"all for device", HistoryQuery{Category: daelim.CategoryLight, DeviceID: "L1"}, 5, base.Add(4 * time.Minute)},
		{"limited", HistoryQuery{Category: daelim.CategoryLight, DeviceID: "L1", Limit: 2}, 2, base.Add(4 * time.Minute)},
		{"since", HistoryQuery{Category: daelim.CategoryLight, DeviceID: "L1", Since: base.Add(3 * time.Minute)}, 2, base.Add(4 * time.Minute)},
		{"until", HistoryQuery{Category: daelim.CategoryLight, DeviceID: "L1", Until: base.Add(2 * time.Minute)}, 2, base.Add(time.Minute)},
		{"other category", HistoryQuery{Category: daelim.CategoryOutlet, DeviceID: "L1"}, 0, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.History(ctx, tt.query)
			if err != nil {
				t.Fatalf("History() error = %v", err)
			}
			if len(got) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tt.wantLen)
			}
			if tt.wantLen > 0 && !got[0].RecordedAt.Equal(tt.newest) {
				t.Errorf("newest = %v, want %v", got[0].RecordedAt, tt.newest)
			}
		})
	}

	got, _ := repo.History(ctx, HistoryQuery{Category: daelim.CategoryLight, DeviceID: "L1", Limit: 1})
	if got[0].Fields["on"] != true || got[0].Fields["dim"] != 1.0 || got[0].Category != "light" {
		t.Errorf("entry = %+v", got[0])
	}
}

func TestHistory_Validation(t *testing.T) {
	repo := NewSQLiteHistoryRepository(openTestDB(t).DB)
	ctx := context.Background()

	if err := repo.Record(ctx, daelim.DeviceState{Category: daelim.CategoryLight}); !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("Record() error = %v", err)
	}
	if _, err := repo.History(ctx, HistoryQuery{}); !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("History() error = %v", err)
	}
	if _, err := repo.Prune(ctx, 0); !errors.Is(err, ErrInvalidRetention) {
		t.Errorf("Prune() error = %v", err)
	}
}

func TestHistory_Prune(t *testing.T) {
	repo := NewSQLiteHistoryRepository(openTestDB(t).DB)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }
	ctx := context.Background()

	for _, age := range []time.Duration{40 * 24 * time.Hour, 31 * 24 * time.Hour, time.Hour} {
		if err := repo.Record(ctx, lightState("L1", true, 0, now.Add(-age))); err != nil {
			t.Fatal(err)
		}
	}

	n, err := repo.Prune(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d rows, want 2", n)
	}
	left, _ := repo.History(ctx, HistoryQuery{Category: daelim.CategoryLight, DeviceID: "L1"})
	if len(left) != 1 {
		t.Errorf("remaining = %d, want 1", len(left))
	}
}

func TestSnapshot_SaveLoad(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteSnapshotRepository(db.DB)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)

	states := []daelim.DeviceState{
		lightState("L1", true, 2, at),
		lightState("L1", false, 0, at.Add(time.Minute)), // overwrites
		{Category: daelim.CategoryHeating, ID: "H1", Value: daelim.HeatingState{On: true, Target: 23, Current: 21.5}, UpdatedAt: at},
		{Category: daelim.CategoryGasValve, ID: "G1", Value: daelim.GasValveState{Closed: true}, UpdatedAt: at},
		{Category: daelim.CategoryOutlet, ID: "O1", Value: daelim.OutletState{On: true}, UpdatedAt: at, Stale: true},
	}
	for _, st := range states {
		if err := repo.Save(ctx, st); err != nil {
			t.Fatalf("Save(%s) error = %v", st.Key(), err)
		}
	}

	loaded, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("loaded %d states, want 3 (stale save skipped)", len(loaded))
	}
	byKey := make(map[string]daelim.DeviceState)
	for _, st := range loaded {
		if !st.Stale {
			t.Errorf("%s loaded as live", st.Key())
		}
		byKey[st.Key()] = st
	}
	if got := byKey["light/L1"]; got.Value != (daelim.LightState{On: false, Dim: 0, Dimmable: true}) || !got.UpdatedAt.Equal(at.Add(time.Minute)) {
		t.Errorf("light/L1 = %+v", got)
	}
	if got := byKey["heating/H1"].Value; got != (daelim.HeatingState{On: true, Target: 23, Current: 21.5}) {
		t.Errorf("heating/H1 = %+v", got)
	}

	if err := repo.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if loaded, _ := repo.Load(ctx); len(loaded) != 0 {
		t.Errorf("after Clear loaded %d", len(loaded))
	}
}

func TestSnapshot_LoadSkipsBadRows(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteSnapshotRepository(db.DB)
	ctx := context.Background()

	if err := repo.Save(ctx, lightState("L1", true, 1, time.Now())); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx,
		"INSERT INTO device_state (category, device_id, fields, updated_at) VALUES ('sauna', 'S1', '{}', ?)",
		formatTime(time.Now())); err != nil {
		t.Fatal(err)
	}

	loaded, err := repo.Load(ctx)
	if !errors.Is(err, daelim.ErrUnknownDeviceCategory) {
		t.Errorf("Load() error = %v, want unknown category", err)
	}
	if len(loaded) != 1 {
		t.Errorf("loaded %d, want the one good row", len(loaded))
	}
}

type fakeSeries struct {
	mu     sync.Mutex
	points []string
}

func (f *fakeSeries) WriteDeviceState(category, id string, _ map[string]any, _ time.Time) {
	f.mu.Lock()
	f.points = append(f.points, category+"/"+id)
	f.mu.Unlock()
}

type failingSnapshots struct{ SnapshotRepository }

func (failingSnapshots) Save(context.Context, daelim.DeviceState) error {
	return errors.New("disk full")
}

func TestRecorder_FansOut(t *testing.T) {
	db := openTestDB(t)
	history := NewSQLiteHistoryRepository(db.DB)
	series := &fakeSeries{}
	rec := &Recorder{
		Snapshots: NewSQLiteSnapshotRepository(db.DB),
		History:   history,
		Series:    series,
	}
	ctx := context.Background()

	var _ daelim.StateRecorder = rec

	if err := rec.RecordState(ctx, lightState("L1", true, 2, time.Now())); err != nil {
		t.Fatalf("RecordState() error = %v", err)
	}
	stale := lightState("L2", true, 0, time.Now())
	stale.Stale = true
	if err := rec.RecordState(ctx, stale); err != nil {
		t.Fatal(err)
	}

	if len(series.points) != 1 || series.points[0] != "light/L1" {
		t.Errorf("series points = %v", series.points)
	}
	snap, _ := rec.Snapshots.Load(ctx)
	if len(snap) != 1 {
		t.Errorf("snapshot rows = %d", len(snap))
	}

	// A failing sink is reported but the others still run.
	rec.Snapshots = failingSnapshots{}
	err := rec.RecordState(ctx, lightState("L1", false, 0, time.Now()))
	if err == nil {
		t.Fatal("expected snapshot error")
	}
	hist, _ := history.History(ctx, HistoryQuery{Category: daelim.CategoryLight, DeviceID: "L1"})
	if len(hist) != 2 {
		t.Errorf("history rows = %d, want 2", len(hist))
	}
}

type countingPruner struct {
	HistoryRepository
	mu    sync.Mutex
	calls int
}

func (p *countingPruner) Prune(context.Context, time.Duration) (int64, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return 1, nil
}

func (p *countingPruner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestRunRetention(t *testing.T) {
	p := &countingPruner{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunRetention(ctx, p, time.Hour, 10*time.Millisecond, nil)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for p.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if p.count() < 3 {
		t.Errorf("prune calls = %d, want at least 3", p.count())
	}

	// Disabled retention returns immediately.
	RunRetention(context.Background(), p, 0, time.Millisecond, nil)
}
