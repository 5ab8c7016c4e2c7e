package device

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/daelim-bridge/internal/bridges/daelim"
)

// TimeSeriesWriter is the subset of the InfluxDB client used by Recorder.
type TimeSeriesWriter interface {
	WriteDeviceState(category, deviceID string, fields map[string]any, at time.Time)
}

// Recorder fans confirmed states out to the configured sinks. Nil sinks
// are skipped. It implements daelim.StateRecorder.
type Recorder struct {
	Snapshots SnapshotRepository
	History   HistoryRepository
	Series    TimeSeriesWriter
}

// RecordState writes st to every sink and joins their errors; one failing
// sink does not stop the others.
func (r *Recorder) RecordState(ctx context.Context, st daelim.DeviceState) error {
	if st.Stale || st.Value == nil {
		return nil
	}
	var errs []error
	if r.Snapshots != nil {
		errs = append(errs, r.Snapshots.Save(ctx, st))
	}
	if r.History != nil {
		errs = append(errs, r.History.Record(ctx, st))
	}
	if r.Series != nil {
		r.Series.WriteDeviceState(st.Category.String(), st.ID, st.Value.Fields(), st.UpdatedAt)
	}
	return errors.Join(errs...)
}

// Pruner deletes records older than a given age.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// RunRetention prunes records older than retention immediately and then
// every interval until ctx is cancelled. logger may be nil.
func RunRetention(ctx context.Context, repo Pruner, retention, interval time.Duration, logger daelim.Logger) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	prune := func() {
		n, err := repo.Prune(ctx, retention)
		switch {
		case logger == nil:
		case err != nil && ctx.Err() == nil:
			logger.Warn("retention prune failed", "error", err)
		case n > 0:
			logger.Info("old records pruned", "rows", n, "retention", retention.String())
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
