package vylog

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vinylog/vylog/types"
)

func writeRecords(t *testing.T, dir string, signature int64, recs ...types.Record) {
	t.Helper()
	w := newTestWriter(t)
	require.NoError(t, w.Open(context.Background(), dir, signature))
	defer w.Close()
	w.TxBegin()
	for _, r := range recs {
		w.Write(r)
	}
	require.NoError(t, w.TxCommit(context.Background()))
}

func TestRecoveryBuildsLiveIndexTree(t *testing.T) {
	dir := t.TempDir()
	writeRecords(t, dir, 1,
		types.NewCreateIndex(1),
		types.NewInsertRange(1, 10, []byte("a"), []byte("m")),
		types.NewInsertRun(10, 100),
		types.NewInsertRun(10, 101),
		types.NewInsertRange(1, 11, []byte("m"), nil),
	)

	r, err := NewRecovery(dir, 1)
	require.NoError(t, err)
	require.False(t, r.IndexIsDropped(1))
	require.Equal(t, int64(11), r.RangeIDMax())
	require.Equal(t, int64(101), r.RunIDMax())

	var seen []types.Record
	err = r.LoadIndex(1, func(rec types.Record) int {
		seen = append(seen, rec)
		return 0
	})
	require.NoError(t, err)
	require.Equal(t, types.CreateIndex, seen[0].Type)
	require.Equal(t, types.InsertRange, seen[1].Type)
	require.Equal(t, types.InsertRun, seen[2].Type)
	require.Equal(t, types.InsertRun, seen[3].Type)
	require.Equal(t, types.InsertRange, seen[4].Type)
}

func TestRecoveryDropIndexCascadesRunsAndRanges(t *testing.T) {
	dir := t.TempDir()
	writeRecords(t, dir, 1,
		types.NewCreateIndex(1),
		types.NewInsertRange(1, 10, nil, nil),
		types.NewInsertRun(10, 100),
		types.NewDropIndex(1),
	)

	r, err := NewRecovery(dir, 1)
	require.NoError(t, err)
	require.True(t, r.IndexIsDropped(1))

	err = r.LoadIndex(1, func(types.Record) int { return 0 })
	require.Error(t, err)
}

func TestRecoveryDeleteRangeCascadesRunsWithoutExplicitDeleteRun(t *testing.T) {
	dir := t.TempDir()
	writeRecords(t, dir, 1,
		types.NewCreateIndex(1),
		types.NewInsertRange(1, 10, nil, nil),
		types.NewInsertRun(10, 100),
		types.NewInsertRun(10, 101),
		types.NewDeleteRange(10),
	)

	r, err := NewRecovery(dir, 1)
	require.NoError(t, err)

	var seen []types.Record
	err = r.LoadIndex(1, func(rec types.Record) int {
		seen = append(seen, rec)
		return 0
	})
	require.NoError(t, err)
	// Only the CREATE_INDEX record remains; the range (and its runs with it)
	// was deleted.
	require.Len(t, seen, 1)
	require.Equal(t, types.CreateIndex, seen[0].Type)
}

func TestLoadIndexCallbackAbort(t *testing.T) {
	dir := t.TempDir()
	writeRecords(t, dir, 1,
		types.NewCreateIndex(1),
		types.NewInsertRange(1, 10, nil, nil),
	)

	r, err := NewRecovery(dir, 1)
	require.NoError(t, err)

	err = r.LoadIndex(1, func(types.Record) int { return 7 })
	require.Error(t, err)
	var abort CallbackAbort
	require.ErrorAs(t, err, &abort)
	require.Equal(t, CallbackAbort(7), abort)
}

func TestRecoveryIDMaxSurvivesDeletion(t *testing.T) {
	dir := t.TempDir()
	writeRecords(t, dir, 1,
		types.NewCreateIndex(1),
		types.NewInsertRange(1, 10, nil, nil),
		types.NewInsertRun(10, 100),
		types.NewInsertRun(10, 101),
		types.NewDeleteRange(10),
	)

	r, err := NewRecovery(dir, 1)
	require.NoError(t, err)
	// Both ids were deleted along with the range, but an id once issued is
	// never reissued: RangeIDMax/RunIDMax must still reflect them so a
	// writer seeded from this recovery never allocates 10 or 101 again.
	require.Equal(t, int64(10), r.RangeIDMax())
	require.Equal(t, int64(101), r.RunIDMax())
}

func TestRecoveryRejectsCorruptJournal(t *testing.T) {
	dir := t.TempDir()
	// INSERT_RANGE referencing an index that was never created.
	writeRecords(t, dir, 1, types.NewInsertRange(99, 1, nil, nil))

	_, err := NewRecovery(dir, 1)
	require.ErrorIs(t, err, types.ErrCorrupt)
}

type captureLogger struct{ lines []string }

func (c *captureLogger) Log(kv ...interface{}) error {
	c.lines = append(c.lines, fmt.Sprint(kv...))
	return nil
}

func TestRecoveryLogsScanFailure(t *testing.T) {
	dir := t.TempDir()
	writeRecords(t, dir, 1, types.NewInsertRange(99, 1, nil, nil))

	captured := &captureLogger{}
	_, err := NewRecovery(dir, 1, WithRecoveryLogger(log.Logger(captured)))
	require.ErrorIs(t, err, types.ErrCorrupt)
	require.NotEmpty(t, captured.lines)
}

func TestRecoveryMetricsOptionReportsReplayedRecords(t *testing.T) {
	dir := t.TempDir()
	writeRecords(t, dir, 1,
		types.NewCreateIndex(1),
		types.NewInsertRange(1, 10, nil, nil),
		types.NewInsertRun(10, 100),
	)

	reg := prometheus.NewRegistry()
	_, err := NewRecovery(dir, 1, WithRecoveryMetricsRegisterer(reg))
	require.NoError(t, err)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range metricFamilies {
		if mf.GetName() == "vylog_recovery_records_replayed" {
			found = true
			require.Equal(t, float64(3), mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	require.True(t, found)
}

func TestRecoveryDoubleCreateIndexIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	writeRecords(t, dir, 1, types.NewCreateIndex(1))
	writeRecords(t, dir, 1, types.NewCreateIndex(1))

	_, err := NewRecovery(dir, 1)
	require.ErrorIs(t, err, types.ErrCorrupt)
}

func TestRecoveryEmptyJournal(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t)
	require.NoError(t, w.Open(context.Background(), dir, 1))
	require.NoError(t, w.Close())

	r, err := NewRecovery(dir, 1)
	require.NoError(t, err)
	require.Equal(t, int64(-1), r.RangeIDMax())
	require.Equal(t, int64(-1), r.RunIDMax())
}
