package vylog

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/vinylog/vylog/types"
	"github.com/vinylog/vylog/xlog"
)

func TestRotateProducesMinimalLiveJournal(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t)
	require.NoError(t, w.Open(context.Background(), dir, 1))
	defer w.Close()

	w.TxBegin()
	w.Write(types.NewCreateIndex(1))
	w.Write(types.NewInsertRange(1, 10, []byte("a"), []byte("m")))
	w.Write(types.NewInsertRun(10, 100))
	w.Write(types.NewInsertRun(10, 101))
	w.Write(types.NewDeleteRun(100))
	w.Write(types.NewCreateIndex(2))
	w.Write(types.NewDropIndex(2))
	require.NoError(t, w.TxCommit(context.Background()))

	require.NoError(t, Rotate(context.Background(), w, dir, 2))
	require.Equal(t, int64(2), w.currentSignature())

	r, err := NewRecovery(dir, 2)
	require.NoError(t, err)
	require.False(t, r.IndexIsDropped(1))
	require.True(t, r.IndexIsDropped(2))
	require.Equal(t, int64(10), r.RangeIDMax())
	require.Equal(t, int64(101), r.RunIDMax())

	var gotTypes []types.RecordType
	require.NoError(t, r.LoadIndex(1, func(rec types.Record) int {
		gotTypes = append(gotTypes, rec.Type)
		return 0
	}))
	require.Equal(t, []types.RecordType{types.CreateIndex, types.InsertRange, types.InsertRun}, gotTypes)

	// The writer must still be usable after rotation: new records land in
	// the rotated journal, not the old one.
	rangeID := w.AllocRangeID()
	w.TxBegin()
	w.Write(types.NewInsertRange(1, rangeID, nil, nil))
	require.NoError(t, w.TxCommit(context.Background()))

	r2, err := NewRecovery(dir, 2)
	require.NoError(t, err)
	require.Equal(t, rangeID, r2.RangeIDMax())
}

func TestRotateOldJournalRemovalCallback(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t)
	require.NoError(t, w.Open(context.Background(), dir, 1))
	defer w.Close()

	w.TxBegin()
	w.Write(types.NewCreateIndex(1))
	require.NoError(t, w.TxCommit(context.Background()))

	var removed int64 = -1
	require.NoError(t, Rotate(context.Background(), w, dir, 2, WithOldJournalRemoval(func(oldSignature int64) error {
		removed = oldSignature
		return xlog.Remove(dir, oldSignature)
	})))
	require.Equal(t, int64(1), removed)

	_, err := xlog.OpenForScan(dir, 1)
	require.Error(t, err)
}

func TestRotateRecordsMetricsAndReusesWriterRecoveryMetrics(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t)
	require.NoError(t, w.Open(context.Background(), dir, 1))
	defer w.Close()

	w.TxBegin()
	w.Write(types.NewCreateIndex(1))
	w.Write(types.NewInsertRange(1, 10, nil, nil))
	require.NoError(t, w.TxCommit(context.Background()))

	require.Equal(t, float64(0), testutil.ToFloat64(w.metrics.rotations))
	require.Equal(t, float64(0), testutil.ToFloat64(w.metrics.recoveryRecordsReplayed))

	require.NoError(t, Rotate(context.Background(), w, dir, 2))

	// Rotate's internal recovery-model rebuild shares w's own metrics
	// handle rather than a disconnected one, so the two CREATE_INDEX/
	// INSERT_RANGE records it replayed show up on the writer's own
	// recoveryRecordsReplayed counter, and rotations/lastRotationAgeSeconds
	// are both touched exactly once.
	require.Equal(t, float64(1), testutil.ToFloat64(w.metrics.rotations))
	require.Equal(t, float64(2), testutil.ToFloat64(w.metrics.recoveryRecordsReplayed))
	require.GreaterOrEqual(t, testutil.ToFloat64(w.metrics.lastRotationAgeSeconds), float64(0))
}

func TestRotateWithSuppliedRecoveryModel(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t)
	require.NoError(t, w.Open(context.Background(), dir, 1))
	defer w.Close()

	w.TxBegin()
	w.Write(types.NewCreateIndex(1))
	require.NoError(t, w.TxCommit(context.Background()))

	model, err := NewRecovery(dir, 1)
	require.NoError(t, err)

	require.NoError(t, Rotate(context.Background(), w, dir, 2, WithRecoveryModel(model)))

	r, err := NewRecovery(dir, 2)
	require.NoError(t, err)
	require.False(t, r.IndexIsDropped(1))
}
