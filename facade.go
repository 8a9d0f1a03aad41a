package vylog

import (
	"context"

	"github.com/vinylog/vylog/types"
)

// The functions below are thin, typed convenience wrappers around the raw
// TxBegin/Write/TxCommit cycle for the overwhelmingly common case of a
// single-record transaction.
// Callers that need several structural changes to land atomically (e.g. a
// compaction that deletes several runs and inserts their replacement in
// one go) should use TxBegin/Write/TxCommit directly instead.

// LogCreateIndex appends a CREATE_INDEX record for indexID as its own
// transaction. indexID is expected to be the LSN at which the index was
// created, chosen by the caller.
func LogCreateIndex(ctx context.Context, w *Writer, indexID int64) error {
	return logOne(ctx, w, types.NewCreateIndex(indexID))
}

// LogDropIndex appends a DROP_INDEX record for indexID as its own
// transaction.
func LogDropIndex(ctx context.Context, w *Writer, indexID int64) error {
	return logOne(ctx, w, types.NewDropIndex(indexID))
}

// LogInsertRange appends an INSERT_RANGE record as its own transaction.
// rangeID is normally obtained from w.AllocRangeID() first.
func LogInsertRange(ctx context.Context, w *Writer, indexID, rangeID int64, begin, end []byte) error {
	return logOne(ctx, w, types.NewInsertRange(indexID, rangeID, begin, end))
}

// LogDeleteRange appends a DELETE_RANGE record as its own transaction.
func LogDeleteRange(ctx context.Context, w *Writer, rangeID int64) error {
	return logOne(ctx, w, types.NewDeleteRange(rangeID))
}

// LogInsertRun appends an INSERT_RUN record as its own transaction. runID
// is normally obtained from w.AllocRunID() first.
func LogInsertRun(ctx context.Context, w *Writer, rangeID, runID int64) error {
	return logOne(ctx, w, types.NewInsertRun(rangeID, runID))
}

// LogDeleteRun appends a DELETE_RUN record as its own transaction.
func LogDeleteRun(ctx context.Context, w *Writer, runID int64) error {
	return logOne(ctx, w, types.NewDeleteRun(runID))
}

func logOne(ctx context.Context, w *Writer, rec types.Record) error {
	w.TxBegin()
	w.Write(rec)
	return w.TxCommit(ctx)
}
