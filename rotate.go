package vylog

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"

	"github.com/vinylog/vylog/types"
	"github.com/vinylog/vylog/xlog"
)

// RotateOption configures a single Rotate call.
type RotateOption func(*rotateConfig)

type rotateConfig struct {
	model        *Recovery
	onOldRemoved func(oldSignature int64) error
}

// WithRecoveryModel lets the caller supply an already-built Recovery model
// (e.g. one built moments earlier to answer some other query) instead of
// having Rotate scan the journal again from scratch.
func WithRecoveryModel(r *Recovery) RotateOption {
	return func(c *rotateConfig) { c.model = r }
}

// WithOldJournalRemoval registers a callback invoked with the old
// journal's signature once rotation has durably completed and the writer
// has switched over to the new journal. Actual removal/garbage-collection
// of the old journal is left as an external policy decision; this is the
// hook that policy is wired through. If omitted, the old file is left on
// disk for the caller to clean up separately.
func WithOldJournalRemoval(fn func(oldSignature int64) error) RotateOption {
	return func(c *rotateConfig) { c.onOldRemoved = fn }
}

// Rotate produces a new, minimal journal at {dir}/{newSignature:020d}.vylog
// describing only the currently live indexes/ranges/runs, publishes it
// atomically, and switches w over to it. If building or publishing the new
// journal fails, the staging file is removed and w continues using its
// current journal unchanged.
func Rotate(ctx context.Context, w *Writer, dir string, newSignature int64, opts ...RotateOption) error {
	var cfg rotateConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// Registers w as in-flight so any TxCommit/TxTryCommit that starts
	// while rotation is rebuilding and publishing the new journal waits
	// rather than racing the handle swap below.
	_, done := w.latch.BeginWait()
	defer done()

	age := w.currentJournalAge()

	model := cfg.model
	if model == nil {
		var err error
		model, err = NewRecovery(dir, w.currentSignature(), WithRecoveryLogger(w.logger), withRecoveryMetrics(w.metrics))
		if err != nil {
			return fmt.Errorf("rotate: build recovery model: %w", err)
		}
	}

	staging, err := xlog.CreateStaging(dir, newSignature)
	if err != nil {
		return fmt.Errorf("rotate: create staging journal: %w", err)
	}

	writeErr := model.forEachLiveIndexAscending(func(indexID int64, info *IndexInfo) error {
		if err := writeRecordFrame(staging, types.NewCreateIndex(indexID)); err != nil {
			return err
		}
		for _, rangeID := range info.Ranges {
			rng, ok := model.ranges[rangeID]
			if !ok {
				return fmt.Errorf("%w: index %d references missing range %d", types.ErrCorrupt, indexID, rangeID)
			}
			if err := writeRecordFrame(staging, types.NewInsertRange(indexID, rangeID, rng.Begin, rng.End)); err != nil {
				return err
			}
			for _, runID := range rng.Runs {
				if err := writeRecordFrame(staging, types.NewInsertRun(rangeID, runID)); err != nil {
					return err
				}
			}
		}
		return nil
	})

	if writeErr == nil {
		writeErr = staging.CommitBatch()
	}
	closeErr := staging.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = xlog.RemoveTemp(dir, newSignature)
		level.Error(w.logger).Log("msg", "rotation failed, continuing on old journal", "err", writeErr)
		return fmt.Errorf("rotate: write new journal: %w", writeErr)
	}

	oldSignature := w.currentSignature()
	if err := xlog.RotateFinalize(dir, oldSignature, newSignature); err != nil {
		_ = xlog.RemoveTemp(dir, newSignature)
		return fmt.Errorf("rotate: finalize: %w", err)
	}

	newHandle, err := xlog.OpenForAppend(dir, newSignature)
	if err != nil {
		return fmt.Errorf("rotate: reopen new journal for append: %w", err)
	}

	if err := w.swapHandleAndClose(dir, newSignature, newHandle); err != nil {
		level.Error(w.logger).Log("msg", "failed to close old journal handle after rotation", "err", err)
	}
	w.seedAllocators(model.RangeIDMax(), model.RunIDMax())
	w.metrics.rotations.Inc()
	w.metrics.lastRotationAgeSeconds.Set(age.Seconds())
	level.Debug(w.logger).Log("msg", "rotated journal", "old_signature", oldSignature, "new_signature", newSignature)

	if cfg.onOldRemoved != nil {
		if err := cfg.onOldRemoved(oldSignature); err != nil {
			level.Error(w.logger).Log("msg", "old journal removal callback failed", "signature", oldSignature, "err", err)
			return fmt.Errorf("rotate: old journal removal: %w", err)
		}
	}
	return nil
}

func writeRecordFrame(h *xlog.Handle, rec types.Record) error {
	payload, err := types.Encode(rec)
	if err != nil {
		return err
	}
	return h.Write(payload)
}
