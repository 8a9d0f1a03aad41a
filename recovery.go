package vylog

import (
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vinylog/vylog/types"
	"github.com/vinylog/vylog/xlog"
)

// IndexInfo describes the live state of one index. Values are never
// mutated in place once published into a Recovery's index map — each
// replay step that touches an index builds a fresh *IndexInfo — so a
// reference handed to a caller (e.g. mid-LoadIndex) stays valid even if
// the map is later updated; every mutation is copy-on-write.
type IndexInfo struct {
	IsDropped bool
	// Ranges lists this index's live range ids in the chronological
	// order they were inserted.
	Ranges []int64
}

// RangeInfo describes the live state of one range.
type RangeInfo struct {
	OwnerIndexID int64
	Begin        []byte
	End          []byte
	// Runs lists this range's live run ids in chronological order.
	Runs []int64
}

// RunInfo describes the live state of one run.
type RunInfo struct {
	OwnerRangeID int64
}

// Recovery is the in-memory model rebuilt by replaying a journal: the
// three id-keyed hash indexes (indexes, ranges, runs), plus the monotonic
// id watermarks used to seed a writer's allocators.
type Recovery struct {
	signature int64

	indexes *immutable.SortedMap[int64, *IndexInfo]
	ranges  map[int64]*RangeInfo
	runs    map[int64]*RunInfo

	rangeIDMax int64
	runIDMax   int64
}

// RecoveryOption configures a single NewRecovery call.
type RecoveryOption func(*recoveryConfig)

type recoveryConfig struct {
	logger  log.Logger
	metrics *vylogMetrics
}

// WithRecoveryLogger sets the structured logger NewRecovery reports
// scan-time failures through (malformed frames, failed consistency
// checks). Defaults to a no-op logger.
func WithRecoveryLogger(l log.Logger) RecoveryOption {
	return func(c *recoveryConfig) { c.logger = l }
}

// WithRecoveryMetricsRegisterer registers a fresh set of recovery-scan
// collectors (records replayed, scan duration) against reg. Defaults to
// a private, unshared registry, so that repeated standalone NewRecovery
// calls (as in tests) never collide with each other via duplicate
// registration.
func WithRecoveryMetricsRegisterer(reg prometheus.Registerer) RecoveryOption {
	return func(c *recoveryConfig) { c.metrics = newVylogMetrics(reg) }
}

// withRecoveryMetrics reuses an already-registered metrics handle rather
// than minting a fresh one, so a recovery scan driven internally by a
// Writer (Rotate's recovery-model rebuild) reports into the same
// counters/histograms the writer itself uses instead of a disconnected
// private registry.
func withRecoveryMetrics(m *vylogMetrics) RecoveryOption {
	return func(c *recoveryConfig) { c.metrics = m }
}

// NewRecovery opens the journal at {dir}/{signature:020d}.vylog for
// sequential scan and replays it into a Recovery model. A truncated
// trailing frame is tolerated (treated as end-of-log); any other decode or
// consistency failure aborts with ErrFormat/ErrField/ErrCorrupt, and is
// logged at level.Error before being returned.
func NewRecovery(dir string, signature int64, opts ...RecoveryOption) (*Recovery, error) {
	var cfg recoveryConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.NewNopLogger()
	}
	if cfg.metrics == nil {
		cfg.metrics = newVylogMetrics(prometheus.NewRegistry())
	}

	scanner, err := xlog.OpenForScan(dir, signature)
	if err != nil {
		level.Error(cfg.logger).Log("msg", "recovery failed to open journal for scan", "dir", dir, "signature", signature, "err", err)
		return nil, err
	}
	defer scanner.Close()

	r := &Recovery{
		signature:  signature,
		indexes:    &immutable.SortedMap[int64, *IndexInfo]{},
		ranges:     make(map[int64]*RangeInfo),
		runs:       make(map[int64]*RunInfo),
		rangeIDMax: -1,
		runIDMax:   -1,
	}

	start := time.Now()
	replayed := 0
	for {
		payload, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			level.Error(cfg.logger).Log("msg", "recovery scan failed to read frame", "dir", dir, "signature", signature, "err", err)
			return nil, err
		}
		rec, err := types.Decode(payload)
		if err != nil {
			level.Error(cfg.logger).Log("msg", "recovery scan decoded a malformed record", "dir", dir, "signature", signature, "err", err)
			return nil, err
		}
		if err := r.apply(rec); err != nil {
			level.Error(cfg.logger).Log("msg", "recovery scan rejected an inconsistent record", "dir", dir, "signature", signature, "err", err)
			return nil, err
		}
		replayed++
	}
	cfg.metrics.recoveryRecordsReplayed.Add(float64(replayed))
	cfg.metrics.recoveryDuration.Observe(time.Since(start).Seconds())
	return r, nil
}

// Close releases any resources held by r. Recovery's state is entirely
// in-memory, so this is currently a no-op, kept for symmetry with Writer's
// scoped-ownership discipline and in case future backing storage needs it.
func (r *Recovery) Close() {}

// Signature returns the epoch tag of the journal this model was built from.
func (r *Recovery) Signature() int64 { return r.signature }

// RangeIDMax returns the highest range id ever observed (inserted) in the
// journal, or -1 if none.
func (r *Recovery) RangeIDMax() int64 { return r.rangeIDMax }

// RunIDMax returns the highest run id ever observed (inserted) in the
// journal, or -1 if none.
func (r *Recovery) RunIDMax() int64 { return r.runIDMax }

// IndexIsDropped reports whether indexID is unknown or was dropped.
func (r *Recovery) IndexIsDropped(indexID int64) bool {
	v, ok := r.indexes.Get(indexID)
	if !ok {
		return true
	}
	return v.IsDropped
}

// CallbackAbort is returned by LoadIndex when its callback returns a
// non-zero value; the value is preserved so callers using errors.As can
// recover it; a non-zero callback return aborts iteration.
type CallbackAbort int

func (c CallbackAbort) Error() string {
	return fmt.Sprintf("vylog: LoadIndex callback aborted with code %d", int(c))
}

// LoadIndex invokes cb once with the CREATE_INDEX record for indexID, then
// for each of its live ranges (chronological order) a synthetic
// INSERT_RANGE record followed immediately by a synthetic INSERT_RUN
// record for each of that range's live runs (chronological order), before
// moving to the next range. If cb returns non-zero, iteration stops and
// LoadIndex returns a CallbackAbort wrapping that value.
func (r *Recovery) LoadIndex(indexID int64, cb func(types.Record) int) error {
	v, ok := r.indexes.Get(indexID)
	if !ok || v.IsDropped {
		return fmt.Errorf("%w: index %d is not live", types.ErrCorrupt, indexID)
	}

	if rc := cb(types.NewCreateIndex(indexID)); rc != 0 {
		return CallbackAbort(rc)
	}
	for _, rangeID := range v.Ranges {
		rng, ok := r.ranges[rangeID]
		if !ok {
			return fmt.Errorf("%w: index %d references missing range %d", types.ErrCorrupt, indexID, rangeID)
		}
		if rc := cb(types.NewInsertRange(indexID, rangeID, rng.Begin, rng.End)); rc != 0 {
			return CallbackAbort(rc)
		}
		for _, runID := range rng.Runs {
			if rc := cb(types.NewInsertRun(rangeID, runID)); rc != 0 {
				return CallbackAbort(rc)
			}
		}
	}
	return nil
}

// forEachLiveIndexAscending walks every non-dropped index in ascending
// index_id order (the iteration order the underlying immutable.SortedMap
// already provides), used by Rotate to produce a deterministic compacted
// journal during rotation.
func (r *Recovery) forEachLiveIndexAscending(fn func(indexID int64, info *IndexInfo) error) error {
	it := r.indexes.Iterator()
	for !it.Done() {
		id, info, _ := it.Next()
		if info.IsDropped {
			continue
		}
		if err := fn(id, info); err != nil {
			return err
		}
	}
	return nil
}

func (r *Recovery) apply(rec types.Record) error {
	switch rec.Type {
	case types.CreateIndex:
		return r.applyCreateIndex(rec)
	case types.DropIndex:
		return r.applyDropIndex(rec)
	case types.InsertRange:
		return r.applyInsertRange(rec)
	case types.DeleteRange:
		return r.applyDeleteRange(rec)
	case types.InsertRun:
		return r.applyInsertRun(rec)
	case types.DeleteRun:
		return r.applyDeleteRun(rec)
	default:
		return fmt.Errorf("%w: unknown record type %d", types.ErrCorrupt, uint8(rec.Type))
	}
}

func (r *Recovery) applyCreateIndex(rec types.Record) error {
	if v, ok := r.indexes.Get(rec.IndexID); ok && !v.IsDropped {
		return fmt.Errorf("%w: CREATE_INDEX %d: index already exists and is live", types.ErrCorrupt, rec.IndexID)
	}
	r.indexes = r.indexes.Set(rec.IndexID, &IndexInfo{IsDropped: false})
	return nil
}

func (r *Recovery) applyDropIndex(rec types.Record) error {
	v, ok := r.indexes.Get(rec.IndexID)
	if !ok {
		return fmt.Errorf("%w: DROP_INDEX %d: unknown index", types.ErrCorrupt, rec.IndexID)
	}
	for _, rangeID := range v.Ranges {
		if rng, ok := r.ranges[rangeID]; ok {
			for _, runID := range rng.Runs {
				delete(r.runs, runID)
			}
			delete(r.ranges, rangeID)
		}
	}
	r.indexes = r.indexes.Set(rec.IndexID, &IndexInfo{IsDropped: true})
	return nil
}

func (r *Recovery) applyInsertRange(rec types.Record) error {
	v, ok := r.indexes.Get(rec.IndexID)
	if !ok || v.IsDropped {
		return fmt.Errorf("%w: INSERT_RANGE %d: index %d is not live", types.ErrCorrupt, rec.RangeID, rec.IndexID)
	}
	if _, exists := r.ranges[rec.RangeID]; exists {
		return fmt.Errorf("%w: INSERT_RANGE %d: range already exists", types.ErrCorrupt, rec.RangeID)
	}
	r.ranges[rec.RangeID] = &RangeInfo{
		OwnerIndexID: rec.IndexID,
		Begin:        rec.RangeBegin,
		End:          rec.RangeEnd,
	}
	r.indexes = r.indexes.Set(rec.IndexID, &IndexInfo{
		IsDropped: false,
		Ranges:    appendID(v.Ranges, rec.RangeID),
	})
	if rec.RangeID > r.rangeIDMax {
		r.rangeIDMax = rec.RangeID
	}
	return nil
}

func (r *Recovery) applyDeleteRange(rec types.Record) error {
	rng, ok := r.ranges[rec.RangeID]
	if !ok {
		return fmt.Errorf("%w: DELETE_RANGE %d: unknown range", types.ErrCorrupt, rec.RangeID)
	}
	for _, runID := range rng.Runs {
		delete(r.runs, runID)
	}
	delete(r.ranges, rec.RangeID)

	if v, ok := r.indexes.Get(rng.OwnerIndexID); ok {
		r.indexes = r.indexes.Set(rng.OwnerIndexID, &IndexInfo{
			IsDropped: v.IsDropped,
			Ranges:    removeID(v.Ranges, rec.RangeID),
		})
	}
	return nil
}

func (r *Recovery) applyInsertRun(rec types.Record) error {
	rng, ok := r.ranges[rec.RangeID]
	if !ok {
		return fmt.Errorf("%w: INSERT_RUN %d: range %d is not live", types.ErrCorrupt, rec.RunID, rec.RangeID)
	}
	if _, exists := r.runs[rec.RunID]; exists {
		return fmt.Errorf("%w: INSERT_RUN %d: run already exists", types.ErrCorrupt, rec.RunID)
	}
	r.runs[rec.RunID] = &RunInfo{OwnerRangeID: rec.RangeID}
	r.ranges[rec.RangeID] = &RangeInfo{
		OwnerIndexID: rng.OwnerIndexID,
		Begin:        rng.Begin,
		End:          rng.End,
		Runs:         appendID(rng.Runs, rec.RunID),
	}
	if rec.RunID > r.runIDMax {
		r.runIDMax = rec.RunID
	}
	return nil
}

func (r *Recovery) applyDeleteRun(rec types.Record) error {
	run, ok := r.runs[rec.RunID]
	if !ok {
		return fmt.Errorf("%w: DELETE_RUN %d: unknown run", types.ErrCorrupt, rec.RunID)
	}
	delete(r.runs, rec.RunID)
	if rng, ok := r.ranges[run.OwnerRangeID]; ok {
		r.ranges[run.OwnerRangeID] = &RangeInfo{
			OwnerIndexID: rng.OwnerIndexID,
			Begin:        rng.Begin,
			End:          rng.End,
			Runs:         removeID(rng.Runs, rec.RunID),
		}
	}
	return nil
}

func appendID(ids []int64, id int64) []int64 {
	out := make([]int64, len(ids), len(ids)+1)
	copy(out, ids)
	return append(out, id)
}

func removeID(ids []int64, id int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
