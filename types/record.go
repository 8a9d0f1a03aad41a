package types

import "fmt"

// RecordType discriminates the six structural events a vylog record can
// describe. The numeric values are part of the on-disk format (field 0 of
// the tagged-map frame, see Encode) and must never be renumbered.
type RecordType uint8

const (
	CreateIndex RecordType = 0
	DropIndex   RecordType = 1
	InsertRange RecordType = 2
	DeleteRange RecordType = 3
	InsertRun   RecordType = 4
	DeleteRun   RecordType = 5
)

func (t RecordType) String() string {
	switch t {
	case CreateIndex:
		return "CREATE_INDEX"
	case DropIndex:
		return "DROP_INDEX"
	case InsertRange:
		return "INSERT_RANGE"
	case DeleteRange:
		return "DELETE_RANGE"
	case InsertRun:
		return "INSERT_RUN"
	case DeleteRun:
		return "DELETE_RUN"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// field codes used by the tagged-map wire format.
const (
	fieldType       = 0
	fieldIndexID    = 1
	fieldRangeID    = 2
	fieldRunID      = 3
	fieldRangeBegin = 4
	fieldRangeEnd   = 5
)

// Record is a single structural event. It is kept as one flat struct with a
// Type discriminant rather than per-variant types: only the fields required
// per the table below are populated and only those are encoded.
//
//	CREATE_INDEX  index_id
//	DROP_INDEX    index_id
//	INSERT_RANGE  index_id, range_id, range_begin, range_end
//	DELETE_RANGE  range_id
//	INSERT_RUN    range_id, run_id
//	DELETE_RUN    run_id
type Record struct {
	Type RecordType

	IndexID int64
	RangeID int64
	RunID   int64

	// RangeBegin/RangeEnd are opaque externally-encoded keys. A nil slice
	// denotes the ±∞ sentinel; they are always copied on construction so
	// callers may safely reuse their buffers.
	RangeBegin []byte
	RangeEnd   []byte
}

// requiredFields returns which of index_id/range_id/run_id/range_begin+end
// are required for t, used by both the encoder (to decide which keys to
// emit) and the decoder (to validate a decoded frame).
type fieldSet struct {
	indexID, rangeID, runID, rangeBounds bool
}

func requiredFields(t RecordType) (fieldSet, error) {
	switch t {
	case CreateIndex, DropIndex:
		return fieldSet{indexID: true}, nil
	case InsertRange:
		return fieldSet{indexID: true, rangeID: true, rangeBounds: true}, nil
	case DeleteRange:
		return fieldSet{rangeID: true}, nil
	case InsertRun:
		return fieldSet{rangeID: true, runID: true}, nil
	case DeleteRun:
		return fieldSet{runID: true}, nil
	default:
		return fieldSet{}, fmt.Errorf("%w: unknown record type %d", ErrFormat, uint8(t))
	}
}

// NewCreateIndex builds a CREATE_INDEX record.
func NewCreateIndex(indexID int64) Record {
	return Record{Type: CreateIndex, IndexID: indexID}
}

// NewDropIndex builds a DROP_INDEX record.
func NewDropIndex(indexID int64) Record {
	return Record{Type: DropIndex, IndexID: indexID}
}

// NewInsertRange builds an INSERT_RANGE record, copying begin/end.
func NewInsertRange(indexID, rangeID int64, begin, end []byte) Record {
	return Record{
		Type:       InsertRange,
		IndexID:    indexID,
		RangeID:    rangeID,
		RangeBegin: cloneBytes(begin),
		RangeEnd:   cloneBytes(end),
	}
}

// NewDeleteRange builds a DELETE_RANGE record.
func NewDeleteRange(rangeID int64) Record {
	return Record{Type: DeleteRange, RangeID: rangeID}
}

// NewInsertRun builds an INSERT_RUN record.
func NewInsertRun(rangeID, runID int64) Record {
	return Record{Type: InsertRun, RangeID: rangeID, RunID: runID}
}

// NewDeleteRun builds a DELETE_RUN record.
func NewDeleteRun(runID int64) Record {
	return Record{Type: DeleteRun, RunID: runID}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate checks that r.Type is one of the known record types.
func (r Record) Validate() error {
	_, err := requiredFields(r.Type)
	return err
}
