package types

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes r into a self-describing tagged-map payload: key 0
// (type) followed by only the keys required for that type. Integer fields
// are fixed-width varint-free int64s (binary.BigEndian, 8 bytes) to keep
// the frame format trivial to scan; string fields are length-prefixed
// (uint32 length) and may be zero-length, which is indistinguishable from
// "absent" (both denote the ±∞ sentinel used for an open range bound).
func Encode(r Record) ([]byte, error) {
	fs, err := requiredFields(r.Type)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 64)
	buf = appendKeyByte(buf, fieldType, uint8(r.Type))

	if fs.indexID {
		buf = appendKeyInt64(buf, fieldIndexID, r.IndexID)
	}
	if fs.rangeID {
		buf = appendKeyInt64(buf, fieldRangeID, r.RangeID)
	}
	if fs.runID {
		buf = appendKeyInt64(buf, fieldRunID, r.RunID)
	}
	if fs.rangeBounds {
		buf = appendKeyBytes(buf, fieldRangeBegin, r.RangeBegin)
		buf = appendKeyBytes(buf, fieldRangeEnd, r.RangeEnd)
	}
	return buf, nil
}

// Decode parses a payload previously produced by Encode. It returns
// ErrFormat if the payload is truncated or names an unknown type/key, and
// ErrField if a field required by the decoded type never appeared.
func Decode(payload []byte) (Record, error) {
	if len(payload) < 2 {
		return Record{}, fmt.Errorf("%w: frame too short", ErrFormat)
	}
	if payload[0] != fieldType {
		return Record{}, fmt.Errorf("%w: frame does not begin with type key", ErrFormat)
	}
	r := Record{Type: RecordType(payload[1])}
	fs, err := requiredFields(r.Type)
	if err != nil {
		return Record{}, err
	}

	var seen struct {
		indexID, rangeID, runID, rangeBegin, rangeEnd bool
	}
	off := 2
	for off < len(payload) {
		key := payload[off]
		off++
		switch key {
		case fieldIndexID:
			v, n, err := readInt64(payload, off)
			if err != nil {
				return Record{}, err
			}
			r.IndexID = v
			seen.indexID = true
			off = n
		case fieldRangeID:
			v, n, err := readInt64(payload, off)
			if err != nil {
				return Record{}, err
			}
			r.RangeID = v
			seen.rangeID = true
			off = n
		case fieldRunID:
			v, n, err := readInt64(payload, off)
			if err != nil {
				return Record{}, err
			}
			r.RunID = v
			seen.runID = true
			off = n
		case fieldRangeBegin:
			v, n, err := readBytes(payload, off)
			if err != nil {
				return Record{}, err
			}
			r.RangeBegin = v
			seen.rangeBegin = true
			off = n
		case fieldRangeEnd:
			v, n, err := readBytes(payload, off)
			if err != nil {
				return Record{}, err
			}
			r.RangeEnd = v
			seen.rangeEnd = true
			off = n
		default:
			return Record{}, fmt.Errorf("%w: unknown field key %d", ErrFormat, key)
		}
	}

	if fs.indexID && !seen.indexID {
		return Record{}, fmt.Errorf("%w: %s missing index_id", ErrField, r.Type)
	}
	if fs.rangeID && !seen.rangeID {
		return Record{}, fmt.Errorf("%w: %s missing range_id", ErrField, r.Type)
	}
	if fs.runID && !seen.runID {
		return Record{}, fmt.Errorf("%w: %s missing run_id", ErrField, r.Type)
	}
	if fs.rangeBounds && !seen.rangeBegin {
		return Record{}, fmt.Errorf("%w: %s missing range_begin", ErrField, r.Type)
	}
	if fs.rangeBounds && !seen.rangeEnd {
		return Record{}, fmt.Errorf("%w: %s missing range_end", ErrField, r.Type)
	}
	return r, nil
}

func appendKeyByte(buf []byte, key byte, v uint8) []byte {
	return append(buf, key, v)
}

func appendKeyInt64(buf []byte, key byte, v int64) []byte {
	buf = append(buf, key)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func appendKeyBytes(buf []byte, key byte, v []byte) []byte {
	buf = append(buf, key)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(v)))
	buf = append(buf, tmp[:]...)
	return append(buf, v...)
}

func readInt64(payload []byte, off int) (int64, int, error) {
	if off+8 > len(payload) {
		return 0, 0, fmt.Errorf("%w: truncated int field", ErrFormat)
	}
	return int64(binary.BigEndian.Uint64(payload[off : off+8])), off + 8, nil
}

func readBytes(payload []byte, off int) ([]byte, int, error) {
	if off+4 > len(payload) {
		return nil, 0, fmt.Errorf("%w: truncated length prefix", ErrFormat)
	}
	n := int(binary.BigEndian.Uint32(payload[off : off+4]))
	off += 4
	if n < 0 || off+n > len(payload) {
		return nil, 0, fmt.Errorf("%w: truncated byte field", ErrFormat)
	}
	if n == 0 {
		return nil, off, nil
	}
	out := make([]byte, n)
	copy(out, payload[off:off+n])
	return out, off + n, nil
}
