package xlog

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/vinylog/vylog/types"
)

// frameHeaderLen is the fixed-size prefix written before every record
// payload: a 4-byte length and an 8-byte xxhash64 checksum of the payload
// that follows.
const frameHeaderLen = 4 + 8

type frameHeader struct {
	length   uint32
	checksum uint64
}

func writeFrameHeaderAndPayload(w io.Writer, payload []byte) error {
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint64(hdr[4:12], xxhash.Sum64(payload))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("%w: %v", types.ErrIO, err)
		}
	}
	return nil
}

// readFrame reads one frame's header+payload from r. A truncated trailing
// frame (mid-header or mid-payload) is reported as plain io.EOF, never
// ErrFormat, so callers can treat a crash-interrupted last write as simply
// "nothing more to read" rather than a corrupt journal.
func readFrame(r io.Reader) ([]byte, error) {
	var hdrBuf [frameHeaderLen]byte
	n, err := io.ReadFull(r, hdrBuf[:])
	if err != nil {
		if n == 0 && (err == io.EOF || err == io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		// A partial header is an incomplete trailing write: also EOF.
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	hdr := frameHeader{
		length:   binary.BigEndian.Uint32(hdrBuf[0:4]),
		checksum: binary.BigEndian.Uint64(hdrBuf[4:12]),
	}

	payload := make([]byte, hdr.length)
	if hdr.length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				// Trailing record truncated mid-payload: treat as EOF,
				// not ErrFormat, per the crash-safety contract.
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: %v", types.ErrIO, err)
		}
	}
	if xxhash.Sum64(payload) != hdr.checksum {
		// A checksum mismatch on what claims to be a complete frame is a
		// corrupt (not truncated) journal.
		return nil, fmt.Errorf("%w: checksum mismatch", types.ErrFormat)
	}
	return payload, nil
}
