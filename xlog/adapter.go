// Package xlog is the adapter over the on-disk journal facility: framed,
// checksummed, crash-safe append of opaque record payloads, plus a
// sequential scanner used by recovery. In the original system this is an
// external collaborator (Tarantool's xlog); here it is implemented directly
// since there's no equivalent to link against, but kept as a narrow,
// dedicated package so the writer and recovery engine (package vylog) never
// touch file framing themselves.
package xlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vinylog/vylog/types"
)

// FileName returns the journal file name for a given signature:
// "{signature:020d}.vylog".
func FileName(signature int64) string {
	return fmt.Sprintf("%020d.vylog", signature)
}

// Path joins dir and the journal file name for signature.
func Path(dir string, signature int64) string {
	return filepath.Join(dir, FileName(signature))
}

// Handle is an open-for-append journal file.
type Handle struct {
	f    *os.File
	dir  string
	path string
}

// CreateStaging creates (truncating any stale leftover) the staging file a
// rotation writes its new journal to, at TempPath(dir, newSignature).
func CreateStaging(dir string, newSignature int64) (*Handle, error) {
	path := TempPath(dir, newSignature)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", types.ErrIO, path, err)
	}
	return &Handle{f: f, dir: dir, path: path}, nil
}

// OpenForAppend opens (creating if necessary) the journal at
// {dir}/{signature:020d}.vylog for append, positioned at EOF. The caller
// retains exclusive access; concurrent appenders are the writer's latch's
// job to serialize, not this package's.
func OpenForAppend(dir string, signature int64) (*Handle, error) {
	path := Path(dir, signature)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", types.ErrIO, path, err)
	}
	return &Handle{f: f, dir: dir, path: path}, nil
}

// Write appends one record payload, framed with a length prefix and
// checksum, to h. It does not fsync; call CommitBatch once a whole
// transaction's worth of frames have been written.
func (h *Handle) Write(payload []byte) error {
	if h == nil || h.f == nil {
		return types.ErrClosed
	}
	return writeFrameHeaderAndPayload(h.f, payload)
}

// CommitBatch flushes the file to stable storage and fsyncs the containing
// directory, so that even a crash that loses the directory entry for a
// brand new file cannot un-observe a previously committed batch.
func (h *Handle) CommitBatch() error {
	if h == nil || h.f == nil {
		return types.ErrClosed
	}
	if err := h.f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync %s: %v", types.ErrIO, h.path, err)
	}
	return fsyncDir(h.dir)
}

// Size returns the current length of the underlying file, used to mark a
// rollback point before a multi-frame batch write begins.
func (h *Handle) Size() (int64, error) {
	if h == nil || h.f == nil {
		return 0, types.ErrClosed
	}
	info, err := h.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", types.ErrIO, h.path, err)
	}
	return info.Size(), nil
}

// TruncateTo discards any bytes written past offset. It is used to undo a
// batch of frame writes that failed partway through and was never fsynced,
// so an aborted transaction never leaves a partial frame for a later scan
// to trip over. The file was opened O_APPEND, so subsequent writes resume
// at the new (shorter) end of file without needing an explicit seek.
func (h *Handle) TruncateTo(offset int64) error {
	if h == nil || h.f == nil {
		return types.ErrClosed
	}
	if err := h.f.Truncate(offset); err != nil {
		return fmt.Errorf("%w: truncate %s to %d: %v", types.ErrIO, h.path, offset, err)
	}
	return nil
}

// Close closes the underlying file. It does not fsync; call CommitBatch
// first if durability of prior writes matters.
func (h *Handle) Close() error {
	if h == nil || h.f == nil {
		return nil
	}
	err := h.f.Close()
	h.f = nil
	if err != nil {
		return fmt.Errorf("%w: close: %v", types.ErrIO, err)
	}
	return nil
}

// Scanner sequentially yields record payloads from a journal file, in
// write order, tolerating a truncated trailing frame as end-of-log.
type Scanner struct {
	f *os.File
}

// OpenForScan opens the journal at {dir}/{signature:020d}.vylog for
// sequential read. It is an error (wrapping os.ErrNotExist) if the file
// does not exist; callers that want "empty log" semantics for a brand new
// signature should check that themselves.
func OpenForScan(dir string, signature int64) (*Scanner, error) {
	path := Path(dir, signature)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", types.ErrIO, path, err)
	}
	return &Scanner{f: f}, nil
}

// Next returns the next record payload, or io.EOF once the log (or its
// truncated trailing frame) has been fully consumed.
func (s *Scanner) Next() ([]byte, error) {
	return readFrame(s.f)
}

// Close closes the scanner's underlying file.
func (s *Scanner) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// TempPath returns the staging path a fresh journal is written and fsynced
// to before being atomically published under its real name by
// RotateFinalize.
func TempPath(dir string, signature int64) string {
	return Path(dir, signature) + ".tmp"
}

// RotateFinalize atomically publishes the staged new journal (written at
// TempPath(dir, newSignature)) as {dir}/{newSignature:020d}.vylog via
// rename, then fsyncs the directory so the rename itself survives a crash.
// The old journal (at oldSignature) is left untouched; removing it is the
// caller's responsibility.
func RotateFinalize(dir string, oldSignature, newSignature int64) error {
	tmp := TempPath(dir, newSignature)
	final := Path(dir, newSignature)
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("%w: rename %s to %s: %v", types.ErrIO, tmp, final, err)
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	_ = oldSignature
	return nil
}

// RemoveTemp deletes a staging file left behind by a failed rotation.
func RemoveTemp(dir string, signature int64) error {
	if err := os.Remove(TempPath(dir, signature)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", types.ErrIO, TempPath(dir, signature), err)
	}
	return nil
}

// Remove deletes the journal file for signature. Used by rotation's
// caller-supplied old-file cleanup policy.
func Remove(dir string, signature int64) error {
	if err := os.Remove(Path(dir, signature)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", types.ErrIO, Path(dir, signature), err)
	}
	return nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: open dir %s: %v", types.ErrIO, dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		// Not all platforms/filesystems support directory fsync; treat as
		// best-effort but still surface it since durability depends on it
		// where it is supported.
		return fmt.Errorf("%w: fsync dir %s: %v", types.ErrIO, dir, err)
	}
	return nil
}

var _ io.Closer = (*Handle)(nil)
var _ io.Closer = (*Scanner)(nil)
