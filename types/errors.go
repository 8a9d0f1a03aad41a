// Package types holds the data types shared between the vylog writer,
// recovery engine and the xlog adapter: the record wire format and the
// sentinel error taxonomy.
package types

import "errors"

// Sentinel errors returned by the meta-log. Callers should use errors.Is to
// test for these since they are frequently wrapped with record-identifying
// context.
var (
	// ErrIO is returned for xlog write, read or fsync failures.
	ErrIO = errors.New("vylog: i/o error")

	// ErrFormat is returned when a record frame cannot be decoded.
	ErrFormat = errors.New("vylog: malformed record")

	// ErrField is returned when a decoded record is missing a field its
	// type requires.
	ErrField = errors.New("vylog: missing required field")

	// ErrCorrupt is returned when a journal is well-framed but
	// semantically inconsistent (dangling parent, duplicate id, ...).
	ErrCorrupt = errors.New("vylog: corrupt journal")

	// ErrTxFull is returned by TxCommit/TxTryCommit when more than the
	// configured capacity of records were written in one transaction.
	ErrTxFull = errors.New("vylog: transaction buffer full")

	// ErrClosed is returned by xlog handle operations (Write, CommitBatch,
	// Size, TruncateTo) attempted after the handle has been closed.
	ErrClosed = errors.New("vylog: handle closed")

	// ErrTxActive is the value TxBegin panics with when a transaction is
	// already in progress and the buffer is non-empty.
	ErrTxActive = errors.New("vylog: transaction already active")
)
