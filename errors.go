package vylog

import "github.com/vinylog/vylog/types"

// Re-exported so callers don't need to import the types package directly
// just to errors.Is against them.
var (
	ErrIO       = types.ErrIO
	ErrFormat   = types.ErrFormat
	ErrField    = types.ErrField
	ErrCorrupt  = types.ErrCorrupt
	ErrTxFull   = types.ErrTxFull
	ErrClosed   = types.ErrClosed
	ErrTxActive = types.ErrTxActive
)
