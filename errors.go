package flintdb

import "errors"

// Common errors reported by the engine. Fallible operations wrap one of these
// sentinels with fmt.Errorf("%w: ...") so callers can test with errors.Is.
var (
	// Schema errors
	ErrDuplicateColumn = errors.New("duplicate column")
	ErrUnknownColumn   = errors.New("unknown column")
	ErrDuplicateIndex  = errors.New("duplicate index")
	ErrInvalidSize     = errors.New("invalid size or precision")
	ErrSchemaMismatch  = errors.New("schema mismatch")

	// Value errors
	ErrTypeMismatch = errors.New("variant type mismatch")
	ErrValidation   = errors.New("row validation failed")

	// Lookup / mutation errors
	ErrNotFound        = errors.New("not found")
	ErrDuplicateKey    = errors.New("duplicate key")
	ErrIndexOutOfRange = errors.New("index out of range")

	// Lifecycle errors
	ErrClosed   = errors.New("closed")
	ErrReadOnly = errors.New("read-only")
	ErrCorrupt  = errors.New("corrupt storage")
)
