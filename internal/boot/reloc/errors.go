package reloc

import (
	"errors"
	"fmt"
)

// The closed failure taxonomy. Everything this subsystem can fail with wraps
// one of these sentinels, so callers match with errors.Is.
var (
	// ErrMalformedImage means headers are inconsistent or a table falls
	// outside the image bytes.
	ErrMalformedImage = errors.New("malformed image")
	// ErrInvalidLayout means a segment or the entry point does not fit the
	// address space after sliding, or a placement constraint is unsatisfiable.
	ErrInvalidLayout = errors.New("invalid layout")
	// ErrInsufficientAddressSpace means the candidate range has no aligned
	// slot large enough for the image.
	ErrInsufficientAddressSpace = errors.New("insufficient address space")
	// ErrUnresolvedSymbol means an absolute entry references a strong
	// undefined symbol.
	ErrUnresolvedSymbol = errors.New("unresolved symbol")
	// ErrUnsupportedRelocationType means an entry kind the engine does not
	// recognize was encountered under the default fail-fast policy.
	ErrUnsupportedRelocationType = errors.New("unsupported relocation type")
	// ErrOutOfBoundsWrite means an entry's target slot falls outside the
	// resident image. No writes are performed when this is returned.
	ErrOutOfBoundsWrite = errors.New("out of bounds write")
	// ErrEntropyUnavailable means entropy was explicitly required but no
	// source produced any.
	ErrEntropyUnavailable = errors.New("entropy unavailable")
	// ErrEngineConsumed means Apply was called on an engine that already ran.
	ErrEngineConsumed = errors.New("relocation engine already consumed")
)

// Error carries enough context for the single diagnostic line the boot path
// can print: which entry failed, what kind it was, and the offending address.
type Error struct {
	// Err is the taxonomy sentinel this failure wraps.
	Err error
	// Index is the relocation entry index, or -1 when not entry-specific.
	Index int
	// Kind is the normalized kind of the failing entry.
	Kind Kind
	// Addr is the offending offset or address.
	Addr uint64
	// Detail is optional extra context.
	Detail string
}

func (e *Error) Error() string {
	msg := e.Err.Error()
	if e.Index >= 0 {
		msg = fmt.Sprintf("%s: entry %d (%s) @%#x", msg, e.Index, e.Kind, e.Addr)
	} else if e.Addr != 0 {
		msg = fmt.Sprintf("%s: @%#x", msg, e.Addr)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func errf(sentinel error, format string, args ...any) *Error {
	return &Error{Err: sentinel, Index: -1, Detail: fmt.Sprintf(format, args...)}
}

func entryErr(sentinel error, index int, kind Kind, addr uint64) *Error {
	return &Error{Err: sentinel, Index: index, Kind: kind, Addr: addr}
}
