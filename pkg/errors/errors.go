// Package errors provides error types and error codes for the flash filesystem.
// This is a leaf package with no internal dependencies, imported by the device,
// allocator, directory and filesystem layers alike without causing circular
// imports.
//
// Import graph: errors <- flash <- alloc, directory <- gc <- fs
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred.
type ErrorCode int

const (
	// ErrIoFault indicates a hardware read, program or erase failure.
	// The affected block is marked bad and excluded from allocation.
	ErrIoFault ErrorCode = iota + 1

	// ErrAlignment indicates an offset or length that violates the medium's
	// program alignment, or a range that falls outside the block.
	ErrAlignment

	// ErrNotFound indicates no live record exists for the name.
	ErrNotFound

	// ErrWriterConflict indicates a writer is already open for the name.
	ErrWriterConflict

	// ErrDoubleRelease indicates a handle was closed, finalized or aborted twice,
	// or a view was used after its handle was released.
	ErrDoubleRelease

	// ErrOutOfSpace indicates not enough free blocks even after garbage collection.
	ErrOutOfSpace

	// ErrCorruptEntry indicates a directory log entry failed validation.
	ErrCorruptEntry

	// ErrStillReferenced indicates a reclaim was attempted on a block whose
	// allocation still has open references.
	ErrStillReferenced

	// ErrNameTooLong indicates a file name exceeds the maximum length.
	ErrNameTooLong

	// ErrInvalidArgument indicates an invalid parameter.
	ErrInvalidArgument

	// ErrNotFormatted indicates the medium carries no valid directory log.
	ErrNotFormatted

	// ErrClosed indicates the filesystem or device has been closed.
	ErrClosed

	// ErrChecksumMismatch indicates stored or received content does not match
	// its recorded checksum.
	ErrChecksumMismatch
)

// String returns the string representation of the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrIoFault:
		return "IoFault"
	case ErrAlignment:
		return "AlignmentError"
	case ErrNotFound:
		return "NotFound"
	case ErrWriterConflict:
		return "WriterConflict"
	case ErrDoubleRelease:
		return "DoubleRelease"
	case ErrOutOfSpace:
		return "OutOfSpace"
	case ErrCorruptEntry:
		return "CorruptEntry"
	case ErrStillReferenced:
		return "StillReferenced"
	case ErrNameTooLong:
		return "NameTooLong"
	case ErrInvalidArgument:
		return "InvalidArgument"
	case ErrNotFormatted:
		return "NotFormatted"
	case ErrClosed:
		return "Closed"
	case ErrChecksumMismatch:
		return "ChecksumMismatch"
	default:
		return fmt.Sprintf("Unknown(%d)", e)
	}
}

// NoBlock is the Block value of errors not tied to a physical block.
const NoBlock int64 = -1

// FSError represents a filesystem error with an error code.
type FSError struct {
	Code    ErrorCode
	Message string

	// Name is the file name involved, if any.
	Name string

	// Block is the physical block involved, or NoBlock.
	Block int64

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *FSError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Name != "" {
		msg += fmt.Sprintf(" (name: %s)", e.Name)
	}
	if e.Block != NoBlock {
		msg += fmt.Sprintf(" (block: %d)", e.Block)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *FSError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *FSError with the same code, so that
// errors.Is(err, &FSError{Code: ErrNotFound}) matches any NotFound error.
func (e *FSError) Is(target error) bool {
	t, ok := target.(*FSError)
	return ok && t.Code == e.Code
}

// ============================================================================
// Generic Factory Functions
// ============================================================================

// New creates an error with the given code and message.
func New(code ErrorCode, message string) *FSError {
	return &FSError{Code: code, Message: message, Block: NoBlock}
}

// Newf creates an error with the given code and a formatted message.
func Newf(code ErrorCode, format string, args ...any) *FSError {
	return New(code, fmt.Sprintf(format, args...))
}

// NewIoFaultError creates an IoFault error for a block.
func NewIoFaultError(block uint32, op string, cause error) *FSError {
	return &FSError{
		Code:    ErrIoFault,
		Message: fmt.Sprintf("%s failed", op),
		Block:   int64(block),
		Err:     cause,
	}
}

// NewAlignmentError creates an AlignmentError for a block range.
func NewAlignmentError(block, offset, length uint32, reason string) *FSError {
	return &FSError{
		Code:    ErrAlignment,
		Message: fmt.Sprintf("offset %d length %d: %s", offset, length, reason),
		Block:   int64(block),
	}
}

// NewNotFoundError creates a NotFound error.
func NewNotFoundError(name string) *FSError {
	return &FSError{
		Code:    ErrNotFound,
		Message: "no such file",
		Name:    name,
		Block:   NoBlock,
	}
}

// NewWriterConflictError creates a WriterConflict error.
func NewWriterConflictError(name string) *FSError {
	return &FSError{
		Code:    ErrWriterConflict,
		Message: "a writer is already open",
		Name:    name,
		Block:   NoBlock,
	}
}

// NewDoubleReleaseError creates a DoubleRelease error.
func NewDoubleReleaseError(name, what string) *FSError {
	return &FSError{
		Code:    ErrDoubleRelease,
		Message: fmt.Sprintf("%s already released", what),
		Name:    name,
		Block:   NoBlock,
	}
}

// NewOutOfSpaceError creates an OutOfSpace error.
func NewOutOfSpaceError(wanted, free int) *FSError {
	return &FSError{
		Code:    ErrOutOfSpace,
		Message: fmt.Sprintf("need %d blocks, %d free", wanted, free),
		Block:   NoBlock,
	}
}

// NewCorruptEntryError creates a CorruptEntry error for a log block position.
func NewCorruptEntryError(block, offset uint32, reason string) *FSError {
	return &FSError{
		Code:    ErrCorruptEntry,
		Message: fmt.Sprintf("entry at offset %d: %s", offset, reason),
		Block:   int64(block),
	}
}

// NewStillReferencedError creates a StillReferenced error.
func NewStillReferencedError(block uint32, refs int) *FSError {
	return &FSError{
		Code:    ErrStillReferenced,
		Message: fmt.Sprintf("allocation has %d open references", refs),
		Block:   int64(block),
	}
}

// NewNameTooLongError creates a NameTooLong error.
func NewNameTooLongError(name string, max int) *FSError {
	return &FSError{
		Code:    ErrNameTooLong,
		Message: fmt.Sprintf("name exceeds %d bytes", max),
		Name:    name,
		Block:   NoBlock,
	}
}

// NewInvalidArgumentError creates an InvalidArgument error.
func NewInvalidArgumentError(message string) *FSError {
	return New(ErrInvalidArgument, message)
}

// NewNotFormattedError creates a NotFormatted error.
func NewNotFormattedError(reason string) *FSError {
	return New(ErrNotFormatted, reason)
}

// NewClosedError creates a Closed error.
func NewClosedError(what string) *FSError {
	return New(ErrClosed, what+" is closed")
}

// NewChecksumMismatchError creates a ChecksumMismatch error.
func NewChecksumMismatchError(name, what string) *FSError {
	return &FSError{
		Code:    ErrChecksumMismatch,
		Message: what + " checksum mismatch",
		Name:    name,
		Block:   NoBlock,
	}
}

// ============================================================================
// Error Type Checking Helpers
// ============================================================================

// CodeOf returns the code of the first *FSError in err's chain, or 0.
func CodeOf(err error) ErrorCode {
	var fsErr *FSError
	if stderrors.As(err, &fsErr) {
		return fsErr.Code
	}
	return 0
}

// Is returns true if err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	return err != nil && stderrors.Is(err, &FSError{Code: code})
}

// IsNotFound returns true if the error is a NotFound error.
func IsNotFound(err error) bool {
	return Is(err, ErrNotFound)
}

// IsIoFault returns true if the error is an IoFault error.
func IsIoFault(err error) bool {
	return Is(err, ErrIoFault)
}

// IsOutOfSpace returns true if the error is an OutOfSpace error.
func IsOutOfSpace(err error) bool {
	return Is(err, ErrOutOfSpace)
}

// IsWriterConflict returns true if the error is a WriterConflict error.
func IsWriterConflict(err error) bool {
	return Is(err, ErrWriterConflict)
}

// IsDoubleRelease returns true if the error is a DoubleRelease error.
func IsDoubleRelease(err error) bool {
	return Is(err, ErrDoubleRelease)
}

// IsCorruptEntry returns true if the error is a CorruptEntry error.
func IsCorruptEntry(err error) bool {
	return Is(err, ErrCorruptEntry)
}
