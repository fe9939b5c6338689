package util

import "github.com/pkg/errors"

// Error taxonomy shared by every package. Callers match with errors.Is; the
// wrapping layers add context with errors.Wrapf.
var (
	ErrFileNotFound       = errors.New("file not found")
	ErrInvalidFormat      = errors.New("invalid PE format")
	ErrOutOfRange         = errors.New("address out of range")
	ErrCorruptResource    = errors.New("corrupt resource directory")
	ErrCorruptVersionInfo = errors.New("corrupt version info")
	ErrUnsupportedImage   = errors.New("unsupported image")
	ErrLayoutOverflow     = errors.New("layout overflow")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrInvalidState       = errors.New("invalid state")
	ErrInvalidArgument    = errors.New("invalid argument")
)
