package wisckey

import "github.com/pkg/errors"

// Error kinds. Callers classify wrapped errors with the Is* helpers; wrapping
// through this package and github.com/pkg/errors preserves the kind.
var (
	// ErrNotFound is returned when a key or a value log file is absent.
	ErrNotFound = errors.New("wisckey: not found")
	// ErrCorruption signals an unreadable record, handle or manifest entry.
	ErrCorruption = errors.New("wisckey: corruption")
	// ErrIO wraps filesystem and LSM failures.
	ErrIO = errors.New("wisckey: io error")
	// ErrInvalidArgument is returned for unusable parameters, and by the GC
	// write callback when a key was concurrently overwritten.
	ErrInvalidArgument = errors.New("wisckey: invalid argument")
	// ErrNotSupported is returned for operations the engine does not implement.
	ErrNotSupported = errors.New("wisckey: not supported")
	// ErrNonFatal aborts a single background GC round without latching the
	// background error state; the next round schedules normally.
	ErrNonFatal = errors.New("wisckey: non-fatal")
	// ErrClosed is returned once the database has been closed.
	ErrClosed = errors.New("wisckey: closed")
)

func IsNotFound(err error) bool        { return errors.Is(err, ErrNotFound) }
func IsCorruption(err error) bool      { return errors.Is(err, ErrCorruption) }
func IsNonFatal(err error) bool        { return errors.Is(err, ErrNonFatal) }
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// isFatal reports whether a background status should stop further GC
// scheduling. nil and NonFatal statuses are benign.
func isFatal(err error) bool {
	return err != nil && !IsNonFatal(err)
}

func nonFatalf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrNonFatal, format, args...)
}

func corruptf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorruption, format, args...)
}
