// Package romerr classifies the ways loading a ROM or starting the host can
// fail, so the CLI can map a failure to the right process exit code instead
// of exiting 1 for everything.
package romerr

// Kind categorizes a startup failure.
type Kind int

const (
	// RomInvalid means the file isn't a valid iNES image (bad magic,
	// truncated, corrupt header).
	RomInvalid Kind = iota
	// RomUnsupported means the header parsed fine but names a mapper or
	// feature this build doesn't implement.
	RomUnsupported
	// IoError means the filesystem operation itself failed (missing file,
	// permission denied, short read).
	IoError
	// HostUnavailable means the windowing/audio backend couldn't start.
	HostUnavailable
)

func (k Kind) String() string {
	switch k {
	case RomInvalid:
		return "RomInvalid"
	case RomUnsupported:
		return "RomUnsupported"
	case IoError:
		return "IoError"
	case HostUnavailable:
		return "HostUnavailable"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a Kind so callers can decide an exit
// code without string-matching the message.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with the given kind. Returns nil if err is nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// ExitCode maps a Kind to the process exit code the CLI contract defines:
// 0 clean, 1 ROM/IO failure, 2 unsupported mapper or feature.
func (k Kind) ExitCode() int {
	switch k {
	case RomUnsupported:
		return 2
	case HostUnavailable:
		return 1
	default:
		return 1
	}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, defaulting to IoError for anything else.
func KindOf(err error) Kind {
	var romErr *Error
	for e := err; e != nil; {
		if re, ok := e.(*Error); ok {
			romErr = re
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if romErr != nil {
		return romErr.Kind
	}
	return IoError
}
