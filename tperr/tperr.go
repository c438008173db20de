// Package tperr defines the typed errors shared by all tensorparallel packages.
//
// Every failure surfaced to users is classified by a Kind: configuration
// mistakes, shapes that cannot be partitioned, calls in the wrong lifecycle
// state, aborted collective operations and backends started in an environment
// they don't support. Errors carry the device rank and the parameter path when
// those are known, so a failure inside a worker can be traced back to the
// device and tensor that caused it.
//
// Errors are created with the per-kind constructors (Configf, Shapef, ...) and
// tested with IsKind or errors.As:
//
//	if tperr.IsKind(err, tperr.Shape) { ... }
//
// All errors carry a stack trace from creation, printable with %+v.
package tperr

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Kind discriminates the failure classes surfaced by the library.
type Kind int

const (
	// Config indicates an invalid or internally conflicting configuration:
	// bad device plans, contradictory slicing rules, unsupported option
	// combinations.
	Config Kind = iota

	// Shape indicates a tensor whose shape cannot be partitioned as
	// requested, e.g. an axis not divisible by the number of devices when
	// padding is disabled.
	Shape

	// Lifecycle indicates an operation invoked on a wrapped model in a state
	// that doesn't allow it, e.g. Forward after Done.
	Lifecycle

	// Collective indicates a collective operation (all-reduce, all-gather,
	// broadcast, barrier) that was aborted: a participant failed, timed out
	// or diverged from the group.
	Collective

	// BackendMismatch indicates an execution backend instantiated in an
	// environment it doesn't support, e.g. the process-group backend without
	// a launcher-provided rank.
	BackendMismatch
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Config:
		return "config error"
	case Shape:
		return "shape error"
	case Lifecycle:
		return "lifecycle error"
	case Collective:
		return "collective error"
	case BackendMismatch:
		return "backend mismatch"
	}
	return fmt.Sprintf("unknown error kind (%d)", int(k))
}

// NoRank is the Rank reported by errors that are not specific to any device.
const NoRank = -1

// Error is the typed error returned by the tensorparallel packages.
//
// Use the package constructors to create one; the zero value is not valid.
type Error struct {
	kind Kind
	rank int
	path string

	// cause carries the message and the stack trace (github.com/pkg/errors).
	cause error
}

// Kind returns the failure class of the error.
func (e *Error) Kind() Kind { return e.kind }

// Rank returns the device rank the error happened on, or NoRank if the error
// is not specific to a device.
func (e *Error) Rank() int { return e.rank }

// Path returns the parameter or module path the error refers to, or "" when
// not applicable.
func (e *Error) Path() string { return e.path }

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.kind.String())
	if e.rank != NoRank {
		_, _ = fmt.Fprintf(&b, " (rank %d)", e.rank)
	}
	if e.path != "" {
		_, _ = fmt.Fprintf(&b, " at %q", e.path)
	}
	b.WriteString(": ")
	b.WriteString(e.cause.Error())
	return b.String()
}

// Unwrap returns the underlying cause, which carries the stack trace.
func (e *Error) Unwrap() error { return e.cause }

// Format implements fmt.Formatter: %+v includes the stack trace collected at
// creation.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = io.WriteString(s, e.kind.String())
		if e.rank != NoRank {
			_, _ = fmt.Fprintf(s, " (rank %d)", e.rank)
		}
		if e.path != "" {
			_, _ = fmt.Fprintf(s, " at %q", e.path)
		}
		_, _ = fmt.Fprintf(s, ": %+v", e.cause)
		return
	}
	_, _ = io.WriteString(s, e.Error())
}

// Configf returns a Config error with the given message.
func Configf(format string, args ...any) error {
	return &Error{kind: Config, rank: NoRank, cause: errors.Errorf(format, args...)}
}

// Shapef returns a Shape error about the parameter at the given path.
// Pass path="" if the error is not about one specific parameter.
func Shapef(path string, format string, args ...any) error {
	return &Error{kind: Shape, rank: NoRank, path: path, cause: errors.Errorf(format, args...)}
}

// Lifecyclef returns a Lifecycle error with the given message.
func Lifecyclef(format string, args ...any) error {
	return &Error{kind: Lifecycle, rank: NoRank, cause: errors.Errorf(format, args...)}
}

// Collectivef returns a Collective error attributed to the given device rank.
// Use NoRank when the failing rank is unknown.
func Collectivef(rank int, format string, args ...any) error {
	return &Error{kind: Collective, rank: rank, cause: errors.Errorf(format, args...)}
}

// BackendMismatchf returns a BackendMismatch error with the given message.
func BackendMismatchf(format string, args ...any) error {
	return &Error{kind: BackendMismatch, rank: NoRank, cause: errors.Errorf(format, args...)}
}

// Wrapf annotates err with a Kind and a message, keeping err in the chain for
// errors.Is/errors.As. It returns nil if err is nil.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, rank: NoRank, cause: errors.Wrapf(err, format, args...)}
}

// WrapCollectivef is Wrapf for Collective errors, attributing err to a device
// rank. It returns nil if err is nil.
func WrapCollectivef(rank int, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{kind: Collective, rank: rank, cause: errors.Wrapf(err, format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain.
// The second result is false if there is none.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return 0, false
	}
	return e.kind, true
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.kind == kind
}

// RankOf returns the device rank of the first *Error in err's chain, or
// NoRank if there is none or the error is not rank-specific.
func RankOf(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return NoRank
	}
	return e.rank
}

// PathOf returns the parameter path of the first *Error in err's chain, or ""
// if there is none or the error is not parameter-specific.
func PathOf(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.path
}
