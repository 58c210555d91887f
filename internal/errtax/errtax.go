// Package errtax implements the error taxonomy every public operation in
// solvent returns instead of panicking on user-supplied input.
package errtax

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Kind identifies which row of the taxonomy an Error belongs to.
type Kind int

const (
	// Parse covers match-spec and version grammar failures.
	Parse Kind = iota
	// Io covers file and lock operations.
	Io
	// Network covers HTTP fetch failures.
	Network
	// CacheCorrupted covers a cached file that fails to parse or verify.
	CacheCorrupted
	// Unsolvable covers a solver request with no solution.
	Unsolvable
	// Conflict covers a link step finding a pre-existing, non-owned file.
	Conflict
	// UserInterrupted covers cancellation via the caller's cancel token.
	UserInterrupted
	// PrefixNotFound covers a missing or invalid prefix directory.
	PrefixNotFound
	// LockTimeout covers lock acquisition exceeding the configured backoff.
	LockTimeout
)

func (k Kind) String() string {
	switch k {
	case Parse:
		return "parse"
	case Io:
		return "io"
	case Network:
		return "network"
	case CacheCorrupted:
		return "cache_corrupted"
	case Unsolvable:
		return "unsolvable"
	case Conflict:
		return "conflict"
	case UserInterrupted:
		return "user_interrupted"
	case PrefixNotFound:
		return "prefix_not_found"
	case LockTimeout:
		return "lock_timeout"
	default:
		return "unknown"
	}
}

// Error is the single result-carrying error type used across solvent.
// Its Kind determines how a caller should react; its fields carry
// enough context to render a useful message without re-deriving it.
type Error struct {
	Kind Kind

	// What/Input/Detail are populated for Parse errors.
	What, Input, Detail string

	// Path is populated for Io, CacheCorrupted and Conflict errors.
	Path string

	// URL and Status are populated for Network errors.
	URL    string
	Status int

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case Parse:
		return fmt.Sprintf("parse %s %q: %s", e.What, e.Input, e.Detail)
	case Io:
		if e.Err != nil {
			return fmt.Sprintf("io %s: %s", e.Path, e.Err)
		}
		return fmt.Sprintf("io %s", e.Path)
	case Network:
		if e.Status != 0 {
			return fmt.Sprintf("network %s: status %d", e.URL, e.Status)
		}
		if e.Err != nil {
			return fmt.Sprintf("network %s: %s", e.URL, e.Err)
		}
		return fmt.Sprintf("network %s", e.URL)
	case CacheCorrupted:
		return fmt.Sprintf("cache corrupted: %s", e.Path)
	case Conflict:
		return fmt.Sprintf("conflict: %s already exists and is not owned by this package", e.Path)
	case PrefixNotFound:
		return fmt.Sprintf("prefix not found: %s", e.Path)
	case LockTimeout:
		return fmt.Sprintf("timed out acquiring lock: %s", e.Path)
	case UserInterrupted:
		return "interrupted"
	case Unsolvable:
		if e.Err != nil {
			return e.Err.Error()
		}
		return "unsolvable"
	default:
		return "unknown error"
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ExitKind is the §6.5 taxonomy a driver maps an Error (or nil) onto to
// decide a process exit code. The core never decides process exit
// codes itself; it only exposes the mapping.
type ExitKind int

const (
	Ok ExitKind = iota
	ExitUserInterrupted
	ExitNetwork
	ExitCacheCorrupted
	ExitParseError
	ExitUnsolvable
	ExitPrefixNotFound
	ExitLockTimeout
)

// ToExitKind maps err (expected to be nil or *Error) onto an ExitKind.
func ToExitKind(err error) ExitKind {
	if err == nil {
		return Ok
	}
	e, ok := err.(*Error)
	if !ok {
		return ExitNetwork // unknown errors default to the most conservative retire path
	}
	switch e.Kind {
	case UserInterrupted:
		return ExitUserInterrupted
	case Network:
		return ExitNetwork
	case CacheCorrupted:
		return ExitCacheCorrupted
	case Parse:
		return ExitParseError
	case Unsolvable:
		return ExitUnsolvable
	case PrefixNotFound:
		return ExitPrefixNotFound
	case LockTimeout:
		return ExitLockTimeout
	default:
		return ExitNetwork
	}
}

// NewParse builds a Parse error.
func NewParse(what, input, detail string) *Error {
	return &Error{Kind: Parse, What: what, Input: input, Detail: detail}
}

// NewIo wraps err as an Io error rooted at path.
func NewIo(path string, err error) *Error {
	return &Error{Kind: Io, Path: path, Err: err}
}

// NewNetwork wraps err as a Network error for url, optionally carrying
// the HTTP status code that triggered it (0 if none).
func NewNetwork(url string, status int, err error) *Error {
	return &Error{Kind: Network, URL: url, Status: status, Err: err}
}

// NewCacheCorrupted builds a CacheCorrupted error for the given cache path.
func NewCacheCorrupted(path string, err error) *Error {
	return &Error{Kind: CacheCorrupted, Path: path, Err: err}
}

// NewConflict builds a Conflict error for the given on-disk path.
func NewConflict(path string) *Error {
	return &Error{Kind: Conflict, Path: path}
}

// NewPrefixNotFound builds a PrefixNotFound error.
func NewPrefixNotFound(path string) *Error {
	return &Error{Kind: PrefixNotFound, Path: path}
}

// NewLockTimeout builds a LockTimeout error.
func NewLockTimeout(path string) *Error {
	return &Error{Kind: LockTimeout, Path: path}
}

// Interrupted is the sentinel UserInterrupted error; cancellation never
// carries additional context beyond "this token fired".
var Interrupted = &Error{Kind: UserInterrupted}

// Aggregate combines multiple errors (e.g. from a downloader pool) into
// a single error value, per the Design Notes normalization of
// expected<T, single_error> and expected<T, aggregated_error[]> into one
// result type whose aggregation case is a list inside a single variant.
func Aggregate(errs ...error) error {
	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr == nil {
		return nil
	}
	return merr
}
