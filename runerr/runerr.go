// Copyright 2024, the K2Mem contributors.

// Package runerr holds the error taxonomy of a k2mem run.  Every
// failure is terminal for the run; the category decides how the
// command line front end reports it and which exit status it uses.
package runerr

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Category groups error kinds by how they are reported.
type Category int

const (
	// Configuration errors come from bad flags and are reported
	// with usage guidance.
	Configuration Category = iota + 1

	// Database errors name the missing directory or file.
	Database

	// Resource errors carry the underlying OS error.
	Resource

	// Subprocess errors name the phase and its exit status.
	Subprocess
)

func (c Category) String() string {
	switch c {
	case Configuration:
		return "ConfigurationError"
	case Database:
		return "DatabaseError"
	case Resource:
		return "ResourceError"
	case Subprocess:
		return "SubprocessError"
	}
	return "UnknownError"
}

// Kind is a specific failure.
type Kind string

const (
	MissingInputs               Kind = "MissingInputs"
	InvalidConfidence           Kind = "InvalidConfidence"
	ConflictingCompressionFlags Kind = "ConflictingCompressionFlags"
	InvalidPairedInputCount     Kind = "InvalidPairedInputCount"
	InvalidThreadCount          Kind = "InvalidThreadCount"
	InvalidMinimumQuality       Kind = "InvalidMinimumQuality"
	InvalidMaxIteration         Kind = "InvalidMaxIteration"

	DatabaseNotFound    Kind = "DatabaseNotFound"
	DatabaseFileMissing Kind = "DatabaseFileMissing"

	MapDeletionFailed        Kind = "MapDeletionFailed"
	MapCreationFailed        Kind = "MapCreationFailed"
	DecompressionSpawnFailed Kind = "DecompressionSpawnFailed"
	DescriptorFlagError      Kind = "DescriptorFlagError"

	ExecutableNotFound  Kind = "ExecutableNotFound"
	SearchPhaseFailed   Kind = "SearchPhaseFailed"
	ClassifyPhaseFailed Kind = "ClassifyPhaseFailed"
)

var categories = map[Kind]Category{
	MissingInputs:               Configuration,
	InvalidConfidence:           Configuration,
	ConflictingCompressionFlags: Configuration,
	InvalidPairedInputCount:     Configuration,
	InvalidThreadCount:          Configuration,
	InvalidMinimumQuality:       Configuration,
	InvalidMaxIteration:         Configuration,

	DatabaseNotFound:    Database,
	DatabaseFileMissing: Database,

	MapDeletionFailed:        Resource,
	MapCreationFailed:        Resource,
	DecompressionSpawnFailed: Resource,
	DescriptorFlagError:      Resource,

	ExecutableNotFound:  Subprocess,
	SearchPhaseFailed:   Subprocess,
	ClassifyPhaseFailed: Subprocess,
}

// Category returns the category the kind belongs to.
func (k Kind) Category() Category {
	return categories[k]
}

// Error reports a failed run.
type Error struct {
	Kind Kind

	// Msg is a human readable description of what went wrong.
	Msg string

	// Path is the file or directory involved, if any.
	Path string

	// Phase is the phase name for subprocess failures.
	Phase string

	// ExitCode is the exit status of a failed phase, or -1 if it
	// was killed by a signal.
	ExitCode int

	// Signal names the signal that killed a failed phase, and
	// SignalNum is its number.
	Signal    string
	SignalNum int

	Err error
}

// New returns an error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind caused by err.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// WithPath records the file or directory the error is about.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Msg)
	if e.Phase != "" && e.Kind.Category() == Subprocess && e.Err == nil {
		if e.Signal != "" {
			fmt.Fprintf(&b, " (killed by signal %s)", e.Signal)
		} else {
			fmt.Fprintf(&b, " (exit status %d)", e.ExitCode)
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Category returns the category of the error kind.
func (e *Error) Category() Category { return e.Kind.Category() }

// As returns the run error in err's chain, if any.
func As(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// KindOf returns the kind of the run error in err's chain, or the empty
// kind.
func KindOf(err error) Kind {
	if re, ok := As(err); ok {
		return re.Kind
	}
	return ""
}

// Is reports whether err is a run error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CategoryOf returns the category of the run error in err's chain, or
// zero for foreign errors.
func CategoryOf(err error) Category {
	if re, ok := As(err); ok {
		return re.Category()
	}
	return 0
}

const (
	// ExitUsage is the exit status for usage and configuration
	// errors.
	ExitUsage = 2

	// ExitFatal is the exit status for all other failures.
	ExitFatal = 1
)

// ExitStatus maps err to the process exit status.  A failed phase
// propagates its own exit status, or 128+signal when it was killed.
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}
	re, ok := As(err)
	if !ok {
		return ExitFatal
	}
	switch re.Category() {
	case Configuration:
		return ExitUsage
	case Subprocess:
		if re.Kind == SearchPhaseFailed || re.Kind == ClassifyPhaseFailed {
			if re.ExitCode > 0 && re.ExitCode < 256 {
				return re.ExitCode
			}
			if re.ExitCode < 0 && re.SignalNum > 0 {
				return 128 + re.SignalNum
			}
		}
	}
	return ExitFatal
}
