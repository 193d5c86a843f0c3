// Package errs defines the decode error taxonomy shared by the analysis
// engine. Errors are sentinel classes wrapped with context using %w so that
// callers can classify them with errors.Is.
package errs

import (
	"errors"
	"fmt"
)

// Class is the handling class of a decode error.
type Class int

const (
	// ClassNone is returned for a nil error.
	ClassNone Class = iota
	// ClassMalformed covers input rejected before any state changed:
	// short headers, bad checksums, illegal field values.
	ClassMalformed
	// ClassUnsupported covers well-formed input the engine does not decode.
	ClassUnsupported
	// ClassViolation covers grammar violations inside a stateful parser.
	// Parsing for the owning context stops; other flows are unaffected.
	ClassViolation
	// ClassOther is anything not produced by this package.
	ClassOther
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassMalformed:
		return "malformed"
	case ClassUnsupported:
		return "unsupported"
	case ClassViolation:
		return "violation"
	default:
		return "other"
	}
}

var (
	// ErrMalformed marks a packet or unit that failed validation.
	ErrMalformed = errors.New("malformed input")
	// ErrUnsupported marks a protocol or link type the engine does not decode.
	ErrUnsupported = errors.New("unsupported protocol")
	// ErrViolation marks a protocol grammar violation.
	ErrViolation = errors.New("protocol violation")
)

// Malformed returns an ErrMalformed wrapped with a formatted reason.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrMalformed)
}

// Unsupported returns an ErrUnsupported wrapped with a formatted reason.
func Unsupported(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrUnsupported)
}

// Violation returns an ErrViolation wrapped with a formatted reason.
func Violation(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrViolation)
}

// Classify maps err onto its Class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrMalformed):
		return ClassMalformed
	case errors.Is(err, ErrUnsupported):
		return ClassUnsupported
	case errors.Is(err, ErrViolation):
		return ClassViolation
	default:
		return ClassOther
	}
}
