// Package rules provides the ordered guard pipeline used by the grant and
// request engines. Each business-rule check is a single step over a shared
// context value; a pipeline short-circuits on the first violation.
package rules

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Every violation wraps exactly one of these so callers can
// branch with errors.Is without parsing messages.
var (
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("validation failed")
	ErrAuthorization = errors.New("not authorized")
	ErrConflict      = errors.New("conflict")
	ErrState         = errors.New("invalid state transition")
)

// Code is a machine-checkable reason for a violation. Call sites branch on
// codes where the kind alone is too coarse (e.g. "not an adult" vs "not an
// official").
type Code string

// Violation is a failed rule check: a stable reason code, a human-readable
// message and the error kind it maps to.
type Violation struct {
	Code    Code
	Message string
	kind    error
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Code, v.Message)
}

// Unwrap exposes the kind sentinel for errors.Is.
func (v *Violation) Unwrap() error { return v.kind }

// Violationf builds a violation of the given kind.
func Violationf(kind error, code Code, format string, args ...any) *Violation {
	return &Violation{Code: code, Message: fmt.Sprintf(format, args...), kind: kind}
}

// CodeOf extracts the reason code from an error, or "" when the error is not
// a violation.
func CodeOf(err error) Code {
	var v *Violation
	if errors.As(err, &v) {
		return v.Code
	}
	return ""
}

// Step is one guard in a pipeline. Steps must be pure with respect to the
// context value: they may read it and query external ports, never mutate
// shared state, so they can be tested in isolation and reordered safely.
type Step[C any] func(ctx context.Context, c C) *Violation

// RunAll evaluates steps in declared order and returns the first violation,
// or nil when every step passes.
func RunAll[C any](ctx context.Context, c C, steps ...Step[C]) error {
	for _, step := range steps {
		if v := step(ctx, c); v != nil {
			return v
		}
	}
	return nil
}
