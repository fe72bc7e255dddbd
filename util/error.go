// Package util carries the error plumbing of the startup paths: errors
// annotated with the log fields describing what was being brought up
// when they happened.
package util

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ContextualError is an error bundled with a message and logrus fields.
// Startup and config paths return it instead of logging directly, so
// whoever owns the logger emits one structured line at the top level.
type ContextualError struct {
	RealError error
	Fields    map[string]any
	Context   string
}

func NewContextualError(msg string, fields map[string]any, realError error) *ContextualError {
	return &ContextualError{Context: msg, Fields: fields, RealError: realError}
}

// ContextualizeIfNeeded wraps err with the fallback message msg, unless
// it already carries its own context.
func ContextualizeIfNeeded(msg string, err error) error {
	switch err.(type) {
	case *ContextualError:
		return err
	default:
		return NewContextualError(msg, nil, err)
	}
}

// LogWithContextIfNeeded emits one error line for err: its own context
// and fields when it has them, the fallback message msg when it does
// not.
func LogWithContextIfNeeded(msg string, err error, l *logrus.Logger) {
	switch v := err.(type) {
	case *ContextualError:
		v.Log(l)
	default:
		l.WithError(err).Error(msg)
	}
}

func (ce *ContextualError) Error() string {
	switch {
	case ce.RealError == nil:
		return ce.Context
	case len(ce.Fields) == 0:
		return fmt.Sprintf("%s: %s", ce.Context, ce.RealError)
	default:
		return fmt.Sprintf("%s %v: %s", ce.Context, ce.Fields, ce.RealError)
	}
}

func (ce *ContextualError) Unwrap() error {
	if ce.RealError == nil {
		return errors.New(ce.Context)
	}
	return ce.RealError
}

// Log writes the error as one structured line on l.
func (ce *ContextualError) Log(l *logrus.Logger) {
	if ce.RealError != nil {
		l.WithFields(ce.Fields).WithError(ce.RealError).Error(ce.Context)
	} else {
		l.WithFields(ce.Fields).Error(ce.Context)
	}
}
