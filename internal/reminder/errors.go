package reminder

import (
	"errors"
	"fmt"
)

// ErrInvalidRule is returned (wrapped) for a malformed reminder rule.
var ErrInvalidRule = errors.New("invalid reminder rule")

// RuleError names the offending field of a reminder rule.
type RuleError struct {
	Kind   Kind
	Field  string
	Reason string
	Err    error
}

func (e *RuleError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrInvalidRule, e.Kind)
	if e.Field != "" {
		msg += "." + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RuleError) Unwrap() error { return e.Err }

func (e *RuleError) Is(target error) bool { return target == ErrInvalidRule }

func invalid(kind Kind, field, reason string) error {
	return &RuleError{Kind: kind, Field: field, Reason: reason}
}
