// Package errs holds the single discriminated error type used across the
// authorization pipeline. Callers branch on Kind and Code, never on Go types.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindConfiguration   Kind = "configuration"
	KindPolicyViolation Kind = "policy_violation"
	KindValidation      Kind = "validation"
	KindNetwork         Kind = "network"
	KindSignature       Kind = "signature"
	KindProposal        Kind = "proposal"
	KindExecution       Kind = "execution"
)

// Error carries a stable machine readable Code and a redacted Message.
// Context must only hold non-secret values; it is returned to callers verbatim.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, code, message string, context map[string]any) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Context: context}
}

func Wrap(kind Kind, code, message string, err error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Configuration(code, message string) *Error {
	return New(KindConfiguration, code, message, nil)
}

func PolicyViolation(code, message string, context map[string]any) *Error {
	return New(KindPolicyViolation, code, message, context)
}

func Validation(code, message string, context map[string]any) *Error {
	return New(KindValidation, code, message, context)
}

func Network(code, message string, err error) *Error {
	return Wrap(KindNetwork, code, message, err)
}

func Signature(code, message string, err error) *Error {
	return Wrap(KindSignature, code, message, err)
}

func Proposal(code, message string) *Error {
	return New(KindProposal, code, message, nil)
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether resubmitting the same request is safe and may succeed.
// Only network failures qualify: nothing was recorded for them.
func IsRetryable(err error) bool {
	return Is(err, KindNetwork)
}
