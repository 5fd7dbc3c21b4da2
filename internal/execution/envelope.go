package execution

import (
	"encoding/json"

	"github.com/yukia3e/trading-agent-signer/internal/errs"
)

type envelope struct {
	OK    bool           `json:"ok"`
	Data  any            `json:"data,omitempty"`
	Error *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Kind      errs.Kind      `json:"kind"`
	Retryable bool           `json:"retryable"`
	Data      map[string]any `json:"data"`
}

// Envelope renders the uniform response: {"ok":true,"data":...} on success,
// {"ok":false,"error":{...}} otherwise. Only the redacted message and the
// non-secret context of a classified error are exposed; anything else is
// reported as internal_error.
func Envelope(data any, err error) ([]byte, error) {
	if err == nil {
		if data == nil {
			data = map[string]any{}
		}
		return json.MarshalIndent(envelope{OK: true, Data: data}, "", "  ")
	}

	out := &envelopeError{
		Code:    "internal_error",
		Message: "internal error",
		Kind:    errs.KindExecution,
		Data:    map[string]any{},
	}
	if e, ok := errs.As(err); ok {
		out.Code = e.Code
		out.Message = e.Message
		out.Kind = e.Kind
		out.Retryable = errs.IsRetryable(err)
		if e.Context != nil {
			out.Data = e.Context
		}
	}
	return json.MarshalIndent(envelope{OK: false, Error: out}, "", "  ")
}
