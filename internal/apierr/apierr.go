// Package apierr maps gateway failures onto stable HTTP statuses and
// machine-readable codes.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Kind classifies a failure. Each kind has exactly one status and code.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindBadRequest
	KindMisconfigured
	KindPaymentRequired
	KindPaymentInvalid
	KindPaymentReplayed
	KindChainRPC
	KindRateLimited
	KindUpstream
)

type attributes struct {
	status int
	code   string
}

var kinds = map[Kind]attributes{
	KindInternal:        {http.StatusInternalServerError, "internal_error"},
	KindUnauthorized:    {http.StatusUnauthorized, "unauthorized"},
	KindForbidden:       {http.StatusForbidden, "forbidden"},
	KindNotFound:        {http.StatusNotFound, "not_found"},
	KindBadRequest:      {http.StatusBadRequest, "bad_request"},
	KindMisconfigured:   {http.StatusBadRequest, "agent_misconfigured"},
	KindPaymentRequired: {http.StatusPaymentRequired, "payment_required"},
	KindPaymentInvalid:  {http.StatusPaymentRequired, "payment_invalid"},
	KindPaymentReplayed: {http.StatusPaymentRequired, "payment_replayed"},
	KindChainRPC:        {http.StatusPaymentRequired, "chain_rpc_failure"},
	KindRateLimited:     {http.StatusTooManyRequests, "rate_limited"},
	KindUpstream:        {http.StatusInternalServerError, "upstream_failure"},
}

// Status returns the HTTP status for k.
func (k Kind) Status() int {
	if a, ok := kinds[k]; ok {
		return a.status
	}
	return http.StatusInternalServerError
}

// Code returns the machine-readable code for k.
func (k Kind) Code() string {
	if a, ok := kinds[k]; ok {
		return a.code
	}
	return "internal_error"
}

// Error is a classified failure. Code overrides the kind's default code
// when set, so callers can be more specific (e.g. "agent_not_found").
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode returns the effective machine-readable code.
func (e *Error) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	return e.Kind.Code()
}

// New returns a classified error with the kind's default code.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithCode returns a classified error with an explicit code.
func WithCode(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Envelope is the JSON shape of every error response.
type Envelope struct {
	OK    bool   `json:"ok"`
	Error Detail `json:"error"`
}

type Detail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Write renders err as a JSON error response. Unclassified errors are
// reported as internal without leaking their text.
func Write(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = New(KindInternal, "internal error")
	}
	writeStatus(w, e.Kind.Status(), e.ErrorCode(), e.Message)
}

// writeStatus renders an error response with an explicit status and code.
func writeStatus(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{
		Error: Detail{
			Code:    code,
			Message: message,
		},
	})
}
