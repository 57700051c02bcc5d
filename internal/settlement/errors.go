package settlement

import "fmt"

// Reason is a machine-readable verification failure.
type Reason string

const (
	ReasonMalformed         Reason = "malformed_reference"
	ReasonUnsupportedScheme Reason = "unsupported_scheme"
	ReasonNoReceipt         Reason = "receipt_not_found"
	ReasonReverted          Reason = "transaction_reverted"
	ReasonNoMatch           Reason = "no_matching_transfer"
	ReasonRPC               Reason = "rpc_failure"
	ReasonReplayed          Reason = "payment_replayed"
)

var messages = map[Reason]string{
	ReasonMalformed:         "transaction reference is not a valid transaction hash",
	ReasonUnsupportedScheme: "requirement has no scheme this gateway can verify",
	ReasonNoReceipt:         "no receipt found for transaction; retry once it is mined",
	ReasonReverted:          "transaction reverted on-chain",
	ReasonNoMatch:           "transaction contains no transfer of the required amount to the payee",
	ReasonRPC:               "chain RPC failed while verifying payment; retry later",
	ReasonReplayed:          "transaction has already been used to pay for another execution",
}

// Error reports why a proof does not satisfy a requirement.
type Error struct {
	Reason    Reason
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message()
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the caller-facing description of the failure. It never
// includes the underlying cause.
func (e *Error) Message() string {
	if m, ok := messages[e.Reason]; ok {
		return m
	}
	return string(e.Reason)
}

func newError(reason Reason, retryable bool, err error) *Error {
	return &Error{Reason: reason, Retryable: retryable, Err: err}
}
