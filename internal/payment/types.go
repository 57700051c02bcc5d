package payment

import "encoding/json"

// Version is the protocol version carried by every requirement.
const Version = 1

// HTTP headers of the payment negotiation.
const (
	HeaderVersion         = "X-402-Version"
	HeaderTxHash          = "X-Tx-Hash"
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
	HeaderPaymentError    = "X-Payment-Error"
)

// Scheme tags an accept option with the settlement method it expects.
type Scheme string

const (
	// SchemeExact is an exact-amount transferWithAuthorization (EIP-3009)
	// settled on-chain by the payer or a facilitator.
	SchemeExact Scheme = "exact"
	// SchemeDirect is a plain ERC-20 transfer sent by the payer.
	SchemeDirect Scheme = "direct"
)

// Valid reports whether s is a known scheme.
func (s Scheme) Valid() bool {
	return s == SchemeExact || s == SchemeDirect
}

// Extra holds the scheme-specific fields of an accept option. Each scheme
// has exactly one Extra type.
type Extra interface {
	Scheme() Scheme
}

// ExactExtra carries the EIP-712 domain of the asset, needed by payers to
// sign a transferWithAuthorization.
type ExactExtra struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (ExactExtra) Scheme() Scheme { return SchemeExact }

// DirectExtra tells payers how a direct transfer is recognized.
type DirectExtra struct {
	Mode string `json:"mode"`
	Note string `json:"note"`
}

func (DirectExtra) Scheme() Scheme { return SchemeDirect }

// Accept is one way of satisfying a requirement.
type Accept struct {
	Scheme            Scheme `json:"scheme"`
	Network           string `json:"network"`
	ChainID           int64  `json:"chainId"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Extra             Extra  `json:"extra"`
}

// UnmarshalJSON decodes Extra into the concrete type named by Scheme.
func (a *Accept) UnmarshalJSON(data []byte) error {
	type plain Accept
	var raw struct {
		plain
		Extra json.RawMessage `json:"extra"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = Accept(raw.plain)

	switch a.Scheme {
	case SchemeExact:
		var e ExactExtra
		if len(raw.Extra) > 0 && string(raw.Extra) != "null" {
			if err := json.Unmarshal(raw.Extra, &e); err != nil {
				return err
			}
		}
		a.Extra = e
	case SchemeDirect:
		var e DirectExtra
		if len(raw.Extra) > 0 && string(raw.Extra) != "null" {
			if err := json.Unmarshal(raw.Extra, &e); err != nil {
				return err
			}
		}
		a.Extra = e
	default:
		a.Extra = nil
	}
	return nil
}

// Requirement is the body of a 402 response.
type Requirement struct {
	X402Version int      `json:"x402Version"`
	Accepts     []Accept `json:"accepts"`
	Error       string   `json:"error"`
	// Reason is the machine-readable cause of a rejected proof.
	Reason string `json:"reason,omitempty"`
}

// WithError returns a copy of r carrying the given reason and message. The
// accepts slice is shared.
func (r *Requirement) WithError(reason, msg string) *Requirement {
	cp := *r
	cp.Reason = reason
	cp.Error = msg
	return &cp
}
