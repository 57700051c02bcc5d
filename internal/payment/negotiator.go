package payment

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrNonPositivePrice = errors.New("price must be positive")
	ErrNegativePrice    = errors.New("price must not be negative")
	ErrInvalidPayee     = errors.New("payee is not a valid address")
	ErrBelowMinorUnit   = errors.New("price rounds to zero minor units")
)

// Chain describes the settlement chain and its payment asset.
type Chain struct {
	Network       string
	ChainID       int64
	RPCURL        string
	Asset         common.Address
	AssetDecimals int32
	AssetName     string
	AssetVersion  string
}

// Negotiator builds payment requirements for a fixed chain configuration.
// It is stateless and safe for concurrent use.
type Negotiator struct {
	chain      Chain
	schemes    []Scheme
	maxTimeout int
}

// NewNegotiator validates the scheme list. Schemes are published in the
// order given.
func NewNegotiator(chain Chain, schemes []Scheme, maxTimeoutSeconds int) (*Negotiator, error) {
	if len(schemes) == 0 {
		return nil, errors.New("at least one payment scheme is required")
	}
	seen := make(map[Scheme]bool, len(schemes))
	for _, s := range schemes {
		if !s.Valid() {
			return nil, fmt.Errorf("unsupported payment scheme %q", s)
		}
		if seen[s] {
			return nil, fmt.Errorf("duplicate payment scheme %q", s)
		}
		seen[s] = true
	}
	if maxTimeoutSeconds <= 0 {
		maxTimeoutSeconds = 300
	}
	return &Negotiator{
		chain:      chain,
		schemes:    append([]Scheme(nil), schemes...),
		maxTimeout: maxTimeoutSeconds,
	}, nil
}

// Chain returns the chain configuration requirements are built for.
func (n *Negotiator) Chain() Chain {
	return n.chain
}

// Negotiate returns the requirement for paying price to payTo for one
// execution of resource. Identical inputs produce identical requirements.
func (n *Negotiator) Negotiate(price decimal.Decimal, payTo, resource, description string) (*Requirement, error) {
	if !price.IsPositive() {
		return nil, ErrNonPositivePrice
	}
	if !common.IsHexAddress(payTo) {
		return nil, ErrInvalidPayee
	}
	amount, err := ToMinorUnits(price, n.chain.AssetDecimals)
	if err != nil {
		return nil, err
	}
	if amount.Sign() == 0 {
		return nil, ErrBelowMinorUnit
	}

	base := Accept{
		Network:           n.chain.Network,
		ChainID:           n.chain.ChainID,
		Resource:          resource,
		Description:       description,
		MimeType:          "application/json",
		MaxTimeoutSeconds: n.maxTimeout,
		Asset:             n.chain.Asset.Hex(),
		PayTo:             payTo,
		MaxAmountRequired: amount.String(),
	}

	req := &Requirement{
		X402Version: Version,
		Accepts:     make([]Accept, 0, len(n.schemes)),
	}
	for _, s := range n.schemes {
		a := base
		a.Scheme = s
		a.Extra = n.extra(s)
		req.Accepts = append(req.Accepts, a)
	}
	return req, nil
}

func (n *Negotiator) extra(s Scheme) Extra {
	switch s {
	case SchemeExact:
		return ExactExtra{Name: n.chain.AssetName, Version: n.chain.AssetVersion}
	default:
		return DirectExtra{
			Mode: "erc20-transfer",
			Note: fmt.Sprintf("Transfer exactly maxAmountRequired units of %s to payTo on %s, then retry with the transaction hash in the %s header.",
				n.chain.AssetName, n.chain.Network, HeaderTxHash),
		}
	}
}

// ToMinorUnits converts a decimal price into integer minor units of an asset
// with the given number of decimals, rounding half away from zero once.
func ToMinorUnits(price decimal.Decimal, decimals int32) (*big.Int, error) {
	if price.IsNegative() {
		return nil, ErrNegativePrice
	}
	if decimals < 0 {
		return nil, fmt.Errorf("invalid asset decimals %d", decimals)
	}
	return price.Shift(decimals).Round(0).BigInt(), nil
}
