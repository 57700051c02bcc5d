package settlement

import (
	"context"
	"errors"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/alecgard/dexy/internal/payment"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const transferABI = `[{"anonymous":false,"inputs":[
	{"indexed":true,"name":"from","type":"address"},
	{"indexed":true,"name":"to","type":"address"},
	{"indexed":false,"name":"value","type":"uint256"}
],"name":"Transfer","type":"event"}]`

var (
	transferEvent = mustTransferEvent()
	txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

func mustTransferEvent() abi.Event {
	parsed, err := abi.JSON(strings.NewReader(transferABI))
	if err != nil {
		panic(err)
	}
	return parsed.Events["Transfer"]
}

// ReceiptFetcher is the chain access the verifier needs. *ethclient.Client
// satisfies it.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// MetricsRecorder is an optional interface for verification outcomes.
type MetricsRecorder interface {
	ObserveSettlement(outcome string, seconds float64)
}

// Result describes the transfer that satisfied a requirement.
type Result struct {
	Transaction string         `json:"transaction"`
	Scheme      payment.Scheme `json:"scheme"`
	Network     string         `json:"network"`
	ChainID     int64          `json:"chainId"`
	Asset       string         `json:"asset"`
	Value       string         `json:"value"`
	From        string         `json:"from"`
	To          string         `json:"to"`
}

// Verifier checks on-chain receipts against payment requirements. It only
// reads from the chain and is safe for concurrent use.
type Verifier struct {
	client  ReceiptFetcher
	timeout time.Duration
	metrics MetricsRecorder
}

// NewVerifier creates a verifier that bounds each receipt fetch by timeout.
func NewVerifier(client ReceiptFetcher, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Verifier{client: client, timeout: timeout}
}

// SetMetrics sets the optional metrics recorder.
func (v *Verifier) SetMetrics(m MetricsRecorder) {
	v.metrics = m
}

// Verify reports whether the transaction ref satisfies one of req's accept
// options. The receipt is fetched once; options are tried in order and the
// first satisfied one wins. Failures are *Error.
func (v *Verifier) Verify(ctx context.Context, ref string, req *payment.Requirement) (*Result, error) {
	start := time.Now()
	res, err := v.verify(ctx, ref, req)
	if v.metrics != nil {
		outcome := "settled"
		var e *Error
		if errors.As(err, &e) {
			outcome = string(e.Reason)
		}
		v.metrics.ObserveSettlement(outcome, time.Since(start).Seconds())
	}
	return res, err
}

func (v *Verifier) verify(ctx context.Context, ref string, req *payment.Requirement) (*Result, error) {
	ref = strings.TrimSpace(ref)
	if !txHashPattern.MatchString(ref) {
		return nil, newError(ReasonMalformed, false, nil)
	}
	hash := common.HexToHash(ref)

	accepts := supported(req)
	if len(accepts) == 0 {
		return nil, newError(ReasonUnsupportedScheme, false, nil)
	}

	receipt, err := v.fetch(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, newError(ReasonReverted, false, nil)
	}

	for _, a := range accepts {
		if t, ok := matchTransfer(receipt.Logs, a); ok {
			return &Result{
				Transaction: hash.Hex(),
				Scheme:      a.Scheme,
				Network:     a.Network,
				ChainID:     a.ChainID,
				Asset:       common.HexToAddress(a.Asset).Hex(),
				Value:       t.value.String(),
				From:        t.from.Hex(),
				To:          t.to.Hex(),
			}, nil
		}
	}
	return nil, newError(ReasonNoMatch, false, nil)
}

func (v *Verifier) fetch(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	rctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	receipt, err := v.client.TransactionReceipt(rctx, hash)
	switch {
	case err == nil && receipt != nil:
		return receipt, nil
	case err == nil, errors.Is(err, ethereum.NotFound):
		return nil, newError(ReasonNoReceipt, true, err)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// Our own timeout, not the caller's: the receipt is simply not
		// available yet as far as we can tell.
		return nil, newError(ReasonNoReceipt, true, err)
	default:
		return nil, newError(ReasonRPC, true, err)
	}
}

// supported filters req's accepts down to schemes verified by receipt
// scanning.
func supported(req *payment.Requirement) []payment.Accept {
	if req == nil {
		return nil
	}
	out := make([]payment.Accept, 0, len(req.Accepts))
	for _, a := range req.Accepts {
		if a.Scheme.Valid() {
			out = append(out, a)
		}
	}
	return out
}

type transfer struct {
	from  common.Address
	to    common.Address
	value *big.Int
}

// matchTransfer finds a Transfer log emitted by a's asset paying exactly
// a.MaxAmountRequired to a.PayTo.
func matchTransfer(logs []*types.Log, a payment.Accept) (transfer, bool) {
	if !common.IsHexAddress(a.Asset) || !common.IsHexAddress(a.PayTo) {
		return transfer{}, false
	}
	want, ok := new(big.Int).SetString(a.MaxAmountRequired, 10)
	if !ok || want.Sign() <= 0 {
		return transfer{}, false
	}
	asset := common.HexToAddress(a.Asset)
	payTo := common.HexToAddress(a.PayTo)

	for _, l := range logs {
		if l == nil || l.Removed || l.Address != asset {
			continue
		}
		t, ok := decodeTransfer(l)
		if !ok {
			continue
		}
		if t.to == payTo && t.value.Cmp(want) == 0 {
			return t, true
		}
	}
	return transfer{}, false
}

// decodeTransfer decodes an ERC-20 Transfer log. Logs of any other shape
// are reported as not decodable.
func decodeTransfer(l *types.Log) (transfer, bool) {
	if len(l.Topics) != 3 || l.Topics[0] != transferEvent.ID {
		return transfer{}, false
	}
	values, err := transferEvent.Inputs.NonIndexed().Unpack(l.Data)
	if err != nil || len(values) != 1 {
		return transfer{}, false
	}
	value, ok := values[0].(*big.Int)
	if !ok || value == nil {
		return transfer{}, false
	}
	return transfer{
		from:  common.BytesToAddress(l.Topics[1].Bytes()),
		to:    common.BytesToAddress(l.Topics[2].Bytes()),
		value: value,
	}, true
}
