package settlement

import (
	"encoding/base64"
	"encoding/json"

	"github.com/alecgard/dexy/internal/payment"
)

type responseHeader struct {
	X402Version int    `json:"x402Version"`
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	ChainID     int64  `json:"chainId"`
	Asset       string `json:"asset"`
	Value       string `json:"value"`
	From        string `json:"from"`
	To          string `json:"to"`
}

// EncodeHeader renders r as the base64 JSON value of X-PAYMENT-RESPONSE.
func EncodeHeader(r *Result) (string, error) {
	data, err := json.Marshal(responseHeader{
		X402Version: payment.Version,
		Success:     true,
		Transaction: r.Transaction,
		Network:     r.Network,
		ChainID:     r.ChainID,
		Asset:       r.Asset,
		Value:       r.Value,
		From:        r.From,
		To:          r.To,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
