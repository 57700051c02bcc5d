package api

import (
	"net/http"

	"github.com/alecgard/dexy/internal/payment"
)

// Manifest is served at /.well-known/dexy.json so clients can discover the
// execution endpoint and the settlement chain.
type Manifest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Version     string            `json:"version"`
	APIBase     string            `json:"api_base"`
	Auth        manifestAuth      `json:"auth"`
	Payment     manifestPayment   `json:"payment"`
	Endpoints   map[string]string `json:"endpoints"`
	Health      string            `json:"health"`
}

type manifestAuth struct {
	Type   string `json:"type"`
	Header string `json:"header"`
}

type manifestPayment struct {
	X402Version int              `json:"x402Version"`
	Network     string           `json:"network"`
	ChainID     int64            `json:"chainId"`
	Asset       string           `json:"asset"`
	Schemes     []payment.Scheme `json:"schemes"`
	ProofHeader []string         `json:"proofHeaders"`
}

// NewManifest describes a gateway settling on chain with the given schemes.
func NewManifest(version string, chain payment.Chain, schemes []payment.Scheme) Manifest {
	return Manifest{
		Name:        "dexy",
		Description: "Paid execution gateway for AI agents",
		Version:     version,
		APIBase:     "/api/v1",
		Auth: manifestAuth{
			Type:   "bearer",
			Header: "Authorization",
		},
		Payment: manifestPayment{
			X402Version: payment.Version,
			Network:     chain.Network,
			ChainID:     chain.ChainID,
			Asset:       chain.Asset.Hex(),
			Schemes:     schemes,
			ProofHeader: []string{payment.HeaderTxHash, payment.HeaderPayment},
		},
		Endpoints: map[string]string{
			"execute":       "/execute/{agentID}",
			"credentials":   "/api/v1/credentials",
			"usage_daily":   "/api/v1/usage/daily",
			"usage_records": "/api/v1/usage/records",
		},
		Health: "/health",
	}
}

// wellKnownHandler serves m.
func wellKnownHandler(m Manifest) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=300")
		writeJSON(w, http.StatusOK, m)
	}
}
