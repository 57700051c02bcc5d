package payment

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
)

// ResourceURL returns the canonical URL of the execution request: the
// public base URL when configured, otherwise the scheme and host the request
// arrived on. The query string is never part of the resource.
func ResourceURL(publicBase string, r *http.Request) string {
	if publicBase != "" {
		return strings.TrimRight(publicBase, "/") + r.URL.Path
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.Path
}

// ProofFromRequest extracts the caller's settlement proof. X-Tx-Hash wins;
// otherwise X-PAYMENT may carry a bare hash or a base64-encoded JSON object
// with a transaction field. The second result reports whether any proof
// header was present; a present but undecodable X-PAYMENT is returned raw
// so verification can reject it.
func ProofFromRequest(r *http.Request) (string, bool) {
	if v := strings.TrimSpace(r.Header.Get(HeaderTxHash)); v != "" {
		return v, true
	}
	v := strings.TrimSpace(r.Header.Get(HeaderPayment))
	if v == "" {
		return "", false
	}
	if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
		return v, true
	}
	if ref := decodePaymentPayload(v); ref != "" {
		return ref, true
	}
	return v, true
}

type paymentPayload struct {
	Transaction string `json:"transaction"`
	TxHash      string `json:"txHash"`
	Payload     struct {
		Transaction string `json:"transaction"`
	} `json:"payload"`
}

func decodePaymentPayload(v string) string {
	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err = enc.DecodeString(v); err == nil {
			break
		}
	}
	if err != nil {
		return ""
	}
	var p paymentPayload
	if json.Unmarshal(raw, &p) != nil {
		return ""
	}
	switch {
	case p.Transaction != "":
		return p.Transaction
	case p.TxHash != "":
		return p.TxHash
	default:
		return p.Payload.Transaction
	}
}
