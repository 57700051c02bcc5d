package execute

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/dexy/internal/apierr"
	"github.com/alecgard/dexy/internal/auth"
	"github.com/alecgard/dexy/internal/catalog"
	"github.com/alecgard/dexy/internal/ledger"
	"github.com/alecgard/dexy/internal/payment"
	"github.com/alecgard/dexy/internal/proxy"
	"github.com/alecgard/dexy/internal/ratelimit"
	"github.com/alecgard/dexy/internal/settlement"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const (
	validToken   = "dexy_00000001_valid"
	revokedToken = "dexy_00000002_revoked"

	freeAgentID = "00000000-0000-0000-0000-00000000000a"
	paidAgentID = "00000000-0000-0000-0000-00000000000b"
	brokenID    = "00000000-0000-0000-0000-00000000000c"
)

var (
	usdc   = common.HexToAddress("0x5425890298aed601595a70AB815c96711a31Bc65")
	payee  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	payer  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	txHash = "0x" + strings.Repeat("cd", 32)

	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// --- fakes ---

type fakeCredentials struct {
	creds map[string]*auth.StoredCredential
}

func (f *fakeCredentials) GetByKeyHash(_ context.Context, hash string) (*auth.StoredCredential, error) {
	c, ok := f.creds[hash]
	if !ok {
		return nil, auth.ErrCredentialNotFound
	}
	return c, nil
}

func (f *fakeCredentials) TouchLastUsed(context.Context, string, time.Time) error { return nil }

type fakeAgents struct {
	agents map[string]*catalog.Agent
	err    error
}

func (f *fakeAgents) GetByID(_ context.Context, id string) (*catalog.Agent, error) {
	if f.err != nil {
		return nil, f.err
	}
	a, ok := f.agents[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return a, nil
}

type fakeChain struct {
	mu       sync.Mutex
	receipts map[common.Hash]*types.Receipt
	err      error
	calls    int
}

func (f *fakeChain) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

type fakeUsage struct {
	mu      sync.Mutex
	entries []ledger.Entry
}

func (f *fakeUsage) Record(e ledger.Entry) ledger.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return ledger.Record{}
}

func (f *fakeUsage) all() []ledger.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.Entry(nil), f.entries...)
}

type fakeMetrics struct {
	mu       sync.Mutex
	outcomes []string
	inFlight int
	rejected int
}

func (m *fakeMetrics) IncExecution(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *fakeMetrics) TrackExecution() func() {
	m.mu.Lock()
	m.inFlight++
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}
}

func (m *fakeMetrics) IncRateLimitRejection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected++
}

// fakeGuard is a memory guard whose releases are recorded and can fail.
type fakeGuard struct {
	*settlement.MemoryGuard
	mu         sync.Mutex
	releaseErr error
	released   []string
}

func (g *fakeGuard) Release(ctx context.Context, txHash string) error {
	g.mu.Lock()
	g.released = append(g.released, txHash)
	err := g.releaseErr
	g.mu.Unlock()
	if err != nil {
		return err
	}
	return g.MemoryGuard.Release(ctx, txHash)
}

// --- harness ---

type harness struct {
	router   http.Handler
	handler  *Handler
	chain    *fakeChain
	agents   *fakeAgents
	usage    *fakeUsage
	guard    *fakeGuard
	metrics  *fakeMetrics
	traces   []Trace
	upstream *httptest.Server
	hits     int
	mu       sync.Mutex
}

func newHarness(t *testing.T, limiter Limiter) *harness {
	t.Helper()
	h := &harness{
		chain: &fakeChain{receipts: map[common.Hash]*types.Receipt{}},
		usage: &fakeUsage{},
		guard: &fakeGuard{MemoryGuard: settlement.NewMemoryGuard()},
	}

	h.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.hits++
		h.mu.Unlock()
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"output":"forty-two","usage":{"tokens":9}}`))
	}))
	t.Cleanup(h.upstream.Close)

	revokedAt := time.Now().Add(-time.Minute)
	creds := &fakeCredentials{creds: map[string]*auth.StoredCredential{
		auth.HashKey(validToken):   {ID: "cred-1", OwnerID: "owner-1", Prefix: "dexy_00000001"},
		auth.HashKey(revokedToken): {ID: "cred-2", OwnerID: "owner-1", Prefix: "dexy_00000002", RevokedAt: &revokedAt},
	}}

	h.agents = &fakeAgents{agents: map[string]*catalog.Agent{
		freeAgentID: {ID: freeAgentID, Name: "echo", URL: h.upstream.URL, Address: payee.Hex(), Price: decimal.Zero},
		paidAgentID: {ID: paidAgentID, Name: "oracle", URL: h.upstream.URL, Address: payee.Hex(), Price: decimal.RequireFromString("1.50")},
		brokenID:    {ID: brokenID, Name: "broken", Price: decimal.RequireFromString("1")},
	}}

	negotiator, err := payment.NewNegotiator(payment.Chain{
		Network:       "avalanche-fuji",
		ChainID:       43113,
		Asset:         usdc,
		AssetDecimals: 6,
		AssetName:     "USD Coin",
		AssetVersion:  "2",
	}, []payment.Scheme{payment.SchemeExact, payment.SchemeDirect}, 300)
	if err != nil {
		t.Fatalf("NewNegotiator: %v", err)
	}

	h.handler = NewHandler(Deps{
		Auth:       auth.NewService(creds, nil),
		Agents:     h.agents,
		Negotiator: negotiator,
		Verifier:   settlement.NewVerifier(h.chain, time.Second),
		Guard:      h.guard,
		Forwarder:  proxy.NewForwarder(2*time.Second, 1<<20),
		Usage:      h.usage,
		Limiter:    limiter,
	}, Options{PublicURL: "https://gw.example"})
	h.metrics = &fakeMetrics{}
	h.handler.SetMetrics(h.metrics)
	h.handler.OnDone = func(tr Trace) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.traces = append(h.traces, tr)
	}

	r := chi.NewRouter()
	r.Post("/execute/{agentID}", h.handler.ServeHTTP)
	h.router = r
	return h
}

func (h *harness) pay(value int64) {
	h.chain.receipts[common.HexToHash(txHash)] = &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{{
			Address: usdc,
			Topics: []common.Hash{
				transferTopic,
				common.BytesToHash(payer.Bytes()),
				common.BytesToHash(payee.Bytes()),
			},
			Data: common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
		}},
	}
}

func (h *harness) do(agentID, token string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/execute/"+agentID, strings.NewReader(`{"prompt":"what is six times seven"}`))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func (h *harness) upstreamHits() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits
}

func (h *harness) lastTrace(t *testing.T) Trace {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.traces) == 0 {
		t.Fatal("no trace recorded")
	}
	return h.traces[len(h.traces)-1]
}

func decodeRequirement(t *testing.T, rr *httptest.ResponseRecorder) payment.Requirement {
	t.Helper()
	var req payment.Requirement
	if err := json.NewDecoder(rr.Body).Decode(&req); err != nil {
		t.Fatalf("decoding requirement: %v", err)
	}
	return req
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) apierr.Envelope {
	t.Helper()
	var env apierr.Envelope
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decoding error envelope: %v", err)
	}
	return env
}

// --- scenarios ---

func TestFreeAgent(t *testing.T) {
	h := newHarness(t, nil)

	rr := h.do(freeAgentID, validToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body)
	}

	var body struct {
		Output string      `json:"output"`
		Usage  proxy.Usage `json:"usage"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Output != "forty-two" || body.Usage.Cost != 0 || body.Usage.Tokens != 9 {
		t.Errorf("unexpected body %+v", body)
	}
	if rr.Header().Get(payment.HeaderPaymentResponse) != "" {
		t.Error("free executions must not carry a settlement header")
	}

	entries := h.usage.all()
	if len(entries) != 1 || entries[0].Status != ledger.StatusFree || entries[0].Amount != 0 {
		t.Fatalf("unexpected usage %+v", entries)
	}
	if entries[0].OwnerID != "owner-1" || entries[0].CredentialID != "cred-1" || entries[0].AgentID != freeAgentID {
		t.Errorf("unexpected identity on usage %+v", entries[0])
	}

	want := []State{StateStart, StateAuthenticated, StateFree, StateProxied, StateLogged, StateDone}
	if tr := h.lastTrace(t); !reflect.DeepEqual(tr.States, want) || tr.Outcome != OutcomeFree {
		t.Errorf("unexpected trace %+v", tr)
	}
}

func TestFreeAgentIgnoresProof(t *testing.T) {
	h := newHarness(t, nil)

	rr := h.do(freeAgentID, validToken, map[string]string{payment.HeaderTxHash: txHash})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if h.chain.calls != 0 {
		t.Errorf("free executions must not touch the chain, got %d calls", h.chain.calls)
	}
}

func TestPaidAgentWithoutProof(t *testing.T) {
	h := newHarness(t, nil)

	rr := h.do(paidAgentID, validToken, nil)
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rr.Code)
	}
	if rr.Header().Get(payment.HeaderVersion) != "1" {
		t.Errorf("expected version header, got %q", rr.Header().Get(payment.HeaderVersion))
	}
	if rr.Header().Get(payment.HeaderPaymentError) != "" {
		t.Error("first negotiation must not carry a payment error")
	}

	req := decodeRequirement(t, rr)
	if req.X402Version != 1 || len(req.Accepts) != 2 {
		t.Fatalf("unexpected requirement %+v", req)
	}
	for _, a := range req.Accepts {
		if a.MaxAmountRequired != "1500000" || a.PayTo != payee.Hex() || a.Asset != usdc.Hex() {
			t.Errorf("unexpected accept %+v", a)
		}
		if a.Resource != "https://gw.example/execute/"+paidAgentID {
			t.Errorf("unexpected resource %q", a.Resource)
		}
	}
	if req.Accepts[0].Scheme != payment.SchemeExact || req.Accepts[1].Scheme != payment.SchemeDirect {
		t.Errorf("unexpected scheme order")
	}

	if h.upstreamHits() != 0 || len(h.usage.all()) != 0 {
		t.Error("negotiation must not proxy or record usage")
	}
	if tr := h.lastTrace(t); tr.Last() != StatePaymentRequired || tr.Outcome != OutcomePaymentRequired {
		t.Errorf("unexpected trace %+v", tr)
	}
}

func TestPaidAgentSettled(t *testing.T) {
	h := newHarness(t, nil)
	h.pay(1500000)

	rr := h.do(paidAgentID, validToken, map[string]string{payment.HeaderTxHash: txHash})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body)
	}

	hdr := rr.Header().Get(payment.HeaderPaymentResponse)
	if hdr == "" {
		t.Fatal("expected X-PAYMENT-RESPONSE header")
	}
	raw, err := base64.StdEncoding.DecodeString(hdr)
	if err != nil {
		t.Fatalf("decoding header: %v", err)
	}
	var settled struct {
		Success     bool   `json:"success"`
		Transaction string `json:"transaction"`
		Value       string `json:"value"`
	}
	if err := json.Unmarshal(raw, &settled); err != nil {
		t.Fatal(err)
	}
	if !settled.Success || settled.Transaction != txHash || settled.Value != "1500000" {
		t.Errorf("unexpected settlement header %+v", settled)
	}
	if got := rr.Header().Values("Access-Control-Expose-Headers"); len(got) == 0 || got[len(got)-1] != payment.HeaderPaymentResponse {
		t.Errorf("expected settlement header to be exposed, got %v", got)
	}

	entries := h.usage.all()
	if len(entries) != 1 || entries[0].Status != ledger.StatusCaptured || entries[0].Amount != 1.5 || entries[0].Cost != 1.5 {
		t.Fatalf("unexpected usage %+v", entries)
	}

	want := []State{StateStart, StateAuthenticated, StatePaymentRequired, StateProofPending, StateSettled, StateProxied, StateLogged, StateDone}
	if tr := h.lastTrace(t); !reflect.DeepEqual(tr.States, want) || tr.Outcome != OutcomeCaptured {
		t.Errorf("unexpected trace %+v", tr)
	}
}

func TestPaidAgentProofInPaymentHeader(t *testing.T) {
	h := newHarness(t, nil)
	h.pay(1500000)

	payload := base64.StdEncoding.EncodeToString([]byte(`{"transaction":"` + txHash + `"}`))
	rr := h.do(paidAgentID, validToken, map[string]string{payment.HeaderPayment: payload})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body)
	}
}

func TestPaidAgentUnderpaid(t *testing.T) {
	h := newHarness(t, nil)

	first := decodeRequirement(t, h.do(paidAgentID, validToken, nil))

	h.pay(1499999)
	rr := h.do(paidAgentID, validToken, map[string]string{payment.HeaderTxHash: txHash})
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rr.Code)
	}
	if got := rr.Header().Get(payment.HeaderPaymentError); got != "payment_invalid" {
		t.Errorf("expected payment error %q, got %q", "payment_invalid", got)
	}

	retry := decodeRequirement(t, rr)
	if retry.Error == "" {
		t.Error("expected an error message on the retried requirement")
	}
	if retry.Reason != string(settlement.ReasonNoMatch) {
		t.Errorf("expected reason %q, got %q", settlement.ReasonNoMatch, retry.Reason)
	}
	if !reflect.DeepEqual(first.Accepts, retry.Accepts) {
		t.Errorf("requirement changed between attempts:\n%+v\n%+v", first.Accepts, retry.Accepts)
	}

	if h.upstreamHits() != 0 || len(h.usage.all()) != 0 {
		t.Error("rejected payments must not proxy or record usage")
	}
	if tr := h.lastTrace(t); tr.Last() != StateProofPending || tr.Outcome != OutcomePaymentInvalid {
		t.Errorf("unexpected trace %+v", tr)
	}
}

func TestRevokedCredential(t *testing.T) {
	h := newHarness(t, nil)
	h.pay(1500000)

	cases := []struct {
		name    string
		agent   string
		headers map[string]string
	}{
		{"free", freeAgentID, nil},
		{"paid without proof", paidAgentID, nil},
		{"paid with proof", paidAgentID, map[string]string{payment.HeaderTxHash: txHash}},
		{"unknown agent", "00000000-0000-0000-0000-000000000000", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := h.do(tc.agent, revokedToken, tc.headers)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			if env := decodeError(t, rr); env.Error.Code != "unauthorized" {
				t.Errorf("unexpected code %q", env.Error.Code)
			}
		})
	}

	if h.upstreamHits() != 0 || h.chain.calls != 0 || len(h.usage.all()) != 0 {
		t.Error("unauthorized requests must have no side effects")
	}
}

func TestMissingCredential(t *testing.T) {
	h := newHarness(t, nil)

	rr := h.do(freeAgentID, "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if tr := h.lastTrace(t); tr.Last() != StateStart || tr.Outcome != OutcomeUnauthorized {
		t.Errorf("unexpected trace %+v", tr)
	}
}

func TestReplayedPayment(t *testing.T) {
	h := newHarness(t, nil)
	h.pay(1500000)
	proof := map[string]string{payment.HeaderTxHash: txHash}

	if rr := h.do(paidAgentID, validToken, proof); rr.Code != http.StatusOK {
		t.Fatalf("first use: expected 200, got %d", rr.Code)
	}

	rr := h.do(paidAgentID, validToken, map[string]string{payment.HeaderTxHash: "0x" + strings.ToUpper(txHash[2:])})
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("replay: expected 402, got %d", rr.Code)
	}
	if got := rr.Header().Get(payment.HeaderPaymentError); got != "payment_replayed" {
		t.Errorf("expected %q, got %q", "payment_replayed", got)
	}
	if req := decodeRequirement(t, rr); req.Reason != string(settlement.ReasonReplayed) {
		t.Errorf("expected reason %q, got %q", settlement.ReasonReplayed, req.Reason)
	}
	if h.upstreamHits() != 1 || len(h.usage.all()) != 1 {
		t.Errorf("replayed payment must not execute again: hits=%d usage=%d", h.upstreamHits(), len(h.usage.all()))
	}
}

func TestChainFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.chain.err = errors.New("connection reset")

	rr := h.do(paidAgentID, validToken, map[string]string{payment.HeaderTxHash: txHash})
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rr.Code)
	}
	if got := rr.Header().Get(payment.HeaderPaymentError); got != "chain_rpc_failure" {
		t.Errorf("expected %q, got %q", "chain_rpc_failure", got)
	}
	req := decodeRequirement(t, rr)
	if strings.Contains(req.Error, "connection reset") {
		t.Errorf("caller message leaks cause: %q", req.Error)
	}
	if req.Reason != string(settlement.ReasonRPC) {
		t.Errorf("expected reason %q, got %q", settlement.ReasonRPC, req.Reason)
	}
}

func TestMalformedProof(t *testing.T) {
	h := newHarness(t, nil)

	rr := h.do(paidAgentID, validToken, map[string]string{payment.HeaderTxHash: "not-a-hash"})
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rr.Code)
	}
	if got := rr.Header().Get(payment.HeaderPaymentError); got != "payment_invalid" {
		t.Errorf("expected %q, got %q", "payment_invalid", got)
	}
	if req := decodeRequirement(t, rr); req.Reason != string(settlement.ReasonMalformed) {
		t.Errorf("expected reason %q, got %q", settlement.ReasonMalformed, req.Reason)
	}
	if h.chain.calls != 0 {
		t.Error("malformed proofs must not reach the chain")
	}
}

func TestAgentErrors(t *testing.T) {
	h := newHarness(t, nil)

	rr := h.do("00000000-0000-0000-0000-000000000000", validToken, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if env := decodeError(t, rr); env.Error.Code != "agent_not_found" {
		t.Errorf("unexpected code %q", env.Error.Code)
	}

	rr = h.do(brokenID, validToken, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	env := decodeError(t, rr)
	if env.Error.Code != "agent_misconfigured" || !strings.Contains(env.Error.Message, "url") || !strings.Contains(env.Error.Message, "address") {
		t.Errorf("unexpected envelope %+v", env)
	}

	h.agents.err = errors.New("db down")
	rr = h.do(freeAgentID, validToken, nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if env := decodeError(t, rr); strings.Contains(env.Error.Message, "db down") {
		t.Errorf("internal errors must not leak: %q", env.Error.Message)
	}
}

func TestUpstreamFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.pay(1500000)
	h.agents.agents[paidAgentID].URL = "http://127.0.0.1:1"

	rr := h.do(paidAgentID, validToken, map[string]string{payment.HeaderTxHash: txHash})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if env := decodeError(t, rr); env.Error.Code != "upstream_failure" {
		t.Errorf("unexpected code %q", env.Error.Code)
	}
	if rr.Header().Get(payment.HeaderPaymentResponse) != "" {
		t.Error("failed executions must not carry a settlement header")
	}

	entries := h.usage.all()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one usage entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Status != ledger.StatusFailed || e.Amount != 1.5 || e.Cost != 0 || e.Tokens != 0 {
		t.Errorf("unexpected failed usage %+v", e)
	}
	if tr := h.lastTrace(t); tr.Last() != StateDone || tr.Outcome != OutcomeUpstreamFailed {
		t.Errorf("unexpected trace %+v", tr)
	}
}

func TestUpstreamFailureReleasesClaim(t *testing.T) {
	h := newHarness(t, nil)
	h.pay(1500000)
	agent := h.agents.agents[paidAgentID]
	agent.URL = "http://127.0.0.1:1"
	proof := map[string]string{payment.HeaderTxHash: txHash}

	rr := h.do(paidAgentID, validToken, proof)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if env := decodeError(t, rr); strings.Contains(env.Error.Message, "cannot be reused") {
		t.Errorf("released claim reported as consumed: %q", env.Error.Message)
	}
	if len(h.guard.released) != 1 || h.guard.released[0] != txHash {
		t.Errorf("expected claim on %s released, got %v", txHash, h.guard.released)
	}

	agent.URL = h.upstream.URL
	rr = h.do(paidAgentID, validToken, proof)
	if rr.Code != http.StatusOK {
		t.Fatalf("retry with the same transaction: expected 200, got %d: %s", rr.Code, rr.Body)
	}
	if rr.Header().Get(payment.HeaderPaymentResponse) == "" {
		t.Error("expected a settlement header on the retried execution")
	}

	rr = h.do(paidAgentID, validToken, proof)
	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("after a successful execution: expected 402, got %d", rr.Code)
	}
	if got := rr.Header().Get(payment.HeaderPaymentError); got != "payment_replayed" {
		t.Errorf("expected payment_replayed, got %q", got)
	}
}

func TestUpstreamFailureReleaseError(t *testing.T) {
	h := newHarness(t, nil)
	h.pay(1500000)
	h.agents.agents[paidAgentID].URL = "http://127.0.0.1:1"
	h.guard.releaseErr = errors.New("redis down")
	proof := map[string]string{payment.HeaderTxHash: txHash}

	rr := h.do(paidAgentID, validToken, proof)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	env := decodeError(t, rr)
	if env.Error.Code != "upstream_failure" || !strings.Contains(env.Error.Message, "cannot be reused") {
		t.Errorf("unexpected envelope %+v", env)
	}
	if strings.Contains(env.Error.Message, "redis down") {
		t.Errorf("release cause leaks: %q", env.Error.Message)
	}
}

func TestFreeUpstreamFailureReleasesNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.agents.agents[freeAgentID].URL = "http://127.0.0.1:1"

	if rr := h.do(freeAgentID, validToken, nil); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if len(h.guard.released) != 0 {
		t.Errorf("free executions hold no claim, released %v", h.guard.released)
	}
}

func TestRateLimited(t *testing.T) {
	h := newHarness(t, ratelimit.New(1, time.Hour))

	if rr := h.do(freeAgentID, validToken, nil); rr.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rr.Code)
	}
	rr := h.do(freeAgentID, validToken, nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected rate limit headers, got %v", rr.Header())
	}
	if h.upstreamHits() != 1 || h.metrics.rejected != 1 {
		t.Errorf("unexpected hits=%d rejected=%d", h.upstreamHits(), h.metrics.rejected)
	}
}

func TestRequestTooLarge(t *testing.T) {
	h := newHarness(t, nil)
	h.handler.opts.MaxRequestSize = 8

	rr := h.do(freeAgentID, validToken, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if h.upstreamHits() != 0 {
		t.Error("oversized requests must not be forwarded")
	}
}

func TestMetricsOutcomes(t *testing.T) {
	h := newHarness(t, nil)
	h.do(freeAgentID, validToken, nil)
	h.do(paidAgentID, validToken, nil)
	h.do(freeAgentID, "", nil)

	want := []string{"free", "payment_required", "unauthorized"}
	if !reflect.DeepEqual(h.metrics.outcomes, want) {
		t.Errorf("got outcomes %v, want %v", h.metrics.outcomes, want)
	}
	if h.metrics.inFlight != 0 {
		t.Errorf("in-flight gauge should return to 0, got %d", h.metrics.inFlight)
	}
}

func TestConcurrentExecutions(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.do(freeAgentID, validToken, nil)
		}()
	}
	wg.Wait()

	if h.upstreamHits() != 20 || len(h.usage.all()) != 20 {
		t.Errorf("expected 20 executions, got hits=%d usage=%d", h.upstreamHits(), len(h.usage.all()))
	}
}

func TestRejectionKinds(t *testing.T) {
	tests := []struct {
		reason settlement.Reason
		kind   apierr.Kind
	}{
		{settlement.ReasonMalformed, apierr.KindPaymentInvalid},
		{settlement.ReasonUnsupportedScheme, apierr.KindPaymentInvalid},
		{settlement.ReasonNoReceipt, apierr.KindPaymentInvalid},
		{settlement.ReasonReverted, apierr.KindPaymentInvalid},
		{settlement.ReasonNoMatch, apierr.KindPaymentInvalid},
		{settlement.ReasonRPC, apierr.KindChainRPC},
		{settlement.ReasonReplayed, apierr.KindPaymentReplayed},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			serr := &settlement.Error{Reason: tt.reason, Err: errors.New("cause")}
			e := rejection(serr)
			if e.Kind != tt.kind || e.Kind.Status() != http.StatusPaymentRequired {
				t.Errorf("expected kind %v, got %v", tt.kind, e.Kind)
			}
			if e.Message != serr.Message() {
				t.Errorf("unexpected message %q", e.Message)
			}
			if !errors.Is(e, serr) {
				t.Error("rejection must wrap the settlement error")
			}
		})
	}
}
