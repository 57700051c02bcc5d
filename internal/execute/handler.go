// Package execute runs paid agent executions: authenticate, negotiate or
// verify payment, forward to the agent and record usage.
package execute

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/dexy/internal/apierr"
	"github.com/alecgard/dexy/internal/auth"
	"github.com/alecgard/dexy/internal/catalog"
	"github.com/alecgard/dexy/internal/ledger"
	"github.com/alecgard/dexy/internal/payment"
	"github.com/alecgard/dexy/internal/proxy"
	"github.com/alecgard/dexy/internal/ratelimit"
	"github.com/alecgard/dexy/internal/settlement"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
)

const (
	defaultMaxRequestSize = 1 << 20
	releaseTimeout        = 5 * time.Second
)

// Authenticator resolves a bearer token to a principal.
type Authenticator interface {
	Validate(ctx context.Context, token string) (*auth.Principal, error)
}

// AgentLookup reads catalog entries.
type AgentLookup interface {
	GetByID(ctx context.Context, id string) (*catalog.Agent, error)
}

// Negotiator builds payment requirements.
type Negotiator interface {
	Negotiate(price decimal.Decimal, payTo, resource, description string) (*payment.Requirement, error)
}

// Verifier confirms on-chain settlement of a requirement.
type Verifier interface {
	Verify(ctx context.Context, ref string, req *payment.Requirement) (*settlement.Result, error)
}

// Forwarder calls the agent upstream.
type Forwarder interface {
	Forward(ctx context.Context, endpoint string, payload []byte, baseCost float64) *proxy.Envelope
}

// UsageRecorder accepts usage entries without blocking.
type UsageRecorder interface {
	Record(e ledger.Entry) ledger.Record
}

// Limiter is a per-key rate limiter.
type Limiter interface {
	Take(key string) ratelimit.Decision
}

// MetricsRecorder is an optional interface for execution metrics.
type MetricsRecorder interface {
	IncExecution(outcome string)
	TrackExecution() func()
	IncRateLimitRejection()
}

// Deps holds the collaborators of a Handler. Limiter and Guard are optional.
type Deps struct {
	Auth       Authenticator
	Agents     AgentLookup
	Negotiator Negotiator
	Verifier   Verifier
	Guard      settlement.ReplayGuard
	Forwarder  Forwarder
	Usage      UsageRecorder
	Limiter    Limiter
}

// Options tunes a Handler.
type Options struct {
	// PublicURL is the base of payment resource URLs. Empty derives it from
	// the request.
	PublicURL      string
	MaxRequestSize int64
}

// Handler serves POST /execute/{agentID}.
type Handler struct {
	deps    Deps
	opts    Options
	metrics MetricsRecorder

	// OnDone observes each finished attempt. Optional.
	OnDone func(Trace)
}

// NewHandler creates an execution handler.
func NewHandler(deps Deps, opts Options) *Handler {
	if deps.Guard == nil {
		deps.Guard = settlement.NopGuard{}
	}
	if opts.MaxRequestSize <= 0 {
		opts.MaxRequestSize = defaultMaxRequestSize
	}
	return &Handler{deps: deps, opts: opts}
}

// SetMetrics sets the optional metrics recorder.
func (h *Handler) SetMetrics(m MetricsRecorder) {
	h.metrics = m
}

// attempt carries the state of one request through the handler.
type attempt struct {
	w         http.ResponseWriter
	r         *http.Request
	trace     Trace
	principal *auth.Principal
	agent     *catalog.Agent
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.metrics != nil {
		defer h.metrics.TrackExecution()()
	}

	a := &attempt{
		w:     w,
		r:     r,
		trace: Trace{AgentID: chi.URLParam(r, "agentID"), States: []State{StateStart}},
	}
	a.trace.Outcome = h.run(a)

	if h.metrics != nil {
		h.metrics.IncExecution(string(a.trace.Outcome))
	}
	slog.Debug("execution finished",
		"agent_id", a.trace.AgentID,
		"outcome", a.trace.Outcome,
		"states", a.trace.States,
		"request_id", chimw.GetReqID(r.Context()),
	)
	if h.OnDone != nil {
		h.OnDone(a.trace)
	}
}

func (h *Handler) run(a *attempt) Outcome {
	ctx := a.r.Context()

	p, err := h.deps.Auth.Validate(ctx, auth.BearerToken(a.r))
	if err != nil {
		apierr.Write(a.w, apierr.New(apierr.KindUnauthorized, "missing, invalid or revoked credential"))
		return OutcomeUnauthorized
	}
	a.principal = p
	a.trace.advance(StateAuthenticated)

	if h.deps.Limiter != nil {
		d := h.deps.Limiter.Take(p.CredentialID)
		ratelimit.SetHeaders(a.w, d)
		if !d.Allowed {
			if h.metrics != nil {
				h.metrics.IncRateLimitRejection()
			}
			apierr.Write(a.w, apierr.New(apierr.KindRateLimited, "rate limit exceeded, try again later"))
			return OutcomeRateLimited
		}
	}

	agent, err := h.deps.Agents.GetByID(ctx, a.trace.AgentID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			apierr.Write(a.w, apierr.WithCode(apierr.KindNotFound, "agent_not_found", "agent not found"))
			return OutcomeAgentNotFound
		}
		slog.Error("agent lookup failed", "agent_id", a.trace.AgentID, "error", err)
		apierr.Write(a.w, err)
		return OutcomeInternal
	}
	if missing := agent.MissingFields(); len(missing) > 0 {
		apierr.Write(a.w, apierr.New(apierr.KindMisconfigured, "agent is missing required configuration: "+strings.Join(missing, ", ")))
		return OutcomeMisconfigured
	}
	a.agent = agent

	body, err := io.ReadAll(http.MaxBytesReader(a.w, a.r.Body, h.opts.MaxRequestSize))
	if err != nil {
		apierr.Write(a.w, apierr.New(apierr.KindBadRequest, "request body too large or unreadable"))
		return OutcomeBadRequest
	}

	if agent.Free() {
		a.trace.advance(StateFree)
		return h.forward(a, body, nil)
	}
	return h.settle(a, body)
}

// settle negotiates or verifies payment, then forwards.
func (h *Handler) settle(a *attempt, body []byte) Outcome {
	ctx := a.r.Context()
	a.trace.advance(StatePaymentRequired)

	resource := payment.ResourceURL(h.opts.PublicURL, a.r)
	req, err := h.deps.Negotiator.Negotiate(a.agent.Price, a.agent.Address, resource, describe(a.agent))
	if err != nil {
		if misconfiguredPrice(err) {
			apierr.Write(a.w, apierr.Wrap(apierr.KindMisconfigured, "agent price or payee cannot be paid", err))
			return OutcomeMisconfigured
		}
		slog.Error("negotiating payment failed", "agent_id", a.agent.ID, "error", err)
		apierr.Write(a.w, err)
		return OutcomeInternal
	}

	ref, ok := payment.ProofFromRequest(a.r)
	if !ok {
		writeRequirement(a.w, req, apierr.New(apierr.KindPaymentRequired, "payment required"))
		return OutcomePaymentRequired
	}
	a.trace.advance(StateProofPending)

	result, err := h.deps.Verifier.Verify(ctx, ref, req)
	if err != nil {
		var serr *settlement.Error
		if !errors.As(err, &serr) {
			serr = &settlement.Error{Reason: settlement.ReasonRPC, Retryable: true, Err: err}
		}
		slog.Info("settlement rejected",
			"agent_id", a.agent.ID,
			"credential_id", a.principal.CredentialID,
			"reason", serr.Reason,
			"error", err,
		)
		writeRequirement(a.w, req, rejection(serr))
		return OutcomePaymentInvalid
	}

	if err := h.deps.Guard.Claim(ctx, result.Transaction, resource); err != nil {
		var serr *settlement.Error
		if errors.As(err, &serr) && serr.Reason == settlement.ReasonReplayed {
			writeRequirement(a.w, req, rejection(serr))
			return OutcomePaymentReplayed
		}
		slog.Error("claiming settlement failed", "tx", result.Transaction, "error", err)
		apierr.Write(a.w, apierr.Wrap(apierr.KindInternal, "could not record settlement, retry the request", err))
		return OutcomeInternal
	}
	a.trace.advance(StateSettled)

	return h.forward(a, body, result)
}

// forward runs the upstream call exactly once, records usage and writes the
// response. result is nil for free agents.
func (h *Handler) forward(a *attempt, body []byte, result *settlement.Result) Outcome {
	paid := result != nil
	var amount float64
	if paid {
		amount = a.agent.Price.InexactFloat64()
	}

	env := h.deps.Forwarder.Forward(a.r.Context(), a.agent.URL, body, amount)
	a.trace.advance(StateProxied)

	status := ledger.StatusFree
	outcome := OutcomeFree
	switch {
	case env.Failed:
		status, outcome = ledger.StatusFailed, OutcomeUpstreamFailed
	case paid:
		status, outcome = ledger.StatusCaptured, OutcomeCaptured
	}

	h.deps.Usage.Record(ledger.Entry{
		OwnerID:      a.principal.OwnerID,
		CredentialID: a.principal.CredentialID,
		AgentID:      a.agent.ID,
		Amount:       amount,
		Tokens:       env.Usage.Tokens,
		Cost:         env.Usage.Cost,
		LatencyMs:    env.Usage.LatencyMs,
		Status:       status,
		RequestID:    chimw.GetReqID(a.r.Context()),
		Prompt:       env.Prompt,
		Output:       env.Output,
	})
	a.trace.advance(StateLogged)

	if env.Failed {
		msg := "agent upstream failed: " + env.ErrorType
		if paid && !h.release(a.r.Context(), result.Transaction) {
			msg += "; the payment transaction cannot be reused"
		}
		apierr.Write(a.w, apierr.New(apierr.KindUpstream, msg))
		a.trace.advance(StateDone)
		return outcome
	}

	if paid {
		if hdr, err := settlement.EncodeHeader(result); err != nil {
			slog.Error("encoding settlement header failed", "tx", result.Transaction, "error", err)
		} else {
			a.w.Header().Set(payment.HeaderPaymentResponse, hdr)
			a.w.Header().Add("Access-Control-Expose-Headers", payment.HeaderPaymentResponse)
		}
	}
	writeJSON(a.w, env.Status, env)
	a.trace.advance(StateDone)
	return outcome
}

// release drops the replay claim on txHash after a paid execution failed
// upstream. It reports whether the transaction may pay again.
func (h *Handler) release(ctx context.Context, txHash string) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := h.deps.Guard.Release(ctx, txHash); err != nil {
		slog.Error("releasing settlement claim failed", "tx", txHash, "error", err)
		return false
	}
	return true
}

// rejection classifies a proof that did not settle the requirement.
func rejection(serr *settlement.Error) *apierr.Error {
	kind := apierr.KindPaymentInvalid
	switch serr.Reason {
	case settlement.ReasonRPC:
		kind = apierr.KindChainRPC
	case settlement.ReasonReplayed:
		kind = apierr.KindPaymentReplayed
	}
	return apierr.Wrap(kind, serr.Message(), serr)
}

// writeRequirement renders a negotiation response for e. Rejected proofs
// carry the kind's code in X-Payment-Error and the settlement reason and
// message in the body.
func writeRequirement(w http.ResponseWriter, req *payment.Requirement, e *apierr.Error) {
	w.Header().Set(payment.HeaderVersion, strconv.Itoa(payment.Version))
	if e.Kind != apierr.KindPaymentRequired {
		var reason string
		var serr *settlement.Error
		if errors.As(e, &serr) {
			reason = string(serr.Reason)
		}
		w.Header().Set(payment.HeaderPaymentError, e.ErrorCode())
		req = req.WithError(reason, e.Message)
	}
	writeJSON(w, e.Kind.Status(), req)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response failed", "error", err)
	}
}

func describe(a *catalog.Agent) string {
	if a.Description != "" {
		return a.Description
	}
	return "Execution of agent " + a.Name
}

func misconfiguredPrice(err error) bool {
	return errors.Is(err, payment.ErrInvalidPayee) ||
		errors.Is(err, payment.ErrNonPositivePrice) ||
		errors.Is(err, payment.ErrNegativePrice) ||
		errors.Is(err, payment.ErrBelowMinorUnit)
}
