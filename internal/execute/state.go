package execute

import "log/slog"

// State is a step of one execution attempt.
type State string

const (
	StateStart           State = "START"
	StateAuthenticated   State = "AUTHENTICATED"
	StateFree            State = "FREE"
	StatePaymentRequired State = "PAYMENT_REQUIRED"
	StateProofPending    State = "PROOF_PENDING"
	StateSettled         State = "SETTLED"
	StateProxied         State = "PROXIED"
	StateLogged          State = "LOGGED"
	StateDone            State = "DONE"
)

// next lists the legal successors of each state. Failure exits are legal
// from every state and are not listed.
var next = map[State][]State{
	StateStart:           {StateAuthenticated},
	StateAuthenticated:   {StateFree, StatePaymentRequired},
	StatePaymentRequired: {StateProofPending},
	StateProofPending:    {StateSettled},
	StateFree:            {StateProxied},
	StateSettled:         {StateProxied},
	StateProxied:         {StateLogged},
	StateLogged:          {StateDone},
}

// CanAdvance reports whether to directly follows from.
func CanAdvance(from, to State) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome labels how an attempt ended.
type Outcome string

const (
	OutcomeFree            Outcome = "free"
	OutcomeCaptured        Outcome = "captured"
	OutcomeUpstreamFailed  Outcome = "upstream_failed"
	OutcomeUnauthorized    Outcome = "unauthorized"
	OutcomeRateLimited     Outcome = "rate_limited"
	OutcomeAgentNotFound   Outcome = "agent_not_found"
	OutcomeMisconfigured   Outcome = "agent_misconfigured"
	OutcomeBadRequest      Outcome = "bad_request"
	OutcomePaymentRequired Outcome = "payment_required"
	OutcomePaymentInvalid  Outcome = "payment_invalid"
	OutcomePaymentReplayed Outcome = "payment_replayed"
	OutcomeInternal        Outcome = "internal_error"
)

// Trace is the path one attempt took through the state machine.
type Trace struct {
	AgentID string
	States  []State
	Outcome Outcome
}

// Last returns the final state reached.
func (t *Trace) Last() State {
	if len(t.States) == 0 {
		return ""
	}
	return t.States[len(t.States)-1]
}

// advance moves to s. Illegal transitions are logged and still recorded
// so the trace shows them.
func (t *Trace) advance(s State) {
	if from := t.Last(); !CanAdvance(from, s) {
		slog.Error("illegal execution transition", "agent_id", t.AgentID, "from", from, "to", s)
	}
	t.States = append(t.States, s)
}
