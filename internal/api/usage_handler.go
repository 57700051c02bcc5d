package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/dexy/internal/apierr"
	"github.com/alecgard/dexy/internal/auth"
	"github.com/alecgard/dexy/internal/ledger"
	"github.com/google/uuid"
)

const (
	defaultUsageDays = 30
	maxUsageDays     = 366
)

// UsageReader is the read side of the usage ledger.
type UsageReader interface {
	Daily(ctx context.Context, ownerID string, since time.Time) (*ledger.DailyUsage, error)
	List(ctx context.Context, p ledger.ListParams) ([]*ledger.Record, string, error)
}

// usageHandler groups usage report handlers.
type usageHandler struct {
	store UsageReader
	now   func() time.Time
}

func newUsageHandler(store UsageReader) *usageHandler {
	return &usageHandler{store: store, now: time.Now}
}

// Daily handles GET /api/v1/usage/daily?days=30. Days are UTC calendar days
// ending today.
func (h *usageHandler) Daily(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		apierr.Write(w, apierr.New(apierr.KindUnauthorized, "authentication required"))
		return
	}

	days := defaultUsageDays
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxUsageDays {
			apierr.Write(w, apierr.New(apierr.KindBadRequest, "days must be between 1 and 366"))
			return
		}
		days = n
	}

	today := h.now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(days - 1))

	report, err := h.store.Daily(r.Context(), p.OwnerID, since)
	if err != nil {
		slog.Error("daily usage failed", "owner_id", p.OwnerID, "error", err)
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListOwn handles GET /api/v1/usage/records, scoped to the principal.
func (h *usageHandler) ListOwn(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		apierr.Write(w, apierr.New(apierr.KindUnauthorized, "authentication required"))
		return
	}
	params, err := listParams(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	params.OwnerID = p.OwnerID
	h.list(w, r, params)
}

// ListAdmin handles GET /api/v1/admin/usage/records. owner_id filters by
// owner; omitted, every owner's records are listed.
func (h *usageHandler) ListAdmin(w http.ResponseWriter, r *http.Request) {
	params, err := listParams(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	params.OwnerID = r.URL.Query().Get("owner_id")
	h.list(w, r, params)
}

func (h *usageHandler) list(w http.ResponseWriter, r *http.Request, params ledger.ListParams) {
	recs, next, err := h.store.List(r.Context(), params)
	if err != nil {
		slog.Error("listing usage records failed", "error", err)
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(recs, next))
}

// listParams reads the shared record filters. Id filters must be UUIDs.
func listParams(r *http.Request) (ledger.ListParams, error) {
	q := r.URL.Query()
	var p ledger.ListParams

	for name, dst := range map[string]*string{"agent_id": &p.AgentID, "credential_id": &p.CredentialID} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		if uuid.Validate(v) != nil {
			return p, apierr.New(apierr.KindBadRequest, name+" must be a UUID")
		}
		*dst = v
	}

	var err error
	if p.From, err = parseTimeParam(q.Get("from")); err != nil {
		return p, apierr.New(apierr.KindBadRequest, "invalid 'from' parameter")
	}
	if p.To, err = parseTimeParam(q.Get("to")); err != nil {
		return p, apierr.New(apierr.KindBadRequest, "invalid 'to' parameter")
	}

	p.Cursor, p.Limit, err = pageParams(r)
	return p, err
}
