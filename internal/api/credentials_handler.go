package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alecgard/dexy/internal/apierr"
	"github.com/alecgard/dexy/internal/auth"
	"github.com/alecgard/dexy/internal/credential"
	"github.com/go-chi/chi/v5"
)

// CredentialStore is the credential persistence used by the API.
type CredentialStore interface {
	Create(ctx context.Context, in credential.CreateInput) (*credential.Credential, error)
	GetByID(ctx context.Context, id string) (*credential.Credential, error)
	List(ctx context.Context, p credential.ListParams) ([]*credential.Credential, string, error)
	Revoke(ctx context.Context, id string, at time.Time) error
}

type credentialsHandler struct {
	store CredentialStore
	now   func() time.Time
}

func newCredentialsHandler(store CredentialStore) *credentialsHandler {
	return &credentialsHandler{store: store, now: time.Now}
}

type createCredentialRequest struct {
	OwnerID string `json:"owner_id" validate:"required,max=128"`
	Name    string `json:"name" validate:"required,max=128"`
}

// createdCredential is returned once, right after issuance. It is the only
// response that ever carries the plaintext key.
type createdCredential struct {
	*credential.Credential
	Key string `json:"key"`
}

// Create handles POST /api/v1/admin/credentials.
func (h *credentialsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if err := readJSON(r, &req); err != nil {
		apierr.Write(w, err)
		return
	}

	key, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		slog.Error("generating api key failed", "error", err)
		apierr.Write(w, err)
		return
	}

	cred, err := h.store.Create(r.Context(), credential.CreateInput{
		OwnerID: req.OwnerID,
		Name:    req.Name,
		KeyHash: key.Hash,
		Prefix:  key.Prefix,
	})
	if err != nil {
		slog.Error("creating credential failed", "owner_id", req.OwnerID, "error", err)
		apierr.Write(w, err)
		return
	}

	auditLog(r, "credential.create", "credential", cred.ID, "owner", cred.OwnerID, "prefix", cred.Prefix)
	writeJSON(w, http.StatusCreated, createdCredential{Credential: cred, Key: plaintext})
}

// ListAdmin handles GET /api/v1/admin/credentials?owner_id=.
func (h *credentialsHandler) ListAdmin(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, r.URL.Query().Get("owner_id"))
}

// ListOwn handles GET /api/v1/credentials for the authenticated principal.
func (h *credentialsHandler) ListOwn(w http.ResponseWriter, r *http.Request) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		apierr.Write(w, apierr.New(apierr.KindUnauthorized, "authentication required"))
		return
	}
	h.list(w, r, p.OwnerID)
}

func (h *credentialsHandler) list(w http.ResponseWriter, r *http.Request, ownerID string) {
	cursor, limit, err := pageParams(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	creds, next, err := h.store.List(r.Context(), credential.ListParams{
		OwnerID: ownerID,
		Cursor:  cursor,
		Limit:   limit,
	})
	if err != nil {
		slog.Error("listing credentials failed", "error", err)
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(creds, next))
}

// Get handles GET /api/v1/admin/credentials/{id}.
func (h *credentialsHandler) Get(w http.ResponseWriter, r *http.Request) {
	cred, err := h.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeCredentialError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

// Revoke handles DELETE /api/v1/admin/credentials/{id}.
func (h *credentialsHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.Revoke(r.Context(), id, h.now().UTC()); err != nil {
		writeCredentialError(w, err)
		return
	}
	auditLog(r, "credential.revoke", "credential", id)
	w.WriteHeader(http.StatusNoContent)
}

func writeCredentialError(w http.ResponseWriter, err error) {
	if errors.Is(err, credential.ErrNotFound) {
		apierr.Write(w, apierr.New(apierr.KindNotFound, "credential not found"))
		return
	}
	slog.Error("credential operation failed", "error", err)
	apierr.Write(w, err)
}
