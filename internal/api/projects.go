package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tenantstore/internal/apperr"
	"tenantstore/internal/auth"
	"tenantstore/internal/models"
)

func (a *API) createProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"displayName"`
		Name        string `json:"name"`
		OwnerID     string `json:"ownerId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Name
	}
	if strings.TrimSpace(req.DisplayName) == "" || strings.TrimSpace(req.OwnerID) == "" {
		a.respondError(w, r, apperr.New(apperr.InvalidArgument, "displayName and ownerId are required").
			WithCode("MissingRequiredFields"))
		return
	}

	p, apiKey, err := a.projects.Create(r.Context(), strings.TrimSpace(req.OwnerID), req.DisplayName)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"project": p,
		"apiKey":  apiKey,
	})
}

func (a *API) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := a.projects.Resolve(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (a *API) regenerateAPIKey(w http.ResponseWriter, r *http.Request) {
	caller := principalFromContext(r)
	apiKey, err := a.projects.RegenerateAPIKey(r.Context(), chi.URLParam(r, "project"), caller.UserID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"apiKey": apiKey})
}

// issueToken exchanges a project API key for a bearer token.
func (a *API) issueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"apiKey"`
		UserID string `json:"userId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if req.UserID == "" {
		a.respondError(w, r, apperr.New(apperr.InvalidArgument, "userId is required").
			WithCode("MissingRequiredFields"))
		return
	}

	p, err := a.projects.VerifyAPIKey(r.Context(), chi.URLParam(r, "project"), req.APIKey)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	token, sess, err := a.auth.Issue(r.Context(), models.Principal{
		UserID:      req.UserID,
		ProjectID:   p.ID,
		ProjectName: p.Name,
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"token":     token,
		"expiresAt": sess.ExpiresAt.UTC().Format(time.RFC3339),
		"user":      sess.Principal,
	})
}

func (a *API) revokeToken(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if err := a.auth.Revoke(r.Context(), token); err != nil {
		a.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
