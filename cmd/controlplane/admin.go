package main

import (
	"encoding/json"
	"net/http"

	"github.com/dumontcloud/control-plane/internal/instance"
	"github.com/dumontcloud/control-plane/internal/provider"
	"github.com/dumontcloud/control-plane/internal/repository"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// adminAPI exposes the Instance Service (C9) and the user/settings store
// (§6 UserRepo) as a small token-guarded HTTP surface, in the same spirit as
// the teacher's admin route group but trimmed to the operations this fleet
// manager actually needs from outside the process: search offers, destroy
// an instance, and manage the per-user provider API key/settings store.
type adminAPI struct {
	svc    *instance.Service
	users  repository.UserRepo
	token  string
	logger *zap.Logger
}

func newAdminAPI(svc *instance.Service, users repository.UserRepo, token string, logger *zap.Logger) *adminAPI {
	return &adminAPI{svc: svc, users: users, token: token, logger: logger}
}

func (a *adminAPI) mount(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(a.authMiddleware)
		r.Post("/admin/offers/search", a.handleSearchOffers)
		r.Post("/admin/instances/{id}/destroy", a.handleDestroyInstance)
		r.Get("/admin/users/{email}", a.handleGetUser)
		r.Put("/admin/users/{email}", a.handleUpsertUser)
		r.Delete("/admin/users/{email}", a.handleDeleteUser)
	})
}

func (a *adminAPI) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" || r.Header.Get("X-Admin-Token") != a.token {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *adminAPI) handleSearchOffers(w http.ResponseWriter, r *http.Request) {
	var filter provider.OfferFilter
	if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	offers, err := a.svc.SearchOffers(r.Context(), filter, false)
	if err != nil {
		a.logger.Error("search offers failed", zap.Error(err))
		http.Error(w, `{"error":"search failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

func (a *adminAPI) handleDestroyInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.svc.DestroyInstance(r.Context(), id, instance.ReasonUserRequest); err != nil {
		a.logger.Error("destroy instance failed", zap.String("id", id), zap.Error(err))
		http.Error(w, `{"error":"destroy failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"destroyed": true})
}

func (a *adminAPI) handleGetUser(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	rec, err := a.users.Get(email)
	if err != nil {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *adminAPI) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	var rec repository.UserRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	rec.Email = email
	if err := a.users.Upsert(&rec); err != nil {
		a.logger.Error("upsert user failed", zap.String("email", email), zap.Error(err))
		http.Error(w, `{"error":"upsert failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

func (a *adminAPI) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	if err := a.users.Delete(email); err != nil {
		a.logger.Error("delete user failed", zap.String("email", email), zap.Error(err))
		http.Error(w, `{"error":"delete failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
