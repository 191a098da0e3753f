// Package appsapi implements the per-app CRUD surface spec.md §6 names for
// an ordinary (non-admin) authenticated user: list/create/update/delete
// their own apps and regenerate an app's api key.
package appsapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/apierr"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/authapi"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/store"
)

// Handlers implements the authenticated user's own-apps surface.
type Handlers struct {
	apps     store.AppStore
	settings store.SettingsStore
	logger   *zap.Logger
}

// New builds apps Handlers.
func New(apps store.AppStore, settings store.SettingsStore, logger *zap.Logger) *Handlers {
	return &Handlers{apps: apps, settings: settings, logger: logger}
}

// Routes mounts /apps and /apps/{appId}/regenerate-key. The caller is
// expected to wrap this group with authapi.Middleware.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/apps", h.list)
	r.Post("/apps", h.create)
	r.Get("/apps/{appId}", h.get)
	r.Patch("/apps/{appId}", h.update)
	r.Delete("/apps/{appId}", h.delete)
	r.Post("/apps/{appId}/regenerate-key", h.regenerateKey)
}

func currentUser(r *http.Request) (*store.User, bool) {
	user, ok := r.Context().Value(authapi.UserContextKey).(*store.User)
	return user, ok
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(r)
	if !ok {
		apierr.WriteJSON(w, "", apierr.New(apierr.InvalidKey, "not authenticated"))
		return
	}
	apps, err := h.apps.ListByOwner(r.Context(), user.ID)
	if err != nil {
		apierr.WriteJSON(w, "", apierr.Wrap(apierr.StoreUnavailable, "listing apps", err))
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(r)
	if !ok {
		apierr.WriteJSON(w, "", apierr.New(apierr.InvalidKey, "not authenticated"))
		return
	}
	var app store.App
	if !decodeJSON(w, r, &app) {
		return
	}
	app.OwnerUserID = user.ID

	// spec.md §3: an App created without explicit limits takes the
	// DefaultAppSettings singleton's values (bootstrap 20/10_000 if absent).
	if app.MaxRPS == 0 || app.DailyRequestsLimit == 0 {
		if defaults, err := h.settings.Get(r.Context()); err == nil {
			if app.MaxRPS == 0 {
				app.MaxRPS = defaults.DefaultMaxRPS
			}
			if app.DailyRequestsLimit == 0 {
				app.DailyRequestsLimit = int64(defaults.DefaultDailyRequestsLimit)
			}
		}
	}

	created, err := h.apps.Create(r.Context(), &app)
	if err != nil {
		apierr.WriteJSON(w, "", apierr.Wrap(apierr.StoreUnavailable, "creating app", err))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	app, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (h *Handlers) update(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	var patch store.App
	if !decodeJSON(w, r, &patch) {
		return
	}
	patch.ID = existing.ID
	patch.OwnerUserID = existing.OwnerUserID
	patch.APIKey = existing.APIKey

	if err := h.apps.Update(r.Context(), &patch); err != nil {
		apierr.WriteJSON(w, "", apierr.Wrap(apierr.StoreUnavailable, "updating app", err))
		return
	}
	writeJSON(w, http.StatusOK, patch)
}

func (h *Handlers) delete(w http.ResponseWriter, r *http.Request) {
	app, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	if err := h.apps.Delete(r.Context(), app.ID); err != nil {
		apierr.WriteJSON(w, "", apierr.Wrap(apierr.StoreUnavailable, "deleting app", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) regenerateKey(w http.ResponseWriter, r *http.Request) {
	app, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	newKey, err := h.apps.RegenerateAPIKey(r.Context(), app.ID)
	if err != nil {
		apierr.WriteJSON(w, "", apierr.Wrap(apierr.StoreUnavailable, "regenerating api key", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"apiKey": newKey})
}

// loadOwned fetches the path's {appId} and verifies it belongs to the
// authenticated caller, writing the appropriate error response otherwise.
func (h *Handlers) loadOwned(w http.ResponseWriter, r *http.Request) (*store.App, bool) {
	user, ok := currentUser(r)
	if !ok {
		apierr.WriteJSON(w, "", apierr.New(apierr.InvalidKey, "not authenticated"))
		return nil, false
	}
	appID := chi.URLParam(r, "appId")
	app, err := h.apps.Get(r.Context(), appID)
	if err != nil {
		apierr.WriteJSON(w, "", apierr.New(apierr.UnknownChain, "app not found"))
		return nil, false
	}
	if app.OwnerUserID != user.ID && !user.IsAdmin {
		apierr.WriteJSON(w, "", apierr.New(apierr.InvalidKey, "app not found"))
		return nil, false
	}
	return app, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		apierr.WriteJSON(w, "", apierr.New(apierr.Internal, "malformed request body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
