// Package authapi implements the register/login/account surface spec.md §6
// and SPEC_FULL.md's Auth & Admin Surfaces section name: bcrypt-hashed
// passwords and golang-jwt/jwt/v5 bearer tokens, mirroring the JWT+bcrypt
// pairing the rest of the example pack uses for user auth rather than a
// hand-rolled session scheme.
package authapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/apierr"
	"github.com/NodeBridge-Africa/rpc-gateway-sub001/internal/store"
)

const tokenTTL = 24 * time.Hour

// contextKey avoids collisions with other packages' context keys.
type contextKey string

// UserContextKey retrieves the authenticated *store.User from a request
// context after Middleware has run.
const UserContextKey contextKey = "authapi.user"

// Handlers implements registration, login and the current-account endpoint.
type Handlers struct {
	users     store.UserStore
	jwtSecret []byte
	logger    *zap.Logger
}

// New builds auth Handlers. jwtSecret must be non-empty.
func New(users store.UserStore, jwtSecret string, logger *zap.Logger) *Handlers {
	return &Handlers{users: users, jwtSecret: []byte(jwtSecret), logger: logger}
}

// Routes mounts spec.md §6's /auth/register, /auth/login and /auth/account.
func (h *Handlers) Routes(r chi.Router) {
	r.Post("/auth/register", h.register)
	r.Post("/auth/login", h.login)
	r.With(h.Middleware).Get("/auth/account", h.account)
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string     `json:"token"`
	User  store.User `json:"user"`
}

func (h *Handlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		apierr.WriteJSON(w, "", apierr.New(apierr.Internal, "email and password are required"))
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		apierr.WriteJSON(w, "", apierr.Wrap(apierr.Internal, "hashing password", err))
		return
	}

	user := &store.User{Email: strings.ToLower(req.Email), PasswordHash: string(hash), IsActive: true}
	created, err := h.users.Create(r.Context(), user)
	if err != nil {
		apierr.WriteJSON(w, "", apierr.Wrap(apierr.Internal, "creating user", err))
		return
	}

	h.respondWithToken(w, created)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteJSON(w, "", apierr.New(apierr.Internal, "malformed request body"))
		return
	}

	user, err := h.users.GetByEmail(r.Context(), strings.ToLower(req.Email))
	if err != nil {
		apierr.WriteJSON(w, "", apierr.New(apierr.InvalidKey, "invalid email or password"))
		return
	}
	if !user.IsActive {
		apierr.WriteJSON(w, "", apierr.New(apierr.InactiveApp, "account is disabled"))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		apierr.WriteJSON(w, "", apierr.New(apierr.InvalidKey, "invalid email or password"))
		return
	}

	h.respondWithToken(w, user)
}

func (h *Handlers) account(w http.ResponseWriter, r *http.Request) {
	user, ok := r.Context().Value(UserContextKey).(*store.User)
	if !ok {
		apierr.WriteJSON(w, "", apierr.New(apierr.InvalidKey, "not authenticated"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(user)
}

func (h *Handlers) respondWithToken(w http.ResponseWriter, user *store.User) {
	token, err := h.issueToken(user)
	if err != nil {
		apierr.WriteJSON(w, "", apierr.Wrap(apierr.Internal, "issuing token", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(authResponse{Token: token, User: *user})
}

func (h *Handlers) issueToken(user *store.User) (string, error) {
	claims := jwt.MapClaims{
		"sub":     user.ID,
		"email":   user.Email,
		"isAdmin": user.IsAdmin,
		"exp":     time.Now().Add(tokenTTL).Unix(),
		"iat":     time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(h.jwtSecret)
}

// Middleware validates the Authorization: Bearer <token> header and, on
// success, attaches the resolved *store.User to the request context.
func (h *Handlers) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			apierr.WriteJSON(w, "", apierr.New(apierr.MissingAPIKey, "missing bearer token"))
			return
		}
		raw := strings.TrimPrefix(authHeader, "Bearer ")

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			return h.jwtSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
		if err != nil || !token.Valid {
			apierr.WriteJSON(w, "", apierr.New(apierr.InvalidKey, "invalid or expired token"))
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			apierr.WriteJSON(w, "", apierr.New(apierr.InvalidKey, "invalid token claims"))
			return
		}
		sub, _ := claims["sub"].(string)
		user, err := h.users.Get(r.Context(), sub)
		if err != nil {
			apierr.WriteJSON(w, "", apierr.New(apierr.InvalidKey, "user no longer exists"))
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminOnly further gates a route to users with IsAdmin=true, per
// SPEC_FULL.md's "isAdmin=true for admin" decision.
func (h *Handlers) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := r.Context().Value(UserContextKey).(*store.User)
		if !ok || !user.IsAdmin {
			apierr.WriteJSON(w, "", apierr.New(apierr.InactiveApp, "admin privileges required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
