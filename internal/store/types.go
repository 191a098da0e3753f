// Package store defines the persistence interfaces for Users, Apps, Chains
// and the default-settings singleton (spec.md §3), with a MongoDB-backed
// implementation (mongostore.go) and an in-memory fake (memstore.go) behind
// the same interfaces so the Dispatcher/RateLimiter/Proxy tests never need
// a live Mongo (spec.md §8).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by GetByAPIKey when no app matches, distinguishing
// "doesn't exist" from a store-connectivity failure so callers can tell
// invalid_key apart from store_unavailable (spec.md §7). The other
// single-record lookups report a missing record as a plain error.
var ErrNotFound = errors.New("not found")

// User is spec.md §3's User document.
type User struct {
	ID           string    `bson:"_id,omitempty" json:"id"`
	Email        string    `bson:"email" json:"email"`
	PasswordHash string    `bson:"passwordHash" json:"-"`
	IsActive     bool      `bson:"isActive" json:"isActive"`
	IsAdmin      bool      `bson:"isAdmin" json:"isAdmin"`
	CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Chain is spec.md §3's Chain document. Routing enablement additionally
// lives on internal/chainregistry; this is the persisted, admin-editable
// record the registry is seeded/updated from.
type Chain struct {
	ID          string `bson:"_id,omitempty" json:"id"`
	ChainName   string `bson:"chainName" json:"chainName"`
	ChainID     int    `bson:"chainId" json:"chainId"`
	Description string `bson:"description" json:"description"`
	IsEnabled   bool   `bson:"isEnabled" json:"isEnabled"`
}

// App is spec.md §3's App document.
type App struct {
	ID                 string    `bson:"_id,omitempty" json:"id"`
	OwnerUserID        string    `bson:"ownerUserId" json:"ownerUserId"`
	Name               string    `bson:"name" json:"name"`
	Description        string    `bson:"description" json:"description"`
	ChainName          string    `bson:"chainName" json:"chainName"`
	ChainID            int       `bson:"chainId" json:"chainId"`
	APIKey             string    `bson:"apiKey" json:"apiKey"`
	MaxRPS             int       `bson:"maxRps" json:"maxRps"`
	DailyRequestsLimit int64     `bson:"dailyRequestsLimit" json:"dailyRequestsLimit"`
	IsActive           bool      `bson:"isActive" json:"isActive"`
	Requests           int64     `bson:"requests" json:"requests"`
	DailyRequests      int64     `bson:"dailyRequests" json:"dailyRequests"`
	LastResetDate      string    `bson:"lastResetDate" json:"lastResetDate"` // "2006-01-02" UTC
	CreatedAt          time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt          time.Time `bson:"updatedAt" json:"updatedAt"`
}

// DefaultAppSettings is spec.md §3's singleton, consumed when an App is
// created without explicit limits.
type DefaultAppSettings struct {
	DefaultMaxRPS             int `bson:"defaultMaxRps" json:"defaultMaxRps"`
	DefaultDailyRequestsLimit int `bson:"defaultDailyRequestsLimit" json:"defaultDailyRequestsLimit"`
}

// TouchResult is C4's touchAndCount return value.
type TouchResult struct {
	App     *App
	Invalid bool // no active app found for this apiKey
}

// AppStore is C4, the API-Key Store.
type AppStore interface {
	// TouchAndCount atomically locates the App by apiKey where
	// isActive=true, resets dailyRequests if lastResetDate isn't today,
	// then increments both requests and dailyRequests by one, per
	// spec.md §4.4.
	TouchAndCount(ctx context.Context, apiKey string) (TouchResult, error)
	// CompensateDaily decrements dailyRequests by one, used when the
	// Dispatcher rejects a request post-increment for exceeding
	// dailyRequestsLimit (spec.md §4.4).
	CompensateDaily(ctx context.Context, appID string) error
	// RegenerateAPIKey assigns a fresh UUIDv4 apiKey to appID.
	RegenerateAPIKey(ctx context.Context, appID string) (string, error)
	Create(ctx context.Context, app *App) (*App, error)
	Get(ctx context.Context, appID string) (*App, error)
	GetByAPIKey(ctx context.Context, apiKey string) (*App, error)
	ListByOwner(ctx context.Context, ownerUserID string) ([]*App, error)
	Update(ctx context.Context, app *App) error
	Delete(ctx context.Context, appID string) error
}

// UserStore is the User persistence surface behind internal/authapi.
type UserStore interface {
	Create(ctx context.Context, u *User) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Get(ctx context.Context, id string) (*User, error)
	Update(ctx context.Context, u *User) error
}

// ChainStore is the Chain persistence surface behind internal/adminapi.
type ChainStore interface {
	Create(ctx context.Context, c *Chain) (*Chain, error)
	List(ctx context.Context) ([]*Chain, error)
	Get(ctx context.Context, chainID string) (*Chain, error)
	Update(ctx context.Context, c *Chain) error
	Delete(ctx context.Context, chainID string) error
}

// SettingsStore is the DefaultAppSettings persistence surface.
type SettingsStore interface {
	Get(ctx context.Context) (*DefaultAppSettings, error)
	Update(ctx context.Context, s *DefaultAppSettings) error
}

// BootstrapDefaults is spec.md §3's bootstrap values when no
// DefaultAppSettings document exists yet.
var BootstrapDefaults = DefaultAppSettings{DefaultMaxRPS: 20, DefaultDailyRequestsLimit: 10_000}
