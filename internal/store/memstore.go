package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory AppStore/UserStore/ChainStore/SettingsStore fake,
// grounded in SPEC_FULL.md §8's requirement that the Dispatcher, RateLimiter
// and reverse proxy be testable "behind the same interface the Mongo-backed
// implementation satisfies" without a live MongoDB. It is not meant for
// production use: a single mutex serializes every operation.
type MemStore struct {
	mu       sync.Mutex
	apps     map[string]*App
	users    map[string]*User
	chains   map[string]*Chain
	settings DefaultAppSettings
	seq      int
}

// NewMemStore returns an empty fake seeded with spec.md §3's bootstrap
// default settings.
func NewMemStore() *MemStore {
	return &MemStore{
		apps:     make(map[string]*App),
		users:    make(map[string]*User),
		chains:   make(map[string]*Chain),
		settings: BootstrapDefaults,
	}
}

func (s *MemStore) nextID() string {
	s.seq++
	return fmt.Sprintf("mem-%d", s.seq)
}

func clonePtr[T any](v T) *T {
	cp := v
	return &cp
}

// --- AppStore ---

func (s *MemStore) TouchAndCount(_ context.Context, apiKey string) (TouchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, app := range s.apps {
		if app.APIKey != apiKey || !app.IsActive {
			continue
		}
		today := time.Now().UTC().Format("2006-01-02")
		if app.LastResetDate != today {
			app.DailyRequests = 0
			app.LastResetDate = today
		}
		app.Requests++
		app.DailyRequests++
		app.UpdatedAt = time.Now().UTC()
		return TouchResult{App: clonePtr(*app)}, nil
	}
	return TouchResult{Invalid: true}, nil
}

func (s *MemStore) CompensateDaily(_ context.Context, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[appID]
	if !ok {
		return fmt.Errorf("app not found: %s", appID)
	}
	app.DailyRequests--
	return nil
}

func (s *MemStore) RegenerateAPIKey(_ context.Context, appID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[appID]
	if !ok {
		return "", fmt.Errorf("app not found: %s", appID)
	}
	app.APIKey = uuid.New().String()
	app.UpdatedAt = time.Now().UTC()
	return app.APIKey, nil
}

func (s *MemStore) Create(_ context.Context, app *App) (*App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if app.APIKey == "" {
		app.APIKey = uuid.New().String()
	}
	now := time.Now().UTC()
	app.ID = s.nextID()
	app.CreatedAt, app.UpdatedAt = now, now
	app.LastResetDate = now.Format("2006-01-02")
	app.IsActive = true

	s.apps[app.ID] = clonePtr(*app)
	return clonePtr(*app), nil
}

func (s *MemStore) Get(_ context.Context, appID string) (*App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[appID]
	if !ok {
		return nil, fmt.Errorf("app not found: %s", appID)
	}
	return clonePtr(*app), nil
}

func (s *MemStore) GetByAPIKey(_ context.Context, apiKey string) (*App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, app := range s.apps {
		if app.APIKey == apiKey {
			return clonePtr(*app), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) ListByOwner(_ context.Context, ownerUserID string) ([]*App, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*App
	for _, app := range s.apps {
		if app.OwnerUserID == ownerUserID {
			out = append(out, clonePtr(*app))
		}
	}
	return out, nil
}

func (s *MemStore) Update(_ context.Context, app *App) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[app.ID]; !ok {
		return fmt.Errorf("app not found: %s", app.ID)
	}
	app.UpdatedAt = time.Now().UTC()
	s.apps[app.ID] = clonePtr(*app)
	return nil
}

func (s *MemStore) Delete(_ context.Context, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.apps, appID)
	return nil
}

// --- UserStore ---

type memUserStore struct{ s *MemStore }

// Users returns a UserStore view over this MemStore.
func (s *MemStore) Users() UserStore { return memUserStore{s} }

func (a memUserStore) Create(_ context.Context, u *User) (*User, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for _, existing := range a.s.users {
		if existing.Email == u.Email {
			return nil, fmt.Errorf("email already registered: %s", u.Email)
		}
	}
	now := time.Now().UTC()
	u.ID = a.s.nextID()
	u.CreatedAt, u.UpdatedAt = now, now
	a.s.users[u.ID] = clonePtr(*u)
	return clonePtr(*u), nil
}

func (a memUserStore) GetByEmail(_ context.Context, email string) (*User, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for _, u := range a.s.users {
		if u.Email == email {
			return clonePtr(*u), nil
		}
	}
	return nil, fmt.Errorf("user not found: %s", email)
}

func (a memUserStore) Get(_ context.Context, id string) (*User, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	u, ok := a.s.users[id]
	if !ok {
		return nil, fmt.Errorf("user not found: %s", id)
	}
	return clonePtr(*u), nil
}

func (a memUserStore) Update(_ context.Context, u *User) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if _, ok := a.s.users[u.ID]; !ok {
		return fmt.Errorf("user not found: %s", u.ID)
	}
	u.UpdatedAt = time.Now().UTC()
	a.s.users[u.ID] = clonePtr(*u)
	return nil
}

// --- ChainStore ---

type memChainStore struct{ s *MemStore }

// Chains returns a ChainStore view over this MemStore.
func (s *MemStore) Chains() ChainStore { return memChainStore{s} }

func (a memChainStore) Create(_ context.Context, c *Chain) (*Chain, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	c.ID = a.s.nextID()
	a.s.chains[c.ID] = clonePtr(*c)
	return clonePtr(*c), nil
}

func (a memChainStore) List(_ context.Context) ([]*Chain, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	out := make([]*Chain, 0, len(a.s.chains))
	for _, c := range a.s.chains {
		out = append(out, clonePtr(*c))
	}
	return out, nil
}

func (a memChainStore) Get(_ context.Context, chainID string) (*Chain, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	c, ok := a.s.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("chain not found: %s", chainID)
	}
	return clonePtr(*c), nil
}

func (a memChainStore) Update(_ context.Context, c *Chain) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	if _, ok := a.s.chains[c.ID]; !ok {
		return fmt.Errorf("chain not found: %s", c.ID)
	}
	a.s.chains[c.ID] = clonePtr(*c)
	return nil
}

func (a memChainStore) Delete(_ context.Context, chainID string) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	delete(a.s.chains, chainID)
	return nil
}

// --- SettingsStore ---

type memSettingsStore struct{ s *MemStore }

// Settings returns a SettingsStore view over this MemStore.
func (s *MemStore) Settings() SettingsStore { return memSettingsStore{s} }

func (a memSettingsStore) Get(_ context.Context) (*DefaultAppSettings, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	return clonePtr(a.s.settings), nil
}

func (a memSettingsStore) Update(_ context.Context, set *DefaultAppSettings) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.settings = *set
	return nil
}

var _ AppStore = (*MemStore)(nil)
