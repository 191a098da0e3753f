package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements AppStore, UserStore, ChainStore and SettingsStore
// against MongoDB, grounded in spec.md §3's persistence mapping. The single
// FindOneAndUpdate aggregation-pipeline update in TouchAndCount is the
// "atomic read-modify-write on a document identified by key" spec.md §1
// assumes the store provides.
type MongoStore struct {
	db *mongo.Database
}

// NewMongoStore wires up the four collections (users, apps, chains,
// default_app_settings) named in SPEC_FULL.md §3.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

func (s *MongoStore) apps() *mongo.Collection     { return s.db.Collection("apps") }
func (s *MongoStore) users() *mongo.Collection    { return s.db.Collection("users") }
func (s *MongoStore) chains() *mongo.Collection   { return s.db.Collection("chains") }
func (s *MongoStore) settings() *mongo.Collection { return s.db.Collection("default_app_settings") }

// EnsureIndexes creates the unique indexes SPEC_FULL.md §3 names. Call once
// at startup; safe to call repeatedly.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.apps().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "apiKey", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("creating apiKey index: %w", err)
	}
	if _, err := s.users().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("creating email index: %w", err)
	}
	if _, err := s.chains().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "chainName", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("creating chainName index: %w", err)
	}
	if _, err := s.chains().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "chainId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("creating chainId index: %w", err)
	}
	return nil
}

func utcDay() string { return time.Now().UTC().Format("2006-01-02") }

// TouchAndCount is C4's single atomic increment: if lastResetDate isn't
// today, dailyRequests resets to 1 rather than incrementing, per spec.md
// §4.4's resetDailyIfNeeded rule, folded into the same pipeline update.
func (s *MongoStore) TouchAndCount(ctx context.Context, apiKey string) (TouchResult, error) {
	today := utcDay()
	now := time.Now().UTC()

	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"dailyRequests": bson.M{"$cond": bson.A{
				bson.M{"$ne": bson.A{"$lastResetDate", today}},
				1,
				bson.M{"$add": bson.A{"$dailyRequests", 1}},
			}},
			"lastResetDate": today,
			"requests":      bson.M{"$add": bson.A{"$requests", 1}},
			"updatedAt":     now,
		}}},
	}

	var app App
	err := s.apps().FindOneAndUpdate(ctx,
		bson.M{"apiKey": apiKey, "isActive": true},
		pipeline,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&app)

	if errors.Is(err, mongo.ErrNoDocuments) {
		return TouchResult{Invalid: true}, nil
	}
	if err != nil {
		return TouchResult{}, fmt.Errorf("touch and count: %w", err)
	}
	return TouchResult{App: &app}, nil
}

// CompensateDaily decrements dailyRequests by one when the Dispatcher
// rejects a request whose post-increment count exceeded the limit.
func (s *MongoStore) CompensateDaily(ctx context.Context, appID string) error {
	oid, err := primitive.ObjectIDFromHex(appID)
	if err != nil {
		return fmt.Errorf("invalid app id: %w", err)
	}
	_, err = s.apps().UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$inc": bson.M{"dailyRequests": -1}},
	)
	if err != nil {
		return fmt.Errorf("compensating daily count: %w", err)
	}
	return nil
}

func (s *MongoStore) RegenerateAPIKey(ctx context.Context, appID string) (string, error) {
	oid, err := primitive.ObjectIDFromHex(appID)
	if err != nil {
		return "", fmt.Errorf("invalid app id: %w", err)
	}
	newKey := uuid.New().String()
	res, err := s.apps().UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"apiKey": newKey, "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return "", fmt.Errorf("regenerating api key: %w", err)
	}
	if res.MatchedCount == 0 {
		return "", fmt.Errorf("app not found: %s", appID)
	}
	return newKey, nil
}

func (s *MongoStore) Create(ctx context.Context, app *App) (*App, error) {
	if app.APIKey == "" {
		app.APIKey = uuid.New().String()
	}
	now := time.Now().UTC()
	app.CreatedAt, app.UpdatedAt = now, now
	app.LastResetDate = utcDay()
	app.IsActive = true

	res, err := s.apps().InsertOne(ctx, app)
	if err != nil {
		return nil, fmt.Errorf("creating app: %w", err)
	}
	app.ID = res.InsertedID.(primitive.ObjectID).Hex()
	return app, nil
}

func (s *MongoStore) Get(ctx context.Context, appID string) (*App, error) {
	oid, err := primitive.ObjectIDFromHex(appID)
	if err != nil {
		return nil, fmt.Errorf("invalid app id: %w", err)
	}
	var app App
	if err := s.apps().FindOne(ctx, bson.M{"_id": oid}).Decode(&app); err != nil {
		return nil, fmt.Errorf("getting app: %w", err)
	}
	return &app, nil
}

func (s *MongoStore) GetByAPIKey(ctx context.Context, apiKey string) (*App, error) {
	var app App
	err := s.apps().FindOne(ctx, bson.M{"apiKey": apiKey}).Decode(&app)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting app by api key: %w", err)
	}
	return &app, nil
}

func (s *MongoStore) ListByOwner(ctx context.Context, ownerUserID string) ([]*App, error) {
	cur, err := s.apps().Find(ctx, bson.M{"ownerUserId": ownerUserID})
	if err != nil {
		return nil, fmt.Errorf("listing apps: %w", err)
	}
	defer cur.Close(ctx)

	var apps []*App
	if err := cur.All(ctx, &apps); err != nil {
		return nil, fmt.Errorf("decoding apps: %w", err)
	}
	return apps, nil
}

func (s *MongoStore) Update(ctx context.Context, app *App) error {
	oid, err := primitive.ObjectIDFromHex(app.ID)
	if err != nil {
		return fmt.Errorf("invalid app id: %w", err)
	}
	app.UpdatedAt = time.Now().UTC()
	_, err = s.apps().ReplaceOne(ctx, bson.M{"_id": oid}, app)
	if err != nil {
		return fmt.Errorf("updating app: %w", err)
	}
	return nil
}

func (s *MongoStore) Delete(ctx context.Context, appID string) error {
	oid, err := primitive.ObjectIDFromHex(appID)
	if err != nil {
		return fmt.Errorf("invalid app id: %w", err)
	}
	_, err = s.apps().DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("deleting app: %w", err)
	}
	return nil
}

// --- UserStore ---

func (s *MongoStore) CreateUser(ctx context.Context, u *User) (*User, error) {
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	res, err := s.users().InsertOne(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	u.ID = res.InsertedID.(primitive.ObjectID).Hex()
	return u, nil
}

func (s *MongoStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	if err := s.users().FindOne(ctx, bson.M{"email": email}).Decode(&u); err != nil {
		return nil, fmt.Errorf("getting user by email: %w", err)
	}
	return &u, nil
}

func (s *MongoStore) GetUser(ctx context.Context, id string) (*User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, fmt.Errorf("invalid user id: %w", err)
	}
	var u User
	if err := s.users().FindOne(ctx, bson.M{"_id": oid}).Decode(&u); err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return &u, nil
}

func (s *MongoStore) UpdateUser(ctx context.Context, u *User) error {
	oid, err := primitive.ObjectIDFromHex(u.ID)
	if err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	u.UpdatedAt = time.Now().UTC()
	_, err = s.users().ReplaceOne(ctx, bson.M{"_id": oid}, u)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	return nil
}

// --- ChainStore ---

func (s *MongoStore) CreateChain(ctx context.Context, c *Chain) (*Chain, error) {
	res, err := s.chains().InsertOne(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("creating chain: %w", err)
	}
	c.ID = res.InsertedID.(primitive.ObjectID).Hex()
	return c, nil
}

func (s *MongoStore) ListChains(ctx context.Context) ([]*Chain, error) {
	cur, err := s.chains().Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("listing chains: %w", err)
	}
	defer cur.Close(ctx)

	var chains []*Chain
	if err := cur.All(ctx, &chains); err != nil {
		return nil, fmt.Errorf("decoding chains: %w", err)
	}
	return chains, nil
}

func (s *MongoStore) GetChain(ctx context.Context, chainID string) (*Chain, error) {
	oid, err := primitive.ObjectIDFromHex(chainID)
	if err != nil {
		return nil, fmt.Errorf("invalid chain id: %w", err)
	}
	var c Chain
	if err := s.chains().FindOne(ctx, bson.M{"_id": oid}).Decode(&c); err != nil {
		return nil, fmt.Errorf("getting chain: %w", err)
	}
	return &c, nil
}

func (s *MongoStore) UpdateChain(ctx context.Context, c *Chain) error {
	oid, err := primitive.ObjectIDFromHex(c.ID)
	if err != nil {
		return fmt.Errorf("invalid chain id: %w", err)
	}
	_, err = s.chains().ReplaceOne(ctx, bson.M{"_id": oid}, c)
	if err != nil {
		return fmt.Errorf("updating chain: %w", err)
	}
	return nil
}

func (s *MongoStore) DeleteChain(ctx context.Context, chainID string) error {
	oid, err := primitive.ObjectIDFromHex(chainID)
	if err != nil {
		return fmt.Errorf("invalid chain id: %w", err)
	}
	_, err = s.chains().DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("deleting chain: %w", err)
	}
	return nil
}

// --- SettingsStore ---

// settingsDocID is the fixed id of the DefaultAppSettings singleton document.
const settingsDocID = "default"

func (s *MongoStore) GetSettings(ctx context.Context) (*DefaultAppSettings, error) {
	var doc struct {
		ID string `bson:"_id"`
		DefaultAppSettings `bson:",inline"`
	}
	err := s.settings().FindOne(ctx, bson.M{"_id": settingsDocID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		defaults := BootstrapDefaults
		return &defaults, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting default settings: %w", err)
	}
	return &doc.DefaultAppSettings, nil
}

func (s *MongoStore) UpdateSettings(ctx context.Context, set *DefaultAppSettings) error {
	_, err := s.settings().UpdateOne(ctx,
		bson.M{"_id": settingsDocID},
		bson.M{"$set": set},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("updating default settings: %w", err)
	}
	return nil
}

// userStoreAdapter and friends below let MongoStore satisfy the narrower
// per-surface interfaces (UserStore, ChainStore, SettingsStore) declared in
// types.go. MongoStore's own methods for those records carry a prefix or
// suffix (CreateUser, GetChain, GetSettings, ...) to avoid collisions on one
// receiver with the AppStore methods (e.g. both Apps and Chains have a
// Create/Get/Update/Delete); each adapter maps the interface's unprefixed
// names onto them.

type userStoreAdapter struct{ s *MongoStore }

func (a userStoreAdapter) Create(ctx context.Context, u *User) (*User, error) { return a.s.CreateUser(ctx, u) }
func (a userStoreAdapter) GetByEmail(ctx context.Context, email string) (*User, error) {
	return a.s.GetUserByEmail(ctx, email)
}
func (a userStoreAdapter) Get(ctx context.Context, id string) (*User, error) { return a.s.GetUser(ctx, id) }
func (a userStoreAdapter) Update(ctx context.Context, u *User) error        { return a.s.UpdateUser(ctx, u) }

// Users returns a UserStore view over this MongoStore.
func (s *MongoStore) Users() UserStore { return userStoreAdapter{s} }

type chainStoreAdapter struct{ s *MongoStore }

func (a chainStoreAdapter) Create(ctx context.Context, c *Chain) (*Chain, error) { return a.s.CreateChain(ctx, c) }
func (a chainStoreAdapter) List(ctx context.Context) ([]*Chain, error)          { return a.s.ListChains(ctx) }
func (a chainStoreAdapter) Get(ctx context.Context, id string) (*Chain, error)  { return a.s.GetChain(ctx, id) }
func (a chainStoreAdapter) Update(ctx context.Context, c *Chain) error          { return a.s.UpdateChain(ctx, c) }
func (a chainStoreAdapter) Delete(ctx context.Context, id string) error        { return a.s.DeleteChain(ctx, id) }

// Chains returns a ChainStore view over this MongoStore.
func (s *MongoStore) Chains() ChainStore { return chainStoreAdapter{s} }

type settingsStoreAdapter struct{ s *MongoStore }

func (a settingsStoreAdapter) Get(ctx context.Context) (*DefaultAppSettings, error) {
	return a.s.GetSettings(ctx)
}
func (a settingsStoreAdapter) Update(ctx context.Context, set *DefaultAppSettings) error {
	return a.s.UpdateSettings(ctx, set)
}

// Settings returns a SettingsStore view over this MongoStore.
func (s *MongoStore) Settings() SettingsStore { return settingsStoreAdapter{s} }

var _ AppStore = (*MongoStore)(nil)
