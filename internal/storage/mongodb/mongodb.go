package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authcore/internal/domain/models"
	"authcore/internal/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type Storage struct {
	client   *mongo.Client
	database *mongo.Database
	users    *mongo.Collection
	sessions *mongo.Collection
	tokens   *mongo.Collection
	revoked  *mongo.Collection
}

type userDoc struct {
	ID       string `bson:"_id"`
	Email    string `bson:"email"`
	Role     string `bson:"role"`
	PassHash []byte `bson:"pass_hash"`
	IsActive bool   `bson:"is_active"`
}

type sessionDoc struct {
	ID           string     `bson:"_id"`
	UserID       string     `bson:"user_id"`
	TokenHash    string     `bson:"token_hash"`
	IssuedAt     time.Time  `bson:"issued_at"`
	ExpiresAt    time.Time  `bson:"expires_at"`
	IsActive     bool       `bson:"is_active"`
	LastActivity *time.Time `bson:"last_activity,omitempty"`
}

type refreshTokenDoc struct {
	ID               string    `bson:"_id"`
	UserID           string    `bson:"user_id"`
	TokenHash        string    `bson:"token_hash"`
	IssuedAt         time.Time `bson:"issued_at"`
	ExpiresAt        time.Time `bson:"expires_at"`
	LineageStartedAt time.Time `bson:"lineage_started_at"`
	IsActive         bool      `bson:"is_active"`
}

type revokedTokenDoc struct {
	TokenHash string    `bson:"token_hash"`
	UserID    string    `bson:"user_id"`
	ExpiresAt time.Time `bson:"expires_at"`
	RevokedAt time.Time `bson:"revoked_at"`
}

// New creates a new MongoDB storage instance and sets up indexes.
func New(ctx context.Context, uri, database string) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client:   client,
		database: db,
		users:    db.Collection("users"),
		sessions: db.Collection("sessions"),
		tokens:   db.Collection("refresh_tokens"),
		revoked:  db.Collection("revoked_tokens"),
	}

	if err := s.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	return s, nil
}

// EnsureIndexes creates the unique and TTL indexes the auth flows rely on.
// The TTL indexes on expires_at give the expiry-based auto-removal; the
// periodic sweeps only catch what the TTL monitor has not reached yet.
func (s *Storage) EnsureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users.email index: %w", err)
	}

	for name, coll := range map[string]*mongo.Collection{
		"sessions":       s.sessions,
		"refresh_tokens": s.tokens,
		"revoked_tokens": s.revoked,
	} {
		_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "token_hash", Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			return fmt.Errorf("%s.token_hash index: %w", name, err)
		}

		_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		})
		if err != nil {
			return fmt.Errorf("%s.expires_at TTL index: %w", name, err)
		}
	}

	for name, coll := range map[string]*mongo.Collection{
		"sessions":       s.sessions,
		"refresh_tokens": s.tokens,
	} {
		_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "user_id", Value: 1}},
		})
		if err != nil {
			return fmt.Errorf("%s.user_id index: %w", name, err)
		}
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// SaveUser upserts a user. Used by cmd/seed; user administration proper is
// an external concern.
func (s *Storage) SaveUser(ctx context.Context, user *models.User) error {
	const op = "storage.mongodb.SaveUser"

	doc := userDoc{
		ID:       user.ID,
		Email:    user.Email,
		Role:     user.Role,
		PassHash: user.PassHash,
		IsActive: user.IsActive,
	}

	_, err := s.users.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: user.ID}},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// User retrieves a user by email.
func (s *Storage) User(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.mongodb.User"
	return s.findUser(ctx, op, bson.D{{Key: "email", Value: email}})
}

// UserByID retrieves a user by ID.
func (s *Storage) UserByID(ctx context.Context, userID string) (*models.User, error) {
	const op = "storage.mongodb.UserByID"
	return s.findUser(ctx, op, bson.D{{Key: "_id", Value: userID}})
}

func (s *Storage) findUser(ctx context.Context, op string, filter bson.D) (*models.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.User{
		ID:       doc.ID,
		Email:    doc.Email,
		Role:     doc.Role,
		PassHash: doc.PassHash,
		IsActive: doc.IsActive,
	}, nil
}

// OpenSession inserts an active session.
func (s *Storage) OpenSession(ctx context.Context, session *models.Session) error {
	const op = "storage.mongodb.OpenSession"

	doc := sessionDoc{
		ID:           session.ID,
		UserID:       session.UserID,
		TokenHash:    session.TokenHash,
		IssuedAt:     session.IssuedAt,
		ExpiresAt:    session.ExpiresAt,
		IsActive:     session.IsActive,
		LastActivity: session.LastActivity,
	}

	_, err := s.sessions.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// SessionActive reports whether a live session exists for the fingerprint.
func (s *Storage) SessionActive(ctx context.Context, tokenHash string) (bool, error) {
	const op = "storage.mongodb.SessionActive"

	filter := bson.D{
		{Key: "token_hash", Value: tokenHash},
		{Key: "is_active", Value: true},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: time.Now()}}},
	}

	err := s.sessions.FindOne(ctx, filter).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return true, nil
}

// CloseSessionByToken deactivates the session for the fingerprint.
func (s *Storage) CloseSessionByToken(ctx context.Context, tokenHash string) error {
	const op = "storage.mongodb.CloseSessionByToken"

	res, err := s.sessions.UpdateOne(ctx,
		bson.D{{Key: "token_hash", Value: tokenHash}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "is_active", Value: false}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrSessionNotFound)
	}

	return nil
}

// CloseSessionsForUser deactivates every active session owned by the user.
func (s *Storage) CloseSessionsForUser(ctx context.Context, userID string) (int64, error) {
	const op = "storage.mongodb.CloseSessionsForUser"

	res, err := s.sessions.UpdateMany(ctx,
		bson.D{{Key: "user_id", Value: userID}, {Key: "is_active", Value: true}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "is_active", Value: false}}}},
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return res.ModifiedCount, nil
}

// CloseAllSessions deactivates every active session system-wide.
func (s *Storage) CloseAllSessions(ctx context.Context) (int64, error) {
	const op = "storage.mongodb.CloseAllSessions"

	res, err := s.sessions.UpdateMany(ctx,
		bson.D{{Key: "is_active", Value: true}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "is_active", Value: false}}}},
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return res.ModifiedCount, nil
}

// SweepExpiredSessions deactivates up to limit sessions that expired but are
// still marked active.
func (s *Storage) SweepExpiredSessions(ctx context.Context, limit int) (int64, error) {
	const op = "storage.mongodb.SweepExpiredSessions"

	filter := bson.D{
		{Key: "is_active", Value: true},
		{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: time.Now()}}},
	}

	ids, err := s.collectIDs(ctx, s.sessions, filter, limit)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := s.sessions.UpdateMany(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "is_active", Value: false}}}},
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return res.ModifiedCount, nil
}

// EnrollRefreshToken stores a new whitelist record.
func (s *Storage) EnrollRefreshToken(ctx context.Context, record *models.RefreshTokenRecord) error {
	const op = "storage.mongodb.EnrollRefreshToken"

	doc := refreshTokenDoc{
		ID:               record.ID,
		UserID:           record.UserID,
		TokenHash:        record.TokenHash,
		IssuedAt:         record.IssuedAt,
		ExpiresAt:        record.ExpiresAt,
		LineageStartedAt: record.LineageStartedAt,
		IsActive:         record.IsActive,
	}

	_, err := s.tokens.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RefreshTokenByHash retrieves a whitelist record by fingerprint.
func (s *Storage) RefreshTokenByHash(ctx context.Context, tokenHash string) (*models.RefreshTokenRecord, error) {
	const op = "storage.mongodb.RefreshTokenByHash"

	var doc refreshTokenDoc
	err := s.tokens.FindOne(ctx, bson.D{{Key: "token_hash", Value: tokenHash}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &models.RefreshTokenRecord{
		ID:               doc.ID,
		UserID:           doc.UserID,
		TokenHash:        doc.TokenHash,
		IssuedAt:         doc.IssuedAt,
		ExpiresAt:        doc.ExpiresAt,
		LineageStartedAt: doc.LineageStartedAt,
		IsActive:         doc.IsActive,
	}, nil
}

// InvalidateRefreshTokensForUser deactivates every whitelist record owned by
// the user.
func (s *Storage) InvalidateRefreshTokensForUser(ctx context.Context, userID string) error {
	const op = "storage.mongodb.InvalidateRefreshTokensForUser"

	_, err := s.tokens.UpdateMany(ctx,
		bson.D{{Key: "user_id", Value: userID}, {Key: "is_active", Value: true}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "is_active", Value: false}}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// ConsumeRefreshToken deactivates the record in one conditional update.
// The filter on is_active makes it a compare-and-swap: of two concurrent
// redemptions only one matches, the other gets ErrTokenConsumed.
func (s *Storage) ConsumeRefreshToken(ctx context.Context, tokenHash string) error {
	const op = "storage.mongodb.ConsumeRefreshToken"

	err := s.tokens.FindOneAndUpdate(ctx,
		bson.D{{Key: "token_hash", Value: tokenHash}, {Key: "is_active", Value: true}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "is_active", Value: false}}}},
	).Err()
	if err == nil {
		return nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", op, err)
	}

	// Distinguish "already consumed" from "never existed".
	findErr := s.tokens.FindOne(ctx, bson.D{{Key: "token_hash", Value: tokenHash}}).Err()
	if findErr == nil {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenConsumed)
	}
	if errors.Is(findErr, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
	}

	return fmt.Errorf("%s: %w", op, findErr)
}

// RevokeToken inserts a denylist entry. A duplicate insert is the idempotent
// success case.
func (s *Storage) RevokeToken(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	const op = "storage.mongodb.RevokeToken"

	doc := revokedTokenDoc{
		TokenHash: tokenHash,
		UserID:    userID,
		ExpiresAt: expiresAt,
		RevokedAt: time.Now(),
	}

	_, err := s.revoked.InsertOne(ctx, doc)
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// TokenRevoked reports whether the fingerprint is denylisted.
func (s *Storage) TokenRevoked(ctx context.Context, tokenHash string) (bool, error) {
	const op = "storage.mongodb.TokenRevoked"

	err := s.revoked.FindOne(ctx, bson.D{{Key: "token_hash", Value: tokenHash}}).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return true, nil
}

// RevokeAllActive denylists every active refresh token and every active
// session token, deactivating the refresh records. Closing the sessions is
// the caller's paired step. Returns the number of new denylist entries.
func (s *Storage) RevokeAllActive(ctx context.Context) (int64, error) {
	const op = "storage.mongodb.RevokeAllActive"

	activeFilter := bson.D{{Key: "is_active", Value: true}}

	var count int64

	cursor, err := s.tokens.Find(ctx, activeFilter)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	var tokenDocs []refreshTokenDoc
	if err := cursor.All(ctx, &tokenDocs); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	for _, doc := range tokenDocs {
		if err := s.RevokeToken(ctx, doc.TokenHash, doc.UserID, doc.ExpiresAt); err != nil {
			return count, fmt.Errorf("%s: %w", op, err)
		}
		count++
	}

	if _, err := s.tokens.UpdateMany(ctx, activeFilter,
		bson.D{{Key: "$set", Value: bson.D{{Key: "is_active", Value: false}}}},
	); err != nil {
		return count, fmt.Errorf("%s: %w", op, err)
	}

	sessCursor, err := s.sessions.Find(ctx, activeFilter)
	if err != nil {
		return count, fmt.Errorf("%s: %w", op, err)
	}
	var sessionDocs []sessionDoc
	if err := sessCursor.All(ctx, &sessionDocs); err != nil {
		return count, fmt.Errorf("%s: %w", op, err)
	}

	for _, doc := range sessionDocs {
		if err := s.RevokeToken(ctx, doc.TokenHash, doc.UserID, doc.ExpiresAt); err != nil {
			return count, fmt.Errorf("%s: %w", op, err)
		}
		count++
	}

	return count, nil
}

// PruneRevokedTokens deletes up to limit denylist entries past their expiry.
func (s *Storage) PruneRevokedTokens(ctx context.Context, limit int) (int64, error) {
	const op = "storage.mongodb.PruneRevokedTokens"

	filter := bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lte", Value: time.Now()}}}}

	ids, err := s.collectIDs(ctx, s.revoked, filter, limit)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := s.revoked.DeleteMany(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}},
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return res.DeletedCount, nil
}

// collectIDs gathers up to limit matching _id values so bulk updates and
// deletes stay bounded per sweep.
func (s *Storage) collectIDs(ctx context.Context, coll *mongo.Collection, filter bson.D, limit int) ([]interface{}, error) {
	opts := options.Find().
		SetLimit(int64(limit)).
		SetProjection(bson.D{{Key: "_id", Value: 1}})

	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}

	var docs []struct {
		ID interface{} `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	ids := make([]interface{}, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return ids, nil
}

// isDuplicateKeyError checks if the error is a MongoDB duplicate key error (code 11000).
func isDuplicateKeyError(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	return false
}
