// Package identity resolves identity claims to principals.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/fyrsmithlabs/collabd/internal/config"
	"github.com/fyrsmithlabs/collabd/pkg/auth"
)

const connectTimeout = 10 * time.Second

// userDocument is the subset of a users document collabd reads. The
// password hash is never projected.
type userDocument struct {
	ID       primitive.ObjectID `bson:"_id"`
	Email    string             `bson:"email"`
	Username string             `bson:"username,omitempty"`
}

func (d userDocument) principal() *auth.Principal {
	return &auth.Principal{ID: d.ID.Hex(), Email: d.Email, Username: d.Username}
}

// MongoStore reads principals from the users collection.
type MongoStore struct {
	client *mongo.Client
	users  *mongo.Collection
}

// Connect dials MongoDB and verifies the primary is reachable.
func Connect(ctx context.Context, cfg config.MongoConfig) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	return &MongoStore{
		client: client,
		users:  client.Database(cfg.Database).Collection(cfg.UsersCollection),
	}, nil
}

// emailCollation compares emails ignoring case, matching MemoryStore and
// the principal cache keys.
var emailCollation = &options.Collation{Locale: "en", Strength: 2}

func emailFilter(email string) bson.M {
	return bson.M{"email": strings.TrimSpace(email)}
}

func findUserOptions() *options.FindOneOptions {
	return options.FindOne().
		SetCollation(emailCollation).
		SetProjection(bson.M{"_id": 1, "email": 1, "username": 1})
}

// FindByEmail implements auth.PrincipalStore. The match is case-insensitive.
func (s *MongoStore) FindByEmail(ctx context.Context, email string) (*auth.Principal, error) {
	var doc userDocument
	err := s.users.FindOne(ctx, emailFilter(email), findUserOptions()).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, auth.ErrUnknownPrincipal
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return doc.principal(), nil
}

// Ping checks the connection.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
