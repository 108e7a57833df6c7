// Copyright (c) 2019 Mailvelope GmbH.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package keydb persists public key records in MongoDB. One document
// exists per key fingerprint; uniqueness of key ID and fingerprint is
// enforced by indexes, and unverified uploads expire through a TTL index
// on the verifyUntil field.
package keydb

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mailvelope/keyserver-sub000/config"
	"github.com/mailvelope/keyserver-sub000/log"
	"github.com/mailvelope/keyserver-sub000/pgpkey"
)

// ErrNotFound is raised when no key record matches a query.
var ErrNotFound = errors.New("keydb: key not found")

const collectionName = "publickey"

// Store gives access to the public key collection.
type Store struct {
	client *mongo.Client
	keys   *mongo.Collection
}

// Open connects to MongoDB and returns a store for the public key
// collection of the given database.
func Open(ctx context.Context, cfg *config.Mongo, dbName string) (*Store, error) {
	opts := options.Client().ApplyURI(cfg.URI)
	if cfg.User != "" {
		opts.SetAuth(options.Credential{
			Username: cfg.User,
			Password: cfg.Pass,
		})
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	log.Infof("keydb: connected to %s", cfg.URI)
	return &Store{
		client: client,
		keys:   client.Database(dbName).Collection(collectionName),
	}, nil
}

// Close disconnects from MongoDB.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// CreateIndexes ensures the unique and TTL indexes of the collection.
// Unverified uploads are reaped by MongoDB once verifyUntil has passed.
func (s *Store) CreateIndexes(ctx context.Context) error {
	_, err := s.keys.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "keyId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "fingerprint", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "verifyUntil", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(1),
		},
	})
	return err
}

// Insert stores a new key record.
func (s *Store) Insert(ctx context.Context, key *pgpkey.Key) error {
	_, err := s.keys.InsertOne(ctx, key)
	return err
}

// Replace overwrites the key record with the same key ID.
func (s *Store) Replace(ctx context.Context, key *pgpkey.Key) error {
	res, err := s.keys.ReplaceOne(ctx, bson.M{"keyId": key.KeyID}, key)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByKeyID removes all key records with the given key ID.
func (s *Store) DeleteByKeyID(ctx context.Context, keyID string) error {
	_, err := s.keys.DeleteMany(ctx, bson.M{"keyId": keyID})
	return err
}

// DeleteOthersWithEmail removes all key records except keyID that carry a
// user ID with the given email. A verified email belongs to exactly one
// key; competing claims on the address are evicted.
func (s *Store) DeleteOthersWithEmail(ctx context.Context, keyID, email string) error {
	res, err := s.keys.DeleteMany(ctx, bson.M{
		"keyId":         bson.M{"$ne": keyID},
		"userIds.email": email,
	})
	if err != nil {
		return err
	}
	if res.DeletedCount > 0 {
		log.Infof("keydb: evicted %d stale keys for %s", res.DeletedCount, email)
	}
	return nil
}

// FindByKeyID returns the key record with the given key ID.
func (s *Store) FindByKeyID(ctx context.Context, keyID string) (*pgpkey.Key, error) {
	return s.findOne(ctx, bson.M{"keyId": keyID})
}

// FindByFingerprint returns the key record with the given fingerprint.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (*pgpkey.Key, error) {
	return s.findOne(ctx, bson.M{"fingerprint": fingerprint})
}

// FindByEmail returns the key record carrying a user ID with the given
// email, verified or not.
func (s *Store) FindByEmail(ctx context.Context, email string) (*pgpkey.Key, error) {
	return s.findOne(ctx, bson.M{"userIds.email": email})
}

// FindVerified returns the key record matched by any of the given
// identifiers that has released key material. Lookup by email matches
// verified user IDs only.
func (s *Store) FindVerified(ctx context.Context, keyID, fingerprint, email string) (*pgpkey.Key, error) {
	var or bson.A
	if keyID != "" {
		or = append(or, bson.M{"keyId": keyID})
	}
	if fingerprint != "" {
		or = append(or, bson.M{"fingerprint": fingerprint})
	}
	if email != "" {
		or = append(or, bson.M{"userIds": bson.M{"$elemMatch": bson.M{
			"email":    email,
			"verified": true,
		}}})
	}
	if len(or) == 0 {
		return nil, ErrNotFound
	}
	return s.findOne(ctx, bson.M{
		"$or":              or,
		"publicKeyArmored": bson.M{"$exists": true, "$ne": ""},
	})
}

// SetVerified marks the user ID with the given email on key keyID as
// verified, releases the key material, and clears the verification state
// of the user ID.
func (s *Store) SetVerified(ctx context.Context, keyID, email, armored string) error {
	res, err := s.keys.UpdateOne(ctx,
		bson.M{"keyId": keyID, "userIds.email": email},
		bson.M{
			"$set": bson.M{
				"userIds.$.verified": true,
				"publicKeyArmored":   armored,
			},
			"$unset": bson.M{
				"userIds.$.nonce":            "",
				"userIds.$.publicKeyArmored": "",
				"verifyUntil":                "",
			},
		})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByEmails returns the number of key records carrying a user ID
// with any of the given emails.
func (s *Store) CountByEmails(ctx context.Context, emails []string) (int64, error) {
	if len(emails) == 0 {
		return 0, nil
	}
	return s.keys.CountDocuments(ctx, bson.M{"userIds.email": bson.M{"$in": emails}})
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (*pgpkey.Key, error) {
	var key pgpkey.Key
	err := s.keys.FindOne(ctx, filter).Decode(&key)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}
