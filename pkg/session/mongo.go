// Copyright 2023 The ocean-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig holds connection settings for the MongoDB session
// backend.
type MongoConfig struct {
	Host             string        `yaml:"host" json:"host"`
	Port             int           `yaml:"port" json:"port"`
	Username         string        `yaml:"username" json:"username"`
	Password         string        `yaml:"password" json:"password"`
	Database         string        `yaml:"database" json:"database"`
	Collection       string        `yaml:"collection" json:"collection"`
	MinPoolSize      uint64        `yaml:"min_pool_size" json:"min_pool_size"`
	MaxPoolSize      uint64        `yaml:"max_pool_size" json:"max_pool_size"`
	OperationTimeout time.Duration `yaml:"operation_timeout" json:"operation_timeout"`
}

// DefaultMongoConfig returns the default MongoDB backend settings.
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		Host:             "localhost",
		Port:             27017,
		Database:         "ocean",
		Collection:       "sessions",
		MinPoolSize:      2,
		MaxPoolSize:      16,
		OperationTimeout: 5 * time.Second,
	}
}

// MongoBackend persists session snapshots in a MongoDB collection,
// keyed by client id.
type MongoBackend struct {
	client   *mongo.Client
	sessions *mongo.Collection
	timeout  time.Duration
}

// NewMongoBackend connects to MongoDB and returns a session backend.
func NewMongoBackend(cfg MongoConfig) (*MongoBackend, error) {
	uri := fmt.Sprintf("mongodb://%s:%d", cfg.Host, cfg.Port)
	if cfg.Username != "" {
		uri = fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
			url.QueryEscape(cfg.Username), url.QueryEscape(cfg.Password), cfg.Host, cfg.Port)
	}

	opts := options.Client().ApplyURI(uri).
		SetMinPoolSize(cfg.MinPoolSize).
		SetMaxPoolSize(cfg.MaxPoolSize)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("MongoDB ping failed: %w", err)
	}

	log.Printf("[INFO] Session persistence connected to MongoDB at %s:%d", cfg.Host, cfg.Port)
	return &MongoBackend{
		client:   client,
		sessions: client.Database(cfg.Database).Collection(cfg.Collection),
		timeout:  cfg.OperationTimeout,
	}, nil
}

// LoadSession fetches the snapshot for clientID, or nil when absent.
func (b *MongoBackend) LoadSession(clientID string) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	var snap Snapshot
	err := b.sessions.FindOne(ctx, bson.M{"client_id": clientID}).Decode(&snap)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", clientID, err)
	}
	return &snap, nil
}

// SaveSession upserts the snapshot for its client id.
func (b *MongoBackend) SaveSession(snap *Snapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	_, err := b.sessions.ReplaceOne(ctx, bson.M{"client_id": snap.ClientID}, snap, opts)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", snap.ClientID, err)
	}
	return nil
}

// DeleteSession removes the persisted snapshot for clientID.
func (b *MongoBackend) DeleteSession(clientID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	if _, err := b.sessions.DeleteOne(ctx, bson.M{"client_id": clientID}); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", clientID, err)
	}
	return nil
}

// Close disconnects from MongoDB.
func (b *MongoBackend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	return b.client.Disconnect(ctx)
}
