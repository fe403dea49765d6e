package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

const (
	validatorsColl            = "validators"
	finalityProvidersColl     = "finality_providers"
	validatorSigningStatsColl = "validator_signing_stats"
	finalityProviderStatsColl = "finality_provider_stats"
	blsCheckpointStatsColl    = "bls_checkpoint_stats"
)

// Store is the MongoDB-backed repository set. One instance is shared across
// networks; every document carries a network field.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

// Connect establishes the MongoDB connection and pings the primary.
func Connect(ctx context.Context, logger *zap.Logger, uri string) (*Store, error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connCtx, options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(20).
		SetServerSelectionTimeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(connCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	const dbName = "sentinel"
	logger.Info("connected to mongodb", zap.String("database", dbName))

	return &Store{
		client: client,
		db:     client.Database(dbName),
		logger: logger.Named("db"),
	}, nil
}

// Ping verifies the store connection, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects within the given context's deadline.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
