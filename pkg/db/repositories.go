package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/babylonwatch/sentinel/pkg/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrNotFound is returned by point lookups that match no document.
var ErrNotFound = errors.New("not found")

func (s *Store) upsert(ctx context.Context, coll string, filter bson.M, doc any) error {
	_, err := s.db.Collection(coll).ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", coll, err)
	}
	return nil
}

func (s *Store) findOne(ctx context.Context, coll string, filter bson.M, out any) error {
	err := s.db.Collection(coll).FindOne(ctx, filter).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("find %s: %w", coll, err)
	}
	return nil
}

// --- validators

func (s *Store) UpsertValidator(ctx context.Context, v *types.Validator) error {
	return s.upsert(ctx, validatorsColl,
		bson.M{"network": v.Network, "operator_address": v.OperatorAddress}, v)
}

// GetValidatorByAnyKey resolves a validator by any of its address forms.
func (s *Store) GetValidatorByAnyKey(ctx context.Context, network, key string) (*types.Validator, error) {
	var v types.Validator
	err := s.findOne(ctx, validatorsColl, bson.M{
		"network": network,
		"$or": []bson.M{
			{"operator_address": key},
			{"consensus_address": key},
			{"consensus_hex": key},
			{"consensus_pubkey": key},
		},
	}, &v)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) ListValidators(ctx context.Context, network string) ([]*types.Validator, error) {
	return list[types.Validator](ctx, s, validatorsColl, network)
}

// --- finality providers

func (s *Store) UpsertFinalityProvider(ctx context.Context, fp *types.FinalityProvider) error {
	return s.upsert(ctx, finalityProvidersColl,
		bson.M{"network": fp.Network, "btc_pk_hex": fp.BtcPkHex}, fp)
}

func (s *Store) GetFinalityProvider(ctx context.Context, network, btcPkHex string) (*types.FinalityProvider, error) {
	var fp types.FinalityProvider
	err := s.findOne(ctx, finalityProvidersColl,
		bson.M{"network": network, "btc_pk_hex": btcPkHex}, &fp)
	if err != nil {
		return nil, err
	}
	return &fp, nil
}

func (s *Store) ListFinalityProviders(ctx context.Context, network string) ([]*types.FinalityProvider, error) {
	return list[types.FinalityProvider](ctx, s, finalityProvidersColl, network)
}

// --- validator signing stats

func (s *Store) UpsertValidatorSigningStats(ctx context.Context, st *types.ValidatorSigningStats) error {
	return s.upsert(ctx, validatorSigningStatsColl,
		bson.M{"network": st.Network, "validator_address": st.ValidatorAddress}, st)
}

func (s *Store) GetValidatorSigningStats(ctx context.Context, network, address string) (*types.ValidatorSigningStats, error) {
	var st types.ValidatorSigningStats
	err := s.findOne(ctx, validatorSigningStatsColl,
		bson.M{"network": network, "validator_address": address}, &st)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) ListValidatorSigningStats(ctx context.Context, network string) ([]*types.ValidatorSigningStats, error) {
	return list[types.ValidatorSigningStats](ctx, s, validatorSigningStatsColl, network)
}

// --- finality provider stats

func (s *Store) UpsertFinalityProviderStats(ctx context.Context, st *types.FinalityProviderStats) error {
	return s.upsert(ctx, finalityProviderStatsColl,
		bson.M{"network": st.Network, "btc_pk_hex": st.BtcPkHex}, st)
}

func (s *Store) GetFinalityProviderStats(ctx context.Context, network, btcPkHex string) (*types.FinalityProviderStats, error) {
	var st types.FinalityProviderStats
	err := s.findOne(ctx, finalityProviderStatsColl,
		bson.M{"network": network, "btc_pk_hex": btcPkHex}, &st)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) ListFinalityProviderStats(ctx context.Context, network string) ([]*types.FinalityProviderStats, error) {
	return list[types.FinalityProviderStats](ctx, s, finalityProviderStatsColl, network)
}

// --- BLS checkpoint stats

func (s *Store) UpsertBLSCheckpointStats(ctx context.Context, st *types.BLSCheckpointStats) error {
	return s.upsert(ctx, blsCheckpointStatsColl,
		bson.M{"network": st.Network, "epoch": st.Epoch}, st)
}

func (s *Store) GetBLSCheckpointStats(ctx context.Context, network string, epoch uint64) (*types.BLSCheckpointStats, error) {
	var st types.BLSCheckpointStats
	err := s.findOne(ctx, blsCheckpointStatsColl,
		bson.M{"network": network, "epoch": epoch}, &st)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// --- progress

// LatestProcessedHeight returns the newest height any validator signing record
// has observed for the network, 0 when the store is empty. The block pipeline
// seeds its catch-up range from it.
func (s *Store) LatestProcessedHeight(ctx context.Context, network string) (int64, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "recent_blocks.0.height", Value: -1}})
	var st types.ValidatorSigningStats
	err := s.db.Collection(validatorSigningStatsColl).
		FindOne(ctx, bson.M{"network": network}, opts).Decode(&st)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find latest height: %w", err)
	}
	if len(st.RecentBlocks) == 0 {
		return 0, nil
	}
	return st.RecentBlocks[0].Height, nil
}

func list[T any](ctx context.Context, s *Store, coll, network string) ([]*T, error) {
	cur, err := s.db.Collection(coll).Find(ctx, bson.M{"network": network})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", coll, err)
	}
	defer cur.Close(ctx)
	var out []*T
	for cur.Next(ctx) {
		var doc T
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", coll, err)
		}
		out = append(out, &doc)
	}
	return out, cur.Err()
}
