package types

import (
	"time"
)

// Validator is a consensus participant identified by any of its three address
// forms. Lookup by any form resolves to the same record.
type Validator struct {
	OperatorAddress  string    `bson:"operator_address" json:"operator_address"`
	ConsensusAddress string    `bson:"consensus_address" json:"consensus_address"`
	ConsensusHex     string    `bson:"consensus_hex" json:"consensus_hex"`
	ConsensusPubKey  string    `bson:"consensus_pubkey" json:"consensus_pubkey"`
	Moniker          string    `bson:"moniker" json:"moniker"`
	Jailed           bool      `bson:"jailed" json:"jailed"`
	Network          string    `bson:"network" json:"network"`
	LastUpdated      time.Time `bson:"last_updated" json:"last_updated"`
}

// Keys returns every address form the directory indexes this validator under.
func (v *Validator) Keys() []string {
	keys := make([]string, 0, 4)
	for _, k := range []string{v.OperatorAddress, v.ConsensusAddress, v.ConsensusHex, v.ConsensusPubKey} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// FinalityProvider is a BTC-staking participant keyed by its BTC public key.
type FinalityProvider struct {
	BtcPkHex    string    `bson:"btc_pk_hex" json:"btc_pk_hex"`
	OwnerAddr   string    `bson:"owner_addr" json:"owner_addr"`
	Moniker     string    `bson:"moniker" json:"moniker"`
	Jailed      bool      `bson:"jailed" json:"jailed"`
	IsActive    bool      `bson:"is_active" json:"is_active"`
	Network     string    `bson:"network" json:"network"`
	LastUpdated time.Time `bson:"last_updated" json:"last_updated"`
}

// BlockObservation is the per-height output of the block pipeline. Signers
// holds consensus hex addresses that committed the block; FpSigners holds the
// BTC public keys that cast a finality vote for the height.
type BlockObservation struct {
	Height    int64
	Timestamp time.Time
	Round     int32
	Signers   map[string]bool
	FpSigners map[string]bool
}

// CheckpointVote is one validator's BLS vote inside a sealed checkpoint.
type CheckpointVote struct {
	Address string
	Power   int64
	Signed  bool
}

// CheckpointObservation is the per-epoch output of the checkpoint pipeline.
type CheckpointObservation struct {
	Epoch     uint64
	Network   string
	Votes     []CheckpointVote
	Timestamp time.Time
}

// RecentBlock is one entry of a validator's newest-first recent-block window.
type RecentBlock struct {
	Height    int64     `bson:"height" json:"height"`
	Signed    bool      `bson:"signed" json:"signed"`
	Round     int32     `bson:"round" json:"round"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// ValidatorSigningStats tracks a validator's block-signature participation
// over a sliding window.
type ValidatorSigningStats struct {
	ValidatorAddress    string        `bson:"validator_address" json:"validator_address"`
	Moniker             string        `bson:"moniker" json:"moniker"`
	Network             string        `bson:"network" json:"network"`
	TotalSignedBlocks   int64         `bson:"total_signed_blocks" json:"total_signed_blocks"`
	TotalBlocksInWindow int64         `bson:"total_blocks_in_window" json:"total_blocks_in_window"`
	SignatureRate       float64       `bson:"signature_rate" json:"signature_rate"`
	ConsecutiveSigned   int64         `bson:"consecutive_signed" json:"consecutive_signed"`
	ConsecutiveMissed   int64         `bson:"consecutive_missed" json:"consecutive_missed"`
	RecentBlocks        []RecentBlock `bson:"recent_blocks" json:"recent_blocks"`
	LastUpdated         time.Time     `bson:"last_updated" json:"last_updated"`
}

// FinalityProviderStats tracks a finality provider's vote participation since
// it was first observed.
type FinalityProviderStats struct {
	BtcPkHex           string    `bson:"btc_pk_hex" json:"btc_pk_hex"`
	Moniker            string    `bson:"moniker" json:"moniker"`
	Network            string    `bson:"network" json:"network"`
	StartHeight        int64     `bson:"start_height" json:"start_height"`
	EndHeight          int64     `bson:"end_height" json:"end_height"`
	TotalBlocks        int64     `bson:"total_blocks" json:"total_blocks"`
	SignedBlocks       int64     `bson:"signed_blocks" json:"signed_blocks"`
	MissedBlocks       int64     `bson:"missed_blocks" json:"missed_blocks"`
	SignatureRate      float64   `bson:"signature_rate" json:"signature_rate"`
	MissedBlockHeights []int64   `bson:"missed_block_heights" json:"missed_block_heights"`
	Jailed             bool      `bson:"jailed" json:"jailed"`
	IsActive           bool      `bson:"is_active" json:"is_active"`
	LastUpdated        time.Time `bson:"last_updated" json:"last_updated"`
}

// BLSValidatorVote is the resolved per-validator view of a checkpoint vote.
type BLSValidatorVote struct {
	Address string `bson:"address" json:"address"`
	Moniker string `bson:"moniker" json:"moniker"`
	Power   int64  `bson:"power" json:"power"`
	Signed  bool   `bson:"signed" json:"signed"`
}

// BLSCheckpointStats is the per-epoch BLS participation record.
type BLSCheckpointStats struct {
	Epoch                    uint64             `bson:"epoch" json:"epoch"`
	Network                  string             `bson:"network" json:"network"`
	TotalValidators          int64              `bson:"total_validators" json:"total_validators"`
	TotalPower               int64              `bson:"total_power" json:"total_power"`
	SignedPower              int64              `bson:"signed_power" json:"signed_power"`
	UnsignedPower            int64              `bson:"unsigned_power" json:"unsigned_power"`
	ParticipationRateByCount string             `bson:"participation_rate_by_count" json:"participation_rate_by_count"`
	ParticipationRateByPower string             `bson:"participation_rate_by_power" json:"participation_rate_by_power"`
	Votes                    []BLSValidatorVote `bson:"votes" json:"votes"`
	Timestamp                time.Time          `bson:"timestamp" json:"timestamp"`
}
