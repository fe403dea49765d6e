package rpc

// REST paths consumed from the chain node. All paths are consolidated here so
// an upstream API change lands in a single place.
const (
	statusPath            = "/status"
	latestBlockPath       = "/cosmos/base/tendermint/v1beta1/blocks/latest"
	blockByHeightPath     = "/cosmos/base/tendermint/v1beta1/blocks/%d"
	stakingValidatorsPath = "/cosmos/staking/v1beta1/validators"
	txsByBlockPath        = "/cosmos/tx/v1beta1/txs/block/%d"
	currentEpochPath      = "/babylon/epoching/v1/current_epoch"
	finalityVotesPath     = "/babylon/finality/v1/votes/%d"
	activeProvidersPath   = "/babylon/finality/v1/finality_providers/%d"
	providerCatalogPath   = "/babylon/btcstaking/v1/finality_providers"
)

// MsgInjectedCheckpointType is the type URI of the epoch checkpoint message.
const MsgInjectedCheckpointType = "/babylon.checkpointing.v1.MsgInjectedCheckpoint"
