package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"go.uber.org/zap"
)

// Healthy probes the node status endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	var st StatusResponse
	return c.Get(ctx, statusPath, nil, &st)
}

// CurrentHeight returns the latest block height from the REST latest-block
// endpoint.
func (c *Client) CurrentHeight(ctx context.Context) (int64, error) {
	blk, err := c.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}
	return int64(blk.Block.Header.Height), nil
}

// LatestBlock fetches the chain tip.
func (c *Client) LatestBlock(ctx context.Context) (*BlockResponse, error) {
	var out BlockResponse
	if err := c.Get(ctx, latestBlockPath, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch latest block: %w", err)
	}
	return &out, nil
}

// BlockAtHeight fetches a historical block, used by the gap catch-up path.
func (c *Client) BlockAtHeight(ctx context.Context, height int64) (*BlockResponse, error) {
	var out BlockResponse
	if err := c.Get(ctx, fmt.Sprintf(blockByHeightPath, height), nil, &out); err != nil {
		return nil, fmt.Errorf("fetch block %d: %w", height, err)
	}
	return &out, nil
}

// Validators fetches the full staking validator list, walking pagination until
// the next key runs out.
func (c *Client) Validators(ctx context.Context) ([]StakingValidator, error) {
	var all []StakingValidator
	nextKey := ""
	for {
		q := url.Values{}
		q.Set("pagination.limit", "300")
		if nextKey != "" {
			q.Set("pagination.key", nextKey)
		}
		var page validatorsResponse
		if err := c.Get(ctx, stakingValidatorsPath, q, &page); err != nil {
			return nil, fmt.Errorf("fetch validators: %w", err)
		}
		all = append(all, page.Validators...)
		if page.Pagination.NextKey == "" {
			return all, nil
		}
		nextKey = page.Pagination.NextKey
	}
}

// CurrentEpoch returns the chain's current epoch number and boundary height.
func (c *Client) CurrentEpoch(ctx context.Context) (*CurrentEpochResponse, error) {
	var out CurrentEpochResponse
	if err := c.Get(ctx, currentEpochPath, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch current epoch: %w", err)
	}
	return &out, nil
}

// FinalityVotes returns the BTC public keys that voted for the given height.
func (c *Client) FinalityVotes(ctx context.Context, height int64) ([]string, error) {
	var out finalityVotesResponse
	if err := c.Get(ctx, fmt.Sprintf(finalityVotesPath, height), nil, &out); err != nil {
		return nil, fmt.Errorf("fetch finality votes at %d: %w", height, err)
	}
	return out.BtcPks, nil
}

// ActiveFinalityProviders returns the provider set active at the given height.
func (c *Client) ActiveFinalityProviders(ctx context.Context, height int64) ([]ActiveFinalityProvider, error) {
	var out activeProvidersResponse
	if err := c.Get(ctx, fmt.Sprintf(activeProvidersPath, height), nil, &out); err != nil {
		return nil, fmt.Errorf("fetch active providers at %d: %w", height, err)
	}
	return out.FinalityProviders, nil
}

// FinalityProviderCatalog returns the full finality-provider registry, walking
// pagination until the next key runs out.
func (c *Client) FinalityProviderCatalog(ctx context.Context) ([]CatalogFinalityProvider, error) {
	var all []CatalogFinalityProvider
	nextKey := ""
	for {
		q := url.Values{}
		q.Set("pagination.limit", "1000")
		if nextKey != "" {
			q.Set("pagination.key", nextKey)
		}
		var page providerCatalogResponse
		if err := c.Get(ctx, providerCatalogPath, q, &page); err != nil {
			return nil, fmt.Errorf("fetch provider catalog: %w", err)
		}
		all = append(all, page.FinalityProviders...)
		if page.Pagination.NextKey == "" {
			return all, nil
		}
		nextKey = page.Pagination.NextKey
	}
}

// InjectedCheckpointAt scans the transactions at the given height for the
// first MsgInjectedCheckpoint carrying extended commit votes. Returns nil when
// the height holds none.
func (c *Client) InjectedCheckpointAt(ctx context.Context, height int64) (*InjectedCheckpointMsg, error) {
	var out TxsBlockResponse
	if err := c.Get(ctx, fmt.Sprintf(txsByBlockPath, height), nil, &out); err != nil {
		return nil, fmt.Errorf("fetch txs at %d: %w", height, err)
	}
	for _, tx := range out.Txs {
		for _, raw := range tx.Body.Messages {
			var probe struct {
				Type string `json:"@type"`
			}
			if err := json.Unmarshal(raw, &probe); err != nil || probe.Type != MsgInjectedCheckpointType {
				continue
			}
			var msg InjectedCheckpointMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				c.logger.Warn("malformed injected checkpoint message",
					zap.Int64("height", height))
				continue
			}
			if msg.HasVotes() {
				return &msg, nil
			}
		}
	}
	return nil, nil
}
