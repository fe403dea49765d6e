package directory

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/babylonwatch/sentinel/pkg/db"
	"github.com/babylonwatch/sentinel/pkg/rpc"
	"github.com/babylonwatch/sentinel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memoryStore struct {
	mu         sync.Mutex
	validators []*types.Validator
	providers  []*types.FinalityProvider
}

func (m *memoryStore) UpsertValidator(_ context.Context, v *types.Validator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators = append(m.validators, v)
	return nil
}

func (m *memoryStore) UpsertFinalityProvider(_ context.Context, fp *types.FinalityProvider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, fp)
	return nil
}

func (m *memoryStore) GetValidatorByAnyKey(_ context.Context, _, key string) (*types.Validator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.validators {
		for _, k := range v.Keys() {
			if k == key {
				return v, nil
			}
		}
	}
	return nil, db.ErrNotFound
}

func (m *memoryStore) GetFinalityProvider(_ context.Context, _, pk string) (*types.FinalityProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fp := range m.providers {
		if fp.BtcPkHex == pk {
			return fp, nil
		}
	}
	return nil, db.ErrNotFound
}

type transitionRecorder struct {
	transitions []string
}

func (r *transitionRecorder) JailedTransition(_ context.Context, kind, key, _ string, jailed bool) {
	r.transitions = append(r.transitions, fmt.Sprintf("%s/%s/jailed=%t", kind, key, jailed))
}

type chainFixture struct {
	mu            sync.Mutex
	validatorJSON string
	providerJSON  string
	activeJSON    string
}

func (c *chainFixture) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		switch {
		case r.URL.Path == "/cosmos/staking/v1beta1/validators":
			fmt.Fprint(w, c.validatorJSON)
		case r.URL.Path == "/babylon/btcstaking/v1/finality_providers":
			fmt.Fprint(w, c.providerJSON)
		default:
			fmt.Fprint(w, c.activeJSON)
		}
	}
}

func validatorJSON(jailed bool) string {
	pk := base64.StdEncoding.EncodeToString([]byte("consensus-pubkey-val-one-32-bytes"))
	return fmt.Sprintf(`{"validators": [{
		"operator_address": "bbnvaloper1xyz",
		"consensus_pubkey": {"@type": "/cosmos.crypto.ed25519.PubKey", "key": "%s"},
		"jailed": %t,
		"status": "BOND_STATUS_BONDED",
		"description": {"moniker": "val-one"}
	}], "pagination": {"next_key": ""}}`, pk, jailed)
}

func providerJSON(jailed bool) string {
	return fmt.Sprintf(`{"finality_providers": [{
		"addr": "bbn1owner",
		"btc_pk": "AB12CD",
		"jailed": %t,
		"description": {"moniker": "fp-one"}
	}], "pagination": {"next_key": ""}}`, jailed)
}

func newDirectoryFixture(t *testing.T) (*Directory, *chainFixture, *memoryStore, *transitionRecorder) {
	t.Helper()
	chain := &chainFixture{
		validatorJSON: validatorJSON(false),
		providerJSON:  providerJSON(false),
		activeJSON:    `{"finality_providers": [{"btc_pk_hex": "ab12cd", "voting_power": "10"}]}`,
	}
	srv := httptest.NewServer(chain.handler())
	t.Cleanup(srv.Close)

	logger := zaptest.NewLogger(t)
	client := rpc.NewClient(logger, rpc.Opts{Network: "testnet", Endpoints: []string{srv.URL}})
	store := &memoryStore{}
	notifier := &transitionRecorder{}
	dir := New(logger, Opts{
		Network:       "testnet",
		ValconsPrefix: "bbnvalcons",
		Client:        client,
		Store:         store,
		Notifier:      notifier,
	})
	return dir, chain, store, notifier
}

func TestDirectory_RefreshIndexesEveryKeyForm(t *testing.T) {
	dir, _, store, _ := newDirectoryFixture(t)
	ctx := context.Background()

	require.NoError(t, dir.Refresh(ctx))

	vals := dir.Validators()
	require.Len(t, vals, 1)
	v := vals[0]
	assert.Equal(t, "val-one", v.Moniker)
	assert.True(t, len(v.ConsensusHex) == 40, "consensus hex must be a 20-byte address")
	assert.Contains(t, v.ConsensusAddress, "bbnvalcons1")

	// Any key form resolves to the same record.
	for _, key := range v.Keys() {
		got, ok := dir.LookupByAnyKey(ctx, key)
		require.True(t, ok, key)
		assert.Same(t, v, got)
	}

	_, ok := dir.LookupByAnyKey(ctx, "unknown-key")
	assert.False(t, ok)

	assert.NotEmpty(t, store.validators)
	assert.NotEmpty(t, store.providers)
}

func TestDirectory_StoreHitWarmsMemory(t *testing.T) {
	dir, _, store, _ := newDirectoryFixture(t)
	ctx := context.Background()

	stored := &types.Validator{
		OperatorAddress:  "bbnvaloper1old",
		ConsensusAddress: "bbnvalcons1old",
		ConsensusHex:     "DD44",
		Network:          "testnet",
	}
	store.validators = append(store.validators, stored)

	got, ok := dir.LookupByAnyKey(ctx, "DD44")
	require.True(t, ok)
	assert.Equal(t, stored, got)

	// All aliases are now served from memory; drop the store copy to prove it.
	store.validators = nil
	got, ok = dir.LookupByAnyKey(ctx, "bbnvaloper1old")
	require.True(t, ok)
	assert.Equal(t, stored, got)
}

func TestDirectory_JailedTransitionAlerts(t *testing.T) {
	dir, chain, _, notifier := newDirectoryFixture(t)
	ctx := context.Background()

	// First refresh establishes the baseline without alerting.
	require.NoError(t, dir.Refresh(ctx))
	assert.Empty(t, notifier.transitions)

	// The provider gets jailed.
	chain.mu.Lock()
	chain.providerJSON = providerJSON(true)
	chain.mu.Unlock()
	require.NoError(t, dir.Refresh(ctx))
	require.Len(t, notifier.transitions, 1)
	assert.Equal(t, "Finality provider/ab12cd/jailed=true", notifier.transitions[0])

	// Unchanged flag on the next refresh: no alert.
	require.NoError(t, dir.Refresh(ctx))
	assert.Len(t, notifier.transitions, 1)

	// Back to active: an unjail transition.
	chain.mu.Lock()
	chain.providerJSON = providerJSON(false)
	chain.mu.Unlock()
	require.NoError(t, dir.Refresh(ctx))
	require.Len(t, notifier.transitions, 2)
	assert.Equal(t, "Finality provider/ab12cd/jailed=false", notifier.transitions[1])
}

func TestDirectory_ValidatorJailedTransition(t *testing.T) {
	dir, chain, _, notifier := newDirectoryFixture(t)
	ctx := context.Background()

	require.NoError(t, dir.Refresh(ctx))
	chain.mu.Lock()
	chain.validatorJSON = validatorJSON(true)
	chain.mu.Unlock()
	require.NoError(t, dir.Refresh(ctx))

	require.Len(t, notifier.transitions, 1)
	assert.Equal(t, "Validator/bbnvaloper1xyz/jailed=true", notifier.transitions[0])
}

func TestDirectory_ActiveProvidersFlagged(t *testing.T) {
	dir, _, _, _ := newDirectoryFixture(t)
	ctx := context.Background()

	require.NoError(t, dir.Refresh(ctx))
	active, err := dir.ActiveFinalityProviders(ctx, 100)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.True(t, active[0].IsActive)

	fps := dir.FinalityProviders()
	require.Len(t, fps, 1)
	assert.True(t, fps[0].IsActive)
}

func TestDeriveConsensusAddress(t *testing.T) {
	pk := base64.StdEncoding.EncodeToString([]byte("some-ed25519-public-key-32-bytes"))

	addr, hexAddr, err := DeriveConsensusAddress(pk, "bbnvalcons")
	require.NoError(t, err)
	assert.Len(t, hexAddr, 40)
	assert.Equal(t, NormalizeHex(hexAddr), hexAddr)
	assert.Contains(t, addr, "bbnvalcons1")

	// Deterministic: the same key derives the same forms.
	addr2, hexAddr2, err := DeriveConsensusAddress(pk, "bbnvalcons")
	require.NoError(t, err)
	assert.Equal(t, addr, addr2)
	assert.Equal(t, hexAddr, hexAddr2)

	_, _, err = DeriveConsensusAddress("not-base64!!!", "bbnvalcons")
	assert.Error(t, err)
}
