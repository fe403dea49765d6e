package directory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/babylonwatch/sentinel/pkg/db"
	"github.com/babylonwatch/sentinel/pkg/rpc"
	"github.com/babylonwatch/sentinel/pkg/types"
	"go.uber.org/zap"
)

// Store is the slice of the repository the directory needs.
type Store interface {
	UpsertValidator(ctx context.Context, v *types.Validator) error
	UpsertFinalityProvider(ctx context.Context, fp *types.FinalityProvider) error
	GetValidatorByAnyKey(ctx context.Context, network, key string) (*types.Validator, error)
	GetFinalityProvider(ctx context.Context, network, btcPkHex string) (*types.FinalityProvider, error)
}

// TransitionNotifier receives jailed-flag transitions detected on refresh.
type TransitionNotifier interface {
	JailedTransition(ctx context.Context, kind, key, moniker string, jailed bool)
}

// Directory is the identity catalog for one network: the active validator set
// and the finality-provider registry, indexed by every known key form. Reads
// come from any pipeline; writes happen only during refresh under the write
// lock.
type Directory struct {
	network string
	prefix  string

	client   *rpc.Client
	store    Store
	notifier TransitionNotifier
	logger   *zap.Logger
	onSize   func(validators, providers int)

	mu              sync.RWMutex
	validatorsByKey map[string]*types.Validator
	validators      []*types.Validator
	providersByPk   map[string]*types.FinalityProvider
	providers       []*types.FinalityProvider
	refreshed       bool
}

// Opts configures a Directory.
type Opts struct {
	Network       string
	ValconsPrefix string
	Client        *rpc.Client
	Store         Store
	Notifier      TransitionNotifier

	// OnSize observes catalog sizes after each refresh, for instrumentation.
	OnSize func(validators, providers int)
}

// New creates an empty Directory; call Refresh before first use.
func New(logger *zap.Logger, o Opts) *Directory {
	onSize := o.OnSize
	if onSize == nil {
		onSize = func(int, int) {}
	}
	return &Directory{
		network:         o.Network,
		prefix:          o.ValconsPrefix,
		client:          o.Client,
		store:           o.Store,
		notifier:        o.Notifier,
		logger:          logger.Named("directory"),
		onSize:          onSize,
		validatorsByKey: map[string]*types.Validator{},
		providersByPk:   map[string]*types.FinalityProvider{},
	}
}

// Refresh fetches the full validator and provider sets, derives consensus
// addresses, swaps the in-memory catalog atomically, persists every record,
// and reports jailed transitions. The first refresh establishes the baseline
// without alerting.
func (d *Directory) Refresh(ctx context.Context) error {
	stakingVals, err := d.client.Validators(ctx)
	if err != nil {
		return err
	}
	catalog, err := d.client.FinalityProviderCatalog(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	validators := make([]*types.Validator, 0, len(stakingVals))
	byKey := make(map[string]*types.Validator, len(stakingVals)*4)
	for _, sv := range stakingVals {
		v := &types.Validator{
			OperatorAddress: sv.OperatorAddress,
			ConsensusPubKey: sv.ConsensusPubKey.Key,
			Moniker:         sv.Description.Moniker,
			Jailed:          sv.Jailed,
			Network:         d.network,
			LastUpdated:     now,
		}
		consAddr, consHex, derr := DeriveConsensusAddress(sv.ConsensusPubKey.Key, d.prefix)
		if derr != nil {
			d.logger.Warn("cannot derive consensus address",
				zap.String("operator", sv.OperatorAddress), zap.Error(derr))
		} else {
			v.ConsensusAddress = consAddr
			v.ConsensusHex = consHex
		}
		validators = append(validators, v)
		for _, k := range v.Keys() {
			byKey[k] = v
		}
	}

	providers := make([]*types.FinalityProvider, 0, len(catalog))
	byPk := make(map[string]*types.FinalityProvider, len(catalog))
	for _, cp := range catalog {
		pk := NormalizeBtcPk(cp.BtcPk)
		fp := &types.FinalityProvider{
			BtcPkHex:    pk,
			OwnerAddr:   cp.Addr,
			Moniker:     cp.Description.Moniker,
			Jailed:      cp.Jailed,
			Network:     d.network,
			LastUpdated: now,
		}
		providers = append(providers, fp)
		byPk[pk] = fp
	}

	// Compare against the outgoing catalog before the swap.
	d.mu.Lock()
	var transitions []transition
	if d.refreshed {
		for _, v := range validators {
			if prev, ok := d.validatorsByKey[v.OperatorAddress]; ok && prev.Jailed != v.Jailed {
				transitions = append(transitions, transition{"Validator", v.OperatorAddress, v.Moniker, v.Jailed})
			}
		}
		for _, fp := range providers {
			if prev, ok := d.providersByPk[fp.BtcPkHex]; ok && prev.Jailed != fp.Jailed {
				transitions = append(transitions, transition{"Finality provider", fp.BtcPkHex, fp.Moniker, fp.Jailed})
			}
			if prev, ok := d.providersByPk[fp.BtcPkHex]; ok {
				fp.IsActive = prev.IsActive
			}
		}
	}
	d.validators = validators
	d.validatorsByKey = byKey
	d.providers = providers
	d.providersByPk = byPk
	d.refreshed = true
	d.mu.Unlock()

	for _, t := range transitions {
		d.notifier.JailedTransition(ctx, t.kind, t.key, t.moniker, t.jailed)
	}

	// Persist the fresh catalog; one failed write costs that record only.
	pool := pond.NewPool(8)
	for _, v := range validators {
		v := v
		pool.Submit(func() {
			if err := d.store.UpsertValidator(ctx, v); err != nil {
				d.logger.Warn("persist validator failed", zap.String("operator", v.OperatorAddress), zap.Error(err))
			}
		})
	}
	for _, fp := range providers {
		fp := fp
		pool.Submit(func() {
			if err := d.store.UpsertFinalityProvider(ctx, fp); err != nil {
				d.logger.Warn("persist finality provider failed", zap.String("btc_pk", fp.BtcPkHex), zap.Error(err))
			}
		})
	}
	pool.StopAndWait()

	d.onSize(len(validators), len(providers))
	d.logger.Info("directory refreshed",
		zap.String("network", d.network),
		zap.Int("validators", len(validators)),
		zap.Int("finality_providers", len(providers)))
	return nil
}

type transition struct {
	kind    string
	key     string
	moniker string
	jailed  bool
}

// LookupByAnyKey resolves a validator by any known key form: memory first,
// then the persistent store. A store hit warms the memory catalog under all
// of the record's aliases. Unknown keys return (nil, false) without error.
func (d *Directory) LookupByAnyKey(ctx context.Context, key string) (*types.Validator, bool) {
	d.mu.RLock()
	v, ok := d.validatorsByKey[key]
	d.mu.RUnlock()
	if ok {
		return v, true
	}

	stored, err := d.store.GetValidatorByAnyKey(ctx, d.network, key)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			d.logger.Warn("store lookup failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}

	d.mu.Lock()
	for _, k := range stored.Keys() {
		d.validatorsByKey[k] = stored
	}
	d.mu.Unlock()
	return stored, true
}

// LookupFinalityProvider resolves a provider by BTC public key hex.
func (d *Directory) LookupFinalityProvider(ctx context.Context, btcPkHex string) (*types.FinalityProvider, bool) {
	pk := NormalizeBtcPk(btcPkHex)
	d.mu.RLock()
	fp, ok := d.providersByPk[pk]
	d.mu.RUnlock()
	if ok {
		return fp, true
	}

	stored, err := d.store.GetFinalityProvider(ctx, d.network, pk)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			d.logger.Warn("store lookup failed", zap.String("btc_pk", pk), zap.Error(err))
		}
		return nil, false
	}

	d.mu.Lock()
	d.providersByPk[pk] = stored
	d.providers = append(d.providers, stored)
	d.mu.Unlock()
	return stored, true
}

// ActiveFinalityProviders fetches the provider set active at the given height
// and flips the IsActive flag on directory records accordingly.
func (d *Directory) ActiveFinalityProviders(ctx context.Context, height int64) ([]*types.FinalityProvider, error) {
	active, err := d.client.ActiveFinalityProviders(ctx, height)
	if err != nil {
		return nil, err
	}
	activeSet := make(map[string]bool, len(active))
	for _, a := range active {
		activeSet[NormalizeBtcPk(a.BtcPkHex)] = true
	}

	d.mu.Lock()
	var out []*types.FinalityProvider
	for _, fp := range d.providers {
		fp.IsActive = activeSet[fp.BtcPkHex]
		if fp.IsActive {
			out = append(out, fp)
		}
	}
	d.mu.Unlock()
	return out, nil
}

// Validators returns a snapshot of the current validator set.
func (d *Directory) Validators() []*types.Validator {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*types.Validator, len(d.validators))
	copy(out, d.validators)
	return out
}

// FinalityProviders returns a snapshot of the provider registry.
func (d *Directory) FinalityProviders() []*types.FinalityProvider {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*types.FinalityProvider, len(d.providers))
	copy(out, d.providers)
	return out
}
