package stats

import (
	"context"
)

// Defaults for the sliding windows.
const (
	// PerformanceWindow is W: the block-signature window per validator.
	PerformanceWindow = 10000
	// RecentBlocksLimit is R: the newest-first recent-block sequence bound.
	RecentBlocksLimit = 100
	// MissedHeightsLimit bounds a finality provider's retained missed heights.
	MissedHeightsLimit = 100
)

// Aggregator is the capability set every participation aggregator exposes to
// the orchestrator.
type Aggregator interface {
	Start(ctx context.Context) error
	Stop()
	IsEnabled() bool
}
