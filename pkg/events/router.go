package events

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/babylonwatch/sentinel/pkg/rpc"
	"go.uber.org/zap"
)

// DefaultChannelCapacity bounds the router's output channels. On overflow the
// oldest pending event is dropped; gap catch-up recovers the height later.
const DefaultChannelCapacity = 1024

const checkpointSealedKey = "babylon.checkpointing.v1.EventCheckpointSealed.checkpoint"

var epochNumRe = regexp.MustCompile(`epoch_num"?\s*[=:]\s*"?(\d+)`)

// BlockEvent is a routed NewBlock event.
type BlockEvent struct {
	Height     int64
	Time       time.Time
	Round      int32
	Signatures []rpc.CommitSig
}

// CheckpointSealedEvent is a routed checkpoint-sealed event.
type CheckpointSealedEvent struct {
	Epoch uint64
}

// Router demultiplexes raw stream frames into block and checkpoint channels.
// It is stateless: every routing decision depends only on the current frame.
type Router struct {
	logger *zap.Logger

	blockCh chan BlockEvent
	ckptCh  chan CheckpointSealedEvent
}

// NewRouter creates a Router with bounded output channels.
func NewRouter(logger *zap.Logger, capacity int) *Router {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	return &Router{
		logger:  logger.Named("router"),
		blockCh: make(chan BlockEvent, capacity),
		ckptCh:  make(chan CheckpointSealedEvent, capacity),
	}
}

// Blocks is the ordered stream of routed block events.
func (r *Router) Blocks() <-chan BlockEvent { return r.blockCh }

// Checkpoints is the stream of routed checkpoint-sealed events.
func (r *Router) Checkpoints() <-chan CheckpointSealedEvent { return r.ckptCh }

// Route classifies one raw frame. Malformed frames cost one event, never the
// stream.
func (r *Router) Route(frame json.RawMessage) {
	var f struct {
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(frame, &f); err != nil {
		r.logger.Debug("unparseable frame", zap.String("payload", truncate(frame, 256)), zap.Error(err))
		return
	}

	// Subscription acknowledgement: id echoed with a bare true result.
	var ack bool
	if err := json.Unmarshal(f.Result, &ack); err == nil {
		r.logger.Debug("subscription acknowledged", zap.String("id", string(f.ID)))
		return
	}

	var result struct {
		Data struct {
			Value json.RawMessage `json:"value"`
		} `json:"data"`
		Events map[string][]string `json:"events"`
	}
	if err := json.Unmarshal(f.Result, &result); err != nil {
		r.logger.Debug("unknown frame shape", zap.String("payload", truncate(frame, 256)))
		return
	}

	if epoch, ok := checkpointEpoch(result.Events); ok {
		r.offerCheckpoint(CheckpointSealedEvent{Epoch: epoch})
		return
	}

	if len(result.Data.Value) > 0 {
		var value struct {
			Block struct {
				Header struct {
					Height rpc.Int64Str `json:"height"`
					Time   time.Time    `json:"time"`
				} `json:"header"`
				LastCommit struct {
					Round      rpc.Int64Str    `json:"round"`
					Signatures []rpc.CommitSig `json:"signatures"`
				} `json:"last_commit"`
			} `json:"block"`
		}
		if err := json.Unmarshal(result.Data.Value, &value); err != nil {
			r.logger.Debug("malformed event value", zap.String("payload", truncate(result.Data.Value, 256)), zap.Error(err))
			return
		}
		if value.Block.Header.Height > 0 {
			r.offerBlock(BlockEvent{
				Height:     int64(value.Block.Header.Height),
				Time:       value.Block.Header.Time,
				Round:      int32(value.Block.LastCommit.Round),
				Signatures: value.Block.LastCommit.Signatures,
			})
			return
		}
	}

	r.logger.Debug("discarding unrouted frame", zap.String("payload", truncate(frame, 256)))
}

// checkpointEpoch scans the frame's event attributes for the sealed-checkpoint
// key and extracts the epoch number from its value.
func checkpointEpoch(events map[string][]string) (uint64, bool) {
	for key, values := range events {
		if !strings.Contains(key, checkpointSealedKey) {
			continue
		}
		for _, v := range values {
			if m := epochNumRe.FindStringSubmatch(v); m != nil {
				epoch, err := strconv.ParseUint(m[1], 10, 64)
				if err == nil {
					return epoch, true
				}
			}
		}
	}
	return 0, false
}

func (r *Router) offerBlock(ev BlockEvent) {
	select {
	case r.blockCh <- ev:
		return
	default:
	}
	select {
	case dropped := <-r.blockCh:
		r.logger.Warn("block channel full, dropping oldest", zap.Int64("dropped_height", dropped.Height))
	default:
	}
	select {
	case r.blockCh <- ev:
	default:
	}
}

func (r *Router) offerCheckpoint(ev CheckpointSealedEvent) {
	select {
	case r.ckptCh <- ev:
		return
	default:
	}
	select {
	case dropped := <-r.ckptCh:
		r.logger.Warn("checkpoint channel full, dropping oldest", zap.Uint64("dropped_epoch", dropped.Epoch))
	default:
	}
	select {
	case r.ckptCh <- ev:
	default:
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
