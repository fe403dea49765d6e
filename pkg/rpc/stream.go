package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/babylonwatch/sentinel/pkg/utils"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Subscription is one JSON-RPC event subscription on the stream.
type Subscription struct {
	ID    string
	Query string
}

// NewBlockSubscription subscribes to every committed block.
func NewBlockSubscription() Subscription {
	return Subscription{ID: "newBlock", Query: "tm.event='NewBlock'"}
}

// CheckpointSealedSubscription subscribes to checkpoint-sealed transactions.
func CheckpointSealedSubscription() Subscription {
	return Subscription{
		ID:    "checkpoint_for_bls",
		Query: "tm.event='Tx' AND babylon.checkpointing.v1.EventCheckpointSealed.checkpoint CONTAINS 'epoch_num'",
	}
}

// StreamOpts configures the event stream.
type StreamOpts struct {
	Network       string
	Endpoints     []string
	Subscriptions []Subscription

	// BackoffBase scales the reconnect delay: base * min(2^(attempt-1), 10).
	BackoffBase time.Duration
	// MaxAttempts per endpoint before rotating to the next one.
	MaxAttempts int

	OnReconnect func()
}

// Stream maintains a long-lived websocket subscription against one of a set
// of event endpoints. Disconnects trigger exponential-backoff reconnects;
// after MaxAttempts failures on one endpoint the stream rotates to the next
// and resets the attempt counter. Events are delivered in server order; the
// stream neither reorders nor deduplicates, and reconnects may skip heights.
type Stream struct {
	network     string
	endpoints   []string
	subs        []Subscription
	backoffBase time.Duration
	maxAttempts int
	onReconnect func()
	logger      *zap.Logger

	dialer *websocket.Dialer
}

// NewStream creates a Stream with the given options.
func NewStream(logger *zap.Logger, o StreamOpts) *Stream {
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	onReconnect := o.OnReconnect
	if onReconnect == nil {
		onReconnect = func() {}
	}
	return &Stream{
		network:     o.Network,
		endpoints:   utils.Dedup(o.Endpoints),
		subs:        o.Subscriptions,
		backoffBase: o.BackoffBase,
		maxAttempts: o.MaxAttempts,
		onReconnect: onReconnect,
		logger:      logger.Named("stream"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1 << 16,
			WriteBufferSize:  1 << 12,
		},
	}
}

// Run blocks, feeding every received frame to onEvent, until the context is
// canceled. Connection loss is handled internally; the caller only sees a
// gap in events.
func (s *Stream) Run(ctx context.Context, onEvent func(json.RawMessage)) error {
	if len(s.endpoints) == 0 {
		return fmt.Errorf("no event endpoints configured for %s", s.network)
	}

	endpoint := 0
	attempt := 1
	for {
		if ctx.Err() != nil {
			return nil
		}

		url := s.endpoints[endpoint%len(s.endpoints)] + "/websocket"
		err := s.session(ctx, url, onEvent)
		if ctx.Err() != nil {
			return nil
		}

		s.onReconnect()
		delay := s.backoff(attempt)
		s.logger.Warn("stream disconnected",
			zap.String("network", s.network),
			zap.String("endpoint", url),
			zap.Int("attempt", attempt),
			zap.Duration("reconnect_in", delay),
			zap.Error(err))

		attempt++
		if attempt > s.maxAttempts {
			endpoint++
			attempt = 1
			s.logger.Warn("rotating event endpoint",
				zap.String("network", s.network),
				zap.String("next", s.endpoints[endpoint%len(s.endpoints)]))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// backoff computes base * min(2^(attempt-1), 10).
func (s *Stream) backoff(attempt int) time.Duration {
	factor := int64(1) << (attempt - 1)
	if factor > 10 || factor <= 0 {
		factor = 10
	}
	return s.backoffBase * time.Duration(factor)
}

// session dials, subscribes, and pumps frames until the connection drops or
// the context is canceled.
func (s *Stream) session(ctx context.Context, url string, onEvent func(json.RawMessage)) error {
	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	for _, sub := range s.subs {
		req := map[string]any{
			"jsonrpc": "2.0",
			"method":  "subscribe",
			"id":      sub.ID,
			"params":  []string{sub.Query},
		}
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("subscribe %s: %w", sub.ID, err)
		}
	}
	s.logger.Info("stream connected",
		zap.String("network", s.network),
		zap.String("endpoint", url),
		zap.Int("subscriptions", len(s.subs)))

	// Close the socket when the context ends so the blocked read returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	const pongWait = 90 * time.Second
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		onEvent(json.RawMessage(frame))
	}
}
