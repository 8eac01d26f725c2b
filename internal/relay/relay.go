// Package relay turns successive full-state publications into minimal
// change-sets and fans them out to interested sessions.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/oddslive/relay/internal/cache"
	"github.com/oddslive/relay/internal/game"
	"github.com/oddslive/relay/internal/protocol"
	"github.com/oddslive/relay/internal/registry"
)

// Relay subscribes to every tracked game channel on the bus, computes the
// delta against the cached previous snapshot, updates the cache, and
// broadcasts the delta to sessions subscribed to that channel.
//
// The bus must deliver messages published on one channel in publish order.
// Redis pub/sub guarantees per-channel FIFO to each subscriber; the relay
// inherits that guarantee rather than enforcing it. A single goroutine
// consumes the subscription, so cache read-modify-write per channel is
// never interleaved.
type Relay struct {
	rdb      *redis.Client
	cache    *cache.SnapshotCache
	registry *registry.Registry
	channels []string
	logger   *zap.Logger
}

// New connects to the bus and verifies it is reachable. An unreachable bus
// is fatal: the relay cannot function without it and must not run in a
// silently-empty state.
func New(ctx context.Context, redisAddr string, channels []string, snapshots *cache.SnapshotCache, reg *registry.Registry, logger *zap.Logger) (*Relay, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no tracked channels configured")
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("bus unreachable at %s: %w", redisAddr, err)
	}

	return &Relay{
		rdb:      rdb,
		cache:    snapshots,
		registry: reg,
		channels: channels,
		logger:   logger,
	}, nil
}

// Run consumes publications until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.rdb.Subscribe(ctx, r.channels...)
	defer func() { _ = sub.Close() }()

	// Force the SUBSCRIBE round trip so a broken bus surfaces here
	// instead of as a silent empty stream.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to bus: %w", err)
	}

	r.logger.Info("relay consuming",
		zap.Strings("channels", r.channels),
	)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopping")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("bus subscription closed")
			}
			r.handle(msg.Channel, []byte(msg.Payload))
		}
	}
}

// handle processes one full-state publication. Failures are isolated per
// message: a payload that will not decode is logged and discarded and the
// channel keeps going.
func (r *Relay) handle(channel string, payload []byte) {
	publicationsReceived.Inc()

	var snap game.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		decodeFailures.Inc()
		r.logger.Warn("discarding malformed publication",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return
	}

	var d game.Delta
	if prev, ok := r.cache.Get(channel); ok {
		d = game.Diff(snap, &prev)
	} else {
		d = game.Diff(snap, nil)
		fullSyncs.Inc()
	}

	// Store unconditionally, even when nothing tracked changed, so the
	// TTL is reset on every publication.
	r.cache.Put(channel, snap)

	frame, err := protocol.EncodeDelta(d)
	if err != nil {
		r.logger.Error("encoding delta",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return
	}

	sent := r.registry.Broadcast(channel, d, frame)
	deltasBroadcast.Add(float64(sent))

	r.logger.Debug("broadcast delta",
		zap.String("channel", channel),
		zap.Bool("full", d.Full),
		zap.Int("sessions", sent),
	)
}

// Close releases the bus connection.
func (r *Relay) Close() error {
	return r.rdb.Close()
}

// InitialState answers a full-state fetch from the relay's snapshot cache.
// A game that has no cached snapshot yet is returned as a zero-value
// snapshot carrying only its identifier, so the client learns the entity
// and subsequent deltas for it apply.
func (r *Relay) InitialState(gameIDs []string) []game.Snapshot {
	snaps := make([]game.Snapshot, 0, len(gameIDs))
	for _, id := range gameIDs {
		if snap, ok := r.cache.Get(id); ok {
			snaps = append(snaps, snap)
			continue
		}
		snaps = append(snaps, game.Snapshot{ID: id})
	}
	return snaps
}
