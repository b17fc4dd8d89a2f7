// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package replication

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/tidepool/internal/logging"
	"github.com/tomtom215/tidepool/internal/metrics"
	"github.com/tomtom215/tidepool/internal/protocol"
)

// sweepLockTTL bounds how long a crashed process can hold the sweep lock.
const sweepLockTTL = 10 * time.Second

// releaseLockScript deletes the sweep lock only if this process still owns
// it, so an expired lock reacquired by another process is never released
// from here.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	KeyPrefix    string
}

// RedisBackend implements Backend over Redis pub/sub plus hashes and sorted
// sets for cluster state.
//
// Publish and subscribe run on separate client connections so a slow local
// consumer never backpressures the publish path. Publishes go through a
// circuit breaker: when Redis is unavailable the process degrades to
// local-only delivery instead of stalling protocol handling.
type RedisBackend struct {
	serverID string
	prefix   string

	pub *redis.Client
	sub *redis.Client

	pubsub  *redis.PubSub
	breaker *gobreaker.CircuitBreaker[struct{}]

	mu       sync.Mutex
	refs     map[string]int
	handler  Handler
	handleMu sync.RWMutex
}

// NewRedisBackend connects the publish and subscribe clients and verifies
// connectivity with a short ping.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}
	pub := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pub.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	subOpts := *opts
	sub := redis.NewClient(&subOpts)

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "tidepool"
	}

	b := &RedisBackend{
		serverID: uuid.NewString(),
		prefix:   prefix,
		pub:      pub,
		sub:      sub,
		refs:     make(map[string]int),
	}
	b.pubsub = sub.Subscribe(context.Background())
	b.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "redis-publish",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("replication publish breaker state changed")
		},
	})
	return b, nil
}

// ServerID identifies this process for self-echo suppression.
func (b *RedisBackend) ServerID() string { return b.serverID }

func (b *RedisBackend) topic(appID, channel string) string {
	return b.prefix + ":" + appID + ":" + channel
}

func (b *RedisBackend) subscriptionsKey(appID string) string {
	return b.prefix + ":apps:" + appID + ":channels"
}

func (b *RedisBackend) membersKey(appID, channel string) string {
	return b.prefix + ":apps:" + appID + ":channels:" + channel + ":members"
}

func (b *RedisBackend) socketChannelsKey(appID, socketID string) string {
	return b.prefix + ":apps:" + appID + ":sockets:" + socketID + ":channels"
}

func (b *RedisBackend) connectionsKey() string { return b.prefix + ":connections" }
func (b *RedisBackend) livenessKey() string    { return b.prefix + ":sockets" }
func (b *RedisBackend) sweepLockKey() string   { return b.prefix + ":sweep-lock" }

// Publish sends the envelope through the circuit breaker. An open breaker
// returns the underlying transport error; callers log and carry on with
// local-only delivery.
func (b *RedisBackend) Publish(ctx context.Context, msg *Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode replication message: %w", err)
	}
	_, err = b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.pub.Publish(ctx, b.topic(msg.AppID, msg.Channel), data).Err()
	})
	if err == nil {
		metrics.ReplicationPublished.Inc()
	}
	return err
}

// Subscribe adds a reference to the app/channel topic; only the first
// reference touches the transport.
func (b *RedisBackend) Subscribe(ctx context.Context, appID, channel string) error {
	topic := b.topic(appID, channel)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs[topic]++
	if b.refs[topic] > 1 {
		return nil
	}
	return b.pubsub.Subscribe(ctx, topic)
}

// Unsubscribe drops a reference; the transport unsubscribes at zero.
func (b *RedisBackend) Unsubscribe(ctx context.Context, appID, channel string) error {
	topic := b.topic(appID, channel)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs[topic] == 0 {
		return nil
	}
	b.refs[topic]--
	if b.refs[topic] > 0 {
		return nil
	}
	delete(b.refs, topic)
	return b.pubsub.Unsubscribe(ctx, topic)
}

// JoinChannel records a presence member in the channel's cluster roster.
func (b *RedisBackend) JoinChannel(ctx context.Context, appID, channel, socketID string, member *protocol.MemberPayload) error {
	data, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("encode presence member: %w", err)
	}
	return b.pub.HSet(ctx, b.membersKey(appID, channel), socketID, data).Err()
}

// LeaveChannel removes a presence member from the cluster roster.
func (b *RedisBackend) LeaveChannel(ctx context.Context, appID, channel, socketID string) error {
	return b.pub.HDel(ctx, b.membersKey(appID, channel), socketID).Err()
}

// ChannelMembers returns the cluster roster. Entries whose payload no
// longer decodes are logged and treated as absent.
func (b *RedisBackend) ChannelMembers(ctx context.Context, appID, channel string) (map[string]protocol.MemberPayload, error) {
	raw, err := b.pub.HGetAll(ctx, b.membersKey(appID, channel)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence members: %w", err)
	}
	out := make(map[string]protocol.MemberPayload, len(raw))
	for socketID, data := range raw {
		var member protocol.MemberPayload
		if err := json.Unmarshal([]byte(data), &member); err != nil {
			logging.Error().
				Err(err).
				Str("app_id", appID).
				Str("channel", channel).
				Str("socket_id", socketID).
				Msg("undecodable presence member, treating as absent")
			continue
		}
		out[socketID] = member
	}
	return out, nil
}

// IncrSubscriptions atomically bumps a channel's subscription counter.
func (b *RedisBackend) IncrSubscriptions(ctx context.Context, appID, channel string) (int64, error) {
	return b.pub.HIncrBy(ctx, b.subscriptionsKey(appID), channel, 1).Result()
}

// DecrSubscriptions atomically drops a channel's subscription counter,
// deleting the field once it reaches zero.
func (b *RedisBackend) DecrSubscriptions(ctx context.Context, appID, channel string) (int64, error) {
	count, err := b.pub.HIncrBy(ctx, b.subscriptionsKey(appID), channel, -1).Result()
	if err != nil {
		return 0, err
	}
	if count <= 0 {
		if err := b.pub.HDel(ctx, b.subscriptionsKey(appID), channel).Err(); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return count, nil
}

// SubscriptionCounts returns every occupied channel of the app with its
// cluster-wide subscription count.
func (b *RedisBackend) SubscriptionCounts(ctx context.Context, appID string) (map[string]int64, error) {
	raw, err := b.pub.HGetAll(ctx, b.subscriptionsKey(appID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for channel, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			logging.Error().Err(err).Str("channel", channel).Msg("unparsable subscription counter")
			continue
		}
		out[channel] = n
	}
	return out, nil
}

// SubscriptionCount returns one channel's cluster-wide subscription count.
func (b *RedisBackend) SubscriptionCount(ctx context.Context, appID, channel string) (int64, error) {
	v, err := b.pub.HGet(ctx, b.subscriptionsKey(appID), channel).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// AddSocketChannel records a channel in the socket's index set.
func (b *RedisBackend) AddSocketChannel(ctx context.Context, appID, socketID, channel string) error {
	return b.pub.SAdd(ctx, b.socketChannelsKey(appID, socketID), channel).Err()
}

// RemoveSocketChannel drops a channel from the socket's index set; Redis
// deletes the key once the set is empty.
func (b *RedisBackend) RemoveSocketChannel(ctx context.Context, appID, socketID, channel string) error {
	return b.pub.SRem(ctx, b.socketChannelsKey(appID, socketID), channel).Err()
}

// SocketChannels lists the channels in the socket's index set.
func (b *RedisBackend) SocketChannels(ctx context.Context, appID, socketID string) ([]string, error) {
	return b.pub.SMembers(ctx, b.socketChannelsKey(appID, socketID)).Result()
}

// IncrConnections atomically bumps the app's cluster connection counter.
func (b *RedisBackend) IncrConnections(ctx context.Context, appID string) (int64, error) {
	return b.pub.HIncrBy(ctx, b.connectionsKey(), appID, 1).Result()
}

// DecrConnections atomically drops the app's cluster connection counter.
func (b *RedisBackend) DecrConnections(ctx context.Context, appID string) (int64, error) {
	count, err := b.pub.HIncrBy(ctx, b.connectionsKey(), appID, -1).Result()
	if err != nil {
		return 0, err
	}
	if count <= 0 {
		if err := b.pub.HDel(ctx, b.connectionsKey(), appID).Err(); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return count, nil
}

// ConnectionCount returns the app's cluster connection counter.
func (b *RedisBackend) ConnectionCount(ctx context.Context, appID string) (int64, error) {
	v, err := b.pub.HGet(ctx, b.connectionsKey(), appID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

// AddConnectionToSet scores the connection by its last-pong time.
func (b *RedisBackend) AddConnectionToSet(ctx context.Context, appID, socketID string, lastPong time.Time) error {
	return b.pub.ZAdd(ctx, b.livenessKey(), redis.Z{
		Score:  float64(lastPong.Unix()),
		Member: appID + ":" + socketID,
	}).Err()
}

// RemoveConnectionFromSet drops the connection from the liveness set.
func (b *RedisBackend) RemoveConnectionFromSet(ctx context.Context, appID, socketID string) error {
	return b.pub.ZRem(ctx, b.livenessKey(), appID+":"+socketID).Err()
}

// ConnectionsFromSet returns "appID:socketID" members with last-pong inside
// [min, max].
func (b *RedisBackend) ConnectionsFromSet(ctx context.Context, min, max time.Time) ([]string, error) {
	return b.pub.ZRangeByScore(ctx, b.livenessKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(min.Unix(), 10),
		Max: strconv.FormatInt(max.Unix(), 10),
	}).Result()
}

// AcquireSweepLock takes the distributed sweep lock with zero wait: if
// another process holds it, ok is false and the caller skips this cycle.
func (b *RedisBackend) AcquireSweepLock(ctx context.Context) (bool, func(), error) {
	ok, err := b.pub.SetNX(ctx, b.sweepLockKey(), b.serverID, sweepLockTTL).Result()
	if err != nil {
		return false, func() {}, err
	}
	if !ok {
		return false, func() {}, nil
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := releaseLockScript.Run(releaseCtx, b.pub, []string{b.sweepLockKey()}, b.serverID).Err(); err != nil && err != redis.Nil {
			logging.Error().Err(err).Msg("sweep lock release failed")
		}
	}
	return true, release, nil
}

// Listen installs the envelope handler. Must be called before Run.
func (b *RedisBackend) Listen(handler Handler) {
	b.handleMu.Lock()
	defer b.handleMu.Unlock()
	b.handler = handler
}

// Run consumes the subscriber connection until the context is canceled.
// Undecodable envelopes are logged and skipped.
func (b *RedisBackend) Run(ctx context.Context) error {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return fmt.Errorf("replication subscriber closed")
			}
			msg, err := DecodeMessage([]byte(raw.Payload))
			if err != nil {
				logging.Error().Err(err).Str("topic", raw.Channel).Msg("undecodable replication message")
				continue
			}
			b.handleMu.RLock()
			handler := b.handler
			b.handleMu.RUnlock()
			if handler != nil {
				handler(msg)
			}
		}
	}
}

// Client exposes the publishing client so other components (statistics)
// can share the connection pool.
func (b *RedisBackend) Client() *redis.Client { return b.pub }

// Close releases both client connections.
func (b *RedisBackend) Close() error {
	if err := b.pubsub.Close(); err != nil {
		logging.Error().Err(err).Msg("closing replication subscriber failed")
	}
	if err := b.sub.Close(); err != nil {
		return err
	}
	return b.pub.Close()
}
