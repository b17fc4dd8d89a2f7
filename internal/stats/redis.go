// Tidepool - Pusher-protocol WebSocket server
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/tidepool

package stats

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomtom215/tidepool/internal/logging"
)

// connectScript bumps the current count and folds it into the peak in one
// atomic step, then marks the app active. Read-modify-write from the client
// side would lose peaks under concurrent connects.
var connectScript = redis.NewScript(`
local current = redis.call("hincrby", KEYS[1], "current", 1)
local peak = tonumber(redis.call("hget", KEYS[1], "peak")) or 0
if current > peak then
	redis.call("hset", KEYS[1], "peak", current)
end
redis.call("sadd", KEYS[2], ARGV[1])
return current
`)

// RedisCollector keeps counters in Redis hashes so every process in the
// cluster feeds the same per-app window. All increments are single round
// trips and atomic server-side.
type RedisCollector struct {
	client *redis.Client
	prefix string
}

// NewRedisCollector creates a collector over an established client.
func NewRedisCollector(client *redis.Client, keyPrefix string) *RedisCollector {
	if keyPrefix == "" {
		keyPrefix = "tidepool"
	}
	return &RedisCollector{client: client, prefix: keyPrefix}
}

func (c *RedisCollector) appKey(appID string) string { return c.prefix + ":stats:" + appID }
func (c *RedisCollector) appsKey() string            { return c.prefix + ":stats:apps" }

// Connection bumps the app's current count and recomputes the peak.
func (c *RedisCollector) Connection(ctx context.Context, appID string) {
	if err := connectScript.Run(ctx, c.client, []string{c.appKey(appID), c.appsKey()}, appID).Err(); err != nil {
		logging.Error().Err(err).Str("app_id", appID).Msg("stats connection increment failed")
	}
}

// Disconnection drops the app's current count.
func (c *RedisCollector) Disconnection(ctx context.Context, appID string) {
	if err := c.client.HIncrBy(ctx, c.appKey(appID), "current", -1).Err(); err != nil {
		logging.Error().Err(err).Str("app_id", appID).Msg("stats disconnection decrement failed")
	}
}

// WebSocketMessage counts one inbound protocol frame.
func (c *RedisCollector) WebSocketMessage(ctx context.Context, appID string) {
	if err := c.client.HIncrBy(ctx, c.appKey(appID), "ws", 1).Err(); err != nil {
		logging.Error().Err(err).Str("app_id", appID).Msg("stats websocket increment failed")
	}
}

// APIMessage counts one trigger-API event.
func (c *RedisCollector) APIMessage(ctx context.Context, appID string) {
	if err := c.client.HIncrBy(ctx, c.appKey(appID), "api", 1).Err(); err != nil {
		logging.Error().Err(err).Str("app_id", appID).Msg("stats api increment failed")
	}
}

// Save flushes every active app's window to the store, then resets each
// window. Apps with no current connections have their keys deleted.
func (c *RedisCollector) Save(ctx context.Context, store Store) error {
	appIDs, err := c.client.SMembers(ctx, c.appsKey()).Result()
	if err != nil {
		return err
	}

	now := time.Now()
	snapshots := make([]Statistic, 0, len(appIDs))
	for _, appID := range appIDs {
		fields, err := c.client.HGetAll(ctx, c.appKey(appID)).Result()
		if err != nil {
			logging.Error().Err(err).Str("app_id", appID).Msg("stats window read failed")
			continue
		}

		current := parseField(fields, "current")
		if current <= 0 {
			pipe := c.client.TxPipeline()
			pipe.Del(ctx, c.appKey(appID))
			pipe.SRem(ctx, c.appsKey(), appID)
			if _, err := pipe.Exec(ctx); err != nil {
				logging.Error().Err(err).Str("app_id", appID).Msg("stats window purge failed")
			}
			continue
		}

		snapshots = append(snapshots, Statistic{
			AppID:              appID,
			Time:               now,
			PeakConnections:    parseField(fields, "peak"),
			CurrentConnections: current,
			WebSocketMessages:  parseField(fields, "ws"),
			APIMessages:        parseField(fields, "api"),
		})
		if err := c.client.HSet(ctx, c.appKey(appID),
			"peak", current, "ws", 0, "api", 0).Err(); err != nil {
			logging.Error().Err(err).Str("app_id", appID).Msg("stats window reset failed")
		}
	}

	if len(snapshots) == 0 {
		return nil
	}
	return store.Save(ctx, snapshots)
}

func parseField(fields map[string]string, name string) int64 {
	n, err := strconv.ParseInt(fields[name], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
