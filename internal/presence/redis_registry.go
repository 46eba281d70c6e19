package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default Redis key layout.
const (
	DefaultKeyPrefix = "presence"
)

// upsertScript merges a patch into the session hash in one step.
// Times are fixed-width unix millisecond strings so they compare lexically.
// ARGV: session_id, now_ms, expires_ms, field/value pairs...
var upsertScript = redis.NewScript(`
local key = KEYS[1]
local zkey = KEYS[2]
local id = ARGV[1]
local now = ARGV[2]
local exp = ARGV[3]
local prev = redis.call('HGETALL', key)
local created = 0
local rejoined = 0
if #prev == 0 then
  created = 1
  redis.call('HSET', key, 'session_id', id, 'joined_at', now, 'reconnect_count', '0', 'version', '0')
elseif redis.call('HGET', key, 'is_active') ~= '1' then
  rejoined = 1
  redis.call('HSET', key, 'joined_at', now)
  redis.call('HDEL', key, 'disconnected_at', 'disconnect_reason')
  redis.call('HINCRBY', key, 'reconnect_count', 1)
end
if #ARGV > 3 then
  redis.call('HSET', key, unpack(ARGV, 4))
end
local last = redis.call('HGET', key, 'last_activity')
if (not last) or last < now then
  redis.call('HSET', key, 'last_activity', now, 'expires_at', exp)
end
redis.call('HSET', key, 'is_active', '1')
redis.call('HINCRBY', key, 'version', 1)
redis.call('PERSIST', key)
redis.call('ZADD', zkey, redis.call('HGET', key, 'expires_at'), id)
return {created, rejoined, prev, redis.call('HGETALL', key)}
`)

// deactivateScript flips an active session to inactive.
// ARGV: session_id, now_ms, reason, retention_seconds, before_ms (empty for unconditional).
var deactivateScript = redis.NewScript(`
local key = KEYS[1]
local zkey = KEYS[2]
if redis.call('EXISTS', key) == 0 then
  return {0, 0, {}}
end
if redis.call('HGET', key, 'is_active') ~= '1' then
  return {1, 0, redis.call('HGETALL', key)}
end
if ARGV[5] ~= '' then
  local exp = redis.call('HGET', key, 'expires_at')
  if exp and exp >= ARGV[5] then
    return {1, 0, redis.call('HGETALL', key)}
  end
end
redis.call('HSET', key, 'is_active', '0', 'disconnected_at', ARGV[2], 'disconnect_reason', ARGV[3])
redis.call('HINCRBY', key, 'version', 1)
redis.call('ZREM', zkey, ARGV[1])
if tonumber(ARGV[4]) > 0 then
  redis.call('EXPIRE', key, ARGV[4])
end
return {1, 1, redis.call('HGETALL', key)}
`)

// RedisRegistry is a Registry backed by Redis, shared by every API instance.
// Each session is a hash; active sessions are indexed in a sorted set scored by expires_at.
type RedisRegistry struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
	metrics   *Metrics
}

// RedisOptions configures a RedisRegistry.
type RedisOptions struct {
	KeyPrefix string           // defaults to DefaultKeyPrefix
	TTL       time.Duration    // defaults to DefaultTTL
	Retention time.Duration    // how long inactive hashes live; zero keeps them
	Now       func() time.Time // defaults to time.Now
	Metrics   *Metrics
}

// NewRedisRegistry creates a registry on top of an existing client.
func NewRedisRegistry(client redis.UniversalClient, opts RedisOptions) *RedisRegistry {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RedisRegistry{
		client:    client,
		prefix:    opts.KeyPrefix,
		ttl:       opts.TTL,
		retention: opts.Retention,
		now:       opts.Now,
		metrics:   opts.Metrics,
	}
}

func (r *RedisRegistry) sessionKey(id string) string {
	return r.prefix + ":s:" + id
}

func (r *RedisRegistry) expiryKey() string {
	return r.prefix + ":expiry"
}

// Upsert runs the merge script for the session.
func (r *RedisRegistry) Upsert(ctx context.Context, patch Patch) (UpsertResult, error) {
	if patch.SessionID == "" {
		return UpsertResult{}, ErrMissingSession
	}
	now := r.now()
	args := []interface{}{patch.SessionID, formatMillis(now), formatMillis(now.Add(r.ttl))}
	args = append(args, patchFields(patch)...)

	raw, err := upsertScript.Run(ctx, r.client, []string{r.sessionKey(patch.SessionID), r.expiryKey()}, args...).Slice()
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to upsert presence: %w", err)
	}
	if len(raw) != 4 {
		return UpsertResult{}, fmt.Errorf("failed to upsert presence: unexpected reply length %d", len(raw))
	}

	res := UpsertResult{
		Created:  toInt64(raw[0]) == 1,
		Rejoined: toInt64(raw[1]) == 1,
	}
	if !res.Created {
		prev, err := decodeRecord(flatToMap(raw[2]))
		if err != nil {
			return UpsertResult{}, err
		}
		res.Previous = prev
	}
	rec, err := decodeRecord(flatToMap(raw[3]))
	if err != nil {
		return UpsertResult{}, err
	}
	res.Record = rec
	r.metrics.observeUpsert(res)
	return res, nil
}

// Deactivate marks the session inactive if it is active.
func (r *RedisRegistry) Deactivate(ctx context.Context, sessionID, reason string) (DeactivateResult, error) {
	return r.deactivate(ctx, sessionID, reason, "")
}

// Expire deactivates the session only if its deadline is before now.
func (r *RedisRegistry) Expire(ctx context.Context, sessionID string, now time.Time) (DeactivateResult, error) {
	return r.deactivate(ctx, sessionID, ReasonExpired, formatMillis(now))
}

func (r *RedisRegistry) deactivate(ctx context.Context, sessionID, reason, before string) (DeactivateResult, error) {
	args := []interface{}{
		sessionID,
		formatMillis(r.now()),
		reason,
		strconv.FormatInt(int64(r.retention/time.Second), 10),
		before,
	}
	raw, err := deactivateScript.Run(ctx, r.client, []string{r.sessionKey(sessionID), r.expiryKey()}, args...).Slice()
	if err != nil {
		return DeactivateResult{}, fmt.Errorf("failed to deactivate presence: %w", err)
	}
	if len(raw) != 3 {
		return DeactivateResult{}, fmt.Errorf("failed to deactivate presence: unexpected reply length %d", len(raw))
	}
	res := DeactivateResult{
		Found:   toInt64(raw[0]) == 1,
		Changed: toInt64(raw[1]) == 1,
	}
	if res.Found {
		rec, err := decodeRecord(flatToMap(raw[2]))
		if err != nil {
			return DeactivateResult{}, err
		}
		res.Record = rec
	}
	if res.Changed {
		r.metrics.observeDeactivate(reason)
	}
	return res, nil
}

// Get returns the session's record.
func (r *RedisRegistry) Get(ctx context.Context, sessionID string) (*Record, error) {
	fields, err := r.client.HGetAll(ctx, r.sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrSessionNotFound
	}
	return decodeRecord(fields)
}

// ScanActive loads every session whose deadline is after now and applies filter.
func (r *RedisRegistry) ScanActive(ctx context.Context, filter Filter, now time.Time) ([]*Record, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min: "(" + formatMillis(now),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan active presence: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to load active presence: %w", err)
	}

	out := make([]*Record, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecord(fields)
		if err != nil {
			return nil, err
		}
		if rec.IsLive(now) && filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

// ScanExpired returns ids indexed with a deadline before now.
func (r *RedisRegistry) ScanExpired(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + formatMillis(now),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan expired presence: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping checks connectivity for readiness probes.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// formatMillis renders t as zero-padded unix milliseconds.
func formatMillis(t time.Time) string {
	return fmt.Sprintf("%013d", t.UnixMilli())
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// patchFields flattens the present fields of p into HSET arguments.
func patchFields(p Patch) []interface{} {
	var out []interface{}
	str := func(name, v string) {
		if v != "" {
			out = append(out, name, v)
		}
	}
	num := func(name string, v *float64) {
		if v != nil {
			out = append(out, name, formatFloat(*v))
		}
	}
	str("user_id", p.UserID)
	str("user_type", string(p.UserType))
	str("session_type", string(p.SessionType))
	str("device_type", p.DeviceType)
	str("content_id", p.ContentID)
	str("media_asset_id", p.MediaAssetID)
	str("content_title", p.ContentTitle)
	str("content_type", p.ContentType)
	num("playback_position", p.PlaybackPosition)
	num("playback_duration", p.PlaybackDuration)
	num("playback_percentage", p.PlaybackPercentage)
	num("latency_ms", p.LatencyMs)
	num("frame_rate", p.FrameRate)
	num("bandwidth_kbps", p.BandwidthKbps)
	str("connection_type", p.ConnectionType)
	str("ip_address", p.IPAddress)
	str("country_code", strings.ToUpper(p.CountryCode))
	str("geohash_prefix", p.GeohashPrefix)
	str("screen_resolution", p.ScreenResolution)
	str("language", p.Language)
	str("user_agent", p.UserAgent)
	str("live_room", p.LiveRoom)
	return out
}

// decodeRecord builds a Record from a session hash.
func decodeRecord(f map[string]string) (*Record, error) {
	rec := &Record{
		SessionID:        f["session_id"],
		UserID:           f["user_id"],
		UserType:         UserType(f["user_type"]),
		SessionType:      SessionType(f["session_type"]),
		DeviceType:       f["device_type"],
		ContentID:        f["content_id"],
		MediaAssetID:     f["media_asset_id"],
		ContentTitle:     f["content_title"],
		ContentType:      f["content_type"],
		ConnectionType:   f["connection_type"],
		IPAddress:        f["ip_address"],
		CountryCode:      f["country_code"],
		GeohashPrefix:    f["geohash_prefix"],
		ScreenResolution: f["screen_resolution"],
		Language:         f["language"],
		UserAgent:        f["user_agent"],
		LiveRoom:         f["live_room"],
		DisconnectReason: f["disconnect_reason"],
		IsActive:         f["is_active"] == "1",
	}

	var err error
	for name, dst := range map[string]*float64{
		"playback_position":   &rec.PlaybackPosition,
		"playback_duration":   &rec.PlaybackDuration,
		"playback_percentage": &rec.PlaybackPercentage,
	} {
		if v, ok := f[name]; ok {
			if *dst, err = strconv.ParseFloat(v, 64); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", name, err)
			}
		}
	}
	for name, dst := range map[string]**float64{
		"latency_ms":     &rec.LatencyMs,
		"frame_rate":     &rec.FrameRate,
		"bandwidth_kbps": &rec.BandwidthKbps,
	} {
		if v, ok := f[name]; ok {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", name, err)
			}
			*dst = &n
		}
	}
	for name, dst := range map[string]*time.Time{
		"joined_at":     &rec.JoinedAt,
		"last_activity": &rec.LastActivity,
		"expires_at":    &rec.ExpiresAt,
	} {
		if v, ok := f[name]; ok {
			if *dst, err = parseMillis(v); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", name, err)
			}
		}
	}
	if v, ok := f["disconnected_at"]; ok {
		t, err := parseMillis(v)
		if err != nil {
			return nil, fmt.Errorf("failed to decode disconnected_at: %w", err)
		}
		rec.DisconnectedAt = &t
	}
	if v, ok := f["reconnect_count"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("failed to decode reconnect_count: %w", err)
		}
		rec.ReconnectCount = n
	}
	if v, ok := f["version"]; ok {
		if rec.Version, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("failed to decode version: %w", err)
		}
	}
	return rec, nil
}

// flatToMap converts an HGETALL reply returned from a script into a map.
func flatToMap(v interface{}) map[string]string {
	items, _ := v.([]interface{})
	out := make(map[string]string, len(items)/2)
	for i := 0; i+1 < len(items); i += 2 {
		k, _ := items[i].(string)
		val, _ := items[i+1].(string)
		out[k] = val
	}
	return out
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}
