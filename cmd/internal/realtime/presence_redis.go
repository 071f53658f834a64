package realtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Each channel is a sorted set scored by lease expiry (unix ms). Expired
// members are pruned before every mutation and ignored by reads, so the
// memberships of a crashed instance age out without a cleanup pass. The
// index set lists channels that were non-empty at their last mutation.
var (
	presenceAddScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
local added = redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('SADD', KEYS[2], ARGV[2])
return {added, redis.call('ZCARD', KEYS[1])}
`)

	presenceRemoveScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
local n = redis.call('ZCARD', KEYS[1])
if n == 0 then
  redis.call('SREM', KEYS[2], ARGV[2])
end
return {removed, n}
`)

	presenceRenewScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) <= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)
)

const (
	presenceScanBatch       = 256
	defaultPresenceLeaseTTL = 90 * time.Second
)

// RedisPresenceSet shares presence across server instances. Memberships are
// leases: the gateway renews them on every heartbeat and they lapse after
// the lease TTL once nobody does.
type RedisPresenceSet struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// RedisPresenceOption configures a RedisPresenceSet.
type RedisPresenceOption func(*RedisPresenceSet)

// WithLeaseTTL sets how long a membership lives without renewal. It must be
// longer than the heartbeat interval.
func WithLeaseTTL(d time.Duration) RedisPresenceOption {
	return func(s *RedisPresenceSet) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// NewRedisPresenceSet constructs a RedisPresenceSet. prefix namespaces the
// keys (default "studyhub:").
func NewRedisPresenceSet(rdb redis.UniversalClient, prefix string, opts ...RedisPresenceOption) *RedisPresenceSet {
	if prefix == "" {
		prefix = "studyhub:"
	}
	s := &RedisPresenceSet{rdb: rdb, prefix: prefix, ttl: defaultPresenceLeaseTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisPresenceSet) channelKey(channel string) string {
	return s.prefix + "presence:ch:" + channel
}

func (s *RedisPresenceSet) indexKey() string {
	return s.prefix + "presence:channels"
}

// clock returns now and the lease expiry, in unix ms, plus the TTL in ms.
func (s *RedisPresenceSet) clock() (now, expiry, ttl string) {
	t := s.now().UnixMilli()
	ms := s.ttl.Milliseconds()
	return strconv.FormatInt(t, 10), strconv.FormatInt(t+ms, 10), strconv.FormatInt(ms, 10)
}

func (s *RedisPresenceSet) Add(ctx context.Context, channel, member string) (bool, int64, error) {
	now, expiry, ttl := s.clock()
	res, err := presenceAddScript.Run(ctx, s.rdb, []string{s.channelKey(channel), s.indexKey()},
		member, channel, now, expiry, ttl).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("presence add: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("presence add: unexpected reply %v", res)
	}
	return res[0] == 1, res[1], nil
}

func (s *RedisPresenceSet) Remove(ctx context.Context, channel, member string) (bool, int64, error) {
	now, _, _ := s.clock()
	res, err := presenceRemoveScript.Run(ctx, s.rdb, []string{s.channelKey(channel), s.indexKey()},
		member, channel, now).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("presence remove: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("presence remove: unexpected reply %v", res)
	}
	return res[0] == 1, res[1], nil
}

// Renew extends member's lease in channel. A lapsed or exited membership is
// not brought back.
func (s *RedisPresenceSet) Renew(ctx context.Context, channel, member string) error {
	now, expiry, ttl := s.clock()
	if err := presenceRenewScript.Run(ctx, s.rdb, []string{s.channelKey(channel)}, member, now, expiry, ttl).Err(); err != nil {
		return fmt.Errorf("presence renew: %w", err)
	}
	return nil
}

func (s *RedisPresenceSet) Size(ctx context.Context, channel string) (int64, error) {
	now, _, _ := s.clock()
	n, err := s.rdb.ZCount(ctx, s.channelKey(channel), "("+now, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("presence size: %w", err)
	}
	return n, nil
}

// ChannelsOf walks the channel index with SSCAN and reads member's lease in
// pipelined batches. SSCAN may repeat elements, so results are deduped.
func (s *RedisPresenceSet) ChannelsOf(ctx context.Context, member string) ([]string, error) {
	var (
		out    []string
		cursor uint64
		seen   = make(map[string]struct{})
	)
	for {
		channels, next, err := s.rdb.SScan(ctx, s.indexKey(), cursor, "", presenceScanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("presence scan: %w", err)
		}

		if len(channels) > 0 {
			now := float64(s.now().UnixMilli())
			cmds := make([]*redis.FloatCmd, len(channels))
			_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				for i, ch := range channels {
					cmds[i] = pipe.ZScore(ctx, s.channelKey(ch), member)
				}
				return nil
			})
			if err != nil && !errors.Is(err, redis.Nil) {
				return nil, fmt.Errorf("presence scan: %w", err)
			}
			for i, cmd := range cmds {
				expiry, err := cmd.Result()
				if err != nil || expiry <= now {
					continue
				}
				if _, dup := seen[channels[i]]; dup {
					continue
				}
				seen[channels[i]] = struct{}{}
				out = append(out, channels[i])
			}
		}

		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}
