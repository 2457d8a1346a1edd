// Package cachestore is a thin wrapper over Redis (or a Sentinel-fronted
// Redis deployment) exposing exactly the operations the policy engines
// pipeline together: trim, append, read-back, and TTL reset in one round
// trip.
package cachestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/easydns/chapps/internal/chappserrors"
	"github.com/easydns/chapps/internal/config"
)

// sentinelDiscoveryTimeout bounds every socket operation used to find the
// current Sentinel-elected master/replica, per §4.C.
const sentinelDiscoveryTimeout = 100 * time.Millisecond

// Store wraps a redis.UniversalClient. It is safe for concurrent use.
type Store struct {
	rdb redis.UniversalClient
}

// Open connects to Redis directly, or through Sentinel when
// cfg.SentinelServers is set.
func Open(cfg config.Redis) (*Store, error) {
	if cfg.Sentinel() {
		return &Store{rdb: redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       cfg.SentinelDataset,
			SentinelAddrs:    cfg.SentinelServers,
			DialTimeout:      sentinelDiscoveryTimeout,
			ReadTimeout:      sentinelDiscoveryTimeout,
			WriteTimeout:     sentinelDiscoveryTimeout,
			SentinelPassword: "",
		})}, nil
	}
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.Server, cfg.Port),
	})}, nil
}

// NewFromClient wraps an already-constructed redis client. It is mainly
// useful for tests (e.g. pointing a *redis.Client at miniredis) but is
// exported for any caller that needs to build its own redis.UniversalClient.
func NewFromClient(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Close releases the underlying connection(s).
func (s *Store) Close() error {
	return s.rdb.Close()
}

func wrapErr(err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	return fmt.Errorf("%w: %v", chappserrors.ErrCacheUnavailable, err)
}

// ResolveMasterReadWrite returns the address of the Sentinel-elected
// master for writes, as reported by the first address in sentinelAddrs.
// It always queries Sentinel, whichever way the Store was opened.
func (s *Store) ResolveMasterReadWrite(ctx context.Context, sentinelAddrs []string, dataset string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, sentinelDiscoveryTimeout)
	defer cancel()
	sc := redis.NewSentinelClient(&redis.Options{Addr: firstOr(sentinelAddrs, ""), DialTimeout: sentinelDiscoveryTimeout})
	defer sc.Close()
	addr, err := sc.GetMasterAddrByName(ctx, dataset).Result()
	if err != nil {
		return "", wrapErr(err)
	}
	if len(addr) < 2 {
		return "", fmt.Errorf("%w: sentinel returned incomplete master address", chappserrors.ErrCacheUnavailable)
	}
	return addr[0] + ":" + addr[1], nil
}

// ResolveSlaveReadOnly returns the address of a Sentinel-known replica
// eligible for read-only traffic.
func (s *Store) ResolveSlaveReadOnly(ctx context.Context, sentinelAddrs []string, dataset string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, sentinelDiscoveryTimeout)
	defer cancel()
	sc := redis.NewSentinelClient(&redis.Options{Addr: firstOr(sentinelAddrs, ""), DialTimeout: sentinelDiscoveryTimeout})
	defer sc.Close()
	slaves, err := sc.Slaves(ctx, dataset).Result()
	if err != nil {
		return "", wrapErr(err)
	}
	for i := 0; i+3 < len(slaves); i += 2 {
		if slaves[i] == "ip" {
			return slaves[i+1] + ":" + slaves[i+3], nil
		}
	}
	return "", fmt.Errorf("%w: sentinel reported no replicas for %q", chappserrors.ErrCacheUnavailable, dataset)
}

func firstOr(addrs []string, fallback string) string {
	if len(addrs) == 0 {
		return fallback
	}
	return addrs[0]
}

// Get returns the value at key, or "" if absent.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", wrapErr(err)
	}
	return v, nil
}

// Set writes key=value with the given TTL (0 disables expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapErr(s.rdb.Set(ctx, key, value, ttl).Err())
}

// Delete removes key, if present.
func (s *Store) Delete(ctx context.Context, key string) error {
	return wrapErr(s.rdb.Del(ctx, key).Err())
}

// Expire resets key's TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapErr(s.rdb.Expire(ctx, key, ttl).Err())
}

// ZAdd appends member with score to the sorted set at key.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrapErr(s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

// ZRange returns the members of the sorted set at key, in score order.
func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	members, err := s.rdb.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	return members, nil
}

// ZRemRangeByScore removes the members scored in [min, max] from the
// sorted set at key.
func (s *Store) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	return wrapErr(s.rdb.ZRemRangeByScore(ctx, key, min, max).Err())
}

// ZRemRangeByRank removes members ranked [start, stop] from the sorted
// set at key.
func (s *Store) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	return wrapErr(s.rdb.ZRemRangeByRank(ctx, key, start, stop).Err())
}

// ZCard returns the cardinality of the sorted set at key.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

// Pipeline runs fn against a pipelined command buffer and executes it
// atomically (via MULTI/EXEC over the pipe), returning the flushed
// command results. Callers queue ops against p and read their results
// from the returned Cmder values after Pipeline returns.
func (s *Store) Pipeline(ctx context.Context, fn func(p redis.Pipeliner) error) ([]redis.Cmder, error) {
	cmds, err := s.rdb.TxPipelined(ctx, fn)
	if err != nil && err != redis.Nil {
		return cmds, wrapErr(err)
	}
	return cmds, nil
}
