// Package quota implements the outbound quota engine: a rolling 24-hour
// send-attempt counter per user, with configurable overage margin and
// anti-spam throttling, grounded on the original OutboundQuotaPolicy's
// single-pipeline admission check.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"blitiri.com.ar/go/log"
	"github.com/redis/go-redis/v9"

	"github.com/easydns/chapps/internal/actions"
	"github.com/easydns/chapps/internal/cachestore"
	"github.com/easydns/chapps/internal/chappserrors"
	"github.com/easydns/chapps/internal/config"
	"github.com/easydns/chapps/internal/configstore"
	"github.com/easydns/chapps/internal/identity"
	"github.com/easydns/chapps/internal/instancecache"
	"github.com/easydns/chapps/internal/request"
)

// interval is the rolling admission window: 24 hours, per §3's cache-key
// TTL table.
const interval = 24 * time.Hour

// memoWindow bounds how long a decision is reused for retried instances.
const memoWindow = 3 * time.Second

// KeyPrefix is this engine's cache-key namespace, matching the original
// OutboundQuotaPolicy.redis_key_prefix (supplemented feature #5).
const KeyPrefix = "oqp"

// Engine is the outbound quota policy engine.
type Engine struct {
	cache *cachestore.Store
	store *configstore.Store
	cfg   config.Quota
	prio  []string
	tr    actions.PassFail
	memo  *instancecache.Cache[bool]
}

// New builds a quota Engine from its stores and configuration.
func New(cache *cachestore.Store, store *configstore.Store, userKey string, cfg config.Quota) *Engine {
	return &Engine{
		cache: cache,
		store: store,
		cfg:   cfg,
		prio:  identity.BuildPriority(userKey),
		tr:    actions.NewPassFail(cfg.EngineCommon),
		memo:  instancecache.New[bool](memoWindow),
	}
}

func keyFor(user, field string) string {
	return KeyPrefix + ":" + user + ":" + field
}

// Admit evaluates rec against the user's quota and returns true to accept
// the send attempt, following §4.D's admission procedure.
func (e *Engine) Admit(ctx context.Context, rec *request.Record) (bool, error) {
	user, err := identity.User(rec, e.prio)
	if err != nil {
		return false, err
	}

	instance := rec.Instance()
	if v, ok := e.memo.Get(instance); ok {
		return v, nil
	}

	accept, err := e.evaluate(ctx, user, rec)
	if err != nil {
		log.Infof("quota: instance=%s user=%s denying on error: %v", instance, user, err)
		accept = false
	}
	e.memo.Set(instance, accept)
	return accept, nil
}

// Directive formats the MTA directive for an admission decision.
func (e *Engine) Directive(accept bool) (string, error) {
	return e.tr.Directive(accept, "")
}

func (e *Engine) evaluate(ctx context.Context, user string, rec *request.Record) (bool, error) {
	limitKey := keyFor(user, "limit")
	marginKey := keyFor(user, "margin")
	attemptsKey := keyFor(user, "attempts")

	cached, err := e.cache.Get(ctx, limitKey)
	if err != nil {
		return false, err
	}
	if cached == "" {
		if err := e.acquirePolicy(ctx, user); err != nil {
			return false, err
		}
	}

	limit, margin, attempts, err := e.pipelineAttempt(ctx, rec, limitKey, marginKey, attemptsKey)
	if err != nil {
		return false, err
	}
	if limit <= 0 {
		return false, nil // no quota profile: fail closed
	}
	if len(attempts) < 2 {
		return true, nil // first-ever send
	}

	if e.cfg.MinDelta > 0 {
		delta, err := deltaSeconds(attempts, len(rec.Recipients()), e.cfg.CountingRecipients)
		if err != nil {
			return false, err
		}
		if delta < float64(e.cfg.MinDelta) {
			return false, nil // too fast
		}
	}

	if len(attempts) > limit {
		recipCount := len(rec.Recipients())
		if len(attempts)-margin > limit || len(attempts)-recipCount >= limit {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) acquirePolicy(ctx context.Context, user string) error {
	quota, found, err := e.store.QuotaForUser(ctx, user)
	if err != nil {
		return fmt.Errorf("%w: %v", chappserrors.ErrConfigStoreUnavailable, err)
	}
	if !found {
		return nil // no profile; evaluate() will see limit absent and deny
	}

	margin, err := config.ParseMargin(e.cfg.Margin, quota)
	if err != nil {
		return err
	}

	if err := e.cache.Set(ctx, keyFor(user, "limit"), strconv.Itoa(quota), interval); err != nil {
		return err
	}
	return e.cache.Set(ctx, keyFor(user, "margin"), strconv.Itoa(margin), interval)
}

// pipelineAttempt atomically trims the attempts log, appends this attempt,
// and reads back limit/margin/attempts with their TTLs reset.
func (e *Engine) pipelineAttempt(ctx context.Context, rec *request.Record, limitKey, marginKey, attemptsKey string) (limit, margin int, attempts []string, err error) {
	now := time.Now()
	nowSeconds := float64(now.UnixNano()) / 1e9
	nowStr := strconv.FormatFloat(nowSeconds, 'f', -1, 64)

	var limitCmd, marginCmd *redis.StringCmd
	var attemptsCmd *redis.StringSliceCmd

	_, pipeErr := e.cache.Pipeline(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, attemptsKey, "0", strconv.FormatFloat(nowSeconds-interval.Seconds(), 'f', -1, 64))
		if e.cfg.CountingRecipients {
			recips := rec.Recipients()
			if len(recips) == 0 {
				recips = []string{""}
			}
			members := make([]redis.Z, len(recips))
			for i := range recips {
				members[i] = redis.Z{Score: nowSeconds, Member: fmt.Sprintf("%s:%05d", nowStr, i)}
			}
			p.ZAdd(ctx, attemptsKey, members...)
		} else {
			p.ZAdd(ctx, attemptsKey, redis.Z{Score: nowSeconds, Member: nowStr})
		}
		limitCmd = p.Get(ctx, limitKey)
		marginCmd = p.Get(ctx, marginKey)
		attemptsCmd = p.ZRange(ctx, attemptsKey, 0, -1)
		p.Expire(ctx, attemptsKey, interval)
		p.Expire(ctx, limitKey, interval)
		p.Expire(ctx, marginKey, interval)
		return nil
	})
	if pipeErr != nil {
		return 0, 0, nil, pipeErr
	}

	limit, _ = strconv.Atoi(mustResult(limitCmd))
	margin, _ = strconv.Atoi(mustResult(marginCmd))
	attempts, _ = attemptsCmd.Result()
	return limit, margin, attempts, nil
}

func mustResult(cmd *redis.StringCmd) string {
	v, err := cmd.Result()
	if err != nil {
		return ""
	}
	return v
}

// deltaSeconds returns the gap between the two most recent attempt
// timestamps. When attempts are recorded per-recipient, the current
// attempt occupies the last recipientCount entries, so it is compared
// with the entry just before them (the tail of the previous attempt).
func deltaSeconds(attempts []string, recipientCount int, countingRecipients bool) (float64, error) {
	offset := 1
	if countingRecipients && recipientCount > 1 {
		offset = recipientCount
	}
	i1 := len(attempts) - 1
	i2 := len(attempts) - 1 - offset
	if i1 < 0 || i2 < 0 {
		return 0, fmt.Errorf("quota: not enough attempts to compute a delta")
	}
	t1, err := parseTimestamp(attempts[i1])
	if err != nil {
		return 0, err
	}
	t2, err := parseTimestamp(attempts[i2])
	if err != nil {
		return 0, err
	}
	return t1 - t2, nil
}

func parseTimestamp(member string) (float64, error) {
	ts := member
	if idx := strings.IndexByte(member, ':'); idx >= 0 {
		ts = member[:idx]
	}
	return strconv.ParseFloat(ts, 64)
}

// CurrentQuota reports the remaining send budget for user against limit,
// for the administrative API (§4.D).
func (e *Engine) CurrentQuota(ctx context.Context, user string, limit int) (remaining int, err error) {
	attemptsKey := keyFor(user, "attempts")
	members, err := e.cache.ZRange(ctx, attemptsKey, 0, -1)
	if err != nil {
		return 0, err
	}
	remaining = limit - len(members)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// ResetQuota clears a user's rolling attempt history.
func (e *Engine) ResetQuota(ctx context.Context, user string) error {
	return e.cache.Delete(ctx, keyFor(user, "attempts"))
}

// RefreshPolicyCache forces a re-read of user's quota/margin from the
// config store, overwriting any cached values.
func (e *Engine) RefreshPolicyCache(ctx context.Context, user string) error {
	return e.acquirePolicy(ctx, user)
}
