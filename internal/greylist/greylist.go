// Package greylist implements the greylisting engine: defer the first
// occurrence of a (client_ip, sender, recipient) triplet, accept retries
// past a minimum deferral window, and auto-allow well-behaved clients,
// grounded on the original GreylistingPolicy.
package greylist

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/easydns/chapps/internal/actions"
	"github.com/easydns/chapps/internal/cachestore"
	"github.com/easydns/chapps/internal/config"
	"github.com/easydns/chapps/internal/configstore"
	"github.com/easydns/chapps/internal/identity"
	"github.com/easydns/chapps/internal/instancecache"
	"github.com/easydns/chapps/internal/request"
)

const memoWindow = 3 * time.Second

// KeyPrefix is this engine's cache-key namespace, matching the original
// GreylistingPolicy.redis_key_prefix (supplemented feature #5).
const KeyPrefix = "grl"

// Engine is the greylisting policy engine.
type Engine struct {
	cache *cachestore.Store
	store *configstore.Store
	cfg   config.Greylisting
	tr    actions.PassFail
	memo  *instancecache.Cache[bool]
}

// New builds a greylist Engine.
func New(cache *cachestore.Store, store *configstore.Store, cfg config.Greylisting) *Engine {
	return &Engine{
		cache: cache,
		store: store,
		cfg:   cfg,
		tr:    actions.NewPassFail(cfg.EngineCommon),
		memo:  instancecache.New[bool](memoWindow),
	}
}

func tupleKey(ip, sender, recipient string) string {
	return fmt.Sprintf("%s:%s:%s:%s", KeyPrefix, ip, sender, recipient)
}

func clientKey(ip string) string {
	return KeyPrefix + ":" + ip
}

// Directive formats the MTA directive for an admission decision.
func (e *Engine) Directive(accept bool) (string, error) {
	return e.tr.Directive(accept, "")
}

// Admit evaluates rec and returns true to accept the message, per §4.E.
// DomainFlags gating happens before any state is touched or memoized.
func (e *Engine) Admit(ctx context.Context, rec *request.Record) (bool, error) {
	domain, err := identity.RecipientDomain(rec)
	if err != nil {
		return false, err
	}
	flags, err := e.store.DomainFlags(ctx, domain)
	if err != nil {
		return false, err
	}
	enforce := flags.Greylist
	if !flags.Exists {
		enforce = e.cfg.EnforceOnUnknownDomain
	}
	if !enforce {
		return true, nil
	}

	instance := rec.Instance()
	if v, ok := e.memo.Get(instance); ok {
		return v, nil
	}

	decision, err := e.evaluate(ctx, rec)
	if err != nil {
		return false, err
	}
	e.memo.Set(instance, decision)
	return decision, nil
}

func (e *Engine) evaluate(ctx context.Context, rec *request.Record) (bool, error) {
	ip := rec.ClientAddress()
	tKey := tupleKey(ip, rec.Sender(), rec.Recipient())
	cKey := clientKey(ip)

	now := time.Now()
	nowSeconds := float64(now.UnixNano()) / 1e9

	var tupleCmd *redis.StringCmd
	var tallyCmd *redis.StringSliceCmd
	_, err := e.cache.Pipeline(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, cKey, "0", strconv.FormatFloat(nowSeconds-float64(e.cfg.CacheTTL), 'f', -1, 64))
		tupleCmd = p.Get(ctx, tKey)
		if e.cfg.AutoAllowAfter > 0 {
			tallyCmd = p.ZRange(ctx, cKey, 0, -1)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	var tupleSeen float64
	var tupleExists bool
	if v, err := tupleCmd.Result(); err == nil && v != "" {
		if f, ferr := strconv.ParseFloat(v, 64); ferr == nil {
			tupleSeen, tupleExists = f, true
		}
	}

	var tally int
	tallyKnown := false
	if tallyCmd != nil {
		if members, err := tallyCmd.Result(); err == nil {
			tally, tallyKnown = len(members), true
		}
	}

	if tallyKnown && e.cfg.AutoAllowAfter > 0 && tally >= e.cfg.AutoAllowAfter {
		e.updateClientTally(ctx, cKey, rec.Instance())
		return true, nil
	}
	if tupleExists && now.Sub(time.Unix(0, int64(tupleSeen*1e9))).Seconds() >= float64(e.cfg.MinimumDeferral) {
		e.updateClientTally(ctx, cKey, rec.Instance())
		return true, nil
	}

	_ = e.cache.Set(ctx, tKey, strconv.FormatFloat(nowSeconds, 'f', -1, 64), time.Duration(e.cfg.CacheTTL)*time.Second)
	return false, nil
}

func (e *Engine) updateClientTally(ctx context.Context, clientKey, instance string) {
	if e.cfg.AutoAllowAfter == 0 {
		return
	}
	now := float64(time.Now().UnixNano()) / 1e9
	_, _ = e.cache.Pipeline(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, clientKey, redis.Z{Score: now, Member: instance})
		p.ZRemRangeByRank(ctx, clientKey, 0, -(int64(e.cfg.AutoAllowAfter)+2))
		p.Expire(ctx, clientKey, time.Duration(e.cfg.CacheTTL)*time.Second)
		return nil
	})
}
