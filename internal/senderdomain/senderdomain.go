// Package senderdomain implements the sender-domain authorization engine:
// verify that an authenticated user is allowed to send mail claiming a
// given envelope-sender domain, grounded on the original
// SenderDomainAuthPolicy's cached-verdict-then-adapter-fallback shape.
package senderdomain

import (
	"context"
	"time"

	"github.com/easydns/chapps/internal/actions"
	"github.com/easydns/chapps/internal/cachestore"
	"github.com/easydns/chapps/internal/config"
	"github.com/easydns/chapps/internal/configstore"
	"github.com/easydns/chapps/internal/identity"
	"github.com/easydns/chapps/internal/instancecache"
	"github.com/easydns/chapps/internal/request"
)

const memoWindow = 3 * time.Second
const verdictTTL = 24 * time.Hour

// KeyPrefix is this engine's cache-key namespace, matching the original
// SenderDomainAuthPolicy.redis_key_prefix (supplemented feature #5).
const KeyPrefix = "sda"

// Engine is the sender-domain authorization policy engine.
type Engine struct {
	cache *cachestore.Store
	store *configstore.Store
	prio  []string
	tr    actions.PassFail
	memo  *instancecache.Cache[bool]
}

// New builds a sender-domain-auth Engine.
func New(cache *cachestore.Store, store *configstore.Store, userKey string, cfg config.SenderDomainAuth) *Engine {
	return &Engine{
		cache: cache,
		store: store,
		prio:  identity.BuildPriority(userKey),
		tr:    actions.NewPassFail(cfg.EngineCommon),
		memo:  instancecache.New[bool](memoWindow),
	}
}

// Directive formats the MTA directive for an admission decision.
func (e *Engine) Directive(accept bool) (string, error) {
	return e.tr.Directive(accept, "")
}

// Admit evaluates rec and returns true iff the user is authorized to send
// as the envelope sender's domain, per §4.F. A NullSender error is
// returned verbatim for the cascading dispatcher to apply its configured
// null_sender_ok policy.
func (e *Engine) Admit(ctx context.Context, rec *request.Record) (bool, error) {
	instance := rec.Instance()
	if v, ok := e.memo.Get(instance); ok {
		return v, nil
	}

	user, err := identity.User(rec, e.prio)
	if err != nil {
		return false, err
	}
	domain, err := identity.SenderDomain(rec)
	if err != nil {
		return false, err
	}

	verdict, err := e.evaluate(ctx, user, domain, rec.Sender())
	if err != nil {
		return false, err
	}
	e.memo.Set(instance, verdict)
	return verdict, nil
}

func verdictKey(user, domain string) string {
	return KeyPrefix + ":" + user + ":" + domain
}

func (e *Engine) evaluate(ctx context.Context, user, domain, sender string) (bool, error) {
	key := verdictKey(user, domain)
	cached, err := e.cache.Get(ctx, key)
	if err != nil {
		// Cache unavailable fails open for SDA: fall through to the
		// config store directly.
		return e.queryAndStore(ctx, user, domain, sender)
	}
	if cached != "" {
		return cached == "1", nil
	}
	return e.queryAndStore(ctx, user, domain, sender)
}

func (e *Engine) queryAndStore(ctx context.Context, user, domain, sender string) (bool, error) {
	byDomain, err := e.store.CheckDomainForUser(ctx, user, domain)
	if err != nil {
		return false, err
	}
	byEmail := false
	if !byDomain {
		byEmail, err = e.store.CheckEmailForUser(ctx, user, sender)
		if err != nil {
			return false, err
		}
	}
	allowed := byDomain || byEmail

	v := "0"
	if allowed {
		v = "1"
	}
	if err := e.cache.Set(ctx, verdictKey(user, domain), v, verdictTTL); err != nil {
		// Best-effort: the verdict is still correct even if it can't be
		// cached for next time.
		return allowed, nil
	}
	return allowed, nil
}
