// Package spfengine implements the SPF enforcement engine: a HELO-first,
// MAIL-FROM-fallback SPF evaluation translated into an MTA directive,
// grounded on the original SPFEnforcementPolicy.
package spfengine

import (
	"context"
	"fmt"
	"net"
	"strings"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/spf"

	"github.com/easydns/chapps/internal/actions"
	"github.com/easydns/chapps/internal/config"
	"github.com/easydns/chapps/internal/configstore"
	"github.com/easydns/chapps/internal/identity"
	"github.com/easydns/chapps/internal/request"
)

// Engine is the SPF enforcement policy engine.
type Engine struct {
	store     *configstore.Store
	tr        actions.SPF
	whitelist map[string]struct{}
}

// New builds an SPF Engine from the configured directive table and HELO
// whitelist (supplemented feature: HELO names exempt from enforcement
// regardless of the config store's check_spf flag).
func New(store *configstore.Store, cfg config.SPF, spfActions config.SPFActions) *Engine {
	wl := make(map[string]struct{}, len(cfg.Whitelist))
	for _, d := range cfg.Whitelist {
		wl[strings.ToLower(d)] = struct{}{}
	}
	return &Engine{
		store:     store,
		tr:        actions.NewSPF(spfActions),
		whitelist: wl,
	}
}

// Evaluate runs the HELO-then-MAILFROM SPF check and resolves the final
// MTA directive, per §4.G. greylistFallback synthesizes a directive from
// the greylist engine's own decision on rec, used when the configured
// result template for "none"/"neutral" (or any other result) falls
// through to greylisting instead of a fixed directive.
func (e *Engine) Evaluate(ctx context.Context, rec *request.Record, greylistFallback func(reason string) (string, error)) (string, error) {
	if _, exempt := e.whitelist[strings.ToLower(rec.HeloName())]; exempt {
		return "DUNNO", nil
	}

	recipientDomain, err := identity.RecipientDomain(rec)
	if err != nil {
		return "", err
	}
	flags, err := e.store.DomainFlags(ctx, recipientDomain)
	if err != nil {
		return "", err
	}
	if flags.Exists && !flags.CheckSPF {
		return "DUNNO", nil
	}

	result, reason := e.check(rec)
	header := receivedSPFHeader(result, rec)
	return e.tr.Directive(string(result), reason, header, greylistFallback)
}

// receivedSPFHeader builds the RFC 7208 §9.1-style annotation used when
// PostfixSPFActions' "passing" template is the bare PREPEND marker
// (chapps/spf_policy.py's query.get_header(result), supplemented feature
// #6): a Received-SPF header summarizing the query inputs and verdict.
func receivedSPFHeader(result spf.Result, rec *request.Record) string {
	return fmt.Sprintf("Received-SPF: %s (client-ip=%s; helo=%s; envelope-from=%s)",
		result, rec.ClientAddress(), rec.HeloName(), rec.Sender())
}

func (e *Engine) check(rec *request.Record) (spf.Result, string) {
	ip := net.ParseIP(rec.ClientAddress())
	helo := rec.HeloName()

	heloSender := "postmaster@" + helo
	result, err := spf.CheckHostWithSender(ip, helo, heloSender)
	if err != nil {
		log.Debugf("spf: HELO check for %s failed: %v", helo, err)
	}
	if result == spf.Fail {
		return result, explanation(result, err)
	}

	sender := rec.Sender()
	if sender == "" {
		// Null sender: the HELO result stands.
		return result, explanation(result, err)
	}
	result, err = spf.CheckHostWithSender(ip, helo, sender)
	if err != nil {
		log.Debugf("spf: MAIL FROM check for %s failed: %v", sender, err)
	}
	return result, explanation(result, err)
}

// explanation derives the reason text threaded into the final directive
// for a non-pass SPF result: the query error's message when the library
// reported one, otherwise a fixed description of the result itself (the
// common case for a clean fail/softfail with no DNS or syntax error).
func explanation(result spf.Result, err error) string {
	if result == spf.Pass || result == spf.None || result == spf.Neutral {
		return ""
	}
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("SPF %s", result)
}
