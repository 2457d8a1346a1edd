// Package identity resolves the outbound user identity and the inbound
// recipient / outbound sender domains from a parsed policy request, per
// the data model rules in §3.
package identity

import (
	"strings"

	"blitiri.com.ar/go/log"

	"github.com/easydns/chapps/internal/chappserrors"
	"github.com/easydns/chapps/internal/request"
)

// DefaultPriority is the default attribute priority list used to compute
// the outbound user identity: the first non-empty, non-literal-"None"
// value wins.
var DefaultPriority = []string{"sasl_username", "ccert_subject", "sender", "client_address"}

// BuildPriority returns the identity priority list for a configured
// user_key. If userKey is empty or already the default's first entry, the
// default list is returned unchanged; otherwise userKey is prepended.
func BuildPriority(userKey string) []string {
	if userKey == "" || userKey == DefaultPriority[0] {
		return DefaultPriority
	}
	out := make([]string, 0, len(DefaultPriority)+1)
	out = append(out, userKey)
	return append(out, DefaultPriority...)
}

// User computes the outbound user identity from rec, walking priority in
// order. It returns ErrAuthenticationFailure if every key in priority is
// absent or the literal string "None".
func User(rec *request.Record, priority []string) (string, error) {
	if len(priority) == 0 {
		priority = DefaultPriority
	}
	for _, key := range priority {
		v := rec.Get(key)
		if v != "" && v != "None" {
			return v, nil
		}
	}
	return "", chappserrors.ErrAuthenticationFailure
}

// SenderDomain returns the domain portion of the Sender address.
func SenderDomain(rec *request.Record) (string, error) {
	sender := rec.Sender()
	if sender == "" {
		return "", chappserrors.ErrNullSender
	}
	switch strings.Count(sender, "@") {
	case 0:
		return "", chappserrors.ErrNotAnEmailAddress
	case 1:
		return domainFrom(sender), nil
	default:
		return "", chappserrors.ErrTooManyAts
	}
}

// RecipientDomain returns the domain portion of the first recipient. If
// recipients span more than one domain, the first recipient's domain is
// authoritative and the divergence is logged.
func RecipientDomain(rec *request.Record) (string, error) {
	recips := rec.Recipients()
	if len(recips) == 0 {
		return "", chappserrors.ErrNoRecipients
	}

	seen := map[string]struct{}{}
	for _, e := range recips {
		seen[domainFrom(e)] = struct{}{}
	}
	if len(seen) > 1 {
		log.Debugf("instance=%s: recipients span %d domains, using first recipient %q",
			rec.Instance(), len(seen), recips[0])
	}
	return domainFrom(recips[0]), nil
}

func domainFrom(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr
	}
	return addr[i+1:]
}
