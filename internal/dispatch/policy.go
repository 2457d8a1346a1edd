// Package dispatch implements the connection handler and cascading
// multi-policy dispatcher (spec.md §4.I): the component that turns a
// parsed policy request into the `action=<directive>\n\n` line written
// back to the MTA, single-engine or chained.
package dispatch

import (
	"context"
	"fmt"

	"github.com/easydns/chapps/internal/actions"
	"github.com/easydns/chapps/internal/config"
	"github.com/easydns/chapps/internal/greylist"
	"github.com/easydns/chapps/internal/quota"
	"github.com/easydns/chapps/internal/request"
	"github.com/easydns/chapps/internal/senderdomain"
	"github.com/easydns/chapps/internal/spfengine"
)

// Outcome is one engine's admission result: Accept gates whether the
// cascade continues to the next engine, Directive is the literal MTA
// response this engine would send if the cascade stopped here.
type Outcome struct {
	Accept    bool
	Directive string
}

// Policy adapts one engine into the shape the cascade needs. nullSender
// is the translator used when the engine raises chappserrors.ErrNullSender:
// its AcceptanceMessage/RejectionMessage stand in for the engine's own
// decision, selected by NullSenderOK, per §4.I.
type Policy struct {
	Evaluate     func(ctx context.Context, rec *request.Record) (Outcome, error)
	NullSenderOK bool
	nullSender   actions.PassFail
}

func passFailOutcome(tr actions.PassFail, accept bool) (Outcome, error) {
	dir, err := tr.Directive(accept, "")
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Accept: accept, Directive: dir}, nil
}

// QuotaPolicy adapts an outbound quota engine for the cascade.
func QuotaPolicy(e *quota.Engine, cfg config.Quota) Policy {
	tr := actions.NewPassFail(cfg.EngineCommon)
	return Policy{
		NullSenderOK: cfg.NullSenderOK,
		nullSender:   tr,
		Evaluate: func(ctx context.Context, rec *request.Record) (Outcome, error) {
			accept, err := e.Admit(ctx, rec)
			if err != nil {
				return Outcome{}, err
			}
			return passFailOutcome(tr, accept)
		},
	}
}

// GreylistPolicy adapts a greylisting engine for the cascade.
func GreylistPolicy(e *greylist.Engine, cfg config.Greylisting) Policy {
	tr := actions.NewPassFail(cfg.EngineCommon)
	return Policy{
		NullSenderOK: cfg.NullSenderOK,
		nullSender:   tr,
		Evaluate: func(ctx context.Context, rec *request.Record) (Outcome, error) {
			accept, err := e.Admit(ctx, rec)
			if err != nil {
				return Outcome{}, err
			}
			return passFailOutcome(tr, accept)
		},
	}
}

// SenderDomainPolicy adapts a sender-domain-auth engine for the cascade.
func SenderDomainPolicy(e *senderdomain.Engine, cfg config.SenderDomainAuth) Policy {
	tr := actions.NewPassFail(cfg.EngineCommon)
	return Policy{
		NullSenderOK: cfg.NullSenderOK,
		nullSender:   tr,
		Evaluate: func(ctx context.Context, rec *request.Record) (Outcome, error) {
			accept, err := e.Admit(ctx, rec)
			if err != nil {
				return Outcome{}, err
			}
			return passFailOutcome(tr, accept)
		},
	}
}

// SPFPolicy adapts an SPF engine for the cascade. grl, when non-nil, lets
// the SPF translator fall through to the greylist engine's own decision
// on this request when the configured result template is the greylist
// marker (spec §4.H); pass nil when no greylist engine is bundled and
// rely on PostfixSPFActions never naming the marker in that deployment.
func SPFPolicy(e *spfengine.Engine, cfg config.SPF, grl *greylist.Engine) Policy {
	tr := actions.NewPassFail(cfg.EngineCommon)
	return Policy{
		NullSenderOK: cfg.NullSenderOK,
		nullSender:   tr,
		Evaluate: func(ctx context.Context, rec *request.Record) (Outcome, error) {
			fallback := func(reason string) (string, error) {
				if grl == nil {
					return "", fmt.Errorf("dispatch: SPF result fell through to greylisting but no greylist engine is bundled")
				}
				accept, err := grl.Admit(ctx, rec)
				if err != nil {
					return "", err
				}
				return grl.Directive(accept)
			}
			directive, err := e.Evaluate(ctx, rec, fallback)
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Accept: directiveAccepts(directive), Directive: directive}, nil
		},
	}
}
