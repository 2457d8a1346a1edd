package dispatch

import (
	"context"
	"errors"
	"strings"

	"github.com/easydns/chapps/internal/chappserrors"
	"github.com/easydns/chapps/internal/request"
)

// Evaluate runs policies, in order, against rec and resolves the single
// directive line to send back to the MTA, per §4.I. A single-element
// slice is the "single-policy handler"; longer slices are the cascading
// multi-policy handler. The first denying policy stops evaluation and its
// directive wins; if every policy accepts, the last one's directive does.
func Evaluate(ctx context.Context, policies []Policy, rec *request.Record) (string, error) {
	if len(policies) == 0 {
		return "DUNNO", nil
	}

	var last Outcome
	for _, p := range policies {
		outcome, err := p.Evaluate(ctx, rec)
		if err != nil {
			if !errors.Is(err, chappserrors.ErrNullSender) {
				return "", err
			}
			outcome, err = p.nullSenderOutcome()
			if err != nil {
				return "", err
			}
		}
		last = outcome
		if !outcome.Accept {
			return outcome.Directive, nil
		}
	}
	return last.Directive, nil
}

func (p Policy) nullSenderOutcome() (Outcome, error) {
	return passFailOutcome(p.nullSender, p.NullSenderOK)
}

// directiveAccepts reports whether a formatted MTA directive is an accept
// that should let a cascade continue (DUNNO/OK/PREPEND) versus a result
// that ends it (REJECT, DEFER_IF_PERMIT, or an explicit SMTP code).
func directiveAccepts(directive string) bool {
	head, _, _ := strings.Cut(strings.TrimSpace(directive), " ")
	switch head {
	case "DUNNO", "OK", "PREPEND":
		return true
	default:
		return false
	}
}
