// Package actions translates engine outcomes into MTA directive lines, the
// way the Python action classes build a closure per configured directive
// template instead of hardcoding the mapping.
package actions

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/easydns/chapps/internal/config"
)

// GreylistMarker is the non-MTA directive head used in PostfixSPFActions
// templates to mean "fall through into the greylist engine" (spec §4.H).
// It is never written to the wire; SPF translation recognizes it and
// substitutes the greylist engine's own directive.
const GreylistMarker = "greylist"

// FormatDirective builds the literal `action=<directive>` payload (minus
// the action= prefix and terminator) for a configured template, appending
// an optional reason the way the Python closures join their fixed prefix
// with a call-site message.
func FormatDirective(template, reason string) (string, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		return "", fmt.Errorf("actions: empty directive template")
	}
	head, rest, _ := strings.Cut(template, " ")

	switch {
	case head == "DUNNO":
		return "DUNNO", nil
	case head == "OK":
		return "OK", nil
	case head == "PREPEND":
		if len(rest) < 5 {
			return "", fmt.Errorf("actions: PREPEND header %q must be at least 5 characters", rest)
		}
		return "PREPEND " + rest, nil
	case head == "DEFER_IF_PERMIT":
		return "DEFER_IF_PERMIT " + join(rest, reason), nil
	case head == "REJECT":
		return "REJECT " + join(rest, reason), nil
	case isSMTPCode(head):
		return head + " " + join(rest, reason), nil
	default:
		return "", fmt.Errorf("actions: unrecognized directive head %q", head)
	}
}

func join(fixed, extra string) string {
	if extra == "" {
		return fixed
	}
	if fixed == "" {
		return extra
	}
	return fixed + " " + extra
}

// isSMTPCode reports whether head is a 3-digit 4xx/5xx SMTP reply code.
func isSMTPCode(head string) bool {
	if len(head) != 3 {
		return false
	}
	n, err := strconv.Atoi(head)
	if err != nil {
		return false
	}
	return n >= 400 && n < 600
}

// PassFail formats the two-outcome (accept/deny) directives shared by the
// quota, greylist, and sender-domain-auth engines.
type PassFail struct {
	AcceptanceMessage string
	RejectionMessage  string
}

// NewPassFail builds a PassFail translator from an engine's common config.
func NewPassFail(ec config.EngineCommon) PassFail {
	return PassFail{
		AcceptanceMessage: ec.AcceptanceMessage,
		RejectionMessage:  ec.RejectionMessage,
	}
}

// Directive returns the MTA directive for accept/deny, with an optional
// reason appended to the configured template.
func (p PassFail) Directive(accept bool, reason string) (string, error) {
	if accept {
		return FormatDirective(p.AcceptanceMessage, reason)
	}
	return FormatDirective(p.RejectionMessage, reason)
}

// SPF translates an SPF evaluation result into a directive, per the
// PostfixSPFActions configuration table. none and neutral always resolve
// identically (configured as NoneNeutral).
type SPF struct {
	Actions config.SPFActions
}

// NewSPF builds an SPF translator from the configured directive table.
func NewSPF(a config.SPFActions) SPF {
	return SPF{Actions: a}
}

// TemplateFor returns the configured directive template for an SPF result
// name (pass, fail, softfail, neutral, none, temperror, permerror). none
// and neutral are mangled onto the same NoneNeutral template, mirroring
// PostfixSPFActions._mangle_action.
func (s SPF) TemplateFor(result string) (string, error) {
	switch result {
	case "pass":
		return s.Actions.Passing, nil
	case "fail":
		return s.Actions.Fail, nil
	case "softfail":
		return s.Actions.Softfail, nil
	case "none", "neutral":
		return s.Actions.NoneNeutral, nil
	case "temperror":
		return s.Actions.Temperror, nil
	case "permerror":
		return s.Actions.Permerror, nil
	default:
		return "", fmt.Errorf("actions: unknown SPF result %q", result)
	}
}

// Directive resolves an SPF result to a final MTA directive. When the
// configured template is the greylist marker, greylistFallback is invoked
// with the reason to synthesize the directive from the greylist engine's
// own decision on this request. When the configured template is the bare
// "PREPEND" marker (no fixed header text), header supplies the
// dynamically built Received-SPF annotation for this query, matching the
// original spf_policy.py's query.get_header(result) (supplemented
// feature #6). Otherwise the template is formatted directly.
func (s SPF) Directive(result, reason, header string, greylistFallback func(reason string) (string, error)) (string, error) {
	template, err := s.TemplateFor(result)
	if err != nil {
		return "", err
	}
	head, rest, _ := strings.Cut(strings.TrimSpace(template), " ")
	switch {
	case head == GreylistMarker:
		if reason == "" {
			reason = "due to SPF enforcement policy"
		}
		return greylistFallback(reason)
	case head == "PREPEND" && rest == "":
		if header == "" {
			return "", fmt.Errorf("actions: PREPEND configured with no fixed header and no synthesized SPF header available")
		}
		return FormatDirective("PREPEND "+header, "")
	default:
		return FormatDirective(template, reason)
	}
}
