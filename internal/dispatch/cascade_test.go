package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/easydns/chapps/internal/chappserrors"
	"github.com/easydns/chapps/internal/request"
)

func fakePolicy(accept bool, directive string) Policy {
	return Policy{
		Evaluate: func(ctx context.Context, rec *request.Record) (Outcome, error) {
			return Outcome{Accept: accept, Directive: directive}, nil
		},
	}
}

func erroringPolicy(err error) Policy {
	return Policy{
		Evaluate: func(ctx context.Context, rec *request.Record) (Outcome, error) {
			return Outcome{}, err
		},
	}
}

func mustRec(t *testing.T) *request.Record {
	t.Helper()
	r, err := request.Parse([]byte("instance=i1\n\n"))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestEvaluateEmptyPolicyListDefersDunno(t *testing.T) {
	directive, err := Evaluate(context.Background(), nil, mustRec(t))
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if directive != "DUNNO" {
		t.Errorf("Evaluate() = %q, want DUNNO", directive)
	}
}

func TestEvaluateFirstDenyStopsCascade(t *testing.T) {
	neverRan := false
	policies := []Policy{
		fakePolicy(false, "REJECT Not authorized to send as this domain"),
		{Evaluate: func(ctx context.Context, rec *request.Record) (Outcome, error) {
			neverRan = true
			return Outcome{Accept: true, Directive: "DUNNO"}, nil
		}},
	}
	directive, err := Evaluate(context.Background(), policies, mustRec(t))
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if directive != "REJECT Not authorized to send as this domain" {
		t.Errorf("Evaluate() = %q, want the first engine's rejection", directive)
	}
	if neverRan {
		t.Errorf("second policy ran after the first engine denied")
	}
}

func TestEvaluateAllAcceptUsesLastDirective(t *testing.T) {
	policies := []Policy{
		fakePolicy(true, "OK"),
		fakePolicy(true, "DUNNO"),
	}
	directive, err := Evaluate(context.Background(), policies, mustRec(t))
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if directive != "DUNNO" {
		t.Errorf("Evaluate() = %q, want the last accepting engine's directive", directive)
	}
}

func TestEvaluatePropagatesNonNullSenderError(t *testing.T) {
	wantErr := errors.New("boom")
	policies := []Policy{erroringPolicy(wantErr)}
	_, err := Evaluate(context.Background(), policies, mustRec(t))
	if !errors.Is(err, wantErr) {
		t.Errorf("Evaluate() error = %v, want %v", err, wantErr)
	}
}

func TestEvaluateNullSenderHonoursOKFlag(t *testing.T) {
	p := erroringPolicy(chappserrors.ErrNullSender)
	p.NullSenderOK = true
	p.nullSender.AcceptanceMessage = "OK"
	p.nullSender.RejectionMessage = "REJECT Null sender not permitted"

	directive, err := Evaluate(context.Background(), []Policy{p}, mustRec(t))
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if directive != "OK" {
		t.Errorf("Evaluate() = %q, want OK when NullSenderOK is set", directive)
	}
}

func TestEvaluateNullSenderDeniesWhenNotOK(t *testing.T) {
	p := erroringPolicy(chappserrors.ErrNullSender)
	p.NullSenderOK = false
	p.nullSender.AcceptanceMessage = "OK"
	p.nullSender.RejectionMessage = "REJECT Null sender not permitted"

	directive, err := Evaluate(context.Background(), []Policy{p}, mustRec(t))
	if err != nil {
		t.Fatalf("Evaluate() error: %v", err)
	}
	if directive != "REJECT Null sender not permitted" {
		t.Errorf("Evaluate() = %q, want the configured rejection", directive)
	}
}

func TestDirectiveAccepts(t *testing.T) {
	cases := map[string]bool{
		"DUNNO":                       true,
		"OK":                          true,
		"PREPEND X-Foo: bar":          true,
		"DEFER_IF_PERMIT try again":   false,
		"REJECT not allowed":          false,
		"550 5.7.1 SPF check failed":  false,
		"421 4.3.0 temporary failure": false,
	}
	for directive, want := range cases {
		if got := directiveAccepts(directive); got != want {
			t.Errorf("directiveAccepts(%q) = %v, want %v", directive, got, want)
		}
	}
}
