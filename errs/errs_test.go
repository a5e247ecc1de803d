package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonicalAndVenue(t *testing.T) {
	err := New(
		"backtest",
		CodeInvalid,
		WithHTTP(400),
		WithMessage("amount exceeds base precision"),
		WithRawCode("-1111"),
		WithRawMessage("precision over maximum"),
		WithCanonicalCode(CanonicalInvalidOrder),
		WithCause(errors.New("venue http 400")),
	)

	out := err.Error()
	if !strings.Contains(out, "venue=backtest") {
		t.Fatalf("expected venue marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=invalid_request") {
		t.Fatalf("expected transport code in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=invalid_order") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	if !strings.Contains(out, "raw_code=\"-1111\"") {
		t.Fatalf("expected raw code in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"venue http 400\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("backtest", CodeInvalid, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestCanonicalOfWalksWrapChain(t *testing.T) {
	inner := InsufficientBalance("backtest", "quote balance short by 0.01")
	wrapped := fmt.Errorf("submit order: %w", inner)

	if got := CanonicalOf(wrapped); got != CanonicalInsufficientBalance {
		t.Fatalf("expected insufficient_balance through wrap chain, got %q", got)
	}
	if CanonicalOf(errors.New("plain")) != CanonicalUnknown {
		t.Fatalf("expected unknown canonical for plain error")
	}
}

func TestPredicatesMatchConstructors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		pred func(error) bool
	}{
		{"insufficient balance", InsufficientBalance("backtest", "short"), IsInsufficientBalance},
		{"invalid order", InvalidOrder("backtest", "negative amount"), IsInvalidOrder},
		{"order not found", OrderNotFound("backtest", "42"), IsOrderNotFound},
		{"rate limited", RateLimited("live", "429"), IsRateLimited},
		{"connectivity", Connectivity("live", errors.New("dial tcp: refused")), IsConnectivity},
		{"past schedule", PastSchedule("dispatcher", "when precedes virtual now"), IsPastSchedule},
	}
	for _, tc := range cases {
		if !tc.pred(tc.err) {
			t.Errorf("%s: predicate did not match constructor error %v", tc.name, tc.err)
		}
		if tc.pred(errors.New("unrelated")) {
			t.Errorf("%s: predicate matched unrelated error", tc.name)
		}
	}
}

func TestConnectivityKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1:443: i/o timeout")
	err := Connectivity("live", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach the transport cause")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
