package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonicalAndMetadata(t *testing.T) {
	err := New(
		"execution/engine",
		CodeBackend,
		WithMessage("compensating order unconfirmed"),
		WithCanonicalCode(CanonicalGroupNonTerminal),
		WithField("group_id", "grp-123"),
		WithField("symbol", "SPY240119P470"),
		WithCause(errors.New("backend query failed")),
	)

	out := err.Error()
	if !strings.Contains(out, "scope=execution/engine") {
		t.Fatalf("expected scope marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=backend_error") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=group_non_terminal") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	expectedMeta := "meta=group_id=\"grp-123\",symbol=\"SPY240119P470\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"backend query failed\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("store/memory", CodeConflict, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestIsCodeWalksWrappedChain(t *testing.T) {
	base := New("store/postgres", CodeUnavailable, WithMessage("pool exhausted"))
	wrapped := fmt.Errorf("persist group: %w", base)

	if !IsCode(wrapped, CodeUnavailable) {
		t.Fatalf("expected IsCode to find unavailable in chain: %v", wrapped)
	}
	if IsCode(wrapped, CodeConflict) {
		t.Fatalf("did not expect conflict code in chain: %v", wrapped)
	}
	if IsCode(nil, CodeUnavailable) {
		t.Fatal("nil error must not match any code")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
