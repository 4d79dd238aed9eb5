package backend

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/strata/errs"
)

func collect(t *testing.T, events <-chan ExecutionEvent, want int) []ExecutionEvent {
	t.Helper()
	var got []ExecutionEvent
	timeout := time.After(2 * time.Second)
	for len(got) < want {
		select {
		case event, ok := <-events:
			if !ok {
				t.Fatalf("feed closed after %d events, want %d", len(got), want)
			}
			got = append(got, event)
		case <-timeout:
			t.Fatalf("timed out after %d events, want %d", len(got), want)
		}
	}
	return got
}

func TestSimFillsByDefault(t *testing.T) {
	sim := NewSim(nil)
	defer sim.Close()

	ref, err := sim.Submit(context.Background(), OrderIntent{
		Symbol:   "ES-F",
		Quantity: 3,
		Limit:    decimal.RequireFromString("5210.25"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	events := collect(t, sim.Events(), 2)
	if events[0].Kind != EventAck {
		t.Fatalf("expected ack first, got %s", events[0].Kind)
	}
	if events[1].Kind != EventFill || events[1].FilledQty != 3 {
		t.Fatalf("expected full fill, got %s qty=%d", events[1].Kind, events[1].FilledQty)
	}

	status, err := sim.Query(context.Background(), ref)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if status.State != OrderStateFilled || status.FilledQty != 3 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSimPartialThenReject(t *testing.T) {
	sim := NewSim(map[string]Behavior{
		"NQ-F": {Mode: ModePartialThenReject, PartialQty: 2},
	})
	defer sim.Close()

	ref, err := sim.Submit(context.Background(), OrderIntent{
		Symbol:   "NQ-F",
		Quantity: -5,
		Market:   true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	events := collect(t, sim.Events(), 3)
	if events[1].Kind != EventFill || events[1].FilledQty != -2 {
		t.Fatalf("expected partial sell fill of -2, got %s qty=%d", events[1].Kind, events[1].FilledQty)
	}
	if events[2].Kind != EventReject {
		t.Fatalf("expected reject, got %s", events[2].Kind)
	}

	status, err := sim.Query(context.Background(), ref)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if status.State != OrderStateRejected || status.FilledQty != -2 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSimCancelSilentOrder(t *testing.T) {
	sim := NewSim(map[string]Behavior{
		"CL-F": {Mode: ModeSilent},
	})
	defer sim.Close()

	ref, err := sim.Submit(context.Background(), OrderIntent{Symbol: "CL-F", Quantity: 1, Market: true})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	collect(t, sim.Events(), 1)

	if err := sim.Cancel(context.Background(), ref); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	events := collect(t, sim.Events(), 1)
	if events[0].Kind != EventCancelled {
		t.Fatalf("expected cancelled, got %s", events[0].Kind)
	}

	// Cancelling a terminal order is a no-op.
	if err := sim.Cancel(context.Background(), ref); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
}

func TestSimUnknownOrder(t *testing.T) {
	sim := NewSim(nil)
	defer sim.Close()

	if _, err := sim.Query(context.Background(), "missing"); !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if err := sim.Cancel(context.Background(), "missing"); !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestOrderIntentValidate(t *testing.T) {
	cases := []struct {
		name   string
		intent OrderIntent
		ok     bool
	}{
		{name: "market", intent: OrderIntent{Symbol: "ES-F", Quantity: 1, Market: true}, ok: true},
		{name: "limit", intent: OrderIntent{Symbol: "ES-F", Quantity: -1, Limit: decimal.RequireFromString("10")}, ok: true},
		{name: "no symbol", intent: OrderIntent{Quantity: 1, Market: true}},
		{name: "zero qty", intent: OrderIntent{Symbol: "ES-F", Market: true}},
		{name: "limit without price", intent: OrderIntent{Symbol: "ES-F", Quantity: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.intent.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
