package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/strata/errs"
	"github.com/quantfold/strata/internal/backend"
	"github.com/quantfold/strata/internal/execution"
	"github.com/quantfold/strata/internal/lifecycle"
	"github.com/quantfold/strata/internal/schema"
	"github.com/quantfold/strata/internal/store"
)

type flatReconciler struct{}

func (flatReconciler) LivePosition(context.Context, string, []string) (map[string]int64, error) {
	return map[string]int64{}, nil
}

// mirrorReconciler answers reconciliation with a fixed live book.
type mirrorReconciler struct {
	live map[string]int64
}

func (r *mirrorReconciler) LivePosition(context.Context, string, []string) (map[string]int64, error) {
	return r.live, nil
}

type harness struct {
	sim   *backend.Sim
	store *store.MemoryStore
	coord *Coordinator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	sim := backend.NewSim(nil)
	t.Cleanup(sim.Close)

	st := store.NewMemoryStore()
	return attach(t, sim, st, cfg)
}

func attach(t *testing.T, sim *backend.Sim, st *store.MemoryStore, cfg Config) *harness {
	t.Helper()
	return attachWith(t, sim, st, flatReconciler{}, cfg)
}

func attachWith(t *testing.T, sim *backend.Sim, st *store.MemoryStore, recon lifecycle.Reconciler, cfg Config) *harness {
	t.Helper()
	engine, err := execution.NewEngine(sim, st, execution.Config{
		FillTimeout:         500 * time.Millisecond,
		CompensationTimeout: 200 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	engine.Start(ctx)

	coord, err := New(st, engine, recon, nil, nil, cfg)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return &harness{sim: sim, store: st, coord: coord}
}

func spreadLegs() []schema.OrderLeg {
	return []schema.OrderLeg{
		{Symbol: "SPX-C5600", Quantity: -2, Role: schema.LegRoleIncome, Limit: decimal.RequireFromString("12.40")},
		{Symbol: "SPX-C5650", Quantity: 2, Role: schema.LegRoleProtective, Limit: decimal.RequireFromString("8.10")},
	}
}

func closingLegs() []schema.OrderLeg {
	out := schema.CloneLegs(spreadLegs())
	for i := range out {
		out[i].Quantity = -out[i].Quantity
	}
	return out
}

func (h *harness) openInstance(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	id, err := h.coord.CreateInstance(ctx, "vertical-spread", []string{"SPX-C5600", "SPX-C5650"})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	for _, trigger := range []schema.Trigger{schema.TriggerActivate, schema.TriggerAnalyze, schema.TriggerEntryApproved} {
		if _, err := h.coord.RequestTransition(ctx, id, lifecycle.Request{Trigger: trigger}); err != nil {
			t.Fatalf("trigger %s: %v", trigger, err)
		}
	}
	result, err := h.coord.RequestTransition(ctx, id, lifecycle.Request{Trigger: schema.TriggerEnter, Legs: spreadLegs()})
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if result.Outcome != schema.OutcomeComplete {
		t.Fatalf("entry outcome %s, want Complete", result.Outcome)
	}
	return id
}

func TestRequestTransitionUnknownInstance(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.coord.RequestTransition(context.Background(), "missing", lifecycle.Request{Trigger: schema.TriggerActivate})
	if !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestEntryHoldsReservationUntilClose(t *testing.T) {
	h := newHarness(t, Config{Limits: Limits{EntryThrottle: 100, EntryBurst: 10}})
	id := h.openInstance(t)

	if !h.coord.risk.Held(id) {
		t.Fatal("open position must hold a risk reservation")
	}
	positions := h.coord.OpenPositions()
	if len(positions[id]) != 2 {
		t.Fatalf("open position has %d lines, want 2", len(positions[id]))
	}

	ctx := context.Background()
	if _, err := h.coord.RequestTransition(ctx, id, lifecycle.Request{Trigger: schema.TriggerExitRequested}); err != nil {
		t.Fatalf("exit requested: %v", err)
	}
	result, err := h.coord.RequestTransition(ctx, id, lifecycle.Request{Trigger: schema.TriggerExit, Legs: closingLegs()})
	if err != nil {
		t.Fatalf("exit: %v", err)
	}
	if result.State != schema.StateClosed {
		t.Fatalf("state %s, want Closed", result.State)
	}
	if h.coord.risk.Held(id) {
		t.Fatal("closing the position must release the reservation")
	}
}

func TestRolledBackEntryReleasesReservation(t *testing.T) {
	h := newHarness(t, Config{Limits: Limits{EntryThrottle: 100, EntryBurst: 10}})
	h.sim.Script("SPX-C5650", backend.Behavior{Mode: backend.ModeReject, Latency: 100 * time.Millisecond})

	ctx := context.Background()
	id, err := h.coord.CreateInstance(ctx, "vertical-spread", []string{"SPX-C5600", "SPX-C5650"})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	for _, trigger := range []schema.Trigger{schema.TriggerActivate, schema.TriggerAnalyze, schema.TriggerEntryApproved} {
		if _, err := h.coord.RequestTransition(ctx, id, lifecycle.Request{Trigger: trigger}); err != nil {
			t.Fatalf("trigger %s: %v", trigger, err)
		}
	}

	result, err := h.coord.RequestTransition(ctx, id, lifecycle.Request{Trigger: schema.TriggerEnter, Legs: spreadLegs()})
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if result.Outcome != schema.OutcomeRolledBack {
		t.Fatalf("entry outcome %s, want RolledBack", result.Outcome)
	}
	if h.coord.risk.Held(id) {
		t.Fatal("rolled-back entry must release the reservation")
	}
}

func TestEntryAdmissionLimits(t *testing.T) {
	h := newHarness(t, Config{Limits: Limits{MaxOpenInstances: 1, EntryThrottle: 100, EntryBurst: 10}})
	first := h.openInstance(t)

	ctx := context.Background()
	id, err := h.coord.CreateInstance(ctx, "vertical-spread", []string{"SPX-C5600", "SPX-C5650"})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	for _, trigger := range []schema.Trigger{schema.TriggerActivate, schema.TriggerAnalyze, schema.TriggerEntryApproved} {
		if _, err := h.coord.RequestTransition(ctx, id, lifecycle.Request{Trigger: trigger}); err != nil {
			t.Fatalf("trigger %s: %v", trigger, err)
		}
	}

	_, err = h.coord.RequestTransition(ctx, id, lifecycle.Request{Trigger: schema.TriggerEnter, Legs: spreadLegs()})
	var structured *errs.E
	if !errors.As(err, &structured) || structured.Canonical != errs.CanonicalRiskRejected {
		t.Fatalf("expected risk rejection, got %v", err)
	}
	if got := h.coord.Instances(); len(got) != 2 {
		t.Fatalf("expected both instances registered, got %d", len(got))
	}
	if !h.coord.risk.Held(first) {
		t.Fatal("first instance must keep its reservation")
	}
}

func TestOversizedLegRejected(t *testing.T) {
	h := newHarness(t, Config{Limits: Limits{MaxLegQuantity: 1, EntryThrottle: 100, EntryBurst: 10}})

	ctx := context.Background()
	id, err := h.coord.CreateInstance(ctx, "vertical-spread", []string{"SPX-C5600", "SPX-C5650"})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	_, err = h.coord.RequestTransition(ctx, id, lifecycle.Request{Trigger: schema.TriggerEnter, Legs: spreadLegs()})
	if !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
	if h.coord.risk.Held(id) {
		t.Fatal("rejected entry must not hold a reservation")
	}
}

func TestQuiesceBlocksNewTriggers(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	id, err := h.coord.CreateInstance(ctx, "vertical-spread", []string{"SPX-C5600"})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}

	h.coord.Quiesce()
	if _, err := h.coord.RequestTransition(ctx, id, lifecycle.Request{Trigger: schema.TriggerActivate}); !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable after quiesce, got %v", err)
	}
	if _, err := h.coord.CreateInstance(ctx, "vertical-spread", []string{"SPX-P5200"}); !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable create after quiesce, got %v", err)
	}
}

func TestClearErrorKeepsReservationWhileHoldingPosition(t *testing.T) {
	sim := backend.NewSim(nil)
	t.Cleanup(sim.Close)
	st := store.NewMemoryStore()
	recon := &mirrorReconciler{live: map[string]int64{}}
	h := attachWith(t, sim, st, recon, Config{Limits: Limits{EntryThrottle: 100, EntryBurst: 10}})

	id := h.openInstance(t)
	recon.live = map[string]int64{"SPX-C5600": -2, "SPX-C5650": 2}

	ctx := context.Background()
	if _, err := h.coord.RequestTransition(ctx, id, lifecycle.Request{Trigger: schema.TriggerFault}); err != nil {
		t.Fatalf("fault: %v", err)
	}

	result, err := h.coord.ClearError(ctx, id)
	if err != nil {
		t.Fatalf("clear error: %v", err)
	}
	if !result.Applied || result.State != schema.StateReady {
		t.Fatalf("clear error: applied=%v state=%s", result.Applied, result.State)
	}
	if !h.coord.risk.Held(id) {
		t.Fatal("instance still holds a position; reservation must survive the clear")
	}
}

func TestRecoverRestoresInstancesAndReservations(t *testing.T) {
	sim := backend.NewSim(nil)
	t.Cleanup(sim.Close)
	st := store.NewMemoryStore()

	before := attach(t, sim, st, Config{Limits: Limits{EntryThrottle: 100, EntryBurst: 10}})
	openID := before.openInstance(t)
	idleID, err := before.coord.CreateInstance(context.Background(), "vertical-spread", []string{"SPX-P5200"})
	if err != nil {
		t.Fatalf("create idle instance: %v", err)
	}

	// fresh process against the same store
	after := attach(t, sim, st, Config{Limits: Limits{EntryThrottle: 100, EntryBurst: 10}})
	if err := after.coord.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	instances := after.coord.Instances()
	if len(instances) != 2 {
		t.Fatalf("recovered %d instances, want 2", len(instances))
	}
	states := map[string]schema.State{}
	for _, inst := range instances {
		states[inst.ID] = inst.State
	}
	if states[openID] != schema.StatePositionOpen {
		t.Fatalf("open instance state %s, want PositionOpen", states[openID])
	}
	if states[idleID] != schema.StateInitializing {
		t.Fatalf("idle instance state %s, want Initializing", states[idleID])
	}
	if !after.coord.risk.Held(openID) {
		t.Fatal("recovered open position must reclaim its reservation")
	}
	if after.coord.risk.Held(idleID) {
		t.Fatal("idle instance must not hold a reservation")
	}
}
