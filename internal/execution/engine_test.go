package execution

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/strata/internal/backend"
	"github.com/quantfold/strata/internal/schema"
	"github.com/quantfold/strata/internal/store"
)

func newTestEngine(t *testing.T, sim *backend.Sim, cfg Config) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	engine, err := NewEngine(sim, st, cfg, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	engine.Start(ctx)
	return engine, st
}

func fastConfig() Config {
	return Config{
		FillTimeout:         500 * time.Millisecond,
		CompensationTimeout: 200 * time.Millisecond,
	}
}

func entryLegs() []schema.OrderLeg {
	return []schema.OrderLeg{
		{Symbol: "SPX-C5600", Quantity: -2, Role: schema.LegRoleIncome, Limit: decimal.RequireFromString("12.40")},
		{Symbol: "SPX-C5650", Quantity: 2, Role: schema.LegRoleProtective, Limit: decimal.RequireFromString("8.10")},
		{Symbol: "SPX-P5200", Quantity: -2, Role: schema.LegRoleIncome, Limit: decimal.RequireFromString("11.95")},
		{Symbol: "SPX-P5150", Quantity: 2, Role: schema.LegRoleProtective, Limit: decimal.RequireFromString("9.30")},
	}
}

func persistedGroup(t *testing.T, st store.Store, owner, id string) schema.OrderGroup {
	t.Helper()
	record, err := st.Get(context.Background(), store.GroupKey(owner, id))
	if err != nil {
		t.Fatalf("load group record: %v", err)
	}
	group, err := store.DecodeGroup(record)
	if err != nil {
		t.Fatalf("decode group: %v", err)
	}
	return group
}

func TestExecuteAllLegsFillCompletes(t *testing.T) {
	sim := backend.NewSim(nil)
	defer sim.Close()
	engine, st := newTestEngine(t, sim, fastConfig())

	result, err := engine.Execute(context.Background(), "inst-1", entryLegs())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Outcome != schema.OutcomeComplete {
		t.Fatalf("expected Complete, got %s", result.Outcome)
	}

	effect := result.Group.NetEffect()
	want := map[string]int64{"SPX-C5600": -2, "SPX-C5650": 2, "SPX-P5200": -2, "SPX-P5150": 2}
	for symbol, qty := range want {
		if effect[symbol] != qty {
			t.Fatalf("net effect for %s = %d, want %d", symbol, effect[symbol], qty)
		}
	}

	stored := persistedGroup(t, st, "inst-1", result.Group.ID)
	if stored.Status != schema.GroupComplete {
		t.Fatalf("persisted status %s, want Complete", stored.Status)
	}
	if len(stored.Compensations) != 0 {
		t.Fatalf("complete group must not carry compensations, got %d", len(stored.Compensations))
	}
}

func TestExecuteRejectionRollsBackFilledLegs(t *testing.T) {
	sim := backend.NewSim(map[string]backend.Behavior{
		"SPX-P5200": {Mode: backend.ModeReject, Latency: 100 * time.Millisecond},
		"SPX-P5150": {Mode: backend.ModeSilent},
	})
	defer sim.Close()
	engine, st := newTestEngine(t, sim, fastConfig())

	result, err := engine.Execute(context.Background(), "inst-1", entryLegs())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Outcome != schema.OutcomeRolledBack {
		t.Fatalf("expected RolledBack, got %s", result.Outcome)
	}
	if len(result.Group.Compensations) != 2 {
		t.Fatalf("expected 2 compensations, got %d", len(result.Group.Compensations))
	}
	if effect := result.Group.NetEffect(); len(effect) != 0 {
		t.Fatalf("rolled back group must net to zero, got %v", effect)
	}

	stored := persistedGroup(t, st, "inst-1", result.Group.ID)
	if stored.Status != schema.GroupRolledBack {
		t.Fatalf("persisted status %s, want RolledBack", stored.Status)
	}
}

func TestExecuteZeroFillTimeoutCancelsAndRollsBack(t *testing.T) {
	behaviors := make(map[string]backend.Behavior)
	for _, leg := range entryLegs() {
		behaviors[leg.Symbol] = backend.Behavior{Mode: backend.ModeSilent}
	}
	sim := backend.NewSim(behaviors)
	defer sim.Close()

	cfg := fastConfig()
	cfg.FillTimeout = 150 * time.Millisecond
	engine, _ := newTestEngine(t, sim, cfg)

	result, err := engine.Execute(context.Background(), "inst-1", entryLegs())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Outcome != schema.OutcomeRolledBack {
		t.Fatalf("expected RolledBack, got %s", result.Outcome)
	}
	if len(result.Group.Compensations) != 0 {
		t.Fatalf("zero-fill rollback needs no compensations, got %d", len(result.Group.Compensations))
	}
	for _, leg := range result.Group.Legs {
		if leg.Status != schema.LegCancelled {
			t.Fatalf("leg %s status %s, want Cancelled", leg.Symbol, leg.Status)
		}
	}
}

func TestExecuteCompensationTimeoutAbandons(t *testing.T) {
	sim := backend.NewSim(map[string]backend.Behavior{
		"SPX-C5650": {Mode: backend.ModeReject, Latency: 100 * time.Millisecond},
		"SPX-P5200": {Mode: backend.ModeReject, Latency: 100 * time.Millisecond},
		"SPX-P5150": {Mode: backend.ModeReject, Latency: 100 * time.Millisecond},
	})
	// primary fill for the income leg, then a compensation that never confirms
	sim.ScriptSequence("SPX-C5600",
		backend.Behavior{Mode: backend.ModeFill},
		backend.Behavior{Mode: backend.ModeSilent},
	)
	defer sim.Close()

	engine, st := newTestEngine(t, sim, fastConfig())

	result, err := engine.Execute(context.Background(), "inst-1", entryLegs())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Outcome != schema.OutcomeAbandoned {
		t.Fatalf("expected Abandoned, got %s", result.Outcome)
	}

	stored := persistedGroup(t, st, "inst-1", result.Group.ID)
	if stored.Status != schema.GroupAbandoned {
		t.Fatalf("persisted status %s, want Abandoned", stored.Status)
	}
}

func TestExecuteCompensatesTruePartialFill(t *testing.T) {
	sim := backend.NewSim(map[string]backend.Behavior{
		"SPX-C5650": {Mode: backend.ModeReject, Latency: 100 * time.Millisecond},
		"SPX-P5200": {Mode: backend.ModeReject, Latency: 100 * time.Millisecond},
		"SPX-P5150": {Mode: backend.ModeReject, Latency: 100 * time.Millisecond},
	})
	// -2 requested, only -1 fills before the window closes; the compensation
	// must buy back exactly 1
	sim.ScriptSequence("SPX-C5600",
		backend.Behavior{Mode: backend.ModePartialFill, PartialQty: 1},
		backend.Behavior{Mode: backend.ModeFill},
	)
	defer sim.Close()

	cfg := fastConfig()
	cfg.FillTimeout = 200 * time.Millisecond
	engine, _ := newTestEngine(t, sim, cfg)

	result, err := engine.Execute(context.Background(), "inst-1", entryLegs())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Outcome != schema.OutcomeRolledBack {
		t.Fatalf("expected RolledBack, got %s", result.Outcome)
	}
	if len(result.Group.Compensations) != 1 {
		t.Fatalf("expected 1 compensation, got %d", len(result.Group.Compensations))
	}
	if result.Group.Compensations[0].Quantity != 1 {
		t.Fatalf("compensation quantity %d, want 1 (negation of the fill, not the request)",
			result.Group.Compensations[0].Quantity)
	}
	if effect := result.Group.NetEffect(); len(effect) != 0 {
		t.Fatalf("expected zero net effect, got %v", effect)
	}
}

func TestRecoverFindsLegsFilledWhileDown(t *testing.T) {
	sim := backend.NewSim(nil)
	defer sim.Close()
	engine, st := newTestEngine(t, sim, fastConfig())

	// orders that filled at the backend while the process was down
	refs := make(map[string]string)
	for _, leg := range entryLegs() {
		ref, err := sim.Submit(context.Background(), backend.OrderIntent{
			GroupID: "g-restart", Owner: "inst-1",
			Symbol: leg.Symbol, Quantity: leg.Quantity, Limit: leg.Limit,
		})
		if err != nil {
			t.Fatalf("seed submit: %v", err)
		}
		refs[leg.Symbol] = ref
	}
	time.Sleep(50 * time.Millisecond)

	// persisted pre-crash view: two legs known filled, two still submitted
	now := time.Now().UTC()
	group := schema.OrderGroup{
		ID: "g-restart", Owner: "inst-1",
		Status:    schema.GroupPartiallyFilled,
		CreatedAt: now, UpdatedAt: now,
	}
	for i, leg := range entryLegs() {
		leg.OrderRef = refs[leg.Symbol]
		if i < 2 {
			leg.Status = schema.LegFilled
			leg.FilledQty = leg.Quantity
			leg.FillPrice = leg.Limit
		} else {
			leg.Status = schema.LegSubmitted
		}
		group.Legs = append(group.Legs, leg)
	}
	encoded, err := store.EncodeGroup(group)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := st.Put(context.Background(), encoded); err != nil {
		t.Fatalf("persist pre-crash group: %v", err)
	}

	result, err := engine.Recover(context.Background(), group)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if result.Outcome != schema.OutcomeComplete {
		t.Fatalf("expected Complete after recovery, got %s", result.Outcome)
	}
	if len(result.Group.Compensations) != 0 {
		t.Fatalf("recovered complete group must not compensate, got %d", len(result.Group.Compensations))
	}
	for i, leg := range result.Group.Legs {
		if leg.OrderRef != refs[leg.Symbol] {
			t.Fatalf("leg %d resubmitted: ref changed", i)
		}
		if leg.Status != schema.LegFilled {
			t.Fatalf("leg %s status %s, want Filled", leg.Symbol, leg.Status)
		}
	}

	stored := persistedGroup(t, st, "inst-1", "g-restart")
	if stored.Status != schema.GroupComplete {
		t.Fatalf("persisted status %s, want Complete", stored.Status)
	}
}

func TestRecoverTerminalGroupIsIdempotent(t *testing.T) {
	sim := backend.NewSim(nil)
	defer sim.Close()
	engine, _ := newTestEngine(t, sim, fastConfig())

	result, err := engine.Execute(context.Background(), "inst-1", entryLegs())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	again, err := engine.Recover(context.Background(), result.Group)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if again.Outcome != result.Outcome {
		t.Fatalf("recovery changed outcome: %s vs %s", again.Outcome, result.Outcome)
	}
}
