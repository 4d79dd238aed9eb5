// Package execution implements atomic multi-leg order execution: every group
// either realizes all of its legs or leaves the net position unchanged.
package execution

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/quantfold/strata/errs"
	"github.com/quantfold/strata/internal/backend"
	"github.com/quantfold/strata/internal/observability"
	"github.com/quantfold/strata/internal/schema"
	"github.com/quantfold/strata/internal/store"
	"github.com/quantfold/strata/lib/telemetry"
)

var (
	outcomesCounter   metric.Int64Counter
	outcomesCounterMu sync.Once
)

// Config bounds the engine's two wait windows. The compensation window is
// deliberately shorter than the fill window.
type Config struct {
	FillTimeout         time.Duration
	CompensationTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.FillTimeout <= 0 {
		c.FillTimeout = 30 * time.Second
	}
	if c.CompensationTimeout <= 0 {
		c.CompensationTimeout = 10 * time.Second
	}
	if c.CompensationTimeout > c.FillTimeout {
		c.CompensationTimeout = c.FillTimeout
	}
}

// Result pairs the terminal outcome with the final group state.
type Result struct {
	Outcome schema.GroupOutcome
	Group   schema.OrderGroup
}

// Engine executes order groups against a backend with durable progress in the
// record store. One Engine serves all instances; groups proceed in parallel.
type Engine struct {
	backend backend.OrderBackend
	store   store.Store
	cfg     Config
	metrics *observability.RuntimeMetrics
	router  *router

	startOnce sync.Once
}

// NewEngine constructs an engine. The metrics accumulator may be shared with
// other components.
func NewEngine(ob backend.OrderBackend, st store.Store, cfg Config, metrics *observability.RuntimeMetrics) (*Engine, error) {
	if ob == nil {
		return nil, errs.New("execution", errs.CodeInvalid, errs.WithMessage("order backend required"))
	}
	if st == nil {
		return nil, errs.New("execution", errs.CodeInvalid, errs.WithMessage("record store required"))
	}
	cfg.applyDefaults()
	if metrics == nil {
		metrics = observability.NewRuntimeMetrics()
	}
	return &Engine{
		backend: ob,
		store:   st,
		cfg:     cfg,
		metrics: metrics,
		router:  newRouter(),
	}, nil
}

// Start launches the feed dispatcher. It must be called once before Execute
// or Recover; it returns when ctx is cancelled or the feed closes.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		go e.dispatch(ctx)
	})
}

func (e *Engine) dispatch(ctx context.Context) {
	events := e.backend.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			e.router.route(event)
		}
	}
}

// Execute runs a new group to a terminal outcome. The group is persisted
// before the first submission and after every mutation; a returned error
// means persistence itself failed and the group state on disk is
// authoritative.
func (e *Engine) Execute(ctx context.Context, owner string, legs []schema.OrderLeg) (Result, error) {
	if strings.TrimSpace(owner) == "" {
		return Result{}, errs.New("execution", errs.CodeInvalid, errs.WithMessage("owner instance id required"))
	}
	now := time.Now().UTC()
	group := schema.OrderGroup{
		ID:        uuid.NewString(),
		Owner:     owner,
		Legs:      prepareLegs(legs),
		Status:    schema.GroupPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := group.Validate(); err != nil {
		return Result{}, err
	}

	record, err := e.createRecord(ctx, group)
	if err != nil {
		return Result{}, err
	}

	observability.Log().Info("executing order group",
		observability.Field{Key: "group_id", Value: group.ID},
		observability.Field{Key: "owner", Value: group.Owner},
		observability.Field{Key: "legs", Value: len(group.Legs)},
	)

	if err := e.submitSide(ctx, &group, &record, false); err != nil {
		return Result{}, err
	}
	if err := e.awaitSide(ctx, &group, &record, false, e.cfg.FillTimeout); err != nil {
		return Result{}, err
	}
	return e.resolve(ctx, &group, &record)
}

// Recover drives a persisted non-terminal group to a terminal outcome after a
// restart. Leg statuses are refreshed from the backend first so the decision
// runs on live truth rather than pre-crash memory.
func (e *Engine) Recover(ctx context.Context, group schema.OrderGroup) (Result, error) {
	if group.Status.Terminal() {
		return Result{Outcome: group.Status.Outcome(), Group: group.Clone()}, nil
	}
	record, err := e.store.Get(ctx, store.GroupKey(group.Owner, group.ID))
	if err != nil {
		return Result{}, err
	}

	if err := e.refreshSide(ctx, group.Legs); err != nil {
		return Result{}, err
	}
	if err := e.refreshSide(ctx, group.Compensations); err != nil {
		return Result{}, err
	}
	if err := e.persist(ctx, &group, &record); err != nil {
		return Result{}, err
	}

	observability.Log().Info("recovering order group",
		observability.Field{Key: "group_id", Value: group.ID},
		observability.Field{Key: "owner", Value: group.Owner},
		observability.Field{Key: "status", Value: string(group.Status)},
	)

	return e.resolve(ctx, &group, &record)
}

// resolve is the single outcome-decision path, shared by live execution and
// restart recovery.
func (e *Engine) resolve(ctx context.Context, group *schema.OrderGroup, record *store.Record) (Result, error) {
	// once a group is open it is driven to a terminal outcome even if the
	// caller's context is cancelled mid-flight
	ctx = context.WithoutCancel(ctx)

	if len(group.Compensations) > 0 {
		return e.settle(ctx, group, record)
	}

	e.finalizeOpenLegs(ctx, group.Legs)
	if err := e.persist(ctx, group, record); err != nil {
		return Result{}, err
	}

	switch {
	case group.AllLegsFilled():
		return e.conclude(ctx, group, record, schema.GroupComplete)
	case !group.AnyLegFilled():
		return e.conclude(ctx, group, record, schema.GroupRolledBack)
	}

	// partial realization: neutralize every filled leg
	group.Status = schema.GroupPartiallyFilled
	group.Compensations = compensationLegs(group.FilledLegs())
	if err := e.persist(ctx, group, record); err != nil {
		return Result{}, err
	}
	return e.settle(ctx, group, record)
}

// settle submits outstanding compensations and decides RolledBack vs
// Abandoned. A compensation that cannot be confirmed filled within the
// compensation window is never retried.
func (e *Engine) settle(ctx context.Context, group *schema.OrderGroup, record *store.Record) (Result, error) {
	if err := e.submitSide(ctx, group, record, true); err != nil {
		return Result{}, err
	}
	if err := e.awaitSide(ctx, group, record, true, e.cfg.CompensationTimeout); err != nil {
		return Result{}, err
	}

	for _, comp := range group.Compensations {
		if comp.Status != schema.LegFilled {
			observability.Log().Error("compensation not confirmed, abandoning group",
				observability.Field{Key: "group_id", Value: group.ID},
				observability.Field{Key: "symbol", Value: comp.Symbol},
				observability.Field{Key: "status", Value: string(comp.Status)},
			)
			return e.conclude(ctx, group, record, schema.GroupAbandoned)
		}
	}
	return e.conclude(ctx, group, record, schema.GroupRolledBack)
}

// submitSide hands unsubmitted legs of one side to the backend in caller
// order, persisting after each submission.
func (e *Engine) submitSide(ctx context.Context, group *schema.OrderGroup, record *store.Record, comp bool) error {
	legs := sideLegs(group, comp)
	for i := range legs {
		leg := &legs[i]
		if leg.Status != schema.LegPending || leg.OrderRef != "" {
			continue
		}
		ref, err := e.backend.Submit(ctx, backend.OrderIntent{
			GroupID:  group.ID,
			Owner:    group.Owner,
			Symbol:   leg.Symbol,
			Quantity: leg.Quantity,
			Limit:    leg.Limit,
			Market:   leg.Market,
		})
		if err != nil {
			observability.Log().Error("leg submission refused",
				observability.Field{Key: "group_id", Value: group.ID},
				observability.Field{Key: "symbol", Value: leg.Symbol},
				observability.Field{Key: "error", Value: err.Error()},
			)
			leg.Status = schema.LegRejected
		} else {
			leg.OrderRef = ref
			leg.Status = schema.LegSubmitted
		}
		if err := e.persist(ctx, group, record); err != nil {
			return err
		}
	}
	return nil
}

// awaitSide consumes feed events for one side of the group until every leg is
// terminal, a primary leg is rejected, or the window elapses. The group is
// persisted after every applied event.
func (e *Engine) awaitSide(ctx context.Context, group *schema.OrderGroup, record *store.Record, comp bool, window time.Duration) error {
	legs := sideLegs(group, comp)

	session := make(chan backend.ExecutionEvent, 128)
	var refs []string
	for i := range legs {
		if legs[i].OrderRef != "" && !legs[i].Status.Terminal() {
			refs = append(refs, legs[i].OrderRef)
			e.router.subscribe(legs[i].OrderRef, session)
		}
	}
	defer e.router.unsubscribe(refs...)

	timer := time.NewTimer(window)
	defer timer.Stop()

	for {
		if sideSettled(legs, comp) {
			return nil
		}
		select {
		case <-ctx.Done():
			// treated as a timeout: the decision logic takes over
			return nil
		case <-timer.C:
			return nil
		case event := <-session:
			if !applyEvent(legs, event) {
				continue
			}
			if err := e.persist(ctx, group, record); err != nil {
				return err
			}
		}
	}
}

// sideSettled reports whether waiting can stop: every leg terminal, or for
// the primary side, any rejection (the group can no longer complete).
func sideSettled(legs []schema.OrderLeg, comp bool) bool {
	allTerminal := true
	for _, leg := range legs {
		if !leg.Status.Terminal() {
			allTerminal = false
		} else if !comp && leg.Status == schema.LegRejected {
			return true
		}
	}
	return allTerminal
}

// finalizeOpenLegs cancels still-working legs and captures their final
// backend state. Legs that never reached the backend become Cancelled.
func (e *Engine) finalizeOpenLegs(ctx context.Context, legs []schema.OrderLeg) {
	for i := range legs {
		leg := &legs[i]
		if leg.Status.Terminal() {
			continue
		}
		if leg.OrderRef == "" {
			leg.Status = schema.LegCancelled
			continue
		}
		if err := e.backend.Cancel(ctx, leg.OrderRef); err != nil && !errs.IsCode(err, errs.CodeNotFound) {
			observability.Log().Error("leg cancel failed",
				observability.Field{Key: "order_ref", Value: leg.OrderRef},
				observability.Field{Key: "error", Value: err.Error()},
			)
		}
		status, err := e.backend.Query(ctx, leg.OrderRef)
		if err != nil {
			observability.Log().Error("leg query failed, keeping last known fills",
				observability.Field{Key: "order_ref", Value: leg.OrderRef},
				observability.Field{Key: "error", Value: err.Error()},
			)
			leg.Status = schema.LegCancelled
			continue
		}
		applyStatus(leg, status)
		if !leg.Status.Terminal() {
			leg.Status = schema.LegCancelled
		}
	}
}

// refreshSide reclassifies every submitted non-terminal leg from a live
// backend query. Query failures abort recovery: the engine never guesses.
func (e *Engine) refreshSide(ctx context.Context, legs []schema.OrderLeg) error {
	for i := range legs {
		leg := &legs[i]
		if leg.Status.Terminal() || leg.OrderRef == "" {
			continue
		}
		status, err := e.backend.Query(ctx, leg.OrderRef)
		if err != nil {
			if errs.IsCode(err, errs.CodeNotFound) {
				leg.Status = schema.LegCancelled
				continue
			}
			return err
		}
		applyStatus(leg, status)
	}
	return nil
}

func (e *Engine) conclude(ctx context.Context, group *schema.OrderGroup, record *store.Record, status schema.GroupStatus) (Result, error) {
	group.Status = status
	if err := e.persist(ctx, group, record); err != nil {
		return Result{}, err
	}
	outcome := status.Outcome()
	e.metrics.IncrementGroupOutcome(string(outcome))
	recordOutcomeMetric(ctx, outcome)
	observability.Log().Info("order group settled",
		observability.Field{Key: "group_id", Value: group.ID},
		observability.Field{Key: "owner", Value: group.Owner},
		observability.Field{Key: "outcome", Value: string(outcome)},
	)
	return Result{Outcome: outcome, Group: group.Clone()}, nil
}

func (e *Engine) createRecord(ctx context.Context, group schema.OrderGroup) (store.Record, error) {
	encoded, err := store.EncodeGroup(group)
	if err != nil {
		return store.Record{}, err
	}
	return e.store.Put(ctx, encoded)
}

func (e *Engine) persist(ctx context.Context, group *schema.OrderGroup, record *store.Record) error {
	group.UpdatedAt = time.Now().UTC()
	encoded, err := store.EncodeGroup(*group)
	if err != nil {
		return err
	}
	saved, err := e.store.CompareAndSwap(ctx, record.Version, encoded)
	if err != nil {
		return err
	}
	*record = saved
	return nil
}

func prepareLegs(legs []schema.OrderLeg) []schema.OrderLeg {
	out := schema.CloneLegs(legs)
	for i := range out {
		out[i].Status = schema.LegPending
		out[i].OrderRef = ""
		out[i].FilledQty = 0
		out[i].FillPrice = decimal.Zero
	}
	return out
}

// compensationLegs builds market orders negating the *filled* quantity of
// each filled leg, so true partial fills are compensated exactly.
func compensationLegs(filled []schema.OrderLeg) []schema.OrderLeg {
	comps := make([]schema.OrderLeg, 0, len(filled))
	for _, leg := range filled {
		if leg.FilledQty == 0 {
			continue
		}
		comps = append(comps, schema.OrderLeg{
			Symbol:   leg.Symbol,
			Quantity: -leg.FilledQty,
			Role:     leg.Role,
			Market:   true,
			Status:   schema.LegPending,
		})
	}
	return comps
}

func sideLegs(group *schema.OrderGroup, comp bool) []schema.OrderLeg {
	if comp {
		return group.Compensations
	}
	return group.Legs
}

// applyEvent folds one feed event into the owning leg. Returns false when the
// event matched no leg or changed nothing.
func applyEvent(legs []schema.OrderLeg, event backend.ExecutionEvent) bool {
	for i := range legs {
		leg := &legs[i]
		if leg.OrderRef != event.OrderRef || leg.Status.Terminal() {
			continue
		}
		switch event.Kind {
		case backend.EventAck:
			return false
		case backend.EventFill:
			leg.FilledQty = event.FilledQty
			leg.FillPrice = event.FillPrice
			if abs64(leg.FilledQty) >= abs64(leg.Quantity) {
				leg.Status = schema.LegFilled
			}
		case backend.EventReject:
			leg.FilledQty = event.FilledQty
			if !event.FillPrice.IsZero() {
				leg.FillPrice = event.FillPrice
			}
			leg.Status = schema.LegRejected
		case backend.EventCancelled:
			leg.FilledQty = event.FilledQty
			if !event.FillPrice.IsZero() {
				leg.FillPrice = event.FillPrice
			}
			if leg.FilledQty != 0 && abs64(leg.FilledQty) >= abs64(leg.Quantity) {
				leg.Status = schema.LegFilled
			} else {
				leg.Status = schema.LegCancelled
			}
		default:
			return false
		}
		return true
	}
	return false
}

// applyStatus folds a point-in-time backend query into the leg.
func applyStatus(leg *schema.OrderLeg, status backend.OrderStatus) {
	leg.FilledQty = status.FilledQty
	if !status.FillPrice.IsZero() {
		leg.FillPrice = status.FillPrice
	}
	switch status.State {
	case backend.OrderStateFilled:
		leg.Status = schema.LegFilled
	case backend.OrderStateRejected:
		leg.Status = schema.LegRejected
	case backend.OrderStateCancelled:
		if leg.FilledQty != 0 && abs64(leg.FilledQty) >= abs64(leg.Quantity) {
			leg.Status = schema.LegFilled
		} else {
			leg.Status = schema.LegCancelled
		}
	case backend.OrderStateWorking:
		leg.Status = schema.LegSubmitted
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func recordOutcomeMetric(ctx context.Context, outcome schema.GroupOutcome) {
	outcomesCounterMu.Do(func() {
		meter := otel.Meter("execution.engine")
		counter, err := meter.Int64Counter("strata_group_outcomes_total",
			metric.WithDescription("Terminal atomic order group outcomes"),
			metric.WithUnit("{group}"))
		if err == nil {
			outcomesCounter = counter
		}
	})
	if outcomesCounter == nil {
		return
	}
	outcomesCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("outcome", string(outcome)),
	))
}
