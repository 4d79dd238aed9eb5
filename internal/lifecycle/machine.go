// Package lifecycle implements the per-instance strategy state machine.
package lifecycle

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/strata/errs"
	"github.com/quantfold/strata/internal/execution"
	"github.com/quantfold/strata/internal/observability"
	"github.com/quantfold/strata/internal/schema"
	"github.com/quantfold/strata/internal/store"
)

// Reconciler answers what the brokerage actually holds for one instance.
// Consulted before any automatic or manual recovery out of Error.
type Reconciler interface {
	LivePosition(ctx context.Context, ownerID string, symbols []string) (map[string]int64, error)
}

// Config tunes error recovery and archival.
type Config struct {
	// ErrorCeiling is the error count beyond which the instance is parked
	// permanently; only a manual clear revives it.
	ErrorCeiling int
	// RecoveryTimeout is how long an instance sits in Error before an
	// automatic Reset is attempted.
	RecoveryTimeout time.Duration
	// RetentionWindow is how long a terminal instance stays unarchived.
	RetentionWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.ErrorCeiling <= 0 {
		c.ErrorCeiling = 3
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 5 * time.Minute
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = 24 * time.Hour
	}
}

// Deps bundles machine collaborators.
type Deps struct {
	Store      store.Store
	Engine     *execution.Engine
	Reconciler Reconciler
	Metrics    *observability.RuntimeMetrics
	Config     Config
}

func (d *Deps) validate() error {
	if d.Store == nil {
		return errs.New("lifecycle", errs.CodeInvalid, errs.WithMessage("record store required"))
	}
	if d.Engine == nil {
		return errs.New("lifecycle", errs.CodeInvalid, errs.WithMessage("execution engine required"))
	}
	if d.Reconciler == nil {
		return errs.New("lifecycle", errs.CodeInvalid, errs.WithMessage("reconciler required"))
	}
	if d.Metrics == nil {
		d.Metrics = observability.NewRuntimeMetrics()
	}
	d.Config.applyDefaults()
	return nil
}

// Request asks the machine to apply one trigger. Legs are required for the
// execution triggers (Enter, Exit, Adjust) and ignored otherwise. Guard is an
// optional caller-supplied predicate; a failing guard yields a no-op.
type Request struct {
	Trigger  schema.Trigger
	Guard    func() bool
	Legs     []schema.OrderLeg
	Metadata map[string]string
}

// Result reports what a request did. Applied false means the request matched
// no transition or its guard failed; this is expected traffic, not an error.
type Result struct {
	Applied bool
	State   schema.State
	Outcome schema.GroupOutcome
	Group   *schema.OrderGroup
}

type transitionKey struct {
	state   schema.State
	trigger schema.Trigger
}

// transitions is the static (state, trigger) table. Execution triggers move
// into their in-flight state here; the group outcome decides the follow-up
// transition.
var transitions = map[transitionKey]schema.State{
	{schema.StateInitializing, schema.TriggerActivate}:     schema.StateReady,
	{schema.StateReady, schema.TriggerAnalyze}:             schema.StateAnalyzing,
	{schema.StateAnalyzing, schema.TriggerEntryApproved}:   schema.StatePendingEntry,
	{schema.StateAnalyzing, schema.TriggerEntryDeclined}:   schema.StateReady,
	{schema.StatePendingEntry, schema.TriggerEnter}:        schema.StateEntering,
	{schema.StatePositionOpen, schema.TriggerManage}:       schema.StateManaging,
	{schema.StateManaging, schema.TriggerAdjust}:           schema.StateManaging,
	{schema.StatePositionOpen, schema.TriggerExitRequested}: schema.StatePendingExit,
	{schema.StateManaging, schema.TriggerExitRequested}:    schema.StatePendingExit,
	{schema.StatePendingExit, schema.TriggerExit}:          schema.StateExiting,
	{schema.StateError, schema.TriggerReset}:               schema.StateReady,
	{schema.StateClosed, schema.TriggerTerminate}:          schema.StateTerminated,
}

// rollbackState maps an in-flight execution state back to where a RolledBack
// outcome leaves the instance.
var rollbackState = map[schema.State]schema.State{
	schema.StateEntering: schema.StateReady,
	schema.StateExiting:  schema.StatePositionOpen,
	schema.StateManaging: schema.StateManaging,
}

// completeState maps an in-flight execution state to where a Complete outcome
// moves the instance.
var completeState = map[schema.State]schema.State{
	schema.StateEntering: schema.StatePositionOpen,
	schema.StateExiting:  schema.StateClosed,
	schema.StateManaging: schema.StateManaging,
}

// Machine owns exactly one instance. Its mutex serializes triggers for this
// instance only; other instances proceed in parallel.
type Machine struct {
	mu        sync.Mutex
	deps      Deps
	inst      schema.Instance
	record    store.Record
	quiesced  bool
	recovered bool
}

// Create persists a fresh Initializing instance and wraps it in a machine.
func Create(ctx context.Context, deps Deps, id string, kind schema.StrategyKind) (*Machine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	inst := schema.Instance{
		ID:        strings.TrimSpace(id),
		Kind:      kind,
		State:     schema.StateInitializing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	encoded, err := store.EncodeInstance(inst)
	if err != nil {
		return nil, err
	}
	record, err := deps.Store.Put(ctx, encoded)
	if err != nil {
		return nil, err
	}
	return &Machine{deps: deps, inst: inst, record: record, recovered: true}, nil
}

// Load reads a persisted instance, verifies its history by strict replay, and
// wraps it in a machine. Resume must be called before the machine accepts
// triggers.
func Load(ctx context.Context, deps Deps, id string) (*Machine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	record, err := deps.Store.Get(ctx, store.InstanceKey(id))
	if err != nil {
		return nil, err
	}
	inst, err := store.DecodeInstance(record)
	if err != nil {
		return nil, err
	}
	replayed, err := schema.ReplayState(schema.StateInitializing, inst.History)
	if err != nil {
		return nil, err
	}
	if replayed != inst.State {
		return nil, errs.New("lifecycle", errs.CodeInvalid,
			errs.WithMessage("replayed history does not reach persisted state"),
			errs.WithField("instance_id", inst.ID),
			errs.WithField("persisted", string(inst.State)),
			errs.WithField("replayed", string(replayed)))
	}
	return &Machine{deps: deps, inst: inst, record: record}, nil
}

// Instance returns a copy of the current instance record.
func (m *Machine) Instance() schema.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inst.Clone()
}

// SetQuiesced toggles acceptance of new triggers. In-flight groups still run
// to a terminal outcome.
func (m *Machine) SetQuiesced(quiesced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quiesced = quiesced
}

// Resume drives every non-terminal group owned by this instance to a terminal
// outcome, then opens the machine for triggers. Loaded machines reject
// triggers until this has run.
func (m *Machine) Resume(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recovered {
		return nil
	}

	records, err := m.deps.Store.ListPrefix(ctx, store.OwnerGroupPrefix(m.inst.ID))
	if err != nil {
		return err
	}
	for _, record := range records {
		group, err := store.DecodeGroup(record)
		if err != nil {
			return err
		}
		if group.Status.Terminal() {
			// A crash can land between the group settling and the outcome
			// transition persisting. The group record is authoritative, so
			// finish the lifecycle bookkeeping here.
			if _, inFlight := completeState[m.inst.State]; inFlight && !m.outcomeRecorded(group.ID) {
				result := execution.Result{Outcome: group.Status.Outcome(), Group: group}
				if err := m.applyOutcome(ctx, result, group.ID, m.inst.State); err != nil {
					return err
				}
				m.deps.Metrics.IncrementRecoveryResumes()
				observability.Log().Info("applied settled group found during resume",
					observability.Field{Key: "instance_id", Value: m.inst.ID},
					observability.Field{Key: "group_id", Value: group.ID},
					observability.Field{Key: "outcome", Value: string(result.Outcome)},
				)
			}
			continue
		}
		result, err := m.deps.Engine.Recover(ctx, group)
		if err != nil {
			return err
		}
		m.deps.Metrics.IncrementRecoveryResumes()
		observability.Log().Info("resumed in-flight group",
			observability.Field{Key: "instance_id", Value: m.inst.ID},
			observability.Field{Key: "group_id", Value: group.ID},
			observability.Field{Key: "outcome", Value: string(result.Outcome)},
		)
		if _, ok := completeState[m.inst.State]; ok {
			if err := m.applyOutcome(ctx, result, group.ID, m.inst.State); err != nil {
				return err
			}
		}
	}
	m.recovered = true
	return nil
}

// outcomeRecorded reports whether a transition for the given group already
// made it into the persisted history.
func (m *Machine) outcomeRecorded(groupID string) bool {
	for _, entry := range m.inst.History {
		if entry.Metadata["group_id"] == groupID {
			return true
		}
	}
	return false
}

// Request applies one trigger. Execution triggers block this machine until
// the engine reports a terminal outcome.
func (m *Machine) Request(ctx context.Context, req Request) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.recovered {
		return Result{}, errs.New("lifecycle", errs.CodeUnavailable,
			errs.WithMessage("instance not resumed yet"),
			errs.WithField("instance_id", m.inst.ID))
	}
	if m.quiesced {
		return Result{}, errs.New("lifecycle", errs.CodeUnavailable,
			errs.WithMessage("instance quiesced"),
			errs.WithField("instance_id", m.inst.ID))
	}

	target, ok := m.match(req.Trigger)
	if !ok {
		return Result{Applied: false, State: m.inst.State}, nil
	}
	if req.Guard != nil && !req.Guard() {
		return Result{Applied: false, State: m.inst.State}, nil
	}

	switch req.Trigger {
	case schema.TriggerEnter, schema.TriggerExit, schema.TriggerAdjust:
		return m.execute(ctx, req, target)
	case schema.TriggerReset:
		return m.reset(ctx, req, false)
	default:
		if err := m.transition(ctx, target, req.Trigger, req.Metadata); err != nil {
			return Result{}, err
		}
		return Result{Applied: true, State: m.inst.State}, nil
	}
}

// match resolves the transition table, treating Fault as valid from any
// non-terminal state.
func (m *Machine) match(trigger schema.Trigger) (schema.State, bool) {
	if trigger == schema.TriggerFault {
		if m.inst.State.Terminal() {
			return "", false
		}
		return schema.StateError, true
	}
	target, ok := transitions[transitionKey{m.inst.State, trigger}]
	return target, ok
}

// execute runs an atomic group for an execution trigger and maps its outcome
// onto the lifecycle.
func (m *Machine) execute(ctx context.Context, req Request, target schema.State) (Result, error) {
	if len(req.Legs) == 0 {
		return Result{}, errs.New("lifecycle", errs.CodeInvalid,
			errs.WithMessage("execution trigger requires legs"),
			errs.WithField("trigger", string(req.Trigger)))
	}

	// the in-flight state is durable before the first order leaves
	if m.inst.State != target {
		if err := m.transition(ctx, target, req.Trigger, req.Metadata); err != nil {
			return Result{}, err
		}
	}

	result, err := m.deps.Engine.Execute(ctx, m.inst.ID, req.Legs)
	if err != nil {
		// persistence failed mid-group; the group record is authoritative and
		// restart recovery will finish it
		if ferr := m.transition(ctx, schema.StateError, schema.TriggerFault, map[string]string{
			"reason": "execution persistence failure",
		}); ferr != nil {
			return Result{}, ferr
		}
		return Result{}, err
	}

	if err := m.applyOutcome(ctx, result, result.Group.ID, m.inst.State); err != nil {
		return Result{}, err
	}
	group := result.Group
	return Result{Applied: true, State: m.inst.State, Outcome: result.Outcome, Group: &group}, nil
}

// applyOutcome maps a terminal group outcome onto the next lifecycle state
// and, on Complete, folds the group's net effect into the position snapshot.
func (m *Machine) applyOutcome(ctx context.Context, result execution.Result, groupID string, inFlight schema.State) error {
	metadata := map[string]string{
		"group_id": groupID,
		"outcome":  string(result.Outcome),
	}
	switch result.Outcome {
	case schema.OutcomeComplete:
		prior := m.inst.Position
		m.inst.Position = m.inst.Position.Apply(result.Group.NetEffect(), fillPrices(result.Group))
		if err := m.transition(ctx, completeState[inFlight], triggerFor(inFlight), metadata); err != nil {
			m.inst.Position = prior
			return err
		}
		return nil
	case schema.OutcomeRolledBack:
		return m.transition(ctx, rollbackState[inFlight], triggerFor(inFlight), metadata)
	default:
		// Abandoned: real-world position unknown, fail loud
		return m.transition(ctx, schema.StateError, schema.TriggerFault, metadata)
	}
}

// triggerFor names the outcome transition after an execution in the given
// in-flight state.
func triggerFor(inFlight schema.State) schema.Trigger {
	switch inFlight {
	case schema.StateExiting:
		return schema.TriggerExit
	case schema.StateManaging:
		return schema.TriggerAdjust
	default:
		return schema.TriggerEnter
	}
}

// reset attempts Error -> Ready. Automatic resets respect the error ceiling;
// manual clears bypass it. Both reconcile the believed position against the
// live one first.
func (m *Machine) reset(ctx context.Context, req Request, manual bool) (Result, error) {
	if !manual && m.parked() {
		return Result{}, errs.New("lifecycle", errs.CodeInvalid,
			errs.WithMessage("instance parked beyond error ceiling"),
			errs.WithCanonicalCode(errs.CanonicalInstanceParked),
			errs.WithField("instance_id", m.inst.ID))
	}

	if err := m.reconcile(ctx); err != nil {
		return Result{}, err
	}

	metadata := req.Metadata
	if manual {
		if metadata == nil {
			metadata = map[string]string{}
		}
		metadata["manual"] = "true"
	}
	if err := m.transition(ctx, schema.StateReady, schema.TriggerReset, metadata); err != nil {
		return Result{}, err
	}
	if manual {
		m.inst.ErrorCount = 0
		if err := m.persist(ctx); err != nil {
			return Result{}, err
		}
	}
	return Result{Applied: true, State: m.inst.State}, nil
}

// reconcile compares the believed position against the brokerage's live view.
func (m *Machine) reconcile(ctx context.Context) error {
	live, err := m.deps.Reconciler.LivePosition(ctx, m.inst.ID, m.inst.Position.Symbols())
	if err != nil {
		return err
	}
	for symbol, leg := range m.inst.Position {
		if live[symbol] != leg.Quantity {
			return errs.New("lifecycle", errs.CodeConflict,
				errs.WithMessage("live position diverges from snapshot"),
				errs.WithCanonicalCode(errs.CanonicalPositionMismatch),
				errs.WithField("instance_id", m.inst.ID),
				errs.WithField("symbol", symbol))
		}
	}
	for symbol, qty := range live {
		if qty != 0 {
			if _, ok := m.inst.Position[symbol]; !ok {
				return errs.New("lifecycle", errs.CodeConflict,
					errs.WithMessage("live position holds unexpected instrument"),
					errs.WithCanonicalCode(errs.CanonicalPositionMismatch),
					errs.WithField("instance_id", m.inst.ID),
					errs.WithField("symbol", symbol))
			}
		}
	}
	return nil
}

// TryRecover attempts the automatic Error -> Ready reset once the recovery
// timeout has elapsed. Parked instances are left alone.
func (m *Machine) TryRecover(ctx context.Context, now time.Time) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inst.State != schema.StateError || m.parked() {
		return Result{Applied: false, State: m.inst.State}, nil
	}
	if m.inst.EnteredErrorAt == nil || now.Sub(*m.inst.EnteredErrorAt) < m.deps.Config.RecoveryTimeout {
		return Result{Applied: false, State: m.inst.State}, nil
	}
	return m.reset(ctx, Request{Trigger: schema.TriggerReset}, false)
}

// ClearError is the manual recovery path: it reconciles, resets the error
// count, and returns the instance to Ready even when parked.
func (m *Machine) ClearError(ctx context.Context) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inst.State != schema.StateError {
		return Result{Applied: false, State: m.inst.State}, nil
	}
	return m.reset(ctx, Request{Trigger: schema.TriggerReset}, true)
}

// Archive stamps a terminal instance once its retention window elapses. The
// record is kept, never deleted.
func (m *Machine) Archive(ctx context.Context, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inst.State.Terminal() || m.inst.ArchivedAt != nil {
		return false, nil
	}
	if now.Sub(m.inst.UpdatedAt) < m.deps.Config.RetentionWindow {
		return false, nil
	}
	at := now.UTC()
	m.inst.ArchivedAt = &at
	if err := m.persist(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Machine) parked() bool {
	return m.inst.ErrorCount > m.deps.Config.ErrorCeiling
}

// transition appends a history entry and persists it; the new state is not
// effective (or reported) until the write is acknowledged.
func (m *Machine) transition(ctx context.Context, to schema.State, trigger schema.Trigger, metadata map[string]string) error {
	from := m.inst.State
	entry := schema.Transition{
		At:       time.Now().UTC(),
		From:     from,
		To:       to,
		Trigger:  trigger,
		Metadata: metadata,
	}

	next := m.inst.Clone()
	next.State = to
	next.History = append(next.History, entry)
	if to == schema.StateError && from != schema.StateError {
		next.ErrorCount++
		at := entry.At
		next.EnteredErrorAt = &at
	}
	if to == schema.StateReady && from == schema.StateError {
		next.EnteredErrorAt = nil
	}

	saved := m.inst
	m.inst = next
	if err := m.persist(ctx); err != nil {
		m.inst = saved
		return err
	}

	m.deps.Metrics.IncrementTransition(string(to))
	observability.Log().Info("lifecycle transition",
		observability.Field{Key: "instance_id", Value: m.inst.ID},
		observability.Field{Key: "from", Value: string(from)},
		observability.Field{Key: "to", Value: string(to)},
		observability.Field{Key: "trigger", Value: string(trigger)},
	)
	return nil
}

func (m *Machine) persist(ctx context.Context) error {
	m.inst.UpdatedAt = time.Now().UTC()
	encoded, err := store.EncodeInstance(m.inst)
	if err != nil {
		return err
	}
	saved, err := m.deps.Store.CompareAndSwap(ctx, m.record.Version, encoded)
	if err != nil {
		return err
	}
	m.record = saved
	return nil
}

func fillPrices(group schema.OrderGroup) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(group.Legs))
	for _, leg := range group.Legs {
		if !leg.FillPrice.IsZero() {
			prices[leg.Symbol] = leg.FillPrice
		}
	}
	return prices
}
