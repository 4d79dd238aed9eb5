// Package coordinator owns the registry of strategy instances and routes
// triggers to their lifecycle machines.
package coordinator

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/quantfold/strata/errs"
	"github.com/quantfold/strata/internal/execution"
	"github.com/quantfold/strata/internal/lifecycle"
	"github.com/quantfold/strata/internal/observability"
	"github.com/quantfold/strata/internal/schema"
	"github.com/quantfold/strata/internal/store"
	"github.com/quantfold/strata/lib/async"
)

const (
	housekeepingWorkers = 4
	housekeepingQueue   = 256
)

// Config tunes the coordinator and the machines it creates.
type Config struct {
	Limits    Limits
	Lifecycle lifecycle.Config
	// RecoveryWorkers bounds parallelism during restart recovery.
	RecoveryWorkers int
}

type entry struct {
	machine *lifecycle.Machine
	symbols []string
}

// Coordinator multiplexes triggers across independent strategy instances.
// Each instance runs on its own machine; the coordinator adds entry
// admission, aggregate queries, and restart recovery on top.
type Coordinator struct {
	st           store.Store
	engine       *execution.Engine
	recon        lifecycle.Reconciler
	metrics      *observability.RuntimeMetrics
	risk         *RiskGate
	cfg          Config
	housekeeping *async.Pool

	mu       sync.RWMutex
	entries  map[string]*entry
	quiesced bool

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New wires a coordinator. The risk gate may be nil, in which case one is
// built from the configured limits.
func New(st store.Store, engine *execution.Engine, recon lifecycle.Reconciler, metrics *observability.RuntimeMetrics, risk *RiskGate, cfg Config) (*Coordinator, error) {
	if st == nil {
		return nil, errs.New("coordinator", errs.CodeInvalid, errs.WithMessage("record store required"))
	}
	if engine == nil {
		return nil, errs.New("coordinator", errs.CodeInvalid, errs.WithMessage("execution engine required"))
	}
	if recon == nil {
		return nil, errs.New("coordinator", errs.CodeInvalid, errs.WithMessage("reconciler required"))
	}
	if metrics == nil {
		metrics = observability.NewRuntimeMetrics()
	}
	if risk == nil {
		risk = NewRiskGate(cfg.Limits)
	}
	if cfg.RecoveryWorkers <= 0 {
		cfg.RecoveryWorkers = runtime.GOMAXPROCS(0)
	}
	housekeeping, err := async.NewPool(housekeepingWorkers, housekeepingQueue)
	if err != nil {
		return nil, err
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Coordinator{
		st:           st,
		engine:       engine,
		recon:        recon,
		metrics:      metrics,
		risk:         risk,
		cfg:          cfg,
		housekeeping: housekeeping,
		entries:      make(map[string]*entry),
		runCtx:       runCtx,
		runCancel:    runCancel,
	}, nil
}

func (c *Coordinator) machineDeps() lifecycle.Deps {
	return lifecycle.Deps{
		Store:      c.st,
		Engine:     c.engine,
		Reconciler: c.recon,
		Metrics:    c.metrics,
		Config:     c.cfg.Lifecycle,
	}
}

// CreateInstance registers a new strategy instance and returns its id.
func (c *Coordinator) CreateInstance(ctx context.Context, kind schema.StrategyKind, symbols []string) (string, error) {
	if strings.TrimSpace(string(kind)) == "" {
		return "", errs.New("coordinator", errs.CodeInvalid, errs.WithMessage("strategy kind required"))
	}
	if len(symbols) == 0 {
		return "", errs.New("coordinator", errs.CodeInvalid, errs.WithMessage("instrument universe required"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quiesced {
		return "", errs.New("coordinator", errs.CodeUnavailable, errs.WithMessage("coordinator quiesced"))
	}

	id := uuid.NewString()
	machine, err := lifecycle.Create(ctx, c.machineDeps(), id, kind)
	if err != nil {
		return "", err
	}
	c.entries[id] = &entry{machine: machine, symbols: append([]string(nil), symbols...)}
	observability.Log().Info("instance created",
		observability.Field{Key: "instance_id", Value: id},
		observability.Field{Key: "kind", Value: string(kind)},
	)
	return id, nil
}

// RequestTransition routes one trigger to the instance's machine. Entry
// triggers pass risk admission first; the reservation is released again when
// the entry rolls back and when the position closes.
func (c *Coordinator) RequestTransition(ctx context.Context, id string, req lifecycle.Request) (lifecycle.Result, error) {
	ent, err := c.lookup(id)
	if err != nil {
		return lifecycle.Result{}, err
	}

	if req.Trigger == schema.TriggerEnter {
		if err := c.risk.Reserve(ctx, id, req.Legs); err != nil {
			return lifecycle.Result{}, err
		}
	}

	runCtx, done := c.boundToRun(ctx)
	defer done()
	result, err := ent.machine.Request(runCtx, req)
	if err != nil {
		if req.Trigger == schema.TriggerEnter {
			c.risk.Release(id)
		}
		return lifecycle.Result{}, err
	}

	switch req.Trigger {
	case schema.TriggerEnter:
		if !result.Applied || result.Outcome != schema.OutcomeComplete {
			c.risk.Release(id)
		}
	case schema.TriggerExit:
		if result.Applied && result.Outcome == schema.OutcomeComplete {
			c.risk.Release(id)
		}
	}
	return result, nil
}

// ClearError manually revives an instance parked in Error. The risk
// reservation is dropped only when the reconciled position came back flat;
// an instance still holding instruments keeps counting against the limits.
func (c *Coordinator) ClearError(ctx context.Context, id string) (lifecycle.Result, error) {
	ent, err := c.lookup(id)
	if err != nil {
		return lifecycle.Result{}, err
	}
	result, err := ent.machine.ClearError(ctx)
	if err != nil {
		return lifecycle.Result{}, err
	}
	if result.Applied {
		c.settleReservation(id, ent.machine)
	}
	return result, nil
}

// settleReservation resolves the risk reservation after a recovery reset:
// released when the instance is flat, kept (reclaiming if absent) while it
// still holds a position.
func (c *Coordinator) settleReservation(id string, machine *lifecycle.Machine) {
	if len(machine.Instance().Position) > 0 {
		c.risk.reclaim(id)
		return
	}
	c.risk.Release(id)
}

// Metrics exposes the shared runtime counters for periodic export.
func (c *Coordinator) Metrics() *observability.RuntimeMetrics {
	return c.metrics
}

// Instances snapshots every registered instance, ordered by id.
func (c *Coordinator) Instances() []schema.Instance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]schema.Instance, 0, len(c.entries))
	for _, ent := range c.entries {
		out = append(out, ent.machine.Instance())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenPositions reports the believed position of every instance that holds one.
func (c *Coordinator) OpenPositions() map[string]schema.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]schema.Position)
	for id, ent := range c.entries {
		inst := ent.machine.Instance()
		if len(inst.Position) > 0 {
			out[id] = inst.Position
		}
	}
	return out
}

// Quiesce stops the coordinator from accepting new triggers. Groups already
// in flight still run to a terminal outcome.
func (c *Coordinator) Quiesce() {
	c.mu.Lock()
	c.quiesced = true
	machines := make([]*lifecycle.Machine, 0, len(c.entries))
	for _, ent := range c.entries {
		machines = append(machines, ent.machine)
	}
	c.mu.Unlock()

	for _, machine := range machines {
		machine.SetQuiesced(true)
	}
	observability.Log().Info("coordinator quiesced")
}

// Halt quiesces and then cancels the fill windows of in-flight groups so
// they settle through the rollback branch instead of waiting out their
// timeouts.
func (c *Coordinator) Halt() {
	c.Quiesce()
	c.runCancel()
	observability.Log().Info("coordinator halted")
}

// Sweep schedules the periodic housekeeping pass on the worker pool: errored
// instances past their recovery timeout are reset (after reconciliation) and
// terminal instances past retention are archived.
func (c *Coordinator) Sweep(ctx context.Context, now time.Time) {
	c.mu.RLock()
	snapshot := make(map[string]*entry, len(c.entries))
	for id, ent := range c.entries {
		snapshot[id] = ent
	}
	c.mu.RUnlock()

	for id, ent := range snapshot {
		id, ent := id, ent
		err := c.housekeeping.Submit(ctx, func(taskCtx context.Context) error {
			if result, err := ent.machine.TryRecover(taskCtx, now); err != nil {
				observability.Log().Error("automatic recovery blocked",
					observability.Field{Key: "instance_id", Value: id},
					observability.Field{Key: "error", Value: err.Error()},
				)
			} else if result.Applied {
				c.settleReservation(id, ent.machine)
			}
			_, err := ent.machine.Archive(taskCtx, now)
			return err
		})
		if err != nil {
			observability.Log().Error("housekeeping submission rejected",
				observability.Field{Key: "instance_id", Value: id},
				observability.Field{Key: "error", Value: err.Error()},
			)
		}
	}
}

// Shutdown quiesces the coordinator and drains the housekeeping pool.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.Quiesce()
	return c.housekeeping.Shutdown(ctx)
}

// Recover loads every persisted instance and resumes it. Instances are
// restored in parallel; a failure on one does not abort the others.
func (c *Coordinator) Recover(ctx context.Context) error {
	records, err := c.st.ListPrefix(ctx, store.InstancePrefix)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var failures []error
	p := pool.New().WithMaxGoroutines(c.cfg.RecoveryWorkers)
	for _, record := range records {
		rec := record
		p.Go(func() {
			machine, err := c.restore(ctx, rec)
			if err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return
			}
			inst := machine.Instance()
			c.mu.Lock()
			c.entries[inst.ID] = &entry{machine: machine, symbols: inst.Position.Symbols()}
			c.mu.Unlock()
			if len(inst.Position) > 0 {
				c.risk.reclaim(inst.ID)
			}
		})
	}
	p.Wait()

	if len(failures) > 0 {
		return observability.AggregateErrors("coordinator recovery", failures,
			observability.Field{Key: "instance_count", Value: len(records)},
		)
	}
	return nil
}

func (c *Coordinator) restore(ctx context.Context, record store.Record) (*lifecycle.Machine, error) {
	machine, err := lifecycle.Load(ctx, c.machineDeps(), instanceID(record.Key))
	if err != nil {
		return nil, err
	}
	if err := machine.Resume(ctx); err != nil {
		return nil, err
	}
	return machine, nil
}

func instanceID(key string) string {
	return strings.TrimPrefix(key, store.InstancePrefix)
}

func (c *Coordinator) lookup(id string) (*entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ent, ok := c.entries[id]
	if !ok {
		return nil, errs.New("coordinator", errs.CodeNotFound,
			errs.WithMessage("unknown instance"),
			errs.WithField("instance_id", id))
	}
	return ent, nil
}

// boundToRun derives a context that also ends when the coordinator halts.
func (c *Coordinator) boundToRun(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.runCtx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
