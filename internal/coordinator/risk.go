package coordinator

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/quantfold/strata/errs"
	"github.com/quantfold/strata/internal/schema"
)

// Limits defines entry admission parameters shared by all instances.
type Limits struct {
	// MaxOpenInstances caps how many instances may hold a reservation at once.
	MaxOpenInstances int `yaml:"maxOpenInstances"`

	// MaxLegQuantity is the largest absolute quantity accepted on a single leg.
	MaxLegQuantity int64 `yaml:"maxLegQuantity"`

	// EntryThrottle is the maximum rate of entry attempts per second.
	EntryThrottle float64 `yaml:"entryThrottle"`

	// EntryBurst is the throttle's burst allowance.
	EntryBurst int `yaml:"entryBurst"`
}

func (l *Limits) applyDefaults() {
	if l.MaxOpenInstances <= 0 {
		l.MaxOpenInstances = 8
	}
	if l.MaxLegQuantity <= 0 {
		l.MaxLegQuantity = 100
	}
	if l.EntryThrottle <= 0 {
		l.EntryThrottle = 2
	}
	if l.EntryBurst <= 0 {
		l.EntryBurst = 1
	}
}

// RiskGate admits position entries. A reservation is held from the entry
// attempt until the position is closed or the entry rolls back.
type RiskGate struct {
	limits   Limits
	limiter  *rate.Limiter
	mu       sync.Mutex
	reserved map[string]struct{}
}

// NewRiskGate creates a gate with the given limits, defaulting zero values.
func NewRiskGate(limits Limits) *RiskGate {
	limits.applyDefaults()
	return &RiskGate{
		limits:   limits,
		limiter:  rate.NewLimiter(rate.Limit(limits.EntryThrottle), limits.EntryBurst),
		reserved: make(map[string]struct{}),
	}
}

// Reserve admits one entry attempt for the instance. Re-reserving while held
// is a no-op so retried entries are not double-counted.
func (g *RiskGate) Reserve(ctx context.Context, instanceID string, legs []schema.OrderLeg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, leg := range legs {
		qty := leg.Quantity
		if qty < 0 {
			qty = -qty
		}
		if qty > g.limits.MaxLegQuantity {
			return errs.New("coordinator/risk", errs.CodeInvalid,
				errs.WithMessage("leg quantity exceeds limit"),
				errs.WithCanonicalCode(errs.CanonicalRiskRejected),
				errs.WithField("symbol", leg.Symbol))
		}
	}

	g.mu.Lock()
	if _, held := g.reserved[instanceID]; held {
		g.mu.Unlock()
		return nil
	}
	if len(g.reserved) >= g.limits.MaxOpenInstances {
		g.mu.Unlock()
		return errs.New("coordinator/risk", errs.CodeUnavailable,
			errs.WithMessage("open instance limit reached"),
			errs.WithCanonicalCode(errs.CanonicalRiskRejected),
			errs.WithField("instance_id", instanceID))
	}
	g.reserved[instanceID] = struct{}{}
	g.mu.Unlock()

	if !g.limiter.Allow() {
		g.Release(instanceID)
		return errs.New("coordinator/risk", errs.CodeUnavailable,
			errs.WithMessage("entry throttle exceeded"),
			errs.WithCanonicalCode(errs.CanonicalRiskRejected),
			errs.WithField("instance_id", instanceID))
	}
	return nil
}

// Release frees the instance's reservation. Releasing an unheld reservation
// is a no-op.
func (g *RiskGate) Release(instanceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.reserved, instanceID)
}

// reclaim re-establishes a reservation for an instance restored with an open
// position, without counting against the entry throttle.
func (g *RiskGate) reclaim(instanceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reserved[instanceID] = struct{}{}
}

// Held reports whether the instance currently holds a reservation.
func (g *RiskGate) Held(instanceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, held := g.reserved[instanceID]
	return held
}
