package schema

import (
	"strings"
	"time"

	"github.com/quantfold/strata/errs"
)

// GroupStatus enumerates the lifecycle of an atomic order group.
type GroupStatus string

const (
	// GroupPending means the group is persisted but no leg has filled yet.
	GroupPending GroupStatus = "Pending"
	// GroupPartiallyFilled means at least one leg filled and at least one has not.
	GroupPartiallyFilled GroupStatus = "PartiallyFilled"
	// GroupComplete means every leg filled.
	GroupComplete GroupStatus = "Complete"
	// GroupRolledBack means every originally-filled leg was offset by a compensating fill.
	GroupRolledBack GroupStatus = "RolledBack"
	// GroupAbandoned means rollback could not be verified complete; the real-world
	// position is unknown and external reconciliation is required.
	GroupAbandoned GroupStatus = "Abandoned"
)

// Terminal reports whether the status admits no further automatic change.
func (s GroupStatus) Terminal() bool {
	switch s {
	case GroupComplete, GroupRolledBack, GroupAbandoned:
		return true
	default:
		return false
	}
}

// Outcome maps a terminal status onto the three-way execution outcome.
func (s GroupStatus) Outcome() GroupOutcome {
	switch s {
	case GroupComplete:
		return OutcomeComplete
	case GroupAbandoned:
		return OutcomeAbandoned
	default:
		return OutcomeRolledBack
	}
}

// GroupOutcome is the exhaustive three-way result of an atomic execution.
type GroupOutcome string

const (
	// OutcomeComplete means all legs filled; the requested position change happened.
	OutcomeComplete GroupOutcome = "Complete"
	// OutcomeRolledBack means the net position change is exactly zero.
	OutcomeRolledBack GroupOutcome = "RolledBack"
	// OutcomeAbandoned means neither guarantee holds; fail loud, never retry silently.
	OutcomeAbandoned GroupOutcome = "Abandoned"
)

// OrderGroup is the atomic unit of execution: legs that must all fill or be fully reversed.
type OrderGroup struct {
	ID            string      `json:"id"`
	Owner         string      `json:"owner"`
	Legs          []OrderLeg  `json:"legs"`
	Compensations []OrderLeg  `json:"compensations,omitempty"`
	Status        GroupStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Validate checks group shape before persistence.
func (g OrderGroup) Validate() error {
	if strings.TrimSpace(g.ID) == "" {
		return errs.New("schema/group", errs.CodeInvalid, errs.WithMessage("group id required"))
	}
	if strings.TrimSpace(g.Owner) == "" {
		return errs.New("schema/group", errs.CodeInvalid, errs.WithMessage("owner instance id required"))
	}
	if len(g.Legs) == 0 {
		return errs.New("schema/group", errs.CodeInvalid, errs.WithMessage("at least one leg required"))
	}
	for _, leg := range g.Legs {
		if err := leg.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the group.
func (g OrderGroup) Clone() OrderGroup {
	clone := g
	clone.Legs = CloneLegs(g.Legs)
	clone.Compensations = CloneLegs(g.Compensations)
	return clone
}

// FilledLegs returns the primary legs with any realized fill quantity. A leg
// that partially filled before being rejected or cancelled still counts: its
// fills changed the live position and need compensating.
func (g OrderGroup) FilledLegs() []OrderLeg {
	var filled []OrderLeg
	for _, leg := range g.Legs {
		if leg.FilledQty != 0 {
			filled = append(filled, leg)
		}
	}
	return filled
}

// AllLegsFilled reports whether every primary leg filled.
func (g OrderGroup) AllLegsFilled() bool {
	for _, leg := range g.Legs {
		if leg.Status != LegFilled {
			return false
		}
	}
	return len(g.Legs) > 0
}

// AnyLegFilled reports whether any primary leg realized a fill, fully or
// partially.
func (g OrderGroup) AnyLegFilled() bool {
	for _, leg := range g.Legs {
		if leg.FilledQty != 0 {
			return true
		}
	}
	return false
}

// AnyLegRejected reports whether any primary leg was rejected.
func (g OrderGroup) AnyLegRejected() bool {
	for _, leg := range g.Legs {
		if leg.Status == LegRejected {
			return true
		}
	}
	return false
}

// NetEffect sums per-symbol signed quantity changes across primary fills and
// compensating fills. A Complete group nets to the requested change; a
// RolledBack group nets to zero everywhere.
func (g OrderGroup) NetEffect() map[string]int64 {
	effect := make(map[string]int64)
	for _, leg := range g.Legs {
		effect[leg.Symbol] += leg.FilledQty
	}
	for _, comp := range g.Compensations {
		effect[comp.Symbol] += comp.FilledQty
	}
	for symbol, qty := range effect {
		if qty == 0 {
			delete(effect, symbol)
		}
	}
	return effect
}
