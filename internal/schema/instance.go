package schema

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/strata/errs"
)

// StrategyKind tags the trading strategy family an instance belongs to.
type StrategyKind string

// PositionLeg is one instrument line inside an instance's believed position.
type PositionLeg struct {
	Symbol         string          `json:"symbol"`
	Quantity       int64           `json:"quantity"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
}

// Position is the authoritative believed position between transitions,
// keyed by symbol.
type Position map[string]PositionLeg

// Clone deep-copies the position map.
func (p Position) Clone() Position {
	if p == nil {
		return nil
	}
	out := make(Position, len(p))
	for symbol, leg := range p {
		out[symbol] = leg
	}
	return out
}

// Apply folds a per-symbol signed quantity effect into the position, dropping
// lines that net to zero.
func (p Position) Apply(effect map[string]int64, prices map[string]decimal.Decimal) Position {
	out := p.Clone()
	if out == nil {
		out = make(Position, len(effect))
	}
	for symbol, delta := range effect {
		leg := out[symbol]
		leg.Symbol = symbol
		leg.Quantity += delta
		if price, ok := prices[symbol]; ok {
			leg.ReferencePrice = price
		}
		if leg.Quantity == 0 {
			delete(out, symbol)
			continue
		}
		out[symbol] = leg
	}
	return out
}

// Symbols lists the position's instruments in stable order.
func (p Position) Symbols() []string {
	if len(p) == 0 {
		return nil
	}
	out := make([]string, 0, len(p))
	for symbol := range p {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Instance is the persisted record of one strategy occurrence.
type Instance struct {
	ID             string       `json:"id"`
	Kind           StrategyKind `json:"kind"`
	State          State        `json:"state"`
	History        []Transition `json:"history"`
	Position       Position     `json:"position,omitempty"`
	ErrorCount     int          `json:"error_count"`
	EnteredErrorAt *time.Time   `json:"entered_error_at,omitempty"`
	ArchivedAt     *time.Time   `json:"archived_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Validate checks the persisted instance shape.
func (i Instance) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return errs.New("schema/instance", errs.CodeInvalid, errs.WithMessage("instance id required"))
	}
	if strings.TrimSpace(string(i.Kind)) == "" {
		return errs.New("schema/instance", errs.CodeInvalid, errs.WithMessage("strategy kind required"))
	}
	if err := i.State.Validate(); err != nil {
		return err
	}
	for _, entry := range i.History {
		if err := entry.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone deep-copies the instance record.
func (i Instance) Clone() Instance {
	clone := i
	clone.History = CloneTransitions(i.History)
	clone.Position = i.Position.Clone()
	if i.EnteredErrorAt != nil {
		at := *i.EnteredErrorAt
		clone.EnteredErrorAt = &at
	}
	if i.ArchivedAt != nil {
		at := *i.ArchivedAt
		clone.ArchivedAt = &at
	}
	return clone
}

// ReplayState folds the transition history into the state it produces,
// verifying each entry chains from the previous one. Strict replay is the
// round-trip check used after loading a persisted instance.
func ReplayState(initial State, history []Transition) (State, error) {
	current := initial
	for idx, entry := range history {
		if err := entry.Validate(); err != nil {
			return current, err
		}
		if entry.From != current {
			return current, errs.New("schema/instance", errs.CodeInvalid,
				errs.WithMessage("history entry does not chain from prior state"),
				errs.WithField("index", strconv.Itoa(idx)),
				errs.WithField("expected_from", string(current)),
				errs.WithField("actual_from", string(entry.From)))
		}
		current = entry.To
	}
	return current, nil
}
