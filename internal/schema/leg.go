// Package schema defines the canonical domain model shared across the Strata core.
package schema

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/quantfold/strata/errs"
)

// LegRole describes the purpose a leg serves inside a position.
type LegRole string

const (
	// LegRoleIncome marks a premium-collecting (typically short) leg.
	LegRoleIncome LegRole = "income"
	// LegRoleProtective marks a hedging (typically long) leg.
	LegRoleProtective LegRole = "protective"
	// LegRoleLong marks an outright long leg.
	LegRoleLong LegRole = "long"
	// LegRoleShort marks an outright short leg.
	LegRoleShort LegRole = "short"
)

// Validate checks the role against the supported set.
func (r LegRole) Validate() error {
	switch r {
	case LegRoleIncome, LegRoleProtective, LegRoleLong, LegRoleShort:
		return nil
	default:
		return errs.New("schema/leg", errs.CodeInvalid, errs.WithMessage("unsupported leg role"), errs.WithField("role", string(r)))
	}
}

// LegStatus enumerates the lifecycle of a single order leg.
type LegStatus string

const (
	// LegPending means the leg has not been sent to the backend yet.
	LegPending LegStatus = "Pending"
	// LegSubmitted means the backend accepted the submission.
	LegSubmitted LegStatus = "Submitted"
	// LegFilled means the leg filled; filled legs are immutable.
	LegFilled LegStatus = "Filled"
	// LegRejected means the backend refused the leg.
	LegRejected LegStatus = "Rejected"
	// LegCancelled means the leg was cancelled before filling.
	LegCancelled LegStatus = "Cancelled"
)

// Terminal reports whether no further status change is possible for the leg.
func (s LegStatus) Terminal() bool {
	switch s {
	case LegFilled, LegRejected, LegCancelled:
		return true
	default:
		return false
	}
}

// OrderLeg is one order (single instrument, signed quantity) within a group.
type OrderLeg struct {
	Symbol   string          `json:"symbol"`
	Quantity int64           `json:"quantity"`
	Role     LegRole         `json:"role"`
	Limit    decimal.Decimal `json:"limit"`
	Market   bool            `json:"market"`

	Status    LegStatus       `json:"status"`
	OrderRef  string          `json:"order_ref,omitempty"`
	FilledQty int64           `json:"filled_qty"`
	FillPrice decimal.Decimal `json:"fill_price"`
}

// Validate checks the leg shape before submission.
func (l OrderLeg) Validate() error {
	if strings.TrimSpace(l.Symbol) == "" {
		return errs.New("schema/leg", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if l.Quantity == 0 {
		return errs.New("schema/leg", errs.CodeInvalid, errs.WithMessage("quantity must be non-zero"), errs.WithField("symbol", l.Symbol))
	}
	if err := l.Role.Validate(); err != nil {
		return err
	}
	if !l.Market && l.Limit.Sign() <= 0 {
		return errs.New("schema/leg", errs.CodeInvalid, errs.WithMessage("limit price must be positive"), errs.WithField("symbol", l.Symbol))
	}
	return nil
}

// Clone returns a copy of the leg.
func (l OrderLeg) Clone() OrderLeg {
	return l
}

// CloneLegs deep-copies a leg slice.
func CloneLegs(legs []OrderLeg) []OrderLeg {
	if len(legs) == 0 {
		return nil
	}
	out := make([]OrderLeg, len(legs))
	copy(out, legs)
	return out
}
