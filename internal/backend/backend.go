// Package backend defines the order backend contract used by the execution
// engine.
package backend

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantfold/strata/errs"
)

// EventKind classifies execution feed events.
type EventKind string

const (
	EventAck       EventKind = "Ack"
	EventFill      EventKind = "Fill"
	EventReject    EventKind = "Reject"
	EventCancelled EventKind = "Cancelled"
)

// OrderIntent describes a single order to submit. Quantity is signed: positive
// buys, negative sells.
type OrderIntent struct {
	GroupID  string
	Owner    string
	Symbol   string
	Quantity int64
	Limit    decimal.Decimal
	Market   bool
}

// Validate checks the intent before it reaches the wire.
func (o OrderIntent) Validate() error {
	if strings.TrimSpace(o.Symbol) == "" {
		return errs.New("backend", errs.CodeInvalid, errs.WithMessage("order symbol required"))
	}
	if o.Quantity == 0 {
		return errs.New("backend", errs.CodeInvalid, errs.WithMessage("order quantity must be non-zero"),
			errs.WithField("symbol", o.Symbol))
	}
	if !o.Market && o.Limit.Sign() <= 0 {
		return errs.New("backend", errs.CodeInvalid, errs.WithMessage("limit order requires positive limit price"),
			errs.WithField("symbol", o.Symbol))
	}
	return nil
}

// ExecutionEvent reports order progress from the backend. FilledQty is the
// cumulative signed filled quantity for the order.
type ExecutionEvent struct {
	OrderRef  string
	Symbol    string
	Kind      EventKind
	FilledQty int64
	FillPrice decimal.Decimal
	Reason    string
	At        time.Time
}

// OrderState is the backend-side order lifecycle state.
type OrderState string

const (
	OrderStateWorking   OrderState = "Working"
	OrderStateFilled    OrderState = "Filled"
	OrderStateRejected  OrderState = "Rejected"
	OrderStateCancelled OrderState = "Cancelled"
	OrderStateUnknown   OrderState = "Unknown"
)

// OrderStatus is the answer to a point-in-time order query.
type OrderStatus struct {
	OrderRef  string
	Symbol    string
	State     OrderState
	FilledQty int64
	FillPrice decimal.Decimal
}

// OrderBackend is the transport-facing order interface. Submit is accepted or
// rejected synchronously; progress arrives on Events. Query supports recovery
// after a restart, when feed events for in-flight orders may have been missed.
type OrderBackend interface {
	Submit(ctx context.Context, intent OrderIntent) (string, error)
	Cancel(ctx context.Context, orderRef string) error
	Query(ctx context.Context, orderRef string) (OrderStatus, error)
	Events() <-chan ExecutionEvent
}
