package backend

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantfold/strata/errs"
)

// BehaviorMode selects how the simulated backend treats orders for a symbol.
type BehaviorMode string

const (
	// ModeFill acknowledges and fully fills the order.
	ModeFill BehaviorMode = "fill"
	// ModePartialFill acknowledges, fills part of the order, then stays working.
	ModePartialFill BehaviorMode = "partial"
	// ModePartialThenReject fills part of the order and then rejects the rest.
	ModePartialThenReject BehaviorMode = "partial-reject"
	// ModeReject rejects the order outright.
	ModeReject BehaviorMode = "reject"
	// ModeSilent acknowledges and then emits nothing until cancelled.
	ModeSilent BehaviorMode = "silent"
)

// Behavior scripts per-symbol order handling in the simulated backend.
type Behavior struct {
	Mode       BehaviorMode
	PartialQty int64
	Price      decimal.Decimal
	Latency    time.Duration
}

type simOrder struct {
	intent    OrderIntent
	state     OrderState
	filledQty int64
	fillPrice decimal.Decimal
}

// Sim is an in-process order backend with scripted behaviours. It backs unit
// tests and the dry-run coordinator mode.
type Sim struct {
	mu        sync.Mutex
	behaviors map[string][]Behavior
	orders    map[string]*simOrder
	events    chan ExecutionEvent
	closed    bool
}

// NewSim constructs a simulated backend. Symbols without a scripted behaviour
// fill fully.
func NewSim(behaviors map[string]Behavior) *Sim {
	scripted := make(map[string][]Behavior, len(behaviors))
	for symbol, behavior := range behaviors {
		scripted[symbol] = []Behavior{behavior}
	}
	return &Sim{
		behaviors: scripted,
		orders:    make(map[string]*simOrder),
		events:    make(chan ExecutionEvent, 256),
	}
}

// Script replaces the behaviour for a symbol at runtime.
func (s *Sim) Script(symbol string, behavior Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behaviors[symbol] = []Behavior{behavior}
}

// ScriptSequence scripts one behaviour per successive submission for the
// symbol. The final behaviour is sticky.
func (s *Sim) ScriptSequence(symbol string, behaviors ...Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behaviors[symbol] = append([]Behavior(nil), behaviors...)
}

// nextBehavior pops the head of the symbol's script, keeping the last entry.
// Callers must hold the mutex.
func (s *Sim) nextBehavior(symbol string) Behavior {
	queue := s.behaviors[symbol]
	switch len(queue) {
	case 0:
		return Behavior{}
	case 1:
		return queue[0]
	default:
		s.behaviors[symbol] = queue[1:]
		return queue[0]
	}
}

// Submit registers the order and schedules its scripted outcome.
func (s *Sim) Submit(ctx context.Context, intent OrderIntent) (string, error) {
	if err := intent.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errs.New("backend", errs.CodeUnavailable, errs.WithMessage("sim backend closed"))
	}
	behavior := s.nextBehavior(intent.Symbol)
	ref := uuid.NewString()
	s.orders[ref] = &simOrder{intent: intent, state: OrderStateWorking}
	s.mu.Unlock()

	go s.play(ref, intent, behavior)
	return ref, nil
}

// Cancel moves a working order to cancelled and reports the final state.
func (s *Sim) Cancel(ctx context.Context, orderRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	order, ok := s.orders[orderRef]
	if !ok {
		s.mu.Unlock()
		return errs.New("backend", errs.CodeNotFound,
			errs.WithMessage("unknown order"),
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound),
			errs.WithField("order_ref", orderRef))
	}
	if order.state != OrderStateWorking {
		s.mu.Unlock()
		return nil
	}
	order.state = OrderStateCancelled
	event := ExecutionEvent{
		OrderRef:  orderRef,
		Symbol:    order.intent.Symbol,
		Kind:      EventCancelled,
		FilledQty: order.filledQty,
		FillPrice: order.fillPrice,
		At:        time.Now().UTC(),
	}
	s.mu.Unlock()

	s.emit(event)
	return nil
}

// Query reports the current state of an order.
func (s *Sim) Query(ctx context.Context, orderRef string) (OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return OrderStatus{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderRef]
	if !ok {
		return OrderStatus{}, errs.New("backend", errs.CodeNotFound,
			errs.WithMessage("unknown order"),
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound),
			errs.WithField("order_ref", orderRef))
	}
	return OrderStatus{
		OrderRef:  orderRef,
		Symbol:    order.intent.Symbol,
		State:     order.state,
		FilledQty: order.filledQty,
		FillPrice: order.fillPrice,
	}, nil
}

// Events exposes the execution feed.
func (s *Sim) Events() <-chan ExecutionEvent {
	return s.events
}

// Close stops the feed. Late scripted outcomes are dropped.
func (s *Sim) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *Sim) play(ref string, intent OrderIntent, behavior Behavior) {
	if behavior.Latency > 0 {
		time.Sleep(behavior.Latency)
	}

	price := behavior.Price
	if price.IsZero() {
		price = intent.Limit
	}

	switch behavior.Mode {
	case ModeReject:
		s.finish(ref, OrderStateRejected, 0, decimal.Zero, ExecutionEvent{
			OrderRef: ref, Symbol: intent.Symbol, Kind: EventReject,
			Reason: "scripted reject", At: time.Now().UTC(),
		})
	case ModePartialFill:
		qty := clampPartial(behavior.PartialQty, intent.Quantity)
		s.progress(ref, qty, price)
		s.emit(ExecutionEvent{
			OrderRef: ref, Symbol: intent.Symbol, Kind: EventAck, At: time.Now().UTC(),
		})
		s.emit(ExecutionEvent{
			OrderRef: ref, Symbol: intent.Symbol, Kind: EventFill,
			FilledQty: qty, FillPrice: price, At: time.Now().UTC(),
		})
	case ModePartialThenReject:
		qty := clampPartial(behavior.PartialQty, intent.Quantity)
		s.progress(ref, qty, price)
		s.emit(ExecutionEvent{
			OrderRef: ref, Symbol: intent.Symbol, Kind: EventAck, At: time.Now().UTC(),
		})
		s.emit(ExecutionEvent{
			OrderRef: ref, Symbol: intent.Symbol, Kind: EventFill,
			FilledQty: qty, FillPrice: price, At: time.Now().UTC(),
		})
		s.finish(ref, OrderStateRejected, qty, price, ExecutionEvent{
			OrderRef: ref, Symbol: intent.Symbol, Kind: EventReject,
			FilledQty: qty, FillPrice: price,
			Reason: "scripted reject after partial fill", At: time.Now().UTC(),
		})
	case ModeSilent:
		s.emit(ExecutionEvent{
			OrderRef: ref, Symbol: intent.Symbol, Kind: EventAck, At: time.Now().UTC(),
		})
	default:
		s.progress(ref, intent.Quantity, price)
		s.markFilled(ref)
		s.emit(ExecutionEvent{
			OrderRef: ref, Symbol: intent.Symbol, Kind: EventAck, At: time.Now().UTC(),
		})
		s.emit(ExecutionEvent{
			OrderRef: ref, Symbol: intent.Symbol, Kind: EventFill,
			FilledQty: intent.Quantity, FillPrice: price, At: time.Now().UTC(),
		})
	}
}

func (s *Sim) progress(ref string, filledQty int64, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order, ok := s.orders[ref]; ok && order.state == OrderStateWorking {
		order.filledQty = filledQty
		order.fillPrice = price
	}
}

func (s *Sim) markFilled(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order, ok := s.orders[ref]; ok && order.state == OrderStateWorking {
		order.state = OrderStateFilled
	}
}

func (s *Sim) finish(ref string, state OrderState, filledQty int64, price decimal.Decimal, event ExecutionEvent) {
	s.mu.Lock()
	order, ok := s.orders[ref]
	if !ok || order.state != OrderStateWorking {
		s.mu.Unlock()
		return
	}
	order.state = state
	order.filledQty = filledQty
	order.fillPrice = price
	s.mu.Unlock()

	s.emit(event)
}

func (s *Sim) emit(event ExecutionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- event:
	default:
	}
}

// clampPartial bounds a scripted partial quantity to the order size, keeping
// the intent's sign.
func clampPartial(partial, quantity int64) int64 {
	magnitude := partial
	if magnitude < 0 {
		magnitude = -magnitude
	}
	size := quantity
	if size < 0 {
		size = -size
	}
	if magnitude == 0 || magnitude > size {
		magnitude = size / 2
		if magnitude == 0 {
			magnitude = size
		}
	}
	if quantity < 0 {
		return -magnitude
	}
	return magnitude
}
