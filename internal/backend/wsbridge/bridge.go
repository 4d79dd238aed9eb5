// Package wsbridge implements the order backend contract over a WebSocket
// session to a remote execution gateway.
package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/quantfold/strata/errs"
	"github.com/quantfold/strata/internal/backend"
	"github.com/quantfold/strata/internal/observability"
)

const (
	defaultPingInterval         = 30 * time.Second
	defaultPingTimeout          = 5 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultRequestTimeout       = 10 * time.Second
	defaultMaxReconnectInterval = 30 * time.Second
	defaultReadLimit            = 1024 * 1024
	eventBuffer                 = 256
)

// Config tunes the bridge connection.
type Config struct {
	URL                  string
	PingInterval         time.Duration
	WriteTimeout         time.Duration
	RequestTimeout       time.Duration
	MaxReconnectInterval time.Duration
}

func (c *Config) applyDefaults() error {
	if strings.TrimSpace(c.URL) == "" {
		return errs.New("wsbridge", errs.CodeInvalid, errs.WithMessage("gateway url required"))
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	return nil
}

type request struct {
	ID       uint64        `json:"id"`
	Action   string        `json:"action"`
	OrderRef string        `json:"orderRef,omitempty"`
	Order    *orderPayload `json:"order,omitempty"`
}

type orderPayload struct {
	GroupID  string          `json:"groupId"`
	Owner    string          `json:"owner"`
	Symbol   string          `json:"symbol"`
	Quantity int64           `json:"quantity"`
	Limit    decimal.Decimal `json:"limit"`
	Market   bool            `json:"market"`
}

type response struct {
	ID       uint64         `json:"id"`
	OrderRef string         `json:"orderRef,omitempty"`
	Status   *statusPayload `json:"status,omitempty"`
	Error    *wireError     `json:"error,omitempty"`
}

type statusPayload struct {
	State     string          `json:"state"`
	FilledQty int64           `json:"filledQty"`
	FillPrice decimal.Decimal `json:"fillPrice"`
}

type wireError struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

type eventFrame struct {
	Type      string          `json:"type"`
	OrderRef  string          `json:"orderRef"`
	Symbol    string          `json:"symbol"`
	Kind      string          `json:"kind"`
	FilledQty int64           `json:"filledQty"`
	FillPrice decimal.Decimal `json:"fillPrice"`
	Reason    string          `json:"reason,omitempty"`
	At        time.Time       `json:"at"`
}

// Bridge is a backend.OrderBackend speaking JSON frames over a single
// WebSocket session with automatic reconnection.
type Bridge struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	msgIDGen atomic.Uint64
	pending  map[uint64]chan response
	pendMu   sync.Mutex

	events chan backend.ExecutionEvent

	ready     chan struct{}
	readyOnce sync.Once
}

// New constructs a bridge. Start must be called before use.
func New(cfg Config) (*Bridge, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]chan response),
		events:  make(chan backend.ExecutionEvent, eventBuffer),
		ready:   make(chan struct{}),
	}, nil
}

// Start establishes the connection in the background and waits for the first
// successful dial.
func (b *Bridge) Start() error {
	go func() {
		if err := b.connect(); err != nil && !errors.Is(err, context.Canceled) {
			observability.Log().Error("wsbridge connection loop stopped",
				observability.Field{Key: "error", Value: err.Error()})
		}
	}()

	select {
	case <-b.ready:
		return nil
	case <-time.After(10 * time.Second):
		return errs.New("wsbridge", errs.CodeTimeout, errs.WithMessage("timeout waiting for gateway connection"))
	case <-b.ctx.Done():
		return fmt.Errorf("wsbridge context done: %w", b.ctx.Err())
	}
}

// Stop closes the session and cancels the connection loop.
func (b *Bridge) Stop() {
	b.cancel()
	b.connMu.Lock()
	if b.conn != nil {
		_ = b.conn.Close(websocket.StatusNormalClosure, "shutdown")
		b.conn = nil
	}
	b.connMu.Unlock()
}

// Submit sends the order to the gateway and returns its order reference.
func (b *Bridge) Submit(ctx context.Context, intent backend.OrderIntent) (string, error) {
	if err := intent.Validate(); err != nil {
		return "", err
	}
	resp, err := b.roundTrip(ctx, request{
		Action: "submit",
		Order: &orderPayload{
			GroupID:  intent.GroupID,
			Owner:    intent.Owner,
			Symbol:   intent.Symbol,
			Quantity: intent.Quantity,
			Limit:    intent.Limit,
			Market:   intent.Market,
		},
	})
	if err != nil {
		return "", err
	}
	if resp.OrderRef == "" {
		return "", errs.New("wsbridge", errs.CodeBackend, errs.WithMessage("gateway accepted order without reference"))
	}
	return resp.OrderRef, nil
}

// Cancel requests cancellation of a working order.
func (b *Bridge) Cancel(ctx context.Context, orderRef string) error {
	_, err := b.roundTrip(ctx, request{Action: "cancel", OrderRef: orderRef})
	return err
}

// Query fetches the gateway's view of an order.
func (b *Bridge) Query(ctx context.Context, orderRef string) (backend.OrderStatus, error) {
	resp, err := b.roundTrip(ctx, request{Action: "query", OrderRef: orderRef})
	if err != nil {
		return backend.OrderStatus{}, err
	}
	if resp.Status == nil {
		return backend.OrderStatus{}, errs.New("wsbridge", errs.CodeBackend,
			errs.WithMessage("gateway query response missing status"),
			errs.WithField("order_ref", orderRef))
	}
	return backend.OrderStatus{
		OrderRef:  orderRef,
		State:     backend.OrderState(resp.Status.State),
		FilledQty: resp.Status.FilledQty,
		FillPrice: resp.Status.FillPrice,
	}, nil
}

// Events exposes the execution feed.
func (b *Bridge) Events() <-chan backend.ExecutionEvent {
	return b.events
}

func (b *Bridge) roundTrip(ctx context.Context, req request) (response, error) {
	req.ID = b.msgIDGen.Add(1)

	waiter := make(chan response, 1)
	b.pendMu.Lock()
	b.pending[req.ID] = waiter
	b.pendMu.Unlock()
	defer func() {
		b.pendMu.Lock()
		delete(b.pending, req.ID)
		b.pendMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("marshal %s request: %w", req.Action, err)
	}

	b.connMu.RLock()
	conn := b.conn
	b.connMu.RUnlock()
	if conn == nil {
		return response{}, errs.New("wsbridge", errs.CodeUnavailable, errs.WithMessage("gateway not connected"))
	}

	writeCtx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		return response{}, errs.New("wsbridge", errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("write %s request", req.Action)),
			errs.WithCause(err))
	}

	timer := time.NewTimer(b.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-waiter:
		if resp.Error != nil {
			return response{}, gatewayError(req.Action, resp.Error)
		}
		return resp, nil
	case <-timer.C:
		return response{}, errs.New("wsbridge", errs.CodeTimeout,
			errs.WithMessage(fmt.Sprintf("%s request timed out", req.Action)))
	case <-ctx.Done():
		return response{}, fmt.Errorf("%s request context: %w", req.Action, ctx.Err())
	case <-b.ctx.Done():
		return response{}, errs.New("wsbridge", errs.CodeUnavailable, errs.WithMessage("bridge stopped"))
	}
}

func gatewayError(action string, werr *wireError) error {
	code := errs.CodeBackend
	canonical := errs.CanonicalCode("")
	switch werr.Code {
	case "not_found":
		code = errs.CodeNotFound
		canonical = errs.CanonicalOrderNotFound
	case "unavailable":
		code = errs.CodeUnavailable
	case "invalid":
		code = errs.CodeInvalid
	}
	opts := []errs.Option{
		errs.WithMessage(fmt.Sprintf("gateway rejected %s: %s", action, werr.Msg)),
		errs.WithField("gateway_code", werr.Code),
	}
	if canonical != "" {
		opts = append(opts, errs.WithCanonicalCode(canonical))
	}
	return errs.New("wsbridge", code, opts...)
}

// connect maintains the WebSocket session with exponential backoff between
// dial attempts, mirroring the gateway's reconnect contract.
func (b *Bridge) connect() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = b.cfg.MaxReconnectInterval

	for {
		select {
		case <-b.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(b.ctx, b.cfg.URL, nil)
		if err != nil {
			observability.Log().Error("wsbridge dial failed",
				observability.Field{Key: "url", Value: b.cfg.URL},
				observability.Field{Key: "error", Value: err.Error()})
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = b.cfg.MaxReconnectInterval
			}
			select {
			case <-b.ctx.Done():
				return context.Canceled
			case <-time.After(sleep):
				continue
			}
		}

		conn.SetReadLimit(defaultReadLimit)

		b.connMu.Lock()
		b.conn = conn
		b.connMu.Unlock()

		b.readyOnce.Do(func() {
			close(b.ready)
		})
		backoffCfg.Reset()

		connCtx, connCancel := context.WithCancel(b.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			errCh <- b.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- b.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		b.connMu.Lock()
		if b.conn == conn {
			b.conn = nil
		}
		b.connMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
		close(errCh)

		if firstErr != nil && !errors.Is(firstErr, context.Canceled) {
			observability.Log().Error("wsbridge session ended",
				observability.Field{Key: "error", Value: firstErr.Error()})
		}

		b.failPending()

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = b.cfg.MaxReconnectInterval
		}
		select {
		case <-b.ctx.Done():
			return context.Canceled
		case <-time.After(sleep):
		}
	}
}

// failPending unblocks round-trips that were in flight when a session died.
func (b *Bridge) failPending() {
	b.pendMu.Lock()
	defer b.pendMu.Unlock()
	for id, waiter := range b.pending {
		select {
		case waiter <- response{ID: id, Error: &wireError{Code: "unavailable", Msg: "session lost"}}:
		default:
		}
		delete(b.pending, id)
	}
}

func (b *Bridge) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return context.Canceled
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			if errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			b.pendMu.Lock()
			waiter, ok := b.pending[resp.ID]
			b.pendMu.Unlock()
			if ok {
				select {
				case waiter <- resp:
				default:
				}
			}
			continue
		}

		var frame eventFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "event" {
			continue
		}
		event := backend.ExecutionEvent{
			OrderRef:  frame.OrderRef,
			Symbol:    frame.Symbol,
			Kind:      backend.EventKind(frame.Kind),
			FilledQty: frame.FilledQty,
			FillPrice: frame.FillPrice,
			Reason:    frame.Reason,
			At:        frame.At,
		}
		select {
		case b.events <- event:
		default:
			observability.Log().Error("wsbridge event buffer full, dropping event",
				observability.Field{Key: "order_ref", Value: frame.OrderRef})
		}
	}
}
