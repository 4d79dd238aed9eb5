package execution

import (
	"sync"
	"time"

	"github.com/quantfold/strata/internal/backend"
)

const (
	maxBacklogPerRef = 32
	backlogTTL       = time.Minute
)

// router fans backend feed events out to per-group await sessions keyed by
// order reference. Events for references with no subscriber yet are held in a
// bounded backlog, covering the gap between a submit returning and the group
// loop subscribing. Backlogs nobody claims within the TTL are swept, so late
// events for concluded groups cannot accumulate across references.
type router struct {
	mu        sync.Mutex
	subs      map[string]chan backend.ExecutionEvent
	backlog   map[string]*backlogEntry
	lastSweep time.Time
}

type backlogEntry struct {
	events []backend.ExecutionEvent
	since  time.Time
}

func newRouter() *router {
	return &router{
		subs:    make(map[string]chan backend.ExecutionEvent),
		backlog: make(map[string]*backlogEntry),
	}
}

func (r *router) route(event backend.ExecutionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.sweepLocked(now)
	if ch, ok := r.subs[event.OrderRef]; ok {
		select {
		case ch <- event:
		default:
		}
		return
	}
	held, ok := r.backlog[event.OrderRef]
	if !ok {
		held = &backlogEntry{since: now}
		r.backlog[event.OrderRef] = held
	}
	if len(held.events) >= maxBacklogPerRef {
		return
	}
	held.events = append(held.events, event)
}

// sweepLocked drops backlogs older than the TTL. Runs at most once per TTL.
func (r *router) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < backlogTTL {
		return
	}
	r.lastSweep = now
	for ref, held := range r.backlog {
		if now.Sub(held.since) >= backlogTTL {
			delete(r.backlog, ref)
		}
	}
}

// subscribe binds a reference to the session channel and replays any backlog.
func (r *router) subscribe(ref string, ch chan backend.ExecutionEvent) {
	if ref == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[ref] = ch
	if held, ok := r.backlog[ref]; ok {
		for _, event := range held.events {
			select {
			case ch <- event:
			default:
			}
		}
		delete(r.backlog, ref)
	}
}

func (r *router) unsubscribe(refs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ref := range refs {
		delete(r.subs, ref)
		delete(r.backlog, ref)
	}
}
