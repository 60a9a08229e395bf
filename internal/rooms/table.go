// Package rooms tracks which local connections are in which room and
// keeps exactly one bus subscription per room that has local members.
package rooms

import (
	"fmt"
	"sort"
	"sync"

	"github.com/npezzotti/maproom/internal/bus"
	"github.com/rs/zerolog"
)

type Subscriber interface {
	Subscribe(code string, h bus.Handler) (bus.Subscription, error)
	Unsubscribe(sub bus.Subscription) error
}

// Sink receives every bus event for a room together with the local
// members at the time of delivery.
type Sink func(code string, members []string, ev bus.Event)

type room struct {
	members map[string]struct{}
	sub     bus.Subscription
	// ready is non-nil while a subscribe is in flight.
	ready chan struct{}
}

type Table struct {
	bus    Subscriber
	sink   Sink
	logger zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*room
	conns map[string]map[string]struct{}
}

func NewTable(sub Subscriber, sink Sink, logger zerolog.Logger) *Table {
	return &Table{
		bus:    sub,
		sink:   sink,
		logger: logger.With().Str("component", "rooms").Logger(),
		rooms:  make(map[string]*room),
		conns:  make(map[string]map[string]struct{}),
	}
}

// Join adds connID to code. The first local member subscribes the room on
// the bus; later members wait for that subscribe to finish. Membership is
// recorded even when the subscribe fails, in which case the returned error
// wraps bus.ErrUnavailable and the next Join retries.
func (t *Table) Join(code, connID string) error {
	t.mu.Lock()
	r, ok := t.rooms[code]
	if !ok {
		r = &room{members: make(map[string]struct{})}
		t.rooms[code] = r
	}
	r.members[connID] = struct{}{}
	if t.conns[connID] == nil {
		t.conns[connID] = make(map[string]struct{})
	}
	t.conns[connID][code] = struct{}{}

	if r.sub != nil {
		t.mu.Unlock()
		return nil
	}
	if wait := r.ready; wait != nil {
		t.mu.Unlock()
		<-wait

		t.mu.Lock()
		subscribed := t.rooms[code] == r && r.sub != nil
		t.mu.Unlock()
		if !subscribed {
			return fmt.Errorf("subscribe room %s: %w", code, bus.ErrUnavailable)
		}
		return nil
	}

	ready := make(chan struct{})
	r.ready = ready
	t.mu.Unlock()

	sub, err := t.bus.Subscribe(code, t.handler(code, r))

	t.mu.Lock()
	r.ready = nil
	close(ready)
	current := t.rooms[code] == r
	if err == nil && current {
		r.sub = sub
	}
	t.mu.Unlock()

	if err != nil {
		t.logger.Warn().Err(err).Str("room", code).Msg("room subscribe failed, updates from other instances will be missed")
		return fmt.Errorf("subscribe room %s: %w", code, bus.ErrUnavailable)
	}

	if !current {
		// every member left while the subscribe was in flight
		t.unsubscribe(code, sub)
	} else {
		t.logger.Debug().Str("room", code).Msg("room subscribed")
	}
	return nil
}

func (t *Table) handler(code string, r *room) bus.Handler {
	return func(ev bus.Event) {
		t.mu.Lock()
		if t.rooms[code] != r {
			t.mu.Unlock()
			return
		}
		members := sortedKeys(r.members)
		t.mu.Unlock()

		t.sink(code, members, ev)
	}
}

func (t *Table) unsubscribe(code string, sub bus.Subscription) {
	if sub == nil {
		return
	}
	if err := t.bus.Unsubscribe(sub); err != nil {
		t.logger.Warn().Err(err).Str("room", code).Msg("room unsubscribe failed")
		return
	}
	t.logger.Debug().Str("room", code).Msg("room unsubscribed")
}

// removeLocked drops connID from code and returns the subscription to
// release if the room became empty.
func (t *Table) removeLocked(code, connID string) (bus.Subscription, bool) {
	r, ok := t.rooms[code]
	if !ok {
		return nil, false
	}
	if _, ok := r.members[connID]; !ok {
		return nil, false
	}

	delete(r.members, connID)
	if codes := t.conns[connID]; codes != nil {
		delete(codes, code)
		if len(codes) == 0 {
			delete(t.conns, connID)
		}
	}

	if len(r.members) > 0 {
		return nil, true
	}
	delete(t.rooms, code)
	sub := r.sub
	r.sub = nil
	return sub, true
}

// Leave removes connID from every room it is in and returns those rooms.
// Leaving an unknown connection is a no-op.
func (t *Table) Leave(connID string) []string {
	t.mu.Lock()
	codes := sortedKeys(t.conns[connID])
	subs := make(map[string]bus.Subscription)
	for _, code := range codes {
		if sub, _ := t.removeLocked(code, connID); sub != nil {
			subs[code] = sub
		}
	}
	t.mu.Unlock()

	for code, sub := range subs {
		t.unsubscribe(code, sub)
	}
	return codes
}

// LeaveRoom removes connID from a single room and reports whether it was a
// member.
func (t *Table) LeaveRoom(code, connID string) bool {
	t.mu.Lock()
	sub, ok := t.removeLocked(code, connID)
	t.mu.Unlock()

	t.unsubscribe(code, sub)
	return ok
}

// CloseRoom removes every local member of code and returns them.
func (t *Table) CloseRoom(code string) []string {
	t.mu.Lock()
	r, ok := t.rooms[code]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	members := sortedKeys(r.members)
	var sub bus.Subscription
	for _, connID := range members {
		if s, _ := t.removeLocked(code, connID); s != nil {
			sub = s
		}
	}
	t.mu.Unlock()

	t.unsubscribe(code, sub)
	return members
}

func (t *Table) MembersOf(code string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.rooms[code]; ok {
		return sortedKeys(r.members)
	}
	return nil
}

func (t *Table) RoomsOf(connID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.conns[connID])
}

// Rooms returns the number of rooms with at least one local member.
func (t *Table) Rooms() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms)
}

// Close empties the table and releases every subscription.
func (t *Table) Close() {
	t.mu.Lock()
	subs := make(map[string]bus.Subscription, len(t.rooms))
	for code, r := range t.rooms {
		if r.sub != nil {
			subs[code] = r.sub
		}
	}
	t.rooms = make(map[string]*room)
	t.conns = make(map[string]map[string]struct{})
	t.mu.Unlock()

	for code, sub := range subs {
		t.unsubscribe(code, sub)
	}
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
