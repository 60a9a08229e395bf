package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const localQueueSize = 256

// Local is an in-process bus for single-instance deployments. Each
// subscription has its own ordered queue; a full queue drops the event.
type Local struct {
	origin string
	logger zerolog.Logger

	mu     sync.Mutex
	subs   map[string][]*localSubscription
	closed bool
}

type localSubscription struct {
	code  string
	queue chan Event
	done  chan struct{}
}

func (s *localSubscription) RoomCode() string { return s.code }

func NewLocal(logger zerolog.Logger) *Local {
	return &Local{
		origin: uuid.NewString(),
		logger: logger.With().Str("component", "bus").Str("broker", "local").Logger(),
		subs:   make(map[string][]*localSubscription),
	}
}

func (b *Local) Origin() string {
	return b.origin
}

func (b *Local) Publish(ctx context.Context, code string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ev.RoomCode = code
	if ev.Origin == "" {
		ev.Origin = b.origin
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrUnavailable
	}

	for _, sub := range b.subs[code] {
		select {
		case sub.queue <- ev:
		default:
			b.logger.Warn().Str("room", code).Str("event_id", ev.Id).Msg("room queue full, dropping event")
		}
	}
	return nil
}

func (b *Local) Subscribe(code string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrUnavailable
	}

	sub := &localSubscription{
		code:  code,
		queue: make(chan Event, localQueueSize),
		done:  make(chan struct{}),
	}
	b.subs[code] = append(b.subs[code], sub)

	go func() {
		for {
			select {
			case ev := <-sub.queue:
				safeHandle(h, ev, func(r any) {
					b.logger.Error().Interface("panic", r).Str("room", code).Msg("room handler panicked")
				})
			case <-sub.done:
				return
			}
		}
	}()

	return sub, nil
}

func (b *Local) Unsubscribe(sub Subscription) error {
	ls, ok := sub.(*localSubscription)
	if !ok || ls == nil {
		return fmt.Errorf("unsubscribe: foreign subscription %T", sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[ls.code]
	for i, s := range subs {
		if s == ls {
			b.subs[ls.code] = append(subs[:i], subs[i+1:]...)
			close(ls.done)
			break
		}
	}
	if len(b.subs[ls.code]) == 0 {
		delete(b.subs, ls.code)
	}
	return nil
}

// Subscribers reports how many subscriptions exist for code.
func (b *Local) Subscribers(code string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[code])
}

func (b *Local) Degraded() bool {
	return false
}

func (b *Local) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for code, subs := range b.subs {
		for _, s := range subs {
			close(s.done)
		}
		delete(b.subs, code)
	}
	return nil
}
