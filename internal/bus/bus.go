package bus

import (
	"context"
	"errors"
)

var ErrUnavailable = errors.New("bus unavailable")

// Handler receives events for one room. Handlers for a subscription are
// called sequentially, in broker order.
type Handler func(Event)

type Subscription interface {
	RoomCode() string
}

type Bus interface {
	Publish(ctx context.Context, code string, ev Event) error
	Subscribe(code string, h Handler) (Subscription, error)
	Unsubscribe(sub Subscription) error
	// Degraded reports whether cross-process delivery is currently impaired.
	Degraded() bool
	// Origin identifies this process on published events.
	Origin() string
	Close() error
}

// safeHandle shields the broker's dispatch goroutine from a panicking
// handler.
func safeHandle(h Handler, ev Event, onPanic func(any)) {
	defer func() {
		if r := recover(); r != nil {
			onPanic(r)
		}
	}()
	h(ev)
}
