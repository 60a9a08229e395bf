package server

import (
	"context"
	"sync"
	"time"

	"github.com/npezzotti/maproom/internal/bus"
	"github.com/npezzotti/maproom/internal/database"
	"github.com/npezzotti/maproom/internal/types"
	"github.com/rs/zerolog"
)

type Publisher interface {
	Publish(ctx context.Context, code string, kind bus.Kind, payload any) error
}

// Trigger turns writes on the resource store into room events. Every
// method returns immediately; failures are logged and never reach the
// caller's write. Publishes run on a single worker in call order, so a
// room never receives an older snapshot after a newer one.
type Trigger struct {
	log     zerolog.Logger
	db      database.SessionRegistry
	pub     Publisher
	timeout time.Duration

	mu     sync.Mutex
	queue  []func(ctx context.Context)
	closed bool
	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewTrigger(logger zerolog.Logger, db database.SessionRegistry, pub Publisher, timeout time.Duration) *Trigger {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	t := &Trigger{
		log:     logger.With().Str("component", "trigger").Logger(),
		db:      db,
		pub:     pub,
		timeout: timeout,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Trigger) enqueue(fn func(ctx context.Context)) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		t.log.Warn().Msg("trigger closed, dropping room event")
		return
	}
	t.wg.Add(1)
	t.queue = append(t.queue, fn)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Trigger) run() {
	defer close(t.done)

	for {
		t.mu.Lock()
		for len(t.queue) == 0 {
			if t.closed {
				t.mu.Unlock()
				return
			}
			t.mu.Unlock()
			<-t.wake
			t.mu.Lock()
		}
		fn := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
		t.mu.Unlock()

		t.exec(fn)
	}
}

func (t *Trigger) exec(fn func(ctx context.Context)) {
	defer t.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().Interface("panic", r).Msg("recovered from panic in update trigger")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	fn(ctx)
}

func (t *Trigger) send(ctx context.Context, code string, kind bus.Kind, payload any) {
	if err := t.pub.Publish(ctx, code, kind, payload); err != nil {
		t.log.Warn().Err(err).Str("room", code).Str("kind", string(kind)).Msg("room event not published to other instances")
		return
	}
	t.log.Debug().Str("room", code).Str("kind", string(kind)).Msg("room event published")
}

// UpdateRoom broadcasts state to the room named by code.
func (t *Trigger) UpdateRoom(code string, state types.MapSnapshot) {
	t.enqueue(func(ctx context.Context) {
		t.send(ctx, code, bus.KindUpdate, state)
	})
}

// UpdateSession resolves the session's code and broadcasts state to it.
func (t *Trigger) UpdateSession(sessionId int, state types.MapSnapshot) {
	t.enqueue(func(ctx context.Context) {
		sess, err := t.db.FindByID(ctx, sessionId)
		if err != nil {
			t.log.Warn().Err(err).Int("session", sessionId).Msg("cannot resolve room for update")
			return
		}
		t.send(ctx, sess.Code, bus.KindUpdate, state)
	})
}

// UpdateMap broadcasts state to every room currently showing mapId.
func (t *Trigger) UpdateMap(mapId int, state types.MapSnapshot) {
	t.enqueue(func(ctx context.Context) {
		sessions, err := t.db.SessionsForResource(ctx, mapId)
		if err != nil {
			t.log.Warn().Err(err).Int("map", mapId).Msg("cannot resolve rooms for map update")
			return
		}
		for _, sess := range sessions {
			t.send(ctx, sess.Code, bus.KindUpdate, state)
		}
	})
}

// CloseRoom tells every instance to drop the room's viewers.
func (t *Trigger) CloseRoom(code string) {
	t.enqueue(func(ctx context.Context) {
		t.send(ctx, code, bus.KindClosed, nil)
	})
}

// Wait blocks until every queued publish has finished.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// Close runs the remaining queue and stops the worker. Later calls are
// dropped.
func (t *Trigger) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	<-t.done
}
