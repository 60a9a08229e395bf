package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type NATSConfig struct {
	URL string
	// Prefix namespaces subjects so several deployments can share a broker.
	Prefix  string
	Name    string
	Breaker BreakerConfig
	// DrainTimeout bounds Close.
	DrainTimeout time.Duration
}

type NATS struct {
	nc      *nats.Conn
	prefix  string
	origin  string
	breaker *Breaker
	logger  zerolog.Logger
	drain   time.Duration
	closed  chan struct{}

	mu    sync.Mutex
	delay *backoff.ExponentialBackOff
}

type natsSubscription struct {
	code string
	sub  *nats.Subscription
}

func (s *natsSubscription) RoomCode() string { return s.code }

// NewNATS connects to the broker. The initial connect is retried in the
// background, so a broker that is down at startup leaves the bus degraded
// rather than failing the process.
func NewNATS(cfg NATSConfig, logger zerolog.Logger) (*NATS, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "maproom"
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}

	b := &NATS{
		prefix: cfg.Prefix,
		origin: uuid.NewString(),
		logger: logger.With().Str("component", "bus").Str("broker", "nats").Logger(),
		drain:  cfg.DrainTimeout,
		closed: make(chan struct{}),
		delay:  newReconnectBackoff(),
	}
	b.breaker = NewBreaker("nats-publish", cfg.Breaker, b.logger)

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.CustomReconnectDelay(b.reconnectDelay),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn().Err(err).Msg("disconnected from broker, room events are local only")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.mu.Lock()
			b.delay.Reset()
			b.mu.Unlock()
			b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to broker")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := b.logger.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("broker error")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(b.closed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	b.nc = nc

	b.logger.Info().Str("url", cfg.URL).Str("origin", b.origin).Msg("nats bus started")
	return b, nil
}

func newReconnectBackoff() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = 10 * time.Second
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

func (b *NATS) reconnectDelay(attempts int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delay.NextBackOff()
}

func (b *NATS) subject(code string) string {
	return b.prefix + ".room." + code
}

func (b *NATS) Origin() string {
	return b.origin
}

func (b *NATS) Publish(ctx context.Context, code string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ev.RoomCode = code
	if ev.Origin == "" {
		ev.Origin = b.origin
	}
	data, err := ev.Encode()
	if err != nil {
		return err
	}

	return b.breaker.Do(func() error {
		if !b.nc.IsConnected() {
			return fmt.Errorf("publish %s: %w", ev.Kind, ErrUnavailable)
		}
		return b.nc.Publish(b.subject(code), data)
	})
}

func (b *NATS) Subscribe(code string, h Handler) (Subscription, error) {
	sub, err := b.nc.Subscribe(b.subject(code), func(m *nats.Msg) {
		ev, err := DecodeEvent(m.Data)
		if err != nil {
			b.logger.Warn().Err(err).Str("subject", m.Subject).Msg("dropping undecodable event")
			return
		}
		safeHandle(h, ev, func(r any) {
			b.logger.Error().Interface("panic", r).Str("room", code).Str("event_id", ev.Id).Msg("room handler panicked")
		})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", code, err)
	}

	// make sure the server has registered interest before returning
	if b.nc.IsConnected() {
		if err := b.nc.FlushTimeout(time.Second); err != nil {
			b.logger.Warn().Err(err).Str("room", code).Msg("subscription flush failed")
		}
	}

	return &natsSubscription{code: code, sub: sub}, nil
}

func (b *NATS) Unsubscribe(sub Subscription) error {
	ns, ok := sub.(*natsSubscription)
	if !ok || ns == nil {
		return fmt.Errorf("unsubscribe: foreign subscription %T", sub)
	}

	err := ns.sub.Unsubscribe()
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("unsubscribe %s: %w", ns.code, err)
	}
	return nil
}

func (b *NATS) Degraded() bool {
	return b.breaker.Open() || !b.nc.IsConnected()
}

// Close drains pending publishes and subscriptions before closing.
func (b *NATS) Close() error {
	if b.nc.IsClosed() {
		return nil
	}

	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return nil
	}

	select {
	case <-b.closed:
	case <-time.After(b.drain + time.Second):
		b.nc.Close()
	}
	return nil
}
