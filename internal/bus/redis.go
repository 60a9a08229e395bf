package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// ConnectRetries bounds the startup ping.
	ConnectRetries uint64
	Breaker        BreakerConfig
}

// Redis relays events over Redis PUBLISH/SUBSCRIBE. A single PubSub
// connection carries every room channel this process follows; go-redis
// resubscribes it after a reconnect.
type Redis struct {
	client  *redis.Client
	ps      *redis.PubSub
	prefix  string
	origin  string
	breaker *Breaker
	logger  zerolog.Logger
	done    chan struct{}

	// subMu orders SUBSCRIBE and UNSUBSCRIBE with the handler lists they
	// follow; mu alone guards channels for dispatch.
	subMu    sync.Mutex
	mu       sync.Mutex
	channels map[string][]*redisSubscription
}

type redisSubscription struct {
	code    string
	channel string
	handler Handler
}

func (s *redisSubscription) RoomCode() string { return s.code }

func NewRedis(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*Redis, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "maproom"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	b := &Redis{
		client:   client,
		prefix:   cfg.Prefix,
		origin:   uuid.NewString(),
		logger:   logger.With().Str("component", "bus").Str("broker", "redis").Logger(),
		done:     make(chan struct{}),
		channels: make(map[string][]*redisSubscription),
	}
	b.breaker = NewBreaker("redis-publish", cfg.Breaker, b.logger)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	ping := func() error {
		return client.Ping(ctx).Err()
	}
	notify := func(err error, wait time.Duration) {
		b.logger.Warn().Err(err).Dur("retry_in", wait).Msg("redis not reachable")
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, cfg.ConnectRetries), ctx)
	if err := backoff.RetryNotify(ping, policy, notify); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	b.ps = client.Subscribe(ctx)
	go b.dispatch(b.ps.Channel())

	b.logger.Info().Str("addr", cfg.Addr).Str("origin", b.origin).Msg("redis bus started")
	return b, nil
}

func (b *Redis) channel(code string) string {
	return b.prefix + ":room:" + code
}

func (b *Redis) Origin() string {
	return b.origin
}

func (b *Redis) dispatch(msgs <-chan *redis.Message) {
	defer close(b.done)

	for msg := range msgs {
		ev, err := DecodeEvent([]byte(msg.Payload))
		if err != nil {
			b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable event")
			continue
		}

		b.mu.Lock()
		subs := append([]*redisSubscription(nil), b.channels[msg.Channel]...)
		b.mu.Unlock()

		for _, sub := range subs {
			safeHandle(sub.handler, ev, func(r any) {
				b.logger.Error().Interface("panic", r).Str("room", sub.code).Str("event_id", ev.Id).Msg("room handler panicked")
			})
		}
	}
}

func (b *Redis) Publish(ctx context.Context, code string, ev Event) error {
	ev.RoomCode = code
	if ev.Origin == "" {
		ev.Origin = b.origin
	}
	data, err := ev.Encode()
	if err != nil {
		return err
	}

	return b.breaker.Do(func() error {
		return b.client.Publish(ctx, b.channel(code), data).Err()
	})
}

func (b *Redis) Subscribe(code string, h Handler) (Subscription, error) {
	sub := &redisSubscription{code: code, channel: b.channel(code), handler: h}

	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	first := len(b.channels[sub.channel]) == 0
	b.channels[sub.channel] = append(b.channels[sub.channel], sub)
	b.mu.Unlock()

	if first {
		if err := b.ps.Subscribe(context.Background(), sub.channel); err != nil {
			b.remove(sub)
			return nil, fmt.Errorf("subscribe %s: %w", code, err)
		}
	}

	return sub, nil
}

// remove drops sub and reports whether its channel has no handlers left.
func (b *Redis) remove(sub *redisSubscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.channels[sub.channel]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.channels, sub.channel)
		return true
	}
	b.channels[sub.channel] = subs
	return false
}

func (b *Redis) Unsubscribe(sub Subscription) error {
	rs, ok := sub.(*redisSubscription)
	if !ok || rs == nil {
		return fmt.Errorf("unsubscribe: foreign subscription %T", sub)
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()

	if b.remove(rs) {
		if err := b.ps.Unsubscribe(context.Background(), rs.channel); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", rs.code, err)
		}
	}
	return nil
}

func (b *Redis) Degraded() bool {
	return b.breaker.Open()
}

func (b *Redis) Close() error {
	err := b.ps.Close()
	<-b.done
	if cerr := b.client.Close(); err == nil {
		err = cerr
	}
	return err
}
