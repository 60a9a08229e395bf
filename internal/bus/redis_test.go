package bus

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/npezzotti/maproom/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T, addr string) *Redis {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := NewRedis(ctx, RedisConfig{Addr: addr, Prefix: "test", ConnectRetries: 3}, testutil.TestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// subscribers reports how many connections the broker has on code's channel.
func subscribers(mr *miniredis.Miniredis, b *Redis, code string) int {
	channel := b.channel(code)
	return mr.PubSubNumSub(channel)[channel]
}

func TestRedis_crossProcess(t *testing.T) {
	mr := miniredis.RunT(t)
	publisher := newTestRedis(t, mr.Addr())
	subscriber := newTestRedis(t, mr.Addr())

	var abcde, zzzzz recorder
	subA, err := subscriber.Subscribe("abcde", abcde.handle)
	require.NoError(t, err)
	_, err = subscriber.Subscribe("zzzzz", zzzzz.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return subscribers(mr, subscriber, "abcde") == 1 && subscribers(mr, subscriber, "zzzzz") == 1
	}, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ev, err := NewEvent("abcde", KindUpdate, map[string]int{"seq": i})
		require.NoError(t, err)
		require.NoError(t, publisher.Publish(ctx, "abcde", ev))
	}

	require.Eventually(t, func() bool { return abcde.len() == 5 }, 2*time.Second, 10*time.Millisecond)
	abcde.mu.Lock()
	for i, ev := range abcde.events {
		assert.JSONEq(t, `{"seq":`+strconv.Itoa(i)+`}`, string(ev.Payload), "expected per-publisher order")
		assert.Equal(t, publisher.Origin(), ev.Origin)
		assert.Equal(t, "abcde", ev.RoomCode)
	}
	abcde.mu.Unlock()
	assert.Zero(t, zzzzz.len(), "expected room isolation")

	require.NoError(t, subscriber.Unsubscribe(subA))
	require.Eventually(t, func() bool { return subscribers(mr, subscriber, "abcde") == 0 }, 2*time.Second, 10*time.Millisecond)

	ev, _ := NewEvent("abcde", KindUpdate, nil)
	require.NoError(t, publisher.Publish(ctx, "abcde", ev))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 5, abcde.len(), "expected no delivery after unsubscribe")
}

func TestRedis_sharedChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestRedis(t, mr.Addr())

	var first, second recorder
	subFirst, err := b.Subscribe("abcde", first.handle)
	require.NoError(t, err)
	_, err = b.Subscribe("abcde", second.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return subscribers(mr, b, "abcde") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Unsubscribe(subFirst))

	ev, _ := NewEvent("abcde", KindUpdate, nil)
	require.NoError(t, b.Publish(context.Background(), "abcde", ev))

	require.Eventually(t, func() bool { return second.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, first.len())
	assert.Equal(t, 1, subscribers(mr, b, "abcde"), "expected the channel to stay subscribed while a handler remains")
}

func TestRedis_resubscribeWhileUnsubscribing(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestRedis(t, mr.Addr())
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		var rec recorder
		old, err := b.Subscribe("abcde", func(Event) {})
		require.NoError(t, err)

		// the last member leaves while a new one joins the same room
		var (
			wg   sync.WaitGroup
			next Subscription
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Unsubscribe(old))
		}()
		go func() {
			defer wg.Done()
			var err error
			next, err = b.Subscribe("abcde", rec.handle)
			assert.NoError(t, err)
		}()
		wg.Wait()
		require.NotNil(t, next)

		require.Eventually(t, func() bool { return subscribers(mr, b, "abcde") == 1 }, 2*time.Second, 10*time.Millisecond,
			"expected the broker subscription to follow the remaining handler")

		ev, _ := NewEvent("abcde", KindUpdate, nil)
		require.NoError(t, b.Publish(ctx, "abcde", ev))
		require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 10*time.Millisecond,
			"expected delivery to the new handler")

		require.NoError(t, b.Unsubscribe(next))
		require.Eventually(t, func() bool { return subscribers(mr, b, "abcde") == 0 }, 2*time.Second, 10*time.Millisecond)
	}
}

func TestRedis_undecodableEventsDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestRedis(t, mr.Addr())

	var rec recorder
	_, err := b.Subscribe("abcde", rec.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return subscribers(mr, b, "abcde") == 1 }, 2*time.Second, 10*time.Millisecond)

	mr.Publish(b.channel("abcde"), "garbage")
	ev, _ := NewEvent("abcde", KindUpdate, nil)
	require.NoError(t, b.Publish(context.Background(), "abcde", ev))

	require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, ev.Id, rec.events[0].Id)
}

func TestRedis_retriesStartup(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	restarted := make(chan error, 1)
	go func() {
		time.Sleep(300 * time.Millisecond)
		restarted <- mr.Restart()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := NewRedis(ctx, RedisConfig{Addr: addr, ConnectRetries: 10}, testutil.TestLogger(t))
	require.NoError(t, <-restarted)
	require.NoError(t, err, "expected the startup ping to be retried until redis is up")
	b.Close()
}

func TestRedis_unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewRedis(ctx, RedisConfig{Addr: "127.0.0.1:1", ConnectRetries: 1}, testutil.TestLogger(t))
	assert.Error(t, err)
}
