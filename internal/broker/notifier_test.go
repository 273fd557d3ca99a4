package broker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_NilRedisIsNoop(t *testing.T) {
	n := NewNotifier(nil)
	assert.NoError(t, n.PublishConversation(context.Background(), "c1", "payload"))
	assert.NoError(t, n.StartConversationSubscriber(context.Background(), nil))
}

func TestConversationChannelRoundTrip(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "chat:conv:c5", ConversationChannel("c5"))

	id, ok := parseConversationChannel("chat:conv:c5")
	require.True(t, ok)
	assert.Equal(t, "c5", id)

	_, ok = parseConversationChannel("chat:conv:")
	assert.False(t, ok)
	_, ok = parseConversationChannel("other:c5")
	assert.False(t, ok)
}

func TestNotifier_SubscriberReceivesPublished(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	n := NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames := make(chan [2]string, 2)
	require.NoError(t, n.StartConversationSubscriber(ctx, func(channel, payload string) {
		frames <- [2]string{channel, payload}
	}))

	require.NoError(t, n.PublishConversation(context.Background(), "c1", `{"event":"message:new"}`))

	select {
	case frame := <-frames:
		assert.Equal(t, "chat:conv:c1", frame[0])
		assert.Equal(t, `{"event":"message:new"}`, frame[1])
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the published frame")
	}
}

func TestNotifier_SubscriberStopsOnCancel(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	n := NewNotifier(rdb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var received int32
	payloads := make(chan string, 2)
	require.NoError(t, n.StartConversationSubscriber(ctx, func(_ string, payload string) {
		atomic.AddInt32(&received, 1)
		payloads <- payload
	}))

	require.NoError(t, n.PublishConversation(context.Background(), "c1", "before-cancel"))
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&received) >= 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	time.Sleep(20 * time.Millisecond)

	// Drain the pre-cancel message to avoid false positives.
	select {
	case <-payloads:
	default:
	}

	require.NoError(t, n.PublishConversation(context.Background(), "c1", "after-cancel"))
	assert.Never(t, func() bool {
		select {
		case payload := <-payloads:
			return payload == "after-cancel"
		default:
			return false
		}
	}, 200*time.Millisecond, 10*time.Millisecond)
}
