package broker

import (
	"context"
	"log"
	"runtime/debug"
	"strings"

	"github.com/redis/go-redis/v9"
)

const conversationChannelPrefix = "chat:conv:"

// Notifier publishes broker frames into Redis channels so that multiple
// broker instances can fan events out to their own connections. A nil Redis
// client turns every method into a no-op, which keeps single-instance
// deployments free of a Redis requirement.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a Notifier using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// PublishConversation sends a frame to a conversation's channel.
func (n *Notifier) PublishConversation(ctx context.Context, conversationID, payload string) error {
	if n.rdb == nil {
		return nil
	}
	return n.rdb.Publish(ctx, ConversationChannel(conversationID), payload).Err()
}

// StartConversationSubscriber subscribes to all conversation channels and
// calls onMessage for each frame until the context is cancelled.
func (n *Notifier) StartConversationSubscriber(
	ctx context.Context, onMessage func(channel string, payload string),
) error {
	if n.rdb == nil {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, conversationChannelPrefix+"*")
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Printf("PANIC in ConversationSubscriber: %v\n%s", r, debug.Stack())
						}
					}()
					onMessage(msg.Channel, msg.Payload)
				}()
			}
		}
	}()

	return nil
}

// ConversationChannel derives the Redis channel name for a conversation.
func ConversationChannel(conversationID string) string {
	return conversationChannelPrefix + conversationID
}

// parseConversationChannel extracts the conversation ID from a channel name.
func parseConversationChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, conversationChannelPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
