// Package pubsub is a thin wrapper over redis.Client's Publish/Subscribe,
// used to fan push events out across every server instance so a captain
// connected to instance A receives an event published by the instance
// that holds the order.
package pubsub

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "fanout:"

// Bus publishes and subscribes to per-group Redis Pub/Sub channels.
type Bus struct {
	rdb *redis.Client
}

// New constructs a Bus.
func New(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

// Publish serializes payload as JSON and publishes it to groupID's
// channel. Errors are logged, not returned: push delivery is best-effort.
func (b *Bus) Publish(ctx context.Context, groupID string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("pubsub: marshal payload for group=%s: %v", groupID, err)
		return
	}
	if err := b.rdb.Publish(ctx, channelPrefix+groupID, data).Err(); err != nil {
		log.Printf("pubsub: publish to group=%s: %v", groupID, err)
	}
}

// Subscribe returns a channel of raw JSON messages published to groupID.
// Callers must cancel ctx to stop the subscription and drain the
// returned channel.
func (b *Bus) Subscribe(ctx context.Context, groupID string) <-chan []byte {
	sub := b.rdb.Subscribe(ctx, channelPrefix+groupID)
	out := make(chan []byte)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
