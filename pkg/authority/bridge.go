package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kettlebird/flowboard/pkg/collab"
)

// Bridge relays accepted operations between authority instances over Redis
// pub/sub, one channel per document. Each instance tags what it publishes
// with its own id and skips its own messages on the way back in.
type Bridge struct {
	client     *redis.Client
	instanceID string
	ctx        context.Context
	cancel     context.CancelFunc
}

type bridgeEnvelope struct {
	Instance string         `json:"instance"`
	Message  collab.Message `json:"message"`
}

func NewBridge(ctx context.Context, addr string) (*Bridge, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		client:     client,
		instanceID: uuid.NewString(),
		ctx:        runCtx,
		cancel:     cancel,
	}, nil
}

func channelFor(documentID string) string {
	return "flowboard:doc:" + documentID
}

// Publish relays an operation broadcast to the other instances. Best effort;
// a publish failure only delays the other instances until their next full
// load from the store.
func (b *Bridge) Publish(documentID string, msg collab.Message) {
	data, err := json.Marshal(bridgeEnvelope{Instance: b.instanceID, Message: msg})
	if err != nil {
		log.Printf("authority: encode bridge message: %v", err)
		return
	}
	if err := b.client.Publish(b.ctx, channelFor(documentID), data).Err(); err != nil {
		log.Printf("authority: publish to %s: %v", channelFor(documentID), err)
	}
}

// Subscribe starts delivering other instances' messages for the document and
// returns the unsubscribe function.
func (b *Bridge) Subscribe(documentID string, deliver func(collab.Message)) func() {
	pubsub := b.client.Subscribe(b.ctx, channelFor(documentID))
	go func() {
		for msg := range pubsub.Channel() {
			var env bridgeEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("authority: decode bridge message: %v", err)
				continue
			}
			if env.Instance == b.instanceID {
				continue
			}
			deliver(env.Message)
		}
	}()
	return func() {
		pubsub.Close()
	}
}

func (b *Bridge) Close() error {
	b.cancel()
	return b.client.Close()
}
