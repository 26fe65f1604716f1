package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub" // in-memory for testing

	"github.com/wudi/schemahub/internal/config"
)

// PubSubChannel publishes events to a cloud pub/sub topic addressed by
// gocloud URL (e.g. "gcppubsub://project/topic", "mem://events").
type PubSubChannel struct {
	topic *pubsub.Topic
}

// newPubSubChannel opens the configured topic.
func newPubSubChannel(cfg config.PubSubChannelConfig) (*PubSubChannel, error) {
	if cfg.Topic == "" {
		return nil, fmt.Errorf("pubsub: topic is required")
	}

	topic, err := pubsub.OpenTopic(context.Background(), cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("pubsub: open topic %s: %w", cfg.Topic, err)
	}

	return &PubSubChannel{topic: topic}, nil
}

// Name identifies the channel in metrics and logs.
func (c *PubSubChannel) Name() string {
	return "pubsub"
}

// Send publishes the event with type and target carried as message
// attributes so subscribers can filter without decoding the body.
func (c *PubSubChannel) Send(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("pubsub: marshal event: %w", err)
	}

	msg := &pubsub.Message{
		Body: body,
		Metadata: map[string]string{
			"event":  string(event.Type),
			"target": event.Target,
		},
	}

	if err := c.topic.Send(ctx, msg); err != nil {
		return fmt.Errorf("pubsub: publish failed: %w", err)
	}

	return nil
}

// Close shuts down the topic.
func (c *PubSubChannel) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.topic.Shutdown(ctx)
}
