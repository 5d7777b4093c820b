package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/oakline/market-api/internal/services"
)

// PubSubEventPublisher publishes fulfillment domain events to a Pub/Sub topic.
type PubSubEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubEventPublisher constructs a Pub/Sub backed domain event publisher.
func NewPubSubEventPublisher(topic *pubsub.Topic) (*PubSubEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub event publisher: topic is required")
	}
	return &PubSubEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

var _ services.EventPublisher = (*PubSubEventPublisher)(nil)

// PublishEvent enqueues the event on the configured topic. The event ID rides along as a
// message attribute so consumers can deduplicate redeliveries.
func (p *PubSubEventPublisher) PublishEvent(ctx context.Context, event services.DomainEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub event publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal domain event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", event.EventID)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "userId", event.UserID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish domain event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
