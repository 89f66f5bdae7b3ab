// Package queue adapts Pub/Sub's at-least-once delivery to the pipeline's
// ack/retry contract: acknowledging deletes the message, nacking lets the
// ack deadline act as a visibility timeout for redelivery.
package queue

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/Lllllllleong/documentingest/internal/services"
)

// Subscriber pulls URL messages and routes them through a handler.
type Subscriber struct {
	client *pubsub.Client
	sub    *pubsub.Subscription
}

// NewSubscriber creates a pull subscriber. maxOutstanding bounds how many
// messages are processed in parallel across documents.
func NewSubscriber(ctx context.Context, projectID, subscription string, maxOutstanding int) (*Subscriber, error) {
	if subscription == "" {
		return nil, fmt.Errorf("subscription ID must be set")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}

	sub := client.Subscription(subscription)
	if maxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = maxOutstanding
	}
	return &Subscriber{client: client, sub: sub}, nil
}

// Receive blocks, delivering each message body to handle until ctx is
// cancelled. The message is deleted only when the handler reports Ack.
func (s *Subscriber) Receive(ctx context.Context, handle func(ctx context.Context, body []byte) services.Outcome) error {
	return s.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		switch handle(ctx, m.Data) {
		case services.Ack:
			m.Ack()
		default:
			m.Nack()
		}
	})
}

func (s *Subscriber) Close() error {
	return s.client.Close()
}

// Publisher enqueues document URLs.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPublisher creates a publisher on the given topic.
func NewPublisher(ctx context.Context, projectID, topic string) (*Publisher, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic ID must be set")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	return &Publisher{client: client, topic: client.Topic(topic)}, nil
}

// Publish enqueues one URL and waits for the server's acknowledgment.
func (p *Publisher) Publish(ctx context.Context, url string) error {
	result := p.topic.Publish(ctx, &pubsub.Message{Data: []byte(url)})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish %s: %w", url, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
