// Package pubsub publishes job notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/pcallen/catalogue-harvester/internal/notify"
)

// Notifier publishes notifications to a single Pub/Sub topic.
type Notifier struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

var _ notify.Provider = (*Notifier)(nil)

// New connects to the project and prepares the topic for publishing.
func New(ctx context.Context, projectID, topicID string) (*Notifier, error) {
	if projectID == "" || topicID == "" {
		return nil, fmt.Errorf("pubsub notifier requires a project and a topic")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return NewWithClient(client, topicID), nil
}

// NewWithClient wraps an existing client, whose lifecycle passes to the
// returned Notifier. Tests and emulator setups use it to inject a fake
// server connection.
func NewWithClient(client *pubsub.Client, topicID string) *Notifier {
	return &Notifier{client: client, topic: client.Topic(topicID)}
}

// Publish marshals the notification to JSON and waits for the server ack.
func (n *Notifier) Publish(ctx context.Context, note notify.Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"job_id": note.JobID,
			"status": string(note.Status),
		},
	}
	if _, err := n.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Close stops the topic's publish goroutines and releases the client.
func (n *Notifier) Close() error {
	n.topic.Stop()
	return n.client.Close()
}
