package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/docket-harvester/internal/harvest"
)

// DefaultFileName is the hand-off file the relay polls.
const DefaultFileName = "notifications.json"

// FileNotifier overwrites a single hand-off file with the latest message. The relay
// reads the file, forwards it and deletes it.
type FileNotifier struct {
	store harvest.BlobStore
	name  string
}

// NewFile writes messages as name inside store. Stores used here must replace objects
// atomically so the relay never observes a partial write.
func NewFile(store harvest.BlobStore, name string) (*FileNotifier, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if name == "" {
		name = DefaultFileName
	}
	return &FileNotifier{store: store, name: name}, nil
}

// Notify writes msg as indented JSON.
func (f *FileNotifier) Notify(ctx context.Context, msg Message) error {
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := f.store.PutObject(ctx, f.name, "application/json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// PublisherNotifier forwards messages to a topic publisher such as Pub/Sub.
type PublisherNotifier struct {
	publisher harvest.Publisher
	topic     string
}

// NewPublisher returns a Notifier publishing to topic.
func NewPublisher(publisher harvest.Publisher, topic string) (*PublisherNotifier, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	return &PublisherNotifier{publisher: publisher, topic: topic}, nil
}

// Notify publishes msg.
func (p *PublisherNotifier) Notify(ctx context.Context, msg Message) error {
	if _, err := p.publisher.Publish(ctx, p.topic, msg); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
