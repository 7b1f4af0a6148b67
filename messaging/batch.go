package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/mmate-relay/contracts"
)

// PublishBatch publishes messages one after another with the same
// options. It is not atomic: every message that fails is reported in a
// *BatchError and the ones that were confirmed stay published.
func (p *MessagePublisher) PublishBatch(ctx context.Context, messages []contracts.Message, options ...PublishOption) error {
	if len(messages) == 0 {
		return nil
	}

	var failures []BatchItemError
	for i, msg := range messages {
		if err := p.Publish(ctx, msg, options...); err != nil {
			item := BatchItemError{Index: i, Err: err}
			if msg != nil {
				item.MessageID = msg.GetID()
				item.MessageType = msg.GetType()
			}
			failures = append(failures, item)
		}
	}

	if len(failures) == 0 {
		p.logger.Debug("batch published", "messageCount", len(messages))
		return nil
	}

	p.logger.Error("batch publish incomplete",
		"messageCount", len(messages),
		"failed", len(failures))
	return &BatchError{Total: len(messages), Failures: failures}
}

// Batch collects messages with per-message options for PublishBatch
type Batch struct {
	publisher *MessagePublisher
	messages  []batchMessage
	mu        sync.Mutex
}

type batchMessage struct {
	message contracts.Message
	options []PublishOption
}

// NewBatch creates a new batch for the publisher
func (p *MessagePublisher) NewBatch() *Batch {
	return &Batch{publisher: p}
}

// Add adds a message to the batch
func (b *Batch) Add(msg contracts.Message, options ...PublishOption) error {
	if msg == nil {
		return fmt.Errorf("%w: message cannot be nil", contracts.ErrSerialization)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, batchMessage{message: msg, options: options})
	return nil
}

// Size returns the number of messages in the batch
func (b *Batch) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// Clear removes all messages from the batch
func (b *Batch) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
}

// Publish publishes every message of the batch in insertion order
func (b *Batch) Publish(ctx context.Context) error {
	b.mu.Lock()
	messages := make([]batchMessage, len(b.messages))
	copy(messages, b.messages)
	b.mu.Unlock()

	if len(messages) == 0 {
		return nil
	}

	var failures []BatchItemError
	for i, bm := range messages {
		if err := b.publisher.Publish(ctx, bm.message, bm.options...); err != nil {
			failures = append(failures, BatchItemError{
				Index:       i,
				MessageID:   bm.message.GetID(),
				MessageType: bm.message.GetType(),
				Err:         err,
			})
		}
	}
	if len(failures) > 0 {
		return &BatchError{Total: len(messages), Failures: failures}
	}
	return nil
}
