// Package bus provides the bounded message queues connecting channel
// adapters to the agent loop.
package bus

import (
	"context"
	"fmt"

	"github.com/meridianhq/conduit/internal/observability"
	"github.com/meridianhq/conduit/pkg/models"
)

const defaultQueueSize = 100

// Config sizes the two queues. Zero values fall back to 100.
type Config struct {
	InboundSize  int
	OutboundSize int

	// Metrics, when set, receives queue-depth gauge updates.
	Metrics *observability.Metrics
}

// Bus carries inbound messages from adapters to the agent loop and
// outbound replies back. Both queues are bounded FIFOs; a full queue
// blocks the publisher until the context is done, surfacing
// back-pressure as a context error.
type Bus struct {
	inbound  chan models.InboundMessage
	outbound chan models.OutboundMessage
	metrics  *observability.Metrics
}

// New creates a bus with the configured queue capacities.
func New(cfg Config) *Bus {
	if cfg.InboundSize <= 0 {
		cfg.InboundSize = defaultQueueSize
	}
	if cfg.OutboundSize <= 0 {
		cfg.OutboundSize = defaultQueueSize
	}
	return &Bus{
		inbound:  make(chan models.InboundMessage, cfg.InboundSize),
		outbound: make(chan models.OutboundMessage, cfg.OutboundSize),
		metrics:  cfg.Metrics,
	}
}

// PublishInbound enqueues a message for the agent loop. Blocks while
// the queue is full until ctx is done.
func (b *Bus) PublishInbound(ctx context.Context, msg models.InboundMessage) error {
	select {
	case b.inbound <- msg:
		b.recordDepths()
		if b.metrics != nil {
			b.metrics.MessageReceived(msg.Channel)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish inbound: %w", ctx.Err())
	}
}

// ConsumeInbound dequeues the next inbound message, blocking up to
// the caller's deadline. The agent loop polls with a 1s deadline so
// it can observe stop requests.
func (b *Bus) ConsumeInbound(ctx context.Context) (models.InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		b.recordDepths()
		return msg, nil
	case <-ctx.Done():
		return models.InboundMessage{}, ctx.Err()
	}
}

// PublishOutbound enqueues a reply for channel adapters. Blocks while
// the queue is full until ctx is done.
func (b *Bus) PublishOutbound(ctx context.Context, msg models.OutboundMessage) error {
	select {
	case b.outbound <- msg:
		b.recordDepths()
		if b.metrics != nil {
			b.metrics.MessageSent(msg.Channel)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish outbound: %w", ctx.Err())
	}
}

// SubscribeOutbound exposes the outbound queue for a channel adapter
// to range over. Depth gauges lag by one message on this path since
// receives bypass the bus.
func (b *Bus) SubscribeOutbound() <-chan models.OutboundMessage {
	return b.outbound
}

// InboundDepth reports the number of queued inbound messages.
func (b *Bus) InboundDepth() int {
	return len(b.inbound)
}

// OutboundDepth reports the number of queued outbound messages.
func (b *Bus) OutboundDepth() int {
	return len(b.outbound)
}

func (b *Bus) recordDepths() {
	if b.metrics == nil {
		return
	}
	b.metrics.SetQueueDepth("inbound", len(b.inbound))
	b.metrics.SetQueueDepth("outbound", len(b.outbound))
}
