// Package queue provides the campaign job queue.
//
// Campaign recipient jobs are published at campaign creation and consumed by
// workers. A RabbitMQ backend is used in production; an in-memory backend
// serves tests and single-process deployments.
package queue

import (
	"fmt"
	"log/slog"
	"sync"
)

// TopicCampaignSends is the queue topic carrying campaign recipient jobs.
const TopicCampaignSends = "campaign_sends"

// Handler consumes one message body. A non-nil error means the message was
// not processed.
type Handler func(body []byte) error

// Queue is the publish/subscribe surface the campaign runner and workers use.
type Queue interface {
	// Publish enqueues one message on a topic.
	Publish(topic string, body []byte) error

	// Subscribe registers a handler for a topic. Messages are delivered
	// asynchronously, one handler invocation per message.
	Subscribe(topic string, handler Handler) error

	// Close releases the queue's resources.
	Close() error
}

// InMemoryQueue delivers messages to subscribers within the same process.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	wg       sync.WaitGroup
	closed   bool
}

// Compile-time check that InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

// NewInMemoryQueue creates an empty in-memory queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{handlers: make(map[string][]Handler)}
}

// Publish delivers the message to every subscriber of the topic. Delivery is
// asynchronous; handler errors are logged, not returned.
func (q *InMemoryQueue) Publish(topic string, body []byte) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue is closed")
	}
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		h := handler
		msg := make([]byte, len(body))
		copy(msg, body)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			if err := h(msg); err != nil {
				slog.Error("InMemoryQueue handler failed", "topic", topic, "error", err)
			}
		}()
	}
	return nil
}

// Subscribe registers a handler for the topic.
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue is closed")
	}
	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Close waits for in-flight deliveries to finish.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}
