// Package ingest consumes captured conversation turns from a queue and turns
// them into review queue items.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wolfman30/shadow-review/internal/review"
)

// Queue is the minimal queue surface the worker and publisher need.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Message is one received queue message.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// Publisher enqueues create requests for the ingest worker.
type Publisher struct {
	queue Queue
}

func NewPublisher(queue Queue) *Publisher {
	if queue == nil {
		panic("ingest: queue cannot be nil")
	}
	return &Publisher{queue: queue}
}

// Publish validates and enqueues a create request.
func (p *Publisher) Publish(ctx context.Context, req review.CreateRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("ingest: encode create request: %w", err)
	}
	return p.queue.Send(ctx, string(body))
}
