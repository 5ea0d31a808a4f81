package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/shadow-review/internal/review"
	"github.com/wolfman30/shadow-review/pkg/logging"
)

// Creator is the subset of review.Engine used by the worker.
type Creator interface {
	Create(ctx context.Context, req review.CreateRequest, source string) (*review.QueueItem, error)
}

const (
	defaultWorkerCount  = 2
	defaultWaitSeconds  = 10
	defaultBatchSize    = 5
	maxWaitSeconds      = 20
	maxReceiveBatchSize = 10
	deleteTimeout       = 5 * time.Second
	initialBackoff      = time.Second
	maxBackoff          = 5 * time.Second
	ingestSource        = "sqs"
)

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
}

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// Worker consumes create requests from the queue.
type Worker struct {
	creator Creator
	queue   Queue
	logger  *logging.Logger
	cfg     workerConfig
	wg      sync.WaitGroup
}

func NewWorker(creator Creator, queue Queue, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if creator == nil {
		panic("ingest: creator cannot be nil")
	}
	if queue == nil {
		panic("ingest: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{creator: creator, queue: queue, logger: logger, cfg: cfg}
}

// Start launches the consumer goroutines. They stop when ctx is done.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until every consumer has stopped.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("ingest worker started", "worker_id", workerID)

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("ingest worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive ingest messages", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = initialBackoff

		for _, msg := range messages {
			w.HandleMessage(ctx, msg)
		}
	}
}

// HandleMessage creates one item from msg. Malformed or invalid bodies are
// dropped; store failures leave the message for redelivery.
func (w *Worker) HandleMessage(ctx context.Context, msg Message) {
	var req review.CreateRequest
	if err := json.Unmarshal([]byte(msg.Body), &req); err != nil {
		w.logger.Error("dropping undecodable ingest message", "msg_id", msg.ID, "error", err)
		w.deleteMessage(msg)
		return
	}
	// The queue message id survives redelivery, so it keys the item when the
	// producer did not pick one.
	if strings.TrimSpace(req.ID) == "" {
		req.ID = msg.ID
	}

	item, err := w.creator.Create(ctx, req, ingestSource)
	if err != nil {
		var ve *review.ValidationError
		switch {
		case errors.As(err, &ve):
			w.logger.Warn("dropping invalid ingest message", "msg_id", msg.ID, "field", ve.Field, "error", ve.Message)
			w.deleteMessage(msg)
		case errors.Is(err, review.ErrAlreadyExists):
			w.logger.Info("ingest message already applied", "msg_id", msg.ID, "item_id", req.ID)
			w.deleteMessage(msg)
		default:
			w.logger.Error("failed to create review item, leaving message for redelivery", "msg_id", msg.ID, "error", err)
		}
		return
	}

	w.logger.Debug("ingested review item", "msg_id", msg.ID, "item_id", item.ID, "channel_id", item.ChannelID)
	w.deleteMessage(msg)
}

func (w *Worker) deleteMessage(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()
	if err := w.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		w.logger.Error("failed to delete ingest message", "msg_id", msg.ID, "error", err)
	}
}
