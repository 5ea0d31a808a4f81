package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/shadow-review/internal/generation"
	"github.com/wolfman30/shadow-review/internal/observability/metrics"
	"github.com/wolfman30/shadow-review/pkg/logging"
)

var tracer = otel.Tracer("shadow/review")

// Generator hands out per-item generation slots.
type Generator interface {
	Acquire(ctx context.Context, itemID string) (generation.Flight, error)
}

// Exporter receives every item that reaches a terminal status.
type Exporter interface {
	ExportDecision(ctx context.Context, item *QueueItem) error
}

// Meta carries who is acting and, optionally, the status the caller believes
// the item is in.
type Meta struct {
	Actor          string
	ExpectedStatus Status
}

// Outcome is the result of Apply. GenerationError is set when a generation
// attempt failed and the item landed in rag_failed.
type Outcome struct {
	Item            *QueueItem
	GenerationError *generation.Error
	Deleted         bool
}

type EngineOptions struct {
	SupportedVersions []string
	Audit             AuditLog
	Stats             *StatsAggregator
	Broadcaster       *Broadcaster
	Exporter          Exporter
	Metrics           *metrics.ReviewMetrics
	Logger            *logging.Logger
	// FinalizeTimeout bounds the write that lands a generation result after
	// the caller's context is gone.
	FinalizeTimeout time.Duration
}

// Engine enforces the review state graph on top of a Store.
type Engine struct {
	store           Store
	generator       Generator
	versions        map[string]struct{}
	audit           AuditLog
	stats           *StatsAggregator
	broadcaster     *Broadcaster
	exporter        Exporter
	metrics         *metrics.ReviewMetrics
	logger          *logging.Logger
	finalizeTimeout time.Duration
	now             func() time.Time
	newID           func() string
}

func NewEngine(store Store, generator Generator, opts EngineOptions) *Engine {
	if store == nil {
		panic("review: store required")
	}
	if generator == nil {
		panic("review: generator required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 10 * time.Second
	}
	versions := opts.SupportedVersions
	if len(versions) == 0 {
		versions = []string{"bisq1", "bisq2"}
	}
	supported := make(map[string]struct{}, len(versions))
	for _, v := range versions {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" && v != VersionUnknown {
			supported[v] = struct{}{}
		}
	}
	return &Engine{
		store:           store,
		generator:       generator,
		versions:        supported,
		audit:           opts.Audit,
		stats:           opts.Stats,
		broadcaster:     opts.Broadcaster,
		exporter:        opts.Exporter,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		finalizeTimeout: opts.FinalizeTimeout,
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
	}
}

func (e *Engine) supported(version string) bool {
	_, ok := e.versions[version]
	return ok
}

// Create inserts a new item in pending_version_review. source labels the
// ingestion path for metrics ("api", "sqs").
func (e *Engine) Create(ctx context.Context, req CreateRequest, source string) (*QueueItem, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = e.newID()
	}
	item := NewQueueItem(req, id, e.now())
	if err := e.store.Create(ctx, item); err != nil {
		return nil, err
	}
	e.metrics.ObserveItemCreated(source)
	e.logger.Info("review item created", "item_id", item.ID, "channel_id", item.ChannelID, "source", source)
	e.afterChange(ctx, TransitionCreate, "", item, "", AuditDetails{})
	return item, nil
}

func (e *Engine) Get(ctx context.Context, id string) (*QueueItem, error) {
	return e.store.Get(ctx, id)
}

func (e *Engine) List(ctx context.Context, filter ListFilter) ([]*QueueItem, int, error) {
	return e.store.List(ctx, filter)
}

// History returns the audit trail for an item. Deleted items keep their history.
func (e *Engine) History(ctx context.Context, id string) ([]AuditEntry, error) {
	if e.audit == nil {
		return []AuditEntry{}, nil
	}
	return e.audit.History(ctx, id)
}

// Apply runs one operation against an item.
func (e *Engine) Apply(ctx context.Context, id string, op Operation, meta Meta) (out *Outcome, err error) {
	if op == nil {
		return nil, &ValidationError{Field: "operation", Message: "operation is required"}
	}
	transition := op.Transition()
	ctx, span := tracer.Start(ctx, "review.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("review.item_id", id),
		attribute.String("review.transition", transition),
	)
	defer func() {
		e.metrics.ObserveTransition(transition, outcomeLabel(err))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcomeLabel(err))
		}
	}()

	item, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if meta.ExpectedStatus != "" && meta.ExpectedStatus != item.Status {
		return nil, conflict(meta.ExpectedStatus, item.Status)
	}
	if !allowedFrom(op, item.Status) {
		return nil, conflict(op.sources()[0], item.Status)
	}

	switch o := op.(type) {
	case ConfirmVersion:
		c, err := e.validateConfirm(item, o)
		if err != nil {
			return nil, err
		}
		return e.generate(ctx, item, transition, meta.Actor, c.apply)
	case RetryGeneration:
		return e.generate(ctx, item, transition, meta.Actor, nil)
	case Skip:
		reason, err := normalizeReason("reason", o.Reason)
		if err != nil {
			return nil, err
		}
		return e.simple(ctx, item, transition, meta.Actor, AuditDetails{Reason: reason}, func(it *QueueItem) error {
			it.Status = StatusSkipped
			it.SkipReason = reason
			return nil
		})
	case Edit:
		if strings.TrimSpace(o.Text) == "" {
			return nil, &ValidationError{Field: "text", Message: "edited text must not be empty"}
		}
		draft := draftFor(item, o.Text)
		return e.simple(ctx, item, transition, meta.Actor, AuditDetails{TextChanged: draft != ""}, func(it *QueueItem) error {
			it.EditedResponse = draft
			return nil
		})
	case Approve:
		draft := item.EditedResponse
		if strings.TrimSpace(o.EditedResponse) != "" {
			draft = draftFor(item, o.EditedResponse)
		} else if draft != "" {
			draft = draftFor(item, draft)
		}
		target := StatusApproved
		if draft != "" {
			target = StatusEdited
		}
		return e.simple(ctx, item, transition, meta.Actor, AuditDetails{TextChanged: draft != ""}, func(it *QueueItem) error {
			it.EditedResponse = draft
			it.Status = target
			return nil
		})
	case Reject:
		reason, err := normalizeReason("reason", o.Reason)
		if err != nil {
			return nil, err
		}
		return e.simple(ctx, item, transition, meta.Actor, AuditDetails{Reason: reason}, func(it *QueueItem) error {
			it.Status = StatusRejected
			it.RejectReason = reason
			return nil
		})
	case Delete:
		if err := e.store.Delete(ctx, id); err != nil {
			return nil, err
		}
		e.logger.Info("review item deleted", "item_id", id, "actor", meta.Actor, "status", item.Status)
		e.afterChange(ctx, transition, item.Status, &QueueItem{ID: id}, meta.Actor, AuditDetails{})
		return &Outcome{Item: item, Deleted: true}, nil
	default:
		return nil, &ValidationError{Field: "operation", Message: fmt.Sprintf("unsupported operation %T", op)}
	}
}

// simple performs a single CAS transition with no external call.
func (e *Engine) simple(ctx context.Context, item *QueueItem, transition, actor string, details AuditDetails, mutate Mutator) (*Outcome, error) {
	from := item.Status
	updated, err := e.store.Update(ctx, item.ID, from, func(it *QueueItem) error {
		if err := mutate(it); err != nil {
			return err
		}
		it.ReviewedBy = actor
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("review transition applied",
		"item_id", updated.ID,
		"transition", transition,
		"from", from,
		"to", updated.Status,
		"actor", actor,
	)
	e.afterChange(ctx, transition, from, updated, actor, details)
	return &Outcome{Item: updated}, nil
}

// generate moves the item to generating, calls the gateway and lands the
// result. The final write happens even if ctx is cancelled, so the item
// never stays in generating once control returns.
func (e *Engine) generate(ctx context.Context, item *QueueItem, transition, actor string, confirm func(*QueueItem)) (*Outcome, error) {
	from := item.Status

	flight, err := e.generator.Acquire(ctx, item.ID)
	if err != nil {
		if errors.Is(err, generation.ErrInFlight) {
			return nil, &ConflictError{Expected: from, Current: item.Status, InFlight: true}
		}
		return nil, fmt.Errorf("review: acquire generation: %w", err)
	}
	defer flight.Release()

	started, err := e.store.Update(ctx, item.ID, from, func(it *QueueItem) error {
		now := e.now()
		if confirm != nil {
			confirm(it)
			it.VersionConfirmedAt = &now
		}
		it.Status = StatusGenerating
		it.GenerationStartedAt = &now
		it.ReviewedBy = actor
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(transition, from, started, actor)

	result, callErr := flight.Generate(ctx, generation.Request{
		ItemID:        started.ID,
		ChannelID:     started.ChannelID,
		Version:       started.GenerationVersion(),
		Question:      started.Question(),
		Messages:      toGenerationMessages(started.Messages),
		Clarification: started.ClarifyingQuestion,
	})
	genErr := generation.Classify(callErr)

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.finalizeTimeout)
	defer cancel()

	final, err := e.store.Update(finalCtx, started.ID, StatusGenerating, func(it *QueueItem) error {
		it.GenerationStartedAt = nil
		if genErr != nil {
			it.Status = StatusRagFailed
			it.RagError = genErr.Message
			it.RagErrorReason = string(genErr.Reason)
			it.RagErrorRetryable = genErr.Retryable
			it.RetryCount++
			return nil
		}
		now := e.now()
		it.Status = StatusPendingResponseReview
		it.GeneratedResponse = result.Answer
		it.Sources = append([]Source(nil), result.Sources...)
		it.Confidence = cloneFloat(result.Confidence)
		it.RoutingAction = result.RoutingAction
		it.ResponseGeneratedAt = &now
		it.EditedResponse = ""
		it.RagErrorRetryable = false
		return nil
	})
	if err != nil {
		e.logger.Error("failed to land generation result",
			"item_id", started.ID,
			"transition", transition,
			"error", err,
		)
		return nil, fmt.Errorf("review: finalize generation: %w", err)
	}

	details := AuditDetails{RetryCount: final.RetryCount}
	if confirm != nil {
		details.ConfirmedVersion = final.ConfirmedVersion
		details.DetectedVersion = final.DetectedVersion
		details.VersionChangeReason = final.VersionChangeReason
		details.TrainingVersion = final.TrainingVersion
	}
	if genErr != nil {
		details.GenerationError = genErr.Message
		details.GenerationReason = string(genErr.Reason)
	}
	e.logger.Info("review generation finished",
		"item_id", final.ID,
		"transition", transition,
		"status", final.Status,
		"retry_count", final.RetryCount,
		"actor", actor,
	)
	e.afterChange(finalCtx, transition, from, final, actor, details)
	return &Outcome{Item: final, GenerationError: genErr}, nil
}

// ReclaimStale resolves items stuck in generating since before cutoff to
// rag_failed. It returns how many items were reclaimed.
func (e *Engine) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := e.store.StaleGenerating(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, id := range ids {
		item, err := e.store.Update(ctx, id, StatusGenerating, func(it *QueueItem) error {
			if it.GenerationStartedAt != nil && !it.GenerationStartedAt.Before(cutoff) {
				return conflict(StatusGenerating, StatusGenerating)
			}
			it.Status = StatusRagFailed
			it.RagError = "generation lease expired"
			it.RagErrorReason = string(generation.ReasonTimeout)
			it.RagErrorRetryable = true
			it.RetryCount++
			it.GenerationStartedAt = nil
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
				continue
			}
			return reclaimed, err
		}
		reclaimed++
		e.logger.Warn("reclaimed stale generation", "item_id", id, "retry_count", item.RetryCount)
		e.afterChange(ctx, TransitionReclaim, StatusGenerating, item, "system", AuditDetails{
			GenerationError:  item.RagError,
			GenerationReason: item.RagErrorReason,
			RetryCount:       item.RetryCount,
		})
	}
	e.metrics.ObserveLeaseReclaimed(reclaimed)
	return reclaimed, nil
}

func (e *Engine) publish(transition string, from Status, item *QueueItem, actor string) {
	e.broadcaster.Publish(Event{
		Type:       "transition",
		Transition: transition,
		ItemID:     item.ID,
		FromStatus: from,
		ToStatus:   item.Status,
		Actor:      actor,
		Item:       item.Clone(),
	})
}

// afterChange runs the side effects of a committed change. Failures here are
// logged and never undo the change.
func (e *Engine) afterChange(ctx context.Context, transition string, from Status, item *QueueItem, actor string, details AuditDetails) {
	if e.audit != nil {
		raw, _ := json.Marshal(details)
		entry := AuditEntry{
			ItemID:     item.ID,
			Transition: transition,
			FromStatus: from,
			ToStatus:   item.Status,
			Actor:      actor,
			Details:    raw,
			CreatedAt:  e.now(),
		}
		if err := e.audit.Record(ctx, entry); err != nil {
			e.logger.Error("failed to record audit entry", "item_id", item.ID, "transition", transition, "error", err)
		}
	}
	e.stats.Invalidate(ctx)

	if transition == TransitionDelete {
		e.broadcaster.Publish(Event{Type: "deleted", Transition: transition, ItemID: item.ID, FromStatus: from, Actor: actor})
	} else {
		e.publish(transition, from, item, actor)
	}

	if e.exporter != nil && item.Status.Terminal() {
		if err := e.exporter.ExportDecision(ctx, item); err != nil {
			e.logger.Error("failed to export review decision", "item_id", item.ID, "status", item.Status, "error", err)
		}
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, generation.ErrInFlight):
		return "in_flight"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return "validation_error"
	}
	return "error"
}

func toGenerationMessages(msgs []Message) []generation.Message {
	out := make([]generation.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, generation.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
