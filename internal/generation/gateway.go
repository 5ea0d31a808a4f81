// Package generation wraps the answer engine with a bounded timeout, per-item
// single-flight leases and failure classification.
package generation

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/shadow-review/internal/observability/metrics"
	"github.com/wolfman30/shadow-review/internal/rag"
	"github.com/wolfman30/shadow-review/pkg/logging"
)

var tracer = otel.Tracer("shadow/generation")

const (
	RoutingAutoSend       = "auto_send"
	RoutingQueueForReview = "queue_for_review"
	RoutingEscalate       = "escalate"
)

// Upstream is the answer engine contract.
type Upstream interface {
	Answer(ctx context.Context, req rag.AnswerRequest) (*rag.AnswerResponse, error)
}

// Message is one captured conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Source is a document cited by the generated answer.
type Source struct {
	Title        string `json:"title"`
	Type         string `json:"type"`
	Content      string `json:"content"`
	VersionScope string `json:"version_scope"`
}

type Request struct {
	ItemID        string
	ChannelID     string
	Version       string
	Question      string
	Messages      []Message
	Clarification string
}

type Result struct {
	Answer        string
	Sources       []Source
	Confidence    *float64
	RoutingAction string
}

// Flight is an acquired per-item generation slot.
type Flight interface {
	Generate(ctx context.Context, req Request) (*Result, error)
	Release()
}

type Options struct {
	Timeout  time.Duration
	LeaseTTL time.Duration
	Metrics  *metrics.ReviewMetrics
	Logger   *logging.Logger
}

// Gateway is the only path to the answer engine.
type Gateway struct {
	upstream Upstream
	lease    Lease
	timeout  time.Duration
	leaseTTL time.Duration
	metrics  *metrics.ReviewMetrics
	logger   *logging.Logger
}

func NewGateway(upstream Upstream, lease Lease, opts Options) *Gateway {
	if upstream == nil {
		panic("generation: upstream required")
	}
	if lease == nil {
		lease = NewMemoryLease()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	if opts.LeaseTTL <= opts.Timeout {
		opts.LeaseTTL = opts.Timeout + 15*time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	return &Gateway{
		upstream: upstream,
		lease:    lease,
		timeout:  opts.Timeout,
		leaseTTL: opts.LeaseTTL,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
}

// Timeout is the bound applied to each upstream call.
func (g *Gateway) Timeout() time.Duration { return g.timeout }

// Acquire claims the single-flight slot for itemID. It returns ErrInFlight when
// another caller holds it. A lease backend error does not block generation.
func (g *Gateway) Acquire(ctx context.Context, itemID string) (Flight, error) {
	token, ok, err := g.lease.Acquire(ctx, itemID, g.leaseTTL)
	if err != nil {
		g.logger.Warn("generation lease unavailable, continuing without it", "item_id", itemID, "error", err)
		return &flight{gateway: g, itemID: itemID}, nil
	}
	if !ok {
		g.metrics.ObserveInFlightRejection()
		return nil, ErrInFlight
	}
	return &flight{gateway: g, itemID: itemID, token: token, held: true}, nil
}

// Generate acquires, calls and releases in one step.
func (g *Gateway) Generate(ctx context.Context, req Request) (*Result, error) {
	f, err := g.Acquire(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	defer f.Release()
	return f.Generate(ctx, req)
}

type flight struct {
	gateway *Gateway
	itemID  string
	token   string
	held    bool
}

func (f *flight) Generate(ctx context.Context, req Request) (*Result, error) {
	return f.gateway.call(ctx, req)
}

func (f *flight) Release() {
	if !f.held {
		return
	}
	f.held = false
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.gateway.lease.Release(ctx, f.itemID, f.token); err != nil {
		f.gateway.logger.Warn("failed to release generation lease", "item_id", f.itemID, "error", err)
	}
}

func (g *Gateway) call(ctx context.Context, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "generation.call", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("review.item_id", req.ItemID),
		attribute.String("review.version", req.Version),
	)

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.upstream.Answer(callCtx, rag.AnswerRequest{
		ItemID:        req.ItemID,
		ChannelID:     req.ChannelID,
		Version:       req.Version,
		Question:      req.Question,
		Clarification: req.Clarification,
		History:       toRAGMessages(req.Messages),
	})
	var result *Result
	if err == nil {
		result, err = normalize(resp)
	}
	elapsed := time.Since(start).Seconds()

	if err != nil {
		genErr := Classify(err)
		g.metrics.ObserveGeneration(string(genErr.Reason), elapsed)
		span.RecordError(genErr)
		span.SetStatus(codes.Error, string(genErr.Reason))
		g.logger.Warn("generation failed",
			"item_id", req.ItemID,
			"reason", genErr.Reason,
			"retryable", genErr.Retryable,
			"error", genErr.Message,
		)
		return nil, genErr
	}

	g.metrics.ObserveGeneration("ok", elapsed)
	span.SetAttributes(attribute.String("review.routing_action", result.RoutingAction))
	g.logger.Info("generation completed",
		"item_id", req.ItemID,
		"version", req.Version,
		"sources", len(result.Sources),
		"duration_ms", int64(elapsed*1000),
	)
	return result, nil
}

func normalize(resp *rag.AnswerResponse) (*Result, error) {
	if resp == nil {
		return nil, malformed("empty response")
	}
	answer := strings.TrimSpace(resp.Answer)
	if answer == "" {
		return nil, malformed("empty answer")
	}
	if resp.Confidence != nil && (*resp.Confidence < 0 || *resp.Confidence > 1) {
		return nil, malformed("confidence %v outside 0..1", *resp.Confidence)
	}
	action, err := NormalizeRoutingAction(resp.RoutingAction)
	if err != nil {
		return nil, err
	}

	sources := make([]Source, 0, len(resp.Sources))
	for _, s := range resp.Sources {
		sources = append(sources, Source{
			Title:        s.Title,
			Type:         s.Type,
			Content:      s.Content,
			VersionScope: s.VersionScope,
		})
	}
	var confidence *float64
	if resp.Confidence != nil {
		c := *resp.Confidence
		confidence = &c
	}
	return &Result{
		Answer:        answer,
		Sources:       sources,
		Confidence:    confidence,
		RoutingAction: action,
	}, nil
}

// NormalizeRoutingAction maps engine spellings onto the known actions.
// An empty value means the answer should be queued for review.
func NormalizeRoutingAction(raw string) (string, error) {
	action := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
	switch action {
	case "":
		return RoutingQueueForReview, nil
	case RoutingAutoSend, RoutingQueueForReview, RoutingEscalate:
		return action, nil
	default:
		return "", malformed("unknown routing action %q", raw)
	}
}

func toRAGMessages(msgs []Message) []rag.Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]rag.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, rag.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
