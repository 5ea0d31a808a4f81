// Package review implements the shadow-mode review queue: the queue item model,
// its stores, and the transition engine that moves items through review.
package review

import (
	"strings"
	"time"

	"github.com/wolfman30/shadow-review/internal/generation"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPendingVersionReview  Status = "pending_version_review"
	StatusGenerating            Status = "generating"
	StatusPendingResponseReview Status = "pending_response_review"
	StatusRagFailed             Status = "rag_failed"
	StatusApproved              Status = "approved"
	StatusEdited                Status = "edited"
	StatusRejected              Status = "rejected"
	StatusSkipped               Status = "skipped"
)

// AllStatuses lists every persisted status in lifecycle order.
var AllStatuses = []Status{
	StatusPendingVersionReview,
	StatusGenerating,
	StatusPendingResponseReview,
	StatusRagFailed,
	StatusApproved,
	StatusEdited,
	StatusRejected,
	StatusSkipped,
}

func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition (other than delete) is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusEdited, StatusRejected, StatusSkipped:
		return true
	}
	return false
}

// Listable reports whether s may be used as a list filter.
func (s Status) Listable() bool {
	return s.Valid() && s != StatusGenerating
}

// ParseStatus normalizes a status string from a request.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", &ValidationError{Field: "status", Message: "unknown status " + raw}
	}
	return s, nil
}

const VersionUnknown = "unknown"

const ClarificationSourceModerator = "moderator"

// Message is one captured conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Source is a document cited by the generated response.
type Source = generation.Source

// QueueItem is one captured conversation turn moving through review.
type QueueItem struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	Messages  []Message `json:"messages"`

	SynthesizedQuestion string `json:"synthesized_question,omitempty"`

	DetectedVersion   string             `json:"detected_version"`
	VersionConfidence float64            `json:"version_confidence"`
	DetectionSignals  map[string]float64 `json:"detection_signals,omitempty"`

	ConfirmedVersion      string `json:"confirmed_version,omitempty"`
	VersionChangeReason   string `json:"version_change_reason,omitempty"`
	TrainingVersion       string `json:"training_version,omitempty"`
	RequiresClarification bool   `json:"requires_clarification"`
	ClarifyingQuestion    string `json:"clarifying_question,omitempty"`
	ClarificationSource   string `json:"clarification_source,omitempty"`

	GeneratedResponse string   `json:"generated_response,omitempty"`
	Sources           []Source `json:"sources,omitempty"`
	Confidence        *float64 `json:"confidence,omitempty"`
	RoutingAction     string   `json:"routing_action,omitempty"`

	EditedResponse string `json:"edited_response,omitempty"`

	// RagError and RagErrorReason describe the last failed generation and
	// survive a later success. RagErrorRetryable is only set while rag_failed.
	RagError          string `json:"rag_error,omitempty"`
	RagErrorReason    string `json:"rag_error_reason,omitempty"`
	RagErrorRetryable bool   `json:"rag_error_retryable"`
	RetryCount        int    `json:"retry_count"`

	SkipReason   string `json:"skip_reason,omitempty"`
	RejectReason string `json:"reject_reason,omitempty"`
	ReviewedBy   string `json:"reviewed_by,omitempty"`

	Status Status `json:"status"`

	CreatedAt           time.Time  `json:"created_at"`
	VersionConfirmedAt  *time.Time `json:"version_confirmed_at,omitempty"`
	GenerationStartedAt *time.Time `json:"generation_started_at,omitempty"`
	ResponseGeneratedAt *time.Time `json:"response_generated_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Question returns the text sent to the answer engine: the synthesized
// question when present, otherwise the last user message.
func (q *QueueItem) Question() string {
	if s := strings.TrimSpace(q.SynthesizedQuestion); s != "" {
		return s
	}
	for i := len(q.Messages) - 1; i >= 0; i-- {
		if q.Messages[i].Role == "user" && strings.TrimSpace(q.Messages[i].Content) != "" {
			return strings.TrimSpace(q.Messages[i].Content)
		}
	}
	if n := len(q.Messages); n > 0 {
		return strings.TrimSpace(q.Messages[n-1].Content)
	}
	return ""
}

// GenerationVersion is the version the answer engine should answer for.
func (q *QueueItem) GenerationVersion() string {
	if q.ConfirmedVersion == VersionUnknown {
		return q.TrainingVersion
	}
	return q.ConfirmedVersion
}

// FinalResponse is the text recorded as the review outcome.
func (q *QueueItem) FinalResponse() string {
	if q.Status == StatusEdited && q.EditedResponse != "" {
		return q.EditedResponse
	}
	return q.GeneratedResponse
}

// Clone returns a deep copy.
func (q *QueueItem) Clone() *QueueItem {
	if q == nil {
		return nil
	}
	out := *q
	if q.Messages != nil {
		out.Messages = append([]Message(nil), q.Messages...)
	}
	if q.DetectionSignals != nil {
		out.DetectionSignals = make(map[string]float64, len(q.DetectionSignals))
		for k, v := range q.DetectionSignals {
			out.DetectionSignals[k] = v
		}
	}
	if q.Sources != nil {
		out.Sources = append([]Source(nil), q.Sources...)
	}
	out.Confidence = cloneFloat(q.Confidence)
	out.VersionConfirmedAt = cloneTime(q.VersionConfirmedAt)
	out.GenerationStartedAt = cloneTime(q.GenerationStartedAt)
	out.ResponseGeneratedAt = cloneTime(q.ResponseGeneratedAt)
	return &out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// CreateRequest is the ingestion boundary payload.
type CreateRequest struct {
	ID                  string             `json:"id,omitempty"`
	ChannelID           string             `json:"channel_id"`
	UserID              string             `json:"user_id"`
	Messages            []Message          `json:"messages"`
	SynthesizedQuestion string             `json:"synthesized_question,omitempty"`
	DetectedVersion     string             `json:"detected_version,omitempty"`
	VersionConfidence   float64            `json:"version_confidence,omitempty"`
	DetectionSignals    map[string]float64 `json:"detection_signals,omitempty"`
}

// Validate checks the create request.
func (r *CreateRequest) Validate() error {
	if strings.TrimSpace(r.ChannelID) == "" {
		return &ValidationError{Field: "channel_id", Message: "channel_id is required"}
	}
	if len(r.Messages) == 0 {
		return &ValidationError{Field: "messages", Message: "at least one message is required"}
	}
	for _, m := range r.Messages {
		if strings.TrimSpace(m.Content) == "" {
			return &ValidationError{Field: "messages", Message: "message content must not be empty"}
		}
	}
	if r.VersionConfidence < 0 || r.VersionConfidence > 1 {
		return &ValidationError{Field: "version_confidence", Message: "version_confidence must be between 0 and 1"}
	}
	return nil
}

// NewQueueItem builds a pending item from a validated create request.
func NewQueueItem(req CreateRequest, id string, now time.Time) *QueueItem {
	item := &QueueItem{
		ID:                  id,
		ChannelID:           strings.TrimSpace(req.ChannelID),
		UserID:              strings.TrimSpace(req.UserID),
		Messages:            append([]Message(nil), req.Messages...),
		SynthesizedQuestion: strings.TrimSpace(req.SynthesizedQuestion),
		DetectedVersion:     strings.ToLower(strings.TrimSpace(req.DetectedVersion)),
		VersionConfidence:   req.VersionConfidence,
		Status:              StatusPendingVersionReview,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if len(req.DetectionSignals) > 0 {
		item.DetectionSignals = make(map[string]float64, len(req.DetectionSignals))
		for k, v := range req.DetectionSignals {
			item.DetectionSignals[k] = v
		}
	}
	return item
}

// ListFilter narrows a List call.
type ListFilter struct {
	Status    Status
	ChannelID string
	Limit     int
	Offset    int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Normalize applies defaults and validates the filter.
func (f ListFilter) Normalize() (ListFilter, error) {
	if f.Status != "" && !f.Status.Listable() {
		return f, &ValidationError{Field: "status", Message: "status " + string(f.Status) + " cannot be listed"}
	}
	if f.Offset < 0 {
		return f, &ValidationError{Field: "offset", Message: "offset must not be negative"}
	}
	if f.Limit < 0 {
		return f, &ValidationError{Field: "limit", Message: "limit must not be negative"}
	}
	if f.Limit == 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	f.ChannelID = strings.TrimSpace(f.ChannelID)
	return f, nil
}

// StatusCounts is the raw aggregate returned by a store.
type StatusCounts struct {
	ByStatus        map[Status]int
	ConfidenceSum   float64
	ConfidenceCount int
}
