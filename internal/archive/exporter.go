package archive

import (
	"context"
	"time"

	"github.com/wolfman30/shadow-review/internal/review"
)

// DecisionExporter turns terminal review items into scrubbed decision records.
type DecisionExporter struct {
	store *Store
	now   func() time.Time
}

// NewDecisionExporter returns nil when the store is not enabled, so callers
// can pass the result straight into review.EngineOptions.
func NewDecisionExporter(store *Store) *DecisionExporter {
	if !store.Enabled() {
		return nil
	}
	return &DecisionExporter{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// ExportDecision archives item. Non-terminal items are ignored.
func (e *DecisionExporter) ExportDecision(ctx context.Context, item *review.QueueItem) error {
	if e == nil || item == nil || !item.Status.Terminal() {
		return nil
	}
	return e.store.ArchiveDecision(ctx, BuildRecord(item, e.now()))
}

// BuildRecord converts a reviewed item to its scrubbed archive form.
func BuildRecord(item *review.QueueItem, archivedAt time.Time) *DecisionRecord {
	msgs := make([]Message, 0, len(item.Messages))
	for _, m := range item.Messages {
		msgs = append(msgs, Message{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp})
	}
	ScrubMessages(msgs)

	var titles []string
	for _, src := range item.Sources {
		if src.Title != "" {
			titles = append(titles, src.Title)
		}
	}

	rec := &DecisionRecord{
		Version:             RecordVersion,
		ItemID:              item.ID,
		Channel:             item.ChannelID,
		UserHash:            HashUser(item.UserID),
		Outcome:             string(item.Status),
		Question:            ScrubPII(item.Question()),
		Messages:            msgs,
		DetectedVersion:     item.DetectedVersion,
		ConfirmedVersion:    item.ConfirmedVersion,
		TrainingVersion:     item.TrainingVersion,
		VersionChangeReason: item.VersionChangeReason,
		ClarifyingQuestion:  item.ClarifyingQuestion,
		GeneratedResponse:   ScrubPII(item.GeneratedResponse),
		Confidence:          item.Confidence,
		RoutingAction:       item.RoutingAction,
		SourceTitles:        titles,
		SkipReason:          item.SkipReason,
		RejectReason:        item.RejectReason,
		RetryCount:          item.RetryCount,
		ReviewedBy:          item.ReviewedBy,
		CreatedAt:           item.CreatedAt,
		ReviewedAt:          item.UpdatedAt,
		ArchivedAt:          archivedAt,
	}
	if item.Status == review.StatusApproved || item.Status == review.StatusEdited {
		rec.FinalResponse = ScrubPII(item.FinalResponse())
	}
	return rec
}
