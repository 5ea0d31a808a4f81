package review

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// itemColumns is the column order shared by the SQL stores.
var itemColumns = []string{
	"id", "channel_id", "user_id", "messages", "synthesized_question",
	"detected_version", "version_confidence", "detection_signals",
	"confirmed_version", "version_change_reason", "training_version",
	"requires_clarification", "clarifying_question", "clarification_source",
	"generated_response", "sources", "confidence", "routing_action",
	"edited_response", "rag_error", "rag_error_reason", "rag_error_retryable", "retry_count",
	"skip_reason", "reject_reason", "reviewed_by", "status",
	"created_at", "version_confirmed_at", "generation_started_at", "response_generated_at", "updated_at",
}

var itemColumnList = strings.Join(itemColumns, ", ")

type rowScanner interface {
	Scan(dest ...any) error
}

// encodedJSON holds the JSON-encoded composite fields of an item.
type encodedJSON struct {
	messages []byte
	signals  []byte
	sources  []byte
}

func encodeItemJSON(item *QueueItem) (encodedJSON, error) {
	var out encodedJSON
	var err error
	msgs := item.Messages
	if msgs == nil {
		msgs = []Message{}
	}
	if out.messages, err = json.Marshal(msgs); err != nil {
		return out, fmt.Errorf("review: encode messages: %w", err)
	}
	signals := item.DetectionSignals
	if signals == nil {
		signals = map[string]float64{}
	}
	if out.signals, err = json.Marshal(signals); err != nil {
		return out, fmt.Errorf("review: encode detection signals: %w", err)
	}
	sources := item.Sources
	if sources == nil {
		sources = []Source{}
	}
	if out.sources, err = json.Marshal(sources); err != nil {
		return out, fmt.Errorf("review: encode sources: %w", err)
	}
	return out, nil
}

func decodeItemJSON(item *QueueItem, messages, signals, sources []byte) error {
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &item.Messages); err != nil {
			return fmt.Errorf("review: decode messages: %w", err)
		}
	}
	if len(signals) > 0 {
		if err := json.Unmarshal(signals, &item.DetectionSignals); err != nil {
			return fmt.Errorf("review: decode detection signals: %w", err)
		}
		if len(item.DetectionSignals) == 0 {
			item.DetectionSignals = nil
		}
	}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &item.Sources); err != nil {
			return fmt.Errorf("review: decode sources: %w", err)
		}
		if len(item.Sources) == 0 {
			item.Sources = nil
		}
	}
	return nil
}

func placeholders(n int, bind func(i int) string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = bind(i + 1)
	}
	return strings.Join(parts, ", ")
}

// updateAssignments renders "col = $n" for every column except id and created_at.
func updateAssignments(bind func(i int) string) (string, int) {
	parts := make([]string, 0, len(itemColumns))
	n := 0
	for _, col := range itemColumns {
		if col == "id" || col == "created_at" {
			continue
		}
		n++
		parts = append(parts, fmt.Sprintf("%s = %s", col, bind(n)))
	}
	return strings.Join(parts, ", "), n
}

type timeEncoder func(t *time.Time) any

// itemArgs returns column values in itemColumns order.
func itemArgs(item *QueueItem, enc encodedJSON, encodeTime timeEncoder) []any {
	var confidence any
	if item.Confidence != nil {
		confidence = *item.Confidence
	}
	created := item.CreatedAt
	updated := item.UpdatedAt
	return []any{
		item.ID, item.ChannelID, item.UserID, enc.messages, item.SynthesizedQuestion,
		item.DetectedVersion, item.VersionConfidence, enc.signals,
		item.ConfirmedVersion, item.VersionChangeReason, item.TrainingVersion,
		item.RequiresClarification, item.ClarifyingQuestion, item.ClarificationSource,
		item.GeneratedResponse, enc.sources, confidence, item.RoutingAction,
		item.EditedResponse, item.RagError, item.RagErrorReason, item.RagErrorRetryable, item.RetryCount,
		item.SkipReason, item.RejectReason, item.ReviewedBy, string(item.Status),
		encodeTime(&created), encodeTime(item.VersionConfirmedAt), encodeTime(item.GenerationStartedAt),
		encodeTime(item.ResponseGeneratedAt), encodeTime(&updated),
	}
}

// updateArgs drops id and created_at from itemArgs, then appends the WHERE values.
func updateArgs(args []any, id string, expected Status) []any {
	out := make([]any, 0, len(args))
	for i, col := range itemColumns {
		if col == "id" || col == "created_at" {
			continue
		}
		out = append(out, args[i])
	}
	return append(out, id, string(expected))
}
