package archive

import "time"

// RecordVersion is the schema version of DecisionRecord.
const RecordVersion = "1.0"

// DecisionRecord is one reviewed decision archived to S3 as training data.
type DecisionRecord struct {
	Version  string    `json:"version"`
	ItemID   string    `json:"item_id"`
	Channel  string    `json:"channel_id"`
	UserHash string    `json:"user_hash,omitempty"`
	Outcome  string    `json:"outcome"`
	Question string    `json:"question"`
	Messages []Message `json:"messages"`

	DetectedVersion     string `json:"detected_version"`
	ConfirmedVersion    string `json:"confirmed_version,omitempty"`
	TrainingVersion     string `json:"training_version,omitempty"`
	VersionChangeReason string `json:"version_change_reason,omitempty"`
	ClarifyingQuestion  string `json:"clarifying_question,omitempty"`

	GeneratedResponse string   `json:"generated_response,omitempty"`
	FinalResponse     string   `json:"final_response,omitempty"`
	Confidence        *float64 `json:"confidence,omitempty"`
	RoutingAction     string   `json:"routing_action,omitempty"`
	SourceTitles      []string `json:"source_titles,omitempty"`

	SkipReason   string `json:"skip_reason,omitempty"`
	RejectReason string `json:"reject_reason,omitempty"`
	RetryCount   int    `json:"retry_count"`
	ReviewedBy   string `json:"reviewed_by,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ReviewedAt time.Time `json:"reviewed_at"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Message is a single conversation turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ManifestEntry is one JSONL line in the monthly manifest file.
type ManifestEntry struct {
	ItemID       string `json:"item_id"`
	S3Key        string `json:"s3_key"`
	Outcome      string `json:"outcome"`
	Version      string `json:"version"`
	VersionFixed bool   `json:"version_fixed"`
	Edited       bool   `json:"edited"`
	ArchivedAt   string `json:"archived_at"`
	MessageCount int    `json:"message_count"`
}
