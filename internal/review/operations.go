package review

import (
	"strings"
	"unicode/utf8"
)

// Transition names as recorded in audit history and metrics.
const (
	TransitionCreate         = "create"
	TransitionConfirmVersion = "confirm_version"
	TransitionSkip           = "skip"
	TransitionRetry          = "retry_rag"
	TransitionEdit           = "edit"
	TransitionApprove        = "approve"
	TransitionReject         = "reject"
	TransitionDelete         = "delete"
	TransitionReclaim        = "reclaim"
)

// Operation is one typed moderator action. The set is closed.
type Operation interface {
	Transition() string
	sources() []Status
}

type ConfirmVersion struct {
	ConfirmedVersion   string `json:"confirmed_version"`
	ChangeReason       string `json:"version_change_reason,omitempty"`
	TrainingVersion    string `json:"training_version,omitempty"`
	ClarifyingQuestion string `json:"clarifying_question,omitempty"`
}

type Skip struct {
	Reason string `json:"reason,omitempty"`
}

type RetryGeneration struct{}

type Edit struct {
	Text string `json:"text"`
}

// Approve accepts the response. A non-empty EditedResponse saves the draft first.
type Approve struct {
	EditedResponse string `json:"edited_response,omitempty"`
}

type Reject struct {
	Reason string `json:"reason,omitempty"`
}

type Delete struct{}

func (ConfirmVersion) Transition() string  { return TransitionConfirmVersion }
func (Skip) Transition() string            { return TransitionSkip }
func (RetryGeneration) Transition() string { return TransitionRetry }
func (Edit) Transition() string            { return TransitionEdit }
func (Approve) Transition() string         { return TransitionApprove }
func (Reject) Transition() string          { return TransitionReject }
func (Delete) Transition() string          { return TransitionDelete }

func (ConfirmVersion) sources() []Status  { return []Status{StatusPendingVersionReview} }
func (Skip) sources() []Status            { return []Status{StatusPendingVersionReview, StatusRagFailed} }
func (RetryGeneration) sources() []Status { return []Status{StatusRagFailed} }
func (Edit) sources() []Status            { return []Status{StatusPendingResponseReview} }
func (Approve) sources() []Status         { return []Status{StatusPendingResponseReview} }
func (Reject) sources() []Status          { return []Status{StatusPendingResponseReview} }
func (Delete) sources() []Status          { return AllStatuses }

// Skip reasons with a fixed meaning. Any other non-empty text is stored as given.
const (
	SkipNotAQuestion        = "not_a_question"
	SkipOffTopic            = "off_topic"
	SkipDuplicate           = "duplicate"
	SkipSpam                = "spam"
	SkipInsufficientContext = "insufficient_context"
	SkipOther               = "other"
)

var KnownSkipReasons = []string{
	SkipNotAQuestion, SkipOffTopic, SkipDuplicate, SkipSpam, SkipInsufficientContext, SkipOther,
}

const maxReasonLength = 500

func allowedFrom(op Operation, status Status) bool {
	for _, s := range op.sources() {
		if s == status {
			return true
		}
	}
	return false
}

// normalizeReason trims free text and canonicalizes known reason codes.
func normalizeReason(field, raw string) (string, error) {
	reason := strings.TrimSpace(raw)
	if utf8.RuneCountInString(reason) > maxReasonLength {
		return "", &ValidationError{Field: field, Message: "reason is too long"}
	}
	lowered := strings.ReplaceAll(strings.ToLower(reason), "-", "_")
	for _, known := range KnownSkipReasons {
		if lowered == known {
			return known, nil
		}
	}
	return reason, nil
}

// confirmation is a validated ConfirmVersion.
type confirmation struct {
	confirmed     string
	changeReason  string
	training      string
	clarification string
}

func (e *Engine) validateConfirm(item *QueueItem, op ConfirmVersion) (confirmation, error) {
	confirmed := strings.ToLower(strings.TrimSpace(op.ConfirmedVersion))
	if confirmed == "" {
		return confirmation{}, &ValidationError{Field: "confirmed_version", Message: "confirmed_version is required"}
	}
	if confirmed != VersionUnknown && !e.supported(confirmed) {
		return confirmation{}, &ValidationError{Field: "confirmed_version", Message: "unsupported version " + confirmed}
	}

	c := confirmation{confirmed: confirmed}
	if confirmed != item.DetectedVersion {
		c.changeReason = strings.TrimSpace(op.ChangeReason)
		if c.changeReason == "" {
			return confirmation{}, &ValidationError{
				Field:   "version_change_reason",
				Message: "version_change_reason is required when confirmed_version differs from detected_version",
			}
		}
		if utf8.RuneCountInString(c.changeReason) > maxReasonLength {
			return confirmation{}, &ValidationError{Field: "version_change_reason", Message: "reason is too long"}
		}
	}

	if confirmed == VersionUnknown {
		training := strings.ToLower(strings.TrimSpace(op.TrainingVersion))
		if training == "" {
			return confirmation{}, &ValidationError{Field: "training_version", Message: "training_version is required when confirmed_version is unknown"}
		}
		if training == VersionUnknown || !e.supported(training) {
			return confirmation{}, &ValidationError{Field: "training_version", Message: "unsupported training version " + training}
		}
		c.training = training
	}
	c.clarification = strings.TrimSpace(op.ClarifyingQuestion)
	return c, nil
}

func (c confirmation) apply(item *QueueItem) {
	item.ConfirmedVersion = c.confirmed
	item.VersionChangeReason = c.changeReason
	item.TrainingVersion = c.training
	item.ClarifyingQuestion = c.clarification
	item.RequiresClarification = c.clarification != ""
	item.ClarificationSource = ""
	if c.clarification != "" {
		item.ClarificationSource = ClarificationSourceModerator
	}
}

// draftFor returns the draft to store for text: empty when it matches the generated response.
func draftFor(item *QueueItem, text string) string {
	if text == item.GeneratedResponse || strings.TrimSpace(text) == strings.TrimSpace(item.GeneratedResponse) {
		return ""
	}
	return text
}
