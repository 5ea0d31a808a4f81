package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/shadow-review/internal/review"
)

// mockS3Client records PutObject/GetObject calls for testing.
type mockS3Client struct {
	mu       sync.Mutex
	putCalls []putCall
	objects  map[string][]byte
	getErr   error
}

type putCall struct {
	bucket string
	key    string
	body   []byte
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(input.Body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls = append(m.putCalls, putCall{bucket: *input.Bucket, key: *input.Key, body: body})
	m.objects[*input.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestStore_ArchiveDecision(t *testing.T) {
	mock := newMockS3()
	store := NewStore(mock, "test-bucket", nil)

	now := time.Date(2026, 2, 12, 15, 0, 0, 0, time.UTC)
	record := &DecisionRecord{
		Version:           RecordVersion,
		ItemID:            "item-123",
		Outcome:           "edited",
		ConfirmedVersion:  "bisq2",
		GeneratedResponse: "draft",
		FinalResponse:     "final",
		ArchivedAt:        now,
		Messages:          []Message{{Role: "user", Content: "help", Timestamp: now}},
	}
	require.NoError(t, store.ArchiveDecision(context.Background(), record))

	require.Len(t, mock.putCalls, 2)
	assert.Equal(t, "test-bucket", mock.putCalls[0].bucket)
	assert.Equal(t, "decisions/v1/by-date/2026/02/12/item-123.json", mock.putCalls[0].key)

	var decoded DecisionRecord
	require.NoError(t, json.Unmarshal(mock.putCalls[0].body, &decoded))
	assert.Equal(t, "item-123", decoded.ItemID)

	assert.Equal(t, "decisions/v1/manifests/2026-02.jsonl", mock.putCalls[1].key)
	var entry ManifestEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(mock.putCalls[1].body), &entry))
	assert.Equal(t, "item-123", entry.ItemID)
	assert.True(t, entry.Edited)
	assert.Equal(t, 1, entry.MessageCount)
}

func TestStore_Disabled(t *testing.T) {
	store := NewStore(nil, "", nil)
	assert.False(t, store.Enabled())
	assert.NoError(t, store.ArchiveDecision(context.Background(), &DecisionRecord{}))

	var nilStore *Store
	assert.False(t, nilStore.Enabled())
}

func TestStore_ManifestAppend(t *testing.T) {
	mock := newMockS3()
	store := NewStore(mock, "test-bucket", nil)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendManifest(context.Background(), ManifestEntry{ItemID: "a"}, at))
	require.NoError(t, store.AppendManifest(context.Background(), ManifestEntry{ItemID: "b"}, at))

	lastPut := mock.putCalls[len(mock.putCalls)-1]
	lines := bytes.Split(bytes.TrimSpace(lastPut.body), []byte("\n"))
	assert.Len(t, lines, 2)
}

func TestStore_ManifestReadFailureKeepsRecord(t *testing.T) {
	mock := newMockS3()
	mock.getErr = errors.New("access denied")
	store := NewStore(mock, "test-bucket", nil)

	err := store.AppendManifest(context.Background(), ManifestEntry{ItemID: "a"}, time.Now())
	assert.ErrorContains(t, err, "access denied")

	require.NoError(t, store.ArchiveDecision(context.Background(), &DecisionRecord{ItemID: "b"}))
	assert.Len(t, mock.putCalls, 1)
}

func TestDecisionExporter(t *testing.T) {
	mock := newMockS3()
	exporter := NewDecisionExporter(NewStore(mock, "bucket", nil))
	require.NotNil(t, exporter)
	exporter.now = func() time.Time { return time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC) }

	conf := 0.75
	item := &review.QueueItem{
		ID:                  "item-9",
		ChannelID:           "support",
		UserID:              "@alice:matrix.org",
		Messages:            []review.Message{{Role: "user", Content: "Email me at alice@example.com"}},
		DetectedVersion:     "bisq1",
		ConfirmedVersion:    "bisq2",
		VersionChangeReason: "mentions bisq easy",
		GeneratedResponse:   "Generated",
		EditedResponse:      "Edited answer",
		Sources:             []review.Source{{Title: "Bisq Easy FAQ"}, {Title: ""}},
		Confidence:          &conf,
		Status:              review.StatusEdited,
	}
	require.NoError(t, exporter.ExportDecision(context.Background(), item))
	require.Len(t, mock.putCalls, 2)
	assert.Equal(t, "decisions/v1/by-date/2026/04/02/item-9.json", mock.putCalls[0].key)

	var rec DecisionRecord
	require.NoError(t, json.Unmarshal(mock.putCalls[0].body, &rec))
	assert.Equal(t, "edited", rec.Outcome)
	assert.Equal(t, "Edited answer", rec.FinalResponse)
	assert.Equal(t, "Email me at [EMAIL]", rec.Messages[0].Content)
	assert.Equal(t, "Email me at [EMAIL]", rec.Question)
	assert.Equal(t, HashUser("@alice:matrix.org"), rec.UserHash)
	assert.Equal(t, []string{"Bisq Easy FAQ"}, rec.SourceTitles)

	var entry ManifestEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(mock.putCalls[1].body), &entry))
	assert.True(t, entry.VersionFixed)
	assert.Equal(t, "bisq2", entry.Version)

	item.Status = review.StatusPendingResponseReview
	require.NoError(t, exporter.ExportDecision(context.Background(), item))
	assert.Len(t, mock.putCalls, 2)
}

func TestBuildRecord_RejectedHasNoFinalResponse(t *testing.T) {
	item := &review.QueueItem{
		ID:                "x",
		Messages:          []review.Message{{Role: "user", Content: "q"}},
		GeneratedResponse: "bad answer",
		RejectReason:      "wrong version",
		Status:            review.StatusRejected,
	}
	rec := BuildRecord(item, time.Now())
	assert.Empty(t, rec.FinalResponse)
	assert.Equal(t, "wrong version", rec.RejectReason)
	assert.Nil(t, NewDecisionExporter(NewStore(nil, "", nil)))
}
