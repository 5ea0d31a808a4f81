// Package archive writes reviewed decisions to S3 as scrubbed training data.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wolfman30/shadow-review/pkg/logging"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

const keyPrefix = "decisions/v1"

// Store archives decision records to S3.
type Store struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger

	// manifest writes are read-modify-write; serialize them within the process
	manifestMu sync.Mutex
}

// NewStore creates an archive Store. If bucket is empty, all operations are no-ops.
func NewStore(s3Client S3API, bucket string, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{bucket: bucket, s3Client: s3Client, logger: logger}
}

// Enabled returns true if archival is configured.
func (s *Store) Enabled() bool {
	return s != nil && s.bucket != "" && s.s3Client != nil
}

// RecordKey is the object key for a decision archived at the given time.
func RecordKey(itemID string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/by-date/%d/%02d/%02d/%s.json", keyPrefix, at.Year(), at.Month(), at.Day(), itemID)
}

// ManifestKey is the monthly JSONL manifest key.
func ManifestKey(at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/manifests/%d-%02d.jsonl", keyPrefix, at.Year(), at.Month())
}

// ArchiveDecision writes record as JSON and appends it to the monthly manifest.
// A manifest failure is logged; the record itself is already stored.
func (s *Store) ArchiveDecision(ctx context.Context, record *DecisionRecord) error {
	if !s.Enabled() {
		return nil
	}
	if record.ArchivedAt.IsZero() {
		record.ArchivedAt = time.Now().UTC()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("archive: marshal record: %w", err)
	}
	key := RecordKey(record.ItemID, record.ArchivedAt)

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put %s: %w", key, err)
	}
	s.logger.Info("archived review decision",
		"item_id", record.ItemID,
		"s3_key", key,
		"outcome", record.Outcome,
	)

	entry := ManifestEntry{
		ItemID:       record.ItemID,
		S3Key:        key,
		Outcome:      record.Outcome,
		Version:      record.ConfirmedVersion,
		VersionFixed: record.VersionChangeReason != "",
		Edited:       record.FinalResponse != "" && record.FinalResponse != record.GeneratedResponse,
		ArchivedAt:   record.ArchivedAt.Format(time.RFC3339),
		MessageCount: len(record.Messages),
	}
	if err := s.AppendManifest(ctx, entry, record.ArchivedAt); err != nil {
		s.logger.Warn("failed to append manifest", "error", err, "item_id", record.ItemID)
	}
	return nil
}

// AppendManifest appends a JSONL line to the manifest for the month of at.
func (s *Store) AppendManifest(ctx context.Context, entry ManifestEntry, at time.Time) error {
	if !s.Enabled() {
		return nil
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}
	key := ManifestKey(at)

	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()

	var existing []byte
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil:
		existing, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("archive: read manifest: %w", err)
		}
	case isNotFound(err):
		s.logger.Debug("manifest not found, creating new", "key", key)
	default:
		return fmt.Errorf("archive: s3 get manifest: %w", err)
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put manifest: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	return errors.As(err, &nf)
}
