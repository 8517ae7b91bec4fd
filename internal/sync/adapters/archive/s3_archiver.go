// Package archive persists completed-unit history to long-term object
// storage, grounded on the teacher's node/runtime/nodes.S3Node: AWS SDK v2
// default credential chain, one object per completed unit.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
)

// S3Archiver writes TaskUnitHistory rows as JSON objects to a bucket. It
// supplements the Checkpoint Store's own history table; losing it never
// fails a unit (spec.md SPEC_FULL domain stack: archival is additive).
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver loads the default AWS credential chain and builds an
// archiver for bucket.
func NewS3Archiver(ctx context.Context, bucket string) (*S3Archiver, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Archive uploads record as a JSON object keyed by task/unit/completion.
func (a *S3Archiver) Archive(ctx context.Context, record model.TaskUnitHistory) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal history record: %w", err)
	}
	key := fmt.Sprintf("%s/%s/%s-%d.json", record.TaskID, record.UnitName, uuid.New().String(), record.CompletedAt.Unix())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &a.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}
