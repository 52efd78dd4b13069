package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/carecircle/medsync/internal/store"
)

// FileSnapshotter writes backup snapshots as JSON files under a local
// directory.
type FileSnapshotter struct {
	Dir string
}

// Snapshot writes one collection's candidate rows to a timestamped file.
func (f *FileSnapshotter) Snapshot(ctx context.Context, collection string, rows []*store.MirrorRow) (string, error) {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.json", collection, time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(f.Dir, name)

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// S3Snapshotter uploads backup snapshots to an S3 bucket.
type S3Snapshotter struct {
	Client *s3.Client
	Bucket string
	Prefix string
}

// Snapshot uploads one collection's candidate rows as a JSON object.
func (s *S3Snapshotter) Snapshot(ctx context.Context, collection string, rows []*store.MirrorRow) (string, error) {
	data, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	key := fmt.Sprintf("%s%s-%s.json", s.Prefix, collection, time.Now().UTC().Format("20060102T150405Z"))

	_, err = s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("upload snapshot to s3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.Bucket, key), nil
}
