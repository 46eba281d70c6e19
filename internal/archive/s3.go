package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/onnwee/livepresence/internal/stats"
)

// DefaultKeyPrefix is the object key prefix for mirrored snapshots.
const DefaultKeyPrefix = "snapshots"

// ObjectPutter is the subset of the S3 client used by the mirror.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3MirrorConfig holds configuration for an S3-compatible snapshot mirror.
type S3MirrorConfig struct {
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	// Region defaults to "auto", as used by R2.
	Region    string
	KeyPrefix string
}

// S3Mirror writes each snapshot as a JSON object.
type S3Mirror struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3Mirror creates a mirror backed by an S3-compatible endpoint.
func NewS3Mirror(cfg S3MirrorConfig) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.Region == "" {
		cfg.Region = "auto"
	}

	client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	})
	return NewS3MirrorWithClient(client, cfg.Bucket, cfg.KeyPrefix), nil
}

// NewS3MirrorWithClient creates a mirror around an existing client.
func NewS3MirrorWithClient(client ObjectPutter, bucket, prefix string) *S3Mirror {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &S3Mirror{client: client, bucket: bucket, prefix: prefix}
}

// ObjectKey returns the key a snapshot is stored under:
// <prefix>/<type>/<bucket RFC 3339>.json. Re-archiving a bucket overwrites its object.
func ObjectKey(prefix string, snap *stats.Snapshot) string {
	return path.Join(prefix, string(snap.Type), snap.TimeBucket.UTC().Format(time.RFC3339)+".json")
}

// Put uploads the snapshot.
func (m *S3Mirror) Put(ctx context.Context, snap *stats.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(ObjectKey(m.prefix, snap)),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return fmt.Errorf("failed to put snapshot object: %w", err)
	}
	return nil
}
