package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	dto "github.com/prometheus/client_model/go"

	"github.com/onnwee/livepresence/internal/presence"
	"github.com/onnwee/livepresence/internal/stats"
	"github.com/onnwee/livepresence/internal/store"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

type failingWriter struct{}

func (failingWriter) InsertSnapshot(context.Context, *stats.Snapshot) error {
	return errors.New("db down")
}

var at = time.Date(2026, 3, 1, 12, 34, 56, 0, time.UTC)

func TestArchiver_IdempotentPerBucket(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemoryStore()
	putter := &fakePutter{}
	a := New(Config{Mirror: NewS3MirrorWithClient(putter, "archive", "")}, db)

	first := stats.Compute(stats.SnapshotHourly, nil, at, 0)
	second := stats.Compute(stats.SnapshotHourly, []*presence.Record{{SessionID: "s1"}}, at.Add(10*time.Minute), 0)

	for _, snap := range []*stats.Snapshot{first, second} {
		if err := a.Archive(ctx, snap); err != nil {
			t.Fatalf("Archive() error = %v", err)
		}
	}

	if got := db.SnapshotCount(); got != 1 {
		t.Errorf("snapshot rows = %d, want 1", got)
	}
	rows, _ := db.ListSnapshots(ctx, store.SnapshotQuery{Type: stats.SnapshotHourly})
	if rows[0].TotalActive != 1 {
		t.Errorf("total_active = %d, want the later run's value", rows[0].TotalActive)
	}

	if len(putter.inputs) != 2 {
		t.Fatalf("puts = %d, want 2", len(putter.inputs))
	}
	wantKey := "snapshots/hourly/2026-03-01T12:00:00Z.json"
	for _, in := range putter.inputs {
		if aws.ToString(in.Key) != wantKey || aws.ToString(in.Bucket) != "archive" {
			t.Errorf("put bucket = %s key = %s", aws.ToString(in.Bucket), aws.ToString(in.Key))
		}
	}
	var decoded stats.Snapshot
	if err := json.Unmarshal(putter.bodies[1], &decoded); err != nil {
		t.Fatalf("mirrored body is not JSON: %v", err)
	}
	if decoded.TotalActive != 1 {
		t.Errorf("mirrored total_active = %d, want 1", decoded.TotalActive)
	}
}

func TestArchiver_MirrorFailureIsNotFatal(t *testing.T) {
	metrics := NewMetrics()
	putter := &fakePutter{err: errors.New("access denied")}
	a := New(Config{Mirror: NewS3MirrorWithClient(putter, "archive", "x"), Metrics: metrics}, store.NewMemoryStore())

	if err := a.Archive(context.Background(), stats.Compute(stats.SnapshotDaily, nil, at, 0)); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	var m dto.Metric
	_ = metrics.archived.WithLabelValues(targetMirror, "daily", "failure").Write(&m)
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("mirror failures = %v, want 1", got)
	}
}

func TestArchiver_StoreFailure(t *testing.T) {
	putter := &fakePutter{}
	a := New(Config{Mirror: NewS3MirrorWithClient(putter, "archive", "")}, failingWriter{})

	if err := a.Archive(context.Background(), stats.Compute(stats.SnapshotDaily, nil, at, 0)); err == nil {
		t.Fatal("Archive() should fail when the store fails")
	}
	if len(putter.inputs) != 0 {
		t.Error("mirror should not be written when the store write failed")
	}
}

func TestNewS3Mirror_Validation(t *testing.T) {
	full := S3MirrorConfig{Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s", Endpoint: "https://r2.example.com"}
	if _, err := NewS3Mirror(full); err != nil {
		t.Fatalf("NewS3Mirror() error = %v", err)
	}

	tests := []struct {
		name   string
		modify func(*S3MirrorConfig)
	}{
		{"missing bucket", func(c *S3MirrorConfig) { c.Bucket = "" }},
		{"missing key", func(c *S3MirrorConfig) { c.AccessKeyID = "" }},
		{"missing secret", func(c *S3MirrorConfig) { c.SecretAccessKey = "" }},
		{"missing endpoint", func(c *S3MirrorConfig) { c.Endpoint = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := full
			tt.modify(&cfg)
			if _, err := NewS3Mirror(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
