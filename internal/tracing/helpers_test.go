package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return recorder
}

func attrValue(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestStartDBSpan(t *testing.T) {
	tests := []struct {
		name      string
		table     string
		operation DBOperation
		wantName  string
	}{
		{"upsert presence", "presence_sessions", DBOperationInsert, "insert presence_sessions"},
		{"scan expired", "presence_sessions", DBOperationQuery, "query presence_sessions"},
		{"no table", "", DBOperationExec, "exec"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := useRecorder(t)

			_, endSpan := StartDBSpan(context.Background(), tt.table, tt.operation)
			endSpan(nil)

			spans := recorder.Ended()
			if len(spans) != 1 {
				t.Fatalf("expected 1 span, got %d", len(spans))
			}
			span := spans[0]
			if span.Name() != tt.wantName {
				t.Errorf("span name = %q, want %q", span.Name(), tt.wantName)
			}
			if v, _ := attrValue(span, "db.system"); v.AsString() != "postgresql" {
				t.Errorf("db.system = %q, want postgresql", v.AsString())
			}
			_, hasTable := attrValue(span, "db.sql.table")
			if hasTable != (tt.table != "") {
				t.Errorf("db.sql.table present = %v, want %v", hasTable, tt.table != "")
			}
			if span.InstrumentationScope().Name != DBTracerName {
				t.Errorf("tracer = %q, want %q", span.InstrumentationScope().Name, DBTracerName)
			}
		})
	}
}

func TestStartSpan_RecordsError(t *testing.T) {
	recorder := useRecorder(t)

	ctx, endSpan := StartSpan(context.Background(), "reaper.sweep", attribute.String("job", "presence_reap"))
	SetAttributes(ctx, attribute.Int("expired", 3))
	endSpan(errors.New("scan failed"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", span.Status().Code)
	}
	if len(span.Events()) == 0 {
		t.Error("expected the error to be recorded as an event")
	}
	if v, ok := attrValue(span, "expired"); !ok || v.AsInt64() != 3 {
		t.Errorf("expired attribute = %v, want 3", v.AsInt64())
	}
	if v, _ := attrValue(span, "job"); v.AsString() != "presence_reap" {
		t.Errorf("job attribute = %q, want presence_reap", v.AsString())
	}
}
