package tracing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewProvider_Disabled(t *testing.T) {
	provider, err := NewProvider(Config{ServiceName: "test-service"})
	if err != nil {
		t.Fatalf("expected no error for disabled tracing, got %v", err)
	}
	if provider.IsEnabled() {
		t.Error("expected tracing to be disabled")
	}
	if provider.Tracer("x") == nil {
		t.Error("disabled provider should still hand out a tracer")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewProvider_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"missing service name", Config{Enabled: true, SamplingRate: 0.1}, ErrMissingServiceName},
		{"negative sampling", Config{ServiceName: "svc", Enabled: true, SamplingRate: -0.1}, ErrInvalidSamplingRate},
		{"sampling above one", Config{ServiceName: "svc", Enabled: true, SamplingRate: 1.5}, ErrInvalidSamplingRate},
		{"unknown exporter", Config{ServiceName: "svc", Enabled: true, ExporterType: "zipkin"}, ErrUnsupportedExporter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProvider(tt.cfg); !errors.Is(err, tt.wantErr) {
				t.Errorf("NewProvider() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewProvider_ValidConfig(t *testing.T) {
	tests := []struct {
		name         string
		exporterType string
		samplingRate float64
		endpoint     string
	}{
		{"otlp-http with 10% sampling", ExporterOTLPHTTP, 0.1, "localhost:4318"},
		{"otlp-grpc with full sampling", ExporterOTLPGRPC, 1.0, "localhost:4317"},
		{"default exporter with no sampling", "", 0.0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProvider(Config{
				ServiceName:  "livepresence-test",
				Enabled:      true,
				Environment:  "test",
				ExporterType: tt.exporterType,
				OTLPEndpoint: tt.endpoint,
				SamplingRate: tt.samplingRate,
				InsecureMode: true,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !provider.IsEnabled() {
				t.Error("expected tracing to be enabled")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := provider.Shutdown(ctx); err != nil {
				t.Errorf("unexpected shutdown error: %v", err)
			}
		})
	}
}

func TestProvider_NilSafe(t *testing.T) {
	var p *Provider
	if p.IsEnabled() {
		t.Error("nil provider should report disabled")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if p.Tracer("x") == nil {
		t.Error("nil provider should fall back to the global tracer")
	}
}
