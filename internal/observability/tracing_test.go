package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestBuildExporterRejectsUnknown(t *testing.T) {
	if _, err := buildExporter(context.Background(), "zipkin", TracingConfig{}); err == nil {
		t.Fatalf("expected error for unknown exporter")
	}
}

func TestStartSpanWithoutProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "oplog.commit", attribute.Int("entries", 3))
	if ctx == nil || span == nil {
		t.Fatalf("expected span")
	}
	EndSpan(span, errors.New("boom"))
}

func TestInitTracingNone(t *testing.T) {
	shutdown, err := InitTracing("oplogd-test", TracingConfig{Exporter: "none"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
