package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestParseExporter(t *testing.T) {
	cases := map[string]Exporter{"": ExporterNone, "none": ExporterNone, "STDOUT": ExporterStdout}
	for raw, want := range cases {
		got, err := ParseExporter(raw)
		if err != nil || got != want {
			t.Fatalf("ParseExporter(%q) = %q, %v", raw, got, err)
		}
	}
	if _, err := ParseExporter("otlp"); err == nil {
		t.Fatalf("expected error for unsupported exporter")
	}
}

func TestSpanEndIsNilSafe(t *testing.T) {
	var s *Span
	s.SetAttributes()
	s.End(errors.New("boom"))

	_, span := StartSpan(context.Background(), "test")
	span.End(nil)
}

func TestInitOnce(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Exporter: ExporterNone})
	if err != nil {
		t.Fatalf("Init returned error: %v", err)
	}
	if _, err := Init(context.Background(), Options{}); err != nil {
		t.Fatalf("second Init should reuse provider: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}
