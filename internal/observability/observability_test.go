package observability

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LogConfig{Level: "warn", Output: &buf})
	log.Info().Msg("hidden")
	log.Warn().Str("conversation_id", "c1").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered: %s", out)
	}
	if !strings.Contains(out, `"conversation_id":"c1"`) || !strings.Contains(out, `"service":"convod"`) {
		t.Fatalf("expected structured fields, got %s", out)
	}
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LogConfig{Level: "loud", Output: &buf})
	log.Debug().Msg("debug")
	log.Info().Msg("info")
	if strings.Contains(buf.String(), `"debug"`) || !strings.Contains(buf.String(), `"info"`) {
		t.Fatalf("expected info level default, got %s", buf.String())
	}
}

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Turns.WithLabelValues("completed").Inc()
	m.Turns.WithLabelValues("completed").Inc()
	m.Turns.WithLabelValues("runtime_error").Inc()

	expected := `
		# HELP convo_turns_total Turns processed, by outcome
		# TYPE convo_turns_total counter
		convo_turns_total{outcome="completed"} 2
		convo_turns_total{outcome="runtime_error"} 1
	`
	if err := testutil.CollectAndCompare(m.Turns, strings.NewReader(expected)); err != nil {
		t.Fatalf("unexpected metric value: %v", err)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n == 0 {
		t.Fatalf("expected registered collectors, got %d (%v)", n, err)
	}
}

func TestNopTracerRecordsNothing(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer func() { _ = shutdown(context.Background()) }()
	_, span := tracer.Start(context.Background(), "convo.turn")
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	span.End()
	if span.SpanContext().IsValid() {
		t.Fatalf("expected no-op span without an endpoint")
	}
}
