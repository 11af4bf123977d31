package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"signal-stack/internal/domain"
	"signal-stack/internal/ml/training"

	"go.opentelemetry.io/otel/trace"
)

type trainerStub struct {
	outcome training.TrainOutcome
	err     error
	calls   int
}

func (s *trainerStub) TrainNow(ctx context.Context) (training.TrainOutcome, error) {
	s.calls++
	return s.outcome, s.err
}

func TestNextRunUTC(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC)

	next := nextRunUTC(now, 12)
	if next != time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) {
		t.Fatalf("same-day run expected, got %v", next)
	}

	next = nextRunUTC(now, 3)
	if next != time.Date(2026, 5, 2, 3, 0, 0, 0, time.UTC) {
		t.Fatalf("next-day run expected, got %v", next)
	}

	next = nextRunUTC(time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC), 3)
	if next != time.Date(2026, 5, 2, 3, 0, 0, 0, time.UTC) {
		t.Fatalf("exact-hour now should schedule tomorrow, got %v", next)
	}
}

func TestNewTrainingJobClampsHour(t *testing.T) {
	j := NewTrainingJob(trace.NewNoopTracerProvider().Tracer("test"), &trainerStub{}, 27)
	if j.trainHour != 0 {
		t.Fatalf("out-of-range hour should clamp to 0, got %d", j.trainHour)
	}
}

func TestRunOnceSwallowsErrors(t *testing.T) {
	stub := &trainerStub{err: errors.New("db down")}
	j := NewTrainingJob(trace.NewNoopTracerProvider().Tracer("test"), stub, 0)

	j.runOnce(context.Background())
	if stub.calls != 1 {
		t.Fatalf("expected exactly one training call, got %d", stub.calls)
	}

	stub.err = nil
	stub.outcome = training.TrainOutcome{State: domain.StateFullyFitted, Version: 2}
	j.runOnce(context.Background())
	if stub.calls != 2 {
		t.Fatalf("expected a second training call, got %d", stub.calls)
	}
}

func TestStartStopsOnContextCancel(t *testing.T) {
	j := NewTrainingJob(trace.NewNoopTracerProvider().Tracer("test"), &trainerStub{}, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not stop on context cancel")
	}
}
