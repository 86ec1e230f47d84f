// Copyright 2024 Bloomberg Finance L.P.
// Distributed under the terms of the Apache 2.0 license.

package telemetry

import (
	"testing"

	"go.uber.org/zap"
)

func TestAvgTimerAccumulatesUntilWindowFills(t *testing.T) {
	timer := NewAvgTimer(zap.NewNop(), "dc1", "verb_check_loop", 3)
	for i := 0; i < 3; i++ {
		timer.Track(1)()
	}
	if len(timer.samples) != 3 {
		t.Fatalf("samples = %d, want 3", len(timer.samples))
	}
	// The next Track flushes the full window before starting a new sample.
	timer.Track(1)()
	if len(timer.samples) != 1 {
		t.Errorf("samples after flush = %d, want 1", len(timer.samples))
	}
}

func TestAvgTimerDividesByBatchSize(t *testing.T) {
	timer := NewAvgTimer(zap.NewNop(), "dc1", "verb_check_loop", 100)
	timer.Track(10)()
	timer.Track(0)() // non-positive batch counts as one
	if len(timer.samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(timer.samples))
	}
	if timer.samples[0] < 0 || timer.samples[1] < 0 {
		t.Errorf("negative samples: %v", timer.samples)
	}
}
