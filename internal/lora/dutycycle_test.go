package lora_test

import (
	"testing"
	"time"

	"github.com/zond/reticulum-rs-esp32/internal/lora"
)

func TestNewLimiterHasFullBudget(t *testing.T) {
	t.Parallel()

	l := lora.NewDutyCycleLimiter(1.0, time.Hour)
	// 1% of 1 hour = 36,000,000 microseconds.
	if got := l.Budget(); got != 36_000_000 {
		t.Fatalf("expected budget 36000000, got %d", got)
	}
}

func TestConsumeReducesBudget(t *testing.T) {
	t.Parallel()

	l := lora.NewDutyCycleLimiter(1.0, time.Hour)
	initial := l.Remaining()
	if !l.TryConsume(1_000_000) {
		t.Fatalf("expected consume to succeed")
	}
	if got := l.Remaining(); got != initial-1_000_000 {
		t.Fatalf("expected remaining %d, got %d", initial-1_000_000, got)
	}
}

func TestConsumeFailsWhenExceeded(t *testing.T) {
	t.Parallel()

	l := lora.NewDutyCycleLimiter(1.0, time.Hour)
	budget := l.Budget()
	if !l.TryConsume(budget) {
		t.Fatalf("expected full-budget consume to succeed")
	}
	if l.TryConsume(1) {
		t.Fatalf("expected consume beyond budget to fail")
	}
	if got := l.Remaining(); got != 0 {
		t.Fatalf("expected zero remaining, got %d", got)
	}
}

func TestDifferentDutyCyclesPerRegion(t *testing.T) {
	t.Parallel()

	if got := lora.NewDutyCycleLimiter(10.0, time.Hour).Budget(); got != 360_000_000 {
		t.Fatalf("expected 360000000us budget for 10%%, got %d", got)
	}
	if got := lora.NewDutyCycleLimiter(0.1, time.Hour).Budget(); got != 3_600_000 {
		t.Fatalf("expected 3600000us budget for 0.1%%, got %d", got)
	}
}

func TestZeroBudgetIsSafe(t *testing.T) {
	t.Parallel()

	l := lora.NewDutyCycleLimiter(0, time.Hour)
	if l.Budget() != 0 {
		t.Fatalf("expected zero budget")
	}
	if l.TryConsume(1) {
		t.Fatalf("expected consume to fail against a zero budget")
	}
	if got := l.RemainingPercent(); got != 0 {
		t.Fatalf("expected 0%% remaining, got %f", got)
	}
}

func TestRemainingPercent(t *testing.T) {
	t.Parallel()

	l := lora.NewDutyCycleLimiter(1.0, time.Hour)
	if pct := l.RemainingPercent(); pct < 99.99 || pct > 100.01 {
		t.Fatalf("expected ~100%% remaining at start, got %f", pct)
	}
	half := l.Budget() / 2
	l.TryConsume(half)
	if pct := l.RemainingPercent(); pct < 49.99 || pct > 50.01 {
		t.Fatalf("expected ~50%% remaining after consuming half, got %f", pct)
	}
}

func TestRegionTableDutyCycleBudgets(t *testing.T) {
	t.Parallel()

	for _, region := range []lora.Region{lora.RegionEU868, lora.RegionUS915, lora.RegionAU915, lora.RegionAS923} {
		params, err := lora.LookupRegion(region)
		if err != nil {
			t.Fatalf("LookupRegion(%s): %v", region, err)
		}
		window := time.Hour
		l := lora.NewDutyCycleLimiter(params.DutyCyclePercent, window)
		want := uint64(float64(window.Microseconds()) * params.DutyCyclePercent / 100)
		if got := l.Budget(); got != want {
			t.Fatalf("region %s: expected budget %d, got %d", region, want, got)
		}
	}
}

func TestLookupUnknownRegion(t *testing.T) {
	t.Parallel()

	if _, err := lora.LookupRegion("xx000"); err == nil {
		t.Fatalf("expected error for unknown region")
	}
}
