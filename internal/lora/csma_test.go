package lora_test

import (
	"testing"

	"github.com/zond/reticulum-rs-esp32/internal/lora"
)

func TestDefaultCsmaConfig(t *testing.T) {
	t.Parallel()

	c := lora.DefaultCsmaConfig()
	if c.RSSIThresholdDbm != -90 || c.MaxRetries != 5 || c.MinBackoffMS != 10 || c.MaxBackoffMS != 500 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}

func TestCsmaConfigValidation(t *testing.T) {
	t.Parallel()

	base := lora.DefaultCsmaConfig()

	cases := []struct {
		name string
		cfg  lora.CsmaConfig
	}{
		{"zero min backoff", lora.CsmaConfig{RSSIThresholdDbm: base.RSSIThresholdDbm, MaxRetries: base.MaxRetries, MinBackoffMS: 0, MaxBackoffMS: base.MaxBackoffMS}},
		{"max less than min", lora.CsmaConfig{RSSIThresholdDbm: base.RSSIThresholdDbm, MaxRetries: base.MaxRetries, MinBackoffMS: 100, MaxBackoffMS: 50}},
		{"zero retries", lora.CsmaConfig{RSSIThresholdDbm: base.RSSIThresholdDbm, MaxRetries: 0, MinBackoffMS: base.MinBackoffMS, MaxBackoffMS: base.MaxBackoffMS}},
		{"too many retries", lora.CsmaConfig{RSSIThresholdDbm: base.RSSIThresholdDbm, MaxRetries: 21, MinBackoffMS: base.MinBackoffMS, MaxBackoffMS: base.MaxBackoffMS}},
		{"rssi too high", lora.CsmaConfig{RSSIThresholdDbm: -39, MaxRetries: base.MaxRetries, MinBackoffMS: base.MinBackoffMS, MaxBackoffMS: base.MaxBackoffMS}},
		{"rssi too low", lora.CsmaConfig{RSSIThresholdDbm: -141, MaxRetries: base.MaxRetries, MinBackoffMS: base.MinBackoffMS, MaxBackoffMS: base.MaxBackoffMS}},
	}
	for _, c := range cases {
		if err := c.cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", c.name)
		}
	}
}

func TestChannelClearThreshold(t *testing.T) {
	t.Parallel()

	csma := lora.NewCsma(lora.DefaultCsmaConfig())
	if !csma.IsChannelClear(-90) {
		t.Fatalf("expected at-threshold to be clear")
	}
	if !csma.IsChannelClear(-100) {
		t.Fatalf("expected below-threshold to be clear")
	}
	if csma.IsChannelClear(-89) {
		t.Fatalf("expected above-threshold to be busy")
	}
}

func TestTryAccessChannelClear(t *testing.T) {
	t.Parallel()

	csma := lora.NewCsma(lora.DefaultCsmaConfig())
	result := csma.TryAccess(-100)
	if !result.Transmit || csma.Retries() != 0 {
		t.Fatalf("expected immediate transmit, got %+v", result)
	}
}

func TestTryAccessMaxRetriesGivesUp(t *testing.T) {
	t.Parallel()

	cfg := lora.DefaultCsmaConfig()
	cfg.MaxRetries = 3
	csma := lora.NewCsma(cfg)
	csma.Seed(12345)

	for i := 0; i < 3; i++ {
		result := csma.TryAccess(-50)
		if result.Transmit || result.GiveUp {
			t.Fatalf("retry %d: expected Wait, got %+v", i, result)
		}
	}
	result := csma.TryAccess(-50)
	if !result.GiveUp {
		t.Fatalf("expected GiveUp after exhausting retries, got %+v", result)
	}
}

func TestResetClearsRetries(t *testing.T) {
	t.Parallel()

	csma := lora.NewCsma(lora.DefaultCsmaConfig())
	csma.Seed(12345)
	csma.TryAccess(-50)
	csma.TryAccess(-50)
	if csma.Retries() != 2 {
		t.Fatalf("expected 2 retries accumulated")
	}
	csma.Reset()
	if csma.Retries() != 0 {
		t.Fatalf("expected retries reset to 0")
	}
}

func TestBackoffWithinBounds(t *testing.T) {
	t.Parallel()

	cfg := lora.CsmaConfig{RSSIThresholdDbm: -90, MinBackoffMS: 10, MaxBackoffMS: 500, MaxRetries: 10}
	csma := lora.NewCsma(cfg)
	csma.Seed(12345)

	for i := 0; i < 10; i++ {
		result := csma.TryAccess(-50)
		if result.Transmit || result.GiveUp {
			continue
		}
		if result.WaitMS < 10 || result.WaitMS >= 500 {
			t.Fatalf("backoff %d out of bounds [10,500)", result.WaitMS)
		}
	}
}

func TestDeterministicWithSameSeed(t *testing.T) {
	t.Parallel()

	cfg := lora.DefaultCsmaConfig()
	csma1 := lora.NewCsma(cfg)
	csma2 := lora.NewCsma(cfg)
	csma1.Seed(12345)
	csma2.Seed(12345)

	for i := 0; i < 5; i++ {
		r1 := csma1.TryAccess(-50)
		r2 := csma2.TryAccess(-50)
		if r1 != r2 {
			t.Fatalf("iteration %d: expected identical results, got %+v vs %+v", i, r1, r2)
		}
	}
}

func TestZeroSeedConvertedToOne(t *testing.T) {
	t.Parallel()

	cfg := lora.DefaultCsmaConfig()
	csma1 := lora.NewCsma(cfg)
	csma2 := lora.NewCsma(cfg)
	csma1.Seed(0)
	csma2.Seed(1)

	for i := 0; i < 5; i++ {
		r1 := csma1.TryAccess(-50)
		r2 := csma2.TryAccess(-50)
		if r1 != r2 {
			t.Fatalf("iteration %d: seed 0 should behave like seed 1", i)
		}
	}
}
