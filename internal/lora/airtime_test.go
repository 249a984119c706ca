package lora_test

import (
	"testing"

	"github.com/zond/reticulum-rs-esp32/internal/lora"
)

func TestDefaultParams(t *testing.T) {
	t.Parallel()

	p := lora.DefaultParams()
	if p.SpreadingFactor != 7 || p.BandwidthHz != 125_000 || p.CodingRate != 5 {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	if !p.ExplicitHeader || !p.CRCEnabled {
		t.Fatalf("expected explicit header and CRC enabled by default")
	}
}

func TestSymbolDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		sf   uint8
		bw   uint32
		want uint64
	}{
		{7, 125_000, 1024},
		{12, 125_000, 32768},
		{7, 500_000, 256},
	}
	for _, c := range cases {
		p := lora.Params{SpreadingFactor: c.sf, BandwidthHz: c.bw}
		if got := p.SymbolDurationUS(); got != c.want {
			t.Fatalf("sf=%d bw=%d: expected %d, got %d", c.sf, c.bw, c.want, got)
		}
	}
}

func TestLowDataRateOptimize(t *testing.T) {
	t.Parallel()

	if (lora.Params{SpreadingFactor: 7, BandwidthHz: 125_000}).LowDataRateOptimize() {
		t.Fatalf("SF7/125kHz should not need LDRO")
	}
	if !(lora.Params{SpreadingFactor: 11, BandwidthHz: 125_000}).LowDataRateOptimize() {
		t.Fatalf("SF11/125kHz should need LDRO")
	}
	if !(lora.Params{SpreadingFactor: 12, BandwidthHz: 125_000}).LowDataRateOptimize() {
		t.Fatalf("SF12/125kHz should need LDRO")
	}
}

func TestAirtimeIncreasesWithPayloadSize(t *testing.T) {
	t.Parallel()

	p := lora.DefaultParams()
	small := lora.AirtimeUS(10, p)
	large := lora.AirtimeUS(200, p)
	if large <= small {
		t.Fatalf("expected airtime to grow with payload size: small=%d large=%d", small, large)
	}
}

func TestAirtimeZeroBandwidth(t *testing.T) {
	t.Parallel()

	p := lora.Params{SpreadingFactor: 7, BandwidthHz: 0}
	if got := lora.AirtimeUS(50, p); got != 0 {
		t.Fatalf("expected zero airtime for zero bandwidth, got %d", got)
	}
}

func TestAirtimeMSMatchesUSConversion(t *testing.T) {
	t.Parallel()

	p := lora.DefaultParams()
	us := lora.AirtimeUS(50, p)
	ms := lora.AirtimeMS(50, p)
	if ms != float64(us)/1000 {
		t.Fatalf("ms conversion mismatch: us=%d ms=%f", us, ms)
	}
}
