package lora

import "fmt"

// Region identifies a LoRa regulatory region.
type Region string

const (
	RegionEU868 Region = "eu868"
	RegionUS915 Region = "us915"
	RegionAU915 Region = "au915"
	RegionAS923 Region = "as923"
)

// RegionParams holds the regulatory frequency and duty-cycle percentage for
// a region.
type RegionParams struct {
	FrequencyHz    uint32
	DutyCyclePercent float64
}

var regionTable = map[Region]RegionParams{
	RegionEU868: {FrequencyHz: 868_100_000, DutyCyclePercent: 1},
	RegionUS915: {FrequencyHz: 915_000_000, DutyCyclePercent: 10},
	RegionAU915: {FrequencyHz: 915_000_000, DutyCyclePercent: 10},
	RegionAS923: {FrequencyHz: 923_200_000, DutyCyclePercent: 1},
}

// ErrUnknownRegion is returned by LookupRegion for a region not in the
// table.
var ErrUnknownRegion = fmt.Errorf("lora: unknown region")

// LookupRegion returns the regulatory parameters for a region.
func LookupRegion(r Region) (RegionParams, error) {
	params, ok := regionTable[r]
	if !ok {
		return RegionParams{}, fmt.Errorf("%w: %q", ErrUnknownRegion, r)
	}
	return params, nil
}
