package lora

import "time"

// DutyCycleLimiter enforces a regulatory duty-cycle budget (e.g. 1% in the
// EU868 band, 10% in US915) using a token bucket over airtime microseconds.
// The budget refills continuously in proportion to elapsed time, allowing
// bursty transmission while holding the long-run average to the configured
// percentage. Not safe for concurrent use without external synchronization.
type DutyCycleLimiter struct {
	budgetUS    uint64
	remainingUS uint64
	lastRefill  time.Time
	window      time.Duration
	now         func() time.Time
}

// NewDutyCycleLimiter constructs a limiter for dutyCyclePercent (e.g. 1.0
// for 1%) over the given window.
func NewDutyCycleLimiter(dutyCyclePercent float64, window time.Duration) *DutyCycleLimiter {
	budgetUS := uint64(float64(window.Microseconds()) * dutyCyclePercent / 100)
	return &DutyCycleLimiter{
		budgetUS:    budgetUS,
		remainingUS: budgetUS,
		lastRefill:  time.Now(),
		window:      window,
		now:         time.Now,
	}
}

// TryConsume attempts to spend airtimeUS microseconds of budget. It returns
// true and deducts the budget if enough remains, or false leaving the
// budget unchanged.
func (d *DutyCycleLimiter) TryConsume(airtimeUS uint64) bool {
	d.refill()
	if d.remainingUS >= airtimeUS {
		d.remainingUS -= airtimeUS
		return true
	}
	return false
}

// Remaining returns the current remaining budget in microseconds.
func (d *DutyCycleLimiter) Remaining() uint64 {
	d.refill()
	return d.remainingUS
}

// RemainingPercent returns the remaining budget as a percentage of the
// total budget.
func (d *DutyCycleLimiter) RemainingPercent() float64 {
	d.refill()
	if d.budgetUS == 0 {
		return 0
	}
	return float64(d.remainingUS) / float64(d.budgetUS) * 100
}

// Budget returns the total budget in microseconds per window.
func (d *DutyCycleLimiter) Budget() uint64 { return d.budgetUS }

func (d *DutyCycleLimiter) refill() {
	now := d.now()
	elapsed := now.Sub(d.lastRefill)
	windowUS := uint64(d.window.Microseconds())
	if windowUS == 0 {
		return
	}

	refillAmount := uint64(0)
	if elapsed > 0 {
		refillAmount = d.budgetUS * uint64(elapsed.Microseconds()) / windowUS
	}

	if refillAmount > 0 {
		d.remainingUS += refillAmount
		if d.remainingUS > d.budgetUS {
			d.remainingUS = d.budgetUS
		}
		d.lastRefill = now
	}
}
