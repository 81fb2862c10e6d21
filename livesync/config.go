package livesync

import (
	"time"

	"github.com/coder/serpent"
)

// Config tunes both delivery loops. The thresholds are deliberately
// configuration rather than constants; the defaults are the reference
// behavior.
type Config struct {
	// UpdateInterval is the update scheduler's tick cadence.
	UpdateInterval serpent.Duration
	// WakeInterval is the silent-wake loop's tick cadence.
	WakeInterval serpent.Duration
	// PushInterval is how long a widget may go without a push before one is
	// warranted regardless of counter movement.
	PushInterval serpent.Duration
	// DeltaThreshold is the counter delta that warrants a push before
	// PushInterval has elapsed.
	DeltaThreshold serpent.Int64
	// RateCap bounds the steps-per-minute rate reported to the widget.
	RateCap serpent.Float64
	// SendTimeout bounds each individual gateway round trip so a hung
	// connection cannot stall a tick.
	SendTimeout serpent.Duration
	// Concurrency bounds the per-record fan-out within a tick.
	Concurrency serpent.Int64
}

func DefaultConfig() Config {
	return Config{
		UpdateInterval: serpent.Duration(time.Minute),
		WakeInterval:   serpent.Duration(30 * time.Minute),
		PushInterval:   serpent.Duration(10 * time.Minute),
		DeltaThreshold: 500,
		RateCap:        200,
		SendTimeout:    serpent.Duration(15 * time.Second),
		Concurrency:    8,
	}
}

// withDefaults fills any unset field from DefaultConfig so a partially
// specified config is always usable.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = def.UpdateInterval
	}
	if c.WakeInterval <= 0 {
		c.WakeInterval = def.WakeInterval
	}
	if c.PushInterval <= 0 {
		c.PushInterval = def.PushInterval
	}
	if c.DeltaThreshold <= 0 {
		c.DeltaThreshold = def.DeltaThreshold
	}
	if c.RateCap <= 0 {
		c.RateCap = def.RateCap
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	return c
}
