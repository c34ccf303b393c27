package i2cm

import "log/slog"

const (
	DefaultTimeoutTicks = 10
	DefaultRetries      = 3
)

// Config controls timing and retry policy. All fields are optional.
type Config struct {
	// TimeoutTicks is how many ticks the engine waits for an adapter event
	// before re-issuing the pending primitive. Default 10.
	TimeoutTicks uint16
	// Retries is the number of timeout periods allowed per awaited event;
	// the transaction is abandoned when they are used up. Default 3.
	Retries uint8
	// NACKRetries is how many times a transfer whose address or data byte
	// was not acknowledged is restarted from the start condition. Default 0.
	NACKRetries uint8

	Logger *slog.Logger

	// OnComplete runs in dispatch context when a device finishes or fails.
	// It must not call back into the Manager.
	OnComplete func(d *Device)
	// OnTransition runs in dispatch context on every state entry,
	// including re-entry of the same state.
	OnTransition func(from, to State)
}

func (c Config) withDefaults() Config {
	if c.TimeoutTicks == 0 {
		c.TimeoutTicks = DefaultTimeoutTicks
	}
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}
