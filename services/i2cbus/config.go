package i2cbus

import (
	"log/slog"
	"time"

	"i2cmaster-go/bus"
	"i2cmaster-go/i2cm"
	"i2cmaster-go/x/mathx"
	"i2cmaster-go/x/timex"
)

const (
	DefaultTickPeriod = time.Millisecond
	DefaultTimeout    = 25 * time.Millisecond
	DefaultQueueLen   = 16
)

// Config controls the owner loop. All fields are optional.
type Config struct {
	// Name identifies the bus in logs and in String(). Default "i2c0".
	Name string
	// TickPeriod is the interval between Process calls. Default 1 ms.
	TickPeriod time.Duration
	// DefaultTimeout bounds a Tx whose caller gave no timeout. Default 25 ms.
	DefaultTimeout time.Duration
	// QueueLen is the request backlog. Default 16.
	QueueLen int

	// Engine is passed to i2cm.NewManager. A zero TimeoutTicks is derived
	// from DefaultTimeout so that all retries fit in it.
	Engine i2cm.Config

	// Events, when set, receives a TxEvent per finished transaction on
	// i2c/<Name>/tx and a retained OwnerStats on i2c/<Name>/stats.
	Events *bus.Bus

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	c.Name = mathx.Or(c.Name, "i2c0")
	c.TickPeriod = mathx.Or(c.TickPeriod, DefaultTickPeriod)
	c.DefaultTimeout = mathx.Or(c.DefaultTimeout, DefaultTimeout)
	c.QueueLen = mathx.Or(c.QueueLen, DefaultQueueLen)
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Engine.Logger == nil {
		c.Engine.Logger = c.Logger
	}
	if c.Engine.TimeoutTicks == 0 {
		retries := mathx.Or(c.Engine.Retries, i2cm.DefaultRetries)
		c.Engine.TimeoutTicks = timex.Ticks(c.DefaultTimeout/time.Duration(retries), c.TickPeriod)
	}
	return c
}
