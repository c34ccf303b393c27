package i2cbus

import (
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"

	"i2cmaster-go/errcode"
)

// PeriphBus exposes an Owner as a periph.io i2c.Bus so that periph device
// drivers can run on top of the engine.
type PeriphBus struct {
	o *Owner
}

var _ i2c.Bus = (*PeriphBus)(nil)

func NewPeriphBus(o *Owner) *PeriphBus { return &PeriphBus{o: o} }

func (p *PeriphBus) String() string { return p.o.Name() }

func (p *PeriphBus) Tx(addr uint16, w, r []byte) error {
	return p.o.Tx(addr, w, r, 0)
}

// SetSpeed is rejected: clocking belongs to the adapter, which the engine
// does not configure.
func (p *PeriphBus) SetSpeed(f physic.Frequency) error {
	if f <= 0 {
		return errcode.Wrap(errcode.InvalidParams, "set_speed", f.String())
	}
	return errcode.Wrap(errcode.Unsupported, "set_speed", f.String())
}

// Dev returns a periph connection to the device at addr.
func (p *PeriphBus) Dev(addr uint16) *i2c.Dev {
	return &i2c.Dev{Bus: p, Addr: addr}
}
