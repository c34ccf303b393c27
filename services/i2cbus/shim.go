package i2cbus

import (
	"tinygo.org/x/drivers"
)

// Shim adapts an Owner to the tinygo driver Tx shape with a fixed per-call
// timeout.
type Shim struct {
	o         *Owner
	timeoutMS int
}

var _ drivers.I2C = Shim{}

func NewShim(o *Owner) Shim { return Shim{o: o} }

func (s Shim) WithTimeout(ms int) Shim {
	if ms > 0 {
		s.timeoutMS = ms
	}
	return s
}

func (s Shim) Tx(addr uint16, w, r []byte) error {
	return s.o.Tx(addr, w, r, s.timeoutMS)
}
