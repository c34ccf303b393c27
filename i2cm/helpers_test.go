package i2cm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"i2cmaster-go/i2cm"
	"i2cmaster-go/i2cm/hostbus"
)

// drive steps the simulated bus and the manager until d is no longer busy
// and the bus is released. It returns the number of Process calls.
func drive(t *testing.T, m *i2cm.Manager, bus *hostbus.Bus, d *i2cm.Device) int {
	t.Helper()
	for n := 1; n <= 10000; n++ {
		bus.Step()
		m.Process()
		if !m.IsDeviceBusy(d) && m.Idle() {
			return n
		}
	}
	t.Fatalf("device 0x%02X still busy in state %s", d.Addr(), m.State())
	return 0
}

func newDevice(t *testing.T, m *i2cm.Manager, addr uint8, w, r []byte) *i2cm.Device {
	t.Helper()
	d := i2cm.NewDevice(addr)
	require.NoError(t, m.RegisterDevice(d, w, r))
	return d
}

func countTransitions(to i2cm.State, n *int) func(from, s i2cm.State) {
	return func(_, s i2cm.State) {
		if s == to {
			*n++
		}
	}
}
