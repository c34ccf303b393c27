// Package i2cm is a non-blocking I²C master transaction engine.
//
// A Manager owns one bus: the byte-level Adapter for the peripheral, the
// single in-flight transaction Request, the timeout Timer and a ring of
// registered Devices. Nothing in this package sleeps or blocks. The
// integrator calls Manager.Process from a periodic tick (main loop or timer
// interrupt) and, optionally, Manager.Notify from bus interrupts; every call
// dispatches at most one event into the transaction state machine.
//
// Typical use:
//
//	m := i2cm.NewManager(adapter, i2cm.Config{})
//	d := i2cm.NewDevice(0x50)
//	_ = m.RegisterDevice(d, wbuf[:], rbuf[:])
//	_ = m.BeginTransfer(d, 3, 0)
//	for m.IsDeviceBusy(d) {
//		m.Process() // once per tick
//	}
//
// Failures never panic: they leave Device.Finished false and record an
// errcode.Code on the device (nack_address, nack_data or timeout).
package i2cm
