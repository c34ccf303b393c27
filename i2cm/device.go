package i2cm

import (
	"sync/atomic"

	"i2cmaster-go/errcode"
)

// Device is one logical participant on a shared bus. It is created once,
// registered with a Manager, and reused for every transfer. The buffers are
// supplied by the caller and are never reallocated by the engine.
//
// The write and read buffers belong to the engine while IsDeviceBusy
// reports true. Once Finished (or Err) is observed they may be read.
type Device struct {
	addr uint8

	w, r         []byte
	nSend, nRecv int
	wpos, rpos   int

	finished atomic.Bool
	busy     atomic.Bool
	fault    atomic.Value // errcode.Code

	// Manager bookkeeping.
	mgr          *Manager
	next         *Device
	queued       atomic.Bool
	qSend, qRecv int
	nackLeft     uint8
}

// NewDevice returns an unregistered device at the given 7-bit address.
func NewDevice(addr uint8) *Device {
	return &Device{addr: addr & 0x7f}
}

func (d *Device) Addr() uint8 { return d.addr }

// Written is the write cursor: data bytes acknowledged in the last transfer.
func (d *Device) Written() int { return d.wpos }

// ReadCount is the read cursor: bytes stored in the last transfer.
func (d *Device) ReadCount() int { return d.rpos }

// ReadBytes returns the filled prefix of the read buffer.
func (d *Device) ReadBytes() []byte { return d.r[:d.rpos] }

// Finished reports whether the last transfer completed. It stays true
// until the next transfer starts or ClearFinished is called.
func (d *Device) Finished() bool { return d.finished.Load() }

func (d *Device) ClearFinished() { d.finished.Store(false) }

// Busy reports whether a transfer has been requested and has neither
// finished nor failed.
func (d *Device) Busy() bool { return d.busy.Load() }

// Err returns the fault of the last transfer, or nil.
func (d *Device) Err() error {
	c, _ := d.fault.Load().(errcode.Code)
	if c == "" || c == errcode.OK {
		return nil
	}
	return c
}

// SetBuffers replaces the caller-owned buffers. It is rejected while a
// transfer is in flight on the device.
func (d *Device) SetBuffers(w, r []byte) error {
	if d.busy.Load() || d.queued.Load() {
		return errcode.Busy
	}
	d.w, d.r = w, r
	return nil
}

func (d *Device) addrByte(read bool) byte {
	b := d.addr << 1
	if read {
		b |= 1
	}
	return b
}

func (d *Device) prepare(nSend, nRecv int) {
	d.nSend, d.nRecv = nSend, nRecv
	d.rewind()
	d.finished.Store(false)
	d.fault.Store(errcode.OK)
	d.busy.Store(true)
}

func (d *Device) rewind() { d.wpos, d.rpos = 0, 0 }

// complete publishes the outcome. busy is cleared last so that a caller
// polling Busy observes the final cursors and flags.
func (d *Device) complete(err error) {
	if err != nil {
		d.fault.Store(errcode.Of(err))
	} else {
		d.finished.Store(true)
	}
	d.busy.Store(false)
}
