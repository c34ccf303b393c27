// Package aht20 provides a split-phase driver for the AHT20
// temperature/humidity sensor on top of the non-blocking i2cm engine.
//
//	d.Trigger()          // queue a measurement command
//	for {
//		done, err := d.Poll() // call once per scheduling round
//		...
//	}
//	s := d.Sample()
//
// Nothing blocks: every bus access is queued on the Manager and Poll only
// inspects the device flags and queues the next step. The caller decides how
// often to Poll, which is also the interval between status reads.
//
// The driver avoids floating-point on the hot path; fixed-point helpers return
// tenths of units (deci-°C and deci-%RH).
package aht20

import (
	"errors"

	"i2cmaster-go/errcode"
	"i2cmaster-go/i2cm"
	"i2cmaster-go/x/mathx"
)

// I2C address.
const Address = 0x38

// Commands and status bits (per datasheet/common driver practice).
const (
	cmdTrigger    = 0xAC
	cmdInitialize = 0xBE
	cmdSoftReset  = 0xBA
	cmdStatus     = 0x71

	statusBusy       = 0x80
	statusCalibrated = 0x08
)

// Errors returned by the driver.
var (
	ErrTimeout  = errors.New("aht20: timeout")
	ErrNotReady = errors.New("aht20: not ready")
)

const DefaultMaxPolls = 10

// Config controls non-hardware behaviour. All fields are optional.
type Config struct {
	// Address defaults to 0x38 if zero.
	Address uint8
	// MaxPolls bounds the number of measurement reads that may report busy
	// before Poll gives up with ErrTimeout. Default 10.
	MaxPolls int
}

type phase uint8

const (
	phaseIdle phase = iota
	phaseStatus
	phaseInit
	phaseReset
	phaseTrigger
	phaseCollect
)

// Device drives one AHT20 through a Manager.
type Device struct {
	m   *i2cm.Manager
	dev *i2cm.Device
	cfg Config

	cmd [3]byte
	buf [7]byte // reuse buffer to avoid allocations

	phase    phase
	polls    int
	humidity uint32 // last raw humidity sample
	temp     uint32 // last raw temperature sample
	valid    bool
}

// New registers the sensor with m. It does not touch the bus.
func New(m *i2cm.Manager, cfg Config) (*Device, error) {
	cfg.Address = mathx.Or(cfg.Address, Address)
	cfg.MaxPolls = mathx.Or(cfg.MaxPolls, DefaultMaxPolls)
	d := &Device{m: m, cfg: cfg}
	d.dev = i2cm.NewDevice(cfg.Address)
	if err := m.RegisterDevice(d.dev, d.cmd[:], d.buf[:]); err != nil {
		return nil, err
	}
	return d, nil
}

// Init reads the status byte and, when the sensor reports itself
// uncalibrated, sends the initialisation command. Poll completes it.
func (d *Device) Init() error {
	d.cmd[0] = cmdStatus
	return d.queue(phaseStatus, 1, 1)
}

// Reset issues a soft reset. Give the device ~20ms afterwards before using.
func (d *Device) Reset() error {
	d.cmd[0] = cmdSoftReset
	return d.queue(phaseReset, 1, 0)
}

// Trigger queues a measurement. Poll then reads the result once the
// sensor has finished converting.
func (d *Device) Trigger() error {
	d.cmd = [3]byte{cmdTrigger, 0x33, 0x00}
	d.polls = 0
	return d.queue(phaseTrigger, 3, 0)
}

func (d *Device) queue(p phase, nSend, nRecv int) error {
	if d.phase != phaseIdle {
		return errcode.Busy
	}
	if err := d.m.Queue(d.dev, nSend, nRecv); err != nil {
		return err
	}
	d.phase = p
	return nil
}

// requeue moves to the next step of the current operation.
func (d *Device) requeue(p phase, nSend, nRecv int) (bool, error) {
	if err := d.m.Queue(d.dev, nSend, nRecv); err != nil {
		d.phase = phaseIdle
		return false, err
	}
	d.phase = p
	return false, nil
}

// Busy reports whether an operation started by Init, Reset or Trigger is
// still in progress.
func (d *Device) Busy() bool { return d.phase != phaseIdle }

// Poll advances the current operation. It returns true once the operation
// has completed; bus faults are returned as errcode values and end the
// operation.
func (d *Device) Poll() (bool, error) {
	if d.phase == phaseIdle {
		return true, nil
	}
	if d.m.IsDeviceBusy(d.dev) {
		return false, nil
	}
	if err := d.dev.Err(); err != nil {
		d.phase = phaseIdle
		return false, err
	}

	switch d.phase {
	case phaseStatus:
		if d.buf[0]&statusCalibrated != 0 {
			break
		}
		d.cmd = [3]byte{cmdInitialize, 0x08, 0x00}
		return d.requeue(phaseInit, 3, 0)

	case phaseTrigger:
		return d.requeue(phaseCollect, 0, len(d.buf))

	case phaseCollect:
		if err := d.parse(); err == ErrNotReady {
			d.polls++
			if d.polls >= d.cfg.MaxPolls {
				d.phase = phaseIdle
				return false, ErrTimeout
			}
			return d.requeue(phaseCollect, 0, len(d.buf))
		}
	}
	d.phase = phaseIdle
	return true, nil
}

func (d *Device) parse() error {
	data := d.buf[:]
	// Check status bits in byte 0.
	if (data[0]&statusCalibrated) == 0 || (data[0]&statusBusy) != 0 {
		return ErrNotReady
	}
	d.humidity = (uint32(data[1]) << 12) | (uint32(data[2]) << 4) | (uint32(data[3]) >> 4)
	d.temp = (uint32(data[3]&0x0F) << 16) | (uint32(data[4]) << 8) | uint32(data[5])
	d.valid = true
	return nil
}

// Collect copies the last measurement into out. It returns ErrNotReady
// while a measurement is in progress or before the first one completed.
func (d *Device) Collect(out *Sample) error {
	if d.phase != phaseIdle || !d.valid {
		return ErrNotReady
	}
	if out != nil {
		*out = d.Sample()
	}
	return nil
}

// Sample returns the last measurement.
func (d *Device) Sample() Sample {
	return Sample{RawHumidity: d.humidity, RawTemp: d.temp}
}

// Polls is the number of busy reads seen during the last measurement.
func (d *Device) Polls() int { return d.polls }

// Sample holds raw readings.
type Sample struct {
	RawHumidity uint32
	RawTemp     uint32
}

// Fixed-point conversion helpers operating on Sample.

func (s Sample) DeciRelHumidity() int32 {
	return (int32(s.RawHumidity) * 1000) / 0x100000
}

func (s Sample) DeciCelsius() int32 {
	return ((int32(s.RawTemp) * 2000) / 0x100000) - 500
}

// RelHumidity returns relative humidity in percent (float). Prefer DeciRelHumidity for fixed-point.
func (s Sample) RelHumidity() float32 {
	return (float32(s.RawHumidity) * 100) / 0x100000
}

// Celsius returns °C (float). Prefer DeciCelsius for fixed-point.
func (s Sample) Celsius() float32 {
	return (float32(s.RawTemp)*200.0)/0x100000 - 50
}
