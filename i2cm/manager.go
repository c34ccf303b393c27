package i2cm

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"i2cmaster-go/errcode"
)

type counters struct {
	begun, completed, failed atomic.Uint32
	retries, nacks, refused  atomic.Uint32
}

// Stats is a snapshot of Manager counters.
type Stats struct {
	Begun     uint32 // Begin-Transfer dispatches (phases, including NACK restarts)
	Completed uint32
	Failed    uint32
	Retries   uint32 // primitives re-issued after a timeout period
	NACKs     uint32
	Refused   uint32 // nested calls turned away by the re-entry guard
}

// Manager multiplexes one physical bus among registered devices. At most
// one transaction is in flight at any time.
//
// Devices live on a ring; the cursor names the next device to service so
// that queued requests are served round-robin.
type Manager struct {
	cfg   Config
	log   *slog.Logger
	mach  *Machine
	stats counters

	// ring is written under the dispatch guard and ringMu, so Devices can
	// read it from any goroutine.
	ringMu sync.Mutex
	cursor *Device
	count  int

	// held is the device that keeps the bus between phases: after a
	// repeated start (cont) or before a NACK restart (retry).
	held     *Device
	cont     bool
	retry    bool
	inFlight atomic.Bool // from start until the device completes or fails

	enabled atomic.Bool
}

// NewManager returns an enabled Manager driving adapter a.
func NewManager(a Adapter, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{cfg: cfg, log: cfg.Logger.With("component", "i2cm")}
	m.cfg.Logger = m.log
	m.mach = newMachine(a, m.cfg, &m.stats)
	m.mach.onIdle = m.idle
	m.enabled.Store(true)
	return m
}

// RegisterDevice inserts d into the ring and makes it the next device to
// service. Registration must happen while no transaction is in flight.
func (m *Manager) RegisterDevice(d *Device, w, r []byte) error {
	if d == nil {
		return errcode.Wrap(errcode.InvalidParams, "register", "nil device")
	}
	if !m.mach.enter(false) {
		return errcode.Busy
	}
	defer m.mach.leave()
	if d.mgr != nil {
		return errcode.Wrap(errcode.InvalidParams, "register", "device already registered")
	}
	if m.mach.state != StateIdle || m.held != nil {
		return errcode.Wrap(errcode.Busy, "register", "transaction in flight")
	}
	d.w, d.r = w, r
	d.rewind()
	d.finished.Store(false)
	d.busy.Store(false)
	d.queued.Store(false)
	d.fault.Store(errcode.OK)
	d.mgr = m
	m.ringMu.Lock()
	if m.cursor == nil {
		d.next = d
	} else {
		d.next = m.cursor.next
		m.cursor.next = d
	}
	m.cursor = d
	m.count++
	m.ringMu.Unlock()
	m.log.Debug("device registered", "addr", d.addr, "devices", m.count)
	return nil
}

// BeginTransfer starts a transfer on d immediately: nSend bytes from the
// write buffer followed, when nRecv > 0, by nRecv bytes into the read
// buffer after a repeated start. With both counts zero the device is only
// addressed (probe).
//
// The call is rejected, without touching the bus, when the manager is
// disabled or a transaction is already in flight.
func (m *Manager) BeginTransfer(d *Device, nSend, nRecv int) error {
	if !m.mach.enter(false) {
		return errcode.Busy
	}
	defer m.mach.leave()
	if err := m.check(d, nSend, nRecv); err != nil {
		return err
	}
	if m.mach.state != StateIdle || m.held != nil {
		return errcode.Busy
	}
	if d.busy.Load() || d.queued.Load() {
		return errcode.Busy
	}
	m.start(d, nSend, nRecv)
	return nil
}

// Queue asks for a transfer on d; it is started by a later Process call
// once the bus is free and d's turn in the ring comes up.
func (m *Manager) Queue(d *Device, nSend, nRecv int) error {
	if !m.mach.enter(false) {
		return errcode.Busy
	}
	defer m.mach.leave()
	if err := m.check(d, nSend, nRecv); err != nil {
		return err
	}
	if d.busy.Load() || d.queued.Load() {
		return errcode.Busy
	}
	d.qSend, d.qRecv = nSend, nRecv
	d.finished.Store(false)
	d.queued.Store(true)
	return nil
}

func (m *Manager) check(d *Device, nSend, nRecv int) error {
	if !m.enabled.Load() {
		return errcode.Disabled
	}
	if d == nil || d.mgr != m {
		return errcode.UnknownDevice
	}
	if nSend < 0 || nRecv < 0 || nSend > len(d.w) || nRecv > len(d.r) {
		return errcode.Wrap(errcode.InvalidParams, "transfer", "byte count exceeds buffer")
	}
	return nil
}

func (m *Manager) start(d *Device, nSend, nRecv int) {
	d.prepare(nSend, nRecv)
	d.nackLeft = m.cfg.NACKRetries
	m.ringMu.Lock()
	m.cursor = d.next
	m.ringMu.Unlock()
	m.inFlight.Store(true)
	m.launch(d)
}

// launch begins the first phase of d's prepared transfer.
func (m *Manager) launch(d *Device) {
	d.rewind()
	switch {
	case d.nSend > 0 && d.nRecv > 0:
		m.held = d
		m.mach.begin(d, false, true)
	case d.nRecv > 0:
		m.mach.begin(d, true, false)
	default:
		m.mach.begin(d, false, false)
	}
}

// idle is the machine's return-to-Idle hook.
func (m *Manager) idle(d *Device, restarted bool, err error) {
	switch {
	case restarted:
		m.held, m.cont = d, true
		return
	case err != nil && errcode.IsNACK(err) && d.nackLeft > 0:
		d.nackLeft--
		m.held, m.retry = d, true
		m.log.Debug("restarting after nack", "addr", d.addr, "left", d.nackLeft)
		return
	}
	m.held, m.cont, m.retry = nil, false, false
	m.inFlight.Store(false)
	if err != nil {
		m.stats.failed.Add(1)
		m.log.Warn("transfer failed", "addr", d.addr, "code", string(errcode.Of(err)), "written", d.wpos, "read", d.rpos)
	} else {
		m.stats.completed.Add(1)
		m.log.Debug("transfer finished", "addr", d.addr, "written", d.wpos, "read", d.rpos)
	}
	d.complete(err)
	if m.cfg.OnComplete != nil {
		m.cfg.OnComplete(d)
	}
}

// Process is the periodic entry point: it advances the timeout timer by one
// tick and dispatches at most one event. When the bus is idle it instead
// starts the next phase or the next queued device.
//
// Process may be called from a loop and from interrupt context. A nested
// call returns false without dispatching; its tick is credited to the next
// accepted call.
func (m *Manager) Process() bool { return m.run(true) }

// Notify is Process without the tick, for bus interrupt handlers.
func (m *Manager) Notify() bool { return m.run(false) }

func (m *Manager) run(tick bool) bool {
	if !m.mach.enter(tick) {
		return false
	}
	defer m.mach.leave()
	if m.mach.step(tick) {
		return true
	}
	m.service()
	return true
}

// Post latches an event reported by an interrupt-driven adapter (Bus-Idle,
// Ack-Received or Data-Received). It is consumed by the next Process or
// Notify; a later Post before then replaces it.
func (m *Manager) Post(s Signal) {
	switch s {
	case SignalBusIdle, SignalAckReceived, SignalDataReceived:
		m.mach.post(s)
	}
}

func (m *Manager) service() {
	if m.mach.state != StateIdle {
		return
	}
	if d := m.held; d != nil {
		switch {
		case m.cont:
			m.cont = false
			m.mach.begin(d, true, false)
		case m.retry:
			m.retry = false
			m.launch(d)
		}
		return
	}
	if !m.enabled.Load() || m.cursor == nil {
		return
	}
	d := m.cursor
	for i := 0; i < m.count; i++ {
		if d.queued.Load() {
			m.start(d, d.qSend, d.qRecv)
			d.queued.Store(false)
			return
		}
		d = d.next
	}
}

// IsTransferFinished reports d's finished flag without clearing it.
func (m *Manager) IsTransferFinished(d *Device) bool { return d.Finished() }

// IsDeviceBusy is true from the moment a transfer is begun or queued on d
// until it finishes or fails.
func (m *Manager) IsDeviceBusy(d *Device) bool { return d.Busy() || d.queued.Load() }

// Enable and Disable gate new transfers. They never abort an in-flight
// transaction.
func (m *Manager) Enable()       { m.enabled.Store(true) }
func (m *Manager) Disable()      { m.enabled.Store(false) }
func (m *Manager) Enabled() bool { return m.enabled.Load() }

// State returns the current state of the transaction state machine.
func (m *Manager) State() State { return m.mach.State() }

// Idle reports whether no transaction is in flight and the bus is not held.
// It may be called from any goroutine.
func (m *Manager) Idle() bool { return !m.inFlight.Load() }

// Devices returns the registered devices in ring order starting at the
// cursor. It may be called from any goroutine.
func (m *Manager) Devices() []*Device {
	m.ringMu.Lock()
	defer m.ringMu.Unlock()
	out := make([]*Device, 0, m.count)
	d := m.cursor
	for i := 0; i < m.count; i++ {
		out = append(out, d)
		d = d.next
	}
	return out
}

func (m *Manager) Stats() Stats {
	return Stats{
		Begun:     m.stats.begun.Load(),
		Completed: m.stats.completed.Load(),
		Failed:    m.stats.failed.Load(),
		Retries:   m.stats.retries.Load(),
		NACKs:     m.stats.nacks.Load(),
		Refused:   m.stats.refused.Load(),
	}
}
