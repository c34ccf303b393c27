package i2cm

import (
	"context"
	"log/slog"
	"sync/atomic"

	"i2cmaster-go/errcode"
)

// State of the transaction state machine.
type State uint8

const (
	StateIdle State = iota
	StateStart
	StateWriteAddress
	StateWriteData
	StateReadData
	StateRestart
	StateStop
	StateAbort // stop issued after a NACK; the fault is reported once it completes
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStart:
		return "start"
	case StateWriteAddress:
		return "write_address"
	case StateWriteData:
		return "write_data"
	case StateReadData:
		return "read_data"
	case StateRestart:
		return "restart"
	case StateStop:
		return "stop"
	case StateAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// idleFunc is called, in dispatch context, whenever the machine returns to
// Idle. restarted is true when the bus is still held after a repeated start.
type idleFunc func(d *Device, restarted bool, err error)

// Machine is the transaction state machine of one bus. It turns a
// Begin-Transfer request and a stream of adapter events into an ordered
// sequence of bus primitives.
//
// All mutation happens inside dispatch, which is serialised by an atomic
// re-entry guard: a nested call is refused instead of processing two
// events concurrently.
type Machine struct {
	a     Adapter
	cfg   Config
	log   *slog.Logger
	timer Timer
	req   Request
	state State

	// waiting is the operation whose completion the machine awaits.
	waiting Op
	txByte  byte
	txHeld  bool // byte not yet handed over because the transmit register was full
	lastAck bool
	fault   errcode.Code

	onIdle  idleFunc
	settled uint32 // bumped each time an awaited operation completes

	guard  atomic.Bool
	missed atomic.Uint32 // ticks refused by the guard, credited on the next call
	carry  uint32        // credited ticks left over after a timer event
	posted atomic.Uint32 // latched Signal from Post
	shown  atomic.Uint32 // mirror of state for lock-free readers

	stats *counters
}

func newMachine(a Adapter, cfg Config, st *counters) *Machine {
	return &Machine{
		a:     a,
		cfg:   cfg,
		log:   cfg.Logger,
		timer: NewTimer(cfg.TimeoutTicks, cfg.Retries),
		stats: st,
	}
}

// State may be called from any goroutine.
func (m *Machine) State() State { return State(m.shown.Load()) }

// ---- guard ----

func (m *Machine) enter(tick bool) bool {
	if m.guard.CompareAndSwap(false, true) {
		return true
	}
	m.stats.refused.Add(1)
	if tick {
		m.missed.Add(1)
	}
	return false
}

func (m *Machine) leave() { m.guard.Store(false) }

// post latches an externally observed signal for the next dispatch.
func (m *Machine) post(s Signal) { m.posted.Store(uint32(s)) }

// ---- dispatch ----

// step advances the timer (when tick is set), synthesises at most one
// event and feeds it to the current state. A timer event is delivered
// after it only when the state ignored that event. It reports whether
// anything was dispatched. Caller holds the guard.
func (m *Machine) step(tick bool) bool {
	if m.txHeld && !m.a.TransmitFull() {
		m.a.TransmitByte(m.txByte)
		m.txHeld = false
	}

	tev := TimerQuiet
	if tick {
		n := 1 + m.carry + m.missed.Swap(0)
		for n > 0 && tev == TimerQuiet {
			tev = m.timer.Tick()
			n--
		}
		// Credited ticks not consumed by this wait stay credited.
		m.carry = n
	}

	sig := m.synthesize()
	if sig == SignalNone {
		if tev == TimerQuiet {
			return false
		}
		sig = SignalTimeout
	}
	settled := m.settled
	m.dispatch(sig)
	if tev != TimerQuiet && sig != SignalTimeout && m.settled == settled {
		// The state did not take sig, so the expiry still stands.
		m.dispatch(SignalTimeout)
	}
	return true
}

// synthesize diffs the adapter status against the awaited operation.
// The awaited bit is cleared by the handler that consumes the signal, so
// each completed operation yields exactly one event.
func (m *Machine) synthesize() Signal {
	if s := Signal(m.posted.Swap(0)); s != SignalNone && m.waiting != 0 {
		return s
	}
	if m.waiting == 0 || m.txHeld {
		return SignalNone
	}
	if m.waiting == OpReceive {
		if m.a.ReceiveAvailable() {
			return SignalDataReceived
		}
		return SignalNone
	}
	if m.a.Pending()&m.waiting == 0 {
		return SignalBusIdle
	}
	return SignalNone
}

func (m *Machine) dispatch(sig Signal) {
	m.req.Signal = sig
	if sig == SignalTimeout {
		m.onTimeout()
		return
	}
	switch m.state {
	case StateStart:
		m.onStart(sig)
	case StateWriteAddress:
		m.onWriteAddress(sig)
	case StateWriteData:
		m.onWriteData(sig)
	case StateReadData:
		m.onReadData(sig)
	case StateRestart:
		m.onRestart(sig)
	case StateStop:
		m.onStop(sig)
	case StateAbort:
		m.onAbort(sig)
	}
}

// begin dispatches Begin-Transfer. It is a no-op unless the machine is Idle.
// Caller holds the guard.
func (m *Machine) begin(d *Device, read, repeatedStart bool) bool {
	if m.state != StateIdle {
		return false
	}
	m.req.Signal = SignalBeginTransfer
	m.req.Device = d
	m.req.Read = read
	m.req.RepeatedStart = repeatedStart
	m.req.Address = d.addrByte(read)
	m.fault = ""
	m.stats.begun.Add(1)

	if m.req.Restarted {
		m.req.Restarted = false
		m.transmit(m.req.Address)
		m.enterState(StateWriteAddress)
		return true
	}
	m.a.Start()
	m.await(OpStart)
	m.enterState(StateStart)
	return true
}

// ---- primitives ----

func (m *Machine) await(op Op) {
	m.waiting = op
	m.carry = 0
	m.timer.Arm()
}

// settle consumes the awaited event: the timer is disarmed the instant it
// arrives.
func (m *Machine) settle() {
	m.waiting = 0
	m.settled++
	m.timer.Disarm()
}

func (m *Machine) transmit(b byte) {
	m.txByte = b
	m.put()
	m.await(OpTransmit)
}

func (m *Machine) put() {
	if m.a.TransmitFull() {
		m.txHeld = true
		return
	}
	m.a.TransmitByte(m.txByte)
}

func (m *Machine) receive() {
	m.a.EnableReceive()
	m.await(OpReceive)
}

func (m *Machine) ack(more bool) {
	m.lastAck = more
	m.a.SendAck(more)
	m.await(OpAck)
}

func (m *Machine) stop() {
	m.a.Stop()
	m.await(OpStop)
	m.enterState(StateStop)
}

// reissue repeats the primitive of the awaited operation without
// re-arming: the running countdown keeps its retry budget.
func (m *Machine) reissue() {
	switch m.waiting {
	case OpStart:
		m.a.Start()
	case OpStop:
		m.a.Stop()
	case OpRestart:
		m.a.Restart()
	case OpTransmit:
		m.put()
	case OpReceive:
		m.a.EnableReceive()
	case OpAck:
		m.a.SendAck(m.lastAck)
	}
}

func (m *Machine) enterState(to State) {
	from := m.state
	m.state = to
	m.shown.Store(uint32(to))
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(from, to)
	}
	if m.log.Enabled(context.Background(), slog.LevelDebug) {
		m.log.Debug("transition", "from", from.String(), "to", to.String(), "signal", m.req.Signal.String(), "addr", m.req.Address)
	}
}

// ---- state handlers ----

func (m *Machine) onStart(sig Signal) {
	if sig != SignalBusIdle {
		return
	}
	m.settle()
	m.transmit(m.req.Address)
	m.enterState(StateWriteAddress)
}

func (m *Machine) acked(sig Signal) bool {
	return sig == SignalAckReceived || m.a.AckReceived()
}

func (m *Machine) onWriteAddress(sig Signal) {
	if sig != SignalBusIdle && sig != SignalAckReceived {
		return
	}
	m.settle()
	if !m.acked(sig) {
		m.abort(errcode.NACKAddress)
		return
	}
	d := m.req.Device
	switch {
	case m.req.Read:
		m.receive()
		m.enterState(StateReadData)
	case d.wpos < d.nSend:
		m.transmit(d.w[d.wpos])
		m.enterState(StateWriteData)
	default:
		m.endWrite()
	}
}

func (m *Machine) onWriteData(sig Signal) {
	if sig != SignalBusIdle && sig != SignalAckReceived {
		return
	}
	m.settle()
	if !m.acked(sig) {
		m.abort(errcode.NACKData)
		return
	}
	d := m.req.Device
	d.wpos++
	if d.wpos < d.nSend {
		m.transmit(d.w[d.wpos])
		m.enterState(StateWriteData)
		return
	}
	m.endWrite()
}

func (m *Machine) endWrite() {
	if m.req.RepeatedStart {
		m.a.Restart()
		m.await(OpRestart)
		m.enterState(StateRestart)
		return
	}
	m.stop()
}

func (m *Machine) onReadData(sig Signal) {
	d := m.req.Device
	switch {
	case sig == SignalDataReceived && m.waiting == OpReceive:
		m.settle()
		d.r[d.rpos] = m.a.ReceivedByte()
		d.rpos++
		m.ack(d.rpos < d.nRecv)
		m.enterState(StateReadData)
	case sig == SignalBusIdle && m.waiting == OpAck:
		m.settle()
		if d.rpos < d.nRecv {
			m.receive()
			return
		}
		m.stop()
	}
}

func (m *Machine) onRestart(sig Signal) {
	if sig != SignalBusIdle {
		return
	}
	m.settle()
	m.req.RepeatedStart = false
	m.req.Restarted = true
	m.enterState(StateIdle)
	m.idle(true, nil)
}

func (m *Machine) onStop(sig Signal) {
	if sig != SignalBusIdle {
		return
	}
	m.settle()
	m.enterState(StateIdle)
	m.idle(false, nil)
}

func (m *Machine) onAbort(sig Signal) {
	if sig != SignalBusIdle {
		return
	}
	m.settle()
	m.enterState(StateIdle)
	m.idle(false, m.fault)
}

// abort releases the bus after a NACK. The fault is reported once the stop
// condition has completed, or when waiting for it times out.
func (m *Machine) abort(c errcode.Code) {
	m.fault = c
	m.stats.nacks.Add(1)
	m.req.RepeatedStart = false
	m.req.Restarted = false
	m.log.Warn("not acknowledged", "addr", m.req.Address, "code", string(c))
	m.a.Stop()
	m.await(OpStop)
	m.enterState(StateAbort)
}

func (m *Machine) onTimeout() {
	if m.state == StateIdle {
		return
	}
	if !m.timer.Expired() {
		m.stats.retries.Add(1)
		m.reissue()
		return
	}
	fault := errcode.Timeout
	if m.state == StateAbort {
		fault = m.fault
	}
	m.log.Warn("retries exhausted", "state", m.state.String(), "awaiting", m.waiting.String(), "addr", m.req.Address)
	// Best effort: the bus did not answer, so the stop is not awaited.
	m.a.Stop()
	m.waiting = 0
	m.txHeld = false
	m.timer.Disarm()
	m.req.RepeatedStart = false
	m.req.Restarted = false
	m.enterState(StateIdle)
	m.idle(false, fault)
}

func (m *Machine) idle(restarted bool, err error) {
	d := m.req.Device
	if !restarted {
		m.req.Device = nil
	}
	if m.onIdle != nil {
		m.onIdle(d, restarted, err)
		return
	}
	if !restarted {
		d.complete(err)
	}
}
