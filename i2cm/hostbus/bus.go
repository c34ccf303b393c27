// Package hostbus is a simulated byte-level I²C adapter for host-side tests
// and tooling. It implements i2cm.Adapter over a set of in-memory targets,
// completes each primitive after a configurable number of Step calls, and
// records every primitive the engine issued.
package hostbus

import (
	"fmt"
	"sync"

	"i2cmaster-go/i2cm"
)

// Kind of a recorded primitive.
type Kind uint8

const (
	KindStart Kind = iota
	KindRestart
	KindStop
	KindTx
	KindRx
	KindAck
	KindNack
)

// Primitive is one bus primitive as issued by the engine.
type Primitive struct {
	Kind Kind
	Byte byte // KindTx only
}

func (p Primitive) String() string {
	switch p.Kind {
	case KindStart:
		return "start"
	case KindRestart:
		return "restart"
	case KindStop:
		return "stop"
	case KindTx:
		return fmt.Sprintf("tx 0x%02X", p.Byte)
	case KindRx:
		return "rx"
	case KindAck:
		return "ack"
	case KindNack:
		return "nack"
	default:
		return "?"
	}
}

// Target is a simulated bus device. Methods are called with the bus lock
// held and must not call back into the Bus.
type Target interface {
	// Begin is called when the target's address is transmitted; the
	// return value is the address acknowledgement.
	Begin(read bool) bool
	// Write receives one data byte; the return value is its acknowledgement.
	Write(b byte) bool
	// Read supplies the next byte to the master.
	Read() byte
	// End is called on a stop condition.
	End()
}

var _ i2cm.Adapter = (*Bus)(nil)

// Bus is a simulated adapter. The zero latency completes every primitive
// as soon as it is issued.
type Bus struct {
	mu      sync.Mutex
	targets map[uint8]Target
	latency int
	stall   i2cm.Op
	txFull  bool

	pending i2cm.Op
	left    int
	txByte  byte

	addressing bool
	cur        Target
	read       bool
	ack        bool
	rx         byte
	rxReady    bool

	trace      []Primitive
	onComplete func(i2cm.Op)
}

// New returns a bus whose primitives complete after latency Step calls.
func New(latency int) *Bus {
	if latency < 0 {
		latency = 0
	}
	return &Bus{targets: map[uint8]Target{}, latency: latency}
}

// Attach places t at the 7-bit address addr.
func (b *Bus) Attach(addr uint8, t Target) {
	b.mu.Lock()
	b.targets[addr&0x7f] = t
	b.mu.Unlock()
}

func (b *Bus) Detach(addr uint8) {
	b.mu.Lock()
	delete(b.targets, addr&0x7f)
	b.mu.Unlock()
}

// Stall makes the given operations never complete until Stall is called
// again without them.
func (b *Bus) Stall(ops i2cm.Op) {
	b.mu.Lock()
	b.stall = ops
	b.mu.Unlock()
}

// SetTransmitFull forces TransmitFull to report full.
func (b *Bus) SetTransmitFull(full bool) {
	b.mu.Lock()
	b.txFull = full
	b.mu.Unlock()
}

// OnComplete registers a callback run after each operation completes,
// outside the bus lock. It plays the role of the peripheral interrupt.
func (b *Bus) OnComplete(fn func(i2cm.Op)) {
	b.mu.Lock()
	b.onComplete = fn
	b.mu.Unlock()
}

// Step advances simulated hardware time by one unit.
func (b *Bus) Step() {
	b.mu.Lock()
	if b.pending == 0 || b.stall&b.pending != 0 {
		b.mu.Unlock()
		return
	}
	if b.left > 0 {
		b.left--
	}
	if b.left > 0 {
		b.mu.Unlock()
		return
	}
	b.finish()
}

// Trace returns a copy of the primitives issued so far.
func (b *Bus) Trace() []Primitive {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Primitive(nil), b.trace...)
}

// Strings renders Trace one primitive per element.
func (b *Bus) Strings() []string {
	t := b.Trace()
	out := make([]string, len(t))
	for i, p := range t {
		out[i] = p.String()
	}
	return out
}

func (b *Bus) ResetTrace() {
	b.mu.Lock()
	b.trace = b.trace[:0]
	b.mu.Unlock()
}

// ---- i2cm.Adapter ----

func (b *Bus) Start()   { b.issue(Primitive{Kind: KindStart}, i2cm.OpStart) }
func (b *Bus) Stop()    { b.issue(Primitive{Kind: KindStop}, i2cm.OpStop) }
func (b *Bus) Restart() { b.issue(Primitive{Kind: KindRestart}, i2cm.OpRestart) }

func (b *Bus) SendAck(ack bool) {
	k := KindNack
	if ack {
		k = KindAck
	}
	b.issue(Primitive{Kind: k}, i2cm.OpAck)
}

func (b *Bus) AckReceived() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ack
}

func (b *Bus) EnableReceive() {
	b.mu.Lock()
	b.rxReady = false
	b.mu.Unlock()
	b.issue(Primitive{Kind: KindRx}, i2cm.OpReceive)
}

func (b *Bus) ReceiveAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rxReady
}

func (b *Bus) ReceivedByte() byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rxReady = false
	return b.rx
}

func (b *Bus) TransmitByte(v byte) {
	b.mu.Lock()
	b.txByte = v
	b.mu.Unlock()
	b.issue(Primitive{Kind: KindTx, Byte: v}, i2cm.OpTransmit)
}

func (b *Bus) TransmitFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.txFull
}

func (b *Bus) Pending() i2cm.Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// ---- simulation ----

func (b *Bus) issue(p Primitive, op i2cm.Op) {
	b.mu.Lock()
	b.trace = append(b.trace, p)
	b.pending = op
	b.left = b.latency
	if b.left > 0 || b.stall&op != 0 {
		b.mu.Unlock()
		return
	}
	b.finish()
}

// finish completes the pending operation. Called with b.mu held; it
// releases the lock before running the completion callback.
func (b *Bus) finish() {
	op := b.pending
	switch op {
	case i2cm.OpStart, i2cm.OpRestart:
		b.addressing = true
	case i2cm.OpStop:
		if b.cur != nil {
			b.cur.End()
		}
		b.cur = nil
		b.addressing = false
	case i2cm.OpTransmit:
		if b.addressing {
			b.addressing = false
			b.read = b.txByte&1 == 1
			t := b.targets[b.txByte>>1]
			if t != nil && t.Begin(b.read) {
				b.cur, b.ack = t, true
			} else {
				b.cur, b.ack = nil, false
			}
			break
		}
		b.ack = b.cur != nil && !b.read && b.cur.Write(b.txByte)
	case i2cm.OpReceive:
		b.rx = 0xFF
		if b.cur != nil && b.read {
			b.rx = b.cur.Read()
		}
		b.rxReady = true
	}
	b.pending = 0
	cb := b.onComplete
	b.mu.Unlock()
	if cb != nil {
		cb(op)
	}
}
