// Package i2cbus hosts one i2cm.Manager behind a worker goroutine and
// exposes it as a blocking, serialised transaction API.
//
// The worker is the only goroutine that touches the engine. It ticks the
// manager from a time.Ticker and accepts a new request only once the
// previous one has finished, failed or been abandoned by its caller.
package i2cbus

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"i2cmaster-go/bus"
	"i2cmaster-go/errcode"
	"i2cmaster-go/i2cm"
	"i2cmaster-go/x/timex"
)

// Stepper is implemented by adapters that need a clock of their own, such
// as the simulated hostbus. Step is called once per tick before Process.
type Stepper interface{ Step() }

const (
	jobPending int32 = iota
	jobClaimed
	jobAbandoned
)

// job posted to the worker
type job struct {
	addr  uint8
	w, r  []byte
	done  chan error // buffered(1)
	state atomic.Int32
	start time.Time
}

// finish hands the result to the caller unless it has already given up.
func (j *job) finish(err error, rd []byte) {
	if !j.state.CompareAndSwap(jobPending, jobClaimed) {
		return
	}
	if err == nil {
		copy(j.r, rd)
	}
	j.done <- err
}

// Owner serialises transactions on one bus.
type Owner struct {
	cfg  Config
	log  *slog.Logger
	a    i2cm.Adapter
	mgr  *i2cm.Manager
	reqs chan *job

	// worker state
	devices map[uint8]*i2cm.Device
	cur     *job
	curDev  *i2cm.Device
	wbuf    []byte
	rbuf    []byte
	conn    *bus.Connection

	running atomic.Bool
	txs     atomic.Uint32
	dropped atomic.Uint32
}

// New returns an owner for adapter a. Nothing runs until Run or Start.
func New(a i2cm.Adapter, cfg Config) *Owner {
	cfg = cfg.withDefaults()
	log := cfg.Logger.With("component", "i2cbus", "bus", cfg.Name)
	o := &Owner{
		cfg:     cfg,
		log:     log,
		a:       a,
		mgr:     i2cm.NewManager(a, cfg.Engine),
		reqs:    make(chan *job, cfg.QueueLen),
		devices: make(map[uint8]*i2cm.Device),
	}
	if cfg.Events != nil {
		o.conn = cfg.Events.NewConnection(cfg.Name)
	}
	return o
}

// TxTopic and StatsTopic are where an owner with Config.Events publishes.
func TxTopic(name string) bus.Topic    { return bus.T("i2c", name, "tx") }
func StatsTopic(name string) bus.Topic { return bus.T("i2c", name, "stats") }

// TxEvent describes one finished transaction.
type TxEvent struct {
	Addr    uint8
	Written int
	Read    []byte // copy; nil on failure or for write-only transfers
	Code    errcode.Code
	Elapsed time.Duration
}

// Start runs the worker in its own goroutine until ctx is done.
func (o *Owner) Start(ctx context.Context) {
	go func() { _ = o.Run(ctx) }()
}

// Run drives the bus until ctx is done. A transaction in flight at that
// point is reported to its caller as a timeout.
func (o *Owner) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errcode.Wrap(errcode.Busy, "run", "owner already running")
	}
	defer o.running.Store(false)

	t := time.NewTicker(o.cfg.TickPeriod)
	defer t.Stop()
	o.log.Debug("bus worker started", "tick", o.cfg.TickPeriod, "timeout_ticks", o.cfg.Engine.TimeoutTicks)

	for {
		// Only accept work while the bus is free.
		var reqs <-chan *job
		if o.cur == nil {
			reqs = o.reqs
		}
		select {
		case <-ctx.Done():
			if o.cur != nil {
				o.cur.finish(errcode.Timeout, nil)
				o.cur, o.curDev = nil, nil
			}
			o.log.Debug("bus worker stopped")
			return ctx.Err()
		case j := <-reqs:
			o.begin(j)
		case <-t.C:
			o.tick()
		}
	}
}

func (o *Owner) begin(j *job) {
	if j.state.Load() == jobAbandoned {
		o.dropped.Add(1)
		return
	}
	d := o.devices[j.addr]
	if d == nil {
		d = i2cm.NewDevice(j.addr)
		if err := o.mgr.RegisterDevice(d, nil, nil); err != nil {
			j.finish(err, nil)
			return
		}
		o.devices[j.addr] = d
	}
	o.wbuf = append(o.wbuf[:0], j.w...)
	if cap(o.rbuf) < len(j.r) {
		o.rbuf = make([]byte, len(j.r))
	}
	if err := d.SetBuffers(o.wbuf, o.rbuf[:len(j.r)]); err != nil {
		j.finish(err, nil)
		return
	}
	if err := o.mgr.BeginTransfer(d, len(j.w), len(j.r)); err != nil {
		j.finish(err, nil)
		return
	}
	j.start = time.Now()
	o.cur, o.curDev = j, d
}

func (o *Owner) tick() {
	if s, ok := o.a.(Stepper); ok {
		s.Step()
	}
	o.mgr.Process()
	if o.cur == nil || o.mgr.IsDeviceBusy(o.curDev) || !o.mgr.Idle() {
		return
	}
	j, d := o.cur, o.curDev
	o.cur, o.curDev = nil, nil
	o.txs.Add(1)
	err := d.Err()
	o.publish(j, d, err)
	j.finish(err, d.ReadBytes())
}

func (o *Owner) publish(j *job, d *i2cm.Device, err error) {
	if o.conn == nil {
		return
	}
	ev := TxEvent{
		Addr:    j.addr,
		Written: d.Written(),
		Code:    errcode.Of(err),
		Elapsed: time.Since(j.start),
	}
	if err == nil && len(j.r) > 0 {
		ev.Read = append([]byte(nil), d.ReadBytes()...)
	}
	o.conn.Publish(&bus.Message{Topic: TxTopic(o.cfg.Name), Payload: ev})
	o.conn.Publish(&bus.Message{Topic: StatsTopic(o.cfg.Name), Payload: o.Stats(), Retained: true})
}

// Tx performs a write of w followed, when r is non-empty, by a read into r
// after a repeated start. timeoutMS <= 0 selects the configured default.
func (o *Owner) Tx(addr uint16, w, r []byte, timeoutMS int) error {
	ctx, cancel := context.WithTimeout(context.Background(), timex.Ms(timeoutMS, o.cfg.DefaultTimeout))
	defer cancel()
	return o.TxContext(ctx, addr, w, r)
}

// TxContext is Tx bounded by ctx. When ctx ends first the engine finishes
// the transfer on its own buffers and the result is discarded; r is not
// written.
func (o *Owner) TxContext(ctx context.Context, addr uint16, w, r []byte) error {
	if addr > 0x7F {
		return errcode.Wrap(errcode.InvalidParams, "tx", "10-bit addresses are not supported")
	}
	j := &job{addr: uint8(addr), w: w, r: r, done: make(chan error, 1)}

	select {
	case o.reqs <- j:
	case <-ctx.Done():
		return errcode.Busy
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobPending, jobAbandoned) {
			o.log.Warn("tx abandoned", "addr", addr, "err", ctx.Err())
			return errcode.Timeout
		}
		// Claimed by the worker just now; the result is on its way.
		return <-j.done
	}
}

// Probe reports whether a device acknowledges addr.
func (o *Owner) Probe(ctx context.Context, addr uint16) (bool, error) {
	err := o.TxContext(ctx, addr, nil, nil)
	switch {
	case err == nil:
		return true, nil
	case errcode.Of(err) == errcode.NACKAddress:
		return false, nil
	default:
		return false, err
	}
}

func (o *Owner) Name() string { return o.cfg.Name }

// OwnerStats is a snapshot of owner and engine counters.
type OwnerStats struct {
	Transactions uint32
	Abandoned    uint32 // requests whose caller gave up before the worker took them
	Engine       i2cm.Stats
}

// Stats may be called from any goroutine.
func (o *Owner) Stats() OwnerStats {
	return OwnerStats{
		Transactions: o.txs.Load(),
		Abandoned:    o.dropped.Load(),
		Engine:       o.mgr.Stats(),
	}
}
