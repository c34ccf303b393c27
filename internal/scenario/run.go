package scenario

import (
	"fmt"
	"log/slog"
	"strings"

	"i2cmaster-go/errcode"
	"i2cmaster-go/i2cm"
	"i2cmaster-go/i2cm/hostbus"
)

// MaxTicks bounds one settle loop; a scenario that needs more is reported
// as stuck rather than spinning forever.
const MaxTicks = 1_000_000

// Transfer is the outcome of one transfer step.
type Transfer struct {
	Step    int      `json:"step"`
	Command string   `json:"command"`
	Addr    uint8    `json:"addr"`
	Queued  bool     `json:"queued,omitempty"`
	Seq     int      `json:"seq,omitempty"` // completion order, from 1; 0 when rejected
	Written int      `json:"written"`
	Read    []byte   `json:"read,omitempty"`
	Code    string   `json:"code"`
	Ticks   int      `json:"ticks"`
	Trace   []string `json:"trace"`
}

// OK reports whether the transfer finished without a fault.
func (t *Transfer) OK() bool { return t.Code == string(errcode.OK) }

// Result of a scenario run.
type Result struct {
	Name      string      `json:"name"`
	Transfers []*Transfer `json:"transfers"`
	Trace     []string    `json:"trace"`
	Ticks     int         `json:"ticks"`
	Stats     i2cm.Stats  `json:"stats"`
}

// target is a device slot on the simulated bus.
type target struct {
	dev     *i2cm.Device
	w, r    []byte
	pending *Transfer
	since   int
}

type runner struct {
	log   *slog.Logger
	bus   *hostbus.Bus
	mgr   *i2cm.Manager
	devs  map[uint8]*target
	byDev map[*i2cm.Device]*target
	ticks int
	cut   int
	done  int
	res   *Result
}

// Run executes every step of s and returns the collected result. Transfer
// faults are part of the result; the error is reserved for scenarios that
// cannot be run at all.
func Run(s *Scenario, log *slog.Logger) (*Result, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	steps := make([]step, len(s.Steps))
	for i, line := range s.Steps {
		st, err := parseStep(line)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		steps[i] = st
	}

	r := newRunner(s, log)
	// Every address is registered up front: registration is refused once
	// transfers are in flight.
	for _, st := range steps {
		if st.kind == stepTransfer {
			if _, err := r.target(st.addr, len(st.w), st.nRecv); err != nil {
				return nil, err
			}
		}
	}

	for i, st := range steps {
		if err := r.exec(i+1, s.Steps[i], st); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, s.Steps[i], err)
		}
	}
	if err := r.settle(); err != nil {
		return nil, err
	}
	r.res.Trace = r.bus.Strings()
	r.res.Ticks = r.ticks
	r.res.Stats = r.mgr.Stats()
	return r.res, nil
}

func newRunner(s *Scenario, log *slog.Logger) *runner {
	r := &runner{
		log:   log.With("component", "scenario", "scenario", s.Name),
		bus:   hostbus.New(s.Bus.Latency),
		devs:  map[uint8]*target{},
		byDev: map[*i2cm.Device]*target{},
		res:   &Result{Name: s.Name, Transfers: []*Transfer{}},
	}
	for _, ts := range s.Targets {
		switch ts.Kind {
		case KindMemory:
			data, _ := toBytes(ts.Data)
			m := hostbus.NewMemory(ts.Size).Load(data)
			m.NackAfter = ts.NackAfter
			m.Busy = ts.Busy
			r.bus.Attach(ts.Addr, m)
		case KindScript:
			reply, _ := toBytes(ts.Reply)
			r.bus.Attach(ts.Addr, &hostbus.Script{Reply: reply})
		}
	}
	r.mgr = i2cm.NewManager(r.bus, i2cm.Config{
		TimeoutTicks: s.Bus.TimeoutTicks,
		Retries:      s.Bus.Retries,
		NACKRetries:  s.Bus.NACKRetries,
		Logger:       log,
		OnComplete:   r.complete,
	})
	return r
}

// target returns the device slot for addr, growing its buffers to fit.
func (r *runner) target(addr uint8, nSend, nRecv int) (*target, error) {
	t := r.devs[addr]
	if t == nil {
		t = &target{dev: i2cm.NewDevice(addr)}
		if err := r.mgr.RegisterDevice(t.dev, nil, nil); err != nil {
			return nil, err
		}
		r.devs[addr] = t
		r.byDev[t.dev] = t
	}
	if len(t.w) < nSend {
		t.w = make([]byte, nSend)
	}
	if len(t.r) < nRecv {
		t.r = make([]byte, nRecv)
	}
	return t, nil
}

func (r *runner) exec(n int, line string, st step) error {
	switch st.kind {
	case stepWait:
		return r.settle()
	case stepStall:
		r.bus.Stall(st.ops)
		r.log.Debug("stall", "ops", st.ops.String())
		return nil
	case stepUnstall:
		r.bus.Stall(0)
		return nil
	}

	if !st.queue {
		// Direct transfers need the bus to themselves.
		if err := r.settle(); err != nil {
			return err
		}
	}
	t, err := r.target(st.addr, len(st.w), st.nRecv)
	if err != nil {
		return err
	}
	tr := &Transfer{Step: n, Command: line, Addr: st.addr, Queued: st.queue, Trace: []string{}}
	r.res.Transfers = append(r.res.Transfers, tr)

	if err := t.dev.SetBuffers(t.w, t.r); err != nil {
		tr.Code = string(errcode.Of(err))
		return nil
	}
	copy(t.w, st.w)
	if st.queue {
		err = r.mgr.Queue(t.dev, len(st.w), st.nRecv)
	} else {
		err = r.mgr.BeginTransfer(t.dev, len(st.w), st.nRecv)
	}
	if err != nil {
		// Rejected without touching the bus.
		tr.Code = string(errcode.Of(err))
		return nil
	}
	t.pending, t.since = tr, r.ticks
	if st.queue {
		return nil
	}
	return r.settle()
}

// complete runs in dispatch context when a device finishes or fails.
func (r *runner) complete(d *i2cm.Device) {
	t := r.byDev[d]
	if t == nil || t.pending == nil {
		return
	}
	tr := t.pending
	t.pending = nil

	trace := r.bus.Strings()
	tr.Trace = append(tr.Trace, trace[r.cut:]...)
	r.cut = len(trace)
	tr.Written = d.Written()
	if n := d.ReadCount(); n > 0 {
		tr.Read = append([]byte(nil), d.ReadBytes()...)
	}
	tr.Code = string(errcode.Of(d.Err()))
	tr.Ticks = r.ticks - t.since
	r.done++
	tr.Seq = r.done
	r.log.Debug("transfer done", "step", tr.Step, "addr", tr.Addr, "code", tr.Code, "ticks", tr.Ticks)
}

// settle ticks until no transfer is queued or in flight.
func (r *runner) settle() error {
	for i := 0; i < MaxTicks; i++ {
		if r.quiet() {
			return nil
		}
		r.bus.Step()
		r.mgr.Process()
		r.ticks++
	}
	return fmt.Errorf("bus did not settle after %d ticks (state %s)", MaxTicks, r.mgr.State())
}

func (r *runner) quiet() bool {
	if !r.mgr.Idle() {
		return false
	}
	for _, t := range r.devs {
		if r.mgr.IsDeviceBusy(t.dev) {
			return false
		}
	}
	return true
}

// Transcript renders r as stable text, one block per transfer.
func (r *Result) Transcript() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", r.Name)
	for _, t := range r.Transfers {
		fmt.Fprintf(&b, "[%d] %s\n", t.Step, t.Command)
		b.WriteString("    ")
		if t.Seq > 0 {
			fmt.Fprintf(&b, "#%d ", t.Seq)
		}
		fmt.Fprintf(&b, "%s written=%d", t.Code, t.Written)
		if len(t.Read) > 0 {
			fmt.Fprintf(&b, " read=% X", t.Read)
		}
		b.WriteByte('\n')
		if len(t.Trace) > 0 {
			fmt.Fprintf(&b, "    trace: %s\n", strings.Join(t.Trace, ", "))
		}
	}
	s := r.Stats
	fmt.Fprintf(&b, "stats: begun=%d completed=%d failed=%d retries=%d nacks=%d\n",
		s.Begun, s.Completed, s.Failed, s.Retries, s.NACKs)
	return b.String()
}
