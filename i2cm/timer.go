package i2cm

// TimerEvent is what one Timer.Tick observed.
type TimerEvent uint8

const (
	TimerQuiet     TimerEvent = iota // nothing happened
	TimerRetry                       // period elapsed, retry budget remains
	TimerExhausted                   // period elapsed for the last time
)

// Timer is a tick-driven countdown with a bounded retry counter.
//
// Arm only requests a start: the next Tick loads the countdown and the retry
// budget. Each time the countdown reaches zero one unit of budget is
// consumed; while budget remains the countdown reloads and TimerRetry is
// reported, otherwise the timer stops and reports TimerExhausted once.
type Timer struct {
	period uint16
	budget uint8

	count   uint16
	retries uint8

	start   bool
	active  bool
	expired bool
}

// NewTimer returns a disarmed timer. Zero period or budget are coerced to 1.
func NewTimer(period uint16, budget uint8) Timer {
	if period == 0 {
		period = 1
	}
	if budget == 0 {
		budget = 1
	}
	return Timer{period: period, budget: budget}
}

func (t *Timer) Arm() {
	t.start = true
	t.active = false
	t.expired = false
}

func (t *Timer) Disarm() {
	t.start = false
	t.active = false
}

func (t *Timer) Tick() TimerEvent {
	if t.start {
		t.start = false
		t.count = t.period
		t.retries = t.budget
		t.active = true
		return TimerQuiet
	}
	if !t.active {
		return TimerQuiet
	}
	t.count--
	if t.count > 0 {
		return TimerQuiet
	}
	t.retries--
	if t.retries > 0 {
		t.count = t.period
		return TimerRetry
	}
	t.active = false
	t.expired = true
	return TimerExhausted
}

// Armed reports whether a start is pending or the countdown is running.
func (t *Timer) Armed() bool { return t.start || t.active }

func (t *Timer) Active() bool  { return t.active }
func (t *Timer) Expired() bool { return t.expired }

// Remaining returns the retry budget left in the running countdown.
func (t *Timer) Remaining() uint8 { return t.retries }
