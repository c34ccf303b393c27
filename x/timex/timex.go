package timex

import (
	"math"
	"time"

	"i2cmaster-go/x/mathx"
)

// NowMs returns Unix milliseconds as int64.
func NowMs() int64 { return time.Now().UnixMilli() }

// Ticks converts d into a whole number of timer ticks of the given period,
// rounding up. The result is clamped to [1, MaxUint16]; period <= 0 is
// coerced to 1ms.
func Ticks(d, period time.Duration) uint16 {
	if period <= 0 {
		period = time.Millisecond
	}
	n := mathx.CeilDiv(int64(max(d, 0)), int64(period))
	return uint16(mathx.Clamp(n, 1, math.MaxUint16))
}

// Ms converts a millisecond count to a Duration; values <= 0 yield def.
func Ms(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
