package i2cm

// Signal is the kind of event fed into the transaction state machine.
type Signal uint8

const (
	SignalNone Signal = iota
	SignalBeginTransfer
	SignalBusIdle
	SignalAckReceived
	SignalDataReceived
	SignalTimeout
)

func (s Signal) String() string {
	switch s {
	case SignalBeginTransfer:
		return "begin"
	case SignalBusIdle:
		return "bus_idle"
	case SignalAckReceived:
		return "ack_received"
	case SignalDataReceived:
		return "data_received"
	case SignalTimeout:
		return "timeout"
	default:
		return "none"
	}
}

// Request is the single in-flight transaction of a bus. It is mutated in
// place by the state machine as the transaction progresses.
type Request struct {
	Signal Signal

	// Address is the 7-bit device address shifted left with the R/W bit
	// applied.
	Address byte

	// RepeatedStart ends the write phase with restart() instead of stop().
	RepeatedStart bool

	// Restarted records that a repeated start was just performed, so the
	// next Begin-Transfer continues on the held bus from the address byte.
	Restarted bool

	Read bool

	Device *Device
}
