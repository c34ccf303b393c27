package i2cm

// Op is a set of bus operations. Adapters use it to report which of the
// operations issued by the engine are still in progress.
type Op uint8

const (
	OpStart Op = 1 << iota
	OpStop
	OpRestart
	OpTransmit
	OpReceive
	OpAck
)

func (o Op) String() string {
	switch o {
	case 0:
		return "none"
	case OpStart:
		return "start"
	case OpStop:
		return "stop"
	case OpRestart:
		return "restart"
	case OpTransmit:
		return "transmit"
	case OpReceive:
		return "receive"
	case OpAck:
		return "ack"
	default:
		return "multiple"
	}
}

// Adapter is the byte-level capability set of one bus peripheral. The
// engine never touches registers; it only calls these methods.
//
// Every primitive must return immediately after starting the operation.
// Progress is reported through Pending: an operation the engine issued is
// complete once its bit is no longer set. A received byte is signalled by
// ReceiveAvailable instead.
type Adapter interface {
	Start()
	Stop()
	Restart()
	SendAck(ack bool)
	AckReceived() bool
	EnableReceive()
	ReceiveAvailable() bool
	ReceivedByte() byte
	TransmitByte(b byte)
	TransmitFull() bool
	Pending() Op
}
