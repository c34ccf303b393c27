package hostbus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i2cmaster-go/i2cm"
	"i2cmaster-go/i2cm/hostbus"
)

func TestBus_LatencyAndPending(t *testing.T) {
	b := hostbus.New(2)
	b.Start()
	assert.Equal(t, i2cm.OpStart, b.Pending())
	b.Step()
	assert.Equal(t, i2cm.OpStart, b.Pending())
	b.Step()
	assert.Zero(t, b.Pending())
	b.Step() // nothing pending
	assert.Equal(t, []string{"start"}, b.Strings())
}

func TestBus_StallHoldsOperation(t *testing.T) {
	b := hostbus.New(0)
	b.Stall(i2cm.OpStop)
	b.Stop()
	for i := 0; i < 5; i++ {
		b.Step()
	}
	assert.Equal(t, i2cm.OpStop, b.Pending())
	b.Stall(0)
	b.Step()
	assert.Zero(t, b.Pending())
}

func TestBus_AddressingAndData(t *testing.T) {
	b := hostbus.New(0)
	mem := hostbus.NewMemory(4).Load([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	b.Attach(0x50, mem)

	b.Start()
	b.TransmitByte(0xA0)
	require.True(t, b.AckReceived())
	b.TransmitByte(0x02)
	require.True(t, b.AckReceived())
	b.Restart()
	b.TransmitByte(0xA1)
	require.True(t, b.AckReceived())
	b.EnableReceive()
	require.True(t, b.ReceiveAvailable())
	assert.Equal(t, byte(0xBE), b.ReceivedByte())
	assert.False(t, b.ReceiveAvailable())
	b.SendAck(false)
	b.Stop()

	assert.Equal(t, []string{"start", "tx 0xA0", "tx 0x02", "restart", "tx 0xA1", "rx", "nack", "stop"}, b.Strings())
	tr := b.Trace()
	assert.Equal(t, hostbus.KindTx, tr[1].Kind)
	assert.Equal(t, byte(0xA0), tr[1].Byte)
}

func TestBus_MissingTargetNacksAndReadsHigh(t *testing.T) {
	b := hostbus.New(0)
	b.Start()
	b.TransmitByte(0x21)
	assert.False(t, b.AckReceived())
	b.EnableReceive()
	assert.Equal(t, byte(0xFF), b.ReceivedByte())
}

func TestBus_Detach(t *testing.T) {
	b := hostbus.New(0)
	b.Attach(0x10, &hostbus.Script{})
	b.Detach(0x10)
	b.Start()
	b.TransmitByte(0x20)
	assert.False(t, b.AckReceived())
}

func TestBus_OnCompleteRunsOutsideLock(t *testing.T) {
	b := hostbus.New(1)
	var ops []i2cm.Op
	b.OnComplete(func(op i2cm.Op) {
		ops = append(ops, op)
		_ = b.Pending() // would deadlock if the lock were held
	})
	b.Start()
	b.Step()
	b.SendAck(true)
	b.Step()
	assert.Equal(t, []i2cm.Op{i2cm.OpStart, i2cm.OpAck}, ops)
}

func TestBus_TransmitFullAndResetTrace(t *testing.T) {
	b := hostbus.New(0)
	b.SetTransmitFull(true)
	assert.True(t, b.TransmitFull())
	b.SetTransmitFull(false)
	assert.False(t, b.TransmitFull())
	b.Start()
	b.ResetTrace()
	assert.Empty(t, b.Trace())
}

func TestMemory_PointerAndNacks(t *testing.T) {
	m := hostbus.NewMemory(4)
	require.True(t, m.Begin(false))
	assert.True(t, m.Write(0x03)) // pointer
	assert.True(t, m.Write(0x11))
	assert.True(t, m.Write(0x22)) // wraps
	assert.Equal(t, []byte{0x22, 0x00, 0x00, 0x11}, m.Bytes())

	require.True(t, m.Begin(true))
	assert.Equal(t, byte(0x00), m.Read())

	m.NackAfter = 1
	require.True(t, m.Begin(false))
	assert.True(t, m.Write(0x00))
	assert.False(t, m.Write(0x99))

	m.Busy = 1
	assert.False(t, m.Begin(false))
	assert.True(t, m.Begin(false))
}

func TestScript_RepliesThenFloats(t *testing.T) {
	s := &hostbus.Script{Reply: []byte{0x01}}
	assert.True(t, s.Begin(true))
	assert.Equal(t, byte(0x01), s.Read())
	assert.Equal(t, byte(0xFF), s.Read())
	assert.True(t, s.Write(0x42))
	s.End()
	assert.Equal(t, []byte{0x42}, s.Written())
	assert.Equal(t, 1, s.Starts)
	assert.Equal(t, 1, s.Stops)
}
