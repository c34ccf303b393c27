package i2cm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i2cmaster-go/errcode"
	"i2cmaster-go/i2cm"
	"i2cmaster-go/i2cm/hostbus"
)

// drain runs the bus until every device is idle.
func drain(t *testing.T, m *i2cm.Manager, bus *hostbus.Bus, ds ...*i2cm.Device) {
	t.Helper()
	for n := 0; n < 10000; n++ {
		bus.Step()
		m.Process()
		busy := !m.Idle()
		for _, d := range ds {
			busy = busy || m.IsDeviceBusy(d)
		}
		if !busy {
			return
		}
	}
	t.Fatalf("bus never drained, state %s", m.State())
}

func TestBeginTransfer_RejectedWhileInFlight(t *testing.T) {
	bus := hostbus.New(2)
	bus.Attach(0x10, &hostbus.Script{})
	bus.Attach(0x11, &hostbus.Script{})
	m := i2cm.NewManager(bus, i2cm.Config{})

	d1 := newDevice(t, m, 0x10, []byte{0x01}, nil)
	d2 := newDevice(t, m, 0x11, []byte{0x02}, nil)
	require.NoError(t, m.BeginTransfer(d1, 1, 0))

	before := bus.Strings()
	err := m.BeginTransfer(d2, 1, 0)
	assert.ErrorIs(t, err, errcode.Busy)
	assert.Equal(t, before, bus.Strings(), "rejected request must not touch the bus")
	assert.False(t, m.IsDeviceBusy(d2))

	drive(t, m, bus, d1)
	assert.True(t, d1.Finished())
	require.NoError(t, m.BeginTransfer(d2, 1, 0))
	drive(t, m, bus, d2)
	assert.True(t, d2.Finished())
}

func TestBeginTransfer_Validation(t *testing.T) {
	bus := hostbus.New(0)
	m := i2cm.NewManager(bus, i2cm.Config{})
	other := i2cm.NewManager(hostbus.New(0), i2cm.Config{})

	d := newDevice(t, m, 0x20, make([]byte, 2), make([]byte, 1))
	foreign := i2cm.NewDevice(0x21)
	require.NoError(t, other.RegisterDevice(foreign, nil, nil))

	assert.ErrorIs(t, m.BeginTransfer(nil, 0, 0), errcode.UnknownDevice)
	assert.ErrorIs(t, m.BeginTransfer(i2cm.NewDevice(0x22), 0, 0), errcode.UnknownDevice)
	assert.ErrorIs(t, m.BeginTransfer(foreign, 0, 0), errcode.UnknownDevice)
	assert.ErrorIs(t, m.BeginTransfer(d, 3, 0), errcode.InvalidParams)
	assert.ErrorIs(t, m.BeginTransfer(d, 0, 2), errcode.InvalidParams)
	assert.ErrorIs(t, m.BeginTransfer(d, -1, 0), errcode.InvalidParams)
	assert.ErrorIs(t, m.Queue(d, 0, 5), errcode.InvalidParams)
	assert.Empty(t, bus.Strings())
	assert.False(t, m.IsDeviceBusy(d))
}

func TestRegisterDevice(t *testing.T) {
	bus := hostbus.New(1)
	bus.Attach(0x30, &hostbus.Script{})
	m := i2cm.NewManager(bus, i2cm.Config{})

	assert.ErrorIs(t, m.RegisterDevice(nil, nil, nil), errcode.InvalidParams)

	d := newDevice(t, m, 0x30, []byte{0x00}, nil)
	assert.ErrorIs(t, m.RegisterDevice(d, nil, nil), errcode.InvalidParams)

	require.NoError(t, m.BeginTransfer(d, 1, 0))
	late := i2cm.NewDevice(0x31)
	assert.ErrorIs(t, m.RegisterDevice(late, nil, nil), errcode.Busy)
	drive(t, m, bus, d)
	assert.NoError(t, m.RegisterDevice(late, nil, nil))
	assert.Len(t, m.Devices(), 2)
}

func TestRegisterDevice_MasksAddress(t *testing.T) {
	d := i2cm.NewDevice(0xD0)
	assert.Equal(t, uint8(0x50), d.Addr())
}

func TestFlags_FinishedAndBusy(t *testing.T) {
	bus := hostbus.New(1)
	bus.Attach(0x40, &hostbus.Script{})
	m := i2cm.NewManager(bus, i2cm.Config{})
	d := newDevice(t, m, 0x40, []byte{0x01, 0x02}, nil)

	assert.False(t, m.IsDeviceBusy(d))
	assert.False(t, m.IsTransferFinished(d))

	require.NoError(t, m.BeginTransfer(d, 2, 0))
	assert.True(t, m.IsDeviceBusy(d))
	assert.False(t, m.IsTransferFinished(d))
	assert.ErrorIs(t, d.SetBuffers(nil, nil), errcode.Busy)

	drive(t, m, bus, d)
	assert.False(t, m.IsDeviceBusy(d))
	assert.True(t, m.IsTransferFinished(d))
	assert.True(t, m.IsTransferFinished(d), "reading the flag must not clear it")

	d.ClearFinished()
	assert.False(t, m.IsTransferFinished(d))
	assert.NoError(t, d.SetBuffers([]byte{0x09}, nil))
}

func TestFlags_FailureLeavesFinishedClear(t *testing.T) {
	bus := hostbus.New(0)
	m := i2cm.NewManager(bus, i2cm.Config{})
	d := newDevice(t, m, 0x41, []byte{0x01}, nil)

	require.NoError(t, m.BeginTransfer(d, 1, 0))
	drive(t, m, bus, d)
	assert.False(t, m.IsDeviceBusy(d))
	assert.False(t, m.IsTransferFinished(d))
	assert.ErrorIs(t, d.Err(), errcode.NACKAddress)

	// The next transfer clears the previous fault.
	bus.Attach(0x41, &hostbus.Script{})
	require.NoError(t, m.BeginTransfer(d, 1, 0))
	drive(t, m, bus, d)
	assert.NoError(t, d.Err())
	assert.True(t, d.Finished())

	st := m.Stats()
	assert.Equal(t, uint32(1), st.Failed)
	assert.Equal(t, uint32(1), st.Completed)
}

func TestProbe(t *testing.T) {
	bus := hostbus.New(0)
	present := &hostbus.Script{}
	bus.Attach(0x68, present)
	m := i2cm.NewManager(bus, i2cm.Config{})

	d := newDevice(t, m, 0x68, nil, nil)
	require.NoError(t, m.BeginTransfer(d, 0, 0))
	drive(t, m, bus, d)
	assert.Equal(t, []string{"start", "tx 0xD0", "stop"}, bus.Strings())
	assert.True(t, d.Finished())
	assert.Equal(t, 1, present.Starts)
	assert.Equal(t, 1, present.Stops)

	bus.ResetTrace()
	missing := newDevice(t, m, 0x69, nil, nil)
	require.NoError(t, m.BeginTransfer(missing, 0, 0))
	drive(t, m, bus, missing)
	assert.Equal(t, []string{"start", "tx 0xD2", "stop"}, bus.Strings())
	assert.ErrorIs(t, missing.Err(), errcode.NACKAddress)
}

func TestQueue_RoundRobinOrder(t *testing.T) {
	bus := hostbus.New(1)
	var done []uint8
	m := i2cm.NewManager(bus, i2cm.Config{OnComplete: func(d *i2cm.Device) { done = append(done, d.Addr()) }})

	var ds []*i2cm.Device
	for _, a := range []uint8{0x10, 0x11, 0x12} {
		bus.Attach(a, &hostbus.Script{})
		ds = append(ds, newDevice(t, m, a, []byte{a}, nil))
	}

	// Each registration becomes the next device to service.
	var ring []uint8
	for _, d := range m.Devices() {
		ring = append(ring, d.Addr())
	}
	assert.Equal(t, []uint8{0x12, 0x10, 0x11}, ring)

	for _, d := range ds {
		require.NoError(t, m.Queue(d, 1, 0))
		assert.True(t, m.IsDeviceBusy(d))
		assert.False(t, d.Busy())
	}
	assert.ErrorIs(t, m.Queue(ds[0], 1, 0), errcode.Busy)
	assert.ErrorIs(t, m.BeginTransfer(ds[0], 1, 0), errcode.Busy)

	drain(t, m, bus, ds...)
	assert.Equal(t, []uint8{0x12, 0x10, 0x11}, done)
	for _, d := range ds {
		assert.True(t, d.Finished())
	}
	assert.Equal(t, []string{
		"start", "tx 0x24", "tx 0x12", "stop",
		"start", "tx 0x20", "tx 0x10", "stop",
		"start", "tx 0x22", "tx 0x11", "stop",
	}, bus.Strings())
}

func TestQueue_NoStarvation(t *testing.T) {
	bus := hostbus.New(1)
	var done []uint8
	m := i2cm.NewManager(bus, i2cm.Config{OnComplete: func(d *i2cm.Device) { done = append(done, d.Addr()) }})
	bus.Attach(0x20, &hostbus.Script{})
	bus.Attach(0x21, &hostbus.Script{})
	a := newDevice(t, m, 0x20, []byte{0x01}, nil)
	b := newDevice(t, m, 0x21, []byte{0x02}, nil)

	require.NoError(t, m.Queue(a, 1, 0))
	m.Process()
	require.True(t, a.Busy())
	require.NoError(t, m.Queue(b, 1, 0))

	for i := 0; i < 100 && a.Busy(); i++ {
		bus.Step()
		m.Process()
	}
	require.True(t, a.Finished())
	// a asks again at once; b has been waiting and goes first.
	require.NoError(t, m.Queue(a, 1, 0))
	drain(t, m, bus, a, b)

	assert.Equal(t, []uint8{0x20, 0x21, 0x20}, done)
}

func TestEnableDisable(t *testing.T) {
	bus := hostbus.New(1)
	bus.Attach(0x50, &hostbus.Script{})
	m := i2cm.NewManager(bus, i2cm.Config{})
	d := newDevice(t, m, 0x50, []byte{0x01}, nil)
	q := newDevice(t, m, 0x51, []byte{0x02}, nil)
	bus.Attach(0x51, &hostbus.Script{})

	require.True(t, m.Enabled())
	require.NoError(t, m.BeginTransfer(d, 1, 0))
	require.NoError(t, m.Queue(q, 1, 0))

	// Disabling never aborts the transfer in flight.
	m.Disable()
	assert.ErrorIs(t, m.BeginTransfer(d, 1, 0), errcode.Disabled)
	drive(t, m, bus, d)
	assert.True(t, d.Finished())

	// The queued request waits until the manager is enabled again.
	for i := 0; i < 20; i++ {
		bus.Step()
		m.Process()
	}
	assert.True(t, m.IsDeviceBusy(q))
	assert.False(t, q.Busy())
	assert.ErrorIs(t, m.Queue(d, 1, 0), errcode.Disabled)

	m.Enable()
	drain(t, m, bus, q)
	assert.True(t, q.Finished())
}

func TestCombinedTransfer_TimeoutReleasesBus(t *testing.T) {
	bus := hostbus.New(0)
	bus.Attach(0x50, hostbus.NewMemory(8))
	m := i2cm.NewManager(bus, i2cm.Config{TimeoutTicks: 1, Retries: 2})
	d := newDevice(t, m, 0x50, []byte{0x00}, make([]byte, 2))

	bus.Stall(i2cm.OpRestart)
	require.NoError(t, m.BeginTransfer(d, 1, 2))
	drive(t, m, bus, d)
	assert.Equal(t, []string{"start", "tx 0xA0", "tx 0x00", "restart", "restart", "stop"}, bus.Strings())
	assert.ErrorIs(t, d.Err(), errcode.Timeout)
	assert.True(t, m.Idle())

	bus.Stall(0)
	bus.ResetTrace()
	require.NoError(t, m.BeginTransfer(d, 1, 2))
	drive(t, m, bus, d)
	assert.True(t, d.Finished())
	assert.Equal(t, "start", bus.Strings()[0], "a fresh transfer after a timeout starts with a start condition")
}

func TestStats_CountsPhases(t *testing.T) {
	bus := hostbus.New(0)
	bus.Attach(0x50, hostbus.NewMemory(8))
	m := i2cm.NewManager(bus, i2cm.Config{})
	d := newDevice(t, m, 0x50, []byte{0x00}, make([]byte, 1))

	require.NoError(t, m.BeginTransfer(d, 1, 1))
	drive(t, m, bus, d)

	st := m.Stats()
	assert.Equal(t, uint32(2), st.Begun)
	assert.Equal(t, uint32(1), st.Completed)
	assert.Zero(t, st.Failed)
	assert.Zero(t, st.Refused)
}

func TestQueries_FromDispatchContext(t *testing.T) {
	bus := hostbus.New(0)
	bus.Attach(0x50, &hostbus.Script{})

	var m *i2cm.Manager
	var idleSeen []bool
	var devsSeen []int
	m = i2cm.NewManager(bus, i2cm.Config{
		OnTransition: func(_, to i2cm.State) {
			if to == i2cm.StateStart {
				idleSeen = append(idleSeen, m.Idle())
				devsSeen = append(devsSeen, len(m.Devices()))
			}
		},
	})
	d := newDevice(t, m, 0x50, []byte{0x01}, nil)

	require.NoError(t, m.BeginTransfer(d, 1, 0))
	drive(t, m, bus, d)

	assert.Equal(t, []bool{false}, idleSeen)
	assert.Equal(t, []int{1}, devsSeen)
	assert.True(t, m.Idle())
	assert.Zero(t, m.Stats().Refused)
}
