package devsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func furnaceRequest(t *testing.T, f *Furnace, payload string) string {
	t.Helper()

	return string(f.Handle([]byte("\x02" + payload + "\x03\r")))
}

func TestFurnace_ReadWriteRegister(t *testing.T) {
	f := NewFurnace()

	reply := furnaceRequest(t, f, "01010WWRD0229,01,01F4")
	assert.Equal(t, "\x020101OK\x03\r", reply)

	reply = furnaceRequest(t, f, "01010WRDD0229,01")
	assert.Equal(t, "\x020101OK01F4\x03\r", reply)

	sp, minutes := f.SegmentProgram(1)
	assert.Equal(t, 500, sp)
	assert.Equal(t, 0, minutes)
}

func TestFurnace_Errors(t *testing.T) {
	f := NewFurnace()

	assert.Equal(t, "\x020101ER02\x03\r", furnaceRequest(t, f, "01010XXXX0002,01"))
	assert.Equal(t, "\x020101ER04\x03\r", furnaceRequest(t, f, "01010WWRD0229,01,ZZZZ"))
	assert.Empty(t, furnaceRequest(t, f, "02010WRDD0002,01"), "other station stays silent")
	assert.Equal(t, "\x020101ER02\x03\r", string(f.Handle([]byte("garbage"))))

	f.RejectNext(1)
	assert.Equal(t, "\x020101ER02\x03\r", furnaceRequest(t, f, "01010WRDD0002,01"))
	assert.Equal(t, "\x020101OK0019\x03\r", furnaceRequest(t, f, "01010WRDD0002,01"))

	f.SetSilent(true)
	assert.Empty(t, furnaceRequest(t, f, "01010WRDD0002,01"))
}

func TestFurnace_ProgramExecution(t *testing.T) {
	f := NewFurnace()

	// stage 1: ramp to 125 over 10 minutes, hold 5 minutes
	f.SetRegister(setpointRegister(1), 125)
	f.SetRegister(durationRegister(1), 10)
	f.SetRegister(setpointRegister(2), 125)
	f.SetRegister(durationRegister(2), 5)

	furnaceRequest(t, f, "01010WWRD0121,01,0001")
	require.True(t, f.Running())
	assert.Equal(t, 1, f.Segment())
	assert.EqualValues(t, 10, f.Register(regSegmentTime))

	f.Advance(5)
	assert.InDelta(t, 75.0, f.Temperature(), 0.01)
	assert.EqualValues(t, 75, f.Register(regSetpoint))

	f.Advance(5)
	assert.Equal(t, 2, f.Segment())
	assert.InDelta(t, 125.0, f.Temperature(), 0.01)

	f.Advance(5)
	assert.False(t, f.Running())
	assert.Equal(t, 0, f.Segment())

	f.Advance(2)
	assert.InDelta(t, 115.0, f.Temperature(), 0.01)
}

func TestFurnace_Reset(t *testing.T) {
	f := NewFurnace()
	f.SetRegister(setpointRegister(1), 100)
	f.SetRegister(durationRegister(1), 30)

	furnaceRequest(t, f, "01010WWRD0121,01,0001")
	require.Equal(t, 1, f.Segment())

	furnaceRequest(t, f, "01010WWRD0121,01,0000")
	assert.False(t, f.Running())
	assert.EqualValues(t, 0, f.Register(regSegmentNumber))
}

func TestFurnace_SkipsZeroDurationSegments(t *testing.T) {
	f := NewFurnace()
	f.SetRegister(setpointRegister(1), 100)
	f.SetRegister(durationRegister(1), 0)
	f.SetRegister(setpointRegister(2), 100)
	f.SetRegister(durationRegister(2), 3)

	furnaceRequest(t, f, "01010WWRD0121,01,0001")
	assert.Equal(t, 2, f.Segment())
}

func TestFurnace_Cooling(t *testing.T) {
	f := NewFurnace()
	f.SetTemperature(40)
	f.SetCoolRate(4)

	f.Advance(2)
	assert.InDelta(t, 32.0, f.Temperature(), 0.01)

	f.Advance(10)
	assert.InDelta(t, DefaultAmbient, f.Temperature(), 0.01)
}
