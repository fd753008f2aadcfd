package serialport

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"furnace", FurnaceConfig("/dev/ttyUSB1"), ""},
		{"mfc", MFCConfig("/dev/ttyUSB0"), ""},
		{"no device", Config{Baud: 9600, Parity: ParityNone}, "device path"},
		{"bad baud", Config{Device: "x", Parity: ParityNone}, "baud"},
		{"bad parity", Config{Device: "x", Baud: 9600, Parity: 'X'}, "parity"},
		{"negative timeout", Config{Device: "x", Baud: 9600, Parity: ParityOdd, ReadTimeout: -1}, "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_LineSettings(t *testing.T) {
	f := FurnaceConfig("/dev/ttyUSB1").toSerial()
	assert.Equal(t, 9600, f.Baud)
	assert.EqualValues(t, 8, f.Size)
	assert.EqualValues(t, 'N', f.Parity)
	assert.EqualValues(t, 1, f.StopBits)

	m := MFCConfig("/dev/ttyUSB0").toSerial()
	assert.EqualValues(t, 'O', m.Parity)
	assert.Equal(t, DefaultReadTimeout, m.ReadTimeout)
}

func TestOpen_InvalidConfig(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestSimulator_RequestReply(t *testing.T) {
	sim := NewSimulator('\r', func(req []byte) []byte {
		return append([]byte("echo:"), req...)
	})

	_, err := sim.Write([]byte("ID"))
	require.NoError(t, err)
	assert.Empty(t, sim.Requests())

	_, err = sim.Write([]byte("\r"))
	require.NoError(t, err)
	require.Len(t, sim.Requests(), 1)
	assert.Equal(t, []byte("ID\r"), sim.Requests()[0])

	reply, err := io.ReadAll(sim)
	require.NoError(t, err)
	assert.Equal(t, "echo:ID\r", string(reply))
}

func TestSimulator_Silence(t *testing.T) {
	sim := NewSimulator('\r', func([]byte) []byte { return nil })

	_, err := sim.Write([]byte("FL 1\r"))
	require.NoError(t, err)

	n, err := sim.Read(make([]byte, 8))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSimulator_MultipleRequestsInOneWrite(t *testing.T) {
	sim := NewSimulator('\r', func(req []byte) []byte { return req[:1] })

	_, err := sim.Write([]byte("A\rB\rC"))
	require.NoError(t, err)
	assert.Len(t, sim.Requests(), 2)

	reply, err := io.ReadAll(sim)
	require.NoError(t, err)
	assert.Equal(t, "AB", string(reply))
}

func TestSimulator_Closed(t *testing.T) {
	sim := NewSimulator('\r', nil)
	require.NoError(t, sim.Close())
	assert.True(t, sim.Closed())

	_, err := sim.Write([]byte("x\r"))
	require.ErrorIs(t, err, ErrPortClosed)

	_, err = sim.Read(make([]byte, 1))
	require.ErrorIs(t, err, ErrPortClosed)
}

func TestDrain(t *testing.T) {
	sim := NewSimulator('\r', func([]byte) []byte { return []byte("stale") })
	_, err := sim.Write([]byte("x\r"))
	require.NoError(t, err)

	require.NoError(t, Drain(sim))

	n, err := sim.Read(make([]byte, 8))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}
