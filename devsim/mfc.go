package devsim

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/arloliu/go-anneal/serialport"
)

const (
	mfcChannels    = 8
	mfcGasSets     = 5
	mfcMaxSetpoint = 1100
	mfcMaxRange    = 39

	// DefaultIdentity is the identification string returned by the simulated 647B.
	DefaultIdentity = "MGC 647B V4.02 (simulated)"
)

// 647B error codes, the digit following the 'E' sentinel.
const (
	ErrCodeChannel    byte = '0'
	ErrCodeCommand    byte = '1'
	ErrCodeSyntax     byte = '2'
	ErrCodeExpression byte = '3'
	ErrCodeValue      byte = '4'
	ErrCodeAutozero   byte = '5'
)

type mfcChannel struct {
	rangeCode  int
	setpoint   int
	gas        [mfcGasSets + 1]int
	correction int // percent
}

// MFC simulates an MKS 647B flow controller.
type MFC struct {
	mu sync.Mutex

	channels [mfcChannels + 1]mfcChannel
	valves   [mfcChannels + 1]bool
	gasMenu  int
	identity string

	failures []byte
	silent   bool
	log      []string
}

// NewMFC creates a flow controller with all valves closed, every channel on
// range code 9 (1 SLM) and a 100% gas correction factor.
func NewMFC() *MFC {
	m := &MFC{identity: DefaultIdentity}
	for ch := 1; ch <= mfcChannels; ch++ {
		m.channels[ch] = mfcChannel{rangeCode: 9, correction: 100}
	}

	return m
}

// Port returns a serial port connected to the flow controller.
func (m *MFC) Port() *serialport.Simulator {
	return serialport.NewSimulator('\r', m.Handle)
}

// Handle answers one CR terminated command line.
func (m *MFC) Handle(req []byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.silent {
		return nil
	}

	line := strings.TrimRight(string(req), "\r\n")
	m.log = append(m.log, line)

	if len(m.failures) > 0 {
		code := m.failures[0]
		m.failures = m.failures[1:]

		return mfcError(code)
	}

	reply, code := m.execute(line)
	if code != 0 {
		return mfcError(code)
	}

	return []byte(reply + "\r\n")
}

func mfcError(code byte) []byte {
	return []byte{'E', code, '\r', '\n'}
}

func (m *MFC) execute(line string) (string, byte) {
	fields := strings.Fields(line)
	if len(line) < 2 || len(fields) == 0 {
		return "", ErrCodeSyntax
	}

	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "ID":
		return m.identity, 0

	case "ON", "OF":
		ch, code := parseChannel(args, 0)
		if code != 0 {
			return "", code
		}
		m.valves[ch] = cmd == "ON"
		return "", 0

	case "GM":
		if len(args) != 1 {
			return "", ErrCodeSyntax
		}
		if args[0] == "R" {
			return strconv.Itoa(m.gasMenu), 0
		}
		v, code := parseValue(args[0], 0, mfcGasSets)
		if code != 0 {
			return "", code
		}
		m.gasMenu = v
		return "", 0

	case "FS":
		ch, code := parseChannel(args, 1)
		if code != 0 {
			return "", code
		}
		if len(args) != 2 {
			return "", ErrCodeSyntax
		}
		if args[1] == "R" {
			return fmt.Sprintf("%04d", m.channels[ch].setpoint), 0
		}
		v, code := parseValue(args[1], 0, mfcMaxSetpoint)
		if code != 0 {
			return "", code
		}
		m.channels[ch].setpoint = v
		return "", 0

	case "GP":
		ch, code := parseChannel(args, 1)
		if code != 0 {
			return "", code
		}
		if len(args) != 3 {
			return "", ErrCodeSyntax
		}
		set, code := parseValue(args[1], 1, mfcGasSets)
		if code != 0 {
			return "", code
		}
		if args[2] == "R" {
			return fmt.Sprintf("%04d", m.channels[ch].gas[set]), 0
		}
		v, code := parseValue(args[2], 0, mfcMaxSetpoint)
		if code != 0 {
			return "", code
		}
		m.channels[ch].gas[set] = v
		return "", 0

	case "FL":
		ch, code := parseChannel(args, 1)
		if code != 0 {
			return "", code
		}
		return strconv.Itoa(m.actual(ch)), 0

	case "RA":
		ch, code := parseChannel(args, 1)
		if code != 0 {
			return "", code
		}
		if len(args) != 2 {
			return "", ErrCodeSyntax
		}
		if args[1] == "R" {
			return fmt.Sprintf("%02d", m.channels[ch].rangeCode), 0
		}
		v, code := parseValue(args[1], 0, mfcMaxRange)
		if code != 0 {
			return "", code
		}
		m.channels[ch].rangeCode = v
		return "", 0

	case "GC":
		ch, code := parseChannel(args, 1)
		if code != 0 {
			return "", code
		}
		return strconv.Itoa(m.channels[ch].correction), 0

	case "MO":
		if _, code := parseChannel(args, 1); code != 0 {
			return "", code
		}
		return "0", 0

	default:
		return "", ErrCodeCommand
	}
}

// actual returns the measured flow of ch: the active setpoint while both the
// channel valve and the main valve are open, zero otherwise.
func (m *MFC) actual(ch int) int {
	if !m.valves[0] || !m.valves[ch] {
		return 0
	}
	if m.gasMenu > 0 {
		return m.channels[ch].gas[m.gasMenu]
	}

	return m.channels[ch].setpoint
}

func parseChannel(args []string, minCh int) (int, byte) {
	if len(args) == 0 {
		return 0, ErrCodeChannel
	}
	ch, err := strconv.Atoi(args[0])
	if err != nil || ch < minCh || ch > mfcChannels {
		return 0, ErrCodeChannel
	}

	return ch, 0
}

func parseValue(s string, lo int, hi int) (int, byte) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, ErrCodeExpression
	}
	if v < lo || v > hi {
		return 0, ErrCodeValue
	}

	return v, 0
}

// FailNext queues error replies: the next n commands are answered with the
// 'E' sentinel followed by code.
func (m *MFC) FailNext(n int, code byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < n; i++ {
		m.failures = append(m.failures, code)
	}
}

// SetSilent makes the flow controller ignore every command.
func (m *MFC) SetSilent(silent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.silent = silent
}

// SetCorrectionFactor sets the gas correction factor of ch in percent.
func (m *MFC) SetCorrectionFactor(ch int, percent int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.channels[ch].correction = percent
}

// SetRangeCode sets the range code of ch without a command.
func (m *MFC) SetRangeCode(ch int, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.channels[ch].rangeCode = code
}

// Valve reports whether valve ch is open; 0 is the main valve.
func (m *MFC) Valve(ch int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.valves[ch]
}

// RangeCode returns the range code of ch.
func (m *MFC) RangeCode(ch int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.channels[ch].rangeCode
}

// SetpointRaw returns the device-scaled setpoint of ch, 0–1100.
func (m *MFC) SetpointRaw(ch int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.channels[ch].setpoint
}

// GasSetpointRaw returns the device-scaled setpoint of ch in gas set set.
func (m *MFC) GasSetpointRaw(ch int, set int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.channels[ch].gas[set]
}

// GasMenu returns the selected gas menu, 0 for menu X.
func (m *MFC) GasMenu() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.gasMenu
}

// Commands returns every command line received so far.
func (m *MFC) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.log))
	copy(out, m.log)

	return out
}
