package devsim

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/arloliu/go-anneal/serialport"
)

const (
	stx = 0x02
	etx = 0x03
	cr  = '\r'

	furnaceStation = "01010"

	regTemperature   = 2
	regSetpoint      = 3
	regSegmentTime   = 8
	regSegmentNumber = 10
	regRunMode       = 121
	regStartSetpoint = 228
	maxRegister      = 9999

	furnaceSegments = 16

	// DefaultAmbient is the temperature a reset furnace cools towards, in °C.
	DefaultAmbient = 25.0
	// DefaultCoolRate is the cooling speed of a reset furnace, in °C per minute.
	DefaultCoolRate = 5.0
)

// PC-link end codes used in "ER" replies.
const (
	EndCodeCommand  = "02"
	EndCodeRegister = "03"
	EndCodeValue    = "04"
)

// Furnace simulates a UP150 controller.
type Furnace struct {
	mu sync.Mutex

	regs map[int]uint16

	running      bool
	segment      int
	timeLeft     int
	elapsed      int
	segStartTemp float64
	temperature  float64
	ambient      float64
	coolRate     float64

	silent     bool
	rejectNext int
}

// NewFurnace creates a reset furnace at ambient temperature with an empty
// program.
func NewFurnace() *Furnace {
	return &Furnace{
		regs:        make(map[int]uint16),
		temperature: DefaultAmbient,
		ambient:     DefaultAmbient,
		coolRate:    DefaultCoolRate,
	}
}

// Port returns a serial port connected to the furnace.
func (f *Furnace) Port() *serialport.Simulator {
	return serialport.NewSimulator(cr, f.Handle)
}

// Handle answers one PC-link request frame.
func (f *Furnace) Handle(req []byte) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.silent {
		return nil
	}

	if len(req) < 3 || req[0] != stx || req[len(req)-2] != etx || req[len(req)-1] != cr {
		return furnaceError(EndCodeCommand)
	}

	body := req[1 : len(req)-2]
	if !bytes.HasPrefix(body, []byte(furnaceStation)) {
		// another station: stay silent
		return nil
	}
	body = body[len(furnaceStation):]

	if f.rejectNext > 0 {
		f.rejectNext--
		return furnaceError(EndCodeCommand)
	}

	if len(body) < 4 {
		return furnaceError(EndCodeCommand)
	}

	op, args := string(body[:4]), string(body[4:])
	switch op {
	case "WRDD":
		var reg, count int
		if _, err := fmt.Sscanf(args, "%04d,%02d", &reg, &count); err != nil || len(args) != 7 {
			return furnaceError(EndCodeCommand)
		}
		if reg < 0 || reg > maxRegister {
			return furnaceError(EndCodeRegister)
		}

		return furnaceValue(f.read(reg))

	case "WWRD":
		if len(args) != 12 || args[4] != ',' || args[7] != ',' {
			return furnaceError(EndCodeCommand)
		}
		reg, err := strconv.Atoi(args[:4])
		if err != nil {
			return furnaceError(EndCodeRegister)
		}
		v, err := strconv.ParseUint(args[8:], 16, 16)
		if err != nil {
			return furnaceError(EndCodeValue)
		}

		f.write(reg, uint16(v))

		return furnaceOK()

	default:
		return furnaceError(EndCodeCommand)
	}
}

func furnaceOK() []byte {
	return []byte("\x020101OK\x03\r")
}

func furnaceValue(v uint16) []byte {
	return []byte(fmt.Sprintf("\x020101OK%04X\x03\r", v))
}

func furnaceError(code string) []byte {
	return []byte("\x020101ER" + code + "\x03\r")
}

func setpointRegister(seg int) int { return 227 + 2*seg }

func durationRegister(seg int) int { return 228 + 2*seg }

func (f *Furnace) read(reg int) uint16 {
	switch reg {
	case regTemperature:
		return uint16(math.Round(math.Max(f.temperature, 0)))
	case regSetpoint:
		return uint16(math.Round(f.workingSetpoint()))
	case regSegmentTime:
		return uint16(f.timeLeft)
	case regSegmentNumber:
		return uint16(f.segment)
	default:
		return f.regs[reg]
	}
}

func (f *Furnace) write(reg int, v uint16) {
	f.regs[reg] = v

	if reg != regRunMode {
		return
	}

	if v == 1 && !f.running {
		f.running = true
		f.enterSegment(1)
	} else if v == 0 {
		f.finish()
	}
}

func (f *Furnace) workingSetpoint() float64 {
	if !f.running || f.segment == 0 {
		return float64(f.regs[regStartSetpoint])
	}

	target := float64(f.regs[setpointRegister(f.segment)])
	total := f.elapsed + f.timeLeft
	if total == 0 {
		return target
	}

	return f.segStartTemp + (target-f.segStartTemp)*float64(f.elapsed)/float64(total)
}

// enterSegment starts segment n, skipping zero-length segments. A segment
// with neither setpoint nor duration ends the program.
func (f *Furnace) enterSegment(n int) {
	for ; n <= furnaceSegments; n++ {
		dur := f.regs[durationRegister(n)]
		sp := f.regs[setpointRegister(n)]

		if dur == 0 && sp == 0 {
			break
		}
		if dur == 0 {
			continue
		}

		f.segment = n
		f.timeLeft = int(dur)
		f.elapsed = 0
		f.segStartTemp = f.temperature

		return
	}

	f.finish()
}

func (f *Furnace) finish() {
	f.running = false
	f.segment = 0
	f.timeLeft = 0
	f.elapsed = 0
}

// Advance moves simulated time forward by the given number of minutes.
func (f *Furnace) Advance(minutes int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := 0; i < minutes; i++ {
		f.step()
	}
}

func (f *Furnace) step() {
	if !f.running {
		f.temperature = math.Max(f.ambient, f.temperature-f.coolRate)
		return
	}

	f.elapsed++
	f.timeLeft--
	f.temperature = f.workingSetpoint()

	if f.timeLeft <= 0 {
		f.temperature = float64(f.regs[setpointRegister(f.segment)])
		f.enterSegment(f.segment + 1)
	}
}

// Drive advances simulated time by one minute every tick until ctx is done.
func (f *Furnace) Drive(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Advance(1)
		}
	}
}

// Running reports whether a program is executing.
func (f *Furnace) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.running
}

// Segment returns the executing segment, 0 when reset.
func (f *Furnace) Segment() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.segment
}

// Temperature returns the simulated process value in °C.
func (f *Furnace) Temperature() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.temperature
}

// SetTemperature forces the simulated process value.
func (f *Furnace) SetTemperature(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.temperature = t
}

// SetCoolRate sets the cooling speed in °C per minute.
func (f *Furnace) SetCoolRate(rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.coolRate = rate
}

// Register returns the raw content of a D-register.
func (f *Furnace) Register(reg int) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.read(reg)
}

// SetRegister sets the raw content of a D-register without side effects.
func (f *Furnace) SetRegister(reg int, v uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.regs[reg] = v
}

// SegmentProgram returns the setpoint and duration programmed for segment seg.
func (f *Furnace) SegmentProgram(seg int) (setpoint int, minutes int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return int(f.regs[setpointRegister(seg)]), int(f.regs[durationRegister(seg)])
}

// SetSilent makes the furnace ignore every request.
func (f *Furnace) SetSilent(silent bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.silent = silent
}

// RejectNext answers the next n requests with an "ER" end code.
func (f *Furnace) RejectNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rejectNext = n
}
