package up150

import (
	"bytes"
	"fmt"
	"strconv"
)

// Frame control characters.
const (
	STX byte = 0x02
	ETX byte = 0x03
	CR  byte = '\r'
)

const (
	// stationHeader addresses station 01, CPU 01, response wait time 0.
	stationHeader = "01010"

	opRead  = "WRDD"
	opWrite = "WWRD"

	// wordCount is the 2-digit byte-count field; every command moves one word.
	wordCount = "01"
)

// Reply layout.
const (
	replyStatusOffset = 5
	replyValueOffset  = 7
	replyValueLen     = 4
	minAckLen         = replyStatusOffset + 2
	minValueReplyLen  = replyValueOffset + replyValueLen
	endCodeLen        = 2
)

// D-register map of the controller.
const (
	regTemperature   = 2   // PV, measured temperature
	regSetpoint      = 3   // SP, working setpoint
	regSegmentTime   = 8   // remaining time of the running segment, minutes
	regSegmentNumber = 10  // running segment number, 0 when reset
	regRunMode       = 121 // 1 = run, 0 = reset
	regStartSetpoint = 228 // program start setpoint

	segmentRegisterBase   = 200
	segmentSetpointOffset = 27
	segmentDurationOffset = 28
)

// Run mode values of regRunMode.
const (
	modeReset uint16 = 0
	modeRun   uint16 = 1
)

// SetpointRegister returns the D-register holding the target setpoint of
// program segment seg.
func SetpointRegister(seg int) int {
	return segmentRegisterBase + segmentSetpointOffset + 2*seg
}

// DurationRegister returns the D-register holding the duration of program
// segment seg.
func DurationRegister(seg int) int {
	return segmentRegisterBase + segmentDurationOffset + 2*seg
}

// EncodeRead encodes a word-read request for register.
func EncodeRead(register int) []byte {
	return frame(fmt.Sprintf("%s%s%04d,%s", stationHeader, opRead, register, wordCount))
}

// EncodeWrite encodes a word-write request of value to register.
func EncodeWrite(register int, value uint16) []byte {
	return frame(fmt.Sprintf("%s%s%04d,%s,%04X", stationHeader, opWrite, register, wordCount, value))
}

func frame(payload string) []byte {
	buf := make([]byte, 0, len(payload)+3)
	buf = append(buf, STX)
	buf = append(buf, payload...)
	buf = append(buf, ETX, CR)

	return buf
}

// parseAck validates the status field of a reply.
func parseAck(reply []byte) error {
	if len(reply) < minAckLen {
		return fmt.Errorf("%w: %d bytes, want at least %d", ErrMalformedReply, len(reply), minAckLen)
	}

	status := reply[replyStatusOffset : replyStatusOffset+2]
	switch {
	case bytes.Equal(status, []byte("OK")):
		return nil
	case bytes.Equal(status, []byte("ER")):
		code := "??"
		if len(reply) >= replyValueOffset+endCodeLen {
			code = string(reply[replyValueOffset : replyValueOffset+endCodeLen])
		}
		return &RejectError{EndCode: code}
	default:
		return fmt.Errorf("%w: unexpected status %q", ErrMalformedReply, status)
	}
}

// ParseValue extracts the register value of a read reply.
func ParseValue(reply []byte) (uint16, error) {
	if err := parseAck(reply); err != nil {
		return 0, err
	}

	if len(reply) < minValueReplyLen {
		return 0, fmt.Errorf("%w: %d bytes, want at least %d", ErrMalformedReply, len(reply), minValueReplyLen)
	}

	field := reply[replyValueOffset : replyValueOffset+replyValueLen]
	v, err := strconv.ParseUint(string(field), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: value field %q is not hex", ErrMalformedReply, field)
	}

	return uint16(v), nil
}

// replyComplete reports whether buf ends with the ETX CR trailer.
func replyComplete(buf []byte) bool {
	n := len(buf)
	return n >= 2 && buf[n-2] == ETX && buf[n-1] == CR
}
