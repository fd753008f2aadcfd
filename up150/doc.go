// Package up150 implements a driver for the Yokogawa UP150 program
// temperature controller over its PC-link serial protocol.
//
// # Protocol Overview
//
// Every exchange is a single request frame followed by a single reply:
//
//	STX "01010" opcode register ",01" [ "," value ] ETX CR
//
//   - STX (0x02) starts a frame, ETX (0x03) ends the payload, CR terminates.
//   - "01010" is the station number, CPU number and response wait time of
//     the fixed-address controller.
//   - opcode is WRDD (word read) or WWRD (word write).
//   - register is a 4 digit decimal D-register number.
//   - value, for writes, is 4 upper-case hex digits.
//
// A successful reply carries "OK" at offset 5 and, for reads, the register
// value as 4 hex digits at offset 7–11. A rejected command carries "ER"
// followed by a two digit end code.
//
// # Program Segments
//
// The controller executes up to 16 program segments. Segment n has a target
// setpoint in register 227+2n and a duration, in minutes, in register
// 228+2n.
//
// # Error Policy
//
// The driver never retries. A reply that is absent, too short, or not
// parseable fails the call with ErrMalformedReply; a reply carrying an "ER"
// end code fails with ErrDeviceRejected. Both are classified as
// fault.Protocol. Out-of-range arguments fail with ErrInvalidArgument
// (fault.Precondition) before anything is written to the line.
package up150
