// Package mks647b implements a driver for the MKS 647B multi-channel mass
// flow controller over its RS-232 command interface.
//
// # Protocol
//
// Commands are two-letter ASCII mnemonics followed by space separated
// arguments and terminated by CR. Every command is answered by one line
// terminated by CR LF. A line starting with 'E' reports an error; the second
// character is the error code:
//
//	E0  invalid channel number
//	E1  unknown command
//	E2  syntax error, a single character was sent
//	E3  invalid expression, parameter is not decimal
//	E4  invalid value, parameter outside its range
//	E5  autozero error, channel or gas still active
//
// The instrument occasionally answers with a spurious error, so the driver
// repeats a command answered with an error up to a configurable number of
// attempts (5 by default) before decoding the last error. A line that is
// silent or cannot be written is reported at once.
//
// # Scaling
//
// Setpoints and measured flows travel in device units of 0.1 % of full
// scale, 0 to 1100. The full scale is the value of the channel's flow range
// (the unit is implied), and the gas correction factor GC scales it further:
//
//	device = round(flow / rangeValue / gcf * 1000)
//	flow   = round(device * gcf / 1000, 3) * rangeValue
//
// The range and the correction factor are read from the instrument for
// every scaled command; they may be changed on the front panel at any time.
package mks647b
