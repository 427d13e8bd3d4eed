// Package protocol holds the wire-level pieces of the OBDLink BLE dialect:
// the GATT identifiers, command encoding, MTU chunking and the reassembly
// of notification frames into complete adapter responses.
package protocol

import (
	"encoding/hex"
	"strings"
)

// OBDLink GATT UUIDs
const (
	NotifyCharUUID = "0000fff1-0000-1000-8000-00805f9b34fb"
	WriteCharUUID  = "0000fff2-0000-1000-8000-00805f9b34fb"
)

const (
	// Terminator ends every outbound command.
	Terminator byte = '\r'

	// LinkOverhead is the ATT write header cost subtracted from the MTU.
	LinkOverhead = 3

	// DefaultMTU is the BLE ATT MTU before any exchange takes place.
	DefaultMTU = 23
)

// DefaultInitCommands is the adapter setup sequence sent once after connecting.
var DefaultInitCommands = []string{
	"ATZ",      // reboot
	"ATWS",     // warm start
	"ATM0",     // memory off
	"ATS0",     // spaces off
	"ATAT1",    // adaptive timing
	"ATH1",     // headers on
	"ATSP7",    // ISO 15765-4 CAN, 29-bit, 500 kbps
	"ATS0",     // spaces off again after protocol select
	"ATAR",     // automatic receive address
	"ATFCSM 0", // automatic flow control
}

// EncodeCommand returns the bytes written for a command line.
func EncodeCommand(command string) []byte {
	buf := make([]byte, 0, len(command)+1)
	buf = append(buf, command...)
	return append(buf, Terminator)
}

// Capacity returns the usable bytes per write for a negotiated MTU.
// An unknown (non-positive) MTU falls back to DefaultMTU. The result is
// never below one byte.
func Capacity(mtu, overhead int) int {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	if c := mtu - overhead; c > 0 {
		return c
	}
	return 1
}

// DecodeText renders a response for display. Invalid UTF-8 is dropped
// and trailing prompt characters and line endings are trimmed.
func DecodeText(data []byte) string {
	s := strings.ToValidUTF8(string(data), "")
	return strings.TrimRight(s, "\r\n>")
}

// Hex is a shorthand used by debug logging of raw frames.
func Hex(data []byte) string {
	return hex.EncodeToString(data)
}
