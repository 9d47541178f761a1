// Package hidframe marshals and classifies the 64-byte HID reports the
// SL3's vendor control interface exchanges with the host.
//
// Layout (byte 0: command id; bytes 1-4: vendor/product id, big-endian;
// bytes 5-63: payload, zero-padded) is fixed regardless of command, so
// unlike a multi-struct wire format this package has one shape and one
// pair of guard tables: the outbound command set and the inbound
// notification dispatch table.
package hidframe

import (
	"encoding/binary"
	"fmt"
)

const (
	// Size is the fixed report length for both IN and OUT transfers.
	Size = 64

	headerLen = 5

	// VendorID and ProductID are written big-endian into every frame,
	// matching the device's own report header regardless of direction.
	VendorID  = 0x1CC5
	ProductID = 0x0001
)

// Outbound command codes.
const (
	CmdInit        byte = 0x03
	CmdStatusQuery byte = 0x36
	CmdSetRate     byte = 0x31
	CmdQueryPhono  byte = 0x32
	CmdSetRouting  byte = 0x33
)

// Inbound asynchronous notification codes.
const (
	NotifyOverload byte = 0x34
	NotifyPhono    byte = 0x38
	NotifyUSBPort  byte = 0x39
)

// Deck pair identifiers used by CmdSetRouting.
const (
	PairDeckA byte = 0x08
	PairDeckB byte = 0x0E
	PairDeckC byte = 0x14
)

// Minimum report lengths the notification codes require before their
// payload bytes are trusted. A report shorter than its code's guard is
// silently discarded (not an error — just resubmitted).
const (
	minLenOverload = 11
	minLenPhono    = 8
	minLenUSBPort  = 9
)

// Frame is one 64-byte HID report, IN or OUT.
type Frame [Size]byte

// Build constructs an OUT report for cmd carrying payload, which must fit
// in the 59 payload bytes (Size - headerLen). Remaining bytes are zero.
func Build(cmd byte, payload []byte) (Frame, error) {
	var f Frame
	if len(payload) > Size-headerLen {
		return f, fmt.Errorf("hidframe: payload of %d bytes exceeds max %d", len(payload), Size-headerLen)
	}
	f[0] = cmd
	binary.BigEndian.PutUint16(f[1:3], VendorID)
	binary.BigEndian.PutUint16(f[3:5], ProductID)
	copy(f[headerLen:], payload)
	return f, nil
}

// Code returns the command/notification byte.
func (f Frame) Code() byte {
	return f[0]
}

// Payload returns the bytes after the 5-byte header.
func (f Frame) Payload() []byte {
	return f[headerLen:]
}

// Kind classifies an inbound report for dispatch.
type Kind int

const (
	// KindResponse is any code not in the notification table: a
	// synchronous command response bound for the mailbox.
	KindResponse Kind = iota
	KindOverload
	KindPhono
	KindUSBPort
	// KindShort means the report matched a known notification code but
	// was too short to trust its payload; callers should resubmit the
	// IN transfer without touching any cache.
	KindShort
)

// Classify inspects an inbound report's code and actualLength (the
// device-reported byte count, which may be less than Size) and returns
// how the dispatcher should route it.
func Classify(f Frame, actualLength int) Kind {
	switch f.Code() {
	case NotifyOverload:
		if actualLength < minLenOverload {
			return KindShort
		}
		return KindOverload
	case NotifyPhono:
		if actualLength < minLenPhono {
			return KindShort
		}
		return KindPhono
	case NotifyUSBPort:
		if actualLength < minLenUSBPort {
			return KindShort
		}
		return KindUSBPort
	default:
		return KindResponse
	}
}
