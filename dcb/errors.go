// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcb

import (
	"errors"
	"fmt"
)

var (
	ErrProtocol   = errors.New("dcb: protocol error")
	ErrIllegalOp  = errors.New("dcb: illegal operation")
	ErrDMA        = errors.New("dcb: DMA transfer error")
	ErrDMATimeout = errors.New("dcb: DMA timeout")
	ErrConfig     = errors.New("dcb: invalid configuration")
	ErrFirmware   = errors.New("dcb: firmware mismatch")
	ErrSensor     = errors.New("dcb: sensor fault")
)

// ProtocolError describes a command that was not acknowledged as
// expected by a control board.
type ProtocolError struct {
	Op      string // command name
	Device  int    // device index
	Sent    uint32 // command word
	Ack     uint32 // last acknowledgment word, if any
	NoAck   bool   // no acknowledgment arrived in the poll window
	Illegal bool   // the board flagged the command as illegal
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Illegal:
		return fmt.Sprintf("dcb: illegal %s on device %d (sent=0x%08x, ack=0x%08x)",
			e.Op, e.Device, e.Sent, e.Ack,
		)
	case e.NoAck:
		return fmt.Sprintf("dcb: no acknowledgment for %s on device %d (sent=0x%08x)",
			e.Op, e.Device, e.Sent,
		)
	}
	return fmt.Sprintf("dcb: ack mismatch for %s on device %d (sent=0x%08x, ack=0x%08x)",
		e.Op, e.Device, e.Sent, e.Ack,
	)
}

func (e *ProtocolError) Is(target error) bool {
	switch target {
	case ErrProtocol:
		return true
	case ErrIllegalOp:
		return e.Illegal
	}
	return false
}

// DmaError describes a failed image transfer.
type DmaError struct {
	Device  int
	Timeout bool // the board gave up writing
	Want    int  // expected byte count
	Got     int  // transferred byte count
	Status  uint32
	Err     error // driver error, if any
}

func (e *DmaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dcb: DMA wait failed on device %d: %+v", e.Device, e.Err)
	}
	if e.Timeout {
		return fmt.Sprintf("dcb: DMA timeout on device %d (status=0x%x)", e.Device, e.Status)
	}
	return fmt.Sprintf("dcb: DMA transfer error on device %d (got=%d, want=%d, status=0x%x)",
		e.Device, e.Got, e.Want, e.Status,
	)
}

func (e *DmaError) Unwrap() error { return e.Err }

func (e *DmaError) Is(target error) bool {
	switch target {
	case ErrDMA:
		return true
	case ErrDMATimeout:
		return e.Timeout
	}
	return false
}

// ConfigurationError describes an invalid request, rejected before any
// hardware access.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "dcb: invalid configuration: " + e.Reason
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfig }

func errConfigf(format string, args ...interface{}) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// FirmwareMismatch describes an unsupported or inconsistent set of
// control board firmwares.
type FirmwareMismatch struct {
	Device int
	DCB    uint16 // DCB build
	BCB    uint16 // BCB build
	Reason string
}

func (e *FirmwareMismatch) Error() string {
	return fmt.Sprintf("dcb: firmware mismatch on device %d (dcb=0x%04x, bcb=0x%04x): %s",
		e.Device, e.DCB, e.BCB, e.Reason,
	)
}

func (e *FirmwareMismatch) Is(target error) bool { return target == ErrFirmware }

// SensorFault describes a temperature/humidity channel that could not be
// read, or that is out of its limits.
type SensorFault struct {
	Device  int
	Channel int
	Status  uint16
	Reason  string
}

func (e *SensorFault) Error() string {
	return fmt.Sprintf("dcb: sensor fault on device %d, channel %d (status=0x%04x): %s",
		e.Device, e.Channel, e.Status, e.Reason,
	)
}

func (e *SensorFault) Is(target error) bool { return target == ErrSensor }
