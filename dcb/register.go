// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcb

import (
	"fmt"

	"github.com/go-lpc/camserver/dcb/internal/regs"
)

// maxDrain bounds the number of stale acknowledgments flushed after a
// failed transaction.
const maxDrain = 64

func cmdWord(cmd, reg uint8, data uint16) uint32 {
	return uint32(cmd)<<regs.CMD_SHIFT | uint32(reg)<<regs.REG_SHIFT | uint32(data)
}

func cmdName(cmd uint8) string {
	switch cmd {
	case regs.CMD_WRITE:
		return "write"
	case regs.CMD_READ:
		return "read"
	case regs.CMD_SET:
		return "set"
	case regs.CMD_CLEAR:
		return "clear"
	case regs.CMD_FILL:
		return "fill"
	case regs.CMD_CALTRAIN:
		return "calibration-train"
	case regs.CMD_LOADTRIM:
		return "load-trim"
	case regs.CMD_READOUT:
		return "readout"
	}
	return fmt.Sprintf("cmd-0x%02x", cmd)
}

func isIllegal(ack uint32) bool {
	switch (ack >> regs.CMD_SHIFT) & regs.CODE_MASK {
	case regs.CMD_ILL_DD, regs.CMD_ILL_FF:
		return true
	}
	return false
}

// sameHeader reports whether ack carries the command code and register
// of word.
func sameHeader(ack, word uint32) bool {
	return ack>>regs.REG_SHIFT == word>>regs.REG_SHIFT
}

// transact sends a command word and waits for an acknowledgment accepted
// by ok. When the acknowledgment is missing or rejected, stale
// acknowledgments are drained from the receive queue and the last one
// is checked once more.
func (dev *device) transact(word uint32, ok func(ack uint32) bool) (uint32, error) {
	var (
		cmd  = uint8(word >> regs.CMD_SHIFT)
		name = cmdName(cmd)
	)
	if dev.err != nil {
		return 0, fmt.Errorf("dcb: could not send %s to device %d: %w", name, dev.id, dev.err)
	}

	dev.regs.tx.w(word)
	ack, got := dev.pollAck(regs.IsSlow(cmd))
	if dev.err != nil {
		return 0, fmt.Errorf("dcb: could not send %s to device %d: %w", name, dev.id, dev.err)
	}
	if got {
		if isIllegal(ack) {
			return ack, &ProtocolError{Op: name, Device: dev.id, Sent: word, Ack: ack, Illegal: true}
		}
		if ok(ack) {
			return ack, nil
		}
	}

	last, n := dev.drain()
	if dev.err != nil {
		return 0, fmt.Errorf("dcb: could not drain acknowledgments of device %d: %w", dev.id, dev.err)
	}
	if n > 0 {
		ack, got = last, true
		if isIllegal(ack) {
			return ack, &ProtocolError{Op: name, Device: dev.id, Sent: word, Ack: ack, Illegal: true}
		}
		if ok(ack) {
			return ack, nil
		}
	}

	return ack, &ProtocolError{Op: name, Device: dev.id, Sent: word, Ack: ack, NoAck: !got}
}

func (dev *device) rxEmpty() bool {
	return dev.regs.status.r()&regs.GS_RX_EMPTY != 0
}

func (dev *device) pollAck(slow bool) (uint32, bool) {
	n := dev.poll.fast
	if slow {
		n = dev.poll.slow
	}
	for i := 0; i < n; i++ {
		empty := dev.rxEmpty()
		if dev.err != nil {
			return 0, false
		}
		if !empty {
			return dev.regs.rx.r(), true
		}
		if slow && dev.poll.step > 0 {
			dev.sleep(dev.poll.step)
		}
	}
	return 0, false
}

func (dev *device) drain() (uint32, int) {
	var (
		last uint32
		n    int
	)
	for n < maxDrain {
		empty := dev.rxEmpty()
		if empty || dev.err != nil {
			break
		}
		last = dev.regs.rx.r()
		n++
	}
	return last, n
}

// writeCommand sends a command whose acknowledgment echoes the command word.
func (dev *device) writeCommand(cmd, reg uint8, data uint16) error {
	word := cmdWord(cmd, reg, data)
	_, err := dev.transact(word, func(ack uint32) bool { return ack == word })
	return err
}

func (dev *device) writeRegister(reg uint8, v uint16) error {
	word := cmdWord(regs.CMD_WRITE, reg, v)
	_, err := dev.transact(word, func(ack uint32) bool {
		if ack == word {
			return true
		}
		return regs.IsResetClass(reg) && sameHeader(ack, word) && ack&regs.DATA_MASK == 0
	})
	return err
}

func (dev *device) readRegister(reg uint8) (uint16, error) {
	word := cmdWord(regs.CMD_READ, reg, 0)
	ack, err := dev.transact(word, func(ack uint32) bool { return sameHeader(ack, word) })
	if err != nil {
		return 0, err
	}
	return uint16(ack & regs.DATA_MASK), nil
}

func (dev *device) setBits(reg uint8, mask uint16) error {
	word := cmdWord(regs.CMD_SET, reg, mask)
	_, err := dev.transact(word, func(ack uint32) bool {
		return sameHeader(ack, word) && uint16(ack)&mask == mask
	})
	return err
}

func (dev *device) clearBits(reg uint8, mask uint16) error {
	word := cmdWord(regs.CMD_CLEAR, reg, mask)
	_, err := dev.transact(word, func(ack uint32) bool {
		return sameHeader(ack, word) && uint16(ack)&mask == 0
	})
	return err
}
