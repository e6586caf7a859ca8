// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcb

import (
	"encoding/binary"
	"fmt"
	"log"
	"time"

	"github.com/go-lpc/camserver/dcb/internal/regs"
	"github.com/go-lpc/camserver/gsd"
	"github.com/go-lpc/camserver/th"
)

// device is a detector control board, reached through one GigaSTaR link.
type device struct {
	id    int
	drv   gsd.Driver
	msg   *log.Logger
	poll  polling
	sleep func(time.Duration)

	err  error
	xbuf [4]byte

	regs struct {
		tx      reg32
		rx      reg32
		status  reg32
		ctrl    reg32
		count   reg32
		size    reg32
		timeout reg32
		id      reg32
		buf     reg32
	}
	ctrl uint32 // level bits of the GigaSTaR control register

	fw Profile

	period    float64 // DCB clock period, in seconds
	bcbPeriod float64 // BCB clock period, in seconds (0 without BCB)
	skew      float64

	dma  dmaPair
	wait chan dmaResult // DMA wait abandoned by a cancelled context

	th [th.NumChannels]SensorChannel
}

type reg32 struct {
	r func() uint32
	w func(v uint32)
}

func newReg32(dev *device, offset int64) reg32 {
	return reg32{
		r: func() uint32 {
			return dev.readU32(offset)
		},
		w: func(v uint32) {
			dev.writeU32(offset, v)
		},
	}
}

func newDevice(id int, drv gsd.Driver, cfg *config) *device {
	dev := &device{
		id:    id,
		drv:   drv,
		msg:   cfg.msg,
		poll:  cfg.poll,
		sleep: cfg.sleep,
	}
	dev.regs.tx = newReg32(dev, regs.GS_TX_DATA)
	dev.regs.rx = newReg32(dev, regs.GS_RX_DATA)
	dev.regs.status = newReg32(dev, regs.GS_STATUS)
	dev.regs.ctrl = newReg32(dev, regs.GS_CONTROL)
	dev.regs.count = newReg32(dev, regs.GS_DMA_COUNT)
	dev.regs.size = newReg32(dev, regs.GS_DMA_SIZE)
	dev.regs.timeout = newReg32(dev, regs.GS_TIMEOUT)
	dev.regs.id = newReg32(dev, regs.GS_ID)
	dev.regs.buf = newReg32(dev, regs.GS_DMA_BUF)
	return dev
}

func (dev *device) readU32(off int64) uint32 {
	if dev.err != nil {
		return 0
	}
	_, dev.err = dev.drv.ReadAt(dev.xbuf[:4], off)
	if dev.err != nil {
		dev.err = fmt.Errorf("dcb: could not read register 0x%x: %w", off, dev.err)
		return 0
	}
	return binary.LittleEndian.Uint32(dev.xbuf[:4])
}

func (dev *device) writeU32(off int64, v uint32) {
	if dev.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(dev.xbuf[:4], v)
	_, dev.err = dev.drv.WriteAt(dev.xbuf[:4], off)
	if dev.err != nil {
		dev.err = fmt.Errorf("dcb: could not write register 0x%x: %w", off, dev.err)
		return
	}
}

func (dev *device) resetFIFOs() error {
	dev.regs.ctrl.w(dev.ctrl | regs.GS_RESET_FIFOS)
	if dev.err != nil {
		return fmt.Errorf("dcb: could not reset FIFOs of device %d: %w", dev.id, dev.err)
	}
	return nil
}

func (dev *device) setControl(v uint32) error {
	dev.ctrl = v &^ (regs.GS_RESET_FIFOS | regs.GS_DMA_WRITE)
	dev.regs.ctrl.w(dev.ctrl)
	if dev.err != nil {
		return fmt.Errorf("dcb: could not write control register of device %d: %w", dev.id, dev.err)
	}
	return nil
}

func (dev *device) setTimeout(d time.Duration) error {
	v := (d + regs.GS_TIMEOUT_UNIT - 1) / regs.GS_TIMEOUT_UNIT
	if v > regs.GS_TIMEOUT_MAX {
		v = regs.GS_TIMEOUT_MAX
	}
	dev.regs.timeout.w(uint32(v))
	if dev.err != nil {
		return fmt.Errorf("dcb: could not set DMA timeout of device %d: %w", dev.id, dev.err)
	}
	return nil
}

// readU48 reads a 48-bit value spread over three consecutive registers,
// least significant word first.
func (dev *device) readU48(reg uint8) (uint64, error) {
	var v uint64
	for i := uint8(0); i < 3; i++ {
		w, err := dev.readRegister(reg + i)
		if err != nil {
			return 0, err
		}
		v |= uint64(w) << (16 * i)
	}
	return v, nil
}

func (dev *device) writeU48(reg uint8, v uint64) error {
	for i := uint8(0); i < 3; i++ {
		err := dev.writeRegister(reg+i, uint16(v>>(16*i)))
		if err != nil {
			return err
		}
	}
	return nil
}

func (dev *device) readU32Pair(lo, hi uint8) (uint32, error) {
	l, err := dev.readRegister(lo)
	if err != nil {
		return 0, err
	}
	h, err := dev.readRegister(hi)
	if err != nil {
		return 0, err
	}
	return uint32(h)<<16 | uint32(l), nil
}
