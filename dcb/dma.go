// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcb

import (
	"context"
	"fmt"
	"time"

	"github.com/go-lpc/camserver/dcb/internal/regs"
)

// dmaPair is a pair of DMA buffers used alternately.
type dmaPair struct {
	bufs   [2][]byte
	size   int
	cur    int
	mapped bool
}

// current returns the buffer of the last transfer setup.
func (p *dmaPair) current() []byte {
	return p.bufs[p.cur][:p.size]
}

type dmaResult struct {
	n   int
	err error
}

// setupDMA selects the buffer of the next transfer.
// Buffers are mapped on first use or when the transfer size changes,
// the next calls alternate between them.
func (dev *device) setupDMA(size int) (int, []byte, error) {
	p := &dev.dma
	switch {
	case !p.mapped || p.size != size:
		for i := range p.bufs {
			buf, err := dev.drv.MapDMA(i, size)
			if err != nil {
				p.mapped = false
				return -1, nil, fmt.Errorf("dcb: could not map DMA buffer %d of device %d: %w", i, dev.id, err)
			}
			if len(buf) < size {
				p.mapped = false
				return -1, nil, fmt.Errorf(
					"dcb: DMA buffer %d of device %d too small (len=%d, size=%d)",
					i, dev.id, len(buf), size,
				)
			}
			p.bufs[i] = buf
		}
		p.size = size
		p.cur = 0
		p.mapped = true
	default:
		p.cur ^= 1
	}

	dev.regs.buf.w(uint32(p.cur))
	dev.regs.size.w(uint32(size))
	if dev.err != nil {
		return -1, nil, fmt.Errorf("dcb: could not setup DMA of device %d: %w", dev.id, dev.err)
	}
	return p.cur, p.bufs[p.cur][:size], nil
}

func (dev *device) fireDMA() error {
	dev.regs.ctrl.w(dev.ctrl | regs.GS_DMA_WRITE)
	if dev.err != nil {
		return fmt.Errorf("dcb: could not start DMA of device %d: %w", dev.id, dev.err)
	}
	return nil
}

// enableReadout prepares a transfer of size bytes and enables the image
// transmission of the board.
func (dev *device) enableReadout(size int) error {
	err := dev.writeRegister(regs.DCB_RESET, regs.RESET_FIFO)
	if err != nil {
		return err
	}
	err = dev.resetFIFOs()
	if err != nil {
		return err
	}
	err = dev.setControl(dev.ctrl | regs.GS_INT_ENABLE | regs.GS_AUTO_READ)
	if err != nil {
		return err
	}
	_, _, err = dev.setupDMA(size)
	if err != nil {
		return err
	}
	err = dev.fireDMA()
	if err != nil {
		return err
	}
	return dev.setBits(regs.DCB_CTRL, regs.CTRL_IMAGE_TX)
}

// rearm starts the transfer of the next image of a multi-trigger frame.
func (dev *device) rearm() error {
	_, _, err := dev.setupDMA(dev.dma.size)
	if err != nil {
		return err
	}
	return dev.fireDMA()
}

// abortDMA stops the automatic FIFO read-out and flushes the FIFOs after
// a failed transfer.
func (dev *device) abortDMA() {
	err := dev.setControl(dev.ctrl &^ regs.GS_AUTO_READ)
	if err == nil {
		err = dev.writeRegister(regs.DCB_RESET, regs.RESET_AUTOREAD|regs.RESET_FIFO)
	}
	if err == nil {
		err = dev.resetFIFOs()
	}
	if err != nil {
		dev.msg.Printf("device %d: could not recover from DMA error: %+v", dev.id, err)
	}
}

func (dev *device) waitDMA() chan dmaResult {
	ch := make(chan dmaResult, 1)
	go func() {
		n, err := dev.drv.WaitDMA()
		ch <- dmaResult{n: n, err: err}
	}()
	return ch
}

// waitCompletion waits for the end of the current transfer.
// The wait is bounded by the hardware timeout plus margin, and by ctx.
// A wait abandoned because of ctx is drained by the next call.
// Unless keep is set, the image transmission and the trigger bits are
// cleared after a successful transfer.
func (dev *device) waitCompletion(ctx context.Context, timeout time.Duration, keep bool) (int, error) {
	tmr := time.NewTimer(timeout)
	defer tmr.Stop()

	if dev.wait != nil {
		select {
		case <-dev.wait:
			dev.wait = nil
		case <-tmr.C:
			dev.abortDMA()
			return 0, &DmaError{Device: dev.id, Timeout: true}
		case <-ctx.Done():
			return 0, fmt.Errorf("dcb: could not wait for DMA of device %d: %w", dev.id, ctx.Err())
		}
	}

	var (
		ch  = dev.waitDMA()
		res dmaResult
	)
	select {
	case res = <-ch:
	case <-tmr.C:
		dev.wait = ch
		dev.abortDMA()
		dev.msg.Printf("device %d: DMA wait timed out after %v", dev.id, timeout)
		return 0, &DmaError{Device: dev.id, Timeout: true}
	case <-ctx.Done():
		dev.wait = ch
		return 0, fmt.Errorf("dcb: could not wait for DMA of device %d: %w", dev.id, ctx.Err())
	}

	want := dev.dma.size
	if res.err != nil {
		dev.abortDMA()
		return 0, &DmaError{Device: dev.id, Want: want, Err: res.err}
	}

	var (
		status = dev.regs.status.r()
		count  = int(dev.regs.count.r())
	)
	if dev.err != nil {
		return 0, fmt.Errorf("dcb: could not read DMA status of device %d: %w", dev.id, dev.err)
	}

	switch {
	case status&regs.GS_WRITE_DIED != 0:
		dev.msg.Printf("device %d: DMA write died", dev.id)
		dev.abortDMA()
		return 0, &DmaError{Device: dev.id, Timeout: true, Status: status}
	case status&regs.GS_DMA_DONE == 0,
		status&regs.GS_DMA_ERROR != 0,
		count != want, res.n != want:
		dev.abortDMA()
		return 0, &DmaError{Device: dev.id, Want: want, Got: count, Status: status}
	}

	if !keep {
		err := dev.clearBits(regs.DCB_CTRL, regs.CTRL_IMAGE_TX)
		if err == nil {
			err = dev.clearBits(regs.DCB_TRIG, regs.TRIG_MASK)
		}
		if err != nil {
			return 0, fmt.Errorf("dcb: could not disable image transmission of device %d: %w", dev.id, err)
		}
	}
	return count, nil
}
