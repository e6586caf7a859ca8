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

// WaitReadImage waits for the transfer of the armed image and copies it
// into the holding buffer returned by Image.
//
// WaitReadImage returns the end time of the exposure, relative to the
// detector time origin. In case of a transfer error, the exposure is
// aborted and WaitReadImage returns -1 and a DmaError.
//
// When the exposure sequence has more frames to transmit, the next frame
// is armed before WaitReadImage returns.
func (det *Detector) WaitReadImage(ctx context.Context) (time.Duration, error) {
	var (
		sess = &det.sess
		exp  = det.exp
	)

	for sess.state == stateCountingDown {
		if err := ctx.Err(); err != nil {
			det.abort()
			return -1, fmt.Errorf("dcb: could not wait for exposure: %w", err)
		}
		_, err := det.CheckStatus("")
		if err != nil {
			return -1, err
		}
	}

	if sess.state != stateReadoutEnabled {
		return -1, errConfigf("no image to read out (%v)", sess.state)
	}
	sess.state = stateDraining

	var (
		keep    = exp.MultiTrigger && sess.images+1 < exp.Count
		timeout = sess.timeout + det.cfg.timing.DMAMargin
		tint    time.Duration
	)
	for _, dev := range det.devs {
		_, err := dev.waitCompletion(ctx, timeout, keep)
		if err != nil {
			det.abort()
			return -1, fmt.Errorf("dcb: could not read image: %w", err)
		}
		tint = det.now()
	}

	err := det.hold(det.devs)
	if err != nil {
		det.abort()
		return -1, err
	}

	end := tint - det.hostDuration(sess.overhead)
	switch {
	case exp.ExtTrigger:
		sess.start = end - det.hostDuration(exp.Time)
		if sess.first {
			det.origin = sess.start
		}
	case sess.first && (exp.MultiTrigger || exp.ExtEnable):
		sess.start = end - det.hostDuration(exp.Time)
		det.origin = sess.start
	}
	sess.measured = end - sess.start
	sess.first = false
	ts := end - det.origin

	sess.images++
	if keep {
		for i := len(det.devs) - 1; i >= 0; i-- {
			dev := det.devs[i]
			err := dev.rearm()
			if err != nil {
				det.abort()
				return -1, fmt.Errorf("dcb: could not re-arm DMA of device %d: %w", dev.id, err)
			}
		}
		sess.state = stateReadoutEnabled
		return ts, nil
	}

	sess.frames++
	sess.state = stateIdle
	if sess.autoFrame && sess.frames < exp.Frames {
		err := det.Expose(ctx)
		if err != nil {
			return ts, fmt.Errorf("dcb: could not arm frame %d: %w", sess.frames+1, err)
		}
	}
	return ts, nil
}

// MeasuredExposure returns the exposure time measured for the last image.
func (det *Detector) MeasuredExposure() time.Duration { return det.sess.measured }

// FramesDone returns the number of frames transferred since the exposure
// sequence was armed.
func (det *Detector) FramesDone() int { return det.sess.frames }

func (det *Detector) abort() {
	err := det.ResetExposureMode()
	if err != nil {
		det.msg.Printf("could not reset exposure mode: %+v", err)
	}
}

// hold copies the last transfer of devs into the holding buffer.
func (det *Detector) hold(devs []*device) error {
	h := holder{img: det.img, slot: det.geo.DeviceSize()}
	for _, dev := range devs {
		err := h.put(dev.id, dev.dma.current())
		if err != nil {
			return fmt.Errorf("dcb: could not copy image of device %d: %w", dev.id, err)
		}
	}
	return nil
}

// readout runs a manual readout of size bytes on devs.
func (det *Detector) readout(ctx context.Context, devs []*device, size int) error {
	if err := det.idle("readout"); err != nil {
		return err
	}

	for i := len(devs) - 1; i >= 0; i-- {
		dev := devs[i]
		err := dev.setTimeout(det.cfg.timing.DMATimeout)
		if err != nil {
			return err
		}
		err = dev.enableReadout(size)
		if err != nil {
			det.abort()
			return fmt.Errorf("dcb: could not enable readout of device %d: %w", dev.id, err)
		}
		err = dev.writeCommand(regs.CMD_READOUT, 0, 0)
		if err != nil {
			det.abort()
			return fmt.Errorf("dcb: could not start readout of device %d: %w", dev.id, err)
		}
	}

	timeout := det.cfg.timing.DMATimeout + det.cfg.timing.DMAMargin
	for _, dev := range devs {
		_, err := dev.waitCompletion(ctx, timeout, false)
		if err != nil {
			det.abort()
			return fmt.Errorf("dcb: could not read out device %d: %w", dev.id, err)
		}
	}
	return nil
}

// ReadModule reads out the pixel counters of a single module.
func (det *Detector) ReadModule(ctx context.Context, addr Address) ([]byte, error) {
	if addr.Bank == All || addr.Module == All {
		return nil, errConfigf("module readout needs a single module, got %v", addr)
	}
	loc, err := det.geo.Resolve(addr.Bank, addr.Module)
	if err != nil {
		return nil, err
	}

	var (
		dev = det.devs[loc.Device]
		out []byte
	)
	err = det.Selected(addr, func() error {
		err := det.readout(ctx, []*device{dev}, det.geo.ModuleSize())
		if err != nil {
			return err
		}
		out = append([]byte(nil), dev.dma.current()...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dcb: could not read module %v: %w", addr, err)
	}
	return out, nil
}

// ReadBanks reads out the pixel counters of every bank into the holding
// buffer, and returns it.
func (det *Detector) ReadBanks(ctx context.Context) ([]byte, error) {
	err := det.Selected(Address{Bank: All, Module: All}, func() error {
		err := det.readout(ctx, det.devs, det.geo.DeviceSize())
		if err != nil {
			return err
		}
		return det.hold(det.devs)
	})
	if err != nil {
		return nil, fmt.Errorf("dcb: could not read banks: %w", err)
	}
	return det.img, nil
}
