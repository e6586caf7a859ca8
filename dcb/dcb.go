// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dcb drives the detector control boards (DCB) of a PILATUS
// detector, and their bank control boards (BCB), through GigaSTaR links.
//
// A Detector owns one GigaSTaR driver per control board. The first
// board is the primary: it drives the exposure timing of the whole
// detector.
//
// A Detector is not safe for concurrent use.
package dcb // import "github.com/go-lpc/camserver/dcb"

import (
	"fmt"
	"log"
	"time"

	"github.com/go-lpc/camserver/dcb/internal/regs"
	"github.com/go-lpc/camserver/gsd"
)

// Detector is a set of control boards driven as a single detector.
type Detector struct {
	msg  *log.Logger
	cfg  config
	geo  Geometry
	devs []*device // devs[0] is the primary board

	prof   Profile
	clk    Clock
	origin time.Duration // host time origin of image timestamps
	sel    Address

	exp  Exposure
	sess session
	img  []byte
}

// Open initializes a detector from the drivers of its control boards,
// primary board first.
// Open takes ownership of the drivers: they are closed when Open fails,
// or when the detector is closed.
//
// Open resolves the firmware profile, calibrates the board clocks and
// checks the humidity of every sensor channel before any exposure can
// be armed.
func Open(drvs []gsd.Driver, opts ...Option) (det *Detector, err error) {
	defer func() {
		if err == nil {
			return
		}
		for _, drv := range drvs {
			_ = drv.Close()
		}
	}()

	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if len(drvs) == 0 {
		return nil, errConfigf("no control board")
	}
	if cfg.geo.Devices != len(drvs) {
		return nil, errConfigf(
			"geometry describes %d boards, got %d drivers",
			cfg.geo.Devices, len(drvs),
		)
	}
	err = cfg.geo.validate()
	if err != nil {
		return nil, err
	}

	det = &Detector{
		msg:  cfg.msg,
		cfg:  cfg,
		geo:  cfg.geo,
		devs: make([]*device, len(drvs)),
		sel:  Address{Bank: All, Module: All},
		exp:  Exposure{Count: 1, Frames: 1},
	}
	for i, drv := range drvs {
		det.devs[i] = newDevice(i, drv, &det.cfg)
	}

	err = det.resolveFirmware()
	if err != nil {
		return nil, fmt.Errorf("dcb: could not resolve firmware: %w", err)
	}

	err = det.calibrate()
	if err != nil {
		return nil, fmt.Errorf("dcb: could not calibrate clocks: %w", err)
	}

	err = det.Select(det.sel)
	if err != nil {
		return nil, err
	}

	err = det.initSensors()
	if err != nil {
		return nil, fmt.Errorf("dcb: could not initialize sensors: %w", err)
	}

	if cfg.gate {
		err = det.humidityGate()
		if err != nil {
			return nil, fmt.Errorf("dcb: humidity check failed: %w", err)
		}
	}

	err = det.ResetExposureMode()
	if err != nil {
		return nil, err
	}

	det.img = make([]byte, det.geo.ImageSize())
	det.origin = det.now()
	return det, nil
}

// Close resets the exposure mode of every board and closes their drivers.
func (det *Detector) Close() error {
	err := det.ResetExposureMode()
	for _, dev := range det.devs {
		e := dev.drv.Close()
		if e != nil && err == nil {
			err = fmt.Errorf("dcb: could not close driver of device %d: %w", dev.id, e)
		}
	}
	return err
}

// Geometry returns the detector geometry.
func (det *Detector) Geometry() Geometry { return det.geo }

// Devices returns the number of control boards.
func (det *Detector) Devices() int { return len(det.devs) }

// Image returns the holding buffer of the last transferred image.
// The buffer is overwritten by the next transfer.
func (det *Detector) Image() []byte { return det.img }

// DeviceImage returns the part of the holding buffer filled by board idev.
func (det *Detector) DeviceImage(idev int) ([]byte, error) {
	if idev < 0 || idev >= len(det.devs) {
		return nil, errConfigf("device %d out of range [0, %d)", idev, len(det.devs))
	}
	h := holder{img: det.img, slot: det.geo.DeviceSize()}
	return h.board(idev), nil
}

// Origin returns the host time origin of image timestamps.
func (det *Detector) Origin() time.Duration { return det.origin }

func (det *Detector) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	det.cfg.sleep(d)
}

// ResetExposureMode aborts any exposure and returns every board to its
// idle state.
func (det *Detector) ResetExposureMode() error {
	return det.reset(regs.RESET_EXPOSURE|regs.RESET_FIFO, regs.CTRL_IMAGE_TX)
}

// Stop aborts any exposure or pixel calibration.
func (det *Detector) Stop() error {
	return det.reset(
		regs.RESET_EXPOSURE|regs.RESET_CALPIX|regs.RESET_FIFO,
		regs.CTRL_IMAGE_TX|regs.CTRL_CALPIX,
	)
}

func (det *Detector) reset(bits, ctrl uint16) error {
	det.sess = session{}
	for i := len(det.devs) - 1; i >= 0; i-- {
		dev := det.devs[i]
		err := dev.writeRegister(regs.DCB_RESET, bits)
		if err == nil {
			err = dev.clearBits(regs.DCB_TRIG, regs.TRIG_MASK)
		}
		if err == nil {
			err = dev.clearBits(regs.DCB_CTRL, ctrl)
		}
		if err == nil {
			err = dev.setControl(0)
		}
		if err == nil {
			err = dev.resetFIFOs()
		}
		if err != nil {
			return fmt.Errorf("dcb: could not reset device %d: %w", dev.id, err)
		}
	}
	return nil
}

// SetCalpix enables or disables the pixel calibration mode.
func (det *Detector) SetCalpix(on bool) error {
	for _, dev := range det.devs {
		var err error
		switch {
		case on:
			err = dev.setBits(regs.DCB_CTRL, regs.CTRL_CALPIX)
		default:
			err = dev.clearBits(regs.DCB_CTRL, regs.CTRL_CALPIX)
		}
		if err != nil {
			return fmt.Errorf("dcb: could not switch calpix mode of device %d: %w", dev.id, err)
		}
	}
	return nil
}

// moduleCommand sends a slow module command to the modules at addr.
func (det *Detector) moduleCommand(addr Address, cmd uint8, data uint16) error {
	if det.sess.state != stateIdle {
		return errConfigf("%s while an exposure is in progress", cmdName(cmd))
	}
	return det.Selected(addr, func() error {
		for _, dev := range det.devs {
			err := dev.writeCommand(cmd, 0, data)
			if err != nil {
				return fmt.Errorf("dcb: could not send %s to %v: %w", cmdName(cmd), addr, err)
			}
		}
		return nil
	})
}

// FillPixels writes pattern into every pixel counter of the modules at addr.
func (det *Detector) FillPixels(addr Address, pattern uint16) error {
	return det.moduleCommand(addr, regs.CMD_FILL, pattern)
}

// CalibrateTrain sends n calibration pulses to the modules at addr.
func (det *Detector) CalibrateTrain(addr Address, n uint16) error {
	return det.moduleCommand(addr, regs.CMD_CALTRAIN, n)
}

// LoadTrim loads the trim bits into the modules at addr.
func (det *Detector) LoadTrim(addr Address) error {
	return det.moduleCommand(addr, regs.CMD_LOADTRIM, 0)
}
