// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcb

import (
	"fmt"
	"math"
	"time"

	"github.com/go-lpc/camserver/dcb/internal/regs"
	"golang.org/x/sync/errgroup"
)

const max48 = 1<<48 - 1

// Clock holds the clock calibration of a detector.
type Clock struct {
	DCBPeriod float64 // DCB clock period of the primary board, in seconds
	BCBPeriod float64 // BCB clock period of the primary board, in seconds (0 without BCB)
	Period    float64 // shortest clock period over all boards, in seconds, for shared protocol timeouts
	Skew      float64 // board time over host time
}

func (dev *device) readPeriods() error {
	freq, err := dev.readRegister(regs.DCB_DESIGN_FREQ)
	if err != nil {
		return fmt.Errorf("dcb: could not read DCB design frequency of device %d: %w", dev.id, err)
	}
	if freq == 0 {
		return &FirmwareMismatch{
			Device: dev.id, DCB: dev.fw.DCBBuild, BCB: dev.fw.BCBBuild,
			Reason: "invalid DCB design frequency",
		}
	}
	dev.period = 1 / (float64(freq) * regs.DesignFreqUnit)

	dev.bcbPeriod = 0
	if dev.fw.BCBBuild == 0 {
		return nil
	}

	freq, err = dev.readRegister(regs.BCB_DESIGN_FREQ)
	if err != nil {
		return fmt.Errorf("dcb: could not read BCB design frequency of device %d: %w", dev.id, err)
	}
	if freq == 0 {
		return &FirmwareMismatch{
			Device: dev.id, DCB: dev.fw.DCBBuild, BCB: dev.fw.BCBBuild,
			Reason: "invalid BCB design frequency",
		}
	}
	dev.bcbPeriod = 1 / (float64(freq) * regs.DesignFreqUnit)
	return nil
}

// startRefCounter resets and starts the board reference counter.
// It returns the host time at which the counter was started.
func (dev *device) startRefCounter() (time.Duration, error) {
	err := dev.writeRegister(regs.DCB_RESET, regs.RESET_REFCNT)
	if err != nil {
		return 0, fmt.Errorf("dcb: could not reset reference counter of device %d: %w", dev.id, err)
	}

	t0 := dev.drv.Now()
	err = dev.setBits(regs.DCB_CTRL, regs.CTRL_REFCNT_RUN)
	if err != nil {
		return 0, fmt.Errorf("dcb: could not start reference counter of device %d: %w", dev.id, err)
	}
	return t0, nil
}

// stopRefCounter stops the board reference counter started at t0, and
// computes the rate of the board clock against the host clock.
func (dev *device) stopRefCounter(t0 time.Duration) error {
	t1 := dev.drv.Now()
	err := dev.clearBits(regs.DCB_CTRL, regs.CTRL_REFCNT_RUN)
	if err != nil {
		return fmt.Errorf("dcb: could not stop reference counter of device %d: %w", dev.id, err)
	}

	cnt, err := dev.readU48(regs.DCB_REFCNT_0)
	if err != nil {
		return fmt.Errorf("dcb: could not read reference counter of device %d: %w", dev.id, err)
	}

	host := (t1 - t0).Seconds()
	if cnt == 0 || host <= 0 {
		return &FirmwareMismatch{
			Device: dev.id, DCB: dev.fw.DCBBuild, BCB: dev.fw.BCBBuild,
			Reason: "reference counter is not running",
		}
	}
	dev.skew = float64(cnt) * dev.period / host
	return nil
}

// calibrate computes the clock periods and the skew of every board.
// The reference counters of all boards run during the same
// Timing.Calibration window; boards are started and read out
// concurrently.
func (det *Detector) calibrate() error {
	var (
		grp errgroup.Group
		t0s = make([]time.Duration, len(det.devs))
	)
	for i := range det.devs {
		i := i
		dev := det.devs[i]
		grp.Go(func() error {
			err := dev.readPeriods()
			if err != nil {
				return err
			}
			t0s[i], err = dev.startRefCounter()
			return err
		})
	}
	err := grp.Wait()
	if err != nil {
		return err
	}

	det.sleep(det.cfg.timing.Calibration)

	var stop errgroup.Group
	for i := range det.devs {
		i := i
		dev := det.devs[i]
		stop.Go(func() error {
			return dev.stopRefCounter(t0s[i])
		})
	}
	err = stop.Wait()
	if err != nil {
		return err
	}

	prim := det.devs[0]
	det.clk = Clock{
		DCBPeriod: prim.period,
		BCBPeriod: prim.bcbPeriod,
		Period:    math.Inf(+1),
		Skew:      prim.skew,
	}
	for _, dev := range det.devs {
		for _, p := range []float64{dev.period, dev.bcbPeriod} {
			if p > 0 && p < det.clk.Period {
				det.clk.Period = p
			}
		}
		det.msg.Printf("device %d: clock period=%v, skew=%.6f",
			dev.id, time.Duration(math.Round(dev.period*1e9)), dev.skew,
		)
	}
	return nil
}

// Clock returns the clock calibration of the detector.
func (det *Detector) Clock() Clock { return det.clk }

// ticks converts a duration into a number of periods of the board DCB
// clock. Every board times its exposures with its own DCB clock.
func (dev *device) ticks(name string, d time.Duration) (uint64, error) {
	if d < 0 {
		return 0, errConfigf("negative %s %v", name, d)
	}
	v := math.Round(d.Seconds() / dev.period)
	if v > max48 {
		return 0, errConfigf("%s %v exceeds the 48-bit timer range", name, d)
	}
	return uint64(v), nil
}

func (dev *device) duration(ticks uint64) time.Duration {
	return time.Duration(math.Round(float64(ticks) * dev.period * 1e9))
}

// ticks converts a duration into the timer value of every board.
func (det *Detector) ticks(name string, d time.Duration) ([]uint64, error) {
	vs := make([]uint64, len(det.devs))
	for i, dev := range det.devs {
		v, err := dev.ticks(name, d)
		if err != nil {
			return nil, err
		}
		vs[i] = v
	}
	return vs, nil
}

// hostDuration converts a duration measured by the boards into host time.
func (det *Detector) hostDuration(d time.Duration) time.Duration {
	return time.Duration(float64(d) / det.clk.Skew)
}

// boardDuration converts a duration measured by the host into board time.
func (det *Detector) boardDuration(d time.Duration) time.Duration {
	return time.Duration(float64(d) * det.clk.Skew)
}

func (det *Detector) now() time.Duration {
	return det.devs[0].drv.Now()
}
