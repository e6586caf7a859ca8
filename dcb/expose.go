// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcb

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-lpc/camserver/dcb/internal/regs"
)

// Mode holds the trigger mode of an exposure.
type Mode struct {
	ExtEnable    bool // exposures are gated by an external signal
	ExtTrigger   bool // every frame waits for an external trigger
	MultiTrigger bool // every exposure of a frame waits for an external trigger
}

func (m Mode) external() bool {
	return m.ExtEnable || m.ExtTrigger || m.MultiTrigger
}

func (m Mode) ctrl() uint16 {
	var v uint16
	if m.ExtEnable {
		v |= regs.CTRL_EXT_ENABLE
	}
	if m.ExtTrigger {
		v |= regs.CTRL_EXT_TRIG
	}
	if m.MultiTrigger {
		v |= regs.CTRL_MULTI_TRIG
	}
	return v
}

// Exposure holds the parameters of an exposure sequence.
type Exposure struct {
	Time     time.Duration // exposure time
	Period   time.Duration // time between the start of two exposures
	Count    int           // exposures per frame
	Frames   int           // frames to transmit
	Delay    time.Duration // delay between an external trigger and the exposure
	Debounce time.Duration // debounce time of the external trigger input
	Mode
}

const debounceUnit = time.Microsecond

type state int

const (
	stateIdle state = iota
	stateArmed
	stateExposing
	stateCountingDown
	stateReadoutEnabled
	stateDraining
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateArmed:
		return "armed"
	case stateExposing:
		return "exposing"
	case stateCountingDown:
		return "counting-down"
	case stateReadoutEnabled:
		return "readout-enabled"
	case stateDraining:
		return "draining"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// session is the state of an exposure sequence.
type session struct {
	state     state
	start     time.Duration // host time of the exposure start
	measured  time.Duration // last measured exposure time
	first     bool          // first exposure of the sequence
	autoFrame bool          // frames are re-armed one at a time
	countdown bool
	frame     time.Duration // frame time
	overhead  time.Duration
	timeout   time.Duration // DMA timeout
	total     time.Duration // sequence time
	frames    int           // frames done
	images    int           // images of the current frame done
	enabled   int           // number of times readout was enabled
}

// timers holds the exposure timers of a board, in DCB clock periods.
type timers struct {
	exp, per, dly uint64
}

// plan holds the values derived from the exposure parameters.
type plan struct {
	timers   []timers // per board
	debounce uint16
	overhead         time.Duration
	frame            time.Duration
	total            time.Duration
	timeout          time.Duration
}

func (det *Detector) derive(exp Exposure) (plan, error) {
	var (
		p   plan
		err error
	)

	switch {
	case exp.Count < 1:
		return p, errConfigf("invalid exposure count %d", exp.Count)
	case exp.Frames < 1:
		return p, errConfigf("invalid frame count %d", exp.Frames)
	case exp.MultiTrigger && !det.prof.MultiTrigger:
		return p, errConfigf("multi-trigger mode not supported by firmware %s", det.prof.Name)
	case uint64(exp.Count) > 1<<det.prof.CountBits-1:
		return p, errConfigf(
			"exposure count %d exceeds the %d-bit register of firmware %s",
			exp.Count, det.prof.CountBits, det.prof.Name,
		)
	case uint64(exp.Frames) > 1<<32-1:
		return p, errConfigf("frame count %d exceeds the 32-bit register", exp.Frames)
	}

	p.timers = make([]timers, len(det.devs))
	for i, dev := range det.devs {
		t := &p.timers[i]
		t.exp, err = dev.ticks("exposure time", exp.Time)
		if err != nil {
			return p, err
		}
		t.per, err = dev.ticks("exposure period", exp.Period)
		if err != nil {
			return p, err
		}
		t.dly, err = dev.ticks("trigger delay", exp.Delay)
		if err != nil {
			return p, err
		}
	}

	deb := (exp.Debounce + debounceUnit - 1) / debounceUnit
	if exp.Debounce < 0 || deb > 0xffff {
		return p, errConfigf("invalid debounce time %v", exp.Debounce)
	}
	p.debounce = uint16(deb)

	p.overhead = det.cfg.overhead + det.prof.ExtraOverhead

	if !exp.external() {
		single := exp.Count == 1 && exp.Frames == 1
		if exp.Period == 0 && !single {
			return p, errConfigf("zero exposure period with %d exposures and %d frames", exp.Count, exp.Frames)
		}
		// a single exposure without period does not repeat.
		if exp.Period > 0 && exp.Time+p.overhead > exp.Period {
			return p, errConfigf(
				"exposure time %v plus overhead %v exceeds exposure period %v",
				exp.Time, p.overhead, exp.Period,
			)
		}
	}

	const maxDuration = time.Duration(math.MaxInt64)
	if exp.Period > 0 && exp.Period > (maxDuration-exp.Time-p.overhead)/time.Duration(exp.Count) {
		return p, errConfigf(
			"frame time of %d exposures with period %v overflows", exp.Count, exp.Period,
		)
	}
	p.frame = exp.Period*time.Duration(exp.Count) + exp.Time + p.overhead
	if p.frame > maxDuration/time.Duration(exp.Frames) {
		return p, errConfigf("sequence time of %d frames of %v overflows", exp.Frames, p.frame)
	}
	p.total = p.frame * time.Duration(exp.Frames)

	var (
		tmo = det.cfg.timing.DMATimeout
		max = time.Duration(regs.GS_TIMEOUT_MAX) * regs.GS_TIMEOUT_UNIT
	)
	if p.frame > tmo {
		tmo += p.frame / 4 * 5
	}
	if exp.external() || tmo > max {
		tmo = max
	}
	p.timeout = tmo

	return p, nil
}

func (det *Detector) idle(op string) error {
	if det.sess.state != stateIdle {
		return errConfigf("%s while an exposure is %v", op, det.sess.state)
	}
	return nil
}

func (det *Detector) eachDevice(f func(dev *device) error) error {
	for _, dev := range det.devs {
		err := f(dev)
		if err != nil {
			return err
		}
	}
	return nil
}

// SetExposureTime sets the exposure time.
func (det *Detector) SetExposureTime(d time.Duration) error {
	if err := det.idle("set exposure time"); err != nil {
		return err
	}
	vs, err := det.ticks("exposure time", d)
	if err != nil {
		return err
	}
	err = det.eachDevice(func(dev *device) error { return dev.writeU48(regs.DCB_EXPT_0, vs[dev.id]) })
	if err != nil {
		return fmt.Errorf("dcb: could not set exposure time: %w", err)
	}
	det.exp.Time = d
	return nil
}

// ExposureTime returns the exposure time programmed in the primary board.
func (det *Detector) ExposureTime() (time.Duration, error) {
	v, err := det.devs[0].readU48(regs.DCB_EXPT_0)
	if err != nil {
		return 0, fmt.Errorf("dcb: could not read exposure time: %w", err)
	}
	return det.devs[0].duration(v), nil
}

// SetExposurePeriod sets the exposure period.
func (det *Detector) SetExposurePeriod(d time.Duration) error {
	if err := det.idle("set exposure period"); err != nil {
		return err
	}
	vs, err := det.ticks("exposure period", d)
	if err != nil {
		return err
	}
	err = det.eachDevice(func(dev *device) error { return dev.writeU48(regs.DCB_EXPP_0, vs[dev.id]) })
	if err != nil {
		return fmt.Errorf("dcb: could not set exposure period: %w", err)
	}
	det.exp.Period = d
	return nil
}

// ExposurePeriod returns the exposure period programmed in the primary board.
func (det *Detector) ExposurePeriod() (time.Duration, error) {
	v, err := det.devs[0].readU48(regs.DCB_EXPP_0)
	if err != nil {
		return 0, fmt.Errorf("dcb: could not read exposure period: %w", err)
	}
	return det.devs[0].duration(v), nil
}

// SetTriggerDelay sets the delay between an external trigger and the
// start of the exposure.
func (det *Detector) SetTriggerDelay(d time.Duration) error {
	if err := det.idle("set trigger delay"); err != nil {
		return err
	}
	vs, err := det.ticks("trigger delay", d)
	if err != nil {
		return err
	}
	err = det.eachDevice(func(dev *device) error { return dev.writeU48(regs.DCB_TDLY_0, vs[dev.id]) })
	if err != nil {
		return fmt.Errorf("dcb: could not set trigger delay: %w", err)
	}
	det.exp.Delay = d
	return nil
}

// SetExposureCount sets the number of exposures per frame.
func (det *Detector) SetExposureCount(n int) error {
	if err := det.idle("set exposure count"); err != nil {
		return err
	}
	if n < 1 || uint64(n) > 1<<det.prof.CountBits-1 {
		return errConfigf("exposure count %d out of the %d-bit register range", n, det.prof.CountBits)
	}
	err := det.eachDevice(func(dev *device) error { return dev.writeCount(uint32(n)) })
	if err != nil {
		return fmt.Errorf("dcb: could not set exposure count: %w", err)
	}
	det.exp.Count = n
	return nil
}

// SetFrameCount sets the number of frames to transmit.
func (det *Detector) SetFrameCount(n int) error {
	if err := det.idle("set frame count"); err != nil {
		return err
	}
	if n < 1 || uint64(n) > 1<<32-1 {
		return errConfigf("invalid frame count %d", n)
	}
	det.exp.Frames = n
	return nil
}

// SetDebounce sets the debounce time of the external trigger input.
func (det *Detector) SetDebounce(d time.Duration) error {
	if err := det.idle("set debounce time"); err != nil {
		return err
	}
	v := (d + debounceUnit - 1) / debounceUnit
	if d < 0 || v > 0xffff {
		return errConfigf("invalid debounce time %v", d)
	}
	err := det.eachDevice(func(dev *device) error { return dev.writeRegister(regs.DCB_DEBOUNCE, uint16(v)) })
	if err != nil {
		return fmt.Errorf("dcb: could not set debounce time: %w", err)
	}
	det.exp.Debounce = d
	return nil
}

// SetMode sets the trigger mode.
func (det *Detector) SetMode(m Mode) error {
	if err := det.idle("set trigger mode"); err != nil {
		return err
	}
	if m.MultiTrigger && !det.prof.MultiTrigger {
		return errConfigf("multi-trigger mode not supported by firmware %s", det.prof.Name)
	}
	det.exp.Mode = m
	return nil
}

// SetExposure sets all the exposure parameters at once.
// The parameters are checked when the exposure is armed.
func (det *Detector) SetExposure(exp Exposure) error {
	if err := det.idle("set exposure"); err != nil {
		return err
	}
	det.exp = exp
	return nil
}

// Exposure returns the current exposure parameters.
func (det *Detector) Exposure() Exposure { return det.exp }

func (dev *device) writeCount(n uint32) error {
	err := dev.writeRegister(regs.DCB_NEXP_LO, uint16(n))
	if err != nil {
		return err
	}
	if dev.fw.CountBits > 16 {
		return dev.writeRegister(regs.DCB_NEXP_HI, uint16(n>>16))
	}
	return nil
}

func (dev *device) program(exp Exposure, t timers, p plan, frames uint32) error {
	for _, v := range []struct {
		reg uint8
		val uint64
	}{
		{regs.DCB_EXPT_0, t.exp},
		{regs.DCB_EXPP_0, t.per},
		{regs.DCB_TDLY_0, t.dly},
	} {
		err := dev.writeU48(v.reg, v.val)
		if err != nil {
			return err
		}
	}

	err := dev.writeCount(uint32(exp.Count))
	if err != nil {
		return err
	}
	err = dev.writeRegister(regs.DCB_NFRM_LO, uint16(frames))
	if err != nil {
		return err
	}
	err = dev.writeRegister(regs.DCB_NFRM_HI, uint16(frames>>16))
	if err != nil {
		return err
	}
	err = dev.writeRegister(regs.DCB_DEBOUNCE, p.debounce)
	if err != nil {
		return err
	}

	err = dev.clearBits(regs.DCB_CTRL, regs.CTRL_MODE_MASK|regs.CTRL_IMAGE_TX)
	if err != nil {
		return err
	}
	err = dev.setBits(regs.DCB_CTRL, exp.Mode.ctrl()|regs.CTRL_EXPOSURE)
	if err != nil {
		return err
	}
	return dev.setTimeout(p.timeout)
}

func (dev *device) arm(m Mode, primary bool) error {
	bits := uint16(regs.TRIG_ARM)
	if m.external() {
		bits |= regs.TRIG_EXT_ARM
	}
	if primary {
		bits |= regs.TRIG_MASTER
	}
	return dev.setBits(regs.DCB_TRIG, bits)
}

// Expose arms an exposure.
// Secondary boards are armed before the primary one, which starts the
// exposure. Frames shorter than Timing.LongExposure are read out as soon
// as they complete; longer frames are counted down by CheckStatus.
func (det *Detector) Expose(ctx context.Context) error {
	var (
		sess = &det.sess
		exp  = det.exp
		next = sess.autoFrame && sess.frames > 0 && sess.frames < exp.Frames
	)

	if err := det.idle("expose"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("dcb: could not expose: %w", err)
	}

	if !next {
		p, err := det.derive(exp)
		if err != nil {
			return err
		}

		frames := uint32(exp.Frames)
		if exp.Frames > 1 {
			frames = 1
		}
		for i, dev := range det.devs {
			err = dev.program(exp, p.timers[i], p, frames)
			if err != nil {
				_ = det.ResetExposureMode()
				return fmt.Errorf("dcb: could not program exposure of device %d: %w", dev.id, err)
			}
		}

		*sess = session{
			first:     true,
			autoFrame: exp.Frames > 1,
			frame:     p.frame,
			overhead:  p.overhead,
			timeout:   p.timeout,
			total:     p.total,
		}
		det.msg.Printf(
			"expose: time=%v period=%v count=%d frames=%d frame=%v total=%v dma-timeout=%v",
			exp.Time, exp.Period, exp.Count, exp.Frames, p.frame, p.total, p.timeout,
		)
	}
	sess.state = stateArmed
	sess.images = 0

	for i := len(det.devs) - 1; i > 0; i-- {
		dev := det.devs[i]
		err := dev.arm(exp.Mode, false)
		if err != nil {
			_ = det.ResetExposureMode()
			return fmt.Errorf("dcb: could not arm device %d: %w", dev.id, err)
		}
	}
	err := det.devs[0].arm(exp.Mode, true)
	if err != nil {
		_ = det.ResetExposureMode()
		return fmt.Errorf("dcb: could not arm primary device: %w", err)
	}
	sess.start = det.now()
	sess.state = stateExposing

	if sess.frame > det.cfg.timing.LongExposure {
		sess.countdown = true
		sess.state = stateCountingDown
		return nil
	}

	return det.enableReadout()
}

// enableReadout enables the image transmission of every board, primary
// last.
func (det *Detector) enableReadout() error {
	size := det.geo.DeviceSize()
	for i := len(det.devs) - 1; i >= 0; i-- {
		dev := det.devs[i]
		err := dev.enableReadout(size)
		if err != nil {
			_ = det.ResetExposureMode()
			return fmt.Errorf("dcb: could not enable readout of device %d: %w", dev.id, err)
		}
	}
	det.sess.countdown = false
	det.sess.state = stateReadoutEnabled
	det.sess.enabled++
	return nil
}

// remaining returns the board time left before the end of the exposure.
func (det *Detector) remaining() time.Duration {
	sess := &det.sess
	return sess.frame - sess.overhead - det.boardDuration(det.now()-sess.start)
}

// CheckStatus reports whether the armed exposure is ready to be read out
// with WaitReadImage.
// During the countdown of a long exposure, CheckStatus sleeps for at most
// Timing.PollStep and logs the remaining time prefixed with label.
func (det *Detector) CheckStatus(label string) (bool, error) {
	var (
		sess   = &det.sess
		exp    = det.exp
		timing = det.cfg.timing
	)

	switch sess.state {
	case stateIdle:
		return false, errConfigf("no exposure armed")
	case stateReadoutEnabled, stateDraining:
		return true, nil
	}

	if !sess.countdown {
		if exp.external() || exp.Time < timing.ShortExposure {
			return true, nil
		}
		return false, nil
	}

	left := det.remaining()
	if left > timing.FinalWindow {
		step := left - timing.FinalWindow
		if step > timing.PollStep {
			step = timing.PollStep
		}
		if label != "" {
			det.msg.Printf("%s: %v remaining", label, left.Round(time.Second))
		}
		det.sleep(det.hostDuration(step))
		return false, nil
	}

	err := det.enableReadout()
	if err != nil {
		return false, err
	}
	return true, nil
}
