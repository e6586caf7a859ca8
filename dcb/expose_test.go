// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcb

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-lpc/camserver/dcb/internal/fakegsd"
	"github.com/go-lpc/camserver/dcb/internal/regs"
)

func expose(t *testing.T, det *Detector, exp Exposure) {
	t.Helper()
	err := det.SetExposure(exp)
	if err != nil {
		t.Fatalf("could not set exposure: %+v", err)
	}
	err = det.Expose(context.Background())
	if err != nil {
		t.Fatalf("could not expose: %+v", err)
	}
}

func TestExposeShort(t *testing.T) {
	rack := fakegsd.New(2)
	det := openTest(t, rack)
	defer det.Close()

	ctx := context.Background()
	expose(t, det, Exposure{
		Time:   10 * time.Millisecond,
		Period: time.Second,
		Count:  1,
		Frames: 1,
	})

	ok, err := det.CheckStatus("short")
	if err != nil {
		t.Fatalf("could not check status: %+v", err)
	}
	if !ok {
		t.Fatalf("short exposure not ready")
	}

	ts, err := det.WaitReadImage(ctx)
	if err != nil {
		t.Fatalf("could not read image: %+v", err)
	}
	if ts <= 0 {
		t.Fatalf("invalid timestamp: %v", ts)
	}

	img := det.Image()
	size := det.Geometry().DeviceSize()
	if got, want := len(img), det.Geometry().ImageSize(); got != want {
		t.Fatalf("invalid image size: got=%d, want=%d", got, want)
	}
	for i, b := range rack.Boards {
		want := bytes.Repeat([]byte{fakegsd.Pattern(b.ID, 0)}, size)
		if !bytes.Equal(img[i*size:(i+1)*size], want) {
			t.Fatalf("invalid image content for device %d", i)
		}
		sub, err := det.DeviceImage(i)
		if err != nil {
			t.Fatalf("could not get image of device %d: %+v", i, err)
		}
		if !bytes.Equal(sub, want) {
			t.Fatalf("invalid device image for device %d", i)
		}
		if b.Reg(regs.DCB_CTRL)&regs.CTRL_IMAGE_TX != 0 {
			t.Fatalf("device %d: image transmission still enabled", i)
		}
		if b.Reg(regs.DCB_TRIG) != 0 {
			t.Fatalf("device %d: trigger still armed", i)
		}
	}

	if _, err := det.DeviceImage(2); !errors.Is(err, ErrConfig) {
		t.Fatalf("invalid error for out of range device: %+v", err)
	}

	if got, want := det.FramesDone(), 1; got != want {
		t.Fatalf("invalid number of frames: got=%d, want=%d", got, want)
	}
	if got := det.MeasuredExposure(); got <= 0 {
		t.Fatalf("invalid measured exposure: %v", got)
	}

	_, err = det.CheckStatus("idle")
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("invalid error: %+v", err)
	}

	// a second exposure keeps the time origin.
	expose(t, det, det.Exposure())
	ts2, err := det.WaitReadImage(ctx)
	if err != nil {
		t.Fatalf("could not read second image: %+v", err)
	}
	if ts2 <= ts {
		t.Fatalf("invalid timestamps: ts1=%v, ts2=%v", ts, ts2)
	}
}

func TestExposeInvalid(t *testing.T) {
	rack := fakegsd.New(2)
	det := openTest(t, rack)
	defer det.Close()

	for _, tc := range []struct {
		name string
		exp  Exposure
		want string
	}{
		{
			name: "period-too-short",
			exp: Exposure{
				Time:   600 * time.Millisecond,
				Period: 500 * time.Millisecond,
				Count:  2,
				Frames: 1,
			},
			want: "dcb: invalid configuration: exposure time 600ms plus overhead 2.4ms exceeds exposure period 500ms",
		},
		{
			name: "single-period-too-short",
			exp: Exposure{
				Time:   600 * time.Millisecond,
				Period: 500 * time.Millisecond,
				Count:  1,
				Frames: 1,
			},
			want: "dcb: invalid configuration: exposure time 600ms plus overhead 2.4ms exceeds exposure period 500ms",
		},
		{
			name: "frame-overflow",
			exp: Exposure{
				Time:   time.Millisecond,
				Period: 700 * time.Hour,
				Count:  1 << 20,
				Frames: 1,
			},
			want: "dcb: invalid configuration: frame time of 1048576 exposures with period 700h0m0s overflows",
		},
		{
			name: "sequence-overflow",
			exp: Exposure{
				Time:   time.Millisecond,
				Period: time.Hour,
				Count:  1,
				Frames: 1<<32 - 1,
			},
			want: "dcb: invalid configuration: sequence time of 4294967295 frames of 1h0m0.0034s overflows",
		},
		{
			name: "zero-period",
			exp:  Exposure{Time: time.Millisecond, Count: 1, Frames: 2},
			want: "dcb: invalid configuration: zero exposure period with 1 exposures and 2 frames",
		},
		{
			name: "zero-count",
			exp:  Exposure{Time: time.Millisecond, Frames: 1},
			want: "dcb: invalid configuration: invalid exposure count 0",
		},
		{
			name: "negative-delay",
			exp:  Exposure{Time: time.Millisecond, Count: 1, Frames: 1, Delay: -time.Second},
			want: "dcb: invalid configuration: negative trigger delay -1s",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rack.ResetTrace()
			err := det.SetExposure(tc.exp)
			if err != nil {
				t.Fatalf("could not set exposure: %+v", err)
			}
			err = det.Expose(context.Background())
			if err == nil {
				t.Fatalf("expected an error")
			}
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("invalid error type: %+v", err)
			}
			if got, want := err.Error(), tc.want; got != want {
				t.Fatalf("invalid error:\ngot= %q\nwant=%q", got, want)
			}
			if n := len(rack.Trace()); n != 0 {
				t.Fatalf("invalid configuration reached the boards (%d commands)", n)
			}
		})
	}
}

func TestExposeBusy(t *testing.T) {
	rack := fakegsd.New(1)
	det := openTest(t, rack)
	defer det.Close()

	expose(t, det, Exposure{Time: time.Millisecond, Count: 1, Frames: 1})

	err := det.Expose(context.Background())
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("invalid error: %+v", err)
	}
	err = det.SetExposureTime(time.Second)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("invalid error: %+v", err)
	}
	err = det.FillPixels(Address{All, All}, 0)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("invalid error: %+v", err)
	}

	err = det.ResetExposureMode()
	if err != nil {
		t.Fatalf("could not reset exposure mode: %+v", err)
	}
	err = det.SetExposureTime(time.Second)
	if err != nil {
		t.Fatalf("could not set exposure time after reset: %+v", err)
	}
}

func TestExposureSetters(t *testing.T) {
	rack := fakegsd.New(2)
	det := openTest(t, rack)
	defer det.Close()

	for _, d := range []time.Duration{100 * time.Nanosecond, 1234567 * time.Nanosecond, 42 * time.Second} {
		err := det.SetExposureTime(d)
		if err != nil {
			t.Fatalf("could not set exposure time: %+v", err)
		}
		got, err := det.ExposureTime()
		if err != nil {
			t.Fatalf("could not read exposure time: %+v", err)
		}
		if diff := got - d; diff < -10*time.Nanosecond || diff > 10*time.Nanosecond {
			t.Fatalf("invalid exposure time: got=%v, want=%v", got, d)
		}
	}

	err := det.SetExposurePeriod(time.Second)
	if err != nil {
		t.Fatalf("could not set exposure period: %+v", err)
	}
	got, err := det.ExposurePeriod()
	if err != nil {
		t.Fatalf("could not read exposure period: %+v", err)
	}
	if got != time.Second {
		t.Fatalf("invalid exposure period: got=%v", got)
	}
	for _, b := range rack.Boards {
		if got, want := b.Reg(regs.DCB_EXPP_0), uint16(100000000&0xffff); got != want {
			t.Fatalf("board %d: invalid period register: got=0x%x, want=0x%x", b.ID, got, want)
		}
	}

	err = det.SetExposureTime(-time.Second)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("invalid error: %+v", err)
	}

	err = det.SetTriggerDelay(time.Millisecond)
	if err != nil {
		t.Fatalf("could not set trigger delay: %+v", err)
	}
	err = det.SetDebounce(1500 * time.Nanosecond)
	if err != nil {
		t.Fatalf("could not set debounce: %+v", err)
	}
	if got, want := rack.Boards[1].Reg(regs.DCB_DEBOUNCE), uint16(2); got != want {
		t.Fatalf("invalid debounce register: got=%d, want=%d", got, want)
	}
	err = det.SetDebounce(time.Second)
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("invalid error: %+v", err)
	}

	err = det.SetExposureCount(70000)
	if err != nil {
		t.Fatalf("could not set exposure count: %+v", err)
	}
	if got, want := rack.Boards[0].Reg(regs.DCB_NEXP_HI), uint16(1); got != want {
		t.Fatalf("invalid count register: got=%d, want=%d", got, want)
	}
	err = det.SetFrameCount(3)
	if err != nil {
		t.Fatalf("could not set frame count: %+v", err)
	}
	err = det.SetMode(Mode{MultiTrigger: true})
	if err != nil {
		t.Fatalf("could not set multi-trigger mode: %+v", err)
	}

	exp := det.Exposure()
	if exp.Count != 70000 || exp.Frames != 3 || !exp.MultiTrigger || exp.Delay != time.Millisecond {
		t.Fatalf("invalid exposure parameters: %+v", exp)
	}
}

func TestFirmwareLimits(t *testing.T) {
	t.Run("dcb-3.5", func(t *testing.T) {
		rack := fakegsd.New(1)
		rack.Boards[0].DCBBuild = 0x0305
		det := openTest(t, rack)
		defer det.Close()

		err := det.SetMode(Mode{MultiTrigger: true})
		if !errors.Is(err, ErrConfig) {
			t.Fatalf("invalid error: %+v", err)
		}

		err = det.SetExposure(Exposure{Time: time.Millisecond, Count: 1, Frames: 1, Mode: Mode{MultiTrigger: true}})
		if err != nil {
			t.Fatalf("could not set exposure: %+v", err)
		}
		err = det.Expose(context.Background())
		if !errors.Is(err, ErrConfig) {
			t.Fatalf("invalid error: %+v", err)
		}
	})

	t.Run("dcb-2.1", func(t *testing.T) {
		rack := fakegsd.New(1)
		rack.Boards[0].DCBBuild = 0x0201
		det := openTest(t, rack)
		defer det.Close()

		err := det.SetExposureCount(1 << 16)
		if !errors.Is(err, ErrConfig) {
			t.Fatalf("invalid error: %+v", err)
		}

		rack.ResetTrace()
		err = det.SetExposureCount(1<<16 - 1)
		if err != nil {
			t.Fatalf("could not set exposure count: %+v", err)
		}
		hi := cmdWord(regs.CMD_WRITE, regs.DCB_NEXP_HI, 0)
		if got := events(rack, hi); len(got) != 0 {
			t.Fatalf("16-bit firmware received a high count word")
		}

		err = det.SetExposure(Exposure{
			Time:   time.Millisecond,
			Period: 10 * time.Millisecond,
			Count:  70000,
			Frames: 1,
		})
		if err != nil {
			t.Fatalf("could not set exposure: %+v", err)
		}
		err = det.Expose(context.Background())
		if !errors.Is(err, ErrConfig) {
			t.Fatalf("invalid error: %+v", err)
		}
	})
}

func TestArmOrder(t *testing.T) {
	rack := fakegsd.New(3)
	det := openTest(t, rack)
	defer det.Close()

	rack.ResetTrace()
	expose(t, det, Exposure{Time: time.Millisecond, Count: 1, Frames: 1})

	var (
		armSecondary = cmdWord(regs.CMD_SET, regs.DCB_TRIG, regs.TRIG_ARM)
		armPrimary   = cmdWord(regs.CMD_SET, regs.DCB_TRIG, regs.TRIG_ARM|regs.TRIG_MASTER)
		enable       = cmdWord(regs.CMD_SET, regs.DCB_CTRL, regs.CTRL_IMAGE_TX)
	)
	if got, want := events(rack, armSecondary), []int{2, 1}; !equalInts(got, want) {
		t.Fatalf("invalid arm sequence: got=%v, want=%v", got, want)
	}
	if got, want := events(rack, armPrimary), []int{0}; !equalInts(got, want) {
		t.Fatalf("invalid primary arm: got=%v, want=%v", got, want)
	}
	if got, want := events(rack, enable), []int{2, 1, 0}; !equalInts(got, want) {
		t.Fatalf("invalid readout enable sequence: got=%v, want=%v", got, want)
	}

	var (
		trace   = rack.Trace()
		primary = -1
		first   = -1
	)
	for i, evt := range trace {
		switch {
		case evt.Word == armPrimary:
			primary = i
		case evt.Word == enable && first < 0:
			first = i
		}
	}
	if primary < 0 || first < 0 || primary > first {
		t.Fatalf("readout enabled before the primary board was armed (arm=%d, enable=%d)", primary, first)
	}

	_, err := det.WaitReadImage(context.Background())
	if err != nil {
		t.Fatalf("could not read image: %+v", err)
	}
}

func TestExposeLong(t *testing.T) {
	rack := fakegsd.New(2)
	det := openTest(t, rack)
	defer det.Close()

	ctx := context.Background()
	expose(t, det, Exposure{Time: 30 * time.Second, Count: 1, Frames: 1})

	enable := cmdWord(regs.CMD_SET, regs.DCB_CTRL, regs.CTRL_IMAGE_TX)
	if n := len(events(rack, enable)); n != 0 {
		t.Fatalf("readout enabled at the start of a long exposure")
	}

	t0 := rack.Clock.Now()
	ok, err := det.CheckStatus("long")
	if err != nil {
		t.Fatalf("could not check status: %+v", err)
	}
	if ok {
		t.Fatalf("long exposure ready too early")
	}
	if got, want := rack.Clock.Now()-t0, time.Second; got != want {
		t.Fatalf("invalid countdown step: got=%v, want=%v", got, want)
	}

	ts, err := det.WaitReadImage(ctx)
	if err != nil {
		t.Fatalf("could not read image: %+v", err)
	}
	if ts < 29900*time.Millisecond || ts > 30100*time.Millisecond {
		t.Fatalf("invalid timestamp: %v", ts)
	}
	if got, want := len(events(rack, enable)), 2; got != want {
		t.Fatalf("invalid number of readout enables: got=%d, want=%d", got, want)
	}
}

func TestExposeAutoFrame(t *testing.T) {
	rack := fakegsd.New(2)
	det := openTest(t, rack)
	defer det.Close()

	ctx := context.Background()
	rack.ResetTrace()
	expose(t, det, Exposure{
		Time:   10 * time.Millisecond,
		Period: 100 * time.Millisecond,
		Count:  1,
		Frames: 3,
	})

	var prev time.Duration
	for i := 0; i < 3; i++ {
		ts, err := det.WaitReadImage(ctx)
		if err != nil {
			t.Fatalf("frame %d: could not read image: %+v", i, err)
		}
		if ts <= prev {
			t.Fatalf("frame %d: invalid timestamp %v (prev=%v)", i, ts, prev)
		}
		prev = ts
		if got, want := det.FramesDone(), i+1; got != want {
			t.Fatalf("invalid number of frames: got=%d, want=%d", got, want)
		}
	}

	_, err := det.CheckStatus("done")
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("sequence not finished: %+v", err)
	}

	var (
		armPrimary = cmdWord(regs.CMD_SET, regs.DCB_TRIG, regs.TRIG_ARM|regs.TRIG_MASTER)
		frames     = cmdWord(regs.CMD_WRITE, regs.DCB_NFRM_LO, 1)
	)
	if got, want := events(rack, armPrimary), []int{0, 0, 0}; !equalInts(got, want) {
		t.Fatalf("invalid primary arms: got=%v, want=%v", got, want)
	}
	if got, want := events(rack, frames), []int{0, 1}; !equalInts(got, want) {
		t.Fatalf("frames not programmed once: got=%v, want=%v", got, want)
	}
}

func TestExposeMultiTrigger(t *testing.T) {
	rack := fakegsd.New(2)
	det := openTest(t, rack)
	defer det.Close()

	ctx := context.Background()
	expose(t, det, Exposure{
		Time:   10 * time.Millisecond,
		Period: 100 * time.Millisecond,
		Count:  2,
		Frames: 1,
		Mode:   Mode{MultiTrigger: true},
	})

	ok, err := det.CheckStatus("multi")
	if err != nil || !ok {
		t.Fatalf("external exposure not ready: ok=%v, err=%+v", ok, err)
	}

	ts, err := det.WaitReadImage(ctx)
	if err != nil {
		t.Fatalf("could not read first image: %+v", err)
	}
	if got, want := ts, 10*time.Millisecond; got != want {
		t.Fatalf("invalid first timestamp: got=%v, want=%v", got, want)
	}
	for _, b := range rack.Boards {
		if b.Reg(regs.DCB_CTRL)&regs.CTRL_IMAGE_TX == 0 {
			t.Fatalf("board %d: image transmission disabled between triggers", b.ID)
		}
	}
	if got, want := det.devs[0].dma.cur, 1; got != want {
		t.Fatalf("invalid DMA buffer: got=%d, want=%d", got, want)
	}

	ts, err = det.WaitReadImage(ctx)
	if err != nil {
		t.Fatalf("could not read second image: %+v", err)
	}
	if got, want := ts, 110*time.Millisecond; got != want {
		t.Fatalf("invalid second timestamp: got=%v, want=%v", got, want)
	}
	if got, want := det.Image()[0], fakegsd.Pattern(0, 1); got != want {
		t.Fatalf("invalid image content: got=0x%x, want=0x%x", got, want)
	}
	for _, b := range rack.Boards {
		if b.Reg(regs.DCB_CTRL)&regs.CTRL_IMAGE_TX != 0 {
			t.Fatalf("board %d: image transmission still enabled", b.ID)
		}
	}
	if got, want := det.FramesDone(), 1; got != want {
		t.Fatalf("invalid number of frames: got=%d, want=%d", got, want)
	}
}

func TestExposeExtTrigger(t *testing.T) {
	rack := fakegsd.New(1)
	det := openTest(t, rack)
	defer det.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		expose(t, det, Exposure{
			Time:   10 * time.Millisecond,
			Count:  1,
			Frames: 1,
			Mode:   Mode{ExtTrigger: true},
		})
		ts, err := det.WaitReadImage(ctx)
		if err != nil {
			t.Fatalf("could not read image %d: %+v", i, err)
		}
		if got, want := det.MeasuredExposure(), 10*time.Millisecond; got != want {
			t.Fatalf("invalid measured exposure: got=%v, want=%v", got, want)
		}
		if got, want := ts, 10*time.Millisecond; got != want {
			t.Fatalf("image %d: invalid timestamp: got=%v, want=%v", i, got, want)
		}
	}
}
