// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcb

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/go-lpc/camserver/dcb/internal/fakegsd"
	"github.com/go-lpc/camserver/dcb/internal/regs"
)

func testGeometry(n int) Geometry {
	return Geometry{
		Devices:        n,
		BanksPerDevice: 2,
		Modules:        4,
		ModulePixels:   16,
		BitDepth:       32,
	}
}

func testOptions(rack *fakegsd.Rack, opts ...Option) []Option {
	return append([]Option{
		WithGeometry(testGeometry(len(rack.Boards))),
		WithSleep(rack.Clock.Sleep),
		WithLogger(log.New(io.Discard, "dcb: ", 0)),
	}, opts...)
}

func openTest(t *testing.T, rack *fakegsd.Rack, opts ...Option) *Detector {
	t.Helper()
	det, err := Open(rack.Drivers(), testOptions(rack, opts...)...)
	if err != nil {
		t.Fatalf("could not open detector: %+v", err)
	}
	return det
}

// events returns the boards that received word, in order.
func events(rack *fakegsd.Rack, word uint32) []int {
	var out []int
	for _, evt := range rack.Trace() {
		if evt.Word == word {
			out = append(out, evt.Board)
		}
	}
	return out
}

func TestOpenClose(t *testing.T) {
	rack := fakegsd.New(2)
	det := openTest(t, rack)

	if got, want := det.Devices(), 2; got != want {
		t.Fatalf("invalid number of devices: got=%d, want=%d", got, want)
	}
	if got, want := len(det.Image()), 2*512; got != want {
		t.Fatalf("invalid holding buffer size: got=%d, want=%d", got, want)
	}
	if got, want := det.Selection(), (Address{All, All}); got != want {
		t.Fatalf("invalid selection: got=%v, want=%v", got, want)
	}
	if got, want := det.Profile().Name, "dcb-4.12"; got != want {
		t.Fatalf("invalid variant: got=%q, want=%q", got, want)
	}

	rack.ResetTrace()
	err := det.Close()
	if err != nil {
		t.Fatalf("could not close detector: %+v", err)
	}
	if got, want := rack.Closed(), 2; got != want {
		t.Fatalf("invalid number of closed drivers: got=%d, want=%d", got, want)
	}
	reset := cmdWord(regs.CMD_WRITE, regs.DCB_RESET, regs.RESET_EXPOSURE|regs.RESET_FIFO)
	if got, want := events(rack, reset), []int{1, 0}; !equalInts(got, want) {
		t.Fatalf("invalid reset sequence: got=%v, want=%v", got, want)
	}
}

func TestOpenInvalid(t *testing.T) {
	for _, tc := range []struct {
		name string
		geo  Geometry
		want string
	}{
		{
			name: "devices",
			geo:  Geometry{Devices: 1, BanksPerDevice: 1, Modules: 1, ModulePixels: 1, BitDepth: 8},
			want: "dcb: invalid configuration: geometry describes 1 boards, got 2 drivers",
		},
		{
			name: "bit-depth",
			geo:  Geometry{Devices: 2, BanksPerDevice: 1, Modules: 1, ModulePixels: 1, BitDepth: 12},
			want: "dcb: invalid configuration: invalid bit depth 12",
		},
		{
			name: "modules",
			geo:  Geometry{Devices: 2, BanksPerDevice: 1, Modules: 15, ModulePixels: 1, BitDepth: 8},
			want: "dcb: invalid configuration: invalid number of modules per bank 15",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rack := fakegsd.New(2)
			det, err := Open(rack.Drivers(), testOptions(rack, WithGeometry(tc.geo))...)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if det != nil {
				t.Fatalf("expected no detector")
			}
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("invalid error type: %+v", err)
			}
			if got, want := err.Error(), tc.want; got != want {
				t.Fatalf("invalid error:\ngot= %q\nwant=%q", got, want)
			}
			if got, want := rack.Closed(), 2; got != want {
				t.Fatalf("invalid number of closed drivers: got=%d, want=%d", got, want)
			}
		})
	}
}

func TestStopCalpix(t *testing.T) {
	rack := fakegsd.New(2)
	det := openTest(t, rack)
	defer det.Close()

	err := det.SetCalpix(true)
	if err != nil {
		t.Fatalf("could not enable calpix mode: %+v", err)
	}
	for _, b := range rack.Boards {
		if b.Reg(regs.DCB_CTRL)&regs.CTRL_CALPIX == 0 {
			t.Fatalf("board %d: calpix mode not enabled", b.ID)
		}
	}

	err = det.Stop()
	if err != nil {
		t.Fatalf("could not stop: %+v", err)
	}
	for _, b := range rack.Boards {
		if b.Reg(regs.DCB_CTRL)&regs.CTRL_CALPIX != 0 {
			t.Fatalf("board %d: calpix mode not disabled", b.ID)
		}
	}
}

func TestModuleCommands(t *testing.T) {
	rack := fakegsd.New(2)
	det := openTest(t, rack)
	defer det.Close()

	for _, tc := range []struct {
		name string
		cmd  func() error
		word uint32
	}{
		{"fill", func() error { return det.FillPixels(Address{3, 2}, 0xbeef) }, cmdWord(regs.CMD_FILL, 0, 0xbeef)},
		{"caltrain", func() error { return det.CalibrateTrain(Address{3, All}, 100) }, cmdWord(regs.CMD_CALTRAIN, 0, 100)},
		{"loadtrim", func() error { return det.LoadTrim(Address{All, All}) }, cmdWord(regs.CMD_LOADTRIM, 0, 0)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rack.ResetTrace()
			t0 := rack.Clock.Now()
			err := tc.cmd()
			if err != nil {
				t.Fatalf("could not run command: %+v", err)
			}
			if got, want := events(rack, tc.word), []int{0, 1}; !equalInts(got, want) {
				t.Fatalf("invalid command sequence: got=%v, want=%v", got, want)
			}
			if rack.Clock.Now() == t0 {
				t.Fatalf("slow command did not wait")
			}
			if got, want := det.Selection(), (Address{All, All}); got != want {
				t.Fatalf("selection not restored: got=%v, want=%v", got, want)
			}
			for _, b := range rack.Boards {
				if got, want := b.Reg(regs.DCB_BANK_SEL), uint16(regs.SEL_ALL); got != want {
					t.Fatalf("board %d: invalid bank selection: got=0x%x, want=0x%x", b.ID, got, want)
				}
			}
		})
	}
}

func TestReadModule(t *testing.T) {
	rack := fakegsd.New(2)
	det := openTest(t, rack)
	defer det.Close()

	ctx := context.Background()

	mod, err := det.ReadModule(ctx, Address{Bank: 3, Module: 2})
	if err != nil {
		t.Fatalf("could not read module: %+v", err)
	}
	if got, want := len(mod), det.Geometry().ModuleSize(); got != want {
		t.Fatalf("invalid module size: got=%d, want=%d", got, want)
	}
	if !bytes.Equal(mod, bytes.Repeat([]byte{fakegsd.Pattern(1, 0)}, len(mod))) {
		t.Fatalf("invalid module content: %x", mod)
	}

	_, err = det.ReadModule(ctx, Address{Bank: 3, Module: All})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("invalid error: %+v", err)
	}

	_, err = det.ReadModule(ctx, Address{Bank: 5, Module: 1})
	if !errors.Is(err, ErrConfig) {
		t.Fatalf("invalid error: %+v", err)
	}

	img, err := det.ReadBanks(ctx)
	if err != nil {
		t.Fatalf("could not read banks: %+v", err)
	}
	size := det.Geometry().DeviceSize()
	if got, want := len(img), 2*size; got != want {
		t.Fatalf("invalid image size: got=%d, want=%d", got, want)
	}
	if got, want := img[0], fakegsd.Pattern(0, 0); got != want {
		t.Fatalf("invalid device-0 content: got=0x%x, want=0x%x", got, want)
	}
	if got, want := img[size], fakegsd.Pattern(1, 1); got != want {
		t.Fatalf("invalid device-1 content: got=0x%x, want=0x%x", got, want)
	}
}

func TestDumpRegisters(t *testing.T) {
	rack := fakegsd.New(1)
	det := openTest(t, rack)
	defer det.Close()

	o := new(strings.Builder)
	err := det.DumpRegisters(o)
	if err != nil {
		t.Fatalf("could not dump registers: %+v", err)
	}

	for _, want := range []string{
		"=== device 0 ===\n",
		"gs.id           0x65000000\n",
		"dcb.dcb-build    0x0412\n",
		"dcb.design-freq  0x03e8\n",
	} {
		if !strings.Contains(o.String(), want) {
			t.Fatalf("missing %q in dump:\n%s", want, o.String())
		}
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
