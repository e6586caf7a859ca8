// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcb

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-lpc/camserver/dcb/internal/regs"
)

var dcbRegs = []struct {
	name string
	reg  uint8
}{
	{"ctrl", regs.DCB_CTRL},
	{"trig", regs.DCB_TRIG},
	{"status", regs.DCB_STATUS},
	{"bank-sel", regs.DCB_BANK_SEL},
	{"module-sel", regs.DCB_MOD_SEL},
	{"expt-0", regs.DCB_EXPT_0},
	{"expt-1", regs.DCB_EXPT_1},
	{"expt-2", regs.DCB_EXPT_2},
	{"expp-0", regs.DCB_EXPP_0},
	{"expp-1", regs.DCB_EXPP_1},
	{"expp-2", regs.DCB_EXPP_2},
	{"nexp-lo", regs.DCB_NEXP_LO},
	{"nexp-hi", regs.DCB_NEXP_HI},
	{"nframe-lo", regs.DCB_NFRM_LO},
	{"nframe-hi", regs.DCB_NFRM_HI},
	{"tdelay-0", regs.DCB_TDLY_0},
	{"tdelay-1", regs.DCB_TDLY_1},
	{"tdelay-2", regs.DCB_TDLY_2},
	{"debounce", regs.DCB_DEBOUNCE},
	{"refcnt-0", regs.DCB_REFCNT_0},
	{"refcnt-1", regs.DCB_REFCNT_1},
	{"refcnt-2", regs.DCB_REFCNT_2},
	{"design-freq", regs.DCB_DESIGN_FREQ},
	{"dcb-version", regs.DCB_VERSION},
	{"dcb-build", regs.DCB_BUILD},
	{"bcb-version", regs.BCB_VERSION},
	{"bcb-build", regs.BCB_BUILD},
	{"bcb-freq", regs.BCB_DESIGN_FREQ},
}

var gsRegs = []struct {
	name string
	reg  func(dev *device) reg32
}{
	{"status", func(dev *device) reg32 { return dev.regs.status }},
	{"control", func(dev *device) reg32 { return dev.regs.ctrl }},
	{"dma-count", func(dev *device) reg32 { return dev.regs.count }},
	{"dma-size", func(dev *device) reg32 { return dev.regs.size }},
	{"dma-buf", func(dev *device) reg32 { return dev.regs.buf }},
	{"timeout", func(dev *device) reg32 { return dev.regs.timeout }},
	{"id", func(dev *device) reg32 { return dev.regs.id }},
}

func (dev *device) dump(w io.Writer) error {
	o := new(strings.Builder)
	fmt.Fprintf(o, "=== device %d ===\n", dev.id)
	for _, r := range gsRegs {
		v := r.reg(dev).r()
		fmt.Fprintf(o, "gs.%-12s 0x%08x\n", r.name, v)
	}
	if dev.err != nil {
		return fmt.Errorf("dcb: could not dump GigaSTaR registers of device %d: %w", dev.id, dev.err)
	}
	for _, r := range dcbRegs {
		v, err := dev.readRegister(r.reg)
		if err != nil {
			return fmt.Errorf("dcb: could not dump register %s of device %d: %w", r.name, dev.id, err)
		}
		fmt.Fprintf(o, "dcb.%-12s 0x%04x\n", r.name, v)
	}
	_, err := io.WriteString(w, o.String())
	return err
}

// DumpRegisters writes the content of the registers of every board to w.
func (det *Detector) DumpRegisters(w io.Writer) error {
	for _, dev := range det.devs {
		err := dev.dump(w)
		if err != nil {
			return err
		}
	}
	return nil
}
