// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcb

import (
	"fmt"
	"time"

	"github.com/go-lpc/camserver/dcb/internal/regs"
)

// Variant describes the behavior of a family of DCB firmwares.
type Variant struct {
	Name          string
	CountBits     int           // width of the exposure count register
	MultiTrigger  bool          // multi-trigger acquisitions are supported
	ExtraOverhead time.Duration // readout overhead added by the firmware
}

// Profile is the firmware profile of a board.
type Profile struct {
	DCBVersion uint16
	DCBBuild   uint16
	BCBVersion uint16
	BCBBuild   uint16 // 0 when no BCB is installed
	Variant
}

var variants = map[uint16]Variant{
	0x0201: {Name: "dcb-2.1", CountBits: 16, MultiTrigger: false},
	0x0305: {Name: "dcb-3.5", CountBits: 32, MultiTrigger: false, ExtraOverhead: 200 * time.Microsecond},
	0x0412: {Name: "dcb-4.12", CountBits: 32, MultiTrigger: true, ExtraOverhead: 100 * time.Microsecond},
}

// compat lists the BCB builds each DCB build can drive.
var compat = map[uint16][]uint16{
	0x0201: {0, 0x0110},
	0x0305: {0, 0x0110, 0x0120},
	0x0412: {0, 0x0120, 0x0130},
}

// LookupVariant returns the variant of a DCB build.
func LookupVariant(build uint16) (Variant, bool) {
	v, ok := variants[build]
	return v, ok
}

func resolveVariant(id int, dcb, bcb uint16) (Variant, error) {
	v, ok := variants[dcb]
	if !ok {
		return v, &FirmwareMismatch{Device: id, DCB: dcb, BCB: bcb, Reason: "unknown DCB build"}
	}
	for _, b := range compat[dcb] {
		if b == bcb {
			return v, nil
		}
	}
	return v, &FirmwareMismatch{Device: id, DCB: dcb, BCB: bcb, Reason: "incompatible BCB build"}
}

func (dev *device) readFirmware() error {
	var (
		fw  Profile
		err error
	)
	for _, r := range []struct {
		reg uint8
		v   *uint16
	}{
		{regs.DCB_VERSION, &fw.DCBVersion},
		{regs.DCB_BUILD, &fw.DCBBuild},
		{regs.BCB_VERSION, &fw.BCBVersion},
		{regs.BCB_BUILD, &fw.BCBBuild},
	} {
		*r.v, err = dev.readRegister(r.reg)
		if err != nil {
			return fmt.Errorf("dcb: could not read firmware identifiers of device %d: %w", dev.id, err)
		}
	}

	fw.Variant, err = resolveVariant(dev.id, fw.DCBBuild, fw.BCBBuild)
	if err != nil {
		return err
	}
	dev.fw = fw
	return nil
}

// resolveFirmware reads the firmware identifiers of every board.
// All boards must share the same variant.
func (det *Detector) resolveFirmware() error {
	for _, dev := range det.devs {
		err := dev.readFirmware()
		if err != nil {
			return err
		}
		det.msg.Printf(
			"device %d: dcb=0x%04x (version 0x%04x), bcb=0x%04x (version 0x%04x), variant=%s",
			dev.id, dev.fw.DCBBuild, dev.fw.DCBVersion,
			dev.fw.BCBBuild, dev.fw.BCBVersion, dev.fw.Name,
		)
		if dev.id == 0 {
			continue
		}
		if prim := det.devs[0].fw; dev.fw.Name != prim.Name {
			return &FirmwareMismatch{
				Device: dev.id, DCB: dev.fw.DCBBuild, BCB: dev.fw.BCBBuild,
				Reason: fmt.Sprintf("variant %s differs from primary variant %s", dev.fw.Name, prim.Name),
			}
		}
	}

	det.prof = det.devs[0].fw
	if det.cfg.extra != nil {
		det.prof.ExtraOverhead = *det.cfg.extra
	}
	return nil
}

// Profile returns the firmware profile shared by all boards.
func (det *Detector) Profile() Profile { return det.prof }
