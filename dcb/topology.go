// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcb

import (
	"fmt"

	"github.com/go-lpc/camserver/dcb/internal/regs"
)

// All selects every bank or every module.
const All = -1

// Geometry describes how banks and modules are distributed over the
// control boards of a detector.
type Geometry struct {
	Devices        int  // number of control boards
	BanksPerDevice int  // banks driven by each board
	Modules        int  // modules per bank
	Wide           bool // banks are interleaved over boards
	ModulePixels   int  // pixels per module
	BitDepth       int  // bits per pixel
}

func (g Geometry) validate() error {
	switch {
	case g.Devices <= 0:
		return errConfigf("invalid number of devices %d", g.Devices)
	case g.BanksPerDevice <= 0 || g.BanksPerDevice >= regs.SEL_NONE:
		return errConfigf("invalid number of banks per device %d", g.BanksPerDevice)
	case g.Modules <= 0 || g.Modules >= regs.SEL_NONE:
		return errConfigf("invalid number of modules per bank %d", g.Modules)
	case g.ModulePixels <= 0:
		return errConfigf("invalid number of pixels per module %d", g.ModulePixels)
	case g.BitDepth <= 0 || g.BitDepth%8 != 0:
		return errConfigf("invalid bit depth %d", g.BitDepth)
	}
	return nil
}

// Banks returns the total number of banks.
func (g Geometry) Banks() int { return g.Devices * g.BanksPerDevice }

// ModuleSize returns the size in bytes of a module image.
func (g Geometry) ModuleSize() int { return g.ModulePixels * g.BitDepth / 8 }

// DeviceSize returns the size in bytes of the image of one board.
func (g Geometry) DeviceSize() int {
	return g.ModuleSize() * g.Modules * g.BanksPerDevice
}

// ImageSize returns the size in bytes of a full detector image.
func (g Geometry) ImageSize() int { return g.DeviceSize() * g.Devices }

// Address is a logical, 1-based, bank/module pair.
// Either field may be All.
type Address struct {
	Bank   int
	Module int
}

func (addr Address) String() string {
	str := func(v int) string {
		if v == All {
			return "all"
		}
		return fmt.Sprintf("%d", v)
	}
	return fmt.Sprintf("bank=%s/module=%s", str(addr.Bank), str(addr.Module))
}

// Location is the physical position of a module: the board index, and
// the 0-based bank and module on that board.
type Location struct {
	Device int
	Bank   int
	Module int
}

// Resolve maps a logical bank/module pair to its physical location.
func (g Geometry) Resolve(bank, module int) (Location, error) {
	var loc Location
	if n := g.Banks(); bank < 1 || bank > n {
		return loc, errConfigf("bank %d out of range [1, %d]", bank, n)
	}
	if module < 1 || module > g.Modules {
		return loc, errConfigf("module %d out of range [1, %d]", module, g.Modules)
	}

	switch {
	case g.Wide:
		loc.Device = (bank - 1) % g.Devices
		loc.Bank = (bank - 1) / g.Devices
	default:
		loc.Device = (bank - 1) / g.BanksPerDevice
		loc.Bank = (bank - 1) % g.BanksPerDevice
	}
	loc.Module = module - 1
	return loc, nil
}

type selection struct {
	bank   uint16
	module uint16
}

// selections returns the bank/module select codes of every board for
// the provided address.
func (g Geometry) selections(addr Address) ([]selection, error) {
	sels := make([]selection, g.Devices)

	if addr.Bank == All {
		mod := uint16(regs.SEL_ALL)
		if addr.Module != All {
			if addr.Module < 1 || addr.Module > g.Modules {
				return nil, errConfigf("module %d out of range [1, %d]", addr.Module, g.Modules)
			}
			mod = uint16(addr.Module - 1)
		}
		for i := range sels {
			sels[i] = selection{bank: regs.SEL_ALL, module: mod}
		}
		return sels, nil
	}

	module := addr.Module
	if module == All {
		module = 1
	}
	loc, err := g.Resolve(addr.Bank, module)
	if err != nil {
		return nil, err
	}

	for i := range sels {
		sels[i] = selection{bank: regs.SEL_NONE, module: regs.SEL_NONE}
	}
	sel := selection{bank: uint16(loc.Bank), module: uint16(loc.Module)}
	if addr.Module == All {
		sel.module = regs.SEL_ALL
	}
	sels[loc.Device] = sel
	return sels, nil
}

// Select routes the following module commands to addr.
func (det *Detector) Select(addr Address) error {
	sels, err := det.geo.selections(addr)
	if err != nil {
		return err
	}

	for i, dev := range det.devs {
		err = dev.writeRegister(regs.DCB_BANK_SEL, sels[i].bank)
		if err != nil {
			return fmt.Errorf("dcb: could not select %v: %w", addr, err)
		}
		err = dev.writeRegister(regs.DCB_MOD_SEL, sels[i].module)
		if err != nil {
			return fmt.Errorf("dcb: could not select %v: %w", addr, err)
		}
	}
	det.sel = addr
	return nil
}

// Selected runs f with addr selected, and restores the previous
// selection afterwards.
func (det *Detector) Selected(addr Address, f func() error) (err error) {
	prev := det.sel
	err = det.Select(addr)
	if err != nil {
		return err
	}
	defer func() {
		e := det.Select(prev)
		if e != nil && err == nil {
			err = e
		}
	}()
	return f()
}

// Selection returns the current selection.
func (det *Detector) Selection() Address { return det.sel }
