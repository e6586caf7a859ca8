// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcb

import (
	"errors"
	"testing"

	"github.com/go-lpc/camserver/dcb/internal/fakegsd"
	"github.com/go-lpc/camserver/dcb/internal/regs"
)

func TestResolve(t *testing.T) {
	for _, wide := range []bool{false, true} {
		geo := Geometry{
			Devices:        3,
			BanksPerDevice: 4,
			Modules:        2,
			Wide:           wide,
			ModulePixels:   1,
			BitDepth:       8,
		}
		seen := make(map[Location]int)
		for bank := 1; bank <= geo.Banks(); bank++ {
			for mod := 1; mod <= geo.Modules; mod++ {
				loc, err := geo.Resolve(bank, mod)
				if err != nil {
					t.Fatalf("wide=%v: could not resolve bank=%d, module=%d: %+v", wide, bank, mod, err)
				}
				if loc.Device < 0 || loc.Device >= geo.Devices ||
					loc.Bank < 0 || loc.Bank >= geo.BanksPerDevice ||
					loc.Module != mod-1 {
					t.Fatalf("wide=%v: invalid location for bank=%d, module=%d: %+v", wide, bank, mod, loc)
				}
				if prev, dup := seen[loc]; dup {
					t.Fatalf("wide=%v: banks %d and %d share location %+v", wide, prev, bank, loc)
				}
				seen[loc] = bank
			}
		}
		if got, want := len(seen), geo.Banks()*geo.Modules; got != want {
			t.Fatalf("wide=%v: invalid number of locations: got=%d, want=%d", wide, got, want)
		}

		for _, tc := range []struct {
			bank, mod int
			want      string
		}{
			{0, 1, "dcb: invalid configuration: bank 0 out of range [1, 12]"},
			{13, 1, "dcb: invalid configuration: bank 13 out of range [1, 12]"},
			{1, 0, "dcb: invalid configuration: module 0 out of range [1, 2]"},
			{1, 3, "dcb: invalid configuration: module 3 out of range [1, 2]"},
		} {
			_, err := geo.Resolve(tc.bank, tc.mod)
			if err == nil {
				t.Fatalf("wide=%v: expected an error for bank=%d, module=%d", wide, tc.bank, tc.mod)
			}
			if got, want := err.Error(), tc.want; got != want {
				t.Fatalf("invalid error:\ngot= %q\nwant=%q", got, want)
			}
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("invalid error type: %+v", err)
			}
		}
	}
}

func TestResolveLayout(t *testing.T) {
	narrow := Geometry{Devices: 2, BanksPerDevice: 3, Modules: 1, ModulePixels: 1, BitDepth: 8}
	wide := narrow
	wide.Wide = true

	for _, tc := range []struct {
		geo  Geometry
		bank int
		want Location
	}{
		{narrow, 1, Location{Device: 0, Bank: 0}},
		{narrow, 3, Location{Device: 0, Bank: 2}},
		{narrow, 4, Location{Device: 1, Bank: 0}},
		{narrow, 6, Location{Device: 1, Bank: 2}},
		{wide, 1, Location{Device: 0, Bank: 0}},
		{wide, 2, Location{Device: 1, Bank: 0}},
		{wide, 3, Location{Device: 0, Bank: 1}},
		{wide, 6, Location{Device: 1, Bank: 2}},
	} {
		got, err := tc.geo.Resolve(tc.bank, 1)
		if err != nil {
			t.Fatalf("could not resolve bank %d: %+v", tc.bank, err)
		}
		if got != tc.want {
			t.Fatalf("wide=%v, bank=%d: got=%+v, want=%+v", tc.geo.Wide, tc.bank, got, tc.want)
		}
	}
}

func TestSelect(t *testing.T) {
	rack := fakegsd.New(2)
	det := openTest(t, rack)
	defer det.Close()

	type sel struct{ bank, mod uint16 }
	state := func() []sel {
		out := make([]sel, len(rack.Boards))
		for i, b := range rack.Boards {
			out[i] = sel{b.Reg(regs.DCB_BANK_SEL), b.Reg(regs.DCB_MOD_SEL)}
		}
		return out
	}

	for _, tc := range []struct {
		addr Address
		want []sel
	}{
		{Address{All, All}, []sel{{0xf, 0xf}, {0xf, 0xf}}},
		{Address{All, 2}, []sel{{0xf, 1}, {0xf, 1}}},
		{Address{1, All}, []sel{{0, 0xf}, {0xe, 0xe}}},
		{Address{2, 4}, []sel{{1, 3}, {0xe, 0xe}}},
		{Address{3, 1}, []sel{{0xe, 0xe}, {0, 0}}},
		{Address{4, All}, []sel{{0xe, 0xe}, {1, 0xf}}},
	} {
		t.Run(tc.addr.String(), func(t *testing.T) {
			for i := 0; i < 2; i++ {
				err := det.Select(tc.addr)
				if err != nil {
					t.Fatalf("could not select %v: %+v", tc.addr, err)
				}
				got := state()
				for j := range got {
					if got[j] != tc.want[j] {
						t.Fatalf("round %d: invalid selection of board %d: got=%+v, want=%+v",
							i, j, got[j], tc.want[j],
						)
					}
				}
				if got, want := det.Selection(), tc.addr; got != want {
					t.Fatalf("invalid selection: got=%v, want=%v", got, want)
				}
			}
		})
	}

	for _, addr := range []Address{{5, 1}, {1, 5}, {All, 0}, {0, All}} {
		err := det.Select(addr)
		if !errors.Is(err, ErrConfig) {
			t.Fatalf("%v: invalid error: %+v", addr, err)
		}
	}
}

func TestAddressString(t *testing.T) {
	for _, tc := range []struct {
		addr Address
		want string
	}{
		{Address{All, All}, "bank=all/module=all"},
		{Address{2, All}, "bank=2/module=all"},
		{Address{3, 7}, "bank=3/module=7"},
	} {
		if got, want := tc.addr.String(), tc.want; got != want {
			t.Fatalf("got=%q, want=%q", got, want)
		}
	}
}
