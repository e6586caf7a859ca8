// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"fmt"
	"time"

	"github.com/go-lpc/camserver/dcb"
)

// Preset is a named set of exposure parameters.
type Preset struct {
	Name   string        `json:"name" yaml:"name"`
	Time   time.Duration `json:"time" yaml:"time"`
	Period time.Duration `json:"period" yaml:"period"`
	Count  int           `json:"count" yaml:"count"`
	Frames int           `json:"frames" yaml:"frames"`
	Delay  time.Duration `json:"delay" yaml:"delay"`
	Mode   string        `json:"mode" yaml:"mode"` // internal, ext-enable, ext-trigger or multi-trigger
}

// ParseMode parses the name of a trigger mode.
func ParseMode(name string) (dcb.Mode, error) {
	switch name {
	case "", "internal":
		return dcb.Mode{}, nil
	case "ext-enable":
		return dcb.Mode{ExtEnable: true}, nil
	case "ext-trigger":
		return dcb.Mode{ExtTrigger: true}, nil
	case "multi-trigger":
		return dcb.Mode{MultiTrigger: true}, nil
	}
	return dcb.Mode{}, fmt.Errorf("conddb: invalid trigger mode %q", name)
}

// Exposure returns the exposure parameters of the preset.
func (p Preset) Exposure() (dcb.Exposure, error) {
	mode, err := ParseMode(p.Mode)
	if err != nil {
		return dcb.Exposure{}, fmt.Errorf("conddb: could not decode preset %q: %w", p.Name, err)
	}
	exp := dcb.Exposure{
		Time:   p.Time,
		Period: p.Period,
		Count:  p.Count,
		Frames: p.Frames,
		Delay:  p.Delay,
		Mode:   mode,
	}
	if exp.Count == 0 {
		exp.Count = 1
	}
	if exp.Frames == 0 {
		exp.Frames = 1
	}
	return exp, nil
}
