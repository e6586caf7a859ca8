// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package conddb

import (
	"fmt"
	"time"

	"github.com/go-lpc/camserver/dcb"
)

// Detector holds the installation settings of a detector.
type Detector struct {
	Name             string        `json:"name" yaml:"name"`
	Devices          int           `json:"devices" yaml:"devices"`
	BanksPerDevice   int           `json:"banks_per_device" yaml:"banks-per-device"`
	Modules          int           `json:"modules" yaml:"modules"`
	Wide             bool          `json:"wide" yaml:"wide"`
	ModulePixels     int           `json:"module_pixels" yaml:"module-pixels"`
	BitDepth         int           `json:"bit_depth" yaml:"bit-depth"`
	Overhead         time.Duration `json:"overhead" yaml:"overhead"`
	HumidityLimit    float64       `json:"hlimit" yaml:"humidity-limit"`
	TemperatureLimit float64       `json:"tlimit" yaml:"temperature-limit"`
}

// Geometry returns the bank/module layout of the detector.
func (det Detector) Geometry() dcb.Geometry {
	return dcb.Geometry{
		Devices:        det.Devices,
		BanksPerDevice: det.BanksPerDevice,
		Modules:        det.Modules,
		Wide:           det.Wide,
		ModulePixels:   det.ModulePixels,
		BitDepth:       det.BitDepth,
	}
}

// Options returns the detector options matching these settings.
// Zero-valued settings keep the library defaults.
func (det Detector) Options() []dcb.Option {
	opts := []dcb.Option{dcb.WithGeometry(det.Geometry())}
	if det.Overhead > 0 {
		opts = append(opts, dcb.WithOverhead(det.Overhead))
	}
	if det.HumidityLimit > 0 {
		opts = append(opts, dcb.WithHumidityLimit(det.HumidityLimit))
	}
	if det.TemperatureLimit != 0 {
		opts = append(opts, dcb.WithTemperatureLimit(det.TemperatureLimit))
	}
	return opts
}

func (det Detector) String() string {
	return fmt.Sprintf(
		"%s: devices=%d banks=%d modules=%d wide=%v pixels=%d depth=%d overhead=%v",
		det.Name, det.Devices, det.BanksPerDevice*det.Devices, det.Modules,
		det.Wide, det.ModulePixels, det.BitDepth, det.Overhead,
	)
}
