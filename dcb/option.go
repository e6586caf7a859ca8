// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcb

import (
	"log"
	"os"
	"time"
)

// Timing holds the timing constants of the exposure and sensor logic.
type Timing struct {
	LongExposure  time.Duration // frames longer than this are counted down before readout is enabled
	FinalWindow   time.Duration // readout is enabled once the remaining exposure time drops below this
	PollStep      time.Duration // longest sleep of a countdown status check
	ShortExposure time.Duration // internal exposures below this are always ready
	DMATimeout    time.Duration // nominal DMA timeout
	DMAMargin     time.Duration // host-side margin on top of the hardware DMA timeout
	Calibration   time.Duration // reference counter integration time
	GateRounds    int           // number of humidity checks at startup
	GatePeriod    time.Duration // time between two humidity checks
	GateMargin    float64       // required humidity margin below the limit, in %RH
}

// DefaultTiming returns the default timing constants.
func DefaultTiming() Timing {
	return Timing{
		LongExposure:  10 * time.Second,
		FinalWindow:   2 * time.Second,
		PollStep:      1 * time.Second,
		ShortExposure: 10 * time.Millisecond,
		DMATimeout:    4 * time.Second,
		DMAMargin:     1 * time.Second,
		Calibration:   2 * time.Second,
		GateRounds:    3,
		GatePeriod:    2 * time.Second,
		GateMargin:    4,
	}
}

type polling struct {
	fast int           // busy polls for regular commands
	slow int           // polls for slow commands
	step time.Duration // sleep between two slow polls
}

type config struct {
	msg      *log.Logger
	geo      Geometry
	overhead time.Duration
	extra    *time.Duration
	hlimit   float64
	tlimit   float64
	gate     bool
	timing   Timing
	poll     polling
	sleep    func(time.Duration)
}

func newConfig() config {
	return config{
		msg:      log.New(os.Stdout, "dcb: ", 0),
		overhead: 2300 * time.Microsecond,
		gate:     true,
		timing:   DefaultTiming(),
		poll: polling{
			fast: 300,
			slow: 5000,
			step: 200 * time.Microsecond,
		},
		sleep: time.Sleep,
	}
}

// Option configures a detector.
type Option func(*config)

// WithLogger sets the logger used to report detector activity.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithGeometry sets the detector geometry.
func WithGeometry(geo Geometry) Option {
	return func(cfg *config) {
		cfg.geo = geo
	}
}

// WithOverhead sets the readout overhead added to each frame.
func WithOverhead(d time.Duration) Option {
	return func(cfg *config) {
		cfg.overhead = d
	}
}

// WithExtraOverhead overrides the firmware-specific extra overhead.
func WithExtraOverhead(d time.Duration) Option {
	return func(cfg *config) {
		cfg.extra = &d
	}
}

// WithHumidityLimit programs the humidity limit (in %RH) of every
// sensor channel.
func WithHumidityLimit(rh float64) Option {
	return func(cfg *config) {
		cfg.hlimit = rh
	}
}

// WithTemperatureLimit programs the temperature limit (in degrees Celsius)
// of every sensor channel.
func WithTemperatureLimit(c float64) Option {
	return func(cfg *config) {
		cfg.tlimit = c
	}
}

// WithHumidityGate enables or disables the humidity check run when the
// detector is opened.
func WithHumidityGate(v bool) Option {
	return func(cfg *config) {
		cfg.gate = v
	}
}

// WithTiming sets the timing constants.
func WithTiming(t Timing) Option {
	return func(cfg *config) {
		cfg.timing = t
	}
}

// WithPolling sets the number of acknowledgment polls for regular and
// slow commands, and the sleep between two slow polls.
func WithPolling(fast, slow int, step time.Duration) Option {
	return func(cfg *config) {
		cfg.poll = polling{fast: fast, slow: slow, step: step}
	}
}

// WithSleep sets the function used to wait.
func WithSleep(sleep func(time.Duration)) Option {
	return func(cfg *config) {
		cfg.sleep = sleep
	}
}
