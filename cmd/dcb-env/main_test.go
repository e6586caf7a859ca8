// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/camserver/dcb"
	"github.com/go-lpc/camserver/th"
)

type fakeSensors struct {
	rounds [][]dcb.Reading
	i      int
}

func (f *fakeSensors) ReadSensors() ([]dcb.Reading, error) {
	if f.i >= len(f.rounds) {
		return nil, fmt.Errorf("no more readings")
	}
	rs := f.rounds[f.i]
	f.i++
	return rs, nil
}

type fakeProbe struct {
	c, rh float64
}

func (p fakeProbe) Measure() (float64, float64, error) { return p.c, p.rh, nil }

func TestMonitor(t *testing.T) {
	var (
		out    = new(strings.Builder)
		mon    = newMonitor(out, time.Second)
		alerts []string
	)
	mon.notify = func(subject, body string) {
		alerts = append(alerts, subject)
	}
	mon.limit = func(r dcb.Reading) float64 {
		switch {
		case r.Device < 0:
			return 0
		case r.Channel == 1:
			return 60
		}
		return 40
	}

	var (
		dry   = dcb.Reading{Device: 0, Channel: 0, Temp: 25, Humidity: 20}
		wet   = dcb.Reading{Device: 1, Channel: 0, Temp: 25, Humidity: 45}
		okish = dcb.Reading{Device: 1, Channel: 1, Temp: 25, Humidity: 45}
		none  = dcb.Reading{Device: 1, Channel: 2, Temp: th.NoSensor, Humidity: th.NoSensor}
	)

	rounds := make([][]dcb.Reading, 8)
	for i := range rounds {
		rounds[i] = []dcb.Reading{dry, wet, okish, none}
	}
	// sensor back to normal: alerts are re-armed.
	rounds[7] = []dcb.Reading{dry, {Device: 1, Channel: 0, Temp: 25, Humidity: 30}, okish, none}

	var (
		det   = &fakeSensors{rounds: rounds}
		slept time.Duration
	)
	err := run(det, fakeProbe{c: 21, rh: 90}, mon, len(rounds), func(d time.Duration) { slept += d })
	if err != nil {
		t.Fatalf("could not run monitor: %+v", err)
	}

	if got, want := slept, 7*time.Second; got != want {
		t.Fatalf("invalid sleep time: got=%v, want=%v", got, want)
	}

	if got, want := len(alerts), 5; got != want {
		t.Fatalf("invalid number of alerts: got=%d, want=%d", got, want)
	}
	for _, v := range alerts {
		if got, want := v, "[dcb-env] humidity alert: dcb-1/th-0"; got != want {
			t.Fatalf("invalid alert: got=%q, want=%q", got, want)
		}
	}
	if _, ok := mon.alerts["dcb-1/th-0"]; ok {
		t.Fatalf("alert counter not re-armed")
	}

	txt := out.String()
	for _, want := range []string{
		"dcb-0/th-0   T= 25.00C RH= 20.00%",
		"dcb-1/th-2   no sensor",
		"enclosure    T= 21.00C RH= 90.00%",
	} {
		if !strings.Contains(txt, want) {
			t.Fatalf("missing %q in output:\n%s", want, txt)
		}
	}
}

func TestMonitorReadError(t *testing.T) {
	mon := newMonitor(io.Discard, time.Second)
	err := run(&fakeSensors{}, nil, mon, 1, func(time.Duration) {})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if got, want := err.Error(), "could not read detector sensors: no more readings"; got != want {
		t.Fatalf("invalid error:\ngot= %s\nwant=%s", got, want)
	}
}

func TestAtoi(t *testing.T) {
	for _, tc := range []struct {
		s    string
		want int
	}{
		{"", 0},
		{"587", 587},
		{"smtp", 0},
	} {
		if got := atoi(tc.s); got != tc.want {
			t.Errorf("atoi(%q): got=%d, want=%d", tc.s, got, tc.want)
		}
	}
}
