// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-lpc/camserver/conddb"
	"gopkg.in/yaml.v3"
)

type fakeDB struct {
	det     conddb.Detector
	presets []conddb.Preset
}

func (db fakeDB) LastDetector(ctx context.Context) (string, error) {
	return db.det.Name, nil
}

func (db fakeDB) Detector(ctx context.Context, name string) (conddb.Detector, error) {
	if name != db.det.Name {
		return conddb.Detector{}, fmt.Errorf("no detector %q", name)
	}
	return db.det, nil
}

func (db fakeDB) Presets(ctx context.Context, name string) ([]conddb.Preset, error) {
	return db.presets, nil
}

var testDB = fakeDB{
	det: conddb.Detector{
		Name:           "p2m",
		Devices:        2,
		BanksPerDevice: 4,
		Modules:        8,
		ModulePixels:   1000,
		BitDepth:       32,
		Overhead:       2300 * time.Microsecond,
		HumidityLimit:  55,
	},
	presets: []conddb.Preset{
		{Name: "fast", Time: time.Millisecond, Period: 5 * time.Millisecond, Frames: 100},
		{Name: "gated", Time: time.Second, Period: 2 * time.Second, Count: 4, Mode: "ext-enable"},
	},
}

func TestDoQuery(t *testing.T) {
	out := new(strings.Builder)
	err := doQuery(out, testDB, "", false)
	if err != nil {
		t.Fatalf("could not do query: %+v", err)
	}

	want := `detector: p2m: devices=2 banks=8 modules=8 wide=false pixels=1000 depth=32 overhead=2.3ms
banks:    8
image:    256000 bytes (128000 bytes per board)
presets:  2
preset[0]: fast       time=1ms period=5ms count=1 frames=100 delay=0s mode=internal
preset[1]: gated      time=1s period=2s count=4 frames=1 delay=0s mode=ext-enable
`
	if got := out.String(); got != want {
		t.Fatalf("invalid output:\ngot:\n%s\nwant:\n%s", got, want)
	}

	err = doQuery(out, testDB, "p6m", false)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if got, want := err.Error(), `could not get detector "p6m": no detector "p6m"`; got != want {
		t.Fatalf("invalid error:\ngot= %s\nwant=%s", got, want)
	}
}

func TestDoQueryYAML(t *testing.T) {
	out := new(bytes.Buffer)
	err := doQuery(out, testDB, "p2m", true)
	if err != nil {
		t.Fatalf("could not do query: %+v", err)
	}

	if !strings.Contains(out.String(), "overhead: 2.3ms\n") {
		t.Fatalf("durations should be encoded as strings:\n%s", out.String())
	}

	var got struct {
		Detector conddb.Detector `yaml:"detector"`
		Presets  []conddb.Preset `yaml:"presets"`
	}
	err = yaml.Unmarshal(out.Bytes(), &got)
	if err != nil {
		t.Fatalf("could not decode yaml output: %+v", err)
	}
	if got, want := got.Detector, testDB.det; got != want {
		t.Fatalf("invalid detector:\ngot= %+v\nwant=%+v", got, want)
	}
	if got, want := got.Presets, testDB.presets; !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid presets:\ngot= %+v\nwant=%+v", got, want)
	}
}
