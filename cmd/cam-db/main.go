// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command cam-db inspects the detector settings and exposure presets
// stored in the condition database.
package main // import "github.com/go-lpc/camserver/cmd/cam-db"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-lpc/camserver/conddb"
	"gopkg.in/yaml.v3"
)

func main() {
	log.SetPrefix("cam-db: ")
	log.SetFlags(0)

	var (
		dbname = flag.String("db", "camdb", "name of the condition database")
		name   = flag.String("det", "", "detector to inspect (default: last registered detector)")
		asYAML = flag.Bool("yaml", false, "print settings as a camserver configuration snippet")
	)

	flag.Parse()

	db, err := conddb.Open(*dbname)
	if err != nil {
		log.Fatalf("could not open condition db: %+v", err)
	}
	defer db.Close()

	err = doQuery(os.Stdout, db, *name, *asYAML)
	if err != nil {
		log.Fatalf("could not do query: %+v", err)
	}
}

type condDB interface {
	LastDetector(ctx context.Context) (string, error)
	Detector(ctx context.Context, name string) (conddb.Detector, error)
	Presets(ctx context.Context, detector string) ([]conddb.Preset, error)
}

func doQuery(w io.Writer, db condDB, name string, asYAML bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if name == "" {
		v, err := db.LastDetector(ctx)
		if err != nil {
			return fmt.Errorf("could not get last detector: %w", err)
		}
		name = v
		log.Printf("detector: %q", name)
	}

	det, err := db.Detector(ctx, name)
	if err != nil {
		return fmt.Errorf("could not get detector %q: %w", name, err)
	}

	presets, err := db.Presets(ctx, name)
	if err != nil {
		return fmt.Errorf("could not get presets of detector %q: %w", name, err)
	}

	if asYAML {
		return dumpYAML(w, det, presets)
	}
	return dump(w, det, presets)
}

func dump(w io.Writer, det conddb.Detector, presets []conddb.Preset) error {
	geo := det.Geometry()
	fmt.Fprintf(w, "detector: %v\n", det)
	fmt.Fprintf(w, "banks:    %d\n", geo.Banks())
	fmt.Fprintf(w, "image:    %d bytes (%d bytes per board)\n", geo.ImageSize(), geo.DeviceSize())
	fmt.Fprintf(w, "presets:  %d\n", len(presets))
	for i, p := range presets {
		exp, err := p.Exposure()
		if err != nil {
			return fmt.Errorf("could not decode preset %q: %w", p.Name, err)
		}
		mode := p.Mode
		if mode == "" {
			mode = "internal"
		}
		fmt.Fprintf(w, "preset[%d]: %-10s time=%v period=%v count=%d frames=%d delay=%v mode=%s\n",
			i, p.Name, exp.Time, exp.Period, exp.Count, exp.Frames, exp.Delay, mode,
		)
	}
	return nil
}

func dumpYAML(w io.Writer, det conddb.Detector, presets []conddb.Preset) error {
	var out struct {
		Detector conddb.Detector `yaml:"detector"`
		Presets  []conddb.Preset `yaml:"presets,omitempty"`
	}
	out.Detector = det
	out.Presets = presets

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	err := enc.Encode(out)
	if err != nil {
		return fmt.Errorf("could not encode settings to yaml: %w", err)
	}
	return enc.Close()
}
