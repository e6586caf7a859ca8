// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-lpc/camserver/conddb"
	"gopkg.in/yaml.v3"
)

// Config describes a detector installation.
type Config struct {
	Root   string `yaml:"root"`   // directory holding the GigaSTaR device nodes
	Links  []int  `yaml:"links"`  // GigaSTaR link of each board, primary first
	DB     string `yaml:"db"`     // condition database, if any
	Output string `yaml:"output"` // directory where raw images are saved, if any

	Detector conddb.Detector `yaml:"detector"`
	Preset   conddb.Preset   `yaml:"preset"`

	HumidityGate *bool `yaml:"humidity-gate"`

	Monitor struct {
		File string        `yaml:"file"`
		Freq time.Duration `yaml:"freq"`
	} `yaml:"monitor"`
}

func loadConfig(fname string) (Config, error) {
	f, err := os.Open(fname)
	if err != nil {
		return Config{}, fmt.Errorf("could not open config file: %w", err)
	}
	defer f.Close()

	cfg, err := decodeConfig(f)
	if err != nil {
		return cfg, fmt.Errorf("could not decode config file %q: %w", fname, err)
	}
	return cfg, nil
}

func decodeConfig(r io.Reader) (Config, error) {
	cfg := Config{Root: "/dev"}
	cfg.Monitor.Freq = time.Second

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(&cfg)
	if err != nil {
		return cfg, fmt.Errorf("could not decode yaml: %w", err)
	}

	if len(cfg.Links) == 0 {
		return cfg, fmt.Errorf("no GigaSTaR link")
	}
	if cfg.Detector.Devices == 0 {
		cfg.Detector.Devices = len(cfg.Links)
	}
	if cfg.DB == "" && cfg.Detector.Devices != len(cfg.Links) {
		return cfg, fmt.Errorf(
			"detector %q has %d boards, got %d links",
			cfg.Detector.Name, cfg.Detector.Devices, len(cfg.Links),
		)
	}
	return cfg, nil
}

type condDB interface {
	LastDetector(ctx context.Context) (string, error)
	Detector(ctx context.Context, name string) (conddb.Detector, error)
	Presets(ctx context.Context, detector string) ([]conddb.Preset, error)
}

// fromDB fills the detector settings from the condition database.
// The last registered detector is used when the configuration does not
// name one. A preset named without any exposure time is looked up too.
func (cfg *Config) fromDB(ctx context.Context, db condDB) error {
	name := cfg.Detector.Name
	if name == "" {
		v, err := db.LastDetector(ctx)
		if err != nil {
			return fmt.Errorf("could not get last detector: %w", err)
		}
		name = v
	}

	det, err := db.Detector(ctx, name)
	if err != nil {
		return fmt.Errorf("could not get detector %q: %w", name, err)
	}
	if det.Devices != len(cfg.Links) {
		return fmt.Errorf(
			"detector %q has %d boards, got %d links",
			name, det.Devices, len(cfg.Links),
		)
	}
	cfg.Detector = det

	if cfg.Preset.Name == "" || cfg.Preset.Time != 0 {
		return nil
	}

	presets, err := db.Presets(ctx, name)
	if err != nil {
		return fmt.Errorf("could not get presets of detector %q: %w", name, err)
	}
	for _, p := range presets {
		if p.Name == cfg.Preset.Name {
			cfg.Preset = p
			return nil
		}
	}
	return fmt.Errorf("no preset %q for detector %q", cfg.Preset.Name, name)
}
