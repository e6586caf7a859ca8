// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conddb holds types to describe the condition and configuration
// database of a detector installation.
package conddb // import "github.com/go-lpc/camserver/conddb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

const (
	host = "localhost"
)

var (
	usr = "username"
	pwd = "s3cr3t"

	drvName = "mysql"
)

// DB exposes convenience methods to easily retrieve detector settings
// and exposure presets from the condition database.
type DB struct {
	db   *sql.DB
	name string // name of the condition database
}

// Open opens a connection to the condition database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("conddb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, query, args...)
}

// LastDetector returns the name of the last registered detector.
func (db *DB) LastDetector(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	name := ""
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT name FROM detectors ORDER BY datetime DESC LIMIT 1",
	)
	if err != nil {
		return name, fmt.Errorf("conddb: could not query detector name: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		err = rows.Scan(&name)
		if err != nil {
			return name, fmt.Errorf("conddb: could not get detector name value: %w", err)
		}
	}

	if err := rows.Err(); err != nil {
		return name, fmt.Errorf("conddb: could not scan db for detector name: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return name, fmt.Errorf("conddb: context error while retrieving detector name: %w", err)
	}

	if name == "" {
		return name, fmt.Errorf("conddb: no detector registered in %q", db.name)
	}

	return name, nil
}

// Detector returns the settings of the named detector.
func (db *DB) Detector(ctx context.Context, name string) (Detector, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		det   Detector
		found = false
	)
	rows, err := db.db.QueryContext(
		ctx,
		`
SELECT name, devices, banks_per_device, modules, wide,
       module_pixels, bit_depth, overhead_ns, hlimit, tlimit
FROM detectors WHERE name=?
ORDER BY datetime DESC LIMIT 1
`,
		name,
	)
	if err != nil {
		return det, fmt.Errorf("conddb: could not run detector query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var overhead int64
		err = rows.Scan(
			&det.Name, &det.Devices, &det.BanksPerDevice, &det.Modules,
			&det.Wide, &det.ModulePixels, &det.BitDepth,
			&overhead, &det.HumidityLimit, &det.TemperatureLimit,
		)
		if err != nil {
			return det, fmt.Errorf("conddb: could not scan detector %q: %w", name, err)
		}
		det.Overhead = time.Duration(overhead)
		found = true
	}

	if err := rows.Err(); err != nil {
		return det, fmt.Errorf("conddb: could not scan db for detector %q: %w", name, err)
	}

	if err := ctx.Err(); err != nil {
		return det, fmt.Errorf("conddb: context error while retrieving detector %q: %w", name, err)
	}

	if !found {
		return det, fmt.Errorf("conddb: no detector %q", name)
	}

	return det, nil
}

// Presets returns the exposure presets registered for the named detector.
func (db *DB) Presets(ctx context.Context, detector string) ([]Preset, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var presets []Preset
	rows, err := db.db.QueryContext(
		ctx,
		`
SELECT name, time_ns, period_ns, count, frames, delay_ns, mode
FROM presets WHERE detector=?
ORDER BY name
`,
		detector,
	)
	if err != nil {
		return presets, fmt.Errorf(
			"conddb: could not run presets query: %w",
			err,
		)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p    Preset
			texp int64
			tper int64
			tdly int64
		)
		err = rows.Scan(&p.Name, &texp, &tper, &p.Count, &p.Frames, &tdly, &p.Mode)
		if err != nil {
			return presets, fmt.Errorf(
				"conddb: could not scan presets: %w",
				err,
			)
		}
		p.Time = time.Duration(texp)
		p.Period = time.Duration(tper)
		p.Delay = time.Duration(tdly)
		presets = append(presets, p)
	}

	if err := rows.Err(); err != nil {
		return presets, fmt.Errorf(
			"conddb: could not scan db for presets: %w",
			err,
		)
	}

	if err := ctx.Err(); err != nil {
		return presets, fmt.Errorf(
			"conddb: context error while retrieving presets: %w",
			err,
		)
	}

	return presets, nil
}
