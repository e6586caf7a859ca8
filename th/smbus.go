// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package th

import (
	"fmt"

	"github.com/go-daq/smbus"
)

// SMBus bridge commands.
const (
	cmdMeasureTemp  = 0x03
	cmdMeasureHumid = 0x05
)

type wordReader interface {
	ReadWord(addr, cmd uint8) (uint16, error)
	Close() error
}

// SMBusProbe reads an enclosure sensor through an SMBus bridge that
// returns SHT1x raw encodings.
type SMBusProbe struct {
	conn wordReader
	addr uint8
}

// OpenSMBus opens the sensor at addr on the provided i2c bus.
func OpenSMBus(bus int, addr uint8) (*SMBusProbe, error) {
	conn, err := smbus.Open(bus, addr)
	if err != nil {
		return nil, fmt.Errorf("th: could not open smbus %d (addr=0x%x): %w", bus, addr, err)
	}
	return &SMBusProbe{conn: conn, addr: addr}, nil
}

func (p *SMBusProbe) read(cmd uint8, mask uint16) (uint16, error) {
	v, err := p.conn.ReadWord(p.addr, cmd)
	if err != nil {
		return 0, err
	}
	// the bridge sends the MSB first.
	v = v<<8 | v>>8
	return v & mask, nil
}

// Read returns the raw temperature and humidity readings.
func (p *SMBusProbe) Read() (temp, humid uint16, err error) {
	temp, err = p.read(cmdMeasureTemp, tempMask)
	if err != nil {
		return 0, 0, fmt.Errorf("th: could not read temperature: %w", err)
	}
	humid, err = p.read(cmdMeasureHumid, humidMask)
	if err != nil {
		return 0, 0, fmt.Errorf("th: could not read humidity: %w", err)
	}
	return temp, humid, nil
}

// Measure returns the temperature (in degrees Celsius) and the
// compensated relative humidity.
func (p *SMBusProbe) Measure() (c, rh float64, err error) {
	rawT, rawH, err := p.Read()
	if err != nil {
		return NoSensor, NoSensor, err
	}
	c = Temperature(rawT)
	return c, Humidity(rawH, c), nil
}

func (p *SMBusProbe) Close() error {
	return p.conn.Close()
}
