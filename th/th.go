// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package th converts raw readings of the SHT1x temperature and humidity
// sensors mounted on detector modules.
package th // import "github.com/go-lpc/camserver/th"

import "math"

// NoSensor is the value reported for a channel that could not be read.
const NoSensor = -999.0

const (
	// NumChannels is the number of sensor channels of a control board.
	NumChannels = 6

	tempMask  = 0x3fff
	humidMask = 0x0fff

	d1 = -39.64
	d2 = 0.01

	c1 = -4.0
	c2 = 0.0405
	c3 = -2.8e-6

	t1 = 0.01
	t2 = 0.00008
)

// Temperature converts a raw 14-bit reading to degrees Celsius.
func Temperature(raw uint16) float64 {
	return d1 + d2*float64(raw&tempMask)
}

// RawTemperature converts a temperature in degrees Celsius to its raw
// 14-bit encoding.
func RawTemperature(c float64) uint16 {
	v := math.Round((c - d1) / d2)
	switch {
	case v < 0:
		return 0
	case v > tempMask:
		return tempMask
	}
	return uint16(v)
}

// HumidityLinear converts a raw 12-bit reading to relative humidity,
// without temperature compensation.
func HumidityLinear(raw uint16) float64 {
	r := float64(raw & humidMask)
	return c1 + c2*r + c3*r*r
}

// Humidity converts a raw 12-bit reading to relative humidity,
// compensated for the temperature c (in degrees Celsius).
// The result is never negative.
func Humidity(raw uint16, c float64) float64 {
	r := float64(raw & humidMask)
	rh := (c-25)*(t1+t2*r) + HumidityLinear(raw)
	if rh < 0 {
		return 0
	}
	return rh
}

// RawHumidity converts a relative humidity to its raw 12-bit encoding,
// using the linear (uncompensated) response.
func RawHumidity(rh float64) uint16 {
	// smaller root of c3.r² + c2.r + (c1-rh) = 0
	var (
		a = c3
		b = c2
		c = c1 - rh
	)
	delta := b*b - 4*a*c
	if delta < 0 {
		return humidMask
	}
	v := math.Round((-b + math.Sqrt(delta)) / (2 * a))
	switch {
	case v < 0:
		return 0
	case v > humidMask:
		return humidMask
	}
	return uint16(v)
}
