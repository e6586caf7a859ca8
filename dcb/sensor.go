// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcb

import (
	"errors"
	"fmt"

	"github.com/go-lpc/camserver/dcb/internal/regs"
	"github.com/go-lpc/camserver/th"
)

// SensorChannel describes a temperature/humidity sensor channel.
type SensorChannel struct {
	Enabled    bool
	TempLimit  float64 // degrees Celsius
	HumidLimit float64 // %RH
}

// Reading is a temperature/humidity measurement.
type Reading struct {
	Device   int
	Channel  int
	Temp     float64 // degrees Celsius
	Humidity float64 // compensated relative humidity, in %RH
}

func (dev *device) selectSensor(ch int) error {
	return dev.writeRegister(regs.DCB_TH_STATUS, uint16(ch)&regs.TH_CHAN_MASK)
}

// readSensor reads the raw values of channel ch.
// A channel reporting a CRC or communication error is reset and read
// once more.
func (dev *device) readSensor(ch int) (temp, humid uint16, err error) {
	var status uint16
	for try := 0; try < 2; try++ {
		if try > 0 {
			err = dev.writeRegister(regs.DCB_RESET, regs.RESET_TH)
			if err != nil {
				return 0, 0, err
			}
		}

		err = dev.selectSensor(ch)
		if err != nil {
			return 0, 0, err
		}
		status, err = dev.readRegister(regs.DCB_TH_STATUS)
		if err != nil {
			return 0, 0, err
		}
		if status&(regs.TH_CRC_ERR|regs.TH_COMM_ERR) != 0 {
			continue
		}

		temp, err = dev.readRegister(regs.DCB_TH_TEMP)
		if err != nil {
			return 0, 0, err
		}
		humid, err = dev.readRegister(regs.DCB_TH_HUMID)
		if err != nil {
			return 0, 0, err
		}
		return temp & regs.TH_TEMP_MASK, humid & regs.TH_HUMID_MASK, nil
	}

	reason := "CRC error"
	if status&regs.TH_COMM_ERR != 0 {
		reason = "communication error"
	}
	return 0, 0, &SensorFault{Device: dev.id, Channel: ch, Status: status, Reason: reason}
}

func (dev *device) readLimits(ch int) (SensorChannel, error) {
	sc := SensorChannel{Enabled: true}
	err := dev.selectSensor(ch)
	if err != nil {
		return sc, err
	}
	t, err := dev.readRegister(regs.DCB_TH_TLIMIT)
	if err != nil {
		return sc, err
	}
	h, err := dev.readRegister(regs.DCB_TH_HLIMIT)
	if err != nil {
		return sc, err
	}
	sc.TempLimit = th.Temperature(t)
	sc.HumidLimit = th.HumidityLinear(h)
	return sc, nil
}

func (dev *device) writeLimit(ch int, reg uint8, raw uint16) error {
	err := dev.selectSensor(ch)
	if err != nil {
		return err
	}
	return dev.writeRegister(reg, raw)
}

// initSensors probes the sensor channels of every board and programs the
// configured limits.
func (det *Detector) initSensors() error {
	for _, dev := range det.devs {
		for ch := range dev.th {
			_, _, err := dev.readSensor(ch)
			if err != nil {
				if !errors.Is(err, ErrSensor) {
					return err
				}
				dev.th[ch] = SensorChannel{}
				continue
			}
			dev.th[ch], err = dev.readLimits(ch)
			if err != nil {
				return fmt.Errorf("dcb: could not read sensor limits of device %d, channel %d: %w", dev.id, ch, err)
			}
		}
	}

	if det.cfg.hlimit > 0 {
		err := det.SetHumidityLimit(All, All, det.cfg.hlimit)
		if err != nil {
			return err
		}
	}
	if det.cfg.tlimit != 0 {
		err := det.SetTemperatureLimit(All, All, det.cfg.tlimit)
		if err != nil {
			return err
		}
	}

	for _, dev := range det.devs {
		n := 0
		for _, sc := range dev.th {
			if sc.Enabled {
				n++
			}
		}
		det.msg.Printf("device %d: %d sensor channels enabled", dev.id, n)
	}
	return nil
}

// channels returns the enabled channels matching the board and channel
// indices, either of which may be All.
func (det *Detector) channels(idev, ich int) ([][2]int, error) {
	if idev != All && (idev < 0 || idev >= len(det.devs)) {
		return nil, errConfigf("device %d out of range [0, %d)", idev, len(det.devs))
	}
	if ich != All && (ich < 0 || ich >= th.NumChannels) {
		return nil, errConfigf("sensor channel %d out of range [0, %d)", ich, th.NumChannels)
	}

	var out [][2]int
	for _, dev := range det.devs {
		if idev != All && dev.id != idev {
			continue
		}
		for ch, sc := range dev.th {
			if ich != All && ch != ich {
				continue
			}
			if !sc.Enabled {
				if ich != All {
					return nil, &SensorFault{Device: dev.id, Channel: ch, Reason: "no sensor"}
				}
				continue
			}
			out = append(out, [2]int{dev.id, ch})
		}
	}
	return out, nil
}

// Sensors returns the sensor channels of board idev.
func (det *Detector) Sensors(idev int) ([]SensorChannel, error) {
	if idev < 0 || idev >= len(det.devs) {
		return nil, errConfigf("device %d out of range [0, %d)", idev, len(det.devs))
	}
	out := make([]SensorChannel, th.NumChannels)
	copy(out, det.devs[idev].th[:])
	return out, nil
}

// ReadSensor reads the temperature and humidity of channel ch of board idev.
// On failure, both values are th.NoSensor.
func (det *Detector) ReadSensor(idev, ch int) (Reading, error) {
	r := Reading{Device: idev, Channel: ch, Temp: th.NoSensor, Humidity: th.NoSensor}
	chs, err := det.channels(idev, ch)
	if err != nil {
		return r, err
	}
	if idev == All || ch == All || len(chs) != 1 {
		return r, errConfigf("sensor reading needs a single channel")
	}

	rawT, rawH, err := det.devs[idev].readSensor(ch)
	if err != nil {
		return r, err
	}
	r.Temp = th.Temperature(rawT)
	r.Humidity = th.Humidity(rawH, r.Temp)
	return r, nil
}

// ReadSensors reads every enabled sensor channel.
// A faulty channel is reported with th.NoSensor values and does not
// prevent the other channels from being read.
func (det *Detector) ReadSensors() ([]Reading, error) {
	chs, err := det.channels(All, All)
	if err != nil {
		return nil, err
	}
	out := make([]Reading, 0, len(chs))
	for _, c := range chs {
		r, err := det.ReadSensor(c[0], c[1])
		if err != nil {
			if !errors.Is(err, ErrSensor) {
				return out, err
			}
			det.msg.Printf("%+v", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// SetHumidityLimit programs the humidity limit (in %RH) of the matching
// sensor channels. idev and ch may be All.
func (det *Detector) SetHumidityLimit(idev, ch int, rh float64) error {
	chs, err := det.channels(idev, ch)
	if err != nil {
		return err
	}
	raw := th.RawHumidity(rh)
	for _, c := range chs {
		dev := det.devs[c[0]]
		err := dev.writeLimit(c[1], regs.DCB_TH_HLIMIT, raw)
		if err != nil {
			return fmt.Errorf("dcb: could not set humidity limit of device %d, channel %d: %w", c[0], c[1], err)
		}
		dev.th[c[1]].HumidLimit = th.HumidityLinear(raw)
	}
	return nil
}

// HumidityLimit returns the humidity limit of channel ch of board idev.
func (det *Detector) HumidityLimit(idev, ch int) (float64, error) {
	sc, err := det.limits(idev, ch)
	return sc.HumidLimit, err
}

// SetTemperatureLimit programs the temperature limit (in degrees Celsius)
// of the matching sensor channels. idev and ch may be All.
func (det *Detector) SetTemperatureLimit(idev, ch int, c float64) error {
	chs, err := det.channels(idev, ch)
	if err != nil {
		return err
	}
	raw := th.RawTemperature(c)
	for _, v := range chs {
		dev := det.devs[v[0]]
		err := dev.writeLimit(v[1], regs.DCB_TH_TLIMIT, raw)
		if err != nil {
			return fmt.Errorf("dcb: could not set temperature limit of device %d, channel %d: %w", v[0], v[1], err)
		}
		dev.th[v[1]].TempLimit = th.Temperature(raw)
	}
	return nil
}

// TemperatureLimit returns the temperature limit of channel ch of board idev.
func (det *Detector) TemperatureLimit(idev, ch int) (float64, error) {
	sc, err := det.limits(idev, ch)
	return sc.TempLimit, err
}

func (det *Detector) limits(idev, ch int) (SensorChannel, error) {
	if idev == All || ch == All {
		return SensorChannel{}, errConfigf("sensor limits need a single channel")
	}
	_, err := det.channels(idev, ch)
	if err != nil {
		return SensorChannel{}, err
	}
	dev := det.devs[idev]
	sc, err := dev.readLimits(ch)
	if err != nil {
		return sc, fmt.Errorf("dcb: could not read sensor limits of device %d, channel %d: %w", idev, ch, err)
	}
	dev.th[ch] = sc
	return sc, nil
}

// humidityGate checks, over several rounds, that every enabled channel
// stays below its humidity limit minus a margin.
func (det *Detector) humidityGate() error {
	timing := det.cfg.timing
	for round := 0; round < timing.GateRounds; round++ {
		if round > 0 {
			det.sleep(timing.GatePeriod)
		}
		for _, dev := range det.devs {
			for ch, sc := range dev.th {
				if !sc.Enabled {
					continue
				}
				rawT, rawH, err := dev.readSensor(ch)
				if err != nil {
					return err
				}
				var (
					c   = th.Temperature(rawT)
					rh  = th.Humidity(rawH, c)
					max = sc.HumidLimit - timing.GateMargin
				)
				if rh >= max {
					return &SensorFault{
						Device: dev.id, Channel: ch,
						Reason: fmt.Sprintf(
							"humidity %.1f%%RH not below %.1f%%RH (round %d)",
							rh, max, round+1,
						),
					}
				}
			}
		}
	}
	return nil
}
