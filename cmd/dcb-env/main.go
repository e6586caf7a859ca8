// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dcb-env monitors the temperature and humidity sensors of a
// detector, and sends mail alerts when the humidity goes above the
// limits.
//
// Mail alerts are configured with the MAIL_USERNAME, MAIL_PASSWORD,
// MAIL_SERVER, MAIL_PORT and MAIL_TGTS environment variables.
package main // import "github.com/go-lpc/camserver/cmd/dcb-env"

import (
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/camserver/dcb"
	"github.com/go-lpc/camserver/gsd"
	"github.com/go-lpc/camserver/th"
	mail "gopkg.in/gomail.v2"
)

func main() {
	log.SetPrefix("dcb-env: ")
	log.SetFlags(0)

	var (
		root   = flag.String("root", "/dev", "directory holding the GigaSTaR device nodes")
		links  = flag.String("links", "0", "comma-separated list of GigaSTaR links, primary first")
		freq   = flag.Duration("freq", 30*time.Second, "probing interval")
		hlimit = flag.Float64("hlimit", 0, "humidity limit in %RH (default: limits programmed in the boards)")
		bus    = flag.Int("smbus", -1, "i2c bus of the enclosure sensor (-1 to disable)")
		addr   = flag.Uint("addr", 0x40, "SMBus address of the enclosure sensor")
		n      = flag.Int("n", 0, "number of probing rounds (0: forever)")
	)

	flag.Parse()

	ids, err := parseLinks(*links)
	if err != nil {
		log.Fatalf("could not parse links: %+v", err)
	}

	drvs := make([]gsd.Driver, 0, len(ids))
	for _, id := range ids {
		drv, err := gsd.OpenAt(*root, id)
		if err != nil {
			log.Fatalf("could not open GigaSTaR link %d: %+v", id, err)
		}
		drvs = append(drvs, drv)
	}

	det, err := dcb.Open(drvs,
		dcb.WithGeometry(dcb.Geometry{
			Devices:        len(drvs),
			BanksPerDevice: 1,
			Modules:        1,
			ModulePixels:   1,
			BitDepth:       32,
		}),
		dcb.WithHumidityGate(false),
	)
	if err != nil {
		log.Fatalf("could not open detector: %+v", err)
	}
	defer det.Close()

	var host probe
	if *bus >= 0 {
		p, err := th.OpenSMBus(*bus, uint8(*addr))
		if err != nil {
			log.Fatalf("could not open enclosure sensor: %+v", err)
		}
		defer p.Close()
		host = p
	}

	mon := newMonitor(os.Stdout, *freq)
	mon.notify = alertMail
	mon.limit = func(r dcb.Reading) float64 {
		if *hlimit > 0 || r.Device < 0 {
			return *hlimit
		}
		v, err := det.HumidityLimit(r.Device, r.Channel)
		if err != nil {
			log.Printf("could not read humidity limit of %s: %+v", name(r), err)
			return 0
		}
		return v
	}

	err = run(det, host, mon, *n, time.Sleep)
	if err != nil {
		log.Fatalf("could not monitor sensors: %+v", err)
	}
}

type sensors interface {
	ReadSensors() ([]dcb.Reading, error)
}

type probe interface {
	Measure() (c, rh float64, err error)
}

func run(det sensors, host probe, mon *monitor, n int, sleep func(time.Duration)) error {
	for i := 0; n <= 0 || i < n; i++ {
		if i > 0 {
			sleep(mon.freq)
		}

		rs, err := det.ReadSensors()
		if err != nil {
			return fmt.Errorf("could not read detector sensors: %w", err)
		}

		if host != nil {
			c, rh, err := host.Measure()
			if err != nil {
				log.Printf("could not read enclosure sensor: %+v", err)
			}
			rs = append(rs, dcb.Reading{Device: -1, Channel: -1, Temp: c, Humidity: rh})
		}

		mon.check(rs)
	}
	return nil
}

func name(r dcb.Reading) string {
	if r.Device < 0 {
		return "enclosure"
	}
	return fmt.Sprintf("dcb-%d/th-%d", r.Device, r.Channel)
}

type monitor struct {
	out    io.Writer
	freq   time.Duration
	limit  func(r dcb.Reading) float64
	notify func(subject, body string)
	alerts map[string]int // number of alerts per sensor
}

func newMonitor(w io.Writer, freq time.Duration) *monitor {
	return &monitor{
		out:    w,
		freq:   freq,
		limit:  func(dcb.Reading) float64 { return 0 },
		notify: func(string, string) {},
		alerts: make(map[string]int),
	}
}

// check logs the readings and raises an alert for each reading above
// its humidity limit. A sensor back below its limit is re-armed.
func (mon *monitor) check(rs []dcb.Reading) int {
	const layout = "2006-01-02 15:04:05"
	now := time.Now().Format(layout)

	n := 0
	for _, r := range rs {
		key := name(r)
		if r.Temp == th.NoSensor {
			fmt.Fprintf(mon.out, "%s %-12s no sensor\n", now, key)
			continue
		}
		fmt.Fprintf(mon.out, "%s %-12s T=%6.2fC RH=%6.2f%%\n", now, key, r.Temp, r.Humidity)

		lim := mon.limit(r)
		if lim <= 0 || r.Humidity < lim {
			delete(mon.alerts, key)
			continue
		}
		n++
		mon.alert(key, r, lim)
	}
	return n
}

func (mon *monitor) alert(key string, r dcb.Reading, lim float64) {
	log.Printf("humidity of %s above limit (RH=%.2f%%, limit=%.2f%%)", key, r.Humidity, lim)
	mon.alerts[key]++

	const maxAlerts = 5
	if mon.alerts[key] <= maxAlerts {
		mon.notify(
			fmt.Sprintf("[dcb-env] humidity alert: %s", key),
			fmt.Sprintf("sensor: %s\ntemperature: %.2f C\nhumidity: %.2f %%RH\nlimit: %.2f %%RH\nfreq: %v",
				key, r.Temp, r.Humidity, lim, mon.freq,
			),
		)
	}
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

func alertMail(subject, body string) {
	if alertMailUsr == "" || alertMailPwd == "" ||
		alertMailSrv == "" || alertMailPort == 0 ||
		alertMailTgts == nil || len(alertMailTgts) == 0 {
		log.Printf("could not send mail alert: missing credentials")
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", alertMailTgts...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	err := dial.DialAndSend(msg)
	if err != nil {
		log.Printf("could not send mail alert: %+v", err)
	}
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

func parseLinks(s string) ([]int, error) {
	var ids []int
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		id, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid link %q: %w", v, err)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no GigaSTaR link")
	}
	return ids, nil
}
