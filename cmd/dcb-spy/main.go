// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dcb-spy spies the content of the GigaSTaR and DCB registers.
package main // import "github.com/go-lpc/camserver/cmd/dcb-spy"

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/camserver"
	"github.com/go-lpc/camserver/dcb"
	"github.com/go-lpc/camserver/gsd"
)

func main() {
	log.SetPrefix("dcb-spy: ")
	log.SetFlags(0)

	var (
		root  = flag.String("root", "/dev", "directory holding the GigaSTaR device nodes")
		links = flag.String("links", "0", "comma-separated list of GigaSTaR links, primary first")
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

	fmt.Printf("------------------------------------------------\n")
	const layout = "2006-01-02 15:04:05 MST"
	fmt.Printf("%v\n", time.Now().Format(layout))
	if v, _ := camserver.Version(); v != "" {
		fmt.Printf("camserver: %s\n", v)
	}
	fmt.Printf("firmware: %+v\n", det.Profile())

	err = det.DumpRegisters(os.Stdout)
	if err != nil {
		log.Fatalf("could not dump registers: %+v", err)
	}
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
