// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command camserver starts a TDAQ server driving the control boards of
// a pixel detector.
//
// Usage: camserver [tdaq-options] config.yaml
//
// The configuration file names the GigaSTaR links of the boards, the
// detector layout (or the condition database holding it) and the
// exposure preset. A /config command may name another file.
//
// Images are sent on the /img output. Each frame holds a header (image
// number, end-of-exposure time and measured exposure time, both in
// nanoseconds, and image size) followed by the raw image.
package main // import "github.com/go-lpc/camserver/cmd/camserver"

import (
	"context"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
)

func main() {
	cmd := flags.New()

	if len(cmd.Args) == 0 {
		log.Fatalf("missing configuration file")
	}

	srv := &server{fname: cmd.Args[0]}

	run := tdaq.New(cmd, os.Stdout)
	run.CmdHandle("/config", srv.OnConfig)
	run.CmdHandle("/init", srv.OnInit)
	run.CmdHandle("/reset", srv.OnReset)
	run.CmdHandle("/start", srv.OnStart)
	run.CmdHandle("/stop", srv.OnStop)
	run.CmdHandle("/quit", srv.OnQuit)

	run.OutputHandle("/img", srv.img)

	run.RunHandle(srv.run)

	err := run.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}
