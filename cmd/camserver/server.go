// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-lpc/camserver"
	"github.com/go-lpc/camserver/conddb"
	"github.com/go-lpc/camserver/dcb"
	"github.com/go-lpc/camserver/gsd"
	"github.com/sbinet/pmon"
)

type server struct {
	fname string // default configuration file

	cfg Config
	exp dcb.Exposure
	det *dcb.Detector

	mon  *pmon.Process
	flog *os.File

	n    int
	data chan []byte
}

func (srv *server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")

	fname := srv.fname
	if len(req.Body) > 0 {
		dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
		fname = dec.ReadStr()
		if err := dec.Err(); err != nil {
			ctx.Msg.Errorf("could not decode /config request: %+v", err)
			return fmt.Errorf("could not decode /config request: %w", err)
		}
	}

	cfg, err := loadConfig(fname)
	if err != nil {
		ctx.Msg.Errorf("could not load configuration: %+v", err)
		return fmt.Errorf("could not load configuration: %w", err)
	}

	if cfg.DB != "" {
		db, err := conddb.Open(cfg.DB)
		if err != nil {
			ctx.Msg.Errorf("could not open condition db %q: %+v", cfg.DB, err)
			return fmt.Errorf("could not open condition db %q: %w", cfg.DB, err)
		}
		defer db.Close()

		err = cfg.fromDB(ctx.Ctx, db)
		if err != nil {
			ctx.Msg.Errorf("could not configure from db %q: %+v", cfg.DB, err)
			return fmt.Errorf("could not configure from db %q: %w", cfg.DB, err)
		}
	}

	exp, err := cfg.Preset.Exposure()
	if err != nil {
		ctx.Msg.Errorf("could not decode exposure preset: %+v", err)
		return fmt.Errorf("could not decode exposure preset: %w", err)
	}

	srv.cfg = cfg
	srv.exp = exp
	ctx.Msg.Infof("detector: %v", cfg.Detector)
	ctx.Msg.Infof("exposure: %+v", exp)
	return nil
}

func (srv *server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")

	if len(srv.cfg.Links) == 0 {
		return fmt.Errorf("no configuration loaded")
	}

	if srv.det != nil {
		err := srv.det.Close()
		if err != nil {
			ctx.Msg.Warnf("could not close detector: %+v", err)
		}
		srv.det = nil
	}

	drvs := make([]gsd.Driver, 0, len(srv.cfg.Links))
	for _, id := range srv.cfg.Links {
		drv, err := gsd.OpenAt(srv.cfg.Root, id)
		if err != nil {
			for _, drv := range drvs {
				_ = drv.Close()
			}
			ctx.Msg.Errorf("could not open GigaSTaR link %d: %+v", id, err)
			return fmt.Errorf("could not open GigaSTaR link %d: %w", id, err)
		}
		drvs = append(drvs, drv)
	}

	opts := srv.cfg.Detector.Options()
	if srv.cfg.HumidityGate != nil {
		opts = append(opts, dcb.WithHumidityGate(*srv.cfg.HumidityGate))
	}

	det, err := dcb.Open(drvs, opts...)
	if err != nil {
		ctx.Msg.Errorf("could not open detector: %+v", err)
		return fmt.Errorf("could not open detector: %w", err)
	}
	srv.det = det

	err = det.SetExposure(srv.exp)
	if err != nil {
		ctx.Msg.Errorf("could not set exposure: %+v", err)
		return fmt.Errorf("could not set exposure: %w", err)
	}

	version, _ := camserver.Version()
	prof := det.Profile()
	clk := det.Clock()
	ctx.Msg.Infof("camserver: %q", version)
	ctx.Msg.Infof("firmware: %+v", prof)
	ctx.Msg.Infof("clock: period=%gs skew=%g", clk.Period, clk.Skew)

	err = srv.monitor(ctx)
	if err != nil {
		return err
	}

	srv.data = make(chan []byte, 16)
	srv.n = 0
	return nil
}

// monitor starts monitoring the resources of the server process.
func (srv *server) monitor(ctx tdaq.Context) error {
	if srv.cfg.Monitor.File == "" || srv.mon != nil {
		return nil
	}

	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		ctx.Msg.Errorf("could not start process monitoring: %+v", err)
		return fmt.Errorf("could not start process monitoring: %w", err)
	}
	f, err := os.Create(srv.cfg.Monitor.File)
	if err != nil {
		ctx.Msg.Errorf("could not create pmon log file: %+v", err)
		return fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = srv.cfg.Monitor.Freq

	go func() {
		err := p.Run()
		if err != nil {
			ctx.Msg.Errorf("could not run process monitoring: %+v", err)
		}
	}()

	srv.mon = p
	srv.flog = f
	return nil
}

func (srv *server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	if srv.det == nil {
		return nil
	}

	err := srv.det.ResetExposureMode()
	if err != nil {
		ctx.Msg.Errorf("could not reset exposure mode: %+v", err)
		return fmt.Errorf("could not reset exposure mode: %w", err)
	}

	srv.data = make(chan []byte, 16)
	srv.n = 0
	return nil
}

func (srv *server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	if srv.det == nil {
		return fmt.Errorf("detector not initialized")
	}

	err := srv.det.SetExposure(srv.exp)
	if err != nil {
		ctx.Msg.Errorf("could not set exposure: %+v", err)
		return fmt.Errorf("could not set exposure: %w", err)
	}
	return nil
}

func (srv *server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	n := srv.n
	ctx.Msg.Debugf("received /stop command... -> n=%d", n)
	if srv.det == nil {
		return nil
	}

	err := srv.det.Stop()
	if err != nil {
		ctx.Msg.Errorf("could not stop detector: %+v", err)
		return fmt.Errorf("could not stop detector: %w", err)
	}
	return nil
}

func (srv *server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")

	if srv.mon != nil {
		err := srv.mon.Kill()
		if err != nil {
			ctx.Msg.Warnf("could not stop process monitoring: %+v", err)
		}
		_ = srv.flog.Close()
		srv.mon = nil
	}

	if srv.det == nil {
		return nil
	}
	err := srv.det.Close()
	srv.det = nil
	if err != nil {
		ctx.Msg.Errorf("could not close detector: %+v", err)
		return fmt.Errorf("could not close detector: %w", err)
	}
	return nil
}

func (srv *server) img(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-srv.data:
		dst.Body = data
	}
	return nil
}

// images returns the number of images of an exposure sequence.
func images(exp dcb.Exposure) int {
	n := exp.Frames
	if exp.MultiTrigger {
		n *= exp.Count
	}
	return n
}

func (srv *server) run(ctx tdaq.Context) error {
	det := srv.det
	if det == nil {
		return fmt.Errorf("detector not initialized")
	}

	err := det.Expose(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not start exposure: %+v", err)
		return fmt.Errorf("could not start exposure: %w", err)
	}

	n := images(srv.exp)
	for i := 0; i < n; i++ {
		ts, err := det.WaitReadImage(ctx.Ctx)
		if err != nil {
			if ctx.Ctx.Err() != nil {
				return nil
			}
			ctx.Msg.Errorf("could not read image %d/%d: %+v", i+1, n, err)
			return fmt.Errorf("could not read image %d/%d: %w", i+1, n, err)
		}

		img := image{
			ID:       uint32(srv.n),
			Time:     ts,
			Exposure: det.MeasuredExposure(),
			Data:     det.Image(),
		}
		if srv.cfg.Output != "" {
			err = img.save(srv.cfg.Output)
			if err != nil {
				ctx.Msg.Errorf("could not save image %d: %+v", img.ID, err)
				return fmt.Errorf("could not save image %d: %w", img.ID, err)
			}
		}

		raw, err := img.encode()
		if err != nil {
			ctx.Msg.Errorf("could not encode image %d: %+v", img.ID, err)
			return fmt.Errorf("could not encode image %d: %w", img.ID, err)
		}

		select {
		case <-ctx.Ctx.Done():
			return nil
		case srv.data <- raw:
			srv.n++
		}
	}
	ctx.Msg.Infof("exposure sequence done: images=%d", n)
	return nil
}

// image is a detector image as sent on the /img output.
type image struct {
	ID       uint32
	Time     time.Duration // end of exposure, relative to the detector time origin
	Exposure time.Duration // measured exposure time
	Data     []byte
}

func (img image) encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := tdaq.NewEncoder(buf)
	enc.WriteU32(img.ID)
	enc.WriteI64(int64(img.Time))
	enc.WriteI64(int64(img.Exposure))
	enc.WriteU32(uint32(len(img.Data)))
	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("could not encode image header: %w", err)
	}
	buf.Write(img.Data)
	return buf.Bytes(), nil
}

func decodeImage(raw []byte) (image, error) {
	var (
		img image
		r   = bytes.NewReader(raw)
		dec = tdaq.NewDecoder(r)
	)
	img.ID = dec.ReadU32()
	img.Time = time.Duration(dec.ReadI64())
	img.Exposure = time.Duration(dec.ReadI64())
	n := int(dec.ReadU32())
	if err := dec.Err(); err != nil {
		return img, fmt.Errorf("could not decode image header: %w", err)
	}
	if r.Len() != n {
		return img, fmt.Errorf("invalid image size (got=%d, want=%d)", r.Len(), n)
	}
	img.Data = make([]byte, n)
	_, _ = r.Read(img.Data)
	return img, nil
}

func (img image) save(dir string) error {
	fname := filepath.Join(dir, fmt.Sprintf("img-%06d.raw", img.ID))
	err := os.WriteFile(fname, img.Data, 0644)
	if err != nil {
		return fmt.Errorf("could not write %q: %w", fname, err)
	}
	return nil
}
