// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gsd binds the pseudo-filesystem exposed by the GigaSTaR
// PCI kernel driver.
//
// Each board N is exposed under /dev/gsd<N> as:
//   - regs:  the 32-word register window,
//   - dma:   the DMA buffers, one page-aligned region per buffer,
//   - event: a blocking stream of 32-bit DMA byte counts, one per
//     completion interrupt.
package gsd // import "github.com/go-lpc/camserver/gsd"

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-lpc/camserver/internal/mmap"
	"golang.org/x/sys/unix"
)

// Driver is the boundary between the DCB protocol engine and a
// GigaSTaR board.
type Driver interface {
	// ReadAt and WriteAt access the register window.
	io.ReaderAt
	io.WriterAt

	// MapDMA maps DMA buffer idx (0 or 1) with the provided size.
	MapDMA(idx, size int) ([]byte, error)

	// WaitDMA blocks until the next DMA completion interrupt and
	// returns the number of bytes the driver reported.
	// WaitDMA is not reentrant.
	WaitDMA() (int, error)

	// Now returns the value of a monotonic clock.
	Now() time.Duration

	io.Closer
}

const windowSize = 32 * 4

// Device is a GigaSTaR board.
type Device struct {
	id   int
	regs *os.File
	dma  *os.File
	evt  *os.File
	win  *mmap.Handle
	bufs [2]struct {
		h    *mmap.Handle
		size int
	}
	xbuf [4]byte
}

// Open opens the GigaSTaR board id.
func Open(id int) (*Device, error) {
	return OpenAt("/dev", id)
}

// OpenAt opens the GigaSTaR board id, whose driver files live under root.
func OpenAt(root string, id int) (*Device, error) {
	dir := filepath.Join(root, fmt.Sprintf("gsd%d", id))
	dev := &Device{id: id}

	var err error
	defer func() {
		if err != nil {
			_ = dev.Close()
		}
	}()

	dev.regs, err = os.OpenFile(filepath.Join(dir, "regs"), os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("gsd: could not open register window of board %d: %w", id, err)
	}

	dev.dma, err = os.OpenFile(filepath.Join(dir, "dma"), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("gsd: could not open DMA region of board %d: %w", id, err)
	}

	dev.evt, err = os.Open(filepath.Join(dir, "event"))
	if err != nil {
		return nil, fmt.Errorf("gsd: could not open event stream of board %d: %w", id, err)
	}

	dev.win, err = mmap.Map(dev.regs, 0, windowSize)
	if err != nil {
		return nil, fmt.Errorf("gsd: could not map register window of board %d: %w", id, err)
	}

	return dev, nil
}

// ID returns the board index.
func (dev *Device) ID() int { return dev.id }

func (dev *Device) ReadAt(p []byte, off int64) (int, error) {
	return dev.win.ReadAt(p, off)
}

func (dev *Device) WriteAt(p []byte, off int64) (int, error) {
	return dev.win.WriteAt(p, off)
}

func (dev *Device) MapDMA(idx, size int) ([]byte, error) {
	if idx < 0 || idx >= len(dev.bufs) {
		return nil, fmt.Errorf("gsd: invalid DMA buffer index %d", idx)
	}
	buf := &dev.bufs[idx]
	if buf.h != nil && buf.size == size {
		return buf.h.Bytes(), nil
	}
	if buf.h != nil {
		err := buf.h.Close()
		buf.h = nil
		if err != nil {
			return nil, fmt.Errorf("gsd: could not unmap DMA buffer %d: %w", idx, err)
		}
	}

	off := int64(idx) * int64(pageAlign(size))
	h, err := mmap.Map(dev.dma, off, size)
	if err != nil {
		return nil, fmt.Errorf("gsd: could not map DMA buffer %d: %w", idx, err)
	}
	buf.h = h
	buf.size = size
	return h.Bytes(), nil
}

func (dev *Device) WaitDMA() (int, error) {
	_, err := io.ReadFull(dev.evt, dev.xbuf[:4])
	if err != nil {
		return 0, fmt.Errorf("gsd: could not wait for DMA event on board %d: %w", dev.id, err)
	}
	return int(binary.LittleEndian.Uint32(dev.xbuf[:4])), nil
}

// Now returns the value of the raw monotonic clock, unaffected by NTP.
func (dev *Device) Now() time.Duration {
	var ts unix.Timespec
	err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts)
	if err != nil {
		panic(fmt.Errorf("gsd: could not read monotonic clock: %w", err))
	}
	return time.Duration(ts.Nano())
}

func (dev *Device) Close() error {
	var err error
	for i := range dev.bufs {
		if dev.bufs[i].h == nil {
			continue
		}
		if e := dev.bufs[i].h.Close(); e != nil && err == nil {
			err = fmt.Errorf("gsd: could not unmap DMA buffer %d: %w", i, e)
		}
		dev.bufs[i].h = nil
	}
	if dev.win != nil {
		if e := dev.win.Close(); e != nil && err == nil {
			err = fmt.Errorf("gsd: could not unmap register window: %w", e)
		}
		dev.win = nil
	}
	for _, f := range []*os.File{dev.evt, dev.dma, dev.regs} {
		if f == nil {
			continue
		}
		if e := f.Close(); e != nil && err == nil {
			err = fmt.Errorf("gsd: could not close %q: %w", f.Name(), e)
		}
	}
	dev.evt = nil
	dev.dma = nil
	dev.regs = nil
	return err
}

func pageAlign(n int) int {
	sz := os.Getpagesize()
	return (n + sz - 1) / sz * sz
}

var (
	_ Driver = (*Device)(nil)
)
