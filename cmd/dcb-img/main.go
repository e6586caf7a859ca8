// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dcb-img displays quick-look statistics of raw detector images.
//
// Usage: dcb-img [options] img-000000.raw [img-000001.raw [...]]
package main // import "github.com/go-lpc/camserver/cmd/dcb-img"

import (
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"

	"go-hep.org/x/hep/hbook"
)

func main() {
	log.SetPrefix("dcb-img: ")
	log.SetFlags(0)

	var (
		depth = flag.Int("depth", 32, "bits per pixel")
		nbins = flag.Int("nbins", 100, "number of bins of the pixel histogram")
		oname = flag.String("o", "", "path to a YODA file where histograms are saved")
	)

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing input image")
	}

	err := process(os.Stdout, *oname, flag.Args(), *depth, *nbins)
	if err != nil {
		log.Fatalf("could not process images: %+v", err)
	}
}

func process(w io.Writer, oname string, fnames []string, depth, nbins int) error {
	var o io.Writer
	if oname != "" {
		f, err := os.Create(oname)
		if err != nil {
			return fmt.Errorf("could not create output file: %w", err)
		}
		defer f.Close()
		o = f
	}

	for _, fname := range fnames {
		raw, err := os.ReadFile(fname)
		if err != nil {
			return fmt.Errorf("could not read image %q: %w", fname, err)
		}
		pix, err := pixels(raw, depth)
		if err != nil {
			return fmt.Errorf("could not decode image %q: %w", fname, err)
		}
		h := histo(fname, pix, nbins)
		summary(w, fname, pix, h)

		if o == nil {
			continue
		}
		buf, err := h.MarshalYODA()
		if err != nil {
			return fmt.Errorf("could not marshal histogram of %q: %w", fname, err)
		}
		_, err = o.Write(buf)
		if err != nil {
			return fmt.Errorf("could not write histogram of %q: %w", fname, err)
		}
	}

	if f, ok := o.(*os.File); ok {
		err := f.Close()
		if err != nil {
			return fmt.Errorf("could not close output file: %w", err)
		}
	}
	return nil
}

// pixels decodes the little-endian pixel values of a raw image.
func pixels(raw []byte, depth int) ([]uint32, error) {
	if depth <= 0 || depth > 32 || depth%8 != 0 {
		return nil, fmt.Errorf("invalid bit depth %d", depth)
	}
	sz := depth / 8
	if len(raw)%sz != 0 {
		return nil, fmt.Errorf("image size %d is not a multiple of the pixel size %d", len(raw), sz)
	}

	out := make([]uint32, len(raw)/sz)
	for i := range out {
		var v uint32
		for j := sz - 1; j >= 0; j-- {
			v = v<<8 | uint32(raw[i*sz+j])
		}
		out[i] = v
	}
	return out, nil
}

func histo(name string, pix []uint32, nbins int) *hbook.H1D {
	lo, hi := bounds(pix)
	h := hbook.NewH1D(nbins, lo, hi)
	h.Annotation()["name"] = name
	for _, v := range pix {
		h.Fill(float64(v), 1)
	}
	return h
}

// bounds returns the histogram range holding every pixel value.
func bounds(pix []uint32) (lo, hi float64) {
	if len(pix) == 0 {
		return 0, 1
	}
	vmin, vmax := uint32(math.MaxUint32), uint32(0)
	for _, v := range pix {
		if v < vmin {
			vmin = v
		}
		if v > vmax {
			vmax = v
		}
	}
	return float64(vmin), float64(vmax) + 1
}

func summary(w io.Writer, name string, pix []uint32, h *hbook.H1D) {
	zeros := 0
	for _, v := range pix {
		if v == 0 {
			zeros++
		}
	}
	lo, hi := bounds(pix)
	fmt.Fprintf(w, "=== %s ===\n", name)
	fmt.Fprintf(w, "pixels:  %d\n", h.Entries())
	fmt.Fprintf(w, "zeros:   %d\n", zeros)
	fmt.Fprintf(w, "min:     %g\n", lo)
	fmt.Fprintf(w, "max:     %g\n", hi-1)
	fmt.Fprintf(w, "mean:    %g\n", h.XMean())
	fmt.Fprintf(w, "std-dev: %g\n", h.XStdDev())
}
