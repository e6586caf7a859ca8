// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcb

import "fmt"

// holder is the holding buffer of a full detector image.
// Each board owns a fixed-size slot, in board order.
type holder struct {
	img  []byte
	slot int
}

// put copies the image of board id into its slot.
func (h holder) put(id int, p []byte) error {
	switch {
	case id < 0 || (id+1)*h.slot > len(h.img):
		return fmt.Errorf("no image slot for device %d", id)
	case len(p) != h.slot:
		return fmt.Errorf("image of device %d has %d bytes, want %d", id, len(p), h.slot)
	}
	copy(h.img[id*h.slot:], p)
	return nil
}

// board returns the image slot of board id.
func (h holder) board(id int) []byte {
	return h.img[id*h.slot : (id+1)*h.slot]
}
