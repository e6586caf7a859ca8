// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dcb

import (
	"bytes"
	"testing"
)

func TestHolder(t *testing.T) {
	h := holder{img: make([]byte, 12), slot: 4}

	for _, id := range []int{2, 0, 1} {
		err := h.put(id, bytes.Repeat([]byte{byte(id + 1)}, 4))
		if err != nil {
			t.Fatalf("could not put image of device %d: %+v", id, err)
		}
	}

	want := []byte{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3}
	if !bytes.Equal(h.img, want) {
		t.Fatalf("invalid image:\ngot= %v\nwant=%v", h.img, want)
	}
	if got, want := h.board(1), []byte{2, 2, 2, 2}; !bytes.Equal(got, want) {
		t.Fatalf("invalid board slot: got=%v, want=%v", got, want)
	}

	for _, tc := range []struct {
		id  int
		p   []byte
		err string
	}{
		{id: 3, p: make([]byte, 4), err: "no image slot for device 3"},
		{id: -1, p: make([]byte, 4), err: "no image slot for device -1"},
		{id: 1, p: make([]byte, 5), err: "image of device 1 has 5 bytes, want 4"},
		{id: 1, p: nil, err: "image of device 1 has 0 bytes, want 4"},
	} {
		err := h.put(tc.id, tc.p)
		if err == nil {
			t.Fatalf("expected an error for device %d", tc.id)
		}
		if got, want := err.Error(), tc.err; got != want {
			t.Fatalf("invalid error:\ngot= %s\nwant=%s", got, want)
		}
	}
	if !bytes.Equal(h.img, want) {
		t.Fatalf("image modified by a failed put")
	}
}
