// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"reflect"
	"testing"
)

func TestParseLinks(t *testing.T) {
	for _, tc := range []struct {
		links string
		want  []int
		err   bool
	}{
		{links: "0", want: []int{0}},
		{links: "2, 1,0", want: []int{2, 1, 0}},
		{links: "3,", want: []int{3}},
		{links: "", err: true},
		{links: "0,x", err: true},
	} {
		t.Run(tc.links, func(t *testing.T) {
			got, err := parseLinks(tc.links)
			switch {
			case err != nil && tc.err:
				return
			case err != nil:
				t.Fatalf("could not parse links: %+v", err)
			case tc.err:
				t.Fatalf("expected an error")
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("invalid links: got=%v, want=%v", got, tc.want)
			}
		})
	}
}
