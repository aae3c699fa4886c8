// Copyright © 2018-2019 Information Sciences Institute. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package hw

import (
	"bytes"
	"testing"
)

func TestRegisterAccess(t *testing.T) {
	r := NewRAM(0x100)
	r.W32(0x10, 0xdeadbeef)
	if got, want := r.R32(0x10), uint32(0xdeadbeef); got != want {
		t.Errorf("R32: got 0x%x want 0x%x", got, want)
	}
	if got := r.R32(0x14); got != 0 {
		t.Errorf("R32 untouched: got 0x%x want 0", got)
	}
}

func TestWordCopy(t *testing.T) {
	r := NewRAM(0x100)
	src := make([]byte, 64)
	for i := range src {
		src[i] = byte(i)
	}
	CopyTo(r, 0x40, src)
	dst := make([]byte, 64)
	CopyFrom(r, 0x40, dst)
	if !bytes.Equal(src, dst) {
		t.Errorf("copy round trip: got % x want % x", dst, src)
	}
	// words land little endian in the window
	if got, want := r.R32(0x40), uint32(0x03020100); got != want {
		t.Errorf("first word: got 0x%x want 0x%x", got, want)
	}
}

func TestBadOffsetPanics(t *testing.T) {
	r := NewRAM(0x10)
	defer func() {
		if recover() == nil {
			t.Error("out of range W32 did not panic")
		}
	}()
	r.W32(0x10, 1)
}
