// Copyright © 2018-2019 Information Sciences Institute. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package mboxdev

import (
	"bytes"
	"encoding/binary"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/ISI-apex/linux-hpsc/mbox"
)

// simBlock models the event set/clear register aliasing of the mailbox IP
// over plain memory.
type simBlock struct {
	mem [mbox.RegionSize / 4]uint32
}

const (
	causeOff = 0x04
	setOff   = 0x08
	dataOff  = 0x10
)

func (s *simBlock) Size() int { return mbox.RegionSize }

func (s *simBlock) R32(off uint) uint32 {
	if off%mbox.InstanceRegion == setOff {
		off -= setOff - causeOff
	}
	return s.mem[off/4]
}

func (s *simBlock) W32(off uint, v uint32) {
	switch off % mbox.InstanceRegion {
	case causeOff:
		s.mem[off/4] &^= v
	case setOff:
		s.mem[(off-setOff+causeOff)/4] |= v
	default:
		s.mem[off/4] = v
	}
}

func (s *simBlock) word(instance, off uint) *uint32 {
	return &s.mem[(instance*mbox.InstanceRegion+off)/4]
}

// fixture: an outgoing device on instance 0 and an incoming one on
// instance 1, with the test playing the remote processor.
type fixture struct {
	c       *mbox.Controller
	sim     *simBlock
	out, in *Dev
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sim := &simBlock{}
	c, err := mbox.New(sim, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		c:   c,
		sim: sim,
		out: New(c.Chan(0), "mbox0-out", false),
		in:  New(c.Chan(1), "mbox1-in", true),
	}
	if err := f.out.Open(); err != nil {
		t.Fatal(err)
	}
	if err := f.in.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.out.Close(); f.in.Close() })
	return f
}

// remoteAck acknowledges the frame staged on the outgoing instance.
func (f *fixture) remoteAck(status uint32) {
	*f.sim.word(0, dataOff) = status
	*f.sim.word(0, causeOff) |= 0x2
	f.c.AckInterrupt()
}

// remoteSend lands a frame on the incoming instance.
func (f *fixture) remoteSend(b []byte) {
	var buf [mbox.DataSize]byte
	copy(buf[:], b)
	for w := uint(0); w < mbox.DataRegs; w++ {
		*f.sim.word(1, dataOff+4*w) = binary.LittleEndian.Uint32(buf[4*w:])
	}
	*f.sim.word(1, causeOff) |= 0x1
	f.c.RcvInterrupt()
}

func TestWriteAndStatusReadBack(t *testing.T) {
	f := newFixture(t)
	frame := []byte("outbound frame")
	n, err := f.out.Write(frame)
	if err != nil || n != len(frame) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	if r, w := f.out.Poll(); r || w {
		t.Errorf("poll with send in flight: readable=%v writable=%v", r, w)
	}
	if _, err := f.out.Write(frame); !errors.Is(err, syscall.EAGAIN) {
		t.Errorf("second write: got %v, want EAGAIN", err)
	}
	if _, err := f.out.Read(make([]byte, StatusSize)); !errors.Is(err, syscall.EAGAIN) {
		t.Errorf("status read before ack: got %v, want EAGAIN", err)
	}

	f.remoteAck(uint32(syscall.EINVAL))

	if r, _ := f.out.Poll(); !r {
		t.Error("not readable after ack")
	}
	var status [StatusSize]byte
	n, err = f.out.Read(status[:])
	if err != nil || n != StatusSize {
		t.Fatalf("status read: n=%d err=%v", n, err)
	}
	if got := binary.LittleEndian.Uint32(status[:]); got != uint32(syscall.EINVAL) {
		t.Errorf("status: got %d, want %d", got, uint32(syscall.EINVAL))
	}
	// status is one-shot
	if _, err := f.out.Read(status[:]); !errors.Is(err, syscall.EAGAIN) {
		t.Errorf("repeated status read: got %v, want EAGAIN", err)
	}
	if _, w := f.out.Poll(); !w {
		t.Error("not writable after ack")
	}
}

func TestIncomingReadAcknowledges(t *testing.T) {
	f := newFixture(t)
	frame := []byte("inbound frame")
	f.remoteSend(frame)
	if r, _ := f.in.Poll(); !r {
		t.Fatal("not readable after delivery")
	}
	buf := make([]byte, mbox.DataSize)
	n, err := f.in.Read(buf)
	if err != nil || n != mbox.DataSize {
		t.Fatalf("read: n=%d err=%v", n, err)
	}
	if !bytes.Equal(buf[:len(frame)], frame) {
		t.Errorf("read %q, want %q", buf[:len(frame)], frame)
	}
	// the remote sender was told the slot is free
	if *f.sim.word(1, causeOff)&0x2 == 0 {
		t.Error("frame not acknowledged")
	}
	if got := *f.sim.word(1, dataOff); got != 0 {
		t.Errorf("ack status: got %d, want 0", got)
	}
	if _, err := f.in.Read(buf); !errors.Is(err, syscall.EAGAIN) {
		t.Errorf("read with empty buffer: got %v, want EAGAIN", err)
	}
}

func TestOverrunNacked(t *testing.T) {
	f := newFixture(t)
	f.remoteSend([]byte{1})
	f.remoteSend([]byte{2})
	if got := *f.sim.word(1, dataOff); got != uint32(syscall.ENOBUFS) {
		t.Errorf("overrun status: got %d, want ENOBUFS (%d)",
			got, uint32(syscall.ENOBUFS))
	}
	// the buffered first frame survives
	buf := make([]byte, mbox.DataSize)
	if _, err := f.in.Read(buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 1 {
		t.Errorf("buffered frame clobbered: got %d, want 1", buf[0])
	}
}

func TestDirectionErrors(t *testing.T) {
	f := newFixture(t)
	if _, err := f.in.Write([]byte{1}); !errors.Is(err, syscall.EINVAL) {
		t.Errorf("write to incoming: got %v, want EINVAL", err)
	}
	big := make([]byte, mbox.DataSize+1)
	if _, err := f.out.Write(big); !errors.Is(err, syscall.EINVAL) {
		t.Errorf("oversized write: got %v, want EINVAL", err)
	}
	closed := New(f.c.Chan(2), "mbox2-out", false)
	if _, err := closed.Write([]byte{1}); !errors.Is(err, syscall.ENODEV) {
		t.Errorf("write to unopened: got %v, want ENODEV", err)
	}
	if _, err := closed.Read(make([]byte, 4)); !errors.Is(err, syscall.ENODEV) {
		t.Errorf("read from unopened: got %v, want ENODEV", err)
	}
}

func TestDoubleOpen(t *testing.T) {
	f := newFixture(t)
	if err := f.out.Open(); !errors.Is(err, syscall.EBUSY) {
		t.Errorf("got %v, want EBUSY", err)
	}
}

func TestEventWakesOnDelivery(t *testing.T) {
	f := newFixture(t)
	ev := f.in.Event()
	f.remoteSend([]byte{1})
	select {
	case <-ev:
	case <-time.After(time.Second):
		t.Fatal("event channel not closed on delivery")
	}
	// re-armed channel stays open until the next change
	select {
	case <-f.in.Event():
		t.Fatal("fresh event channel already closed")
	default:
	}
}

func TestPollAfterClose(t *testing.T) {
	f := newFixture(t)
	if _, err := f.out.Write([]byte{1}); err != nil {
		t.Fatal(err)
	}
	f.remoteAck(0)
	if r, _ := f.out.Poll(); !r {
		t.Fatal("not readable with ack status pending")
	}
	f.out.Close()
	// a closed device must not report readiness a read can't honor
	if r, w := f.out.Poll(); r || w {
		t.Errorf("poll after close: readable=%v writable=%v", r, w)
	}
}

func TestCloseDiscardsPendingFrame(t *testing.T) {
	f := newFixture(t)
	f.remoteSend([]byte{1})
	f.in.Close()
	if *f.sim.word(1, causeOff)&0x2 == 0 {
		t.Error("pending frame not negatively acknowledged on close")
	}
	if got := *f.sim.word(1, dataOff); got != uint32(syscall.EPIPE) {
		t.Errorf("close status: got %d, want EPIPE (%d)",
			got, uint32(syscall.EPIPE))
	}
}
