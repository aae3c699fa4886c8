// Copyright © 2018-2019 Information Sciences Institute. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package mboxdev exposes a mailbox channel to userspace clients with file
// semantics: an outgoing device is written with frames and read back for the
// 4-byte acknowledgment status, an incoming device is read for frames. Reads
// and writes never block; EAGAIN tells the caller to wait for the device's
// event channel, the poll analog.
package mboxdev

import (
	"encoding/binary"
	"sync"
	"syscall"

	"github.com/ISI-apex/linux-hpsc/mbox"

	"github.com/platinasystems/log"
)

// StatusSize is what a read returns on an outgoing device: the remote
// acknowledgment status as a little-endian 32-bit word.
const StatusSize = 4

// Dev is one direction of one channel exposed as a device endpoint.
type Dev struct {
	mu       sync.Mutex
	ch       *mbox.Channel
	name     string
	incoming bool
	opened   bool

	// incoming side: one buffered frame awaiting a reader
	buf       [mbox.DataSize]byte
	rxPending bool

	// outgoing side: one in-flight send awaiting the remote ack
	sendOutstanding bool
	sendAck         bool
	sendRC          int32

	notify chan struct{}
}

// New wraps a channel as a device endpoint named for userspace.
func New(ch *mbox.Channel, name string, incoming bool) *Dev {
	return &Dev{
		ch:       ch,
		name:     name,
		incoming: incoming,
		notify:   make(chan struct{}),
	}
}

func (d *Dev) Name() string   { return d.name }
func (d *Dev) Incoming() bool { return d.incoming }

// Open claims the underlying channel for this device's direction. EBUSY if
// already open.
func (d *Dev) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return syscall.EBUSY
	}
	cl := &mbox.Client{Name: d.name}
	if d.incoming {
		cl.Receive = d.receive
	} else {
		cl.SendDone = d.sendDone
	}
	if err := d.ch.Open(cl); err != nil {
		return err
	}
	d.opened = true
	d.rxPending = false
	d.sendOutstanding = false
	d.sendAck = false
	return nil
}

// Close releases the channel. A buffered unread frame is discarded and
// negatively acknowledged.
func (d *Dev) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return
	}
	if d.rxPending {
		d.ch.Acknowledge(syscall.EPIPE)
		d.rxPending = false
	}
	d.ch.Close()
	d.opened = false
	d.sendOutstanding = false
	d.sendAck = false
	d.broadcast()
}

// Write queues one frame on an outgoing device. EAGAIN while the previous
// frame's acknowledgment has not been read back.
func (d *Dev) Write(p []byte) (int, error) {
	if len(p) > mbox.DataSize {
		return 0, syscall.EINVAL
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return 0, syscall.ENODEV
	}
	if d.incoming {
		return 0, syscall.EINVAL
	}
	if d.sendOutstanding {
		return 0, syscall.EAGAIN
	}
	if err := d.ch.Send(p); err != nil {
		return 0, err
	}
	d.sendOutstanding = true
	d.sendAck = false
	return len(p), nil
}

// Read returns the buffered frame on an incoming device, or the 4-byte
// acknowledgment status of the last write on an outgoing one. EAGAIN when
// nothing is ready.
func (d *Dev) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return 0, syscall.ENODEV
	}
	if d.incoming {
		if !d.rxPending {
			return 0, syscall.EAGAIN
		}
		n := copy(p, d.buf[:])
		d.rxPending = false
		// reader has drained the slot; let the sender transmit again
		d.ch.Acknowledge(nil)
		return n, nil
	}
	if !d.sendAck {
		return 0, syscall.EAGAIN
	}
	if len(p) < StatusSize {
		return 0, syscall.EINVAL
	}
	binary.LittleEndian.PutUint32(p, uint32(d.sendRC))
	d.sendAck = false
	return StatusSize, nil
}

// Poll reports device readiness: readable when a frame or an acknowledgment
// status is waiting, writable when an outgoing device has no send in flight.
func (d *Dev) Poll() (readable, writable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	readable = d.opened && (d.rxPending || d.sendAck)
	writable = d.opened && !d.incoming && !d.sendOutstanding
	return
}

// Event returns a channel closed on the next readiness change. Callers
// re-arm by calling Event again after it fires.
func (d *Dev) Event() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notify
}

// broadcast wakes all Event waiters. Callers hold d.mu.
func (d *Dev) broadcast() {
	close(d.notify)
	d.notify = make(chan struct{})
}

func (d *Dev) receive(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rxPending {
		// the reader never drained the previous frame; the sender
		// violated flow control or the reader is stuck
		log.Print("daemon", "err",
			"mboxdev: ", d.name, ": frame arrived with buffer full")
		d.ch.Acknowledge(syscall.ENOBUFS)
		return
	}
	copy(d.buf[:], data)
	d.rxPending = true
	d.broadcast()
}

func (d *Dev) sendDone(status int32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendRC = status
	d.sendOutstanding = false
	d.sendAck = true
	d.broadcast()
}
