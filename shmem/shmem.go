// Copyright © 2018-2019 Information Sciences Institute. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package shmem implements a polled shared-memory transport for system
// messages, a fallback for when no mailbox channel pair is available. Each
// direction is an independent memory region: one message frame followed by a
// status word with a new-message bit and an acknowledgment bit. There are no
// interrupts; the inbound region is polled on a timer.
package shmem

import (
	"sync"
	"syscall"
	"time"

	"github.com/ISI-apex/linux-hpsc/hw"
	"github.com/ISI-apex/linux-hpsc/msg"
	"github.com/ISI-apex/linux-hpsc/notif"

	"github.com/platinasystems/log"
)

const (
	statusOff = msg.Size
	statusNew = 0x1
	statusAck = 0x2

	// RegionSize is the required size of each direction's region.
	RegionSize = msg.Size + 4
)

// DefaultInterval between inbound region polls.
const DefaultInterval = 10 * time.Millisecond

// Transport is one bidirectional shared-memory endpoint.
type Transport struct {
	mu       sync.Mutex
	out, in  hw.Io
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// New validates both direction regions. An interval of zero selects
// DefaultInterval.
func New(out, in hw.Io, interval time.Duration) (*Transport, error) {
	if out == nil || in == nil ||
		out.Size() < RegionSize || in.Size() < RegionSize {
		return nil, syscall.EINVAL
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Transport{out: out, in: in, interval: interval}, nil
}

func (t *Transport) Name() string             { return "shmem" }
func (t *Transport) Priority() notif.Priority { return notif.PriorityShmem }

// Open registers the transport and starts the inbound poller.
func (t *Transport) Open() error {
	if err := notif.Register(t); err != nil {
		return err
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.poll()
	return nil
}

// Close stops the poller and unregisters the transport.
func (t *Transport) Close() {
	if t.stop == nil {
		return
	}
	close(t.stop)
	<-t.done
	t.stop = nil
	notif.Unregister(t)
}

// Send stages one frame in the outbound region and raises the new-message
// bit. EAGAIN while the peer has not yet acknowledged the previous frame.
func (t *Transport) Send(b []byte) error {
	if len(b) > msg.Size {
		return syscall.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out.R32(statusOff)&statusNew != 0 {
		return syscall.EAGAIN
	}
	var buf [msg.Size]byte
	copy(buf[:], b)
	hw.CopyTo(t.out, 0, buf[:])
	// raising NEW also retires the peer's previous ACK
	t.out.W32(statusOff, statusNew)
	return nil
}

func (t *Transport) poll() {
	defer close(t.done)
	tick := time.NewTicker(t.interval)
	defer tick.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-tick.C:
			t.drain()
		}
	}
}

// drain consumes one pending inbound frame: copy out, acknowledge so the
// peer may send again, then process.
func (t *Transport) drain() {
	if t.in.R32(statusOff)&statusNew == 0 {
		return
	}
	buf := make([]byte, msg.Size)
	hw.CopyFrom(t.in, 0, buf)
	t.in.W32(statusOff, statusAck)
	if err := notif.Recv(buf); err != nil {
		log.Print("daemon", "err", "shmem: processing message failed: ", err)
	}
}
