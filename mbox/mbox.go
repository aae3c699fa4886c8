// Copyright © 2018-2019 Information Sciences Institute. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package mbox drives one HPSC mailbox IP block: up to 32 independent
// channel instances multiplexed onto two shared interrupt lines, one for
// new-message events and one for acknowledgments.
//
// Acknowledgment contract: the acknowledging side writes a status word into
// the first data register (0 for ACK, a positive errno for NACK) before
// raising event B; the event-B service routine reads that word back and
// hands it to the sender's completion callback. There is no software send
// queue: a channel carries at most one unacknowledged message per direction,
// and a second Send fails with EAGAIN until the acknowledgment arrives.
package mbox

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/ISI-apex/linux-hpsc/hw"

	"github.com/platinasystems/log"
)

// Client holds a channel user's delivery callbacks. A nil callback means the
// client does not request that direction capability, and the matching event
// interrupt is left disabled on open: some other entity is then expected to
// service that event.
type Client struct {
	Name string

	// Receive is handed a copy of each inbound frame. The client must
	// call Acknowledge once it has drained its buffer; the remote sender
	// may not transmit again before that.
	Receive func(data []byte)

	// SendDone is handed the acknowledgment status of the previous Send:
	// 0 for ACK, a positive errno value for NACK.
	SendDone func(status int32)
}

// Controller owns the mapped register space of one mailbox IP block and
// demultiplexes its two interrupt lines across all channel instances.
type Controller struct {
	regs      hw.Io
	rcvIntIdx uint
	ackIntIdx uint

	rcvIntCount uint64
	ackIntCount uint64

	// fixed instance-indexed array; channel identity never moves
	chans [Instances]Channel
}

// New validates the register mapping and interrupt index assignment for one
// IP block and returns its controller.
func New(regs hw.Io, rcvIntIdx, ackIntIdx uint) (*Controller, error) {
	if regs == nil || regs.Size() < RegionSize {
		return nil, fmt.Errorf("mbox: register region too small: %w",
			syscall.EINVAL)
	}
	if rcvIntIdx > maxIntIdx || ackIntIdx > maxIntIdx || rcvIntIdx == ackIntIdx {
		return nil, fmt.Errorf("mbox: bad interrupt indexes %d/%d: %w",
			rcvIntIdx, ackIntIdx, syscall.EINVAL)
	}
	c := &Controller{regs: regs, rcvIntIdx: rcvIntIdx, ackIntIdx: ackIntIdx}
	for i := range c.chans {
		ch := &c.chans[i]
		ch.ctlr = c
		ch.instance = uint(i)
		ch.base = uint(i) * InstanceRegion
	}
	return c, nil
}

// Chan returns the channel at the given instance index, nil if out of range.
func (c *Controller) Chan(instance uint) *Channel {
	if instance >= Instances {
		return nil
	}
	return &c.chans[instance]
}

// Channel is one addressable mailbox instance, the unit of open/close and
// send/acknowledge.
type Channel struct {
	mu       sync.Mutex
	ctlr     *Controller
	instance uint
	base     uint

	// identity from the hardware description, constant while open
	owner, src, dest uint8

	cl           *Client
	sendInFlight bool

	rxCount, txCount, ackCount, dropCount uint64
}

func (ch *Channel) Instance() uint { return ch.instance }

func (ch *Channel) r32(off uint) uint32    { return ch.ctlr.regs.R32(ch.base + off) }
func (ch *Channel) w32(off uint, v uint32) { ch.ctlr.regs.W32(ch.base+off, v) }

// SetIdentity records the owner/src/dest identifiers this channel is
// expected to carry. Owner, src and dest are all optional (zero); they are a
// software sanity check written into the configuration register, not a
// hardware enforcement. EBUSY while the channel is open.
func (ch *Channel) SetIdentity(owner, src, dest uint8) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.cl != nil {
		return syscall.EBUSY
	}
	ch.owner, ch.src, ch.dest = owner, src, dest
	return nil
}

func (ch *Channel) config() uint32 {
	return uint32(ch.owner)<<configOwnerShift&configOwnerMask |
		uint32(ch.src)<<configSrcShift&configSrcMask |
		uint32(ch.dest)<<configDestShift&configDestMask |
		configUnsecure
}

// claimOwner writes the configuration register and reads it back; the
// hardware keeps the first writer's value, so a mismatch means the claim
// race was lost. Write-then-verify is mandatory: success must never be
// assumed from the write alone.
func (ch *Channel) claimOwner() error {
	if ch.owner == 0 {
		return nil
	}
	want := ch.config()
	ch.w32(regConfig, want)
	if got := ch.r32(regConfig); got != want {
		log.Printf("daemon", "err",
			"mbox: instance %d: failed to claim: config %x != %x",
			ch.instance, got, want)
		return syscall.EBUSY
	}
	return nil
}

func (ch *Channel) releaseOwner() {
	// clearing owner also resets dest, a documented hardware side effect
	if ch.owner != 0 {
		ch.w32(regConfig, 0)
	}
}

// verifyConfig checks the hardware's recorded peer identifiers against this
// channel's expectation for the requested directions, whether or not we are
// the owner.
func (ch *Channel) verifyConfig(isRecv, isSend bool) error {
	if ch.src == 0 && ch.dest == 0 {
		return nil
	}
	cfg := ch.r32(regConfig)
	src := uint8((cfg & configSrcMask) >> configSrcShift)
	dest := uint8((cfg & configDestMask) >> configDestShift)
	if (isRecv && ch.dest != 0 && dest != ch.dest) ||
		(isSend && ch.src != 0 && src != ch.src) {
		log.Printf("daemon", "err",
			"mbox: instance %d: src/dest mismatch: %x/%x (expected %x/%x)",
			ch.instance, src, dest, ch.src, ch.dest)
		return syscall.EBUSY
	}
	return nil
}

// Open claims the channel for cl. At most one client holds an open channel:
// a concurrent second open, a lost ownership race, or a peer identifier
// mismatch all fail with EBUSY and leave the channel unclaimed.
func (ch *Channel) Open(cl *Client) error {
	if cl == nil || (cl.Receive == nil && cl.SendDone == nil) {
		return syscall.EINVAL
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.cl != nil {
		return syscall.EBUSY
	}
	if err := ch.claimOwner(); err != nil {
		return err
	}
	if err := ch.verifyConfig(cl.Receive != nil, cl.SendDone != nil); err != nil {
		ch.releaseOwner()
		return err
	}
	// enable only the events this client can service
	ie := ch.r32(regIntEnable)
	if cl.Receive != nil {
		ie |= intA(ch.ctlr.rcvIntIdx)
	}
	if cl.SendDone != nil {
		ie |= intB(ch.ctlr.ackIntIdx)
	}
	ch.w32(regIntEnable, ie)
	ch.cl = cl
	ch.sendInFlight = false
	return nil
}

// Close releases the channel. A message delivery racing with Close is
// detected in the service routine and dropped with a negative
// acknowledgment; the remote peer otherwise times out on its own retry.
func (ch *Channel) Close() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.cl == nil {
		return
	}
	ie := ch.r32(regIntEnable)
	ie &^= intA(ch.ctlr.rcvIntIdx)
	ie &^= intB(ch.ctlr.ackIntIdx)
	ch.w32(regIntEnable, ie)
	ch.releaseOwner()
	ch.cl = nil
	ch.sendInFlight = false
}

// Send word-copies up to DataSize bytes into the data window and raises
// event A. EAGAIN while the previous send's acknowledgment has not arrived;
// this is the only flow control, there is no queue. ENODEV on a closed
// channel, EINVAL on an oversized frame or a channel opened without send
// capability.
func (ch *Channel) Send(b []byte) error {
	if len(b) > DataSize {
		return syscall.EINVAL
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.cl == nil {
		return syscall.ENODEV
	}
	if ch.cl.SendDone == nil {
		return syscall.EINVAL
	}
	if ch.sendInFlight {
		return syscall.EAGAIN
	}
	var buf [DataSize]byte
	copy(buf[:], b)
	hw.CopyTo(ch.ctlr.regs, ch.base+regData, buf[:])
	ch.w32(regEventSet, EventA)
	ch.sendInFlight = true
	ch.txCount++
	return nil
}

// Acknowledge tells the remote sender the buffered message has been
// consumed: it writes the status word (nil result = 0 = ACK, otherwise the
// errno value = NACK) and raises event B. Invoking it with no message
// pending is harmless. ENODEV on a closed channel.
func (ch *Channel) Acknowledge(result error) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.cl == nil {
		return syscall.ENODEV
	}
	ch.ack(result)
	return nil
}

// ack emits event B with the given result status. Callers hold ch.mu.
func (ch *Channel) ack(result error) {
	var status uint32
	if result != nil {
		status = uint32(errnoOf(result))
	}
	ch.w32(regData, status)
	ch.w32(regEventSet, EventB)
}

func errnoOf(err error) syscall.Errno {
	var e syscall.Errno
	if errors.As(err, &e) {
		return e
	}
	return syscall.EIO
}
