// Copyright © 2018-2019 Information Sciences Institute. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package mbox

import (
	"fmt"
	"io"
	"sync/atomic"
	"syscall"
	"text/tabwriter"

	"github.com/ISI-apex/linux-hpsc/hw"

	"github.com/platinasystems/log"
)

// RcvInterrupt services the block's new-message interrupt line: every
// instance with event A raised and enabled on our line gets its buffered
// frame delivered. Returns the number of events serviced.
func (c *Controller) RcvInterrupt() (nInt uint) {
	atomic.AddUint64(&c.rcvIntCount, 1)
	for i := range c.chans {
		nInt += c.chans[i].service(EventA, intA(c.rcvIntIdx))
	}
	return
}

// AckInterrupt services the acknowledgment interrupt line: event B.
func (c *Controller) AckInterrupt() (nInt uint) {
	atomic.AddUint64(&c.ackIntCount, 1)
	for i := range c.chans {
		nInt += c.chans[i].service(EventB, intB(c.ackIntIdx))
	}
	return
}

// service handles one event type on one instance. An event whose interrupt
// is not enabled on our line belongs to somebody else: it is skipped without
// clearing, so the cause bit stays visible to its real owner.
func (ch *Channel) service(event, enableBit uint32) uint {
	if ch.r32(regEventCause)&event == 0 {
		return 0
	}
	if ch.r32(regIntEnable)&enableBit == 0 {
		return 0
	}
	switch event {
	case EventA:
		ch.rcvEvent()
	case EventB:
		ch.ackEvent()
	}
	return 1
}

// rcvEvent drains one inbound frame and delivers it. The client callback
// runs after the channel lock is dropped so it may call Acknowledge.
func (ch *Channel) rcvEvent() {
	ch.mu.Lock()
	cl := ch.cl
	if cl == nil || cl.Receive == nil {
		// closed (or send-only) while a message was in transit; the
		// sender is told rather than left to time out
		ch.w32(regEventClear, EventA)
		ch.ack(syscall.EPIPE)
		ch.dropCount++
		ch.mu.Unlock()
		log.Printf("daemon", "warn",
			"mbox: instance %d: dropped message on unclaimed channel",
			ch.instance)
		return
	}
	buf := make([]byte, DataSize)
	hw.CopyFrom(ch.ctlr.regs, ch.base+regData, buf)
	ch.w32(regEventClear, EventA)
	ch.rxCount++
	ch.mu.Unlock()
	cl.Receive(buf)
}

// ackEvent reads the status word the receiver left in the first data
// register, clears event B, and completes the outstanding send.
func (ch *Channel) ackEvent() {
	ch.mu.Lock()
	cl := ch.cl
	if cl == nil || cl.SendDone == nil {
		ch.w32(regEventClear, EventB)
		ch.mu.Unlock()
		return
	}
	status := int32(ch.r32(regData))
	ch.w32(regEventClear, EventB)
	ch.sendInFlight = false
	ch.ackCount++
	ch.mu.Unlock()
	cl.SendDone(status)
}

// IntCounts reports how many times each interrupt line has been serviced.
// Safe to call concurrently with the service routines.
func (c *Controller) IntCounts() (rcv, ack uint64) {
	return atomic.LoadUint64(&c.rcvIntCount),
		atomic.LoadUint64(&c.ackIntCount)
}

// Stats reports the channel's event counts.
func (ch *Channel) Stats() (rx, tx, ack, drop uint64) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.rxCount, ch.txCount, ch.ackCount, ch.dropCount
}

// WriteSummary reports per-channel event counts for channels that saw any
// traffic, plus the interrupt line totals.
func (c *Controller) WriteSummary(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "Channel\tClient\tRx\tTx\tAck\tDropped")
	for i := range c.chans {
		ch := &c.chans[i]
		ch.mu.Lock()
		name := ""
		if ch.cl != nil {
			name = ch.cl.Name
		}
		rx, tx, ack, drop := ch.rxCount, ch.txCount, ch.ackCount, ch.dropCount
		ch.mu.Unlock()
		if rx|tx|ack|drop == 0 && name == "" {
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\n",
			ch.instance, name, rx, tx, ack, drop)
	}
	rcv, ack := c.IntCounts()
	fmt.Fprintf(tw, "Interrupts\t\t%d\t\t%d\t\n", rcv, ack)
	tw.Flush()
}
