// Copyright © 2018-2019 Information Sciences Institute. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package sysmsg binds a mailbox channel pair to the notification layer: one
// outbound channel toward the Chiplet manager and one inbound channel from
// it. It is the preferred system message transport whenever the mailbox
// hardware is up.
package sysmsg

import (
	"sync"
	"syscall"

	"github.com/ISI-apex/linux-hpsc/mbox"
	"github.com/ISI-apex/linux-hpsc/msg"
	"github.com/ISI-apex/linux-hpsc/notif"

	"github.com/platinasystems/log"
)

// Transport is a registered mailbox-backed notification endpoint.
type Transport struct {
	mu        sync.Mutex
	out, in   *mbox.Channel
	sendReady bool
	sendRC    int32
}

func (t *Transport) Name() string             { return "mailbox" }
func (t *Transport) Priority() notif.Priority { return notif.PriorityMailbox }

// Open claims both channels and registers the transport. The outbound
// channel is opened send-only and the inbound channel receive-only; inbound
// frames are acknowledged with the message processing result, so the remote
// sender learns whether its request was accepted.
func Open(out, in *mbox.Channel) (*Transport, error) {
	if out == nil || in == nil || out == in {
		return nil, syscall.EINVAL
	}
	t := &Transport{out: out, in: in, sendReady: true}
	err := out.Open(&mbox.Client{
		Name:     "sysmsg-out",
		SendDone: t.sendDone,
	})
	if err != nil {
		return nil, err
	}
	err = in.Open(&mbox.Client{
		Name:    "sysmsg-in",
		Receive: t.receive,
	})
	if err != nil {
		out.Close()
		return nil, err
	}
	if err = notif.Register(t); err != nil {
		in.Close()
		out.Close()
		return nil, err
	}
	return t, nil
}

// Close unregisters the transport and releases both channels.
func (t *Transport) Close() {
	notif.Unregister(t)
	t.mu.Lock()
	out, in := t.out, t.in
	t.out, t.in = nil, nil
	t.mu.Unlock()
	if in != nil {
		in.Close()
	}
	if out != nil {
		out.Close()
	}
}

// Send forwards one frame to the outbound channel. EAGAIN while the previous
// frame has not been acknowledged; the channel enforces the same limit, this
// check just avoids re-staging the data registers.
func (t *Transport) Send(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out == nil {
		return syscall.ENODEV
	}
	if !t.sendReady {
		return syscall.EAGAIN
	}
	if err := t.out.Send(b); err != nil {
		return err
	}
	t.sendReady = false
	return nil
}

func (t *Transport) sendDone(status int32) {
	t.mu.Lock()
	t.sendReady = true
	t.sendRC = status
	t.mu.Unlock()
	if status != 0 {
		log.Printf("daemon", "warn", "sysmsg: remote nacked message: %d",
			status)
	}
}

// receive processes one inbound frame and acknowledges it with the
// processing result.
func (t *Transport) receive(data []byte) {
	err := notif.Recv(data)
	t.mu.Lock()
	in := t.in
	t.mu.Unlock()
	if in != nil {
		in.Acknowledge(err)
	}
}

// LastStatus reports the acknowledgment status of the most recent completed
// send.
func (t *Transport) LastStatus() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendRC
}

// SendPing asks the Chiplet manager to echo id back in a pong.
func SendPing(id uint32) error {
	m := msg.NewPing(id)
	return notif.Send(m.Bytes())
}

// SendWatchdogTimeout reports an expired watchdog for the given CPU.
func SendWatchdogTimeout(cpu uint32) error {
	m := msg.NewWatchdogTimeout(cpu)
	return notif.Send(m.Bytes())
}

// SendLifecycle reports a subsystem status change with free-form detail.
func SendLifecycle(status uint32, info string) error {
	m := msg.NewLifecycle(status, info)
	return notif.Send(m.Bytes())
}
