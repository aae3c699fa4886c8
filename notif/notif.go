// Copyright © 2018-2019 Information Sciences Institute. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package notif multiplexes system message exchange with the Chiplet manager
// over whichever transports are currently registered. Transports register at
// a fixed priority; Send always hands the frame to the highest-priority
// registered transport, so transports can be added, removed, or reconfigured
// while this API stays available.
//
// Send and Recv may run from interrupt service paths. The registry lock is
// held across the transport's Send call, so transport Send implementations
// must be non-blocking best-effort: return EAGAIN when their single
// in-flight message slot is occupied, and never call back into this package.
package notif

import (
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/ISI-apex/linux-hpsc/msg"

	"github.com/jpillora/backoff"
	"github.com/platinasystems/log"
)

// Priority orders transports; higher values are attempted first.
type Priority int

const (
	PriorityShmem Priority = iota
	PriorityMailbox
	priorityCount
)

// Handler is one registered transport back-end.
type Handler interface {
	Name() string
	Priority() Priority
	// Send must not block and must not re-enter this package.
	Send(b []byte) error
}

// Bounded retry policy for transports that report EAGAIN because the
// previous message has not yet been acknowledged. The delay is a short
// busy-wait, not a sleep-until-event: the send path may be atomic.
var (
	Retries    uint = 10
	RetryDelay      = 100 * time.Microsecond
)

var (
	mu       sync.Mutex
	handlers [priorityCount]Handler
)

// Register installs a transport at its priority slot. EBUSY if a transport
// of that priority is already registered.
func Register(h Handler) error {
	if h == nil || h.Priority() < 0 || h.Priority() >= priorityCount {
		return syscall.EINVAL
	}
	log.Print("daemon", "info", "notif: registering handler: ", h.Name())
	mu.Lock()
	defer mu.Unlock()
	if handlers[h.Priority()] != nil {
		return syscall.EBUSY
	}
	handlers[h.Priority()] = h
	return nil
}

// Unregister removes a transport. Removing a transport that is not
// registered is a no-op.
func Unregister(h Handler) {
	if h == nil || h.Priority() < 0 || h.Priority() >= priorityCount {
		return
	}
	log.Print("daemon", "info", "notif: unregistering handler: ", h.Name())
	mu.Lock()
	if handlers[h.Priority()] == h {
		handlers[h.Priority()] = nil
	}
	mu.Unlock()
}

func send(b []byte) error {
	mu.Lock()
	defer mu.Unlock()
	for p := priorityCount - 1; p >= 0; p-- {
		if h := handlers[p]; h != nil {
			return h.Send(b)
		}
	}
	log.Print("daemon", "err", "notif: send: no handlers available")
	return syscall.ENODEV
}

// Send delivers one frame to the peer through the preferred transport,
// retrying a bounded number of times while the transport reports EAGAIN.
func Send(b []byte) error {
	if len(b) != msg.Size {
		return syscall.EINVAL
	}
	d := &backoff.Backoff{
		Min:    RetryDelay,
		Max:    RetryDelay,
		Factor: 1,
	}
	var err error
	for try := uint(0); try <= Retries; try++ {
		err = send(b)
		if !errors.Is(err, syscall.EAGAIN) {
			return err
		}
		if try < Retries {
			time.Sleep(d.Duration())
		}
	}
	log.Print("daemon", "err", "notif: send: retries exhausted")
	return err
}

// Recv is called by transports with each inbound frame. It runs without the
// registry lock so message processing may synchronously Send a reply (or new
// messages) without self-deadlock.
func Recv(b []byte) error {
	reply, err := msg.Process(b)
	if err != nil {
		return err
	}
	if reply != nil {
		if err = Send(reply.Bytes()); err != nil {
			log.Print("daemon", "err", "notif: sending response failed: ", err)
			return err
		}
	}
	return nil
}
