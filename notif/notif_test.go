// Copyright © 2018-2019 Information Sciences Institute. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package notif

import (
	"errors"
	"sync"
	"syscall"
	"testing"

	"github.com/ISI-apex/linux-hpsc/msg"
)

type fakeTransport struct {
	mu       sync.Mutex
	name     string
	priority Priority
	sent     [][]byte
	fail     int // sends returning EAGAIN before succeeding
	err      error
}

func (f *fakeTransport) Name() string       { return f.name }
func (f *fakeTransport) Priority() Priority { return f.priority }

func (f *fakeTransport) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.fail > 0 {
		f.fail--
		return syscall.EAGAIN
	}
	m := make([]byte, len(b))
	copy(m, b)
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestSendNoHandlers(t *testing.T) {
	m := msg.NewPing(1)
	if err := Send(m.Bytes()); !errors.Is(err, syscall.ENODEV) {
		t.Errorf("send without handlers: got %v want ENODEV", err)
	}
}

func TestSendBadSize(t *testing.T) {
	if err := Send(make([]byte, 8)); !errors.Is(err, syscall.EINVAL) {
		t.Errorf("short frame: got %v want EINVAL", err)
	}
}

func TestRegisterDuplicatePriority(t *testing.T) {
	a := &fakeTransport{name: "mbox-a", priority: PriorityMailbox}
	b := &fakeTransport{name: "mbox-b", priority: PriorityMailbox}
	if err := Register(a); err != nil {
		t.Fatal(err)
	}
	defer Unregister(a)
	if err := Register(b); !errors.Is(err, syscall.EBUSY) {
		t.Errorf("duplicate priority: got %v want EBUSY", err)
	}
}

func TestSendPrefersMailbox(t *testing.T) {
	shm := &fakeTransport{name: "shmem", priority: PriorityShmem}
	mbx := &fakeTransport{name: "mailbox", priority: PriorityMailbox}
	for _, h := range []Handler{shm, mbx} {
		if err := Register(h); err != nil {
			t.Fatal(err)
		}
	}
	defer Unregister(shm)
	defer Unregister(mbx)

	m := msg.NewPing(2)
	if err := Send(m.Bytes()); err != nil {
		t.Fatal(err)
	}
	if mbx.sentCount() != 1 || shm.sentCount() != 0 {
		t.Errorf("send routing: mailbox %d shmem %d, want 1/0",
			mbx.sentCount(), shm.sentCount())
	}
}

func TestSendFallsBackToShmem(t *testing.T) {
	shm := &fakeTransport{name: "shmem", priority: PriorityShmem}
	if err := Register(shm); err != nil {
		t.Fatal(err)
	}
	defer Unregister(shm)

	m := msg.NewPing(3)
	if err := Send(m.Bytes()); err != nil {
		t.Fatal(err)
	}
	if shm.sentCount() != 1 {
		t.Errorf("shmem sends: got %d want 1", shm.sentCount())
	}
}

func TestSendRetriesOnEAGAIN(t *testing.T) {
	mbx := &fakeTransport{name: "mailbox", priority: PriorityMailbox, fail: 3}
	if err := Register(mbx); err != nil {
		t.Fatal(err)
	}
	defer Unregister(mbx)

	m := msg.NewPing(4)
	if err := Send(m.Bytes()); err != nil {
		t.Fatal("bounded retry should have succeeded:", err)
	}
	if mbx.sentCount() != 1 {
		t.Errorf("sends after retries: got %d want 1", mbx.sentCount())
	}
}

func TestSendRetriesExhausted(t *testing.T) {
	mbx := &fakeTransport{
		name:     "mailbox",
		priority: PriorityMailbox,
		fail:     int(Retries) + 2,
	}
	if err := Register(mbx); err != nil {
		t.Fatal(err)
	}
	defer Unregister(mbx)

	m := msg.NewPing(5)
	if err := Send(m.Bytes()); !errors.Is(err, syscall.EAGAIN) {
		t.Errorf("exhausted retries: got %v want EAGAIN", err)
	}
}

func TestSendHardFailureNotRetried(t *testing.T) {
	mbx := &fakeTransport{
		name:     "mailbox",
		priority: PriorityMailbox,
		err:      syscall.EIO,
	}
	if err := Register(mbx); err != nil {
		t.Fatal(err)
	}
	defer Unregister(mbx)

	m := msg.NewPing(6)
	if err := Send(m.Bytes()); !errors.Is(err, syscall.EIO) {
		t.Errorf("hard failure: got %v want EIO", err)
	}
}

func TestRecvPingRepliesPong(t *testing.T) {
	// the reply goes out through the priority-selected transport even
	// though the ping nominally arrived elsewhere
	mbx := &fakeTransport{name: "mailbox", priority: PriorityMailbox}
	if err := Register(mbx); err != nil {
		t.Fatal(err)
	}
	defer Unregister(mbx)

	ping := msg.NewPing(7)
	if err := Recv(ping.Bytes()); err != nil {
		t.Fatal(err)
	}
	if mbx.sentCount() != 1 {
		t.Fatalf("replies sent: got %d want 1", mbx.sentCount())
	}
	if got, want := msg.Type(mbx.sent[0][0]), msg.Pong; got != want {
		t.Errorf("reply type: got %s want %s", got, want)
	}
}

func TestRecvInvalidType(t *testing.T) {
	b := make([]byte, msg.Size)
	b[0] = byte(msg.TypeCount)
	if err := Recv(b); !errors.Is(err, syscall.EINVAL) {
		t.Errorf("invalid type: got %v want EINVAL", err)
	}
}
