// Copyright © 2018-2019 Information Sciences Institute. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package msg implements the fixed-format system message protocol exchanged
// with the Chiplet manager. Every frame is exactly Size bytes: byte 0 is the
// type tag, bytes 1-3 are reserved, the payload starts at byte 4. The type
// enumeration and frame size must agree exactly on both chiplets; there is no
// negotiation.
package msg

import (
	"encoding/binary"
	"fmt"
	"sync"
	"syscall"

	"github.com/platinasystems/log"
)

const (
	Size          = 64
	payloadOffset = 4
	PayloadSize   = Size - payloadOffset
)

type Type uint8

const (
	// Nop is zero so empty frames are recognizable.
	Nop Type = iota
	Ping
	Pong
	ReadValue
	WriteStatus
	ReadFile
	WriteFile
	ReadProp
	WriteProp
	ReadAddr
	WriteAddr
	WatchdogTimeout
	Fault
	Action
	Lifecycle
	TypeCount
)

var typeNames = [TypeCount]string{
	Nop:             "nop",
	Ping:            "ping",
	Pong:            "pong",
	ReadValue:       "read-value",
	WriteStatus:     "write-status",
	ReadFile:        "read-file",
	WriteFile:       "write-file",
	ReadProp:        "read-prop",
	WriteProp:       "write-prop",
	ReadAddr:        "read-addr",
	WriteAddr:       "write-addr",
	WatchdogTimeout: "watchdog-timeout",
	Fault:           "fault",
	Action:          "action",
	Lifecycle:       "lifecycle",
}

func (t Type) String() string {
	if t < TypeCount {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Lifecycle payload status codes, first payload word.
const (
	LifecycleUp uint32 = iota
	LifecycleDown
)

// Message is one wire frame.
type Message [Size]byte

// New builds a frame of the given type. EINVAL if the payload does not fit
// or the type is out of range.
func New(t Type, payload []byte) (Message, error) {
	var m Message
	if t >= TypeCount || len(payload) > PayloadSize {
		return m, syscall.EINVAL
	}
	m[0] = byte(t)
	copy(m[payloadOffset:], payload)
	return m, nil
}

func (m *Message) Type() Type      { return Type(m[0]) }
func (m *Message) Payload() []byte { return m[payloadOffset:] }
func (m *Message) Bytes() []byte   { return m[:] }

// NewPing builds a ping frame; the payload carries the caller's ping id,
// echoed back in the pong.
func NewPing(id uint32) Message {
	var m Message
	m[0] = byte(Ping)
	binary.LittleEndian.PutUint32(m.Payload(), id)
	return m
}

// NewWatchdogTimeout reports the CPU whose watchdog missed its deadline.
func NewWatchdogTimeout(cpu uint32) Message {
	var m Message
	m[0] = byte(WatchdogTimeout)
	binary.LittleEndian.PutUint32(m.Payload(), cpu)
	return m
}

// NewLifecycle carries an up/down status word and a short free-text
// diagnostic. The text is truncated to fit the frame.
func NewLifecycle(status uint32, info string) Message {
	var m Message
	m[0] = byte(Lifecycle)
	binary.LittleEndian.PutUint32(m.Payload(), status)
	copy(m.Payload()[4:], info)
	return m
}

// Handler processes one inbound frame and may return a synchronous reply.
type Handler func(m *Message) (reply *Message, err error)

var (
	mu       sync.Mutex
	handlers [TypeCount]Handler
)

func init() {
	handlers[Nop] = handleNop
	handlers[Ping] = handlePing
	handlers[Pong] = handlePong
}

// SetHandler installs a handler for a message type, displacing the default.
// A nil handler restores log-and-drop.
func SetHandler(t Type, h Handler) error {
	if t >= TypeCount {
		return syscall.EINVAL
	}
	mu.Lock()
	handlers[t] = h
	mu.Unlock()
	return nil
}

// Process dispatches one received frame by type tag. The returned reply, if
// any, must be sent back by the caller. Frames of the wrong size or with a
// tag outside the type table fail with EINVAL and are not processed.
func Process(b []byte) (*Message, error) {
	if len(b) != Size {
		log.Print("daemon", "err", "msg: bad frame size: ", len(b))
		return nil, syscall.EINVAL
	}
	t := Type(b[0])
	if t >= TypeCount {
		log.Print("daemon", "err", "msg: invalid message type: ", uint8(t))
		return nil, syscall.EINVAL
	}
	var m Message
	copy(m[:], b)
	mu.Lock()
	h := handlers[t]
	mu.Unlock()
	if h == nil {
		return handleDrop(&m)
	}
	return h(&m)
}

func handleNop(m *Message) (*Message, error) {
	log.Print("daemon", "info", "msg: received nop")
	return nil, nil
}

func handlePing(m *Message) (*Message, error) {
	log.Print("daemon", "info", "msg: received ping, replying with pong")
	r := *m
	r[0] = byte(Pong)
	return &r, nil
}

func handlePong(m *Message) (*Message, error) {
	log.Print("daemon", "info", "msg: received pong")
	return nil, nil
}

func handleDrop(m *Message) (*Message, error) {
	log.Printf("daemon", "warn", "msg: unsupported message type %s: % x",
		m.Type(), m.Bytes())
	return nil, nil
}
