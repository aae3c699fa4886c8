// Copyright © 2018-2019 Information Sciences Institute. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package uio waits on hardware interrupts through the kernel's userspace
// I/O driver: a blocking 4-byte read of /dev/uioN returns the interrupt
// count, and writing 1 re-enables the line for the next one.
package uio

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/platinasystems/log"
)

// Line is one open userspace interrupt device.
type Line struct {
	f    *os.File
	name string
}

func Open(path string) (*Line, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Line{f: f, name: path}, nil
}

func (l *Line) Name() string { return l.name }

// Close unblocks a pending Wait.
func (l *Line) Close() error { return l.f.Close() }

// Enable re-arms the interrupt. Not every binding requires it; a write
// failure is reported but not fatal.
func (l *Line) Enable() error {
	var one [4]byte
	binary.LittleEndian.PutUint32(one[:], 1)
	_, err := l.f.Write(one[:])
	return err
}

// Wait blocks until the next interrupt and returns the line's total count.
func (l *Line) Wait() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(l.f, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Loop services interrupts until the line is closed or stop is closed: each
// wakeup re-arms the line and runs isr. A re-arm failure is logged on first
// occurrence; some bindings do not require the write.
func (l *Line) Loop(stop <-chan struct{}, isr func()) {
	var warned bool
	enable := func() {
		if err := l.Enable(); err != nil && !warned {
			warned = true
			log.Print("daemon", "warn",
				"uio: ", l.name, ": enable: ", err)
		}
	}
	enable()
	for {
		if _, err := l.Wait(); err != nil {
			select {
			case <-stop:
			default:
				log.Print("daemon", "err",
					"uio: ", l.name, ": wait: ", err)
			}
			return
		}
		select {
		case <-stop:
			return
		default:
		}
		isr()
		enable()
	}
}
