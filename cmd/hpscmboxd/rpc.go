// Copyright © 2018-2019 Information Sciences Institute. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package main

import (
	"syscall"

	"github.com/ISI-apex/linux-hpsc/mbox"
	"github.com/ISI-apex/linux-hpsc/mboxdev"
)

// MboxSvc serves the non-system channels to local clients over the daemon's
// rpc socket. The calls mirror the device endpoints: non-blocking, EAGAIN
// when the client should poll and come back.
type MboxSvc struct {
	devs map[string]*mboxdev.Dev
}

func NewMboxSvc(devs map[string]*mboxdev.Dev) *MboxSvc {
	return &MboxSvc{devs: devs}
}

func (s *MboxSvc) dev(name string) (*mboxdev.Dev, error) {
	d, ok := s.devs[name]
	if !ok {
		return nil, syscall.ENODEV
	}
	return d, nil
}

type WriteReq struct {
	Name string
	Data []byte
}

func (s *MboxSvc) Write(req *WriteReq, n *int) error {
	d, err := s.dev(req.Name)
	if err != nil {
		return err
	}
	*n, err = d.Write(req.Data)
	return err
}

type ReadReq struct {
	Name string
}

type ReadReply struct {
	Data []byte
}

func (s *MboxSvc) Read(req *ReadReq, reply *ReadReply) error {
	d, err := s.dev(req.Name)
	if err != nil {
		return err
	}
	buf := make([]byte, mbox.DataSize)
	n, err := d.Read(buf)
	if err != nil {
		return err
	}
	reply.Data = buf[:n]
	return nil
}

type PollReply struct {
	Readable bool
	Writable bool
}

func (s *MboxSvc) Poll(req *ReadReq, reply *PollReply) error {
	d, err := s.dev(req.Name)
	if err != nil {
		return err
	}
	reply.Readable, reply.Writable = d.Poll()
	return nil
}
