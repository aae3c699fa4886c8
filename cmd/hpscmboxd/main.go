// Copyright © 2018-2019 Information Sciences Institute. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// hpscmboxd is the subsystem-side mailbox daemon: it maps the mailbox IP
// block, services its interrupt lines through uio, binds the system message
// channel pair toward the Chiplet manager, and exposes the remaining
// channels to local clients over an rpc socket.
package main

import (
	"fmt"
	"net/rpc"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ISI-apex/linux-hpsc/fdtmbox"
	"github.com/ISI-apex/linux-hpsc/hw"
	"github.com/ISI-apex/linux-hpsc/mbox"
	"github.com/ISI-apex/linux-hpsc/mboxdev"
	"github.com/ISI-apex/linux-hpsc/msg"
	"github.com/ISI-apex/linux-hpsc/shmem"
	"github.com/ISI-apex/linux-hpsc/sysmsg"
	"github.com/ISI-apex/linux-hpsc/uio"

	"github.com/platinasystems/atsock"
	"github.com/platinasystems/flags"
	"github.com/platinasystems/log"
	"github.com/platinasystems/parms"
	"github.com/platinasystems/redis/publisher"
	uuid "github.com/satori/go.uuid"
)

const sockName = "hpscmboxd"

// channel pair reserved for system messages
const (
	sysOutName = "out"
	sysInName  = "in"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Print("daemon", "err", "hpscmboxd: ", err)
		fmt.Fprintln(os.Stderr, "hpscmboxd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flag, args := flags.New(args, "-pub", "-shm")
	parm, args := parms.New(args, "-dtb", "-mem", "-rcv-uio", "-ack-uio",
		"-shm-in", "-shm-out", "-interval")
	if len(args) > 0 {
		return fmt.Errorf("%v: unexpected arguments", args)
	}
	for k, v := range map[string]string{
		"-dtb":     "/boot/linux.dtb",
		"-mem":     "/dev/mem",
		"-rcv-uio": "/dev/uio0",
		"-ack-uio": "/dev/uio1",
		"-shm-in":  "/dev/shm/hpsc-notif-in",
		"-shm-out": "/dev/shm/hpsc-notif-out",
	} {
		if parm.ByName[k] == "" {
			parm.ByName[k] = v
		}
	}

	cfg, err := fdtmbox.Load(parm.ByName["-dtb"])
	if err != nil {
		return err
	}
	regs, err := hw.MapDevMem(parm.ByName["-mem"], int64(cfg.Reg),
		int(cfg.Size))
	if err != nil {
		return err
	}
	defer regs.Close()
	ctlr, err := mbox.New(regs, uint(cfg.RcvIntIdx), uint(cfg.AckIntIdx))
	if err != nil {
		return err
	}
	for _, cc := range cfg.Chans {
		ch := ctlr.Chan(uint(cc.Instance))
		err = ch.SetIdentity(uint8(cc.Owner), uint8(cc.Src),
			uint8(cc.Dest))
		if err != nil {
			return fmt.Errorf("channel %s: %w", cc.Name, err)
		}
	}

	// the service loops must be joined before the deferred regs.Close
	// unmaps the register window under a mid-scan isr
	stop := make(chan struct{})
	var wg sync.WaitGroup
	var stopOnce sync.Once
	defer func() {
		stopOnce.Do(func() { close(stop) })
		wg.Wait()
	}()
	if err = serviceInterrupts(parm, ctlr, stop, &wg); err != nil {
		return err
	}

	sys, devs, err := bindChannels(ctlr, cfg)
	if err != nil {
		return err
	}
	defer sys.Close()
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()

	if flag.ByName["-shm"] {
		tr, err := openShmem(parm)
		if err != nil {
			return err
		}
		defer tr.Close()
	}

	srvr, err := atsock.NewRpcServer(sockName)
	if err != nil {
		return err
	}
	defer srvr.Close()
	if err = rpc.Register(NewMboxSvc(devs)); err != nil {
		return err
	}

	if flag.ByName["-pub"] {
		go publish(ctlr, stop)
	}

	err = sysmsg.SendLifecycle(msg.LifecycleUp,
		"hpscmboxd "+uuid.NewV4().String())
	if err != nil {
		log.Print("daemon", "warn", "hpscmboxd: lifecycle up: ", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Print("daemon", "info", "hpscmboxd: ", s, ": shutting down")
	if err = sysmsg.SendLifecycle(msg.LifecycleDown, "hpscmboxd"); err != nil {
		log.Print("daemon", "warn", "hpscmboxd: lifecycle down: ", err)
	}
	stopOnce.Do(func() { close(stop) })
	return nil
}

// serviceInterrupts opens both uio lines and runs one service loop per line,
// tracked on wg so shutdown can join them.
func serviceInterrupts(parm *parms.Parms, ctlr *mbox.Controller,
	stop chan struct{}, wg *sync.WaitGroup) error {
	for _, l := range []struct {
		parm string
		isr  func() uint
	}{
		{"-rcv-uio", ctlr.RcvInterrupt},
		{"-ack-uio", ctlr.AckInterrupt},
	} {
		line, err := uio.Open(parm.ByName[l.parm])
		if err != nil {
			return err
		}
		isr := l.isr
		wg.Add(2)
		go func() {
			defer wg.Done()
			line.Loop(stop, func() { isr() })
		}()
		go func() {
			defer wg.Done()
			<-stop
			line.Close()
		}()
	}
	return nil
}

// bindChannels reserves the system message pair and wraps every other
// configured channel as a device endpoint.
func bindChannels(ctlr *mbox.Controller, cfg *fdtmbox.Config) (
	*sysmsg.Transport, map[string]*mboxdev.Dev, error) {
	var sysOut, sysIn *mbox.Channel
	devs := make(map[string]*mboxdev.Dev)
	for _, cc := range cfg.Chans {
		ch := ctlr.Chan(uint(cc.Instance))
		switch {
		case cc.Name == sysOutName,
			sysOut == nil && cc.Instance == 0 && !cc.Incoming:
			sysOut = ch
		case cc.Name == sysInName,
			sysIn == nil && cc.Instance == 1 && cc.Incoming:
			sysIn = ch
		default:
			devs[cc.Name] = mboxdev.New(ch, cc.Name, cc.Incoming)
		}
	}
	if sysOut == nil || sysIn == nil {
		return nil, nil, fmt.Errorf(
			"device tree lacks %q/%q channels: %w",
			sysOutName, sysInName, syscall.ENODEV)
	}
	sys, err := sysmsg.Open(sysOut, sysIn)
	if err != nil {
		return nil, nil, err
	}
	for name, d := range devs {
		if err = d.Open(); err != nil {
			sys.Close()
			return nil, nil, fmt.Errorf("channel %s: %w", name, err)
		}
	}
	return sys, devs, nil
}

func openShmem(parm *parms.Parms) (*shmem.Transport, error) {
	interval := shmem.DefaultInterval
	if s := parm.ByName["-interval"]; s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, err
		}
		interval = d
	}
	out, err := hw.MapFile(parm.ByName["-shm-out"], shmem.RegionSize)
	if err != nil {
		return nil, err
	}
	in, err := hw.MapFile(parm.ByName["-shm-in"], shmem.RegionSize)
	if err != nil {
		out.Close()
		return nil, err
	}
	tr, err := shmem.New(out, in, interval)
	if err == nil {
		err = tr.Open()
	}
	if err != nil {
		in.Close()
		out.Close()
		return nil, err
	}
	return tr, nil
}

// publish mirrors interrupt and channel counters into the redis hash the
// way the other platform daemons do.
func publish(ctlr *mbox.Controller, stop chan struct{}) {
	pub, err := publisher.New()
	if err != nil {
		log.Print("daemon", "err", "hpscmboxd: publisher: ", err)
		return
	}
	defer pub.Close()
	last := make(map[string]uint64)
	put := func(k string, v uint64) {
		if last[k] != v {
			pub.Print(k, ": ", v)
			last[k] = v
		}
	}
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			rcv, ack := ctlr.IntCounts()
			put("hpsc.mbox.interrupts.rcv", rcv)
			put("hpsc.mbox.interrupts.ack", ack)
			for i := uint(0); i < mbox.Instances; i++ {
				rx, tx, ack, drop := ctlr.Chan(i).Stats()
				if rx|tx|ack|drop == 0 {
					continue
				}
				k := fmt.Sprintf("hpsc.mbox.%d.", i)
				put(k+"rx", rx)
				put(k+"tx", tx)
				put(k+"ack", ack)
				put(k+"drop", drop)
			}
		}
	}
}
