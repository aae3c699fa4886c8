// Copyright © 2018-2019 Information Sciences Institute. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package fdtmbox reads the mailbox controller description from a flattened
// device tree: the register window, the two interrupt line indexes, and the
// channel assignments of nodes that reference the controller.
package fdtmbox

import (
	"fmt"
	"os"
	"syscall"

	"github.com/ISI-apex/linux-hpsc/mbox"

	"github.com/platinasystems/fdt"
)

// Compatible is the controller node's binding string.
const Compatible = "hpsc,hpsc-mbox"

// ChanConfig is one channel assignment from a client node's mboxes
// property: cell groups of <phandle instance incoming owner src dest>, named
// by the matching mbox-names entry.
type ChanConfig struct {
	Instance uint32
	Incoming bool
	Owner    uint32
	Src      uint32
	Dest     uint32
	Name     string
}

// Config is the assembled mailbox hardware description.
type Config struct {
	Reg       uint64
	Size      uint64
	RcvIntIdx uint32
	AckIntIdx uint32
	Chans     []ChanConfig
}

// mboxes property cells per channel reference
const chanCells = 6

// Load parses the device tree blob at path.
func Load(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t := &fdt.Tree{IsLittleEndian: false}
	if err = t.Parse(blob); err != nil {
		return nil, fmt.Errorf("fdtmbox: %s: %w", path, err)
	}
	return fromTree(t)
}

func fromTree(t *fdt.Tree) (*Config, error) {
	var cfg *Config
	var err error
	t.EachProperty("compatible", Compatible,
		func(n *fdt.Node, name, value string) {
			if err != nil {
				return
			}
			if cfg != nil {
				err = fmt.Errorf("fdtmbox: multiple %s nodes: %w",
					Compatible, syscall.EINVAL)
				return
			}
			cfg, err = controllerNode(t, n)
		})
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("fdtmbox: no %s node: %w",
			Compatible, syscall.ENODEV)
	}
	t.EachProperty("mboxes", "", func(n *fdt.Node, name, value string) {
		if err == nil {
			err = clientNode(t, n, cfg)
		}
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func controllerNode(t *fdt.Tree, n *fdt.Node) (*Config, error) {
	reg := t.PropUint32Slice(n.Properties["reg"])
	cfg := &Config{}
	switch len(reg) {
	case 2: // single-cell address and size
		cfg.Reg = uint64(reg[0])
		cfg.Size = uint64(reg[1])
	case 4: // two-cell address and size
		cfg.Reg = uint64(reg[0])<<32 | uint64(reg[1])
		cfg.Size = uint64(reg[2])<<32 | uint64(reg[3])
	default:
		return nil, fmt.Errorf("fdtmbox: %s: bad reg length %d: %w",
			n.Name, len(reg), syscall.EINVAL)
	}
	if cfg.Size < mbox.RegionSize {
		return nil, fmt.Errorf("fdtmbox: %s: region %#x too small: %w",
			n.Name, cfg.Size, syscall.EINVAL)
	}
	for _, p := range []struct {
		name string
		dst  *uint32
	}{
		{"interrupt-idx-rcv", &cfg.RcvIntIdx},
		{"interrupt-idx-ack", &cfg.AckIntIdx},
	} {
		v, ok := n.Properties[p.name]
		if !ok || len(v) != 4 {
			return nil, fmt.Errorf("fdtmbox: %s: missing %s: %w",
				n.Name, p.name, syscall.EINVAL)
		}
		*p.dst = t.PropUint32(v)
	}
	return cfg, nil
}

func clientNode(t *fdt.Tree, n *fdt.Node, cfg *Config) error {
	cells := t.PropUint32Slice(n.Properties["mboxes"])
	if len(cells) == 0 || len(cells)%chanCells != 0 {
		return fmt.Errorf("fdtmbox: %s: bad mboxes length %d: %w",
			n.Name, len(cells), syscall.EINVAL)
	}
	var names []string
	if v, ok := n.Properties["mbox-names"]; ok {
		names = t.PropStringSlice(v)
	}
	for i := 0; i*chanCells < len(cells); i++ {
		g := cells[i*chanCells:]
		cc := ChanConfig{
			// g[0] is the controller phandle, unused with a
			// single controller node
			Instance: g[1],
			Incoming: g[2] != 0,
			Owner:    g[3],
			Src:      g[4],
			Dest:     g[5],
		}
		if cc.Instance >= mbox.Instances {
			return fmt.Errorf("fdtmbox: %s: instance %d out of range: %w",
				n.Name, cc.Instance, syscall.EINVAL)
		}
		if i < len(names) && names[i] != "" {
			cc.Name = names[i]
		} else {
			cc.Name = fmt.Sprintf("%s-%d", n.Name, i)
		}
		cfg.Chans = append(cfg.Chans, cc)
	}
	return nil
}
