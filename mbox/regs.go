// Copyright © 2018-2019 Information Sciences Institute. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

package mbox

// Per-instance register block, bit-exact to the mailbox IP.
const (
	regConfig      = 0x00
	regEventCause  = 0x04 // read side
	regEventClear  = 0x04 // write-1-to-clear, aliased with cause
	regEventStatus = 0x08 // read side
	regEventSet    = 0x08 // write-1-to-set, aliased with status
	regIntEnable   = 0x0c
	regData        = 0x10
)

const (
	configUnsecure   = 0x1
	configOwnerShift = 8
	configOwnerMask  = 0x0000ff00
	configSrcShift   = 16
	configSrcMask    = 0x00ff0000
	configDestShift  = 24
	configDestMask   = 0xff000000
)

// Two logical events per instance: A is raised by a sender when a new
// message is in the data window, B is raised by the receiver once the
// message has been consumed (the acknowledgment).
const (
	EventA = 0x1
	EventB = 0x2
)

// Either event from any instance can be mapped to any of the IP block's
// interrupt lines; the index assignment is a probe-time property.
func intA(idx uint) uint32 { return 1 << (2 * idx) }
func intB(idx uint) uint32 { return 1 << (2*idx + 1) }

const (
	// DataRegs 32-bit words of payload window per instance.
	DataRegs = 16
	DataSize = DataRegs * 4

	// Instances per IP block, each with its own register region.
	Instances      = 32
	InstanceRegion = 0x10000

	// RegionSize is the mapping size required for one IP block.
	RegionSize = Instances * InstanceRegion

	maxIntIdx = 15 // 2*idx+1 must fit a 32-bit enable register
)
