//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package passage

import (
	"net/netip"
)

// Tracking for logical "flows" of packets: TCP connections (tap or
// spliced) and ICMP echo exchanges. Flows occupy slots of a fixed table
// so the per-loop deferred scan touches close to live-entry-count slots.
//
// Free slots form "clusters": a maximal run of unused adjacent slots whose
// first slot stores the run length and the index of the next cluster.
// firstFree plus the next links form a linked list of clusters in strictly
// increasing index order. Allocation always takes the lowest free index;
// freeing happens either by immediately cancelling the latest allocation
// or during the deferred scan, which rebuilds and merges clusters as it
// walks the table in index order.

// flowType tags the variant stored in a flow table slot.
type flowType uint8

const (
	flowNone flowType = iota
	flowTCP
	flowTCPSplice
	flowPing4
	flowPing6

	flowNumTypes
)

var flowTypeStr = [flowNumTypes]string{
	flowNone:      "<none>",
	flowTCP:       "TCP connection",
	flowTCPSplice: "TCP connection (spliced)",
	flowPing4:     "ICMP ping sequence",
	flowPing6:     "ICMPv6 ping sequence",
}

func (t flowType) String() string {
	if t < flowNumTypes {
		return flowTypeStr[t]
	}
	return "?"
}

// Flow sides. Tap connections keep the socket side at 0 and the tap side
// at 1.
const (
	sockSide = 0
	tapSide  = 1
)

// flowSidx packs a flow index and a side into one word, used by the TCP
// hash index and in epoll references.
type flowSidx uint32

const sidxNone = flowSidx(^uint32(0))

func makeSidx(idx uint32, side int) flowSidx {
	return flowSidx(idx<<1 | uint32(side))
}

func (s flowSidx) flowIdx() uint32 { return uint32(s) >> 1 }
func (s flowSidx) side() int       { return int(s & 1) }

// freeCluster is the metadata stored in the first slot of a free run.
type freeCluster struct {
	n    uint32
	next uint32
}

// tcpConn is the state of a tap TCP connection; see the TCP engine for
// the field protocol.
type tcpConn struct {
	sock  int32
	timer int32

	events uint8
	flags  uint8

	inEpoll bool

	faddr netip.Addr
	eport uint16
	fport uint16

	wndFromTap uint16
	wndToTap   uint16
	wsFromTap  uint8
	wsToTap    uint8

	mss    uint16
	sndBuf uint32

	seqToTap       uint32
	seqAckFromTap  uint32
	seqFromTap     uint32
	seqAckToTap    uint32
	seqInitFromTap uint32

	seqDupAckApprox uint8
	retrans         uint8
}

// tcpSpliceConn is a namespace-to-namespace loopback TCP connection. Only
// the descriptors and teardown state live in the flow table; the data path
// is handled by the kernel sockets directly.
type tcpSpliceConn struct {
	sock0  int32
	sock1  int32
	closed bool
}

// icmpFlow is an ICMP echo exchange: one dgram ping socket per
// (destination, guest id) pair.
type icmpFlow struct {
	sock int32
	// seq is the last echo sequence sent to the socket, -1 before the
	// first request.
	seq int32
	// ts is the last tap activity, unix seconds.
	ts int64
	// id is the echo identifier as seen by the guest; the kernel rewrites
	// the on-wire id to the socket's own.
	id    uint16
	raddr netip.Addr
}

// flowEntry is one slot of the flow table: a tagged union of the variants
// above plus the free-cluster metadata.
type flowEntry struct {
	kind flowType

	free   freeCluster
	tcp    tcpConn
	splice tcpSpliceConn
	ping   icmpFlow
}

// flowTable is the fixed array of flow slots plus the free-cluster list
// head and the hash index for keyed TCP lookups.
type flowTable struct {
	entries   []flowEntry
	firstFree uint32

	hash   []flowSidx
	secret [2]uint64
}

// hashTableLoad is the maximum fill of the hash index, in percent.
const hashTableLoad = 70

func newFlowTable(max int, secret [2]uint64) *flowTable {
	t := &flowTable{
		entries:   make([]flowEntry, max),
		firstFree: 0,
		hash:      make([]flowSidx, max*100/hashTableLoad),
		secret:    secret,
	}
	t.entries[0].free = freeCluster{n: uint32(max), next: uint32(max)}
	for i := range t.hash {
		t.hash[i] = sidxNone
	}
	return t
}

func (t *flowTable) max() uint32 {
	return uint32(len(t.entries))
}

func (t *flowTable) at(idx uint32) *flowEntry {
	return &t.entries[idx]
}

// atSidx returns the entry for a side index, or nil if the slot is free
// or out of range.
func (t *flowTable) atSidx(s flowSidx) *flowEntry {
	if s == sidxNone || s.flowIdx() >= t.max() {
		return nil
	}
	e := &t.entries[s.flowIdx()]
	if e.kind == flowNone {
		return nil
	}
	return e
}

// alloc returns the lowest-index free slot and its index, or nil if the
// table is full. The slot must either be written (given a type) before
// the loop runs again, or released with allocCancel.
func (t *flowTable) alloc() (*flowEntry, uint32) {
	if t.firstFree >= t.max() {
		return nil, 0
	}
	idx := t.firstFree
	flow := &t.entries[idx]

	if flow.kind != flowNone || flow.free.n < 1 ||
		t.firstFree+flow.free.n > t.max() {
		panic("flow table free cluster corrupt")
	}

	if flow.free.n > 1 {
		// Use one entry from the cluster.
		next := &t.entries[t.firstFree+1]
		next.free.n = flow.free.n - 1
		next.free.next = flow.free.next
		t.firstFree++
	} else {
		// Use the entire cluster.
		t.firstFree = flow.free.next
	}

	*flow = flowEntry{}
	return flow, idx
}

// allocCancel releases the most recent allocation. It must not be called
// once the loop has run with the entry live.
func (t *flowTable) allocCancel(idx uint32) {
	flow := &t.entries[idx]
	if t.firstFree <= idx {
		panic("flow table: cancel of a non-latest allocation")
	}
	// Put it back as a length-1 cluster; the next deferred scan folds
	// adjacent clusters together.
	flow.kind = flowNone
	flow.free.n = 1
	flow.free.next = t.firstFree
	t.firstFree = idx
}

// activeCount returns the number of live (non-free) entries; scan helper
// for tests and diagnostics.
func (t *flowTable) activeCount() int {
	n := 0
	for i := 0; i < len(t.entries); {
		e := &t.entries[i]
		if e.kind == flowNone {
			i += int(e.free.n)
			continue
		}
		n++
		i++
	}
	return n
}

// flowDeferHandler runs the per-flow deferred pass: it merges free
// clusters while scanning, asks each variant whether it can be retired,
// and fires the coarse per-flow timers at most once per flowTimerInterval.
func (c *Context) flowDeferHandler() {
	t := c.flows

	timer := false
	if c.now.Sub(c.flowTimerRun) >= flowTimerInterval {
		timer = true
		c.flowTimerRun = c.now
	}

	var freeHead *flowEntry
	lastNext := &t.firstFree

	for idx := uint32(0); idx < t.max(); idx++ {
		flow := &t.entries[idx]

		if flow.kind == flowNone {
			skip := flow.free.n
			if skip == 0 {
				panic("flow table: free cluster head with zero length")
			}

			if freeHead != nil {
				// Merge into the preceding free cluster.
				freeHead.free.n += flow.free.n
				flow.free = freeCluster{}
			} else {
				// New free cluster, add to the chain.
				freeHead = flow
				*lastNext = idx
				lastNext = &freeHead.free.next
			}

			idx += skip - 1
			continue
		}

		closed := false
		switch flow.kind {
		case flowTCP:
			closed = c.tcpFlowDefer(flow)
		case flowTCPSplice:
			closed = c.tcpSpliceFlowDefer(flow)
		case flowPing4, flowPing6:
			if timer {
				closed = c.icmpPingTimer(flow)
			}
		}

		if closed {
			c.flowEnd(flow, idx)

			if freeHead != nil {
				// Append to the current free cluster.
				freeHead.free.n++
				flow.free = freeCluster{}
			} else {
				freeHead = flow
				flow.free = freeCluster{n: 1}
				*lastNext = idx
				lastNext = &freeHead.free.next
			}
		} else {
			freeHead = nil
		}
	}

	*lastNext = t.max()
}

// flowEnd clears a retiring flow's type and releases its id-map entry.
func (c *Context) flowEnd(flow *flowEntry, idx uint32) {
	switch flow.kind {
	case flowPing4:
		c.icmp.release(v4, flow.ping.id, idx)
	case flowPing6:
		c.icmp.release(v6, flow.ping.id, idx)
	}
	c.logger.Debug("Flow ended",
		"flow", idx, "type", flow.kind.String())
	flow.kind = flowNone
}
