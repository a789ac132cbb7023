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
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

const testFlowMax = 32

func newTestContext(t *testing.T) *Context {
	t.Helper()

	return &Context{
		logger: slogt.New(t),
		flows:  newFlowTable(testFlowMax, [2]uint64{0x0123456789abcdef, 0xfedcba9876543210}),
		now:    time.Now(),
	}
}

// checkFreeChain verifies the free-cluster invariants: strictly
// increasing chain terminating at the table size, cluster bounds inside
// the table, and free plus active slots accounting for every entry.
func checkFreeChain(t *testing.T, tab *flowTable) {
	t.Helper()

	freeTotal := uint32(0)
	prev := int64(-1)
	idx := tab.firstFree

	for idx != tab.max() {
		require.Less(t, idx, tab.max())
		require.Greater(t, int64(idx), prev, "free cluster indices must strictly increase")

		e := tab.at(idx)
		require.Equal(t, flowNone, e.kind)
		require.GreaterOrEqual(t, e.free.n, uint32(1))
		require.LessOrEqual(t, idx+e.free.n, tab.max())

		freeTotal += e.free.n
		prev = int64(idx)
		idx = e.free.next
	}

	require.Equal(t, int(tab.max()), int(freeTotal)+tab.activeCount())
}

// allocTCP allocates a flow and marks it as an open TCP connection that
// the deferred scan will keep.
func allocTCP(t *testing.T, tab *flowTable) uint32 {
	t.Helper()

	flow, idx := tab.alloc()
	require.NotNil(t, flow)
	flow.kind = flowTCP
	flow.tcp = tcpConn{sock: -1, timer: -1, events: eventEstablished}
	return idx
}

func TestFlowTableAlloc(t *testing.T) {
	c := newTestContext(t)
	tab := c.flows

	t.Run("SequentialLowestIndex", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			idx := allocTCP(t, tab)
			require.Equal(t, uint32(i), idx)
		}
		require.Equal(t, 5, tab.activeCount())
	})

	t.Run("CancelRestoresHead", func(t *testing.T) {
		flow, idx := tab.alloc()
		require.NotNil(t, flow)
		tab.allocCancel(idx)

		again, idx2 := tab.alloc()
		require.NotNil(t, again)
		require.Equal(t, idx, idx2)
		tab.allocCancel(idx2)

		c.flowDeferHandler()
		checkFreeChain(t, tab)
	})

	t.Run("Exhaustion", func(t *testing.T) {
		tab := newFlowTable(4, [2]uint64{1, 2})
		for i := 0; i < 4; i++ {
			flow, _ := tab.alloc()
			require.NotNil(t, flow)
			flow.kind = flowTCP
			flow.tcp = tcpConn{sock: -1, timer: -1, events: eventEstablished}
		}
		flow, _ := tab.alloc()
		require.Nil(t, flow)
	})
}

func TestFlowTableDeferredGC(t *testing.T) {
	c := newTestContext(t)
	tab := c.flows

	// Allocate flows A..E, close B and D, run the deferred pass.
	var idx [5]uint32
	for i := range idx {
		idx[i] = allocTCP(t, tab)
	}

	tab.at(idx[1]).tcp.events = eventClosed
	tab.at(idx[3]).tcp.events = eventClosed

	c.flowDeferHandler()
	checkFreeChain(t, tab)

	require.Equal(t, 3, tab.activeCount())

	// The chain is [B, D, tail]: B is the new head and the next
	// allocation returns it.
	require.Equal(t, idx[1], tab.firstFree)
	require.Equal(t, idx[3], tab.at(idx[1]).free.next)
	require.Equal(t, idx[4]+1, tab.at(idx[3]).free.next)

	reused := allocTCP(t, tab)
	require.Equal(t, idx[1], reused)
}

func TestFlowTableClusterMerge(t *testing.T) {
	c := newTestContext(t)
	tab := c.flows

	var idx [6]uint32
	for i := range idx {
		idx[i] = allocTCP(t, tab)
	}

	// Close an adjacent run; the scan must merge it into one cluster.
	tab.at(idx[1]).tcp.events = eventClosed
	tab.at(idx[2]).tcp.events = eventClosed
	tab.at(idx[3]).tcp.events = eventClosed

	c.flowDeferHandler()
	checkFreeChain(t, tab)

	head := tab.at(idx[1])
	require.Equal(t, uint32(3), head.free.n)
	require.Equal(t, uint32(0), tab.at(idx[2]).free.n)
	require.Equal(t, uint32(0), tab.at(idx[3]).free.n)
}

func TestFlowTableRandomChurn(t *testing.T) {
	c := newTestContext(t)
	tab := c.flows

	// A deterministic pseudo-random churn of allocations and closures;
	// the invariants must hold after every deferred pass.
	state := uint32(12345)
	next := func() uint32 {
		state = state*1664525 + 1013904223
		return state
	}

	live := map[uint32]bool{}
	for round := 0; round < 50; round++ {
		for i := 0; i < int(next()%8); i++ {
			flow, idx := tab.alloc()
			if flow == nil {
				break
			}
			flow.kind = flowTCP
			flow.tcp = tcpConn{sock: -1, timer: -1, events: eventEstablished}
			live[idx] = true
		}

		for idx := range live {
			if next()%3 == 0 {
				tab.at(idx).tcp.events = eventClosed
				delete(live, idx)
			}
		}

		c.flowDeferHandler()
		checkFreeChain(t, tab)
		require.Equal(t, len(live), tab.activeCount())
	}
}
