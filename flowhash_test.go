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
	"testing"

	"github.com/stretchr/testify/require"
)

func hashConn(tab *flowTable, addr string, eport, fport uint16) uint32 {
	flow, idx := tab.alloc()
	flow.kind = flowTCP
	flow.tcp = tcpConn{
		sock:   -1,
		timer:  -1,
		events: eventEstablished,
		faddr:  addrTo16(netip.MustParseAddr(addr)),
		eport:  eport,
		fport:  fport,
	}
	tab.tcpHashInsert(&flow.tcp, idx)
	return idx
}

func TestTCPHashLookup(t *testing.T) {
	tab := newFlowTable(testFlowMax, [2]uint64{42, 43})

	idx := hashConn(tab, "192.0.2.5", 40000, 22)

	t.Run("RoundTrip", func(t *testing.T) {
		sidx := tab.tcpHashLookup(netip.MustParseAddr("192.0.2.5"), 40000, 22)
		require.NotEqual(t, sidxNone, sidx)
		require.Equal(t, idx, sidx.flowIdx())
	})

	t.Run("V4MappedKeyMatches", func(t *testing.T) {
		sidx := tab.tcpHashLookup(netip.MustParseAddr("::ffff:192.0.2.5"), 40000, 22)
		require.Equal(t, idx, sidx.flowIdx())
	})

	t.Run("Miss", func(t *testing.T) {
		require.Equal(t, sidxNone,
			tab.tcpHashLookup(netip.MustParseAddr("192.0.2.5"), 40000, 23))
		require.Equal(t, sidxNone,
			tab.tcpHashLookup(netip.MustParseAddr("192.0.2.6"), 40000, 22))
	})
}

func TestTCPHashRemove(t *testing.T) {
	tab := newFlowTable(testFlowMax, [2]uint64{7, 11})

	// Enough entries that probe clusters form.
	var idxs []uint32
	for i := 0; i < 16; i++ {
		idxs = append(idxs, hashConn(tab, "2001:db8::1", uint16(10000+i), 443))
	}

	t.Run("BackShiftPreservesCluster", func(t *testing.T) {
		// Remove every other entry; the rest must stay reachable.
		for i := 0; i < 16; i += 2 {
			conn := &tab.at(idxs[i]).tcp
			tab.tcpHashRemove(conn, idxs[i])
		}

		for i := range idxs {
			sidx := tab.tcpHashLookup(netip.MustParseAddr("2001:db8::1"), uint16(10000+i), 443)
			if i%2 == 0 {
				require.Equal(t, sidxNone, sidx, "removed entry %d still found", i)
			} else {
				require.Equal(t, idxs[i], sidx.flowIdx(), "entry %d lost", i)
			}
		}
	})

	t.Run("RedundantRemove", func(t *testing.T) {
		conn := &tab.at(idxs[0]).tcp
		tab.tcpHashRemove(conn, idxs[0]) // Already removed, must not corrupt.

		sidx := tab.tcpHashLookup(netip.MustParseAddr("2001:db8::1"), 10001, 443)
		require.Equal(t, idxs[1], sidx.flowIdx())
	})

	t.Run("RemoveInsertIdentity", func(t *testing.T) {
		conn := &tab.at(idxs[1]).tcp
		tab.tcpHashRemove(conn, idxs[1])
		tab.tcpHashInsert(conn, idxs[1])

		sidx := tab.tcpHashLookup(netip.MustParseAddr("2001:db8::1"), 10001, 443)
		require.Equal(t, idxs[1], sidx.flowIdx())

		// Every surviving entry must still resolve.
		for i := 1; i < 16; i += 2 {
			sidx := tab.tcpHashLookup(netip.MustParseAddr("2001:db8::1"), uint16(10000+i), 443)
			require.Equal(t, idxs[i], sidx.flowIdx())
		}
	})
}

func TestTCPHashKeyed(t *testing.T) {
	a := newFlowTable(testFlowMax, [2]uint64{1, 2})
	b := newFlowTable(testFlowMax, [2]uint64{3, 4})

	addr := netip.MustParseAddr("203.0.113.1")
	require.NotEqual(t, a.tcpHash(addr, 1234, 80), b.tcpHash(addr, 1234, 80),
		"hash must depend on the process secret")
	require.Equal(t, a.tcpHash(addr, 1234, 80), a.tcpHash(addr, 1234, 80))
}
