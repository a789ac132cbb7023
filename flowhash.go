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

import "net/netip"

// Keyed lookup of TCP connections by (remote address, guest port, remote
// port). The index is a linear-probing table over flow side indices; the
// probe steps downward (mod size) and removal back-shifts displaced
// entries so probe chains stay contiguous.

// tcpHash computes the bucket-independent hash of a connection key.
func (t *flowTable) tcpHash(faddr netip.Addr, eport, fport uint16) uint64 {
	s := newSiphash(t.secret)
	s.feedAddr(addrTo16(faddr).As16())
	return s.final(20, uint64(eport)<<16|uint64(fport))
}

func (t *flowTable) tcpConnHash(conn *tcpConn) uint64 {
	return t.tcpHash(conn.faddr, conn.eport, conn.fport)
}

func modSub(a, b, size uint) uint {
	return (a + size - b) % size
}

// modBetween reports whether a <= x < b in arithmetic mod size, that is,
// whether x lies in the cyclic range [a, b).
func modBetween(x, a, b, size uint) bool {
	return modSub(x, a, size) < modSub(b, a, size)
}

// tcpHashProbe finds the bucket of conn if present, or the insertion
// point for it otherwise.
func (t *flowTable) tcpHashProbe(conn *tcpConn, idx uint32) uint {
	size := uint(len(t.hash))
	sidx := makeSidx(idx, tapSide)

	b := uint(t.tcpConnHash(conn) % uint64(size))
	for t.hash[b] != sidxNone && t.hash[b] != sidx {
		b = modSub(b, 1, size)
	}
	return b
}

// tcpHashInsert adds the connection at flow index idx to the hash index.
func (t *flowTable) tcpHashInsert(conn *tcpConn, idx uint32) {
	b := t.tcpHashProbe(conn, idx)
	t.hash[b] = makeSidx(idx, tapSide)
}

// tcpHashRemove drops the connection from the hash index, back-shifting
// any entry of the same probe cluster that could live in the freed slot.
func (t *flowTable) tcpHashRemove(conn *tcpConn, idx uint32) {
	size := uint(len(t.hash))

	b := t.tcpHashProbe(conn, idx)
	if t.atSidx(t.hash[b]) == nil {
		return // Redundant remove
	}

	// Scan the remainder of the cluster.
	for s := modSub(b, 1, size); ; s = modSub(s, 1, size) {
		e := t.atSidx(t.hash[s])
		if e == nil {
			break
		}

		h := uint(t.tcpConnHash(&e.tcp) % uint64(size))
		if !modBetween(h, s, b, size) {
			// The entry at s can live in b's slot.
			t.hash[b] = t.hash[s]
			b = s
		}
	}

	t.hash[b] = sidxNone
}

// tcpHashLookup finds the flow index of the connection matching the key,
// or sidxNone.
func (t *flowTable) tcpHashLookup(faddr netip.Addr, eport, fport uint16) flowSidx {
	size := uint(len(t.hash))
	faddr = addrTo16(faddr)

	b := uint(t.tcpHash(faddr, eport, fport) % uint64(size))
	for {
		e := t.atSidx(t.hash[b])
		if e == nil {
			return sidxNone
		}
		if e.kind == flowTCP && addrTo16(e.tcp.faddr) == faddr &&
			e.tcp.eport == eport && e.tcp.fport == fport {
			return t.hash[b]
		}
		b = modSub(b, 1, size)
	}
}
