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
	"time"

	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPv6L4(t *testing.T) {
	mkPkt := func(nextHdr uint8, ext ...byte) []byte {
		pkt := make([]byte, ip6HeaderLen+len(ext)+8)
		pkt[6] = nextHdr
		copy(pkt[ip6HeaderLen:], ext)
		return pkt
	}

	t.Run("Direct", func(t *testing.T) {
		proto, off, ok := ipv6L4(mkPkt(6))
		require.True(t, ok)
		assert.Equal(t, uint8(6), proto)
		assert.Equal(t, ip6HeaderLen, off)
	})

	t.Run("HopByHop", func(t *testing.T) {
		// One 8-byte hop-by-hop header, then TCP.
		ext := []byte{6, 0, 0, 0, 0, 0, 0, 0}
		proto, off, ok := ipv6L4(mkPkt(0, ext...))
		require.True(t, ok)
		assert.Equal(t, uint8(6), proto)
		assert.Equal(t, ip6HeaderLen+8, off)
	})

	t.Run("Fragment", func(t *testing.T) {
		_, _, ok := ipv6L4(mkPkt(44))
		assert.False(t, ok)
	})

	t.Run("Truncated", func(t *testing.T) {
		pkt := mkPkt(0)
		// Extension header claims more length than the packet has.
		pkt[ip6HeaderLen] = 17
		pkt[ip6HeaderLen+1] = 255
		_, _, ok := ipv6L4(pkt)
		assert.False(t, ok)
	})
}

func TestTap4FragmentDrop(t *testing.T) {
	c := newTestContext(t)
	c.now = time.Now()

	buf := make([]byte, ip4HeaderLen)
	ip := header.IPv4(buf)
	ip.Encode(&header.IPv4Fields{
		TotalLength:    100,
		TTL:            64,
		Protocol:       uint8(header.UDPProtocolNumber),
		Flags:          header.IPv4FlagMoreFragments,
		FragmentOffset: 0,
		SrcAddr:        tcpipAddr(netip.MustParseAddr("10.0.0.1")),
		DstAddr:        tcpipAddr(netip.MustParseAddr("203.0.113.1")),
	})

	require.True(t, c.tap4IsFragment(ip))
	require.Equal(t, uint(0), c.frag4Dropped) // First drop logs and resets.

	// Within the rate window further drops only count.
	require.True(t, c.tap4IsFragment(ip))
	require.True(t, c.tap4IsFragment(ip))
	assert.Equal(t, uint(2), c.frag4Dropped)

	// Offset-only fragments are fragments too.
	ip.Encode(&header.IPv4Fields{
		TotalLength:    100,
		TTL:            64,
		Protocol:       uint8(header.UDPProtocolNumber),
		FragmentOffset: 1480,
		SrcAddr:        tcpipAddr(netip.MustParseAddr("10.0.0.1")),
		DstAddr:        tcpipAddr(netip.MustParseAddr("203.0.113.1")),
	})
	assert.True(t, c.tap4IsFragment(ip))

	// And unfragmented packets are not.
	ip.Encode(&header.IPv4Fields{
		TotalLength: 100,
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     tcpipAddr(netip.MustParseAddr("10.0.0.1")),
		DstAddr:     tcpipAddr(netip.MustParseAddr("203.0.113.1")),
	})
	assert.False(t, c.tap4IsFragment(ip))
}

func TestTapSeqMatches(t *testing.T) {
	seq := tapSeq{
		proto:   6,
		saddr:   netip.MustParseAddr("10.0.0.1"),
		daddr:   netip.MustParseAddr("203.0.113.1"),
		srcPort: 40000,
		dstPort: 80,
	}

	assert.True(t, seq.matches(6,
		netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("203.0.113.1"),
		40000, 80))
	assert.False(t, seq.matches(17,
		netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("203.0.113.1"),
		40000, 80))
	assert.False(t, seq.matches(6,
		netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("203.0.113.1"),
		40000, 80))
	assert.False(t, seq.matches(6,
		netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("203.0.113.1"),
		40001, 80))
}
