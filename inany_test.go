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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddrV4(t *testing.T) {
	v4Addr, ok := addrV4(netip.MustParseAddr("192.0.2.1"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), v4Addr)

	mapped, ok := addrV4(netip.MustParseAddr("::ffff:192.0.2.1"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), mapped)

	_, ok = addrV4(netip.MustParseAddr("2001:db8::1"))
	assert.False(t, ok)
}

func TestAddrsEqual(t *testing.T) {
	assert.True(t, addrsEqual(
		netip.MustParseAddr("192.0.2.1"),
		netip.MustParseAddr("::ffff:192.0.2.1")))
	assert.False(t, addrsEqual(
		netip.MustParseAddr("192.0.2.1"),
		netip.MustParseAddr("192.0.2.2")))
}

func TestAddrClassifiers(t *testing.T) {
	assert.True(t, addrLoopback(netip.MustParseAddr("127.0.0.1")))
	assert.True(t, addrLoopback(netip.MustParseAddr("::1")))
	assert.True(t, addrLoopback(netip.MustParseAddr("::ffff:127.0.0.1")))

	assert.True(t, addrUnspecified(netip.MustParseAddr("0.0.0.0")))
	assert.True(t, addrUnspecified(netip.MustParseAddr("::")))
	assert.True(t, addrUnspecified(netip.Addr{}))

	assert.True(t, addrBroadcast(netip.MustParseAddr("255.255.255.255")))
	assert.False(t, addrBroadcast(netip.MustParseAddr("192.0.2.255")))

	assert.True(t, addrMulticast(netip.MustParseAddr("224.0.0.1")))
	assert.True(t, addrMulticast(netip.MustParseAddr("ff02::1")))

	assert.True(t, addrLinkLocal(netip.MustParseAddr("fe80::1")))
	assert.False(t, addrLinkLocal(netip.MustParseAddr("169.254.0.1")))
}

func TestTcpipAddrRoundTrip(t *testing.T) {
	for _, s := range []string{"192.0.2.7", "2001:db8::7"} {
		addr := netip.MustParseAddr(s)
		assert.Equal(t, addr, netipAddr(tcpipAddr(addr)))
	}

	// Mapped addresses unmap on conversion.
	mapped := netip.MustParseAddr("::ffff:192.0.2.7")
	assert.Equal(t, netip.MustParseAddr("192.0.2.7"), netipAddr(tcpipAddr(mapped)))
}
