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

	"github.com/miekg/dns"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newUDPTestContext(t *testing.T) *Context {
	t.Helper()

	c := newTestContext(t)
	c.ifi4 = 1
	c.ifi6 = 1
	c.ip4 = IPv4Ctx{
		Addr:     netip.MustParseAddr("192.0.2.10"),
		AddrSeen: netip.MustParseAddr("10.0.0.1"),
		GW:       netip.MustParseAddr("10.0.0.254"),
		DNSMatch: netip.MustParseAddr("10.0.0.254"),
		DNSHost:  netip.MustParseAddr("1.1.1.1"),
	}

	for _, ver := range []int{v4, v6} {
		c.udp.tapMap[ver] = make([]udpTapPort, numPorts)
		c.udp.spliceNS[ver] = make([]udpSplicePort, numPorts)
		c.udp.spliceInit[ver] = make([]udpSplicePort, numPorts)
		for port := 0; port < numPorts; port++ {
			c.udp.tapMap[ver][port].sock = -1
			c.udp.spliceNS[ver][port].sock = -1
			c.udp.spliceInit[ver][port].sock = -1
		}
	}

	c.udp.frames4 = newUDPFrames(false)
	c.udp.frames6 = newUDPFrames(true)
	c.udp.updateL2Bufs(c)

	return c
}

// receiveInto fakes one received datagram in frame slot i.
func receiveInto(f *udpFrames, i int, src netip.Addr, srcPort uint16, payload []byte) {
	putRawSockaddr(&f.names[i], src, srcPort)
	copy(f.bufs[i][f.payloadOff():], payload)
	f.recvH[i].len = uint32(len(payload))
}

func TestUDPUpdateHdr4(t *testing.T) {
	t.Run("RemoteSourcePreserved", func(t *testing.T) {
		c := newUDPTestContext(t)
		f := c.udp.frames4
		receiveInto(f, 0, netip.MustParseAddr("203.0.113.1"), 53, []byte("answer"))

		l := c.udpUpdateHdr4(f, 0, 55000)
		require.NotZero(t, l)

		ip := header.IPv4(f.bufs[0][ip4Off:])
		assert.Equal(t, netip.MustParseAddr("203.0.113.1"), netipAddr(ip.SourceAddress()))
		assert.Equal(t, c.ip4.AddrSeen, netipAddr(ip.DestinationAddress()))

		uh := header.UDP(f.bufs[0][udp4Off:])
		assert.Equal(t, uint16(53), uh.SourcePort())
		assert.Equal(t, uint16(55000), uh.DestinationPort())
	})

	t.Run("LoopbackReflectedToGateway", func(t *testing.T) {
		c := newUDPTestContext(t)
		f := c.udp.frames4
		receiveInto(f, 0, netip.MustParseAddr("127.0.0.1"), 8000, []byte("hi"))

		l := c.udpUpdateHdr4(f, 0, 55000)
		require.NotZero(t, l)

		ip := header.IPv4(f.bufs[0][ip4Off:])
		assert.Equal(t, c.ip4.GW, netipAddr(ip.SourceAddress()))

		// The reflected port is remembered for the reverse policy.
		assert.NotZero(t, c.udp.tapMap[v4][8000].flags&portLocal)
		assert.NotZero(t, c.udp.tapMap[v4][8000].flags&portLoopback)
		assert.True(t, c.udp.act[v4][udpActTap].isSet(8000))
	})

	t.Run("DNSReplyRewritten", func(t *testing.T) {
		c := newUDPTestContext(t)
		f := c.udp.frames4

		// The guest asked our DNS match address from port 40000.
		c.udp.tapMap[v4][40000].flags |= portDNSFwd

		receiveInto(f, 0, c.ip4.DNSHost, 53, []byte("reply"))
		l := c.udpUpdateHdr4(f, 0, 40000)
		require.NotZero(t, l)

		ip := header.IPv4(f.bufs[0][ip4Off:])
		assert.Equal(t, c.ip4.DNSMatch, netipAddr(ip.SourceAddress()))
	})

	t.Run("DNSPayloadUntouched", func(t *testing.T) {
		c := newUDPTestContext(t)
		f := c.udp.frames4
		c.udp.tapMap[v4][40000].flags |= portDNSFwd

		// The redirect rewrites addresses only; a real DNS reply
		// must come through byte for byte.
		m := new(dns.Msg)
		m.SetQuestion("example.com.", dns.TypeA)
		m.Response = true
		payload, err := m.Pack()
		require.NoError(t, err)

		receiveInto(f, 0, c.ip4.DNSHost, 53, payload)
		l := c.udpUpdateHdr4(f, 0, 40000)
		require.NotZero(t, l)

		got := f.bufs[0][udp4Payload : udp4Payload+len(payload)]
		assert.Equal(t, payload, got)

		var reply dns.Msg
		require.NoError(t, reply.Unpack(got))
		assert.True(t, reply.Response)
	})

	t.Run("ChecksumValid", func(t *testing.T) {
		c := newUDPTestContext(t)
		f := c.udp.frames4
		payload := []byte("checksummed")
		receiveInto(f, 0, netip.MustParseAddr("203.0.113.1"), 53, payload)

		l := c.udpUpdateHdr4(f, 0, 55000)
		require.NotZero(t, l)

		ip := header.IPv4(f.bufs[0][ip4Off : ip4Off+ip4HeaderLen])
		assert.Equal(t, uint16(0xffff), udpHeaderSum(ip))
	})
}

// udpHeaderSum folds an encoded IPv4 header into its ones-complement sum.
func udpHeaderSum(ip header.IPv4) uint16 {
	var sum uint32
	for i := 0; i+1 < len(ip); i += 2 {
		sum += uint32(ip[i])<<8 | uint32(ip[i+1])
	}
	for sum > 0xffff {
		sum = sum>>16 + sum&0xffff
	}
	return uint16(sum)
}

func TestUDPTimerExpiry(t *testing.T) {
	c := newUDPTestContext(t)

	s, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	c.udp.tapMap[v4][55000].sock = int32(s)
	c.udp.tapMap[v4][55000].ts = c.now.Unix() - 200 // Past the 180 s timeout.
	c.udp.tapMap[v4][55000].flags = portLocal
	c.udp.act[v4][udpActTap].set(55000)

	c.udpTimerOne(v4, udpActTap, 55000)

	assert.Equal(t, int32(-1), c.udp.tapMap[v4][55000].sock)
	assert.Zero(t, c.udp.tapMap[v4][55000].flags)
	assert.False(t, c.udp.act[v4][udpActTap].isSet(55000))

	t.Run("FreshBindingKept", func(t *testing.T) {
		s, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
		require.NoError(t, err)
		t.Cleanup(func() { _ = unix.Close(s) })

		c.udp.tapMap[v4][56000].sock = int32(s)
		c.udp.tapMap[v4][56000].ts = c.now.Add(-30 * time.Second).Unix()
		c.udp.act[v4][udpActTap].set(56000)

		c.udpTimerOne(v4, udpActTap, 56000)
		assert.Equal(t, int32(s), c.udp.tapMap[v4][56000].sock)
	})
}

func TestUDPSpliceSource(t *testing.T) {
	c := newUDPTestContext(t)
	f := c.udp.frames4

	receiveInto(f, 0, netip.MustParseAddr("127.0.0.1"), 5000, nil)
	assert.Equal(t, 5000, udpSpliceSource(f, 0))

	receiveInto(f, 1, netip.MustParseAddr("203.0.113.1"), 5000, nil)
	assert.Equal(t, -1, udpSpliceSource(f, 1))
}
