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

	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestTCPConnEpollEvents(t *testing.T) {
	t.Run("Closed", func(t *testing.T) {
		assert.Zero(t, tcpConnEpollEvents(eventClosed, 0))
	})

	t.Run("Established", func(t *testing.T) {
		assert.Equal(t, uint32(unix.EPOLLIN|unix.EPOLLRDHUP),
			tcpConnEpollEvents(eventEstablished, 0))
	})

	t.Run("Stalled", func(t *testing.T) {
		assert.Equal(t, uint32(unix.EPOLLIN|unix.EPOLLOUT|unix.EPOLLRDHUP|unix.EPOLLET),
			tcpConnEpollEvents(eventEstablished, flagStalled))
	})

	t.Run("TapFinSent", func(t *testing.T) {
		assert.Equal(t, uint32(unix.EPOLLET),
			tcpConnEpollEvents(eventEstablished|eventTapFinSent, 0))
		// Even while stalled, a sent FIN means edge-triggered only.
		assert.Equal(t, uint32(unix.EPOLLET),
			tcpConnEpollEvents(eventEstablished|eventTapFinSent, flagStalled))
	})

	t.Run("Connecting", func(t *testing.T) {
		assert.Equal(t, uint32(unix.EPOLLOUT|unix.EPOLLET|unix.EPOLLRDHUP),
			tcpConnEpollEvents(eventTapSynRcvd, 0))
	})

	t.Run("Accepted", func(t *testing.T) {
		assert.Equal(t, uint32(unix.EPOLLRDHUP),
			tcpConnEpollEvents(eventSockAccepted, 0))
	})
}

func TestTCPTapWindowUpdate(t *testing.T) {
	conn := &tcpConn{wsFromTap: 4}

	tcpTapWindowUpdate(conn, 1000)
	assert.Equal(t, uint16(1000), conn.wndFromTap)

	// Zero windows are clamped to one so progress is still possible.
	tcpTapWindowUpdate(conn, 0)
	assert.Equal(t, uint16(1), conn.wndFromTap)

	// The largest unscaled value at the largest shift stays within the
	// window ceiling and passes through unchanged.
	conn.wsFromTap = 8
	tcpTapWindowUpdate(conn, 65535)
	assert.Equal(t, uint16(65535), conn.wndFromTap)
}

func TestTCPConnTapMSS(t *testing.T) {
	synOpts := func(mss uint16) []byte {
		return []byte{2, 4, byte(mss >> 8), byte(mss)}
	}

	t.Run("FromOption", func(t *testing.T) {
		conn := &tcpConn{faddr: addrTo16(netip.MustParseAddr("192.0.2.1"))}
		assert.Equal(t, uint16(1460), tcpConnTapMSS(conn, synOpts(1460)))
	})

	t.Run("DefaultWithoutOption", func(t *testing.T) {
		conn := &tcpConn{faddr: addrTo16(netip.MustParseAddr("192.0.2.1"))}
		assert.Equal(t, uint16(mssDefault), tcpConnTapMSS(conn, nil))
	})

	t.Run("ClampedPerFamily", func(t *testing.T) {
		conn4 := &tcpConn{faddr: addrTo16(netip.MustParseAddr("192.0.2.1"))}
		assert.Equal(t, uint16(mss4), tcpConnTapMSS(conn4, synOpts(65535)))

		conn6 := &tcpConn{faddr: netip.MustParseAddr("2001:db8::1")}
		assert.Equal(t, uint16(mss6), tcpConnTapMSS(conn6, synOpts(65535)))
	})
}

func TestTCPGetTapWS(t *testing.T) {
	conn := &tcpConn{}

	tcpGetTapWS(conn, []byte{3, 3, 7})
	assert.Equal(t, uint8(7), conn.wsFromTap)

	// Shifts beyond the cap fall back to no scaling.
	tcpGetTapWS(conn, []byte{3, 3, 14})
	assert.Equal(t, uint8(0), conn.wsFromTap)

	tcpGetTapWS(conn, nil)
	assert.Equal(t, uint8(0), conn.wsFromTap)
}

func TestLowRTTTable(t *testing.T) {
	var tab lowRTTTable

	conn := func(s string) *tcpConn {
		return &tcpConn{faddr: addrTo16(netip.MustParseAddr(s))}
	}
	fast := &tcpInfo{MinRtt: 5}
	slow := &tcpInfo{MinRtt: 100}

	t.Run("Insert", func(t *testing.T) {
		tab.check(conn("10.0.0.1"), fast)
		assert.True(t, tab.has(netip.MustParseAddr("10.0.0.1")))
	})

	t.Run("SlowIgnored", func(t *testing.T) {
		tab.check(conn("10.0.0.2"), slow)
		assert.False(t, tab.has(netip.MustParseAddr("10.0.0.2")))
	})

	t.Run("ZeroIgnored", func(t *testing.T) {
		tab.check(conn("10.0.0.3"), &tcpInfo{})
		assert.False(t, tab.has(netip.MustParseAddr("10.0.0.3")))
	})

	t.Run("RoundRobinReplacement", func(t *testing.T) {
		var tab lowRTTTable
		for i := 0; i < lowRTTTableSize+2; i++ {
			addr := netip.AddrFrom4([4]byte{10, 0, 1, byte(i)})
			tab.check(&tcpConn{faddr: addrTo16(addr)}, fast)
		}
		// The sentinel hole keeps the table functional; the newest
		// entries are present.
		assert.True(t, tab.has(netip.AddrFrom4([4]byte{10, 0, 1, byte(lowRTTTableSize + 1)})))
	})
}

func TestTCPSnatInbound(t *testing.T) {
	c := newTestContext(t)
	c.ip4 = IPv4Ctx{
		Addr:     netip.MustParseAddr("192.0.2.10"),
		AddrSeen: netip.MustParseAddr("10.0.0.1"),
		GW:       netip.MustParseAddr("10.0.0.254"),
	}
	c.ip6 = IPv6Ctx{
		Addr:       netip.MustParseAddr("2001:db8::10"),
		AddrSeen:   netip.MustParseAddr("2001:db8::1"),
		AddrLL:     netip.MustParseAddr("fe80::10"),
		AddrLLSeen: netip.MustParseAddr("fe80::1"),
		GW:         netip.MustParseAddr("fe80::254"),
	}

	t.Run("LoopbackBecomesGateway", func(t *testing.T) {
		got := c.tcpSnatInbound(addrTo16(netip.MustParseAddr("127.0.0.1")))
		assert.True(t, addrsEqual(got, c.ip4.GW))
	})

	t.Run("SeenAddrBecomesGateway", func(t *testing.T) {
		got := c.tcpSnatInbound(addrTo16(netip.MustParseAddr("10.0.0.1")))
		assert.True(t, addrsEqual(got, c.ip4.GW))
	})

	t.Run("RemoteUntouched", func(t *testing.T) {
		remote := addrTo16(netip.MustParseAddr("203.0.113.1"))
		assert.Equal(t, remote, c.tcpSnatInbound(remote))
	})

	t.Run("Idempotent", func(t *testing.T) {
		once := c.tcpSnatInbound(addrTo16(netip.MustParseAddr("127.0.0.1")))
		twice := c.tcpSnatInbound(once)
		assert.Equal(t, addrTo16(once), addrTo16(twice))
	})

	t.Run("V6LinkLocalGateway", func(t *testing.T) {
		// With a link-local gateway, local sources map to the gateway
		// itself rather than our link-local address.
		got := c.tcpSnatInbound(netip.MustParseAddr("::1"))
		assert.Equal(t, c.ip6.GW, got)
	})

	t.Run("V6GlobalGateway", func(t *testing.T) {
		c := newTestContext(t)
		c.ip6 = IPv6Ctx{
			Addr:   netip.MustParseAddr("2001:db8::10"),
			AddrLL: netip.MustParseAddr("fe80::10"),
			GW:     netip.MustParseAddr("2001:db8::ffff"),
		}
		got := c.tcpSnatInbound(netip.MustParseAddr("::1"))
		assert.Equal(t, c.ip6.AddrLL, got)
	})
}

func TestConnEventStateBits(t *testing.T) {
	c := newTestContext(t)
	flow, idx := c.flows.alloc()
	require.NotNil(t, flow)
	flow.kind = flowTCP
	conn := &flow.tcp
	*conn = tcpConn{sock: -1, timer: -1}

	c.connEvent(conn, idx, eventTapSynRcvd)
	assert.Equal(t, eventTapSynRcvd, conn.events)

	c.connEvent(conn, idx, eventTapSynAckSent)
	assert.Equal(t, eventTapSynRcvd|eventTapSynAckSent, conn.events)

	// A state bit replaces the whole set.
	c.connEvent(conn, idx, eventEstablished)
	assert.Equal(t, eventEstablished, conn.events)

	c.connEvent(conn, idx, eventSockFinRcvd)
	assert.True(t, connHas(conn, eventSockFinRcvd))
	assert.True(t, connIsClosing(conn))

	c.connEvent(conn, idx, eventClosed)
	assert.Equal(t, eventClosed, conn.events)
}

func TestConnEventActiveClose(t *testing.T) {
	c := newTestContext(t)
	flow, idx := c.flows.alloc()
	require.NotNil(t, flow)
	flow.kind = flowTCP
	conn := &flow.tcp
	*conn = tcpConn{sock: -1, timer: -1}

	c.connEvent(conn, idx, eventEstablished)
	c.connEvent(conn, idx, eventTapFinRcvd)

	// The guest closed first: that is an active close.
	assert.NotZero(t, conn.flags&flagActiveClose)
}

func TestTCPFramePoolFill(t *testing.T) {
	c := newTestContext(t)
	c.ip4.AddrSeen = netip.MustParseAddr("10.0.0.1")
	c.mac = [6]byte{0x02, 0, 0, 0, 0, 1}
	c.macGuest = [6]byte{0x02, 0, 0, 0, 0, 2}

	pool := newTCPFramePool(false, true)
	pool.cookL2(c)

	conn := &tcpConn{
		faddr:       addrTo16(netip.MustParseAddr("203.0.113.1")),
		fport:       80,
		eport:       40000,
		events:      eventEstablished,
		wndToTap:    1000,
		seqAckToTap: 555,
	}

	payload := []byte("response body")
	copy(pool.payload(0), payload)

	frameLen := pool.tcpFillFrame(c, conn, 0, len(payload), 0, header.TCPFlagAck, 999, -1)
	require.Equal(t, frameLenSize+ethHeaderLen+ip4HeaderLen+tcpHeaderLen+len(payload), frameLen)

	frame := pool.bufs[0][:frameLen]

	eth := header.Ethernet(frame[ethOff:])
	assert.Equal(t, header.IPv4ProtocolNumber, eth.Type())

	ip := header.IPv4(frame[ip4Off:])
	assert.Equal(t, netip.MustParseAddr("203.0.113.1"), netipAddr(ip.SourceAddress()))
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), netipAddr(ip.DestinationAddress()))

	th := header.TCP(frame[tcp4Off:])
	assert.Equal(t, uint16(80), th.SourcePort())
	assert.Equal(t, uint16(40000), th.DestinationPort())
	assert.Equal(t, uint32(999), th.SequenceNumber())
	assert.Equal(t, uint32(555), th.AckNumber())
	assert.Equal(t, uint16(1000), th.WindowSize())

	// The emitted segment checksums correctly against its payload.
	segment := frame[tcp4Off:]
	assert.True(t, verifyTCPChecksum(
		netip.MustParseAddr("203.0.113.1"),
		netip.MustParseAddr("10.0.0.1"), segment))
}

func TestTCPFramePoolChecksumReuse(t *testing.T) {
	c := newTestContext(t)
	c.ip4.AddrSeen = netip.MustParseAddr("10.0.0.1")

	pool := newTCPFramePool(false, true)
	pool.cookL2(c)

	conn := &tcpConn{
		faddr:  addrTo16(netip.MustParseAddr("203.0.113.1")),
		fport:  80,
		eport:  40000,
		events: eventEstablished,
	}

	// Two same-length frames: the second reuses the first's IPv4
	// header checksum.
	pool.tcpFillFrame(c, conn, 0, 100, 0, header.TCPFlagAck, 1, -1)
	pool.tcpFillFrame(c, conn, 1, 100, 0, header.TCPFlagAck, 101, 0)

	ip0 := header.IPv4(pool.bufs[0][ip4Off:])
	ip1 := header.IPv4(pool.bufs[1][ip4Off:])
	assert.Equal(t, ip0.Checksum(), ip1.Checksum())
}

func TestHandshakeWindowNotScaled(t *testing.T) {
	// During handshake the advertised window is the unscaled value,
	// capped at 64k.
	c := newTestContext(t)
	c.ip4.AddrSeen = netip.MustParseAddr("10.0.0.1")

	pool := newTCPFramePool(false, false)
	pool.cookL2(c)

	conn := &tcpConn{
		faddr:    addrTo16(netip.MustParseAddr("203.0.113.1")),
		events:   eventTapSynRcvd,
		wndToTap: 14600,
		wsToTap:  4,
	}

	frameLen := pool.tcpFillFrame(c, conn, 0, 0, 0, header.TCPFlagSyn|header.TCPFlagAck, 1, -1)
	th := header.TCP(pool.bufs[0][tcp4Off:frameLen])
	assert.Equal(t, uint16(65535), th.WindowSize())
}
