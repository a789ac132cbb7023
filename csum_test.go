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

	"github.com/noisysockets/netstack/pkg/tcpip/checksum"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCsumTCPRoundTrip(t *testing.T) {
	src := netip.MustParseAddr("192.0.2.1")
	dst := netip.MustParseAddr("198.51.100.2")
	payload := []byte("hello from the other side")

	segment := make([]byte, tcpHeaderLen+len(payload))
	th := header.TCP(segment[:tcpHeaderLen])
	th.Encode(&header.TCPFields{
		SrcPort:    80,
		DstPort:    40000,
		SeqNum:     12345,
		AckNum:     67890,
		DataOffset: tcpHeaderLen,
		Flags:      header.TCPFlagAck | header.TCPFlagPsh,
		WindowSize: 14600,
	})
	copy(segment[tcpHeaderLen:], payload)

	csumTCP(src, dst, th, payload)

	assert.True(t, verifyTCPChecksum(src, dst, segment))

	// Flip a payload bit: the checksum must no longer verify.
	segment[tcpHeaderLen] ^= 0x01
	assert.False(t, verifyTCPChecksum(src, dst, segment))
}

func TestCsumTCPv6(t *testing.T) {
	src := netip.MustParseAddr("2001:db8::1")
	dst := netip.MustParseAddr("2001:db8::2")
	payload := []byte{0xde, 0xad, 0xbe, 0xef}

	segment := make([]byte, tcpHeaderLen+len(payload))
	th := header.TCP(segment[:tcpHeaderLen])
	th.Encode(&header.TCPFields{
		SrcPort:    443,
		DstPort:    50000,
		SeqNum:     1,
		AckNum:     1,
		DataOffset: tcpHeaderLen,
		Flags:      header.TCPFlagAck,
		WindowSize: 1024,
	})
	copy(segment[tcpHeaderLen:], payload)

	csumTCP(src, dst, th, payload)
	assert.True(t, verifyTCPChecksum(src, dst, segment))
}

func TestCsumUDP(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("203.0.113.1")
	payload := []byte("dns goes here")

	datagram := make([]byte, udpHeaderLen+len(payload))
	uh := header.UDP(datagram[:udpHeaderLen])
	uh.Encode(&header.UDPFields{
		SrcPort: 55000,
		DstPort: 53,
		Length:  uint16(len(datagram)),
	})
	copy(datagram[udpHeaderLen:], payload)

	csumUDP(src, dst, uh, payload)

	// The full datagram including the pseudo-header must sum to
	// 0xffff.
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		tcpipAddr(src), tcpipAddr(dst), uint16(len(datagram)))
	require.Equal(t, uint16(0xffff), checksum.Checksum(datagram, xsum))
	assert.NotZero(t, uh.Checksum())
}

func TestCsumIPv4Header(t *testing.T) {
	buf := make([]byte, ip4HeaderLen)
	ip := header.IPv4(buf)
	ip.Encode(&header.IPv4Fields{
		TotalLength: 40,
		TTL:         255,
		Protocol:    uint8(header.TCPProtocolNumber),
		SrcAddr:     tcpipAddr(netip.MustParseAddr("192.0.2.1")),
		DstAddr:     tcpipAddr(netip.MustParseAddr("192.0.2.2")),
	})
	csumIPv4Header(ip)

	// A valid header sums to 0xffff with its checksum field included.
	assert.Equal(t, uint16(0xffff), checksum.Checksum(buf, 0))
}

func TestCsumICMPv4(t *testing.T) {
	msg := make([]byte, header.ICMPv4MinimumSize+8)
	msg[0] = icmp4EchoReply
	msg[4], msg[5] = 0x12, 0x34 // id
	msg[6], msg[7] = 0x00, 0x01 // sequence
	copy(msg[8:], "pingdata")

	icmp := header.ICMPv4(msg)
	csumICMPv4(icmp[:header.ICMPv4MinimumSize], msg[header.ICMPv4MinimumSize:])

	assert.Equal(t, uint16(0xffff), checksum.Checksum(msg, 0))
}
