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

	"github.com/noisysockets/netstack/pkg/tcpip/checksum"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
)

// Internet checksum plumbing on top of the netstack checksum package.
// The pre-cooked frame fillers recompute only the variable parts; the
// IPv4 header checksum of equally sized back-to-back frames is reused by
// the TCP buffer filler rather than recomputed here.

// csumIPv4Header finalises the header checksum of an encoded IPv4 header.
func csumIPv4Header(ip header.IPv4) {
	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())
}

// csumTCP computes the TCP checksum over header and payload with the
// pseudo-header for the given addresses.
func csumTCP(src, dst netip.Addr, tcp header.TCP, payload []byte) {
	tcp.SetChecksum(0)
	length := uint16(len(tcp) + len(payload))
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		tcpipAddr(src), tcpipAddr(dst), length)
	xsum = checksum.Checksum(payload, xsum)
	tcp.SetChecksum(^tcp.CalculateChecksum(xsum))
}

// csumUDP computes the UDP checksum with the pseudo-header. A computed
// zero is flipped to 0xffff as required on the wire.
func csumUDP(src, dst netip.Addr, udp header.UDP, payload []byte) {
	udp.SetChecksum(0)
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		tcpipAddr(src), tcpipAddr(dst), udp.Length())
	xsum = checksum.Checksum(payload, xsum)
	sum := udp.CalculateChecksum(xsum)
	if sum != 0xffff {
		sum = ^sum
	}
	udp.SetChecksum(sum)
}

// csumICMPv4 computes the ICMPv4 checksum (no pseudo-header).
func csumICMPv4(icmp header.ICMPv4, payload []byte) {
	icmp.SetChecksum(0)
	icmp.SetChecksum(^checksum.Checksum(payload, checksum.Checksum(icmp, 0)))
}

// csumICMPv6 computes the ICMPv6 checksum with the pseudo-header.
func csumICMPv6(src, dst netip.Addr, icmp header.ICMPv6, payload []byte) {
	icmp.SetChecksum(0)
	icmp.SetChecksum(header.ICMPv6Checksum(header.ICMPv6ChecksumParams{
		Header:      icmp,
		Src:         tcpipAddr(src),
		Dst:         tcpipAddr(dst),
		PayloadCsum: checksum.Checksum(payload, 0),
		PayloadLen:  len(payload),
	}))
}

// verifyTCPChecksum reports whether a received TCP segment checksums
// correctly against its pseudo-header.
func verifyTCPChecksum(src, dst netip.Addr, segment []byte) bool {
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber,
		tcpipAddr(src), tcpipAddr(dst), uint16(len(segment)))
	return checksum.Checksum(segment, xsum) == 0xffff
}
