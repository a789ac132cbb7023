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

// L2/L3 demultiplexer: parses Ethernet/IPv4/IPv6 frames read from the
// tap, groups contiguous packets sharing an L4 4-tuple into sequences,
// and feeds whole sequences to the protocol handlers so they can batch
// socket operations.

import (
	"net/netip"

	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"golang.org/x/sys/unix"
)

// tapSeq is one group of contiguous same-tuple packets.
type tapSeq struct {
	proto   uint8
	srcPort uint16
	dstPort uint16
	saddr   netip.Addr
	daddr   netip.Addr
	p       Pool
}

func (s *tapSeq) matches(proto uint8, saddr, daddr netip.Addr, srcPort, dstPort uint16) bool {
	return s.proto == proto && s.srcPort == srcPort && s.dstPort == dstPort &&
		s.saddr == saddr && s.daddr == daddr
}

// tap4IsFragment drops IPv4 fragments with a rate-limited diagnostic.
func (c *Context) tap4IsFragment(ip header.IPv4) bool {
	if ip.Flags()&header.IPv4FlagMoreFragments == 0 && ip.FragmentOffset() == 0 {
		return false
	}

	c.frag4Dropped++
	if c.now.Sub(c.frag4LastMsg) > fragmentMsgRate {
		c.logger.Warn("Cannot process IPv4 fragments",
			"dropped", c.frag4Dropped)
		c.frag4LastMsg = c.now
		c.frag4Dropped = 0
	}
	return true
}

// tap4Handler demultiplexes the IPv4/ARP side of one tap read batch.
func (c *Context) tap4Handler(in *Pool) {
	if c.ifi4 == 0 || in.count() == 0 {
		return
	}

	i := 0
resume:
	seqCount := 0
	var seq *tapSeq

	for ; i < in.count(); i++ {
		frame := in.get(i, 0, 0)
		if len(frame) < ethHeaderLen {
			continue
		}
		eth := header.Ethernet(frame)

		if eth.Type() == header.ARPProtocolNumber {
			// Address resolution is handled by an external
			// responder; nothing to translate.
			continue
		}

		if len(frame) < ethHeaderLen+ip4HeaderLen {
			continue
		}
		ip := header.IPv4(frame[ethHeaderLen:])

		hlen := int(ip.HeaderLength())
		totLen := int(ip.TotalLength())
		if hlen < ip4HeaderLen || totLen > len(frame)-ethHeaderLen || hlen > totLen {
			continue
		}

		if c.tap4IsFragment(ip) {
			continue
		}

		saddr := netipAddr(ip.SourceAddress())
		daddr := netipAddr(ip.DestinationAddress())

		if saddr.IsLoopback() || daddr.IsLoopback() {
			c.logger.Debug("Loopback address on tap interface",
				"src", saddr, "dst", daddr)
			continue
		}

		if !saddr.IsUnspecified() && c.ip4.AddrSeen != saddr {
			c.ip4.AddrSeen = saddr
		}

		l4Len := totLen - hlen
		l4Off := in.absOff(i) + ethHeaderLen + hlen
		l4 := in.get(i, ethHeaderLen+hlen, l4Len)
		if l4 == nil {
			continue
		}

		switch ip.Protocol() {
		case uint8(header.ICMPv4ProtocolNumber):
			c.pktScratch.reset()
			c.pktScratch.add(l4Off, l4Len)
			c.icmpTapHandler(unix.AF_INET, saddr, daddr, &c.pktScratch, 0)
			continue
		case uint8(header.TCPProtocolNumber), uint8(header.UDPProtocolNumber):
		default:
			continue
		}

		if l4Len < udpHeaderLen {
			continue
		}
		srcPort := uint16(l4[0])<<8 | uint16(l4[1])
		dstPort := uint16(l4[2])<<8 | uint16(l4[3])

		if seq != nil && seq.matches(ip.Protocol(), saddr, daddr, srcPort, dstPort) &&
			seq.p.count() < tapSeqPkts {
			seq.p.add(l4Off, l4Len)
			continue
		}

		// Look back through open sequences for a match.
		seq = nil
		for j := seqCount - 1; j >= 0; j-- {
			if c.seqs4[j].matches(ip.Protocol(), saddr, daddr, srcPort, dstPort) {
				if c.seqs4[j].p.count() < tapSeqPkts {
					seq = &c.seqs4[j]
				}
				break
			}
		}

		if seq == nil {
			if seqCount == tapSeqs {
				break // Flush and resume.
			}
			seq = &c.seqs4[seqCount]
			seqCount++
			seq.proto = ip.Protocol()
			seq.saddr, seq.daddr = saddr, daddr
			seq.srcPort, seq.dstPort = srcPort, dstPort
			seq.p.reset()
		}

		seq.p.add(l4Off, l4Len)
	}

	for j := 0; j < seqCount; j++ {
		s := &c.seqs4[j]
		switch s.proto {
		case uint8(header.TCPProtocolNumber):
			for k := 0; k < s.p.count(); {
				k += c.tcpTapHandler(unix.AF_INET, s.saddr, s.daddr, &s.p, k)
			}
		case uint8(header.UDPProtocolNumber):
			for k := 0; k < s.p.count(); {
				k += c.udpTapHandler(unix.AF_INET, s.saddr, s.daddr, &s.p, k)
			}
		}
	}

	if i < in.count() {
		goto resume
	}
}

// ipv6L4 walks the IPv6 extension header chain and returns the transport
// protocol and the offset of its header relative to the IPv6 header.
// Fragments are not handled and report no payload.
func ipv6L4(pkt []byte) (proto uint8, off int, ok bool) {
	if len(pkt) < ip6HeaderLen {
		return 0, 0, false
	}

	nextHdr := pkt[6]
	off = ip6HeaderLen

	for {
		switch nextHdr {
		case 0, 43, 60: // hop-by-hop, routing, destination options
			if len(pkt) < off+8 {
				return 0, 0, false
			}
			nextHdr = pkt[off]
			off += 8 * (int(pkt[off+1]) + 1)
			if off > len(pkt) {
				return 0, 0, false
			}
		case 44: // fragment
			return 0, 0, false
		default:
			return nextHdr, off, true
		}
	}
}

// tap6Handler demultiplexes the IPv6 side of one tap read batch.
func (c *Context) tap6Handler(in *Pool) {
	if c.ifi6 == 0 || in.count() == 0 {
		return
	}

	i := 0
resume:
	seqCount := 0
	var seq *tapSeq

	for ; i < in.count(); i++ {
		frame := in.get(i, 0, 0)
		if len(frame) < ethHeaderLen+ip6HeaderLen {
			continue
		}
		ip := header.IPv6(frame[ethHeaderLen:])

		plen := int(ip.PayloadLength())
		if ip6HeaderLen+plen > len(frame)-ethHeaderLen {
			continue
		}

		proto, l4Rel, ok := ipv6L4(frame[ethHeaderLen:])
		if !ok {
			continue
		}
		l4Len := ip6HeaderLen + plen - l4Rel
		if l4Len < 0 {
			continue
		}
		l4Off := in.absOff(i) + ethHeaderLen + l4Rel
		l4 := in.get(i, ethHeaderLen+l4Rel, l4Len)
		if l4 == nil {
			continue
		}

		saddr := netipAddr(ip.SourceAddress())
		daddr := netipAddr(ip.DestinationAddress())

		if saddr.IsLoopback() || daddr.IsLoopback() {
			c.logger.Debug("Loopback address on tap interface",
				"src", saddr, "dst", daddr)
			continue
		}

		if saddr.IsLinkLocalUnicast() {
			c.ip6.AddrLLSeen = saddr
			if !c.ip6.AddrSeen.IsValid() || c.ip6.AddrSeen.IsUnspecified() {
				c.ip6.AddrSeen = saddr
			}
		} else if !saddr.IsUnspecified() {
			c.ip6.AddrSeen = saddr
		}

		switch proto {
		case uint8(header.ICMPv6ProtocolNumber):
			if l4Len < header.ICMPv6MinimumSize {
				continue
			}
			// Neighbour discovery is answered by an external
			// responder; only echo traffic reaches the engine.
			c.pktScratch.reset()
			c.pktScratch.add(l4Off, l4Len)
			c.icmpTapHandler(unix.AF_INET6, saddr, daddr, &c.pktScratch, 0)
			continue
		case uint8(header.TCPProtocolNumber), uint8(header.UDPProtocolNumber):
		default:
			continue
		}

		if l4Len < udpHeaderLen {
			continue
		}
		srcPort := uint16(l4[0])<<8 | uint16(l4[1])
		dstPort := uint16(l4[2])<<8 | uint16(l4[3])

		if seq != nil && seq.matches(proto, saddr, daddr, srcPort, dstPort) &&
			seq.p.count() < tapSeqPkts {
			seq.p.add(l4Off, l4Len)
			continue
		}

		seq = nil
		for j := seqCount - 1; j >= 0; j-- {
			if c.seqs6[j].matches(proto, saddr, daddr, srcPort, dstPort) {
				if c.seqs6[j].p.count() < tapSeqPkts {
					seq = &c.seqs6[j]
				}
				break
			}
		}

		if seq == nil {
			if seqCount == tapSeqs {
				break
			}
			seq = &c.seqs6[seqCount]
			seqCount++
			seq.proto = proto
			seq.saddr, seq.daddr = saddr, daddr
			seq.srcPort, seq.dstPort = srcPort, dstPort
			seq.p.reset()
		}

		seq.p.add(l4Off, l4Len)
	}

	for j := 0; j < seqCount; j++ {
		s := &c.seqs6[j]
		switch s.proto {
		case uint8(header.TCPProtocolNumber):
			for k := 0; k < s.p.count(); {
				k += c.tcpTapHandler(unix.AF_INET6, s.saddr, s.daddr, &s.p, k)
			}
		case uint8(header.UDPProtocolNumber):
			for k := 0; k < s.p.count(); {
				k += c.udpTapHandler(unix.AF_INET6, s.saddr, s.daddr, &s.p, k)
			}
		}
	}

	if i < in.count() {
		goto resume
	}
}
