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
	"github.com/noisysockets/netstack/pkg/tcpip"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
)

// Pre-cooked TCP frame pools. Two pools per address family: "data" frames
// carrying stream payload, and "flags" frames carrying bare control
// segments. Buffers are cooked once with L2 scaffolding and refilled per
// frame with only the variable fields. Data frames queue a sidecar record
// so the connection's tap sequence advances only once the batched write
// to the tap has actually covered the frame.

const (
	ip4HeaderLen = header.IPv4MinimumSize
	ip6HeaderLen = header.IPv6MinimumSize
	tcpHeaderLen = header.TCPMinimumSize

	// tcpOptionsMax is the option headroom of flags buffers: MSS (4) +
	// NOP (1) + window scale (3).
	tcpOptionsMax = 8

	ethOff = frameLenSize
	ip4Off = ethOff + ethHeaderLen
	ip6Off = ethOff + ethHeaderLen
	tcp4Off = ip4Off + ip4HeaderLen
	tcp6Off = ip6Off + ip6HeaderLen
)

// Clamped MSS bounds: what fits a maximum IP datagram after our fixed
// headers, rounded down to a multiple of 4.
const (
	mss4 = (65535 - ip4HeaderLen - tcpHeaderLen) &^ 3
	mss6 = (65535 - ip6HeaderLen - tcpHeaderLen) &^ 3
)

// seqUpdate defers a sequence advance until the owning frame is flushed.
type seqUpdate struct {
	conn *tcpConn
	len  uint16
}

// tcpFramePool is one family's pool of cooked frames.
type tcpFramePool struct {
	v6   bool
	data bool

	bufs [][]byte
	lens []int

	seqUpd []seqUpdate

	used int

	// scratch is the frame-slice list reused by flushes.
	scratch [][]byte
}

func newTCPFramePool(v6, data bool) tcpFramePool {
	size := frameLenSize + ethHeaderLen + ip6HeaderLen + tcpHeaderLen + tcpOptionsMax
	if data {
		size = frameLenSize + ethHeaderLen + ip6HeaderLen + tcpHeaderLen + mss6
	}

	p := tcpFramePool{
		v6:      v6,
		data:    data,
		bufs:    make([][]byte, tcpFramesMem),
		lens:    make([]int, tcpFramesMem),
		scratch: make([][]byte, 0, tcpFramesMem),
	}
	for i := range p.bufs {
		p.bufs[i] = make([]byte, size)
	}
	if data {
		p.seqUpd = make([]seqUpdate, tcpFramesMem)
	}
	return p
}

// cookL2 (re)writes the Ethernet scaffolding of every buffer in the pool.
func (p *tcpFramePool) cookL2(c *Context) {
	etherType := header.IPv4ProtocolNumber
	if p.v6 {
		etherType = header.IPv6ProtocolNumber
	}
	for _, buf := range p.bufs {
		eth := header.Ethernet(buf[ethOff : ethOff+ethHeaderLen])
		eth.Encode(&header.EthernetFields{
			SrcAddr: linkAddr(c.mac),
			DstAddr: linkAddr(c.macGuest),
			Type:    etherType,
		})
	}
}

// payload returns the payload region of data buffer i.
func (p *tcpFramePool) payload(i int) []byte {
	if p.v6 {
		return p.bufs[i][tcp6Off+tcpHeaderLen:]
	}
	return p.bufs[i][tcp4Off+tcpHeaderLen:]
}

// optsRegion returns the TCP options region of flags buffer i.
func (p *tcpFramePool) optsRegion(i int) []byte {
	return p.payload(i)[:tcpOptionsMax]
}

// tcpFillFrame fills the L3 and L4 headers of buffer i for conn and
// returns the total frame length (headroom included). payloadLen counts
// TCP payload bytes already present in the buffer; optLen counts option
// bytes. With reuseCheckFrom >= 0, the IPv4 header checksum is copied
// from that earlier buffer instead of recomputed (valid for equal-length
// frames back to back).
func (p *tcpFramePool) tcpFillFrame(c *Context, conn *tcpConn, i, payloadLen, optLen int,
	flags header.TCPFlags, seq uint32, reuseCheckFrom int) int {

	wnd := uint32(conn.wndToTap)
	if conn.events&eventEstablished == 0 {
		wnd = min32(uint32(conn.wndToTap)<<conn.wsToTap, 65535)
	}

	l4Len := tcpHeaderLen + optLen + payloadLen

	if !p.v6 {
		srcAddr, _ := addrV4(conn.faddr)
		dstAddr := c.ip4.AddrSeen

		ip := header.IPv4(p.bufs[i][ip4Off : ip4Off+ip4HeaderLen])
		ip.Encode(&header.IPv4Fields{
			TotalLength: uint16(ip4HeaderLen + l4Len),
			TTL:         255,
			Protocol:    uint8(header.TCPProtocolNumber),
			SrcAddr:     tcpipAddr(srcAddr),
			DstAddr:     tcpipAddr(dstAddr),
		})
		if reuseCheckFrom >= 0 {
			prev := header.IPv4(p.bufs[reuseCheckFrom][ip4Off : ip4Off+ip4HeaderLen])
			ip.SetChecksum(prev.Checksum())
		} else {
			csumIPv4Header(ip)
		}

		th := header.TCP(p.bufs[i][tcp4Off : tcp4Off+tcpHeaderLen+optLen])
		th.Encode(&header.TCPFields{
			SrcPort:    conn.fport,
			DstPort:    conn.eport,
			SeqNum:     seq,
			AckNum:     conn.seqAckToTap,
			DataOffset: uint8(tcpHeaderLen + optLen),
			Flags:      flags,
			WindowSize: uint16(wnd),
		})
		payload := p.bufs[i][tcp4Off+tcpHeaderLen+optLen : tcp4Off+l4Len]
		csumTCP(srcAddr, dstAddr, th, payload)

		return frameLenSize + ethHeaderLen + ip4HeaderLen + l4Len
	}

	srcAddr := conn.faddr
	dstAddr := c.ip6.AddrSeen
	if addrLinkLocal(srcAddr) {
		dstAddr = c.ip6.AddrLLSeen
	}

	ip := header.IPv6(p.bufs[i][ip6Off : ip6Off+ip6HeaderLen])
	ip.Encode(&header.IPv6Fields{
		PayloadLength:     uint16(l4Len),
		TransportProtocol: header.TCPProtocolNumber,
		HopLimit:          255,
		// A per-connection flow label helps the guest spread flows.
		FlowLabel: uint32(conn.sock) & 0xfffff,
		SrcAddr:   tcpipAddr(srcAddr),
		DstAddr:   tcpipAddr(dstAddr),
	})

	th := header.TCP(p.bufs[i][tcp6Off : tcp6Off+tcpHeaderLen+optLen])
	th.Encode(&header.TCPFields{
		SrcPort:    conn.fport,
		DstPort:    conn.eport,
		SeqNum:     seq,
		AckNum:     conn.seqAckToTap,
		DataOffset: uint8(tcpHeaderLen + optLen),
		Flags:      flags,
		WindowSize: uint16(wnd),
	})
	payload := p.bufs[i][tcp6Off+tcpHeaderLen+optLen : tcp6Off+l4Len]
	csumTCP(srcAddr, dstAddr, th, payload)

	return frameLenSize + ethHeaderLen + ip6HeaderLen + l4Len
}

// frames returns the cooked frame slices ready for the tap, reusing the
// pool's scratch list.
func (p *tcpFramePool) frames() [][]byte {
	out := p.scratch[:0]
	for i := 0; i < p.used; i++ {
		out = append(out, p.bufs[i][:p.lens[i]])
	}
	return out
}

// tcpFlushFlags sends out both families' queued control frames.
func (c *Context) tcpFlushFlags() {
	for _, p := range []*tcpFramePool{&c.tcp.flags6, &c.tcp.flags4} {
		if p.used == 0 {
			continue
		}
		c.tapSendFrames(p.frames())
		p.used = 0
	}
}

// tcpFlushData sends out queued data frames and advances each covered
// connection's tap sequence by exactly the flushed payload. Frames the
// tap did not take stay pending in the socket buffers (reads peek), so an
// untouched sequence means a clean retransmission later.
func (c *Context) tcpFlushData() {
	for _, p := range []*tcpFramePool{&c.tcp.data6, &c.tcp.data4} {
		if p.used == 0 {
			continue
		}
		m := c.tapSendFrames(p.frames())
		for i := 0; i < m; i++ {
			p.seqUpd[i].conn.seqToTap += uint32(p.seqUpd[i].len)
		}
		p.used = 0
	}
}

// tcpDeferHandler is the end-of-wakeup deferred flush.
func (c *Context) tcpDeferHandler() {
	c.tcpFlushFlags()
	c.tcpFlushData()
}

// updateL2Bufs rewrites the Ethernet headers of all pools after a MAC
// change.
func (t *tcpCtx) updateL2Bufs(c *Context) {
	t.data4.cookL2(c)
	t.data6.cookL2(c)
	t.flags4.cookL2(c)
	t.flags6.cookL2(c)
}

func linkAddr(mac [6]byte) tcpip.LinkAddress {
	return tcpip.LinkAddress(mac[:])
}
