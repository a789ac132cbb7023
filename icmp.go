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

// ICMP echo engine. One Linux dgram "ping" socket per (destination,
// guest id) pair: the kernel assigns its own echo identifier on send and
// maps replies back to the socket, so the engine only needs to remember
// the id the guest used and restore it on the reply frame.

import (
	"net/netip"

	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"golang.org/x/sys/unix"
)

// icmpCtx maps guest echo identifiers to flow table entries.
type icmpCtx struct {
	// idMap holds flow index + 1 per (version, id); zero means none.
	idMap [2][numPorts]uint32
}

func (ic *icmpCtx) lookup(ver int, id uint16) (uint32, bool) {
	v := ic.idMap[ver][id]
	if v == 0 {
		return 0, false
	}
	return v - 1, true
}

func (ic *icmpCtx) store(ver int, id uint16, idx uint32) {
	ic.idMap[ver][id] = idx + 1
}

func (ic *icmpCtx) release(ver int, id uint16, idx uint32) {
	if ic.idMap[ver][id] == idx+1 {
		ic.idMap[ver][id] = 0
	}
}

const (
	icmp4EchoRequest = 8
	icmp4EchoReply   = 0
	icmp6EchoRequest = 128
	icmp6EchoReply   = 129
)

// icmpTapHandler handles an ICMP/ICMPv6 packet from the guest. Only echo
// requests are translated; everything else is dropped quietly.
func (c *Context) icmpTapHandler(family int, saddr, daddr netip.Addr, p *Pool, start int) int {
	msg := p.get(start, 0, 0)
	if len(msg) < header.ICMPv4MinimumSize {
		return 1
	}

	isV6 := family == unix.AF_INET6
	ver := v4
	kind := flowPing4
	proto := unix.IPPROTO_ICMP
	wantType := uint8(icmp4EchoRequest)
	if isV6 {
		ver = v6
		kind = flowPing6
		proto = unix.IPPROTO_ICMPV6
		wantType = icmp6EchoRequest
	}

	if msg[0] != wantType {
		return 1
	}

	// Echo header layout is shared between the families: type, code,
	// checksum, id, sequence.
	id := uint16(msg[4])<<8 | uint16(msg[5])
	seq := uint16(msg[6])<<8 | uint16(msg[7])

	var flow *flowEntry
	var idx uint32
	if i, ok := c.icmp.lookup(ver, id); ok && c.flows.at(i).kind == kind &&
		c.flows.at(i).ping.raddr == addrTo16(daddr) {
		flow, idx = c.flows.at(i), i
	} else {
		flow, idx = c.flows.alloc()
		if flow == nil {
			return 1
		}

		s, err := unix.Socket(intFamily(isV6), unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
		if err != nil {
			c.logger.Debug("Failed to open ping socket",
				"error", err)
			c.flows.allocCancel(idx)
			return 1
		}
		if s, err = checkFdRef(s); err != nil {
			c.flows.allocCancel(idx)
			return 1
		}

		ref := epollRef{kind: epollPing, fd: int32(s), data: idx}
		if err := c.epollAdd(s, ref, unix.EPOLLIN); err != nil {
			_ = unix.Close(s)
			c.flows.allocCancel(idx)
			return 1
		}

		flow.kind = kind
		flow.ping = icmpFlow{sock: int32(s), seq: -1, id: id, raddr: addrTo16(daddr)}
		c.icmp.store(ver, id, idx)

		c.logger.Debug("New ICMP echo flow",
			"flow", idx, "id", id, "dst", daddr)
	}

	pf := &flow.ping
	pf.ts = c.now.Unix()
	pf.seq = int32(seq)

	scope := uint32(0)
	if isV6 && addrLinkLocal(daddr) {
		scope = uint32(c.ifi6)
	}
	sa := sockaddrFromAddrPort(daddr, 0, scope)

	// The kernel rewrites the echo id to the socket's own on the way
	// out and matches replies back on it.
	if err := unix.Sendto(int(pf.sock), msg, unix.MSG_DONTWAIT, sa); err != nil {
		c.logger.Debug("Failed to send echo request",
			"flow", idx, "error", err)
	}

	return 1
}

// icmpSockHandler relays an echo reply back to the guest with the
// guest's original identifier.
func (c *Context) icmpSockHandler(ref epollRef, events uint32) {
	if events&unix.EPOLLIN == 0 {
		return
	}

	flow := c.flows.at(ref.data)
	if flow.kind != flowPing4 && flow.kind != flowPing6 {
		return
	}
	pf := &flow.ping
	isV6 := flow.kind == flowPing6

	buf := c.icmpBuf()
	n, _, err := unix.Recvfrom(int(pf.sock), buf, unix.MSG_DONTWAIT)
	if err != nil || n < header.ICMPv4MinimumSize {
		return
	}

	wantType := uint8(icmp4EchoReply)
	if isV6 {
		wantType = icmp6EchoReply
	}
	if buf[0] != wantType {
		return
	}

	// Restore the id the guest knows this exchange by.
	buf[4] = byte(pf.id >> 8)
	buf[5] = byte(pf.id)

	c.icmpTapSend(isV6, pf.raddr, buf[:n])
}

// icmpBuf returns the scratch reply buffer inside the single-frame
// emission buffer.
func (c *Context) icmpBuf() []byte {
	return c.oneFrame[udp6Payload-udpHeaderLen:]
}

// icmpTapSend wraps an ICMP message in L2+L3 headers and emits it as a
// single frame.
func (c *Context) icmpTapSend(isV6 bool, src netip.Addr, msg []byte) {
	if !isV6 {
		srcAddr, _ := addrV4(src)
		icmp := header.ICMPv4(msg)
		csumICMPv4(icmp[:header.ICMPv4MinimumSize], msg[header.ICMPv4MinimumSize:])
		c.tapSendSingle4(uint8(header.ICMPv4ProtocolNumber), srcAddr, c.ip4.AddrSeen, msg)
		return
	}

	dst := c.ip6.AddrSeen
	if addrLinkLocal(src) {
		dst = c.ip6.AddrLLSeen
	}

	icmp := header.ICMPv6(msg)
	csumICMPv6(src, dst, icmp[:header.ICMPv6MinimumSize], msg[header.ICMPv6MinimumSize:])
	c.tapSendSingle6(uint8(header.ICMPv6ProtocolNumber), src, dst, msg)
}

// icmpPingTimer ages one echo flow during the periodic pass; a true
// return retires the flow.
func (c *Context) icmpPingTimer(flow *flowEntry) bool {
	pf := &flow.ping
	if c.now.Unix()-pf.ts <= int64(icmpEchoTimeout.Seconds()) {
		return false
	}

	c.epollDel(int(pf.sock))
	_ = unix.Close(int(pf.sock))
	return true
}

func intFamily(isV6 bool) int {
	if isV6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}
