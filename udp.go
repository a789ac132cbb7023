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

// UDP translation engine. There are no connections: the engine binds a
// socket for each source port the guest uses, so replies land somewhere
// it can relay them back from, and ages those bindings on inactivity.
// Traffic whose both endpoints are loopback across the two namespaces
// takes the splice fast path and never becomes an L2 frame.

import (
	"net/netip"

	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/noisysockets/passage/internal/nsenter"
)

// Port activity flags.
const (
	portLocal uint8 = 1 << iota
	portLoopback
	portGUA
	portDNSFwd
)

// Activity categories for the per-port aging bitmaps.
const (
	udpActTap = iota
	udpActSpliceNS
	udpActSpliceInit
	udpActMax
)

// udpTapPort tracks the socket opened for a tap-facing source port.
type udpTapPort struct {
	sock  int32
	flags uint8
	ts    int64
}

// udpSplicePort tracks a loopback socket bound for splicing.
type udpSplicePort struct {
	sock int32
	ts   int64
}

const (
	udpHeaderLen = header.UDPMinimumSize

	udp4Off     = ip4Off + ip4HeaderLen
	udp6Off     = ip6Off + ip6HeaderLen
	udp4Payload = udp4Off + udpHeaderLen
	udp6Payload = udp6Off + udpHeaderLen
)

// udpFrames is one family's batch machinery: cooked frame buffers whose
// payload sections double as recvmmsg targets and sendmmsg sources.
type udpFrames struct {
	v6 bool

	bufs  [][]byte
	names []unix.RawSockaddrInet6

	recvIov []unix.Iovec
	recvH   []mmsghdr

	spliceIov  []unix.Iovec
	spliceH    []mmsghdr
	spliceName unix.RawSockaddrInet6

	scratch [][]byte
}

func newUDPFrames(v6 bool) *udpFrames {
	payloadOff := udp4Payload
	if v6 {
		payloadOff = udp6Payload
	}
	size := payloadOff + 65535 - (payloadOff - frameLenSize - ethHeaderLen)

	f := &udpFrames{
		v6:        v6,
		bufs:      make([][]byte, udpMaxFrames),
		names:     make([]unix.RawSockaddrInet6, udpMaxFrames),
		recvIov:   make([]unix.Iovec, udpMaxFrames),
		recvH:     make([]mmsghdr, udpMaxFrames),
		spliceIov: make([]unix.Iovec, udpMaxFrames),
		spliceH:   make([]mmsghdr, udpMaxFrames),
		scratch:   make([][]byte, 0, udpMaxFrames),
	}

	loop := loopback4
	if v6 {
		loop = loopback6
	}
	putRawSockaddr(&f.spliceName, loop, 0)

	for i := range f.bufs {
		f.bufs[i] = make([]byte, size)

		payload := f.bufs[i][payloadOff:]
		wireMmsg(&f.recvH[i], &f.recvIov[i], payload, &f.names[i])
		wireMmsg(&f.spliceH[i], &f.spliceIov[i], payload, &f.spliceName)
	}

	return f
}

func (f *udpFrames) payloadOff() int {
	if f.v6 {
		return udp6Payload
	}
	return udp4Payload
}

// cookL2 (re)writes the Ethernet scaffolding.
func (f *udpFrames) cookL2(c *Context) {
	etherType := header.IPv4ProtocolNumber
	if f.v6 {
		etherType = header.IPv6ProtocolNumber
	}
	for _, buf := range f.bufs {
		eth := header.Ethernet(buf[ethOff : ethOff+ethHeaderLen])
		eth.Encode(&header.EthernetFields{
			SrcAddr: linkAddr(c.mac),
			DstAddr: linkAddr(c.macGuest),
			Type:    etherType,
		})
	}
}

// udpCtx is the UDP engine's slice of the execution context.
type udpCtx struct {
	fwdIn  UDPForwardPorts
	fwdOut UDPForwardPorts

	tapMap     [2][]udpTapPort
	spliceNS   [2][]udpSplicePort
	spliceInit [2][]udpSplicePort

	act [2][udpActMax]portBitmap

	frames4 *udpFrames
	frames6 *udpFrames

	// Scratch for tap-to-socket sendmmsg batches.
	sendIov []unix.Iovec
	sendH   []mmsghdr
}

func (u *udpCtx) updateL2Bufs(c *Context) {
	u.frames4.cookL2(c)
	u.frames6.cookL2(c)
}

// udpInit dimensions the port tables and frame pools.
func (c *Context) udpInit() error {
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

	c.udp.sendIov = make([]unix.Iovec, tapSeqPkts)
	c.udp.sendH = make([]mmsghdr, tapSeqPkts)

	c.udp.fwdIn.invertPortMap()
	c.udp.fwdOut.invertPortMap()

	if c.mode == ModeNS {
		return nsenter.Do(netns.NsHandle(c.netnsFD), func() error {
			c.udpPortRebind(true)
			return nil
		})
	}
	return nil
}

// udpSpliceNew creates and registers a loopback socket for splicing,
// bound to src in the namespace selected by ns.
func (c *Context) udpSpliceNew(isV6 bool, src uint16, ns bool) (int, error) {
	ver := v4
	family := unix.AF_INET
	loop := loopback4
	if isV6 {
		ver = v6
		family = unix.AF_INET6
		loop = loopback6
	}

	var sp *udpSplicePort
	var act int
	data := udpEpollData{v6: isV6, splice: true, port: src}
	if ns {
		data.pif = pifSplice
		sp = &c.udp.spliceNS[ver][src]
		act = udpActSpliceNS
	} else {
		data.pif = pifHost
		sp = &c.udp.spliceInit[ver][src]
		act = udpActSpliceInit
	}

	s, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return -1, err
	}
	if s, err = checkFdRef(s); err != nil {
		return -1, err
	}

	if err := unix.Bind(s, sockaddrFromAddrPort(loop, src, 0)); err != nil {
		_ = unix.Close(s)
		return -1, err
	}

	ref := epollRef{kind: epollUDP, fd: int32(s), data: data.pack()}
	if err := c.epollAdd(s, ref, unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP); err != nil {
		_ = unix.Close(s)
		return -1, err
	}

	sp.sock = int32(s)
	c.udp.act[ver][act].set(src)
	return s, nil
}

// udpSpliceSendFrom relays a contiguous batch of received datagrams
// between the loopback sockets of the two namespaces.
func (c *Context) udpSpliceSendFrom(f *udpFrames, start, n int, src, dst uint16, fromPif pif, allowNew bool) {
	ver := v4
	if f.v6 {
		ver = v6
	}

	var s int32 = -1
	if fromPif == pifSplice {
		src += c.udp.fwdIn.RDelta[src]
		s = c.udp.spliceInit[ver][src].sock
		if s < 0 && allowNew {
			if ns, err := c.udpSpliceNew(f.v6, src, false); err == nil {
				s = int32(ns)
			}
		}
		if s < 0 {
			return
		}

		c.udp.spliceNS[ver][dst].ts = c.now.Unix()
		c.udp.spliceInit[ver][src].ts = c.now.Unix()
	} else {
		src += c.udp.fwdOut.RDelta[src]
		s = c.udp.spliceNS[ver][src].sock
		if s < 0 && allowNew {
			var nsSock int
			err := nsenter.Do(netns.NsHandle(c.netnsFD), func() error {
				var err error
				nsSock, err = c.udpSpliceNew(f.v6, src, true)
				return err
			})
			if err == nil {
				s = int32(nsSock)
			}
		}
		if s < 0 {
			return
		}

		c.udp.spliceInit[ver][dst].ts = c.now.Unix()
		c.udp.spliceNS[ver][src].ts = c.now.Unix()
	}

	// Reuse the received payload lengths, aim the shared name at dst.
	nport := dst>>8 | dst<<8
	if f.v6 {
		f.spliceName.Port = nport
	} else {
		rawInet4Ptr(&f.spliceName).Port = nport
	}
	for i := start; i < start+n; i++ {
		f.spliceIov[i].SetLen(int(f.recvH[i].len))
	}

	_, _ = sendmmsg(int(s), f.spliceH[start:start+n], unix.MSG_NOSIGNAL)

	// Restore full-size receive lengths.
	payload := f.payloadOff()
	for i := start; i < start+n; i++ {
		f.spliceIov[i].SetLen(len(f.bufs[i]) - payload)
	}
}

// udpUpdateHdr4 fills the headers of one received IPv4 datagram, applying
// the reverse address policy (DNS reply mapping, loopback/own-address
// reflection to the gateway).
func (c *Context) udpUpdateHdr4(f *udpFrames, i int, dstPort uint16) int {
	datalen := int(f.recvH[i].len)
	src, srcPort, ok := rawSockaddrPort(&f.names[i])
	if !ok {
		return 0
	}

	tapMap := c.udp.tapMap[v4]

	switch {
	case c.ip4.DNSMatch.IsValid() && addrsEqual(src, c.ip4.DNSHost) &&
		srcPort == 53 && tapMap[dstPort].flags&portDNSFwd != 0:
		src = c.ip4.DNSMatch
	case src.IsLoopback() || addrsEqual(src, c.ip4.AddrSeen):
		tapMap[srcPort].ts = c.now.Unix()
		tapMap[srcPort].flags |= portLocal
		if src.IsLoopback() {
			tapMap[srcPort].flags |= portLoopback
		} else {
			tapMap[srcPort].flags &^= portLoopback
		}
		c.udp.act[v4][udpActTap].set(srcPort)
		src = c.ip4.GW
	}

	ip := header.IPv4(f.bufs[i][ip4Off : ip4Off+ip4HeaderLen])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(ip4HeaderLen + udpHeaderLen + datalen),
		TTL:         255,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     tcpipAddr(src),
		DstAddr:     tcpipAddr(c.ip4.AddrSeen),
	})
	csumIPv4Header(ip)

	udp := header.UDP(f.bufs[i][udp4Off : udp4Off+udpHeaderLen])
	udp.Encode(&header.UDPFields{
		SrcPort: srcPort,
		DstPort: dstPort,
		Length:  uint16(udpHeaderLen + datalen),
	})
	csumUDP(src, c.ip4.AddrSeen, udp, f.bufs[i][udp4Payload:udp4Payload+datalen])

	return frameLenSize + ethHeaderLen + ip4HeaderLen + udpHeaderLen + datalen
}

// udpUpdateHdr6 is the IPv6 counterpart of udpUpdateHdr4, with link-local
// scope handling.
func (c *Context) udpUpdateHdr6(f *udpFrames, i int, dstPort uint16) int {
	datalen := int(f.recvH[i].len)
	src, srcPort, ok := rawSockaddrPort(&f.names[i])
	if !ok {
		return 0
	}

	dst := c.ip6.AddrSeen
	tapMap := c.udp.tapMap[v6]

	switch {
	case addrLinkLocal(src):
		dst = c.ip6.AddrLLSeen
	case c.ip6.DNSMatch.IsValid() && addrsEqual(src, c.ip6.DNSHost) &&
		srcPort == 53 && tapMap[dstPort].flags&portDNSFwd != 0:
		src = c.ip6.DNSMatch
	case src.IsLoopback() || addrsEqual(src, c.ip6.AddrSeen) ||
		addrsEqual(src, c.ip6.Addr):
		tapMap[srcPort].ts = c.now.Unix()
		tapMap[srcPort].flags |= portLocal
		if src.IsLoopback() {
			tapMap[srcPort].flags |= portLoopback
		} else {
			tapMap[srcPort].flags &^= portLoopback
		}
		if addrsEqual(src, c.ip6.Addr) {
			tapMap[srcPort].flags |= portGUA
		} else {
			tapMap[srcPort].flags &^= portGUA
		}
		c.udp.act[v6][udpActTap].set(srcPort)

		dst = c.ip6.AddrLLSeen
		if addrLinkLocal(c.ip6.GW) {
			src = c.ip6.GW
		} else {
			src = c.ip6.AddrLL
		}
	}

	ip := header.IPv6(f.bufs[i][ip6Off : ip6Off+ip6HeaderLen])
	ip.Encode(&header.IPv6Fields{
		PayloadLength:     uint16(udpHeaderLen + datalen),
		TransportProtocol: header.UDPProtocolNumber,
		HopLimit:          255,
		SrcAddr:           tcpipAddr(src),
		DstAddr:           tcpipAddr(dst),
	})

	udp := header.UDP(f.bufs[i][udp6Off : udp6Off+udpHeaderLen])
	udp.Encode(&header.UDPFields{
		SrcPort: srcPort,
		DstPort: dstPort,
		Length:  uint16(udpHeaderLen + datalen),
	})
	csumUDP(src, dst, udp, f.bufs[i][udp6Payload:udp6Payload+datalen])

	return frameLenSize + ethHeaderLen + ip6HeaderLen + udpHeaderLen + datalen
}

// udpTapSend finalises and emits a batch of received datagrams towards
// the tap.
func (c *Context) udpTapSend(f *udpFrames, start, n int, dstPort uint16) {
	out := f.scratch[:0]
	for i := start; i < start+n; i++ {
		var l int
		if f.v6 {
			l = c.udpUpdateHdr6(f, i, dstPort)
		} else {
			l = c.udpUpdateHdr4(f, i, dstPort)
		}
		if l == 0 {
			continue
		}
		out = append(out, f.bufs[i][:l])
	}
	c.tapSendFrames(out)
}

// udpSpliceSource returns the source port of a received message when it
// arrived from loopback, or -1.
func udpSpliceSource(f *udpFrames, i int) int {
	src, srcPort, ok := rawSockaddrPort(&f.names[i])
	if !ok || !src.IsLoopback() {
		return -1
	}
	return int(srcPort)
}

// udpSockHandler moves datagrams from a ready socket towards the tap or
// the splice path.
func (c *Context) udpSockHandler(ref epollRef, events uint32) {
	if events&unix.EPOLLIN == 0 {
		return
	}

	data := unpackUDPEpollData(ref.data)

	// Batch receives on the stream transport; the tuntap path performs
	// better taking one datagram at a time.
	n := udpMaxFrames
	if c.mode == ModeNS {
		n = 1
	}

	dstPort := data.port
	switch data.pif {
	case pifSplice:
		dstPort += c.udp.fwdOut.Delta[dstPort]
	case pifHost:
		dstPort += c.udp.fwdIn.Delta[dstPort]
	}

	f := c.udp.frames4
	if data.v6 {
		f = c.udp.frames6
	}

	got, err := recvmmsg(int(ref.fd), f.recvH[:n], 0)
	if err != nil || got <= 0 {
		return
	}

	for i := 0; i < got; {
		m := got - i
		spliceFrom := -1

		if data.splice {
			spliceFrom = udpSpliceSource(f, i)
			m = 1
			for i+m < got && udpSpliceSource(f, i+m) == spliceFrom {
				m++
			}
		}

		if spliceFrom >= 0 {
			c.udpSpliceSendFrom(f, i, m, uint16(spliceFrom), dstPort, data.pif, data.orig)
		} else {
			c.udpTapSend(f, i, m, dstPort)
		}

		i += m
	}
}

// udpTapHandler forwards a batch of guest datagrams sharing source and
// destination out of the matching bound socket, creating the ephemeral
// binding on first use.
func (c *Context) udpTapHandler(family int, saddr, daddr netip.Addr, p *Pool, start int) int {
	hdr := p.get(start, 0, udpHeaderLen)
	if hdr == nil {
		return 1
	}
	uh := header.UDP(hdr)

	src := uh.SourcePort()
	dst := uh.DestinationPort()

	ver := v4
	if family == unix.AF_INET6 {
		ver = v6
	}
	tapMap := c.udp.tapMap[ver]

	dstAddr := daddr
	var bindAddr netip.Addr
	bindIf := ""

	if family == unix.AF_INET {
		switch {
		case addrsEqual(dstAddr, c.ip4.DNSMatch) && dst == 53:
			dstAddr = c.ip4.DNSHost
			tapMap[src].ts = c.now.Unix()
			tapMap[src].flags |= portDNSFwd
			c.udp.act[v4][udpActTap].set(src)
		case addrsEqual(dstAddr, c.ip4.GW) && !c.noMapGW:
			if tapMap[dst].flags&portLocal == 0 ||
				tapMap[dst].flags&portLoopback != 0 {
				dstAddr = loopback4
			} else {
				dstAddr = c.ip4.AddrSeen
			}
		}
		if !addrLoopback(dstAddr) {
			bindIf = c.ip4.IfnameOut
			if c.ip4.AddrOut.IsValid() && !c.ip4.AddrOut.IsUnspecified() {
				bindAddr = c.ip4.AddrOut
			}
		}
	} else {
		switch {
		case addrsEqual(dstAddr, c.ip6.DNSMatch) && dst == 53:
			dstAddr = c.ip6.DNSHost
			tapMap[src].ts = c.now.Unix()
			tapMap[src].flags |= portDNSFwd
			c.udp.act[v6][udpActTap].set(src)
		case addrsEqual(dstAddr, c.ip6.GW) && !c.noMapGW:
			if tapMap[dst].flags&portLocal == 0 ||
				tapMap[dst].flags&portLoopback != 0 {
				dstAddr = loopback6
			} else if tapMap[dst].flags&portGUA != 0 {
				dstAddr = c.ip6.Addr
			} else {
				dstAddr = c.ip6.AddrSeen
			}
		case addrLinkLocal(dstAddr):
			bindAddr = c.ip6.AddrLL
		}
		if !addrLoopback(dstAddr) {
			bindIf = c.ip6.IfnameOut
			if !addrLinkLocal(dstAddr) && c.ip6.AddrOut.IsValid() &&
				!c.ip6.AddrOut.IsUnspecified() {
				bindAddr = c.ip6.AddrOut
			}
		}
	}

	s := tapMap[src].sock
	if s < 0 {
		data := udpEpollData{v6: ver == v6, port: src, pif: pifHost}
		ns, err := c.sockL4(family, unix.IPPROTO_UDP, bindAddr, bindIf, src, data.pack())
		if err != nil {
			c.logger.Debug("Failed to bind UDP source port",
				"port", src, "error", err)
			return p.count() - start
		}
		s = int32(ns)
		tapMap[src].sock = s
		c.udp.act[ver][udpActTap].set(src)
	}

	tapMap[src].ts = c.now.Unix()

	// Aim every message of the batch at the rewritten destination.
	var name unix.RawSockaddrInet6
	scope := uint32(0)
	if family == unix.AF_INET6 && addrLinkLocal(dstAddr) {
		scope = uint32(c.ifi6)
	}
	nameLen := putRawSockaddr(&name, dstAddr, dst)
	if scope != 0 {
		name.Scope_id = scope
	}

	count := 0
	for i := start; i < p.count(); i++ {
		payload := p.get(i, udpHeaderLen, 0)
		if payload == nil {
			break
		}

		h := &c.udp.sendH[count]
		iov := &c.udp.sendIov[count]
		if len(payload) > 0 {
			iov.Base = &payload[0]
			iov.SetLen(len(payload))
			h.hdr.Iov = iov
			h.hdr.SetIovlen(1)
		} else {
			h.hdr.Iov = nil
			h.hdr.SetIovlen(0)
		}
		h.hdr.Name = rawBytePtr(&name)
		h.hdr.Namelen = nameLen
		count++
	}

	sent, err := sendmmsg(int(s), c.udp.sendH[:count], unix.MSG_NOSIGNAL)
	if err != nil {
		return 1
	}
	return sent
}

// udpSockInit binds the "orig" sockets for a forwarded port: wildcard in
// the init namespace for inbound, loopback in the peer namespace for
// outbound.
func (c *Context) udpSockInit(ns bool, family int, addr netip.Addr, ifname string, port uint16) error {
	data := udpEpollData{splice: c.mode == ModeNS, orig: true, port: port}
	if ns {
		data.pif = pifSplice
	} else {
		data.pif = pifHost
	}

	var lastErr error
	ok := false

	if (family == unix.AF_INET || family == unix.AF_UNSPEC) && c.ifi4 != 0 {
		data.v6 = false
		bind := addr
		if ns {
			bind = loopback4
		}
		s, err := c.sockL4(unix.AF_INET, unix.IPPROTO_UDP, bind, ifname, port, data.pack())
		if err != nil {
			lastErr = err
			s = -1
		} else {
			ok = true
		}
		if ns {
			c.udp.spliceNS[v4][port].sock = int32(s)
		} else {
			c.udp.tapMap[v4][port].sock = int32(s)
			c.udp.spliceInit[v4][port].sock = int32(s)
		}
	}

	if (family == unix.AF_INET6 || family == unix.AF_UNSPEC) && c.ifi6 != 0 {
		data.v6 = true
		bind := addr
		if ns {
			bind = loopback6
		}
		s, err := c.sockL4(unix.AF_INET6, unix.IPPROTO_UDP, bind, ifname, port, data.pack())
		if err != nil {
			lastErr = err
			s = -1
		} else {
			ok = true
		}
		if ns {
			c.udp.spliceNS[v6][port].sock = int32(s)
		} else {
			c.udp.tapMap[v6][port].sock = int32(s)
			c.udp.spliceInit[v6][port].sock = int32(s)
		}
	}

	if ok {
		return nil
	}
	return lastErr
}

// udpTimerOne ages one port in one category, closing its socket when the
// binding idled out.
func (c *Context) udpTimerOne(ver, act int, port uint16) {
	var sockp *int32

	switch act {
	case udpActTap:
		tp := &c.udp.tapMap[ver][port]
		if c.now.Unix()-tp.ts > int64(udpConnTimeout.Seconds()) {
			sockp = &tp.sock
			tp.flags = 0
		}
	case udpActSpliceInit:
		sp := &c.udp.spliceInit[ver][port]
		if c.now.Unix()-sp.ts > int64(udpConnTimeout.Seconds()) {
			sockp = &sp.sock
		}
	case udpActSpliceNS:
		sp := &c.udp.spliceNS[ver][port]
		if c.now.Unix()-sp.ts > int64(udpConnTimeout.Seconds()) {
			sockp = &sp.sock
		}
	}

	if sockp != nil && *sockp >= 0 {
		s := *sockp
		*sockp = -1
		c.epollDel(int(s))
		_ = unix.Close(int(s))
		c.udp.act[ver][act].clear(port)
	}
}

// udpPortRebind reconciles "orig" sockets with a refreshed forward map.
func (c *Context) udpPortRebind(outbound bool) {
	fmap := &c.udp.fwdIn.Map
	rmap := &c.udp.fwdOut.Map
	socks := &c.udp.spliceInit
	if outbound {
		fmap, rmap = rmap, fmap
		socks = &c.udp.spliceNS
	}

	for port := 0; port < numPorts; port++ {
		p := uint16(port)
		if !fmap.isSet(p) {
			for _, ver := range []int{v4, v6} {
				if socks[ver][port].sock >= 0 {
					c.epollDel(int(socks[ver][port].sock))
					_ = unix.Close(int(socks[ver][port].sock))
					socks[ver][port].sock = -1
				}
			}
			continue
		}

		// Don't loop back our own ports.
		if rmap.isSet(p) {
			continue
		}

		if (c.ifi4 != 0 && socks[v4][port].sock == -1) ||
			(c.ifi6 != 0 && socks[v6][port].sock == -1) {
			_ = c.udpSockInit(outbound, unix.AF_UNSPEC, netip.Addr{}, "", p)
		}
	}
}

// udpTimer runs the periodic UDP tasks: auto-mode rescans and rebinds,
// then the activity-bitmap expiry sweep.
func (c *Context) udpTimer() {
	if c.mode == ModeNS {
		if c.udp.fwdOut.Mode == ForwardAuto {
			c.fwdScanPortsUDP(&c.udp.fwdOut, &c.udp.fwdIn, 0)
			_ = nsenter.Do(netns.NsHandle(c.netnsFD), func() error {
				c.udpPortRebind(true)
				return nil
			})
		}
		if c.udp.fwdIn.Mode == ForwardAuto {
			_ = nsenter.Do(netns.NsHandle(c.netnsFD), func() error {
				c.fwdScanPortsUDP(&c.udp.fwdIn, &c.udp.fwdOut, 1)
				return nil
			})
			c.udpPortRebind(false)
		}
	}

	for _, ver := range []int{v4, v6} {
		if (ver == v4 && c.ifi4 == 0) || (ver == v6 && c.ifi6 == 0) {
			continue
		}
		for act := 0; act < udpActMax; act++ {
			bm := c.udp.act[ver][act] // copy: udpTimerOne mutates the live bitmap
			bm.forEach(func(port uint16) {
				c.udpTimerOne(ver, act, port)
			})
		}
	}
}
