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

// TCP translation engine. Each connection is tracked as a pair of
// half-flows: the tap side speaks TCP segments with the guest, the socket
// side is an ordinary connected kernel socket. The engine mirrors the
// dynamics observed on one side onto the other (window, MSS, window
// scaling, ACK progress) without implementing congestion control or
// reassembly of its own: data is peeked from the socket and only consumed
// once the guest acknowledges it, so the kernel's buffer doubles as the
// retransmission queue.

import (
	"errors"
	"net/netip"

	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/noisysockets/passage/internal/nsenter"
)

// Connection events. Setting any of the mutually exclusive state bits
// replaces the whole set; the remaining observer bits accumulate. Bit 3
// is shared between the handshake-phase TapSynAckSent and the
// established-phase SockFinRcvd, which never coexist.
const (
	eventSockAccepted  uint8 = 1 << 0
	eventTapSynRcvd    uint8 = 1 << 1
	eventEstablished   uint8 = 1 << 2
	eventTapSynAckSent uint8 = 1 << 3
	eventSockFinRcvd   uint8 = 1 << 3
	eventSockFinSent   uint8 = 1 << 4
	eventTapFinRcvd    uint8 = 1 << 5
	eventTapFinSent    uint8 = 1 << 6
	eventTapFinAcked   uint8 = 1 << 7

	eventClosed uint8 = 0

	connStateBits = eventSockAccepted | eventTapSynRcvd | eventEstablished
)

// Connection flags.
const (
	flagStalled uint8 = 1 << iota
	flagLocal
	flagActiveClose
	flagAckToTapDue
	flagAckFromTapDue
)

// Socket buffer scaling thresholds.
const (
	sndBufSmall = 128 << 10
	sndBufBig   = 4 << 20
)

const (
	lowRTTTableSize = 8
	// lowRTTThresholdUS distinguishes co-local destinations from LAN
	// ones on tcpi_min_rtt.
	lowRTTThresholdUS = 10
)

// dupAckFlag requests the emitted control segment be doubled to trigger
// fast retransmit guest-side. It occupies a flag bit never put on the
// wire.
const dupAckFlag = header.TCPFlags(1 << 5)

// ackIfNeeded requests a segment only if an ACK is currently owed.
const ackIfNeeded = header.TCPFlags(0)

const wireFlagsMask = header.TCPFlagFin | header.TCPFlagSyn |
	header.TCPFlagRst | header.TCPFlagAck

// tcpCtx is the TCP engine's slice of the execution context.
type tcpCtx struct {
	fwdIn  ForwardPorts
	fwdOut ForwardPorts

	// kernelSndWnd latches once the kernel is seen reporting
	// tcpi_snd_wnd.
	kernelSndWnd bool

	lowRTT lowRTTTable

	data4  tcpFramePool
	data6  tcpFramePool
	flags4 tcpFramePool
	flags6 tcpFramePool

	// discard receives the already-sent prefix of peeked socket data.
	discard []byte

	// Scratch scatter lists, reused per call so the data path does not
	// allocate.
	recvBufs [][]byte
	sendBufs [][]byte

	pool4 [tcpSockPoolSize]int32
	pool6 [tcpSockPoolSize]int32

	// Listening sockets per port, kept only for AUTO-mode rebinds.
	listenExt [numPorts][2]int32
	listenNS  [numPorts][2]int32
}

// lowRTTTable is a fixed ring of destinations with kernel-measured RTT
// below the co-location threshold. Unspecified entries are holes; each
// insertion clears the following slot, so new entries replace the oldest
// in turn. Lookups do not refresh an entry.
type lowRTTTable struct {
	dst [lowRTTTableSize]netip.Addr
}

func (t *lowRTTTable) has(addr netip.Addr) bool {
	for i := range t.dst {
		if t.dst[i].IsValid() && addrsEqual(t.dst[i], addr) {
			return true
		}
	}
	return false
}

func (t *lowRTTTable) check(conn *tcpConn, ti *tcpInfo) {
	if ti.MinRtt == 0 || ti.MinRtt > lowRTTThresholdUS {
		return
	}

	hole := -1
	for i := range t.dst {
		if t.dst[i].IsValid() && addrsEqual(t.dst[i], conn.faddr) {
			return
		}
		if hole == -1 && !t.dst[i].IsValid() {
			hole = i
		}
	}
	if hole == -1 {
		return
	}

	t.dst[hole] = addrTo16(conn.faddr)
	hole++
	if hole == lowRTTTableSize {
		hole = 0
	}
	t.dst[hole] = netip.Addr{}
}

func connIs4(conn *tcpConn) bool {
	return addrIs4(conn.faddr)
}

func connIsClosing(conn *tcpConn) bool {
	return conn.events&eventEstablished != 0 &&
		conn.events&(eventSockFinRcvd|eventTapFinRcvd) != 0
}

func connHas(conn *tcpConn, set uint8) bool {
	return conn.events&set == set
}

// tcpFrames returns the frame batching depth: full pools on the stream
// transport, single frames on the tuntap device.
func (c *Context) tcpFrames() int {
	if c.mode == ModeStream {
		return tcpFramesMem
	}
	return 1
}

// tcpConnEpollEvents maps connection state to the epoll event mask.
func tcpConnEpollEvents(events, flags uint8) uint32 {
	if events == eventClosed {
		return 0
	}

	if events&eventEstablished != 0 {
		if connHasBits(events, eventTapFinSent) {
			return unix.EPOLLET
		}
		if flags&flagStalled != 0 {
			return unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET
		}
		return unix.EPOLLIN | unix.EPOLLRDHUP
	}

	if events == eventTapSynRcvd {
		return unix.EPOLLOUT | unix.EPOLLET | unix.EPOLLRDHUP
	}

	return unix.EPOLLRDHUP
}

func connHasBits(events, set uint8) bool {
	return events&set == set
}

// tcpEpollCtl reconciles the connection's epoll registration with its
// events and flags.
func (c *Context) tcpEpollCtl(conn *tcpConn, idx uint32) error {
	if conn.events == eventClosed {
		if conn.inEpoll {
			c.epollDel(int(conn.sock))
		}
		if conn.timer != -1 {
			c.epollDel(int(conn.timer))
		}
		return nil
	}

	ref := epollRef{kind: epollTCP, fd: conn.sock, data: idx}
	events := tcpConnEpollEvents(conn.events, conn.flags)

	var err error
	if conn.inEpoll {
		err = c.epollMod(int(conn.sock), ref, events)
	} else {
		err = c.epollAdd(int(conn.sock), ref, events)
	}
	if err != nil {
		return err
	}
	conn.inEpoll = true

	if conn.timer != -1 {
		tref := epollRef{kind: epollTCPTimer, fd: conn.timer, data: idx}
		if err := c.epollMod(int(conn.timer), tref, unix.EPOLLIN|unix.EPOLLET); err != nil {
			return err
		}
	}
	return nil
}

// tcpTimerCtl arms the per-connection timerfd from the flag and event
// state, creating it on first use.
func (c *Context) tcpTimerCtl(conn *tcpConn, idx uint32) {
	if conn.events == eventClosed {
		return
	}

	if conn.timer == -1 {
		fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
		if err != nil || fd > fdRefMax {
			if fd > -1 {
				_ = unix.Close(fd)
			}
			conn.timer = -1
			return
		}
		conn.timer = int32(fd)

		tref := epollRef{kind: epollTCPTimer, fd: conn.timer, data: idx}
		if err := c.epollAdd(fd, tref, unix.EPOLLIN|unix.EPOLLET); err != nil {
			_ = unix.Close(fd)
			conn.timer = -1
			return
		}
	}

	var d int64
	switch {
	case conn.flags&flagAckToTapDue != 0:
		d = ackInterval.Nanoseconds()
	case conn.flags&flagAckFromTapDue != 0:
		if conn.events&eventEstablished == 0 {
			d = synTimeout.Nanoseconds()
		} else {
			d = ackTimeout.Nanoseconds()
		}
	case connHas(conn, eventSockFinSent|eventTapFinAcked):
		d = finTimeout.Nanoseconds()
	default:
		d = actTimeout.Nanoseconds()
	}

	timerfdSet(int(conn.timer), d)
}

// connSetFlag sets a connection flag, updating epoll and timer state as
// needed. Setting flagAckFromTapDue on a connection that already has it
// re-schedules the existing timer.
func (c *Context) connSetFlag(conn *tcpConn, idx uint32, flag uint8) {
	if conn.flags&flag != 0 {
		if flag == flagAckFromTapDue {
			c.tcpTimerCtl(conn, idx)
		}
		return
	}
	conn.flags |= flag

	if flag == flagStalled {
		_ = c.tcpEpollCtl(conn, idx)
	}
	if flag == flagAckFromTapDue || flag == flagAckToTapDue {
		c.tcpTimerCtl(conn, idx)
	}
}

// connClearFlag clears a connection flag.
func (c *Context) connClearFlag(conn *tcpConn, idx uint32, flag uint8) {
	if conn.flags&flag == 0 {
		return
	}
	conn.flags &^= flag

	if flag == flagStalled {
		_ = c.tcpEpollCtl(conn, idx)
	}
	if (flag == flagAckFromTapDue && conn.flags&flagAckToTapDue != 0) ||
		(flag == flagAckToTapDue && conn.flags&flagAckFromTapDue != 0) {
		c.tcpTimerCtl(conn, idx)
	}
}

// connEvent records a connection event. State bits replace each other;
// closure drops the hash entry, and a tap-side first FIN marks the close
// as guest-initiated.
func (c *Context) connEvent(conn *tcpConn, idx uint32, event uint8) {
	if event != eventClosed && conn.events&event != 0 {
		return
	}

	if event == eventClosed || event&connStateBits != 0 {
		conn.events = event
	} else {
		conn.events |= event
	}

	c.logger.Debug("TCP connection event",
		"flow", idx, "events", conn.events)

	switch {
	case event == eventClosed:
		c.flows.tcpHashRemove(conn, idx)
	case event == eventTapFinRcvd && !connHas(conn, eventSockFinRcvd):
		c.connSetFlag(conn, idx, flagActiveClose)
	default:
		_ = c.tcpEpollCtl(conn, idx)
	}

	if connHas(conn, eventSockFinSent|eventTapFinAcked) {
		c.tcpTimerCtl(conn, idx)
	}
}

// tcpGetSndbuf samples SO_SNDBUF, derated between the small and big
// thresholds towards half use.
func tcpGetSndbuf(conn *tcpConn) {
	sndbuf, err := unix.GetsockoptInt(int(conn.sock), unix.SOL_SOCKET, unix.SO_SNDBUF)
	if err != nil {
		conn.sndBuf = windowDefault
		return
	}

	v := uint64(sndbuf)
	if v >= sndBufBig {
		v /= 2
	} else if v > sndBufSmall {
		v -= v * (v - sndBufSmall) / (sndBufBig - sndBufSmall) / 2
	}
	if v > uint64(^uint32(0)>>1) {
		v = uint64(^uint32(0) >> 1)
	}
	conn.sndBuf = uint32(v)
}

// tcpSeqInit computes the initial tap-side sequence: a keyed hash of the
// connection tuple folded to 32 bits, plus a 32 ns tick counter
// (per-connection variant of RFC 6528).
func (c *Context) tcpSeqInit(conn *tcpConn) {
	var own netip.Addr
	if connIs4(conn) {
		own = c.ip4.Addr
	} else {
		own = c.ip6.Addr
	}

	s := newSiphash(c.hashSecret)
	s.feedAddr(addrTo16(conn.faddr).As16())
	s.feedAddr(addrTo16(own).As16())
	hash := s.final(36, uint64(conn.fport)<<16|uint64(conn.eport))

	// 32 ns ticks, overflowing 32 bits every 137 s.
	ns := uint32(uint64(c.now.UnixNano()) >> 5)

	conn.seqToTap = (uint32(hash>>32) ^ uint32(hash)) + ns
}

// tcpConnNewSock opens a fresh non-blocking socket for a connection.
func (c *Context) tcpConnNewSock(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if fd, err = checkFdRef(fd); err != nil {
		return -1, err
	}
	c.setTCPSockBufs(fd)
	return fd, nil
}

// tcpConnPoolSock takes a socket from a pre-opened pool, if any.
func tcpConnPoolSock(pool *[tcpSockPoolSize]int32) int {
	for i := range pool {
		if pool[i] >= 0 {
			s := int(pool[i])
			pool[i] = -1
			return s
		}
	}
	return -1
}

// tcpConnSock obtains a connectable socket in the init namespace,
// preferring the pre-opened pool to keep setup latency down.
func (c *Context) tcpConnSock(family int) (int, error) {
	pool := &c.tcp.pool4
	if family == unix.AF_INET6 {
		pool = &c.tcp.pool6
	}

	if s := tcpConnPoolSock(pool); s >= 0 {
		return s, nil
	}
	// Empty pool: open one directly without refilling, the periodic
	// timer refills outside the hot path.
	return c.tcpConnNewSock(family)
}

// tcpConnTapMSS extracts the guest's MSS option, clamped to what our
// frame layout can carry.
func tcpConnTapMSS(conn *tcpConn, opts []byte) uint16 {
	mss := uint32(mssDefault)
	if parsed := header.ParseSynOptions(opts, false); parsed.MSS != 0 {
		mss = uint32(parsed.MSS)
	}
	if connIs4(conn) {
		mss = min32(mss, mss4)
	} else {
		mss = min32(mss, mss6)
	}
	return uint16(min32(mss, 65535))
}

// tcpGetTapWS extracts the guest's window-scale option.
func tcpGetTapWS(conn *tcpConn, opts []byte) {
	parsed := header.ParseSynOptions(opts, false)
	if parsed.WS >= 0 && parsed.WS <= maxWS {
		conn.wsFromTap = uint8(parsed.WS)
	} else {
		conn.wsFromTap = 0
	}
}

// tcpBindOutbound applies the configured outbound address and interface
// bindings to a socket about to connect.
func (c *Context) tcpBindOutbound(fd, family int) {
	if family == unix.AF_INET {
		if c.ip4.AddrOut.IsValid() && !c.ip4.AddrOut.IsUnspecified() {
			sa := &unix.SockaddrInet4{Addr: c.ip4.AddrOut.As4()}
			if err := unix.Bind(fd, sa); err != nil {
				c.logger.Debug("Failed to bind outbound IPv4 address", "error", err)
			}
		}
		if c.ip4.IfnameOut != "" {
			if err := unix.BindToDevice(fd, c.ip4.IfnameOut); err != nil {
				c.logger.Debug("Failed to bind IPv4 socket to interface", "error", err)
			}
		}
		return
	}

	if c.ip6.AddrOut.IsValid() && !c.ip6.AddrOut.IsUnspecified() {
		sa := &unix.SockaddrInet6{Addr: c.ip6.AddrOut.As16()}
		if err := unix.Bind(fd, sa); err != nil {
			c.logger.Debug("Failed to bind outbound IPv6 address", "error", err)
		}
	}
	if c.ip6.IfnameOut != "" {
		if err := unix.BindToDevice(fd, c.ip6.IfnameOut); err != nil {
			c.logger.Debug("Failed to bind IPv6 socket to interface", "error", err)
		}
	}
}

// tcpConnFromTap handles a connection request (SYN segment) from the
// guest: allocate a flow, obtain a socket, apply the gateway mapping, and
// start a non-blocking connect.
func (c *Context) tcpConnFromTap(family int, saddr, daddr netip.Addr, th header.TCP, opts []byte) {
	srcPort := th.SourcePort()
	dstPort := th.DestinationPort()

	flow, idx := c.flows.alloc()
	if flow == nil {
		return
	}

	valid := srcPort != 0 && dstPort != 0 &&
		!addrUnspecified(saddr) && !addrMulticast(saddr) &&
		!addrUnspecified(daddr) && !addrMulticast(daddr)
	if family == unix.AF_INET {
		valid = valid && !addrBroadcast(saddr) && !addrBroadcast(daddr)
	}
	if !valid {
		c.logger.Debug("Invalid endpoint in TCP SYN",
			"src", saddr, "srcport", srcPort,
			"dst", daddr, "dstport", dstPort)
		c.flows.allocCancel(idx)
		return
	}

	s, err := c.tcpConnSock(family)
	if err != nil {
		c.logger.Warn("Unable to open socket for new connection", "error", err)
		c.flows.allocCancel(idx)
		return
	}

	connectAddr := daddr
	if !c.noMapGW {
		if family == unix.AF_INET && addrsEqual(daddr, c.ip4.GW) {
			connectAddr = loopback4
		}
		if family == unix.AF_INET6 && addrsEqual(daddr, c.ip6.GW) {
			connectAddr = loopback6
		}
	}

	if family == unix.AF_INET6 && addrLinkLocal(connectAddr) {
		sa := &unix.SockaddrInet6{Addr: c.ip6.AddrLL.As16(), ZoneId: uint32(c.ifi6)}
		if err := unix.Bind(s, sa); err != nil {
			_ = unix.Close(s)
			c.flows.allocCancel(idx)
			return
		}
	}

	flow.kind = flowTCP
	conn := &flow.tcp
	*conn = tcpConn{sock: int32(s), timer: -1}
	c.connEvent(conn, idx, eventTapSynRcvd)

	conn.wndToTap = windowDefault
	conn.faddr = addrTo16(daddr)
	conn.fport = dstPort
	conn.eport = srcPort

	mss := tcpConnTapMSS(conn, opts)
	_ = unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_MAXSEG, int(mss))
	conn.mss = mss

	tcpGetTapWS(conn, opts)

	// RFC 7323, 2.2: the first window value is not scaled.
	conn.wndFromTap = th.WindowSize() >> conn.wsFromTap
	if conn.wndFromTap == 0 {
		conn.wndFromTap = 1
	}

	conn.seqInitFromTap = th.SequenceNumber()
	conn.seqFromTap = conn.seqInitFromTap + 1
	conn.seqAckToTap = conn.seqFromTap

	c.tcpSeqInit(conn)
	conn.seqAckFromTap = conn.seqToTap

	c.flows.tcpHashInsert(conn, idx)

	scope := uint32(0)
	if family == unix.AF_INET6 && addrLinkLocal(connectAddr) {
		scope = uint32(c.ifi6)
	}
	sa := sockaddrFromAddrPort(connectAddr, dstPort, scope)

	// A successful bind to the remote endpoint means nobody listens
	// there; a bind failing with "in use" hints the endpoint is local.
	if err := unix.Bind(s, sa); err == nil {
		c.tcpRst(conn, idx)
		return
	} else if !errors.Is(err, unix.EADDRNOTAVAIL) && !errors.Is(err, unix.EACCES) {
		c.connSetFlag(conn, idx, flagLocal)
	}

	if !addrLoopback(connectAddr) && !addrLinkLocal(connectAddr) {
		c.tcpBindOutbound(s, family)
	}

	if err := unix.Connect(s, sa); err != nil {
		if !errors.Is(err, unix.EINPROGRESS) {
			c.tcpRst(conn, idx)
			return
		}
		tcpGetSndbuf(conn)
	} else {
		tcpGetSndbuf(conn)
		if c.tcpSendFlag(conn, idx, header.TCPFlagSyn|header.TCPFlagAck) != nil {
			return
		}
		c.connEvent(conn, idx, eventTapSynAckSent)
	}

	_ = c.tcpEpollCtl(conn, idx)
}

// tcpSockConsume discards already-acknowledged bytes from the socket
// buffer. Out-of-order (stale) ACKs are ignored: the data they cover was
// consumed already and the stream position never rewinds.
func tcpSockConsume(conn *tcpConn, ackSeq uint32) error {
	if seqLE(ackSeq, conn.seqAckFromTap) {
		return nil
	}

	return recvDiscard(int(conn.sock), ackSeq-conn.seqAckFromTap)
}

// tcpUpdateSeqackWnd reconciles the ACK we owe the guest and the window
// we advertise. Small send buffers, co-local destinations, closing
// connections and forced updates acknowledge optimistically; otherwise
// the kernel's byte-acked counter drives the ACK, never decreasing it.
func (c *Context) tcpUpdateSeqackWnd(conn *tcpConn, idx uint32, force bool, ti *tcpInfo) bool {
	prevWnd := uint32(conn.wndToTap) << conn.wsToTap
	prevAck := conn.seqAckToTap
	newWnd := prevWnd

	var tiStore tcpInfo

	if conn.sndBuf < sndBufSmall || c.tcp.lowRTT.has(conn.faddr) ||
		connIsClosing(conn) || conn.flags&flagLocal != 0 || force {
		conn.seqAckToTap = conn.seqFromTap
		if seqLT(conn.seqAckToTap, prevAck) {
			conn.seqAckToTap = prevAck
		}
	} else if conn.seqAckToTap != conn.seqFromTap {
		if ti == nil {
			ti = &tiStore
			if getTCPInfo(int(conn.sock), ti) != nil {
				return false
			}
		}

		conn.seqAckToTap = uint32(ti.BytesAcked) + conn.seqInitFromTap
		if seqLT(conn.seqAckToTap, prevAck) {
			conn.seqAckToTap = prevAck
		}
	}

	if !c.tcp.kernelSndWnd {
		tcpGetSndbuf(conn)
		newWnd = min32(conn.sndBuf, maxWindow)
		conn.wndToTap = uint16(min32(newWnd>>conn.wsToTap, 65535))
		return newWnd != prevWnd || conn.seqAckToTap != prevAck
	}

	if ti == nil {
		if prevWnd > windowDefault {
			return newWnd != prevWnd || conn.seqAckToTap != prevAck
		}
		ti = &tiStore
		if getTCPInfo(int(conn.sock), ti) != nil {
			return newWnd != prevWnd || conn.seqAckToTap != prevAck
		}
	}

	if conn.flags&flagLocal != 0 || c.tcp.lowRTT.has(conn.faddr) {
		newWnd = ti.SndWnd
	} else {
		tcpGetSndbuf(conn)
		newWnd = min32(ti.SndWnd, conn.sndBuf)
	}

	newWnd = min32(newWnd, maxWindow)
	if conn.events&eventEstablished == 0 {
		newWnd = max32(newWnd, windowDefault)
	}

	conn.wndToTap = uint16(min32(newWnd>>conn.wsToTap, 65535))

	if conn.wndToTap == 0 {
		c.connSetFlag(conn, idx, flagAckToTapDue)
	}

	return newWnd != prevWnd || conn.seqAckToTap != prevAck
}

// tcpUpdateSeqackFromTap records ACK progress from the guest.
func (c *Context) tcpUpdateSeqackFromTap(conn *tcpConn, idx uint32, seq uint32) {
	if seq == conn.seqToTap {
		c.connClearFlag(conn, idx, flagAckFromTapDue)
	}

	if seqGT(seq, conn.seqAckFromTap) {
		// Forward progress but more data outstanding: reschedule.
		if seqLT(seq, conn.seqToTap) {
			c.connSetFlag(conn, idx, flagAckFromTapDue)
		}

		conn.retrans = 0
		conn.seqAckFromTap = seq
	}
}

// tcpSendFlag queues a payload-less segment to the tap. A zero flags
// value sends only if an ACK is owed; dupAckFlag doubles the frame to
// trigger fast retransmit guest-side.
func (c *Context) tcpSendFlag(conn *tcpConn, idx uint32, flags header.TCPFlags) error {
	if seqGE(conn.seqAckToTap, conn.seqFromTap) && flags == ackIfNeeded &&
		conn.wndToTap != 0 {
		return nil
	}

	var ti tcpInfo
	if err := getTCPInfo(int(conn.sock), &ti); err != nil {
		c.connEvent(conn, idx, eventClosed)
		return err
	}

	if !c.tcp.kernelSndWnd && ti.SndWnd != 0 {
		c.tcp.kernelSndWnd = true
	}

	if conn.flags&flagLocal == 0 {
		c.tcp.lowRTT.check(conn, &ti)
	}

	if !c.tcpUpdateSeqackWnd(conn, idx, flags != 0, &ti) && flags == ackIfNeeded {
		return nil
	}

	pool := &c.tcp.flags4
	if !connIs4(conn) {
		pool = &c.tcp.flags6
	}

	i := pool.used
	pool.used++

	optLen := 0
	if flags&header.TCPFlagSyn != 0 {
		opts := pool.optsRegion(i)

		var mss int
		if c.mtu == -1 {
			mss = int(ti.SndMss)
		} else {
			mss = c.mtu - tcpHeaderLen
			if connIs4(conn) {
				mss -= ip4HeaderLen
			} else {
				mss -= ip6HeaderLen
			}
			const pageSize = 4096
			if c.lowWMem && conn.flags&flagLocal == 0 && !c.tcp.lowRTT.has(conn.faddr) {
				mss = minInt(mss, pageSize)
			} else if mss > pageSize {
				mss &^= pageSize - 1
			}
		}
		if mss > 65535 {
			mss = 65535
		}

		opts[0] = 2 // MSS
		opts[1] = 4
		opts[2] = byte(mss >> 8)
		opts[3] = byte(mss)

		conn.wsToTap = ti.sndWscale()
		if conn.wsToTap > maxWS {
			conn.wsToTap = maxWS
		}

		opts[4] = 1 // NOP
		opts[5] = 3 // window scale
		opts[6] = 3
		opts[7] = conn.wsToTap
		optLen = 8
	} else if flags&header.TCPFlagRst == 0 {
		flags |= header.TCPFlagAck
	}

	pool.lens[i] = pool.tcpFillFrame(c, conn, i, 0, optLen, flags&wireFlagsMask, conn.seqToTap, -1)

	if flags&header.TCPFlagAck != 0 {
		if seqGE(conn.seqAckToTap, conn.seqFromTap) {
			c.connClearFlag(conn, idx, flagAckToTapDue)
		} else {
			c.connSetFlag(conn, idx, flagAckToTapDue)
		}
	}

	if flags&header.TCPFlagFin != 0 {
		c.connSetFlag(conn, idx, flagAckFromTapDue)
	}

	// RFC 793, 3.1: the first data octet is ISN+1.
	if flags&(header.TCPFlagFin|header.TCPFlagSyn) != 0 {
		conn.seqToTap++
	}

	if flags&dupAckFlag != 0 {
		copy(pool.bufs[pool.used], pool.bufs[i][:pool.lens[i]])
		pool.lens[pool.used] = pool.lens[i]
		pool.used++
	}

	if pool.used > tcpFramesMem-2 {
		c.tcpFlushFlags()
	}

	return nil
}

// tcpRst resets the connection: RST to the tap, then closed.
func (c *Context) tcpRst(conn *tcpConn, idx uint32) {
	if conn.events == eventClosed {
		return
	}
	if c.tcpSendFlag(conn, idx, header.TCPFlagRst) == nil {
		c.connEvent(conn, idx, eventClosed)
	}
}

// tcpTapWindowUpdate records an unscaled window from the tap.
func tcpTapWindowUpdate(conn *tcpConn, wnd uint32) {
	wnd = min32(maxWindow, wnd<<conn.wsFromTap)
	wnd >>= conn.wsFromTap
	if wnd == 0 {
		wnd = 1
	}
	conn.wndFromTap = uint16(min32(wnd, 65535))
}

// tcpDataToTap queues one data frame; the sequence advance is recorded in
// the sidecar and applied when the batch flush covers the frame.
func (c *Context) tcpDataToTap(conn *tcpConn, plen, reuseCheckFrom int, seq uint32) {
	pool := &c.tcp.data4
	if !connIs4(conn) {
		pool = &c.tcp.data6
	}

	i := pool.used
	pool.seqUpd[i] = seqUpdate{conn: conn, len: uint16(plen)}
	pool.lens[i] = pool.tcpFillFrame(c, conn, i, plen, 0, header.TCPFlagAck, seq, reuseCheckFrom)
	pool.used++

	if pool.used > tcpFramesMem-1 {
		c.tcpFlushData()
	}
}

// tcpDataFromSock moves new socket data towards the tap, within the
// guest's window. Data is peeked, with the already-sent span steered into
// the discard buffer, and only consumed when the guest acknowledges.
func (c *Context) tcpDataFromSock(conn *tcpConn, idx uint32) error {
	wndScaled := uint32(conn.wndFromTap) << conn.wsFromTap
	s := int(conn.sock)
	isV4 := connIs4(conn)

	alreadySent := conn.seqToTap - conn.seqAckFromTap
	if seqLT(alreadySent, 0) {
		// RFC 761, section 2.1.
		c.logger.Debug("ACK sequence gap",
			"ack", conn.seqAckFromTap, "sent", conn.seqToTap)
		conn.seqToTap = conn.seqAckFromTap
		alreadySent = 0
	}

	if wndScaled == 0 || alreadySent >= wndScaled {
		c.connSetFlag(conn, idx, flagStalled)
		c.connSetFlag(conn, idx, flagAckFromTapDue)
		return nil
	}

	mss := uint32(conn.mss)
	fillBufs := int(divRoundUp(wndScaled-alreadySent, mss))
	iovRem := uint32(0)
	if fillBufs > c.tcpFrames() {
		fillBufs = c.tcpFrames()
	} else {
		iovRem = (wndScaled - alreadySent) % mss
	}

	pool := &c.tcp.data4
	if !isV4 {
		pool = &c.tcp.data6
	}
	if pool.used+fillBufs > tcpFramesMem {
		c.tcpFlushData()
	}

	// Scatter list: the discard buffer soaks up what was already sent,
	// the unsent tail lands in MSS-sized frame payloads.
	bufs := append(c.tcp.recvBufs[:0], c.tcp.discard[:alreadySent])
	for i := 0; i < fillBufs; i++ {
		payload := pool.payload(pool.used + i)[:mss]
		if i == fillBufs-1 && iovRem != 0 {
			payload = payload[:iovRem]
		}
		bufs = append(bufs, payload)
	}

	var n int
	for {
		var err error
		n, _, _, _, err = unix.RecvmsgBuffers(s, bufs, nil, unix.MSG_PEEK)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return nil
			}
			c.tcpRst(conn, idx)
			return err
		}
		break
	}

	if n == 0 {
		if conn.events&(eventSockFinRcvd|eventTapFinSent) == eventSockFinRcvd {
			if err := c.tcpSendFlag(conn, idx, header.TCPFlagFin|header.TCPFlagAck); err != nil {
				c.tcpRst(conn, idx)
				return err
			}
			c.connEvent(conn, idx, eventTapFinSent)
		}
		return nil
	}

	sendLen := n - int(alreadySent)
	if sendLen <= 0 {
		c.connSetFlag(conn, idx, flagStalled)
		return nil
	}

	c.connClearFlag(conn, idx, flagStalled)

	sendBufs := int(divRoundUp(uint32(sendLen), mss))
	lastLen := sendLen - (sendBufs-1)*int(mss)

	// Likely, some new data was acked too.
	c.tcpUpdateSeqackWnd(conn, idx, false, nil)

	seq := conn.seqToTap
	for i := 0; i < sendBufs; i++ {
		plen := int(mss)
		if i == sendBufs-1 {
			plen = lastLen
		}

		reuse := -1
		if isV4 && i > 0 && i != sendBufs-1 && pool.used > 0 {
			reuse = pool.used - 1
		}

		c.tcpDataToTap(conn, plen, reuse, seq)
		seq += uint32(plen)
	}

	c.connSetFlag(conn, idx, flagAckFromTapDue)

	return nil
}

// tcpDataFromTap handles a batch of data segments from the guest for an
// established connection, forwarding the in-order spans to the socket.
// Returns the count of consumed packets or -1 to reset.
func (c *Context) tcpDataFromTap(conn *tcpConn, idx uint32, p *Pool, start int) int {
	if conn.events == eventClosed {
		return p.count() - start
	}
	if conn.events&eventEstablished == 0 {
		return -1
	}

	maxAckSeqWnd := uint32(conn.wndFromTap)
	maxAckSeq := conn.seqAckFromTap
	seqFromTap := conn.seqFromTap

	var (
		sawAck      bool
		sawFin      bool
		retransmit  bool
		partialSend bool
	)
	keep := -1

	sendBufs := c.tcp.sendBufs[:0]

	for i := start; i < p.count(); i++ {
		seg := p.get(i, 0, 0)
		if len(seg) < tcpHeaderLen {
			return -1
		}
		th := header.TCP(seg)

		off := int(th.DataOffset())
		if off < tcpHeaderLen || off > len(seg) {
			return -1
		}

		if th.Flags()&header.TCPFlagRst != 0 {
			c.connEvent(conn, idx, eventClosed)
			return 1
		}

		data := seg[off:]
		segLen := uint32(len(data))

		seq := th.SequenceNumber()
		ackSeq := th.AckNumber()

		if th.Flags()&header.TCPFlagAck != 0 {
			sawAck = true

			if seqGE(ackSeq, conn.seqAckFromTap) && seqGE(ackSeq, maxAckSeq) {
				// Fast retransmit trigger: identical ACK and
				// window, no payload, no FIN.
				retransmit = segLen == 0 &&
					th.Flags()&header.TCPFlagFin == 0 &&
					ackSeq == maxAckSeq &&
					uint32(th.WindowSize()) == maxAckSeqWnd

				maxAckSeqWnd = uint32(th.WindowSize())
				maxAckSeq = ackSeq
			}
		}

		if th.Flags()&header.TCPFlagFin != 0 {
			sawFin = true
		}

		if segLen == 0 {
			continue
		}

		seqOffset := seqFromTap - seq

		// Entirely before the cursor: drop. Straddling with new data:
		// take the useful suffix. Entirely after: keep for a second
		// pass once a straddling segment advances the cursor.
		if seqGE(seqOffset, 0) && seqLE(seq+segLen, seqFromTap) {
			continue
		}

		if seqLT(seqOffset, 0) {
			if keep == -1 {
				keep = i
			}
			continue
		}

		sendBufs = append(sendBufs, data[seqOffset:])
		seqFromTap += segLen - seqOffset

		if keep == i {
			keep = -1
		}
		if keep != -1 {
			i = keep - 1
		}
	}

	// On a socket flush failure, pretend there was no ACK and retry
	// later.
	if sawAck && tcpSockConsume(conn, maxAckSeq) == nil {
		c.tcpUpdateSeqackFromTap(conn, idx, maxAckSeq)
	}

	tcpTapWindowUpdate(conn, maxAckSeqWnd)

	if retransmit {
		c.logger.Debug("Fast re-transmit",
			"ack", maxAckSeq, "previous", conn.seqToTap)
		conn.seqToTap = maxAckSeq
		_ = c.tcpDataFromSock(conn, idx)
	}

	if len(sendBufs) > 0 {
		queued := seqFromTap - conn.seqFromTap

		var n int
		for {
			var err error
			n, err = unix.SendmsgBuffers(int(conn.sock), sendBufs, nil, nil,
				unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
			if err != nil {
				if errors.Is(err, unix.EINTR) {
					continue
				}
				if errors.Is(err, unix.EPIPE) {
					conn.seqFromTap = seqFromTap
					_ = c.tcpSendFlag(conn, idx, header.TCPFlagAck)
					return -1
				}
				if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
					_ = c.tcpSendFlag(conn, idx, ackIfNeeded)
					return p.count() - start
				}
				return -1
			}
			break
		}

		conn.seqFromTap += uint32(n)
		if uint32(n) < queued {
			partialSend = true
			_ = c.tcpSendFlag(conn, idx, ackIfNeeded)
		}
	}

	if keep != -1 {
		// 8-bit approximation: a duplicate ACK may be skipped on a
		// sequence collision once per 256 bytes; fast retransmit is a
		// SHOULD (RFC 5681, 3.2).
		if conn.seqDupAckApprox != uint8(conn.seqFromTap) {
			conn.seqDupAckApprox = uint8(conn.seqFromTap)
			_ = c.tcpSendFlag(conn, idx, header.TCPFlagAck|dupAckFlag)
		}
		return p.count() - start
	}

	if sawAck && connHas(conn, eventTapFinSent) &&
		conn.seqAckFromTap == conn.seqToTap {
		c.connEvent(conn, idx, eventTapFinAcked)
	}

	if sawFin && !partialSend {
		conn.seqFromTap++
		c.connEvent(conn, idx, eventTapFinRcvd)
	} else {
		_ = c.tcpSendFlag(conn, idx, ackIfNeeded)
	}

	return p.count() - start
}

// tcpConnFromSockFinish completes an inbound connection once the guest
// answered our SYN with SYN,ACK.
func (c *Context) tcpConnFromSockFinish(conn *tcpConn, idx uint32, th header.TCP, opts []byte) {
	tcpTapWindowUpdate(conn, uint32(th.WindowSize()))
	tcpGetTapWS(conn, opts)

	// The first window value is not scaled.
	conn.wndFromTap >>= conn.wsFromTap
	if conn.wndFromTap == 0 {
		conn.wndFromTap = 1
	}

	conn.mss = tcpConnTapMSS(conn, opts)

	conn.seqInitFromTap = th.SequenceNumber() + 1
	conn.seqFromTap = conn.seqInitFromTap
	conn.seqAckToTap = conn.seqFromTap

	c.connEvent(conn, idx, eventEstablished)

	// The peer might have sent data already; it was left queued while
	// waiting for the guest's SYN,ACK.
	_ = c.tcpDataFromSock(conn, idx)
	_ = c.tcpSendFlag(conn, idx, header.TCPFlagAck)
}

// tcpTapHandler handles a batch of TCP segments sharing a 4-tuple from
// the tap. Returns the count of consumed packets.
func (c *Context) tcpTapHandler(family int, saddr, daddr netip.Addr, p *Pool, start int) int {
	seg := p.get(start, 0, 0)
	if len(seg) < tcpHeaderLen {
		return 1
	}
	th := header.TCP(seg)

	optLen := int(th.DataOffset()) - tcpHeaderLen
	if optLen < 0 {
		return 1
	}
	opts := seg[tcpHeaderLen:tcpHeaderLen]
	if optLen > 0 {
		opts = p.get(start, tcpHeaderLen, minInt(optLen, len(seg)-tcpHeaderLen))
	}

	sidx := c.flows.tcpHashLookup(daddr, th.SourcePort(), th.DestinationPort())

	if sidx == sidxNone {
		// New connection from the guest.
		if opts != nil && th.Flags()&header.TCPFlagSyn != 0 &&
			th.Flags()&header.TCPFlagAck == 0 {
			c.tcpConnFromTap(family, saddr, daddr, th, opts)
		}
		return 1
	}

	idx := sidx.flowIdx()
	conn := &c.flows.at(idx).tcp

	if th.Flags()&header.TCPFlagRst != 0 {
		c.connEvent(conn, idx, eventClosed)
		return 1
	}

	if th.Flags()&header.TCPFlagAck != 0 && conn.events&eventEstablished == 0 {
		c.tcpUpdateSeqackFromTap(conn, idx, th.AckNumber())
	}

	// Establishing, connection from the socket side.
	if connHas(conn, eventSockAccepted) {
		if th.Flags()&header.TCPFlagSyn != 0 &&
			th.Flags()&header.TCPFlagAck != 0 &&
			th.Flags()&header.TCPFlagFin == 0 {
			c.tcpConnFromSockFinish(conn, idx, th, opts)
			return 1
		}
		c.tcpRst(conn, idx)
		return p.count() - start
	}

	// Establishing, connection from the tap side.
	if conn.events&eventTapSynRcvd != 0 && conn.events&eventEstablished == 0 {
		if !connHas(conn, eventTapSynAckSent) {
			c.tcpRst(conn, idx)
			return p.count() - start
		}

		c.connEvent(conn, idx, eventEstablished)

		if th.Flags()&header.TCPFlagFin != 0 {
			conn.seqFromTap++
			_ = unix.Shutdown(int(conn.sock), unix.SHUT_WR)
			_ = c.tcpSendFlag(conn, idx, header.TCPFlagAck)
			c.connEvent(conn, idx, eventSockFinSent)
			return 1
		}

		if th.Flags()&header.TCPFlagAck == 0 {
			c.tcpRst(conn, idx)
			return p.count() - start
		}

		tcpTapWindowUpdate(conn, uint32(th.WindowSize()))
		_ = c.tcpDataFromSock(conn, idx)

		if p.count()-start == 1 {
			return 1
		}
	}

	// Established but no longer accepting data from the tap.
	if connHas(conn, eventTapFinRcvd) {
		c.tcpUpdateSeqackFromTap(conn, idx, th.AckNumber())

		if connHas(conn, eventSockFinRcvd) &&
			conn.seqAckFromTap == conn.seqToTap {
			c.connEvent(conn, idx, eventClosed)
		}
		return 1
	}

	// Established, accepting data.
	count := c.tcpDataFromTap(conn, idx, p, start)
	if count == -1 {
		c.tcpRst(conn, idx)
		return p.count() - start
	}

	c.connClearFlag(conn, idx, flagStalled)

	ackDue := conn.seqAckToTap != conn.seqFromTap

	if connHas(conn, eventTapFinRcvd) && !connHas(conn, eventSockFinSent) {
		_ = unix.Shutdown(int(conn.sock), unix.SHUT_WR)
		c.connEvent(conn, idx, eventSockFinSent)
		_ = c.tcpSendFlag(conn, idx, header.TCPFlagAck)
		ackDue = false
	}

	if ackDue {
		c.connSetFlag(conn, idx, flagAckToTapDue)
	}

	return count
}

// tcpConnectFinish completes a guest-initiated connection when the
// non-blocking connect resolves.
func (c *Context) tcpConnectFinish(conn *tcpConn, idx uint32) {
	if so, err := unix.GetsockoptInt(int(conn.sock), unix.SOL_SOCKET, unix.SO_ERROR); err != nil || so != 0 {
		c.tcpRst(conn, idx)
		return
	}

	if c.tcpSendFlag(conn, idx, header.TCPFlagSyn|header.TCPFlagAck) != nil {
		return
	}

	c.connEvent(conn, idx, eventTapSynAckSent)
	c.connSetFlag(conn, idx, flagAckFromTapDue)
}

// tcpSnatInbound rewrites a remote source that is loopback or the host
// itself to the gateway, so the guest sees router-originated traffic. For
// IPv6 the gateway is used only when it is link-local; otherwise our own
// link-local address is the rewritten source.
func (c *Context) tcpSnatInbound(addr netip.Addr) netip.Addr {
	if v4a, ok := addrV4(addr); ok {
		if v4a.IsLoopback() || v4a.IsUnspecified() ||
			addrsEqual(v4a, c.ip4.AddrSeen) {
			return addrTo16(c.ip4.GW)
		}
		return addr
	}

	if addr.IsLoopback() || addrsEqual(addr, c.ip6.AddrSeen) ||
		addrsEqual(addr, c.ip6.Addr) {
		if addrLinkLocal(c.ip6.GW) {
			return c.ip6.GW
		}
		return c.ip6.AddrLL
	}
	return addr
}

// tcpTapConnFromSock initialises a non-spliced inbound connection from an
// accepted socket and opens the handshake towards the guest.
func (c *Context) tcpTapConnFromSock(flow *flowEntry, idx uint32, dstPort uint16, s int, peer netip.Addr, peerPort uint16) {
	flow.kind = flowTCP
	conn := &flow.tcp
	*conn = tcpConn{sock: int32(s), timer: -1}
	c.connEvent(conn, idx, eventSockAccepted)

	conn.faddr = addrTo16(peer)
	conn.fport = peerPort
	conn.eport = dstPort + c.tcp.fwdIn.Delta[dstPort]

	conn.faddr = addrTo16(c.tcpSnatInbound(conn.faddr))

	c.tcpSeqInit(conn)
	c.flows.tcpHashInsert(conn, idx)

	conn.seqAckFromTap = conn.seqToTap
	conn.wndFromTap = windowDefault

	_ = c.tcpSendFlag(conn, idx, header.TCPFlagSyn)
	c.connSetFlag(conn, idx, flagAckFromTapDue)

	tcpGetSndbuf(conn)
}

// tcpListenHandler accepts a new connection on a listening socket and
// routes it to the tap or splice path.
func (c *Context) tcpListenHandler(ref epollRef) {
	flow, idx := c.flows.alloc()
	if flow == nil {
		return
	}

	s, sa, err := unix.Accept4(int(ref.fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		c.flows.allocCancel(idx)
		return
	}
	if s, err = checkFdRef(s); err != nil {
		c.flows.allocCancel(idx)
		return
	}

	peer, peerPort, ok := addrPortFromSockaddr(sa)
	if !ok || peerPort == 0 || addrUnspecified(peer) ||
		addrMulticast(peer) || addrBroadcast(peer) {
		c.logger.Warn("Invalid endpoint from TCP accept",
			"addr", peer, "port", peerPort)
		_ = unix.Close(s)
		c.flows.allocCancel(idx)
		return
	}

	lref := unpackTCPListenRef(ref.data)

	if c.tcpSpliceConnFromSock(flow, idx, lref.pif, lref.port, s, peer) {
		return
	}

	c.tcpTapConnFromSock(flow, idx, lref.port, s, peer, peerPort)
}

// tcpTimerHandler services a fired per-connection timer: pending ACKs,
// handshake and FIN timeouts, bounded retransmission, and the activity
// timeout fallback.
func (c *Context) tcpTimerHandler(ref epollRef) {
	flow := c.flows.at(ref.data)
	if flow.kind != flowTCP {
		return
	}
	conn := &flow.tcp
	idx := ref.data

	if conn.timer == -1 {
		return
	}

	// A still-armed timer means this event came from an earlier
	// setting that was since rescheduled: discard it.
	if timerfdRemaining(int(conn.timer)) > 0 {
		return
	}

	switch {
	case conn.flags&flagAckToTapDue != 0:
		_ = c.tcpSendFlag(conn, idx, ackIfNeeded)
		c.tcpTimerCtl(conn, idx)
	case conn.flags&flagAckFromTapDue != 0:
		switch {
		case conn.events&eventEstablished == 0:
			c.logger.Debug("TCP handshake timeout", "flow", idx)
			c.tcpRst(conn, idx)
		case connHas(conn, eventSockFinSent|eventTapFinAcked):
			c.logger.Debug("TCP FIN timeout", "flow", idx)
			c.tcpRst(conn, idx)
		case conn.retrans == tcpMaxRetrans:
			c.logger.Debug("TCP retransmissions exceeded", "flow", idx)
			c.tcpRst(conn, idx)
		default:
			c.logger.Debug("TCP ACK timeout, retrying", "flow", idx)
			conn.retrans++
			conn.seqToTap = conn.seqAckFromTap
			_ = c.tcpDataFromSock(conn, idx)
			c.tcpTimerCtl(conn, idx)
		}
	default:
		// Activity fallback: if the long timeout had been armed and
		// just ran out, the connection is dead; otherwise this was a
		// left-over expiry, arm the long timeout now.
		old := timerfdExchange(int(conn.timer), actTimeout.Nanoseconds())
		if old >= actTimeout.Nanoseconds() {
			c.logger.Debug("TCP activity timeout", "flow", idx)
			c.tcpRst(conn, idx)
		}
	}
}

// tcpSockHandler dispatches socket readiness for a tap connection.
func (c *Context) tcpSockHandler(ref epollRef, events uint32) {
	flow := c.flows.at(ref.data)
	if flow.kind != flowTCP {
		return
	}
	conn := &flow.tcp
	idx := ref.data

	if conn.events == eventClosed {
		return
	}

	if events&unix.EPOLLERR != 0 {
		c.tcpRst(conn, idx)
		return
	}

	if connHas(conn, eventTapFinSent) && events&unix.EPOLLHUP != 0 {
		c.connEvent(conn, idx, eventClosed)
		return
	}

	if conn.events&eventEstablished != 0 {
		if connHas(conn, eventSockFinSent|eventTapFinAcked) {
			c.connEvent(conn, idx, eventClosed)
		}

		if events&(unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
			c.connEvent(conn, idx, eventSockFinRcvd)
		}

		if events&unix.EPOLLIN != 0 {
			_ = c.tcpDataFromSock(conn, idx)
		}

		if events&unix.EPOLLOUT != 0 {
			c.tcpUpdateSeqackWnd(conn, idx, false, nil)
		}

		return
	}

	// EPOLLHUP during handshake: reset.
	if events&unix.EPOLLHUP != 0 {
		c.tcpRst(conn, idx)
		return
	}

	// Data during tap-side handshake: check later.
	if connHas(conn, eventSockAccepted) {
		return
	}

	if conn.events == eventTapSynRcvd && events&unix.EPOLLOUT != 0 {
		c.tcpConnectFinish(conn, idx)
	}
}

// tcpFlowDefer retires closed connections during the deferred scan.
func (c *Context) tcpFlowDefer(flow *flowEntry) bool {
	conn := &flow.tcp
	if conn.events != eventClosed {
		return false
	}

	_ = unix.Close(int(conn.sock))
	if conn.timer != -1 {
		_ = unix.Close(int(conn.timer))
	}
	return true
}

// tcpSockInit opens host-side listening sockets for an inbound forwarded
// port, preferring one dual-stack socket when both versions are active.
func (c *Context) tcpSockInit(family int, addr netip.Addr, ifname string, port uint16) error {
	lref := tcpListenRef{port: port, pif: pifHost}

	record := func(fam, s int) {
		if c.tcp.fwdIn.Mode != ForwardAuto {
			return
		}
		val := int32(s)
		if fam == unix.AF_INET || fam == unix.AF_UNSPEC {
			c.tcp.listenExt[port][v4] = val
		}
		if fam == unix.AF_INET6 || fam == unix.AF_UNSPEC {
			c.tcp.listenExt[port][v6] = val
		}
	}

	if family == unix.AF_UNSPEC && c.ifi4 != 0 && c.ifi6 != 0 && !addr.IsValid() {
		if s, err := c.sockL4(unix.AF_UNSPEC, unix.IPPROTO_TCP, netip.Addr{}, ifname, port, lref.pack()); err == nil {
			c.setTCPSockBufs(s)
			record(unix.AF_UNSPEC, s)
			return nil
		}
	}

	var lastErr error
	ok := false
	if (family == unix.AF_INET || family == unix.AF_UNSPEC) && c.ifi4 != 0 {
		s, err := c.sockL4(unix.AF_INET, unix.IPPROTO_TCP, addr, ifname, port, lref.pack())
		if err != nil {
			record(unix.AF_INET, -1)
			lastErr = err
		} else {
			c.setTCPSockBufs(s)
			record(unix.AF_INET, s)
			ok = true
		}
	}
	if (family == unix.AF_INET6 || family == unix.AF_UNSPEC) && c.ifi6 != 0 {
		s, err := c.sockL4(unix.AF_INET6, unix.IPPROTO_TCP, addr, ifname, port, lref.pack())
		if err != nil {
			record(unix.AF_INET6, -1)
			lastErr = err
		} else {
			c.setTCPSockBufs(s)
			record(unix.AF_INET6, s)
			ok = true
		}
	}

	if ok {
		return nil
	}
	return lastErr
}

// tcpNsSockInit opens loopback listening sockets in the peer namespace
// for an outbound forwarded port. Must run inside the namespace.
func (c *Context) tcpNsSockInit(port uint16) {
	lref := tcpListenRef{port: port, pif: pifSplice}

	if c.ifi4 != 0 {
		s, err := c.sockL4(unix.AF_INET, unix.IPPROTO_TCP, loopback4, "", port, lref.pack())
		if err != nil {
			s = -1
		} else {
			c.setTCPSockBufs(s)
		}
		if c.tcp.fwdOut.Mode == ForwardAuto {
			c.tcp.listenNS[port][v4] = int32(s)
		}
	}
	if c.ifi6 != 0 {
		s, err := c.sockL4(unix.AF_INET6, unix.IPPROTO_TCP, loopback6, "", port, lref.pack())
		if err != nil {
			s = -1
		} else {
			c.setTCPSockBufs(s)
		}
		if c.tcp.fwdOut.Mode == ForwardAuto {
			c.tcp.listenNS[port][v6] = int32(s)
		}
	}
}

// tcpSockRefillPool tops up one pool of pre-opened sockets.
func (c *Context) tcpSockRefillPool(pool *[tcpSockPoolSize]int32, family int) error {
	for i := range pool {
		if pool[i] >= 0 {
			continue
		}
		fd, err := c.tcpConnNewSock(family)
		if err != nil {
			return err
		}
		pool[i] = int32(fd)
	}
	return nil
}

func (c *Context) tcpSockRefillInit() {
	if c.ifi4 != 0 {
		if err := c.tcpSockRefillPool(&c.tcp.pool4, unix.AF_INET); err != nil {
			c.logger.Warn("Error refilling IPv4 host socket pool", "error", err)
		}
	}
	if c.ifi6 != 0 {
		if err := c.tcpSockRefillPool(&c.tcp.pool6, unix.AF_INET6); err != nil {
			c.logger.Warn("Error refilling IPv6 host socket pool", "error", err)
		}
	}
}

// tcpInit cooks the frame pools and socket pools, and binds namespace
// listeners for configured outbound ports.
func (c *Context) tcpInit() error {
	c.tcp.data4 = newTCPFramePool(false, true)
	c.tcp.data6 = newTCPFramePool(true, true)
	c.tcp.flags4 = newTCPFramePool(false, false)
	c.tcp.flags6 = newTCPFramePool(true, false)
	c.tcp.updateL2Bufs(c)

	c.tcp.discard = make([]byte, maxWindow)
	c.tcp.recvBufs = make([][]byte, 0, tcpFramesMem+1)
	c.tcp.sendBufs = make([][]byte, 0, tapSeqPkts)

	for i := range c.tcp.pool4 {
		c.tcp.pool4[i] = -1
		c.tcp.pool6[i] = -1
	}
	for port := range c.tcp.listenExt {
		c.tcp.listenExt[port][v4] = -1
		c.tcp.listenExt[port][v6] = -1
		c.tcp.listenNS[port][v4] = -1
		c.tcp.listenNS[port][v6] = -1
	}

	c.tcpSockRefillInit()

	if c.mode == ModeNS {
		return nsenter.Do(netns.NsHandle(c.netnsFD), func() error {
			c.tcp.fwdOut.Map.forEach(func(port uint16) {
				c.tcpNsSockInit(port)
			})
			return nil
		})
	}
	return nil
}

// tcpPortRebind reconciles listening sockets with a refreshed forward
// map: cleared ports close, newly set ports (not present in the opposite
// direction) bind.
func (c *Context) tcpPortRebind(outbound bool) {
	fmap := &c.tcp.fwdIn.Map
	rmap := &c.tcp.fwdOut.Map
	socks := &c.tcp.listenExt
	if outbound {
		fmap, rmap = rmap, fmap
		socks = &c.tcp.listenNS
	}

	for port := 0; port < numPorts; port++ {
		p := uint16(port)
		if !fmap.isSet(p) {
			for _, ver := range []int{v4, v6} {
				if socks[port][ver] >= 0 {
					c.epollDel(int(socks[port][ver]))
					_ = unix.Close(int(socks[port][ver]))
					socks[port][ver] = -1
				}
			}
			continue
		}

		// Don't loop back our own ports.
		if rmap.isSet(p) {
			continue
		}

		if (c.ifi4 != 0 && socks[port][v4] == -1) ||
			(c.ifi6 != 0 && socks[port][v6] == -1) {
			if outbound {
				c.tcpNsSockInit(p)
			} else {
				_ = c.tcpSockInit(unix.AF_UNSPEC, netip.Addr{}, "", p)
			}
		}
	}
}

// tcpTimer runs the periodic TCP tasks: port auto-detection and rebinds,
// and socket pool refills.
func (c *Context) tcpTimer() {
	if c.mode == ModeNS {
		if c.tcp.fwdOut.Mode == ForwardAuto {
			c.fwdScanPortsTCP(&c.tcp.fwdOut, &c.tcp.fwdIn, 0)
			_ = nsenter.Do(netns.NsHandle(c.netnsFD), func() error {
				c.tcpPortRebind(true)
				return nil
			})
		}
		if c.tcp.fwdIn.Mode == ForwardAuto {
			_ = nsenter.Do(netns.NsHandle(c.netnsFD), func() error {
				c.fwdScanPortsTCP(&c.tcp.fwdIn, &c.tcp.fwdOut, 1)
				return nil
			})
			c.tcpPortRebind(false)
		}
	}

	c.tcpSockRefillInit()
}
