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

// Spliced TCP connections short-circuit the L2 path for loopback traffic
// between the two namespaces: an accepted loopback connection on one side
// is paired with a plain connected socket on the other, and payload is
// relayed between the two without ever building a frame. Only the flow
// table variant and a straightforward relay live here; both kernels keep
// doing all of the actual TCP work.

import (
	"errors"
	"net/netip"

	"golang.org/x/sys/unix"
)

// tcpSpliceConnFromSock decides whether an accepted connection should be
// spliced and, if so, sets up the paired socket. Splicing applies in NS
// mode when the connection arrived on a namespace-side (loopback)
// listener.
func (c *Context) tcpSpliceConnFromSock(flow *flowEntry, idx uint32, fromPif pif, port uint16, s int, peer netip.Addr) bool {
	if c.mode != ModeNS || fromPif != pifSplice {
		return false
	}
	if !addrLoopback(peer) {
		return false
	}

	dstPort := port + c.tcp.fwdOut.Delta[port]

	target := loopback4
	family := unix.AF_INET
	if !addrIs4(peer) {
		target = loopback6
		family = unix.AF_INET6
	}

	sock1, err := c.tcpConnNewSock(family)
	if err != nil {
		_ = unix.Close(s)
		c.flows.allocCancel(idx)
		return true
	}

	sa := sockaddrFromAddrPort(target, dstPort, 0)
	if err := unix.Connect(sock1, sa); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		_ = unix.Close(s)
		_ = unix.Close(sock1)
		c.flows.allocCancel(idx)
		return true
	}

	flow.kind = flowTCPSplice
	conn := &flow.splice
	*conn = tcpSpliceConn{sock0: int32(s), sock1: int32(sock1)}

	ref0 := epollRef{kind: epollTCPSplice, fd: conn.sock0, data: uint32(makeSidx(idx, 0))}
	ref1 := epollRef{kind: epollTCPSplice, fd: conn.sock1, data: uint32(makeSidx(idx, 1))}

	events := uint32(unix.EPOLLIN | unix.EPOLLRDHUP)
	if c.epollAdd(int(conn.sock0), ref0, events) != nil ||
		c.epollAdd(int(conn.sock1), ref1, events) != nil {
		_ = unix.Close(s)
		_ = unix.Close(sock1)
		c.flows.allocCancel(idx)
		return true
	}

	c.logger.Debug("Spliced TCP connection",
		"flow", idx, "port", port, "dstport", dstPort)
	return true
}

// tcpSpliceSockHandler relays readiness on one side of a spliced
// connection to the other side's socket.
func (c *Context) tcpSpliceSockHandler(ref epollRef, events uint32) {
	sidx := flowSidx(ref.data)
	flow := c.flows.at(sidx.flowIdx())
	if flow.kind != flowTCPSplice {
		return
	}
	conn := &flow.splice

	from, to := int(conn.sock0), int(conn.sock1)
	if sidx.side() == 1 {
		from, to = to, from
	}

	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		conn.closed = true
		return
	}

	if events&(unix.EPOLLIN|unix.EPOLLRDHUP) == 0 {
		return
	}

	buf := c.tcp.discard[:64<<10]
	for {
		n, err := unix.Read(from, buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			conn.closed = true
			return
		}
		if n == 0 {
			// Half close; propagate and let the peers finish.
			_ = unix.Shutdown(to, unix.SHUT_WR)
			if events&unix.EPOLLRDHUP != 0 {
				conn.closed = true
			}
			return
		}

		out := buf[:n]
		for len(out) > 0 {
			m, err := unix.Write(to, out)
			if err != nil {
				if errors.Is(err, unix.EINTR) {
					continue
				}
				if errors.Is(err, unix.EAGAIN) {
					// Wait for the peer socket to drain; spliced
					// traffic is loopback so this resolves quickly.
					fds := []unix.PollFd{{Fd: int32(to), Events: unix.POLLOUT}}
					_, _ = unix.Poll(fds, 1000)
					continue
				}
				conn.closed = true
				return
			}
			out = out[m:]
		}
	}
}

// tcpSpliceFlowDefer retires closed spliced connections.
func (c *Context) tcpSpliceFlowDefer(flow *flowEntry) bool {
	conn := &flow.splice
	if !conn.closed {
		return false
	}

	c.epollDel(int(conn.sock0))
	c.epollDel(int(conn.sock1))
	_ = unix.Close(int(conn.sock0))
	_ = unix.Close(int(conn.sock1))
	return true
}
