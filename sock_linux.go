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
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// sockL4 opens, binds and registers a non-blocking L4 socket. An invalid
// bindAddr binds the wildcard of the family; family unix.AF_UNSPEC
// requests a dual-stack v6 socket (no V6ONLY). The socket is registered
// in epoll with the reference type implied by proto and the given
// handler payload.
func (c *Context) sockL4(family, proto int, bindAddr netip.Addr, ifname string, port uint16, refData uint32) (int, error) {
	var kind epollType
	switch proto {
	case unix.IPPROTO_TCP:
		kind = epollTCPListen
	case unix.IPPROTO_UDP:
		kind = epollUDP
	case unix.IPPROTO_ICMP, unix.IPPROTO_ICMPV6:
		kind = epollPing
	default:
		return -1, fmt.Errorf("unsupported protocol %d", proto)
	}

	dualStack := false
	if family == unix.AF_UNSPEC {
		if bindAddr.IsValid() {
			return -1, errors.New("dual-stack sockets cannot bind an address")
		}
		dualStack = true
		family = unix.AF_INET6
	}

	typ := unix.SOCK_STREAM
	if proto != unix.IPPROTO_TCP {
		typ = unix.SOCK_DGRAM
	}

	fd, err := unix.Socket(family, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return -1, fmt.Errorf("failed to create L4 socket: %w", err)
	}
	if fd, err = checkFdRef(fd); err != nil {
		return -1, err
	}

	if family == unix.AF_INET6 && !dualStack {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	if ifname != "" {
		// Supported for unprivileged users since kernel 5.7. If it is
		// refused, don't bind at all: the caller may rely on the
		// binding to filter incoming connections.
		if err := unix.BindToDevice(fd, ifname); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("failed to bind socket to %s: %w", ifname, err)
		}
	}

	var sa unix.Sockaddr
	scope := uint32(0)
	if bindAddr.IsValid() && addrsEqual(bindAddr, c.ip6.AddrLL) {
		scope = uint32(c.ifi6)
	}
	if bindAddr.IsValid() {
		sa = sockaddrFromAddrPort(bindAddr, port, scope)
	} else if family == unix.AF_INET {
		sa = &unix.SockaddrInet4{Port: int(port)}
	} else {
		sa = &unix.SockaddrInet6{Port: int(port)}
	}

	if err := unix.Bind(fd, sa); err != nil {
		// Ping sockets may be refused bind by policy; they still work
		// unbound.
		if proto != unix.IPPROTO_ICMP && proto != unix.IPPROTO_ICMPV6 {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("failed to bind port %d: %w", port, err)
		}
	}

	if proto == unix.IPPROTO_TCP {
		if err := unix.Listen(fd, 128); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("failed to listen on port %d: %w", port, err)
		}
	}

	ref := epollRef{kind: kind, fd: int32(fd), data: refData}
	if err := c.epollAdd(fd, ref, unix.EPOLLIN); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}

	return fd, nil
}

// setTCPSockBufs raises the socket buffers to half of INT_MAX; the kernel
// clamps and rounds as needed. Skipped where the startup probe found the
// system limits low.
func (c *Context) setTCPSockBufs(fd int) {
	const v = int(^uint32(0) >> 2)
	if !c.lowRMem {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, v)
	}
	if !c.lowWMem {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, v)
	}
}

// sockProbeMem checks whether large socket buffers are allowed, marking
// the context low-memory flags used to skip the enlarged buffers.
func (c *Context) sockProbeMem() {
	const want = int(^uint32(0) >> 2)

	s, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return
	}
	defer unix.Close(s)

	_ = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_SNDBUF, want)
	if v, err := unix.GetsockoptInt(s, unix.SOL_SOCKET, unix.SO_SNDBUF); err == nil && v < want {
		c.lowWMem = true
	}

	_ = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_RCVBUF, want)
	if v, err := unix.GetsockoptInt(s, unix.SOL_SOCKET, unix.SO_RCVBUF); err == nil && v < want {
		c.lowRMem = true
	}
}
