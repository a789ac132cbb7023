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

// The epoll data word is the sole ABI between the event loop and the
// protocol handlers. Each registered descriptor carries a packed 64-bit
// reference: 8 bits of type, 24 bits of file descriptor, and 32 bits of
// handler-specific payload.

// epollType tells the loop which handler owns a ready descriptor.
type epollType uint8

const (
	epollNone epollType = iota
	epollTCP
	epollTCPSplice
	epollTCPListen
	epollTCPTimer
	epollUDP
	epollPing
	epollNsQuitInotify
	epollNsQuitTimer
	epollTapNS
	epollTapStream
	epollTapListen

	epollNumTypes
)

var epollTypeStr = [epollNumTypes]string{
	epollNone:          "<none>",
	epollTCP:           "connected TCP socket",
	epollTCPSplice:     "connected spliced TCP socket",
	epollTCPListen:     "listening TCP socket",
	epollTCPTimer:      "TCP timer",
	epollUDP:           "UDP socket",
	epollPing:          "ICMP/ICMPv6 ping socket",
	epollNsQuitInotify: "namespace inotify watch",
	epollNsQuitTimer:   "namespace timer watch",
	epollTapNS:         "tap device",
	epollTapStream:     "connected tap socket",
	epollTapListen:     "listening tap socket",
}

func (t epollType) String() string {
	if t < epollNumTypes {
		return epollTypeStr[t]
	}
	return "?"
}

// fdRefBits is the width of the descriptor field in an epoll reference.
// Every descriptor entering the process must not exceed fdRefMax; socket
// creation enforces this.
const (
	fdRefBits = 24
	fdRefMax  = 1<<fdRefBits - 1
)

// epollRef is the unpacked form of the 64-bit epoll data word.
type epollRef struct {
	kind epollType
	fd   int32
	// data is handler-specific: a flow index for TCP/ping sockets and
	// timers, a packed udpEpollData for UDP sockets, a packed port+pif
	// for listening TCP sockets.
	data uint32
}

func (r epollRef) pack() uint64 {
	return uint64(r.kind) | uint64(r.fd&fdRefMax)<<8 | uint64(r.data)<<32
}

func unpackEpollRef(u uint64) epollRef {
	return epollRef{
		kind: epollType(u & 0xff),
		fd:   int32(u >> 8 & fdRefMax),
		data: uint32(u >> 32),
	}
}

// tcpListenRef is the payload of a listening TCP socket reference.
type tcpListenRef struct {
	port uint16
	pif  pif
}

func (r tcpListenRef) pack() uint32 {
	return uint32(r.port) | uint32(r.pif)<<16
}

func unpackTCPListenRef(u uint32) tcpListenRef {
	return tcpListenRef{
		port: uint16(u),
		pif:  pif(u >> 16 & 0x7),
	}
}

// udpEpollData is the payload of a UDP socket reference.
type udpEpollData struct {
	port   uint16
	pif    pif
	v6     bool
	splice bool
	orig   bool
}

func (r udpEpollData) pack() uint32 {
	u := uint32(r.port)
	u |= uint32(r.pif) << 16
	if r.v6 {
		u |= 1 << 19
	}
	if r.splice {
		u |= 1 << 20
	}
	if r.orig {
		u |= 1 << 21
	}
	return u
}

func unpackUDPEpollData(u uint32) udpEpollData {
	return udpEpollData{
		port:   uint16(u),
		pif:    pif(u >> 16 & 0x7),
		v6:     u>>19&1 != 0,
		splice: u>>20&1 != 0,
		orig:   u>>21&1 != 0,
	}
}
