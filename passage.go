//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package passage implements a user-space layer-2 to layer-4 network
// translator. It terminates Ethernet frames on a host-facing tap channel
// (either a length-prefixed Unix stream accepted from a hypervisor, or a
// tuntap device inside a network namespace) and re-originates the carried
// TCP, UDP and ICMP echo traffic on ordinary unprivileged kernel sockets.
//
// The whole data path runs on a single goroutine around one epoll set;
// handlers never block, and all per-connection, per-frame and per-port
// storage is dimensioned once at startup.
package passage

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/noisysockets/passage/tap"
)

// Mode selects the tap transport.
type Mode int

const (
	// ModeStream accepts a length-prefixed Unix stream from a hypervisor.
	ModeStream Mode = iota
	// ModeNS opens a tuntap device inside a peer network namespace.
	ModeNS
)

func (m Mode) String() string {
	if m == ModeStream {
		return "stream"
	}
	return "ns"
}

const (
	// numPorts is the size of every per-port table.
	numPorts = 1 << 16

	// ethHeaderLen is the length of an Ethernet II header.
	ethHeaderLen = 14
	// frameLenSize is the length prefix preceding each frame on the
	// stream transport.
	frameLenSize = 4
	// ethMaxMTU bounds the L3 length of any frame crossing the tap.
	ethMaxMTU = 65535

	// maxWS is the largest TCP window scaling shift we accept or advertise.
	maxWS = 8
	// maxWindow is the largest scaled window.
	maxWindow = 1 << (16 + maxWS)

	// windowDefault is the window advertised during handshake (RFC 6928).
	windowDefault = 14600
	// mssDefault applies when the peer sends no MSS option.
	mssDefault = 536

	// tcpFramesMem is the depth of each pre-cooked TCP frame pool.
	tcpFramesMem = 128
	// tcpSockPoolSize is the number of pre-opened sockets kept per family.
	tcpSockPoolSize = 32
	// tcpMaxRetrans bounds tap-side retransmissions before a reset.
	tcpMaxRetrans = 3

	// udpMaxFrames is the recvmmsg/sendmmsg batch depth.
	udpMaxFrames = 32

	// tapSeqs bounds distinct L4 batches groupable from one tap read.
	tapSeqs = 128
	// tapSeqPkts bounds packets in one grouped L4 batch.
	tapSeqPkts = 512
)

// Timeouts and intervals (spec'd alongside the protocol engines).
const (
	ackInterval       = 10 * time.Millisecond
	synTimeout        = 10 * time.Second
	ackTimeout        = 2 * time.Second
	finTimeout        = 60 * time.Second
	actTimeout        = 7200 * time.Second
	udpConnTimeout    = 180 * time.Second
	icmpEchoTimeout   = 60 * time.Second
	flowTimerInterval = time.Second
	fragmentMsgRate   = 10 * time.Second
)

// pif identifies the interface a socket belongs to: the init namespace
// (host), the peer namespace (splice), or the tap itself.
type pif uint8

const (
	pifNone pif = iota
	pifHost
	pifSplice
	pifTap
)

func (p pif) String() string {
	switch p {
	case pifHost:
		return "host"
	case pifSplice:
		return "splice"
	case pifTap:
		return "tap"
	}
	return "none"
}

// IP version indices for per-version tables.
const (
	v4 = 0
	v6 = 1
)

// IPv4Ctx is the IPv4 side of the execution context.
type IPv4Ctx struct {
	// Addr is the address the guest sees as its own.
	Addr netip.Addr
	// AddrSeen is the latest source address observed from the tap.
	AddrSeen netip.Addr
	PrefixLen int
	// GW is the default gateway presented to the guest; local traffic is
	// SNATed to it.
	GW netip.Addr
	DNS []netip.Addr
	// DNSMatch, when a destination matches it on port 53, redirects the
	// query to DNSHost.
	DNSMatch netip.Addr
	DNSHost  netip.Addr
	// AddrOut optionally pins the source address of outbound sockets.
	AddrOut netip.Addr
	// IfnameOut optionally pins outbound sockets to an interface.
	IfnameOut string
}

// IPv6Ctx is the IPv6 side of the execution context.
type IPv6Ctx struct {
	Addr netip.Addr
	// AddrLL is the host-side link-local address used for scope binding.
	AddrLL netip.Addr
	// AddrSeen and AddrLLSeen track the latest global and link-local
	// guest sources separately.
	AddrSeen   netip.Addr
	AddrLLSeen netip.Addr
	GW         netip.Addr
	DNS        []netip.Addr
	DNSMatch   netip.Addr
	DNSHost    netip.Addr
	AddrOut    netip.Addr
	IfnameOut  string
}

// Context is the process-wide execution context. It is created once by New,
// owns every file descriptor and table of the translator, and is driven by
// the single event loop in Run. None of its methods are safe for concurrent
// use; everything runs on the loop goroutine.
type Context struct {
	logger *slog.Logger
	mode   Mode

	epollFD     int
	tapFD       int
	tapListenFD int
	tapLink     tap.Link

	mac      [6]byte
	macGuest [6]byte

	hashSecret [2]uint64

	ifi4 int
	ifi6 int
	ip4  IPv4Ctx
	ip6  IPv6Ctx

	mtu     int
	noMapGW bool
	oneOff  bool
	lowRMem bool
	lowWMem bool

	sockPath  string
	tapIfname string

	netnsFD         int
	netnsDir        string
	netnsBase       string
	nsQuitInotifyFD int
	nsQuitTimerFD   int

	flows    *flowTable
	tcp      tcpCtx
	udp      udpCtx
	icmp     icmpCtx
	procScan procScanState

	// Shared receive buffer; tap packet pools hold descriptors into it.
	tapRx      []byte
	pool4      Pool
	pool6      Pool
	seqs4      []tapSeq
	seqs6      []tapSeq
	pktScratch Pool

	// oneFrame is the emission buffer for single out-of-band frames
	// (ICMP replies).
	oneFrame []byte

	frameScratch []tap.Frame

	// Coarse clock, advanced once per loop iteration.
	now          time.Time
	flowTimerRun time.Time
	protoTimer   time.Time

	frag4Dropped uint
	frag4LastMsg time.Time

	pidFile string
	closed  bool
}

// Logger returns the context logger.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// GuestMAC returns the currently learned guest MAC address.
func (c *Context) GuestMAC() [6]byte {
	return c.macGuest
}

// learnGuestMAC records a new guest MAC seen as the source of a tap frame
// and rewrites the Ethernet scaffolding of every pre-cooked buffer.
func (c *Context) learnGuestMAC(mac []byte) {
	copy(c.macGuest[:], mac)
	c.updateL2Bufs()
}

// updateL2Bufs walks all pre-cooked frame pools and rewrites their L2
// headers with the current MAC pair.
func (c *Context) updateL2Bufs() {
	c.tcp.updateL2Bufs(c)
	c.udp.updateL2Bufs(c)
}
