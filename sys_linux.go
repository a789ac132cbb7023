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
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrFdExhausted is returned when a new descriptor would not fit the
// 24-bit fd field of an epoll reference. The descriptor is closed before
// this is returned; nothing is registered.
var ErrFdExhausted = errors.New("file descriptor exceeds epoll reference range")

// checkFdRef enforces the 24-bit bound on every descriptor entering the
// process. On violation the descriptor is closed.
func checkFdRef(fd int) (int, error) {
	if fd > fdRefMax {
		_ = unix.Close(fd)
		return -1, ErrFdExhausted
	}
	return fd, nil
}

// epollAdd registers fd with the packed reference and event mask.
func (c *Context) epollAdd(fd int, ref epollRef, events uint32) error {
	ev := unix.EpollEvent{Events: events}
	putEpollData(&ev, ref.pack())
	if err := unix.EpollCtl(c.epollFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("failed to add fd to epoll: %w", err)
	}
	return nil
}

func (c *Context) epollMod(fd int, ref epollRef, events uint32) error {
	ev := unix.EpollEvent{Events: events}
	putEpollData(&ev, ref.pack())
	if err := unix.EpollCtl(c.epollFD, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("failed to modify fd in epoll: %w", err)
	}
	return nil
}

func (c *Context) epollDel(fd int) {
	_ = unix.EpollCtl(c.epollFD, unix.EPOLL_CTL_DEL, fd, nil)
}

// The kernel treats epoll_event data as an opaque 64-bit word; the x/sys
// struct splits it into Fd and Pad.
func putEpollData(ev *unix.EpollEvent, u uint64) {
	ev.Fd = int32(u)
	ev.Pad = int32(u >> 32)
}

func epollData(ev *unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}

// sockaddrFromAddrPort builds a unix.Sockaddr for the given family.
func sockaddrFromAddrPort(a netip.Addr, port uint16, scope uint32) unix.Sockaddr {
	if v4a, ok := addrV4(a); ok {
		return &unix.SockaddrInet4{Port: int(port), Addr: v4a.As4()}
	}
	return &unix.SockaddrInet6{Port: int(port), Addr: a.As16(), ZoneId: scope}
}

// addrPortFromSockaddr extracts the address and port of a peer sockaddr.
func addrPortFromSockaddr(sa unix.Sockaddr) (netip.Addr, uint16, bool) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(sa.Addr), uint16(sa.Port), true
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port), true
	}
	return netip.Addr{}, 0, false
}

// tcpInfo mirrors the kernel struct tcp_info, including the tail fields
// and the wscale bit pair that the x/sys wrapper predates.
type tcpInfo struct {
	State       uint8
	CaState     uint8
	Retransmits uint8
	Probes      uint8
	Backoff     uint8
	Options     uint8
	// scales packs snd_wscale in the low nibble and rcv_wscale in the
	// high nibble.
	scales       uint8
	rateAndFlags uint8

	Rto    uint32
	Ato    uint32
	SndMss uint32
	RcvMss uint32

	Unacked uint32
	Sacked  uint32
	Lost    uint32
	Retrans uint32
	Fackets uint32

	LastDataSent uint32
	LastAckSent  uint32
	LastDataRecv uint32
	LastAckRecv  uint32

	Pmtu        uint32
	RcvSsthresh uint32
	Rtt         uint32
	Rttvar      uint32
	SndSsthresh uint32
	SndCwnd     uint32
	Advmss      uint32
	Reordering  uint32

	RcvRtt   uint32
	RcvSpace uint32

	TotalRetrans uint32

	PacingRate    uint64
	MaxPacingRate uint64
	BytesAcked    uint64
	BytesReceived uint64
	SegsOut       uint32
	SegsIn        uint32

	NotsentBytes uint32
	MinRtt       uint32
	DataSegsIn   uint32
	DataSegsOut  uint32

	DeliveryRate uint64

	BusyTime      uint64
	RwndLimited   uint64
	SndbufLimited uint64

	Delivered   uint32
	DeliveredCe uint32

	BytesSent    uint64
	BytesRetrans uint64
	DsackDups    uint32
	ReordSeen    uint32

	RcvOoopack uint32
	SndWnd     uint32
}

func (ti *tcpInfo) sndWscale() uint8 {
	return ti.scales & 0xf
}

// getTCPInfo fills info from TCP_INFO. Fields past what the running
// kernel reports are left zero.
func getTCPInfo(fd int, info *tcpInfo) error {
	sl := uint32(unsafe.Sizeof(*info))
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(fd),
		unix.SOL_TCP, unix.TCP_INFO,
		uintptr(unsafe.Pointer(info)), uintptr(unsafe.Pointer(&sl)), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// mmsghdr matches the kernel struct for sendmmsg/recvmmsg.
type mmsghdr struct {
	hdr unix.Msghdr
	len uint32
	_   [4]byte
}

// recvmmsg receives up to len(hdrs) messages; the iovecs and name buffers
// must be pre-wired into hdrs.
func recvmmsg(fd int, hdrs []mmsghdr, flags int) (int, error) {
	if len(hdrs) == 0 {
		return 0, nil
	}
	n, _, errno := unix.Syscall6(unix.SYS_RECVMMSG, uintptr(fd),
		uintptr(unsafe.Pointer(&hdrs[0])), uintptr(len(hdrs)),
		uintptr(flags), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// sendmmsg sends up to len(hdrs) messages.
func sendmmsg(fd int, hdrs []mmsghdr, flags int) (int, error) {
	if len(hdrs) == 0 {
		return 0, nil
	}
	n, _, errno := unix.Syscall6(unix.SYS_SENDMMSG, uintptr(fd),
		uintptr(unsafe.Pointer(&hdrs[0])), uintptr(len(hdrs)),
		uintptr(flags), 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

// wireMmsg points h at the single buffer buf and the raw name area.
// The name/iovec storage must outlive the syscalls using hdrs.
func wireMmsg(h *mmsghdr, iov *unix.Iovec, buf []byte, name *unix.RawSockaddrInet6) {
	iov.Base = &buf[0]
	iov.SetLen(len(buf))
	h.hdr.Iov = iov
	h.hdr.SetIovlen(1)
	if name != nil {
		h.hdr.Name = (*byte)(unsafe.Pointer(name))
		h.hdr.Namelen = uint32(unsafe.Sizeof(*name))
	}
}

// rawSockaddrPort extracts address and port from a raw sockaddr filled by
// recvmmsg.
func rawSockaddrPort(name *unix.RawSockaddrInet6) (netip.Addr, uint16, bool) {
	switch name.Family {
	case unix.AF_INET:
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(name))
		port := uint16(sa.Port>>8) | uint16(sa.Port&0xff)<<8
		return netip.AddrFrom4(sa.Addr), port, true
	case unix.AF_INET6:
		port := uint16(name.Port>>8) | uint16(name.Port&0xff)<<8
		return netip.AddrFrom16(name.Addr).Unmap(), port, true
	}
	return netip.Addr{}, 0, false
}

// putRawSockaddr fills a raw sockaddr for use as a sendmmsg name.
func putRawSockaddr(name *unix.RawSockaddrInet6, a netip.Addr, port uint16) uint32 {
	nport := port>>8 | port<<8
	if v4a, ok := addrV4(a); ok {
		sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(name))
		*sa = unix.RawSockaddrInet4{Family: unix.AF_INET, Port: nport, Addr: v4a.As4()}
		return uint32(unsafe.Sizeof(*sa))
	}
	*name = unix.RawSockaddrInet6{Family: unix.AF_INET6, Port: nport, Addr: a.As16()}
	return uint32(unsafe.Sizeof(*name))
}

// rawInet4Ptr views the common raw sockaddr storage as IPv4.
func rawInet4Ptr(name *unix.RawSockaddrInet6) *unix.RawSockaddrInet4 {
	return (*unix.RawSockaddrInet4)(unsafe.Pointer(name))
}

// rawBytePtr yields the byte pointer form msghdr names want.
func rawBytePtr(name *unix.RawSockaddrInet6) *byte {
	return (*byte)(unsafe.Pointer(name))
}

// recvDiscard consumes and discards n bytes from a stream socket using a
// null buffer with MSG_TRUNC.
func recvDiscard(fd int, n uint32) error {
	_, _, errno := unix.Syscall6(unix.SYS_RECVFROM, uintptr(fd), 0,
		uintptr(n), unix.MSG_DONTWAIT|unix.MSG_TRUNC, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// timerfdSet arms a timerfd with a single expiry.
func timerfdSet(fd int, d int64) {
	it := unix.ItimerSpec{Value: unix.NsecToTimespec(d)}
	_ = unix.TimerfdSettime(fd, 0, &it, nil)
}

// timerfdRemaining returns the nanoseconds left before the timerfd's
// pending expiry, or zero when it is disarmed or cannot be read.
func timerfdRemaining(fd int) int64 {
	var it unix.ItimerSpec
	if err := unix.TimerfdGettime(fd, &it); err != nil {
		return 0
	}
	return unix.TimespecToNsec(it.Value)
}

// timerfdExchange arms a new single expiry and returns the previously
// remaining nanoseconds.
func timerfdExchange(fd int, d int64) int64 {
	it := unix.ItimerSpec{Value: unix.NsecToTimespec(d)}
	var old unix.ItimerSpec
	if err := unix.TimerfdSettime(fd, 0, &it, &old); err != nil {
		return 0
	}
	return unix.TimespecToNsec(old.Value)
}

// drainTimerfd consumes the expiry counter after an EPOLLIN wakeup.
func drainTimerfd(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}
