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
	"bytes"
	"errors"
	"fmt"
	"net/netip"

	"github.com/noisysockets/netstack/pkg/tcpip"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/noisysockets/passage/internal/nsenter"
	"github.com/noisysockets/passage/tap"
)

// ErrTapDisconnected reports a fatal loss of the tap transport (the
// tuntap device in NS mode, or the stream peer in one-off operation).
var ErrTapDisconnected = errors.New("tap transport disconnected")

// tapBufBytes sizes the shared receive buffer: room for a full batch of
// maximum frames plus the stream length prefixes.
const tapBufBytes = (ethMaxMTU + frameLenSize) * 128

// tapInit sets up the receive pools and the transport for the configured
// mode.
func (c *Context) tapInit() error {
	c.tapRx = make([]byte, tapBufBytes)
	c.pool4 = newPool(c.tapRx, tapSeqs*tapSeqPkts)
	c.pool6 = newPool(c.tapRx, tapSeqs*tapSeqPkts)
	c.pktScratch = newPool(c.tapRx, 1)
	c.seqs4 = make([]tapSeq, tapSeqs)
	c.seqs6 = make([]tapSeq, tapSeqs)
	for i := 0; i < tapSeqs; i++ {
		c.seqs4[i].p = newPool(c.tapRx, tapSeqPkts)
		c.seqs6[i].p = newPool(c.tapRx, tapSeqPkts)
	}
	c.oneFrame = make([]byte, frameLenSize+ethHeaderLen+ip6HeaderLen+65535)
	c.frameScratch = make([]tap.Frame, 0, 256)

	if c.mode == ModeStream {
		// The guest MAC is unknown until it talks; broadcast until
		// then so our first frames reach it.
		c.macGuest = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

		fd, path, err := tap.ListenUnix(c.logger, c.sockPath, "passage")
		if err != nil {
			return err
		}
		if fd, err = checkFdRef(fd); err != nil {
			return err
		}
		c.sockPath = path
		c.tapListenFD = fd

		ref := epollRef{kind: epollTapListen, fd: int32(fd)}
		return c.epollAdd(fd, ref, unix.EPOLLIN|unix.EPOLLET)
	}

	// NS mode: open the tuntap device inside the peer namespace.
	var link *tap.DeviceLink
	err := nsenter.Do(netns.NsHandle(c.netnsFD), func() error {
		var err error
		link, err = tap.CreateDevice(c.logger, c.tapIfname)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set up tap device in namespace: %w", err)
	}

	fd := link.FD()
	if fd, err = checkFdRef(fd); err != nil {
		return err
	}
	c.tapFD = fd
	c.tapLink = link

	ref := epollRef{kind: epollTapNS, fd: int32(fd)}
	return c.epollAdd(fd, ref, unix.EPOLLIN|unix.EPOLLRDHUP)
}

// tapListenHandler accepts the hypervisor connection; extra connection
// attempts while one is active are accepted and dropped right away.
func (c *Context) tapListenHandler(events uint32) error {
	if events != unix.EPOLLIN {
		return errors.New("error on listening tap socket")
	}

	if c.tapLink != nil {
		tap.DiscardPending(c.logger, c.tapListenFD)
		return nil
	}

	fd, err := tap.Accept(c.logger, c.tapListenFD, c.lowRMem, c.lowWMem)
	if err != nil {
		return nil
	}
	if fd, err = checkFdRef(fd); err != nil {
		return nil
	}

	c.tapFD = fd
	c.tapLink = tap.NewStreamLink(c.logger, fd)

	ref := epollRef{kind: epollTapStream, fd: int32(fd)}
	if err := c.epollAdd(fd, ref, unix.EPOLLIN|unix.EPOLLET|unix.EPOLLRDHUP); err != nil {
		_ = c.tapLink.Close()
		c.tapLink = nil
		return nil
	}
	return nil
}

// tapSockReset drops a dead stream peer and waits for the next
// connection, or ends the process in one-off operation.
func (c *Context) tapSockReset() error {
	if c.oneOff {
		c.logger.Info("Client closed connection, exiting")
		return ErrTapDisconnected
	}

	if c.tapLink != nil {
		c.epollDel(c.tapFD)
		_ = c.tapLink.Close()
		c.tapLink = nil
		c.tapFD = -1
	}
	return nil
}

// tapStreamHandler drains frames from the connected stream peer.
func (c *Context) tapStreamHandler(events uint32) error {
	if c.tapLink == nil {
		return nil
	}
	if events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		return c.tapSockReset()
	}

	for {
		frames, again, err := c.tapLink.ReadFrames(c.tapRx, c.frameScratch[:0])
		if err != nil {
			if errors.Is(err, tap.ErrDisconnected) {
				return c.tapSockReset()
			}
			c.logger.Warn("Tap stream error", "error", err)
			return c.tapSockReset()
		}
		c.frameScratch = frames[:0]

		c.tapProcessFrames(frames)

		if !again {
			return nil
		}
	}
}

// tapNSHandler drains frames from the tuntap device. Transport loss here
// is fatal.
func (c *Context) tapNSHandler(events uint32) error {
	if events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		return fmt.Errorf("%w: disconnect event on tap device", ErrTapDisconnected)
	}

	for {
		frames, again, err := c.tapLink.ReadFrames(c.tapRx, c.frameScratch[:0])
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTapDisconnected, err)
		}
		c.frameScratch = frames[:0]

		c.tapProcessFrames(frames)

		if !again {
			return nil
		}
	}
}

// tapProcessFrames classifies one read batch into the per-version pools,
// learning the guest MAC on the way, and runs the demultiplexer.
func (c *Context) tapProcessFrames(frames []tap.Frame) {
	c.pool4.reset()
	c.pool6.reset()

	for _, f := range frames {
		frame := c.tapRx[f.Off : f.Off+f.Len]
		eth := header.Ethernet(frame)

		if src := eth.SourceAddress(); !bytes.Equal(c.macGuest[:], []byte(src)) {
			c.learnGuestMAC([]byte(src))
		}

		switch eth.Type() {
		case header.IPv4ProtocolNumber, header.ARPProtocolNumber:
			c.pool4.add(f.Off, f.Len)
		case header.IPv6ProtocolNumber:
			c.pool6.add(f.Off, f.Len)
		}
	}

	c.tap4Handler(&c.pool4)
	c.tap6Handler(&c.pool6)
}

// tapSendFrames emits prepared frames on the current transport. With no
// peer attached the frames are dropped; senders treat that as a short
// send.
func (c *Context) tapSendFrames(bufs [][]byte) int {
	if c.tapLink == nil || len(bufs) == 0 {
		return 0
	}

	m := c.tapLink.SendFrames(bufs)
	if m < len(bufs) {
		c.logger.Debug("Failed to send frames to tap",
			"dropped", len(bufs)-m, "total", len(bufs))
	}
	return m
}

// tapSendSingle4 builds and emits one IPv4 frame around an L4 payload.
func (c *Context) tapSendSingle4(proto uint8, src, dst netip.Addr, l4 []byte) {
	buf := c.oneFrame

	eth := header.Ethernet(buf[ethOff : ethOff+ethHeaderLen])
	eth.Encode(&header.EthernetFields{
		SrcAddr: linkAddr(c.mac),
		DstAddr: linkAddr(c.macGuest),
		Type:    header.IPv4ProtocolNumber,
	})

	ip := header.IPv4(buf[ip4Off : ip4Off+ip4HeaderLen])
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(ip4HeaderLen + len(l4)),
		TTL:         255,
		Protocol:    proto,
		SrcAddr:     tcpipAddr(src),
		DstAddr:     tcpipAddr(dst),
	})
	csumIPv4Header(ip)

	n := copy(buf[ip4Off+ip4HeaderLen:], l4)

	c.tapSendFrames([][]byte{buf[:ip4Off+ip4HeaderLen+n]})
}

// tapSendSingle6 builds and emits one IPv6 frame around an L4 payload.
func (c *Context) tapSendSingle6(proto uint8, src, dst netip.Addr, l4 []byte) {
	buf := c.oneFrame

	eth := header.Ethernet(buf[ethOff : ethOff+ethHeaderLen])
	eth.Encode(&header.EthernetFields{
		SrcAddr: linkAddr(c.mac),
		DstAddr: linkAddr(c.macGuest),
		Type:    header.IPv6ProtocolNumber,
	})

	ip := header.IPv6(buf[ip6Off : ip6Off+ip6HeaderLen])
	ip.Encode(&header.IPv6Fields{
		PayloadLength:     uint16(len(l4)),
		TransportProtocol: tcpip.TransportProtocolNumber(proto),
		HopLimit:          255,
		SrcAddr:           tcpipAddr(src),
		DstAddr:           tcpipAddr(dst),
	})

	n := copy(buf[ip6Off+ip6HeaderLen:], l4)

	c.tapSendFrames([][]byte{buf[:ip6Off+ip6HeaderLen+n]})
}
