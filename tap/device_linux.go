//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 *
 * Portions of this file are based on code originally from wireguard-go,
 *
 * Copyright (C) 2017-2023 WireGuard LLC. All Rights Reserved.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of
 * this software and associated documentation files (the "Software"), to deal in
 * the Software without restriction, including without limitation the rights to
 * use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
 * of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

package tap

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

const cloneDevicePath = "/dev/net/tun"

// DeviceLink is the namespace-facing transport: a tuntap character device
// carrying raw Ethernet frames with no length prefix.
type DeviceLink struct {
	logger  *slog.Logger
	fd      int
	name    string
	ifindex int
}

// CreateDevice opens /dev/net/tun and attaches a tap interface with the
// given name. It must be invoked while the calling thread is joined to
// the peer network namespace.
func CreateDevice(logger *slog.Logger, name string) (*DeviceLink, error) {
	fd, err := unix.Open(cloneDevicePath, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s does not exist in the namespace", cloneDevicePath)
		}
		return nil, fmt.Errorf("failed to open %s: %w", cloneDevicePath, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF failed: %w", err)
	}

	ifindex := 0
	if iface, err := ifreqIndex(name); err == nil {
		ifindex = iface
	}

	return &DeviceLink{logger: logger, fd: fd, name: name, ifindex: ifindex}, nil
}

func ifreqIndex(name string) (int, error) {
	s, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(s)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, err
	}
	if err := unix.IoctlIfreq(s, unix.SIOCGIFINDEX, ifr); err != nil {
		return 0, err
	}
	return int(ifr.Uint32()), nil
}

func (l *DeviceLink) FD() int {
	return l.fd
}

// Name returns the attached interface name.
func (l *DeviceLink) Name() string {
	return l.name
}

// Ifindex returns the attached interface index within the namespace.
func (l *DeviceLink) Ifindex() int {
	return l.ifindex
}

func (l *DeviceLink) Close() error {
	return unix.Close(l.fd)
}

// ReadFrames reads frames one read() at a time until the device would
// block or buf is full. A full buffer sets again so the caller drains the
// device before sleeping; any other read failure is fatal for the
// namespace transport.
func (l *DeviceLink) ReadFrames(buf []byte, frames []Frame) ([]Frame, bool, error) {
	n := 0
	for n < len(buf) {
		m, err := unix.Read(l.fd, buf[n:])
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.EAGAIN) {
				return frames, false, nil
			}
			return frames, false, fmt.Errorf("read error on tap device: %w", err)
		}
		if m >= EthHeaderLen && m <= int(math.MaxUint16) {
			frames = append(frames, Frame{Off: n, Len: m})
		}
		n += m
		if n == len(buf) {
			return frames, true, nil
		}
	}
	return frames, true, nil
}

// SendFrames writes one frame per writev, skipping the stream headroom.
// Congestion-shaped errors drop the frame; anything else is fatal for the
// device transport.
func (l *DeviceLink) SendFrames(bufs [][]byte) int {
	for i, b := range bufs {
		frame := b[LenPrefixSize:]
		n, err := unix.Write(l.fd, frame)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN),
				errors.Is(err, unix.EINTR),
				errors.Is(err, unix.ENOBUFS),
				errors.Is(err, unix.ENOSPC):
				l.logger.Debug("Tap device write dropped", "error", err)
				continue
			default:
				l.logger.Error("Write error on tap device", "error", err)
				return i
			}
		}
		if n < len(frame) {
			l.logger.Debug("Short write on tap device", "sent", n, "frame", len(frame))
			return i
		}
	}
	return len(bufs)
}
