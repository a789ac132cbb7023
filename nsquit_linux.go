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
	"os"
	"path/filepath"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// errNamespaceGone reports that the filesystem-bound peer namespace
// disappeared; the translator's job is done and it exits cleanly.
var errNamespaceGone = errors.New("network namespace is gone")

// nsQuitTimerInterval is the polling cadence of the fallback watch.
const nsQuitTimerInterval = time.Second

// nsQuitInit watches the directory holding a filesystem-bound namespace
// so the translator can exit once the namespace is unlinked. A timerfd
// poll backs up the inotify watch for filesystems without event support.
func (c *Context) nsQuitInit() {
	if c.mode != ModeNS || c.netnsBase == "" {
		return
	}

	inFd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err == nil {
		if _, err := unix.InotifyAddWatch(inFd, c.netnsDir, unix.IN_DELETE); err == nil {
			ref := epollRef{kind: epollNsQuitInotify, fd: int32(inFd)}
			if c.epollAdd(inFd, ref, unix.EPOLLIN) == nil {
				c.nsQuitInotifyFD = inFd
			}
		} else {
			_ = unix.Close(inFd)
		}
	}
	if c.nsQuitInotifyFD >= 0 {
		return
	}

	c.logger.Warn("Cannot watch namespace directory, polling instead",
		"dir", c.netnsDir)

	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return
	}
	it := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(nsQuitTimerInterval.Nanoseconds()),
		Value:    unix.NsecToTimespec(nsQuitTimerInterval.Nanoseconds()),
	}
	_ = unix.TimerfdSettime(tfd, 0, &it, nil)

	ref := epollRef{kind: epollNsQuitTimer, fd: int32(tfd)}
	if c.epollAdd(tfd, ref, unix.EPOLLIN) == nil {
		c.nsQuitTimerFD = tfd
	} else {
		_ = unix.Close(tfd)
	}
}

// nsQuitInotifyHandler checks whether the deleted directory entry was our
// namespace.
func (c *Context) nsQuitInotifyHandler() error {
	var buf [unix.SizeofInotifyEvent + unix.NAME_MAX + 1]byte

	n, err := unix.Read(c.nsQuitInotifyFD, buf[:])
	if err != nil || n < unix.SizeofInotifyEvent {
		return nil
	}

	ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[0]))
	name := string(buf[unix.SizeofInotifyEvent : unix.SizeofInotifyEvent+ev.Len])
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	if name != c.netnsBase {
		return nil
	}

	c.logger.Info("Namespace is gone, exiting", "name", c.netnsBase)
	return errNamespaceGone
}

// nsQuitTimerHandler stats the namespace path as the inotify fallback.
func (c *Context) nsQuitTimerHandler() error {
	drainTimerfd(c.nsQuitTimerFD)

	path := filepath.Join(c.netnsDir, c.netnsBase)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		c.logger.Info("Namespace is gone, exiting", "name", c.netnsBase)
		return errNamespaceGone
	}
	return nil
}
