//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package tap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// maxSocketProbe bounds the numbered default socket paths tried.
const maxSocketProbe = 100

// ListenUnix binds a Unix stream socket for the hypervisor to connect
// to. With an explicit path, that path must be free; otherwise the
// numbered default paths are probed and the first one nothing answers on
// is claimed.
func ListenUnix(logger *slog.Logger, path, name string) (fd int, boundPath string, err error) {
	fd, err = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, "", fmt.Errorf("failed to create Unix socket: %w", err)
	}

	for i := 1; i <= maxSocketProbe; i++ {
		candidate := path
		if candidate == "" {
			candidate = fmt.Sprintf("/tmp/%s_%d.socket", name, i)
		}

		if inUse, err := probeSocketPath(candidate); err != nil {
			_ = unix.Close(fd)
			return -1, "", err
		} else if inUse {
			if path != "" {
				_ = unix.Close(fd)
				return -1, "", fmt.Errorf("socket path %s already in use", path)
			}
			continue
		}

		_ = os.Remove(candidate)
		if err := unix.Bind(fd, &unix.SockaddrUnix{Name: candidate}); err == nil {
			boundPath = candidate
			break
		}
		if path != "" {
			_ = unix.Close(fd)
			return -1, "", fmt.Errorf("failed to bind %s: %w", path, err)
		}
	}
	if boundPath == "" {
		_ = unix.Close(fd)
		return -1, "", errors.New("no usable socket path")
	}

	if err := unix.Listen(fd, 0); err != nil {
		_ = unix.Close(fd)
		return -1, "", fmt.Errorf("failed to listen on %s: %w", boundPath, err)
	}

	logger.Info("Unix domain socket bound", "path", boundPath)
	return fd, boundPath, nil
}

// probeSocketPath reports whether something is answering on the path. A
// connect that fails with ENOENT, ECONNREFUSED or EACCES marks the path
// free for reuse.
func probeSocketPath(path string) (bool, error) {
	ex, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return false, fmt.Errorf("failed to create probe socket: %w", err)
	}
	defer unix.Close(ex)

	err = unix.Connect(ex, &unix.SockaddrUnix{Name: path})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, unix.EACCES) {
		return false, nil
	}
	return true, nil
}

// Accept takes the next hypervisor connection. The socket stays
// blocking: reads use MSG_DONTWAIT per call, and the rare split-frame
// completion relies on blocking semantics.
func Accept(logger *slog.Logger, listenFD int, lowRMem, lowWMem bool) (int, error) {
	fd, _, err := unix.Accept4(listenFD, unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("failed to accept tap connection: %w", err)
	}

	if ucred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED); err == nil {
		logger.Info("Accepted tap connection", "pid", ucred.Pid)
	}

	const v = int(^uint32(0) >> 2)
	if !lowRMem {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, v)
	}
	if !lowWMem {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, v)
	}

	return fd, nil
}

// DiscardPending accepts and immediately closes a connection attempt that
// arrives while a peer is already attached.
func DiscardPending(logger *slog.Logger, listenFD int) {
	fd, _, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return
	}
	if ucred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED); err == nil {
		logger.Info("Discarding tap connection", "pid", ucred.Pid)
	}
	_ = unix.Close(fd)
}
