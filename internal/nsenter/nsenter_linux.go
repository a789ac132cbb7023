//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package nsenter runs short-lived functions inside a peer network
// namespace. setns is thread-affine, so each call dedicates an OS thread:
// the thread is locked, joined to the target namespace, and discarded
// when the function returns (the goroutine exits without unlocking, which
// retires the thread rather than returning it tainted to the scheduler
// pool). The caller blocks until the function completes, so the pattern
// composes with a single-threaded event loop the same way a vfork'd child
// would.
package nsenter

import (
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
)

// Open returns a handle to the network namespace of a process.
func Open(pid int) (netns.NsHandle, error) {
	ns, err := netns.GetFromPid(pid)
	if err != nil {
		return -1, fmt.Errorf("failed to open namespace of pid %d: %w", pid, err)
	}
	return ns, nil
}

// OpenPath returns a handle to a filesystem-bound network namespace.
func OpenPath(path string) (netns.NsHandle, error) {
	ns, err := netns.GetFromPath(path)
	if err != nil {
		return -1, fmt.Errorf("failed to open namespace %s: %w", path, err)
	}
	return ns, nil
}

// Do executes fn on a fresh locked thread joined to ns and waits for it
// to finish. File descriptors opened by fn belong to the process as a
// whole and stay usable from any thread afterwards.
func Do(ns netns.NsHandle, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		runtime.LockOSThread()
		// The thread dies with the goroutine; never unlock it back
		// into the scheduler while joined to a foreign namespace.

		if err := netns.Set(ns); err != nil {
			done <- fmt.Errorf("failed to enter namespace: %w", err)
			return
		}

		done <- fn()
	}()

	return <-done
}
