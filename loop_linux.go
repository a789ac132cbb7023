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
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollMaxEvents bounds the events drained per wakeup.
const epollMaxEvents = 8

// loopTimeout keeps epoll_wait from sleeping past the coarse timer tick
// and the context cancellation check.
const loopTimeout = time.Second

// Run drives the translator: a single goroutine multiplexing every
// descriptor through one epoll set. Each wakeup dispatches the ready
// descriptors by their typed reference, then runs the deferred passes
// (batched tap flushes and the flow table scan) and the coarse periodic
// timers. Run returns nil on a clean shutdown (context cancellation,
// namespace gone, one-off peer departure) and an error on transport
// loss or dispatch failure.
func (c *Context) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, epollMaxEvents)

	c.now = time.Now()
	c.flowTimerRun = c.now
	c.protoTimer = c.now

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		n, err := unix.EpollWait(c.epollFD, events, int(loopTimeout.Milliseconds()))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		// Coarse time advances once per wakeup; handlers treat it as
		// "now".
		c.now = time.Now()

		for i := 0; i < n; i++ {
			ref := unpackEpollRef(epollData(&events[i]))
			mask := events[i].Events

			if err := c.dispatch(ref, mask); err != nil {
				if errors.Is(err, errNamespaceGone) ||
					(errors.Is(err, ErrTapDisconnected) && c.mode == ModeStream) {
					return nil
				}
				return err
			}
		}

		// Deferred handlers: flush batched frames first, then let the
		// flow table retire closed entries and run coarse timers.
		c.tcpDeferHandler()
		c.flowDeferHandler()

		if c.now.Sub(c.protoTimer) >= flowTimerInterval {
			c.protoTimer = c.now
			c.tcpTimer()
			c.udpTimer()
		}
	}
}

// dispatch routes one ready descriptor to its owner by reference type.
// Handlers must consume the readiness they are given and never re-enter
// the loop.
func (c *Context) dispatch(ref epollRef, mask uint32) error {
	switch ref.kind {
	case epollTCP:
		c.tcpSockHandler(ref, mask)
	case epollTCPSplice:
		c.tcpSpliceSockHandler(ref, mask)
	case epollTCPListen:
		c.tcpListenHandler(ref)
	case epollTCPTimer:
		c.tcpTimerHandler(ref)
	case epollUDP:
		c.udpSockHandler(ref, mask)
	case epollPing:
		c.icmpSockHandler(ref, mask)
	case epollNsQuitInotify:
		return c.nsQuitInotifyHandler()
	case epollNsQuitTimer:
		return c.nsQuitTimerHandler()
	case epollTapNS:
		return c.tapNSHandler(mask)
	case epollTapStream:
		return c.tapStreamHandler(mask)
	case epollTapListen:
		return c.tapListenHandler(mask)
	default:
		c.logger.Warn("Spurious epoll event",
			"type", ref.kind.String(), "fd", ref.fd)
	}
	return nil
}
