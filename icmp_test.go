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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestICMPIdMap(t *testing.T) {
	var ic icmpCtx

	_, ok := ic.lookup(v4, 1234)
	assert.False(t, ok)

	ic.store(v4, 1234, 7)
	idx, ok := ic.lookup(v4, 1234)
	require.True(t, ok)
	assert.Equal(t, uint32(7), idx)

	// Identifiers are per version.
	_, ok = ic.lookup(v6, 1234)
	assert.False(t, ok)

	// Releasing a stale mapping is a no-op.
	ic.release(v4, 1234, 8)
	_, ok = ic.lookup(v4, 1234)
	assert.True(t, ok)

	ic.release(v4, 1234, 7)
	_, ok = ic.lookup(v4, 1234)
	assert.False(t, ok)
}

func TestICMPPingTimer(t *testing.T) {
	c := newTestContext(t)

	flow, idx := c.flows.alloc()
	require.NotNil(t, flow)
	flow.kind = flowPing4
	flow.ping = icmpFlow{sock: -1, seq: -1, id: 99, ts: c.now.Unix()}
	c.icmp.store(v4, 99, idx)

	// Recent activity keeps the flow.
	assert.False(t, c.icmpPingTimer(flow))

	// Idle past the timeout retires it; the deferred scan then frees
	// the slot and releases the id.
	flow.ping.ts = c.now.Add(-2 * icmpEchoTimeout).Unix()
	assert.True(t, c.icmpPingTimer(flow))

	c.flowTimerRun = c.now.Add(-2 * flowTimerInterval)
	c.now = time.Now()
	c.flowDeferHandler()

	_, ok := c.icmp.lookup(v4, 99)
	assert.False(t, ok)
	assert.Equal(t, 0, c.flows.activeCount())
}
