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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSiphashDeterministic(t *testing.T) {
	key := [2]uint64{0x0706050403020100, 0x0f0e0d0c0b0a0908}

	a := newSiphash(key)
	a.feed(0xdeadbeef)
	h1 := a.final(12, 0xcafe)

	b := newSiphash(key)
	b.feed(0xdeadbeef)
	h2 := b.final(12, 0xcafe)

	require.Equal(t, h1, h2)
}

func TestSiphashSensitivity(t *testing.T) {
	key := [2]uint64{1, 2}

	base := newSiphash(key)
	base.feed(100)
	h := base.final(12, 200)

	t.Run("Input", func(t *testing.T) {
		s := newSiphash(key)
		s.feed(101)
		assert.NotEqual(t, h, s.final(12, 200))
	})

	t.Run("Tail", func(t *testing.T) {
		s := newSiphash(key)
		s.feed(100)
		assert.NotEqual(t, h, s.final(12, 201))
	})

	t.Run("Length", func(t *testing.T) {
		s := newSiphash(key)
		s.feed(100)
		assert.NotEqual(t, h, s.final(13, 200))
	})

	t.Run("Key", func(t *testing.T) {
		s := newSiphash([2]uint64{1, 3})
		s.feed(100)
		assert.NotEqual(t, h, s.final(12, 200))
	})
}

func TestSiphashAddrFeed(t *testing.T) {
	key := [2]uint64{3, 4}

	var a16 [16]byte
	a16[15] = 1

	s1 := newSiphash(key)
	s1.feedAddr(a16)
	h1 := s1.final(20, 0)

	a16[0] = 1
	s2 := newSiphash(key)
	s2.feedAddr(a16)
	require.NotEqual(t, h1, s2.final(20, 0))
}

func TestLeUint64(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	assert.Equal(t, uint64(0x0807060504030201), leUint64(b))
}
