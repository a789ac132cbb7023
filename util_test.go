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
)

func TestSeqCompare(t *testing.T) {
	t.Run("Plain", func(t *testing.T) {
		assert.True(t, seqLT(1, 2))
		assert.True(t, seqLE(2, 2))
		assert.True(t, seqGT(3, 2))
		assert.True(t, seqGE(2, 2))
		assert.False(t, seqLT(2, 2))
		assert.False(t, seqGT(2, 2))
	})

	t.Run("Wraparound", func(t *testing.T) {
		// A sequence just before the wrap is less than one just after.
		assert.True(t, seqLT(0xffffffff, 1))
		assert.True(t, seqGT(1, 0xffffffff))
		assert.True(t, seqLE(0xfffffff0, 0x10))
		assert.True(t, seqGE(0x10, 0xfffffff0))
	})

	t.Run("HalfWindow", func(t *testing.T) {
		// Comparisons agree with signed arithmetic over +/- 2^31.
		a := uint32(0)
		assert.True(t, seqLT(a, a+1<<31-1))
		assert.True(t, seqGT(a, a+1<<31+1))
	})
}

func TestDivRoundUp(t *testing.T) {
	assert.Equal(t, uint32(0), divRoundUp(0, 1460))
	assert.Equal(t, uint32(1), divRoundUp(1, 1460))
	assert.Equal(t, uint32(1), divRoundUp(1460, 1460))
	assert.Equal(t, uint32(2), divRoundUp(1461, 1460))
}
