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

func TestPortBitmap(t *testing.T) {
	var b portBitmap

	ports := []uint16{0, 1, 63, 64, 1000, 65535}
	for _, p := range ports {
		b.set(p)
	}
	for _, p := range ports {
		assert.True(t, b.isSet(p))
	}
	assert.False(t, b.isSet(2))
	assert.False(t, b.isSet(65534))

	var seen []uint16
	b.forEach(func(p uint16) {
		seen = append(seen, p)
	})
	assert.Equal(t, ports, seen)

	b.clear(64)
	assert.False(t, b.isSet(64))

	var other portBitmap
	other.set(2)
	b.or(&other)
	assert.True(t, b.isSet(2))
	assert.True(t, b.isSet(0))

	b.reset()
	count := 0
	b.forEach(func(uint16) { count++ })
	assert.Zero(t, count)
}
