// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package tap provides the host-facing transports carrying Ethernet
// frames between the translator and its peer: a length-prefixed Unix
// stream accepted from a hypervisor, or a tuntap device opened inside a
// network namespace.
//
// Outgoing frame buffers carry a 4-byte headroom in front of the Ethernet
// header. The stream link fills it with the big-endian frame length; the
// device link skips it. This lets protocol engines pre-cook one buffer
// layout for both transports.
package tap

import (
	"encoding/binary"
	"errors"
)

// LenPrefixSize is the per-frame headroom reserved in every outgoing
// buffer.
const LenPrefixSize = 4

// EthHeaderLen is the length of an Ethernet II header.
const EthHeaderLen = 14

// ErrDisconnected reports that the stream peer went away; the caller
// accepts a new connection (or exits, in one-off operation).
var ErrDisconnected = errors.New("tap peer disconnected")

// Frame locates one Ethernet frame inside a shared receive buffer.
type Frame struct {
	Off int
	Len int
}

// Link is a tap transport bound to a connected descriptor.
type Link interface {
	// FD returns the underlying descriptor for event registration.
	FD() int

	// ReadFrames reads as much as is available without blocking into
	// buf and appends the complete frames found to frames. again is set
	// when the caller should immediately read more (the buffer was
	// filled, or a split frame forced a blocking completion).
	ReadFrames(buf []byte, frames []Frame) (out []Frame, again bool, err error)

	// SendFrames emits full frame buffers (headroom included) and
	// returns how many frames were sent in their entirety. Frames
	// beyond the returned count were not sent at all.
	SendFrames(bufs [][]byte) int

	// Close releases the descriptor.
	Close() error
}

// PutFrameLen fills the stream length prefix of a cooked buffer. Harmless
// on device links, which skip the headroom.
func PutFrameLen(buf []byte) {
	binary.BigEndian.PutUint32(buf[:LenPrefixSize], uint32(len(buf)-LenPrefixSize))
}
