//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package tap_test

import (
	"encoding/binary"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/noisysockets/passage/tap"
)

func streamPair(t *testing.T) (*tap.StreamLink, int) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	link := tap.NewStreamLink(slogt.New(t), fds[0])
	t.Cleanup(func() {
		_ = link.Close()
		_ = unix.Close(fds[1])
	})
	return link, fds[1]
}

func record(frame []byte) []byte {
	out := make([]byte, 4+len(frame))
	binary.BigEndian.PutUint32(out, uint32(len(frame)))
	copy(out[4:], frame)
	return out
}

func testFrame(size int, fill byte) []byte {
	frame := make([]byte, size)
	for i := range frame {
		frame[i] = fill
	}
	return frame
}

func TestStreamReadFrames(t *testing.T) {
	link, peer := streamPair(t)
	buf := make([]byte, 1<<20)

	t.Run("TwoFramesOneRead", func(t *testing.T) {
		a := testFrame(60, 0xaa)
		b := testFrame(1500, 0xbb)

		_, err := unix.Write(peer, append(record(a), record(b)...))
		require.NoError(t, err)

		frames, _, err := link.ReadFrames(buf, nil)
		require.NoError(t, err)
		require.Len(t, frames, 2)

		assert.Equal(t, a, buf[frames[0].Off:frames[0].Off+frames[0].Len])
		assert.Equal(t, b, buf[frames[1].Off:frames[1].Off+frames[1].Len])
	})

	t.Run("SplitFrameReassembled", func(t *testing.T) {
		frame := testFrame(4096, 0xcc)
		rec := record(frame)

		// First half now, the rest slightly later from another
		// goroutine; the trailing partial frame read is blocking.
		half := len(rec) / 2
		_, err := unix.Write(peer, rec[:half])
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = unix.Write(peer, rec[half:])
		}()

		frames, again, err := link.ReadFrames(buf, nil)
		require.NoError(t, err)
		require.Len(t, frames, 1)
		assert.True(t, again, "a completed split frame requests another read")
		assert.Equal(t, frame, buf[frames[0].Off:frames[0].Off+frames[0].Len])
		<-done
	})

	t.Run("RuntFrameDiscarded", func(t *testing.T) {
		_, err := unix.Write(peer, record(testFrame(4, 0xdd)))
		require.NoError(t, err)
		_, err = unix.Write(peer, record(testFrame(60, 0xee)))
		require.NoError(t, err)

		frames, _, err := link.ReadFrames(buf, nil)
		require.NoError(t, err)
		require.Len(t, frames, 1)
		assert.Equal(t, byte(0xee), buf[frames[0].Off])
	})

	t.Run("NoData", func(t *testing.T) {
		frames, again, err := link.ReadFrames(buf, nil)
		require.NoError(t, err)
		assert.Empty(t, frames)
		assert.False(t, again)
	})

	t.Run("PeerClosed", func(t *testing.T) {
		require.NoError(t, unix.Close(peer))
		_, _, err := link.ReadFrames(buf, nil)
		assert.ErrorIs(t, err, tap.ErrDisconnected)
	})
}

func TestStreamSendFrames(t *testing.T) {
	link, peer := streamPair(t)

	// Cooked buffers carry the headroom for the length prefix.
	mkBuf := func(payload []byte) []byte {
		buf := make([]byte, tap.LenPrefixSize+len(payload))
		copy(buf[tap.LenPrefixSize:], payload)
		return buf
	}

	a := testFrame(60, 0x11)
	b := testFrame(200, 0x22)

	sent := link.SendFrames([][]byte{mkBuf(a), mkBuf(b)})
	require.Equal(t, 2, sent)

	got := make([]byte, 1024)
	n, err := unix.Read(peer, got)
	require.NoError(t, err)

	require.Equal(t, 4+60+4+200, n)
	assert.Equal(t, uint32(60), binary.BigEndian.Uint32(got))
	assert.Equal(t, a, got[4:64])
	assert.Equal(t, uint32(200), binary.BigEndian.Uint32(got[64:]))
	assert.Equal(t, b, got[68:268])
}
