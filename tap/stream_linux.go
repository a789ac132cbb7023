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
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sys/unix"
)

// StreamLink is the hypervisor-facing transport: a connected Unix stream
// socket carrying [uint32 length BE][frame] records. There is no
// handshake and no versioning.
type StreamLink struct {
	logger *slog.Logger
	fd     int
}

// NewStreamLink wraps an accepted stream socket. The socket itself is
// blocking; reads and batch sends pass MSG_DONTWAIT per call.
func NewStreamLink(logger *slog.Logger, fd int) *StreamLink {
	return &StreamLink{logger: logger, fd: fd}
}

func (l *StreamLink) FD() int {
	return l.fd
}

func (l *StreamLink) Close() error {
	return unix.Close(l.fd)
}

// ReadFrames drains one receive's worth of records from the stream. At
// most one frame can be split across the read boundary; its tail is
// completed with a blocking receive so the stream stays consistent, and
// again is set since more data may already be queued.
func (l *StreamLink) ReadFrames(buf []byte, frames []Frame) ([]Frame, bool, error) {
	n, _, err := unix.Recvfrom(l.fd, buf[:cap(buf)-int(math.MaxUint16)-LenPrefixSize], unix.MSG_DONTWAIT)
	if err != nil {
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			return frames, false, nil
		}
		return frames, false, ErrDisconnected
	}
	if n == 0 {
		return frames, false, ErrDisconnected
	}

	completed := false
	off := 0
	for n-off > LenPrefixSize {
		frameLen := int(binary.BigEndian.Uint32(buf[off:]))
		off += LenPrefixSize

		if frameLen > n-off {
			// The one split frame: complete it blocking.
			rem := frameLen - (n - off)
			if frameLen > cap(buf)-off {
				return frames, false, fmt.Errorf("oversized frame on tap stream: %d bytes", frameLen)
			}
			for rem > 0 {
				m, _, err := unix.Recvfrom(l.fd, buf[n:n+rem], 0)
				if err != nil {
					if errors.Is(err, unix.EINTR) {
						continue
					}
					return frames, false, ErrDisconnected
				}
				if m == 0 {
					return frames, false, ErrDisconnected
				}
				n += m
				rem -= m
			}
			completed = true
		}

		// Complete any partial read before discarding a malformed
		// frame, otherwise the stream would lose sync.
		if frameLen >= EthHeaderLen && frameLen <= int(math.MaxUint16) {
			frames = append(frames, Frame{Off: off, Len: frameLen})
		}

		off += frameLen
	}

	return frames, completed, nil
}

// SendFrames fills each buffer's length prefix and emits the whole batch
// with one sendmsg. A short send is finished frame-by-frame so no frame
// is ever truncated on the wire.
func (l *StreamLink) SendFrames(bufs [][]byte) int {
	if len(bufs) == 0 {
		return 0
	}

	total := 0
	for _, b := range bufs {
		PutFrameLen(b)
		total += len(b)
	}

	sent, err := unix.SendmsgBuffers(l.fd, bufs, nil, nil, unix.MSG_NOSIGNAL|unix.MSG_DONTWAIT)
	if err != nil {
		return 0
	}
	if sent >= total {
		return len(bufs)
	}

	// Find the split frame and push its remainder out blocking.
	i := 0
	for i < len(bufs) && sent >= len(bufs[i]) {
		sent -= len(bufs[i])
		i++
	}
	if i == len(bufs) {
		return i
	}

	if sent > 0 {
		if err := l.writeRemainder(bufs[i][sent:]); err != nil {
			l.logger.Warn("Partial frame send to tap", "error", err)
			return i
		}
		i++
	}

	return i
}

// writeRemainder pushes out the tail of a partially sent frame. The
// socket is blocking, so this completes unless the peer goes away (the
// Go runtime swallows SIGPIPE on sockets, the write just errors).
func (l *StreamLink) writeRemainder(b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(l.fd, b)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return err
		}
		b = b[n:]
	}
	return nil
}
