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
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Port forwarding configuration and discovery. Each of the four
// directions (tcp/udp x inbound/outbound) carries a mode, a bitmap of
// forwarded ports, and a signed-mod-65536 delta applied to destination
// ports on the forward direction. The reverse delta is precomputed so the
// mapping is an involution on return traffic.

// ForwardMode selects how forwarded ports are determined.
type ForwardMode int

const (
	// ForwardNone forwards nothing.
	ForwardNone ForwardMode = iota
	// ForwardSpec forwards an explicit port list.
	ForwardSpec
	// ForwardAuto tracks the peer namespace's listening sockets.
	ForwardAuto
	// ForwardAll forwards every port.
	ForwardAll
)

func (m ForwardMode) String() string {
	switch m {
	case ForwardSpec:
		return "spec"
	case ForwardAuto:
		return "auto"
	case ForwardAll:
		return "all"
	}
	return "none"
}

// ForwardPorts is the per-direction forwarding state.
type ForwardPorts struct {
	Mode ForwardMode
	Map  portBitmap
	// Delta is added (mod 65536) to a forwarded destination port.
	Delta [numPorts]uint16
}

// UDPForwardPorts adds the precomputed reverse deltas UDP return traffic
// needs.
type UDPForwardPorts struct {
	ForwardPorts
	RDelta [numPorts]uint16
}

// invertPortMap fills RDelta so that rdelta[port+delta[port]] undoes
// delta[port].
func (f *UDPForwardPorts) invertPortMap() {
	for i := range f.Delta {
		delta := f.Delta[i]
		if delta == 0 {
			continue
		}
		rport := uint16(i) + delta
		f.RDelta[rport] = -delta
	}
}

// ParsePortSpec parses an explicit forward specification into fwd. The
// accepted forms, comma separated:
//
//	80          one port
//	2000-2010   an inclusive range
//	80:8080     one port, remapped
//	20-21:2020  a range remapped to one starting at 2020
//
// The special words "auto", "all" and "none" select the corresponding
// mode and must appear alone.
func ParsePortSpec(fwd *ForwardPorts, spec string) error {
	spec = strings.TrimSpace(spec)

	switch spec {
	case "", "none":
		fwd.Mode = ForwardNone
		return nil
	case "auto":
		fwd.Mode = ForwardAuto
		return nil
	case "all":
		fwd.Mode = ForwardAll
		for p := 0; p < numPorts; p++ {
			fwd.Map.set(uint16(p))
		}
		return nil
	}

	fwd.Mode = ForwardSpec
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		var target int64 = -1
		if rangeSpec, targetSpec, ok := strings.Cut(part, ":"); ok {
			t, err := strconv.ParseInt(targetSpec, 10, 32)
			if err != nil || t < 1 || t > 65535 {
				return fmt.Errorf("invalid target port %q", targetSpec)
			}
			target = t
			part = rangeSpec
		}

		first, last := part, part
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			first, last = lo, hi
		}

		lo, err := strconv.ParseInt(first, 10, 32)
		if err != nil || lo < 1 || lo > 65535 {
			return fmt.Errorf("invalid port %q", first)
		}
		hi, err := strconv.ParseInt(last, 10, 32)
		if err != nil || hi < lo || hi > 65535 {
			return fmt.Errorf("invalid port range %q", part)
		}

		for p := lo; p <= hi; p++ {
			fwd.Map.set(uint16(p))
			if target >= 0 {
				mapped := target + (p - lo)
				if mapped > 65535 {
					return fmt.Errorf("remapped range %q overflows the port space", part)
				}
				fwd.Delta[p] = uint16(mapped - p)
			}
		}
	}

	return nil
}

// PortSpecFile is the on-disk forwarding specification.
type PortSpecFile struct {
	TCP struct {
		Inbound  string `yaml:"inbound"`
		Outbound string `yaml:"outbound"`
	} `yaml:"tcp"`
	UDP struct {
		Inbound  string `yaml:"inbound"`
		Outbound string `yaml:"outbound"`
	} `yaml:"udp"`
}

// LoadPortSpec reads a YAML forwarding specification.
func LoadPortSpec(path string) (*PortSpecFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read port spec: %w", err)
	}

	var spec PortSpecFile
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse port spec: %w", err)
	}
	return &spec, nil
}

// Listening-socket states in /proc/net tables; see the kernel's
// tcp_states.h.
const (
	procTCPListen  = 0x0a
	procUDPUnconn  = 0x07
	procNetEntries = 4
)

// procScanState caches the open /proc/net tables, one per (protocol,
// version, namespace), so periodic scans only rewind them.
type procScanState struct {
	files [2][2][2]*os.File // [tcp/udp][v4/v6][init/ns]
}

func (s *procScanState) close() {
	for i := range s.files {
		for j := range s.files[i] {
			for k := range s.files[i][j] {
				if s.files[i][j][k] != nil {
					_ = s.files[i][j][k].Close()
					s.files[i][j][k] = nil
				}
			}
		}
	}
}

// procScanListen sets map bits for listening TCP or unconnected-bound UDP
// sockets found in the given /proc/net table. Ports present in exclude
// are cleared instead, so two auto directions cannot feed each other.
// When ns is 1 and the table is not yet cached, the caller must be
// executing inside the peer namespace.
func (c *Context) procScanListen(tcp bool, version, ns int, bmap, exclude *portBitmap) {
	var path string
	var wantState uint64

	proto := 0
	if !tcp {
		proto = 1
	}
	fp := &c.procScan.files[proto][version][ns]

	switch {
	case tcp && version == v4:
		path, wantState = "/proc/net/tcp", procTCPListen
	case tcp:
		path, wantState = "/proc/net/tcp6", procTCPListen
	case version == v4:
		path, wantState = "/proc/net/udp", procUDPUnconn
	default:
		path, wantState = "/proc/net/udp6", procUDPUnconn
	}

	if *fp != nil {
		if _, err := (*fp).Seek(0, 0); err != nil {
			c.logger.Warn("Failed to rewind proc table",
				"path", path, "error", err)
			return
		}
	} else {
		f, err := os.Open(path)
		if err != nil {
			return
		}
		*fp = f
	}

	scanner := bufio.NewScanner(*fp)
	scanner.Scan() // header
	for scanner.Scan() {
		port, state, ok := parseProcNetLine(scanner.Text())
		if !ok || state != wantState {
			continue
		}
		if exclude.isSet(port) {
			bmap.clear(port)
		} else {
			bmap.set(port)
		}
	}
}

// parseProcNetLine extracts the local port and socket state from one
// /proc/net/{tcp,udp}* row.
func parseProcNetLine(line string) (port uint16, state uint64, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < procNetEntries {
		return 0, 0, false
	}

	_, portHex, found := strings.Cut(fields[1], ":")
	if !found {
		return 0, 0, false
	}
	p, err := strconv.ParseUint(portHex, 16, 16)
	if err != nil {
		return 0, 0, false
	}

	st, err := strconv.ParseUint(fields[3], 16, 8)
	if err != nil {
		return 0, 0, false
	}

	return uint16(p), st, true
}

// fwdScanPortsTCP refreshes an AUTO-mode TCP map from the relevant
// namespace, excluding the opposite direction's ports.
func (c *Context) fwdScanPortsTCP(fwd, opposite *ForwardPorts, ns int) {
	fwd.Map.reset()
	c.procScanListen(true, v4, ns, &fwd.Map, &opposite.Map)
	c.procScanListen(true, v6, ns, &fwd.Map, &opposite.Map)
}

// fwdScanPortsUDP refreshes an AUTO-mode UDP map. TCP listeners are
// included so that UDP services fronted by a TCP port of the same number
// (commonly DNS) keep working.
func (c *Context) fwdScanPortsUDP(fwd, opposite *UDPForwardPorts, ns int) {
	fwd.Map.reset()
	c.procScanListen(false, v4, ns, &fwd.Map, &opposite.Map)
	c.procScanListen(false, v6, ns, &fwd.Map, &opposite.Map)
	c.procScanListen(true, v4, ns, &fwd.Map, &opposite.Map)
	c.procScanListen(true, v6, ns, &fwd.Map, &opposite.Map)
}
