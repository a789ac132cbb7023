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
	"net/netip"

	"github.com/noisysockets/netstack/pkg/tcpip"
)

// Flow keys store both families in the 16-byte netip.Addr form: IPv4
// addresses are carried as IPv4-in-IPv6 mappings so v4 and v6 share
// storage and comparisons.

// addrTo16 normalizes an address to its 16-byte form.
func addrTo16(a netip.Addr) netip.Addr {
	if a.Is4() {
		return netip.AddrFrom16(a.As16())
	}
	return a
}

// addrV4 returns the embedded IPv4 address and true when a carries one.
func addrV4(a netip.Addr) (netip.Addr, bool) {
	if a.Is4() {
		return a, true
	}
	if a.Is4In6() {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}

// addrIs4 reports whether a is IPv4 in either representation.
func addrIs4(a netip.Addr) bool {
	return a.Is4() || a.Is4In6()
}

// addrsEqual compares addresses across representations.
func addrsEqual(a, b netip.Addr) bool {
	return addrTo16(a) == addrTo16(b)
}

// tcpipAddr converts to the netstack address type, unmapping IPv4.
func tcpipAddr(a netip.Addr) tcpip.Address {
	if v4a, ok := addrV4(a); ok {
		return tcpip.AddrFrom4(v4a.As4())
	}
	return tcpip.AddrFrom16(a.As16())
}

// netipAddr converts from the netstack address type.
func netipAddr(a tcpip.Address) netip.Addr {
	addr, _ := netip.AddrFromSlice(a.AsSlice())
	return addr.Unmap()
}

// addrUnspecified reports whether a is the unspecified address of either
// family (or not a valid address at all).
func addrUnspecified(a netip.Addr) bool {
	if !a.IsValid() {
		return true
	}
	return a.Unmap().IsUnspecified()
}

// addrLoopback reports whether a is loopback in either family.
func addrLoopback(a netip.Addr) bool {
	return a.Unmap().IsLoopback()
}

// addrMulticast reports whether a is multicast in either family.
func addrMulticast(a netip.Addr) bool {
	return a.Unmap().IsMulticast()
}

// addrBroadcast reports whether a is the IPv4 limited broadcast address.
func addrBroadcast(a netip.Addr) bool {
	v4a, ok := addrV4(a)
	return ok && v4a == netip.AddrFrom4([4]byte{255, 255, 255, 255})
}

// addrLinkLocal reports whether a is an IPv6 link-local unicast address.
func addrLinkLocal(a netip.Addr) bool {
	return !addrIs4(a) && a.IsLinkLocalUnicast()
}

var (
	loopback4 = netip.AddrFrom4([4]byte{127, 0, 0, 1})
	loopback6 = netip.IPv6Loopback()
)
