//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package linkprobe discovers the host's externally routable interface
// configuration at startup: template interface, addresses, default
// gateway, MTU and DNS-free link-local details the translator presents to
// its guest when nothing is configured explicitly.
package linkprobe

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// ErrNoRoute reports that no default route exists for the requested
// family.
var ErrNoRoute = errors.New("no default route")

// Link is the probed configuration for one IP version.
type Link struct {
	// Ifindex of the interface carrying the default route.
	Ifindex int
	Ifname  string
	MTU     int

	// Addr is the first global address on the interface.
	Addr      netip.Addr
	PrefixLen int
	// AddrLL is the interface's link-local address (IPv6 only).
	AddrLL netip.Addr
	// Gateway of the default route.
	Gateway netip.Addr
}

// Probe inspects the routing table for the given family
// (netlink.FAMILY_V4 or netlink.FAMILY_V6) and returns the template link
// configuration.
func Probe(family int) (*Link, error) {
	routes, err := netlink.RouteList(nil, family)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}

	var probed Link
	found := false
	for _, route := range routes {
		if route.Dst != nil || route.Gw == nil {
			continue
		}
		gw, ok := netip.AddrFromSlice(route.Gw)
		if !ok {
			continue
		}
		probed.Gateway = gw.Unmap()
		probed.Ifindex = route.LinkIndex
		found = true
		break
	}
	if !found {
		return nil, ErrNoRoute
	}

	link, err := netlink.LinkByIndex(probed.Ifindex)
	if err != nil {
		return nil, fmt.Errorf("failed to get link %d: %w", probed.Ifindex, err)
	}
	probed.Ifname = link.Attrs().Name
	probed.MTU = link.Attrs().MTU

	addrs, err := netlink.AddrList(link, family)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses on %s: %w", probed.Ifname, err)
	}
	for _, addr := range addrs {
		a, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			continue
		}
		a = a.Unmap()

		if a.Is6() && a.IsLinkLocalUnicast() {
			if !probed.AddrLL.IsValid() {
				probed.AddrLL = a
			}
			continue
		}
		if !probed.Addr.IsValid() {
			probed.Addr = a
			ones, _ := addr.Mask.Size()
			probed.PrefixLen = ones
		}
	}

	if !probed.Addr.IsValid() {
		return nil, fmt.Errorf("no usable address on %s", probed.Ifname)
	}

	return &probed, nil
}
