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
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"

	"github.com/noisysockets/netutil/defaults"
	"github.com/noisysockets/netutil/ptr"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/noisysockets/passage/internal/linkprobe"
	"github.com/noisysockets/passage/internal/nsenter"
)

// IPConfig overrides one IP version of the probed host configuration.
type IPConfig struct {
	// Address presented as the guest's own.
	Address netip.Addr
	// Gateway presented to the guest.
	Gateway netip.Addr
	// DNS servers advertised and used for redirection.
	DNS []netip.Addr
	// DNSMatch, together with DNSHost, redirects DNS queries the guest
	// sends to DNSMatch:53 towards DNSHost:53.
	DNSMatch netip.Addr
	DNSHost  netip.Addr
	// OutboundAddress pins the source address of outbound sockets.
	OutboundAddress netip.Addr
	// OutboundInterface pins outbound sockets to an interface.
	OutboundInterface string
	// Disabled turns this IP version off entirely.
	Disabled *bool
}

// Config carries everything New needs; optional fields fall back to the
// documented defaults.
type Config struct {
	// Mode selects the tap transport; ModeStream by default.
	Mode Mode

	// SocketPath is the stream-mode Unix socket path. Empty probes the
	// numbered default paths.
	SocketPath string
	// OneOff makes stream mode exit when the first peer disconnects.
	OneOff *bool

	// NetnsPID attaches to the network namespace of a process; NetnsPath
	// to a filesystem-bound one. One of the two is required in NS mode.
	NetnsPID  int
	NetnsPath string
	// NoNetnsQuit disables exiting when a bound namespace disappears.
	NoNetnsQuit *bool
	// Interface names the tap device created inside the namespace.
	Interface *string

	// MTU advertised to the guest. Zero takes the probed host MTU,
	// -1 derives the MSS from the socket instead.
	MTU *int

	// NoMapGateway disables rewriting gateway-addressed traffic to
	// loopback.
	NoMapGateway *bool

	// FlowMax dimensions the flow table.
	FlowMax *int

	IPv4 IPConfig
	IPv6 IPConfig

	// Forwarded port specifications, in ParsePortSpec syntax.
	TCPInbound  string
	TCPOutbound string
	UDPInbound  string
	UDPOutbound string

	// PIDFile, when set, receives the process id at startup.
	PIDFile string
}

var defaultConfig = Config{
	OneOff:       ptr.To(false),
	NoNetnsQuit:  ptr.To(false),
	Interface:    ptr.To("lo"),
	MTU:          ptr.To(0),
	NoMapGateway: ptr.To(false),
	FlowMax:      ptr.To(64 << 10),
}

// New creates the execution context: probes the host, opens the epoll
// set and the tap transport, dimensions every table, and binds the
// initially forwarded ports. The context is live for the process; drive
// it with Run.
func New(logger *slog.Logger, conf *Config) (*Context, error) {
	conf, err := defaults.WithDefaults(conf, &defaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	c := &Context{
		logger:          logger,
		mode:            conf.Mode,
		mtu:             *conf.MTU,
		noMapGW:         *conf.NoMapGateway,
		oneOff:          *conf.OneOff,
		sockPath:        conf.SocketPath,
		tapIfname:       *conf.Interface,
		pidFile:         conf.PIDFile,
		tapFD:           -1,
		tapListenFD:     -1,
		netnsFD:         -1,
		nsQuitInotifyFD: -1,
		nsQuitTimerFD:   -1,
	}

	if err := binary.Read(rand.Reader, binary.LittleEndian, &c.hashSecret); err != nil {
		return nil, fmt.Errorf("failed to seed hash secret: %w", err)
	}

	c.sockProbeMem()

	if err := c.confIP(conf); err != nil {
		return nil, err
	}

	if conf.Mode == ModeNS {
		if err := c.confNetns(conf); err != nil {
			return nil, err
		}
	}

	if err := c.confPorts(conf); err != nil {
		return nil, err
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create epoll set: %w", err)
	}
	c.epollFD = epfd

	c.flows = newFlowTable(*conf.FlowMax, c.hashSecret)

	if err := c.tapInit(); err != nil {
		return nil, err
	}
	if err := c.tcpInit(); err != nil {
		return nil, err
	}
	if err := c.udpInit(); err != nil {
		return nil, err
	}

	// Bind the initially forwarded inbound ports.
	c.tcp.fwdIn.Map.forEach(func(port uint16) {
		if c.tcp.fwdOut.Map.isSet(port) {
			return
		}
		if err := c.tcpSockInit(unix.AF_UNSPEC, netip.Addr{}, "", port); err != nil {
			c.logger.Warn("Failed to bind inbound TCP port",
				"port", port, "error", err)
		}
	})
	c.udp.fwdIn.Map.forEach(func(port uint16) {
		if c.udp.fwdOut.Map.isSet(port) {
			return
		}
		if err := c.udpSockInit(false, unix.AF_UNSPEC, netip.Addr{}, "", port); err != nil {
			c.logger.Warn("Failed to bind inbound UDP port",
				"port", port, "error", err)
		}
	})

	c.nsQuitInit()

	if c.pidFile != "" {
		pid := strconv.Itoa(os.Getpid())
		if err := os.WriteFile(c.pidFile, []byte(pid+"\n"), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write PID file: %w", err)
		}
	}

	return c, nil
}

// confIP fills the per-version IP contexts from the host probe and the
// configured overrides.
func (c *Context) confIP(conf *Config) error {
	if conf.IPv4.Disabled == nil || !*conf.IPv4.Disabled {
		probed, err := linkprobe.Probe(netlink.FAMILY_V4)
		if err == nil {
			c.ifi4 = probed.Ifindex
			c.ip4.Addr = probed.Addr
			c.ip4.PrefixLen = probed.PrefixLen
			c.ip4.GW = probed.Gateway
			if c.mtu == 0 {
				c.mtu = probed.MTU
			}
			if mac, err := hostMAC(probed.Ifindex); err == nil {
				c.mac = mac
			}
		} else if conf.IPv4.Address.IsValid() {
			c.ifi4 = 1
		}

		applyIPOverrides(&c.ip4.Addr, &c.ip4.GW, conf.IPv4)
		c.ip4.AddrSeen = c.ip4.Addr
		c.ip4.DNS = conf.IPv4.DNS
		c.ip4.DNSMatch = conf.IPv4.DNSMatch
		c.ip4.DNSHost = conf.IPv4.DNSHost
		c.ip4.AddrOut = conf.IPv4.OutboundAddress
		c.ip4.IfnameOut = conf.IPv4.OutboundInterface
	}

	if conf.IPv6.Disabled == nil || !*conf.IPv6.Disabled {
		probed, err := linkprobe.Probe(netlink.FAMILY_V6)
		if err == nil {
			c.ifi6 = probed.Ifindex
			c.ip6.Addr = probed.Addr
			c.ip6.AddrLL = probed.AddrLL
			c.ip6.GW = probed.Gateway
		} else if conf.IPv6.Address.IsValid() {
			c.ifi6 = 1
		}

		applyIPOverrides(&c.ip6.Addr, &c.ip6.GW, conf.IPv6)
		c.ip6.AddrSeen = c.ip6.Addr
		c.ip6.AddrLLSeen = c.ip6.AddrLL
		c.ip6.DNS = conf.IPv6.DNS
		c.ip6.DNSMatch = conf.IPv6.DNSMatch
		c.ip6.DNSHost = conf.IPv6.DNSHost
		c.ip6.AddrOut = conf.IPv6.OutboundAddress
		c.ip6.IfnameOut = conf.IPv6.OutboundInterface
	}

	if c.ifi4 == 0 && c.ifi6 == 0 {
		return fmt.Errorf("no routable interface for either IP version")
	}

	if c.mtu == 0 {
		c.mtu = 65520
	}

	return nil
}

func applyIPOverrides(addr, gw *netip.Addr, conf IPConfig) {
	if conf.Address.IsValid() {
		*addr = conf.Address
	}
	if conf.Gateway.IsValid() {
		*gw = conf.Gateway
	}
}

func hostMAC(ifindex int) ([6]byte, error) {
	var mac [6]byte
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return mac, err
	}
	hw := link.Attrs().HardwareAddr
	if len(hw) != 6 {
		return mac, fmt.Errorf("interface %d has no Ethernet address", ifindex)
	}
	copy(mac[:], hw)
	return mac, nil
}

// confNetns attaches the peer network namespace by PID or path.
func (c *Context) confNetns(conf *Config) error {
	switch {
	case conf.NetnsPath != "":
		ns, err := nsenter.OpenPath(conf.NetnsPath)
		if err != nil {
			return err
		}
		c.netnsFD = int(ns)
		if !*conf.NoNetnsQuit {
			c.netnsDir = filepath.Dir(conf.NetnsPath)
			c.netnsBase = filepath.Base(conf.NetnsPath)
		}
	case conf.NetnsPID != 0:
		ns, err := nsenter.Open(conf.NetnsPID)
		if err != nil {
			return err
		}
		c.netnsFD = int(ns)
	default:
		return fmt.Errorf("NS mode needs a namespace PID or path")
	}
	return nil
}

// confPorts parses the forwarding specifications. The UDP reverse deltas
// are derived later, in udpInit.
func (c *Context) confPorts(conf *Config) error {
	if err := ParsePortSpec(&c.tcp.fwdIn, conf.TCPInbound); err != nil {
		return fmt.Errorf("invalid inbound TCP ports: %w", err)
	}
	if err := ParsePortSpec(&c.tcp.fwdOut, conf.TCPOutbound); err != nil {
		return fmt.Errorf("invalid outbound TCP ports: %w", err)
	}
	if err := ParsePortSpec(&c.udp.fwdIn.ForwardPorts, conf.UDPInbound); err != nil {
		return fmt.Errorf("invalid inbound UDP ports: %w", err)
	}
	if err := ParsePortSpec(&c.udp.fwdOut.ForwardPorts, conf.UDPOutbound); err != nil {
		return fmt.Errorf("invalid outbound UDP ports: %w", err)
	}

	if conf.Mode == ModeStream {
		if c.tcp.fwdIn.Mode == ForwardAuto || c.tcp.fwdOut.Mode == ForwardAuto ||
			c.udp.fwdIn.Mode == ForwardAuto || c.udp.fwdOut.Mode == ForwardAuto {
			return fmt.Errorf("automatic port discovery needs NS mode")
		}
	}

	return nil
}

// Close releases every descriptor the context owns. Flows and sockets
// created on demand are torn down by the kernel with them.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if c.tapLink != nil {
		_ = c.tapLink.Close()
	}
	for _, fd := range []int{c.tapListenFD, c.nsQuitInotifyFD, c.nsQuitTimerFD, c.netnsFD, c.epollFD} {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
	c.procScan.close()

	if c.mode == ModeStream && c.sockPath != "" {
		_ = os.Remove(c.sockPath)
	}
	if c.pidFile != "" {
		_ = os.Remove(c.pidFile)
	}

	return nil
}
