//go:build linux

// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Command passage runs the user-space network translator against either
// a hypervisor socket or a network namespace.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/noisysockets/netutil/ptr"
	"github.com/noisysockets/passage"
)

func main() {
	var (
		modeFlag    = flag.String("mode", "stream", "tap transport: stream or ns")
		socketPath  = flag.String("socket", "", "Unix socket path (stream mode)")
		oneOff      = flag.Bool("one-off", false, "exit when the first peer disconnects")
		netnsPID    = flag.Int("netns-pid", 0, "attach to the namespace of this PID (ns mode)")
		netnsPath   = flag.String("netns", "", "attach to this namespace path (ns mode)")
		ifname      = flag.String("interface", "lo", "tap interface name in the namespace")
		tcpIn       = flag.String("tcp-ports", "", "inbound TCP ports (list, auto, all)")
		tcpOut      = flag.String("tcp-ns-ports", "", "outbound TCP ports (list, auto, all)")
		udpIn       = flag.String("udp-ports", "", "inbound UDP ports (list, auto, all)")
		udpOut      = flag.String("udp-ns-ports", "", "outbound UDP ports (list, auto, all)")
		portSpec    = flag.String("port-spec", "", "YAML port forwarding specification")
		pidFile     = flag.String("pid-file", "", "write the process id to this file")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	conf := &passage.Config{
		SocketPath:  *socketPath,
		OneOff:      ptr.To(*oneOff),
		NetnsPID:    *netnsPID,
		NetnsPath:   *netnsPath,
		Interface:   ptr.To(*ifname),
		TCPInbound:  *tcpIn,
		TCPOutbound: *tcpOut,
		UDPInbound:  *udpIn,
		UDPOutbound: *udpOut,
		PIDFile:     *pidFile,
	}
	if *modeFlag == "ns" {
		conf.Mode = passage.ModeNS
	}

	if *portSpec != "" {
		spec, err := passage.LoadPortSpec(*portSpec)
		if err != nil {
			logger.Error("Failed to load port spec", slog.Any("error", err))
			os.Exit(1)
		}
		conf.TCPInbound = spec.TCP.Inbound
		conf.TCPOutbound = spec.TCP.Outbound
		conf.UDPInbound = spec.UDP.Inbound
		conf.UDPOutbound = spec.UDP.Outbound
	}

	c, err := passage.New(logger, conf)
	if err != nil {
		logger.Error("Failed to initialize translator", slog.Any("error", err))
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := c.Run(ctx); err != nil {
		logger.Error("Translator failed", slog.Any("error", err))
		os.Exit(1)
	}
}
