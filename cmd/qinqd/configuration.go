// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"

	"github.com/qinq-net/qinq-go/pkg/agent"
	"github.com/qinq-net/qinq-go/pkg/discovery"
	"github.com/qinq-net/qinq-go/pkg/proxy"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core      coreConf
	Logging   logConf
	Listen    listenConf
	Agent     agentConf
	Discovery discoveryConf
	Peer      []peerConf
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	NodeName  string `toml:"node-name"`
	Profiling bool
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// listenConf describes the Listen-configuration block, the proxy's
// server side: the outer QUIC endpoint and the relay socket.
type listenConf struct {
	Endpoint  string
	Relay     string
	CidPrefix int `toml:"cid-prefix"`
}

// agentConf describes the Agent-configuration block.
type agentConf struct {
	Listen string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// peerConf describes one Peer-configuration block, a proxy to dial.
type peerConf struct {
	Endpoint string
}

// daemon bundles the components of one running qinqd instance.
type daemon struct {
	hub *proxy.EventHub

	listener  *proxy.Listener
	agent     *agent.Server
	discovery *discovery.Manager

	peerMu sync.Mutex
	peers  map[string]*proxy.Endpoint
}

// connectPeer dials another proxy unless a session already exists. It
// doubles as the discovery callback, which fires once per interval per
// neighbor.
func (d *daemon) connectPeer(address string) {
	d.peerMu.Lock()
	if _, ok := d.peers[address]; ok {
		d.peerMu.Unlock()
		return
	}
	// Reserve the slot before dialing so a slow handshake is not
	// dialed twice.
	d.peers[address] = nil
	d.peerMu.Unlock()

	endpoint, err := proxy.Dial(address, d.hub)
	if err != nil {
		log.WithFields(log.Fields{
			"peer":  address,
			"error": err,
		}).Warn("Failed to establish a connection to a peer")

		d.peerMu.Lock()
		delete(d.peers, address)
		d.peerMu.Unlock()
		return
	}

	endpoint.OnClose(func(*proxy.Endpoint) {
		d.peerMu.Lock()
		delete(d.peers, address)
		d.peerMu.Unlock()
	})

	d.peerMu.Lock()
	d.peers[address] = endpoint
	d.peerMu.Unlock()
}

// sessions supplies the agent with every outer connection, accepted
// and dialed ones alike.
func (d *daemon) sessions() []agent.SessionStatus {
	var sessions []agent.SessionStatus

	if d.listener != nil {
		for _, endpoint := range d.listener.Endpoints() {
			sessions = append(sessions, endpoint)
		}
	}

	d.peerMu.Lock()
	defer d.peerMu.Unlock()
	for _, endpoint := range d.peers {
		if endpoint != nil {
			sessions = append(sessions, endpoint)
		}
	}

	return sessions
}

// Close shuts every component down, agents first.
func (d *daemon) Close() {
	if d.discovery != nil {
		d.discovery.Close()
	}

	if d.agent != nil {
		if err := d.agent.Close(); err != nil {
			log.WithError(err).Warn("Closing agent server errored")
		}
	}

	d.peerMu.Lock()
	peers := make([]*proxy.Endpoint, 0, len(d.peers))
	for _, endpoint := range d.peers {
		if endpoint != nil {
			peers = append(peers, endpoint)
		}
	}
	d.peerMu.Unlock()

	for _, endpoint := range peers {
		if err := endpoint.Close(); err != nil {
			log.WithError(err).Warn("Closing peer endpoint errored")
		}
	}

	if d.listener != nil {
		if err := d.listener.Close(); err != nil {
			log.WithError(err).Warn("Closing listener errored")
		}
	}
}

// parseDaemon creates the daemon based on the given TOML configuration.
func parseDaemon(filename string) (d *daemon, profiling bool, err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	// Logging
	if conf.Logging.Level != "" {
		if lvl, lvlErr := log.ParseLevel(conf.Logging.Level); lvlErr != nil {
			log.WithFields(log.Fields{
				"level":    conf.Logging.Level,
				"error":    lvlErr,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.Logging.ReportCaller)

	switch conf.Logging.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}

	profiling = conf.Core.Profiling

	d = &daemon{
		hub:   proxy.NewEventHub(),
		peers: make(map[string]*proxy.Endpoint),
	}

	// Listen
	if conf.Listen.Endpoint != "" {
		if conf.Listen.Relay == "" {
			err = fmt.Errorf("listen.relay is empty")
			return
		}

		d.listener = proxy.NewListener(
			conf.Listen.Endpoint, conf.Listen.Relay, conf.Listen.CidPrefix, d.hub)
		if err = d.listener.Start(); err != nil {
			return
		}
	}

	// Peer
	for _, peer := range conf.Peer {
		d.connectPeer(peer.Endpoint)
	}

	// Agent
	if conf.Agent.Listen != "" {
		d.agent, err = agent.NewServer(conf.Agent.Listen, d.sessions, d.hub)
		if err != nil {
			return
		}
	}

	// Discovery
	if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		if conf.Discovery.Interval == 0 {
			conf.Discovery.Interval = 10
		}

		announcements, aErr := listenAnnouncements(conf)
		if aErr != nil {
			err = aErr
			return
		}

		d.discovery, err = discovery.NewManager(
			announcements, d.connectPeer, conf.Discovery.Interval,
			conf.Discovery.IPv4, conf.Discovery.IPv6)
		if err != nil {
			return
		}
	}

	return
}

// listenAnnouncements derives the discovery Announcements from the
// Listen block. A peer-only instance announces nothing.
func listenAnnouncements(conf tomlConfig) ([]discovery.Announcement, error) {
	if conf.Listen.Endpoint == "" {
		return nil, nil
	}

	_, portStr, err := net.SplitHostPort(conf.Listen.Endpoint)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	name := conf.Core.NodeName
	if name == "" {
		name = "qinqd"
	}

	return []discovery.Announcement{{Name: name, Port: uint(port)}}, nil
}
