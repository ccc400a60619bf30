// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"
)

const (
	// DiscoveryAddress4 is the default multicast IPv4 address used for discovery.
	DiscoveryAddress4 = "224.23.42.23"

	// DiscoveryAddress6 is the default multicast IPv6 address used for discovery.
	DiscoveryAddress6 = "ff02::23:42:23"

	// DiscoveryPort is the default multicast port used for discovery.
	DiscoveryPort = 35043
)

// Manager publishes this proxy's Announcement and hands discovered
// peers to a connect callback. The callback must deduplicate; the same
// peer will show up once per interval.
type Manager struct {
	connect func(address string)

	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

func (manager *Manager) notify6(discovered peerdiscovery.Discovered) {
	discovered.Address = fmt.Sprintf("[%s]", discovered.Address)

	manager.notify(discovered)
}

func (manager *Manager) notify(discovered peerdiscovery.Discovered) {
	announcements, err := UnmarshalAnnouncements(discovered.Payload)
	if err != nil {
		log.WithError(err).WithField("peer", discovered.Address).Warn(
			"Peer discovery failed to parse incoming package")

		return
	}

	for _, announcement := range announcements {
		go manager.handleDiscovery(announcement, discovered.Address)
	}
}

func (manager *Manager) handleDiscovery(announcement Announcement, addr string) {
	log.WithFields(log.Fields{
		"peer":    addr,
		"message": announcement,
	}).Debug("Peer discovery received a message")

	manager.connect(net.JoinHostPort(addr, fmt.Sprintf("%d", announcement.Port)))
}

// Close shuts the Manager down.
func (manager *Manager) Close() {
	if manager.stopChan4 != nil {
		close(manager.stopChan4)
	}

	if manager.stopChan6 != nil {
		close(manager.stopChan6)
	}
}

// NewManager starts a new Manager, announcing the given Announcements
// over IPv4 and/or IPv6 every interval seconds and calling connect for
// every discovered peer.
func NewManager(announcements []Announcement, connect func(address string), interval uint, ipv4, ipv6 bool) (*Manager, error) {
	log.WithFields(log.Fields{
		"ipv4":    ipv4,
		"ipv6":    ipv6,
		"message": announcements,
	}).Info("Starting discovery manager")

	var manager = &Manager{
		connect: connect,
	}

	if ipv4 {
		manager.stopChan4 = make(chan struct{})
	}

	if ipv6 {
		manager.stopChan6 = make(chan struct{})
	}

	msg, err := MarshalAnnouncements(announcements)
	if err != nil {
		return nil, err
	}

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
		notify           func(discovered peerdiscovery.Discovered)
	}{
		{ipv4, DiscoveryAddress4, manager.stopChan4, peerdiscovery.IPv4, manager.notify},
		{ipv6, DiscoveryAddress6, manager.stopChan6, peerdiscovery.IPv6, manager.notify6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		settings := peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", DiscoveryPort),
			MulticastAddress: set.multicastAddress,
			Payload:          msg,
			Delay:            time.Duration(interval) * time.Second,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        false,
			IPVersion:        set.ipVersion,
			Notify:           set.notify,
		}

		go func() {
			if _, err := peerdiscovery.Discover(settings); err != nil {
				log.WithError(err).Error("Peer discovery ended with an error")
			}
		}()
	}

	return manager, nil
}
