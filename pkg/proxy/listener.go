// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package proxy

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/qinq-net/qinq-go/pkg/proxy/internal"
)

// Listener is the server side of a QINQ proxy: it accepts outer QUIC
// connections, wraps each in an Endpoint and shares one CID table and
// one UDP relay between all of them.
type Listener struct {
	listenAddress string
	relayAddress  string

	table *CidTable
	relay *Relay
	hub   *EventHub

	listener *quic.Listener

	mu        sync.Mutex
	endpoints map[*Endpoint]struct{}
}

// NewListener creates a Listener; Start binds its sockets.
func NewListener(listenAddress, relayAddress string, cidPrefixLen int, hub *EventHub) *Listener {
	return &Listener{
		listenAddress: listenAddress,
		relayAddress:  relayAddress,
		table:         NewCidTable(cidPrefixLen),
		hub:           hub,
		endpoints:     make(map[*Endpoint]struct{}),
	}
}

// Start binds the relay socket and the outer QUIC listener.
func (l *Listener) Start() error {
	log.WithField("address", l.listenAddress).Info("Starting QINQ listener")

	relay, err := NewRelay(l.relayAddress, l.table)
	if err != nil {
		log.WithError(err).Error("Error creating relay socket")
		return err
	}
	l.relay = relay
	relay.Start()

	lst, err := quic.ListenAddr(l.listenAddress, internal.GenerateSimpleListenerTLSConfig(), internal.GenerateQUICConfig())
	if err != nil {
		log.WithError(err).Error("Error creating QINQ listener")
		_ = relay.Close()
		return err
	}
	l.listener = lst

	go l.handle()

	return nil
}

func (l *Listener) handle() {
	log.WithField("address", l.listenAddress).Info("Listening for QINQ connections")

	for {
		session, err := l.listener.Accept(context.Background())
		if err != nil {
			if err.Error() == "quic: Server closed" {
				log.WithField("address", l.listenAddress).Info("QINQ listener closed")
				return
			}

			log.WithFields(log.Fields{
				"address": l.listenAddress,
				"error":   err,
			}).Error("Unknown error accepting QUIC connection")
			continue
		}

		log.WithFields(log.Fields{
			"address": l.listenAddress,
			"peer":    session.RemoteAddr(),
		}).Info("QINQ listener accepted new connection")

		endpoint := NewListenerEndpoint(session, l.table, l.relay, l.hub)
		endpoint.onClose = l.unregister

		l.mu.Lock()
		l.endpoints[endpoint] = struct{}{}
		l.mu.Unlock()

		endpoint.Start()
		l.hub.Publish(Event{Type: EventSessionUp, Peer: endpoint.PeerAddress()})
	}
}

func (l *Listener) unregister(endpoint *Endpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.endpoints, endpoint)
}

// Endpoints returns the currently connected endpoints.
func (l *Listener) Endpoints() []*Endpoint {
	l.mu.Lock()
	defer l.mu.Unlock()

	endpoints := make([]*Endpoint, 0, len(l.endpoints))
	for endpoint := range l.endpoints {
		endpoints = append(endpoints, endpoint)
	}
	return endpoints
}

// Close tears everything down: the QUIC listener, every endpoint and
// the relay socket.
func (l *Listener) Close() (err error) {
	log.WithField("address", l.listenAddress).Info("Shutting QINQ listener down")

	if l.listener != nil {
		if closeErr := l.listener.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
	}

	for _, endpoint := range l.Endpoints() {
		if closeErr := endpoint.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
	}

	if l.relay != nil {
		if closeErr := l.relay.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
	}

	return
}
