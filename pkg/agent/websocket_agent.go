// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"net/http"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/qinq-net/qinq-go/pkg/proxy"
)

// WebsocketAgent streams proxy Events to websocket clients, e.g. an
// operations dashboard watching reservations come and go.
type WebsocketAgent struct {
	hub      *proxy.EventHub
	upgrader websocket.Upgrader
}

// NewWebsocketAgent creates a WebsocketAgent fed by the given hub.
func NewWebsocketAgent(hub *proxy.EventHub) *WebsocketAgent {
	return &WebsocketAgent{
		hub:      hub,
		upgrader: websocket.Upgrader{},
	}
}

// ServeHTTP upgrades to a websocket and streams Events until the
// client goes away.
func (wa *WebsocketAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wa.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("Upgrading websocket client errored")
		return
	}

	events := wa.hub.Subscribe()
	defer wa.hub.Unsubscribe(events)

	closed := make(chan struct{})
	go func() {
		// Drain client messages; a read error means the client left.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(closed)
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				_ = conn.Close()
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				log.WithError(err).Debug("Writing event to websocket client errored")
				_ = conn.Close()
				return
			}

		case <-closed:
			_ = conn.Close()
			return
		}
	}
}
