// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/qinq-net/qinq-go/pkg/qinq"
)

// SessionStatus is the read-only view of one outer connection the REST
// agent reports on. *proxy.Endpoint satisfies it.
type SessionStatus interface {
	PeerAddress() string
	ReceiveSnapshot() []qinq.Entry
	SendSnapshot() []qinq.Entry
	PeerCidCount() int
}

// StatusSource supplies the current sessions, e.g. a closure over
// proxy.Listener.Endpoints.
type StatusSource func() []SessionStatus

// RestAgent is a read-only RESTful status surface for a running proxy.
type RestAgent struct {
	router *mux.Router
	source StatusSource
}

// NewRestAgent creates a new RestAgent on the given router.
func NewRestAgent(router *mux.Router, source StatusSource) (ra *RestAgent) {
	ra = &RestAgent{
		router: router,
		source: source,
	}

	ra.router.HandleFunc("/sessions", ra.handleSessions).Methods(http.MethodGet)
	ra.router.HandleFunc("/sessions/{peer}/registry", ra.handleRegistry).Methods(http.MethodGet)

	return ra
}

// ServeHTTP is a http.Handler to be bound to a HTTP endpoint, e.g., /rest.
func (ra *RestAgent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ra.router.ServeHTTP(w, r)
}

func (ra *RestAgent) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := ra.source()

	response := make([]SessionResponse, 0, len(sessions))
	for _, session := range sessions {
		response = append(response, SessionResponse{
			Peer:           session.PeerAddress(),
			ReceiveEntries: len(session.ReceiveSnapshot()),
			SendEntries:    len(session.SendSnapshot()),
			ReservedCids:   session.PeerCidCount(),
		})
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.WithError(err).Warn("Failed to write session list")
	}
}

func (ra *RestAgent) handleRegistry(w http.ResponseWriter, r *http.Request) {
	peer := mux.Vars(r)["peer"]

	for _, session := range ra.source() {
		if session.PeerAddress() != peer {
			continue
		}

		response := RegistryResponse{
			Peer:    peer,
			Receive: registryEntries(session.ReceiveSnapshot()),
			Send:    registryEntries(session.SendSnapshot()),
		}

		if err := json.NewEncoder(w).Encode(response); err != nil {
			log.WithError(err).Warn("Failed to write registry snapshot")
		}
		return
	}

	http.Error(w, "no such session", http.StatusNotFound)
}

func registryEntries(entries []qinq.Entry) []RegistryEntryResponse {
	response := make([]RegistryEntryResponse, 0, len(entries))
	for _, entry := range entries {
		response = append(response, RegistryEntryResponse{
			Code: entry.Code,
			Addr: entry.Addr.String(),
			Cid:  entry.Cid.String(),
		})
	}
	return response
}
