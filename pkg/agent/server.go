// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package agent exposes a running proxy's state over HTTP: a REST
// status surface, prometheus metrics and a websocket event feed.
package agent

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/qinq-net/qinq-go/pkg/proxy"
)

// Server binds the REST agent, the metrics handler and the websocket
// agent to one HTTP listener.
type Server struct {
	httpServer *http.Server
}

// NewServer starts an agent Server on the given address.
func NewServer(address string, source StatusSource, hub *proxy.EventHub) (server *Server, err error) {
	router := mux.NewRouter()

	NewRestAgent(router.PathPrefix("/rest").Subrouter(), source)
	router.Handle("/metrics", promhttp.Handler())
	router.Handle("/ws", NewWebsocketAgent(hub))

	httpServer := &http.Server{
		Addr:    address,
		Handler: router,
	}
	server = &Server{httpServer: httpServer}

	startupErr := make(chan error)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupErr <- err
		}

		close(startupErr)
	}()

	select {
	case err = <-startupErr:
		server = nil
	case <-time.After(100 * time.Millisecond):
		log.WithField("address", address).Info("Agent server up")
	}

	return
}

// Close shuts the HTTP listener down.
func (server *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	return server.httpServer.Shutdown(ctx)
}
