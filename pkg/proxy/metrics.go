// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	datagramsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qinq",
		Name:      "datagrams_relayed_total",
		Help:      "Tunneled datagrams relayed, by direction (in = from peer, out = to peer).",
	}, []string{"direction"})

	headerReservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qinq",
		Name:      "header_reservations_total",
		Help:      "Reserve-header requests answered, by outcome.",
	}, []string{"outcome"})

	cidReservations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qinq",
		Name:      "cid_reservations_total",
		Help:      "Reserve-CID messages accepted.",
	})

	unknownCompressionCodes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qinq",
		Name:      "unknown_compression_codes_total",
		Help:      "Inbound datagrams dropped for referencing an unknown compression code.",
	})
)
