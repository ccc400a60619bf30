// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package proxy drives QINQ tunnels over an outer QUIC connection with
// datagram support.
//
// One Endpoint type serves both roles: a Listener accepts outer
// connections and wraps each in an Endpoint, a client creates one via
// Dial. Control streams carry the reserve-header and reserve-CID
// messages of pkg/qinq; QUIC datagrams carry tunneled packets behind a
// compressed or literal header. On the server side a shared UDP relay
// socket forwards unwrapped packets to their destinations and routes
// return packets back through the CID table.
package proxy
