// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package qinq implements the wire protocol of the QINQ ("QUIC-in-QUIC")
// proxy: datagrams of many tunneled connections share one outer QUIC
// connection, and instead of repeating the destination address and
// connection ID on every datagram, the peers negotiate short integer
// codes for (address, connection ID) pairs.
//
// The package contains the codecs for the three message kinds (the
// datagram header, the reserve-header request/response exchanged on a
// fresh control stream, and the best-effort reserve-CID message) and
// the Registry, the per-connection cache resolving a compression code
// back to its address and connection ID.
//
// All integers on the wire are QUIC variable-length integers. Decoding
// happens over a *bytes.Reader; a failed decode returns one of the
// package's sentinel errors and leaves the reader in an undefined
// position. The package performs no I/O and no logging; the outer
// connection handling lives in pkg/proxy.
package qinq
