// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package internal

import "github.com/quic-go/quic-go"

const (
	// UnknownError is the catchall error code for things we didn't foresee
	UnknownError quic.ApplicationErrorCode = 1
	// LocalError designates errors that happen on this machine (like failing to encode a message)
	LocalError quic.ApplicationErrorCode = 2
	// ConnectionError designates errors in data transmission
	ConnectionError quic.ApplicationErrorCode = 3
	PeerError       quic.ApplicationErrorCode = 4
	// ApplicationShutdown is sent when the daemon is shut down and terminates its connections
	ApplicationShutdown quic.ApplicationErrorCode = 5

	MessageDecodeError      quic.StreamErrorCode = 1
	StreamTransmissionError quic.StreamErrorCode = 2
)
