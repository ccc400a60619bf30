// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qinq

import "errors"

var (
	// ErrTruncated is returned when a decode ran out of input before
	// completing a field.
	ErrTruncated = errors.New("qinq: truncated input")

	// ErrMalformedAddress is returned when an address length tag is
	// neither 4 (IPv4) nor 16 (IPv6).
	ErrMalformedAddress = errors.New("qinq: address length is neither 4 nor 16")

	// ErrUnsupportedAddressFamily is returned when an encode was
	// requested for an address that is neither IPv4 nor IPv6.
	ErrUnsupportedAddressFamily = errors.New("qinq: address is neither IPv4 nor IPv6")

	// ErrCidTooLong is returned when a connection ID exceeds
	// MaxConnectionIDLength.
	ErrCidTooLong = errors.New("qinq: connection ID exceeds maximum length")

	// ErrUnknownCompressionCode is returned when a datagram header
	// references a compression code without a Registry entry.
	ErrUnknownCompressionCode = errors.New("qinq: unknown header compression code")

	// ErrReservedCompressionCode is returned when an Entry is created
	// with code 0, the literal-address sentinel.
	ErrReservedCompressionCode = errors.New("qinq: compression code 0 is reserved")

	// ErrBufferTooSmall is returned when an encoded message would not
	// fit its destination, e.g. the outer connection's datagram size.
	ErrBufferTooSmall = errors.New("qinq: message does not fit the buffer")
)
