// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qinq

import (
	"bytes"
	"io"
	"net/netip"

	"github.com/quic-go/quic-go/quicvarint"
)

// AppendAddress appends the wire form of an address: a varint length
// tag of 4 or 16, the raw address bytes and the port as two bytes in
// network byte order. IPv4-mapped IPv6 addresses are written in their
// four byte form.
func AppendAddress(buf []byte, addr netip.AddrPort) ([]byte, error) {
	ip := addr.Addr().Unmap()

	switch {
	case ip.Is4():
		raw := ip.As4()
		buf = quicvarint.Append(buf, 4)
		buf = append(buf, raw[:]...)

	case ip.Is6():
		raw := ip.As16()
		buf = quicvarint.Append(buf, 16)
		buf = append(buf, raw[:]...)

	default:
		return nil, ErrUnsupportedAddressFamily
	}

	return append(buf, byte(addr.Port()>>8), byte(addr.Port())), nil
}

// ReadAddress reads an address in the form written by AppendAddress.
// A length tag other than 4 or 16 is an ErrMalformedAddress.
func ReadAddress(r *bytes.Reader) (netip.AddrPort, error) {
	length, err := readVarint(r)
	if err != nil {
		return netip.AddrPort{}, err
	}

	var ip netip.Addr
	switch length {
	case 4:
		var raw [4]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return netip.AddrPort{}, ErrTruncated
		}
		ip = netip.AddrFrom4(raw)

	case 16:
		var raw [16]byte
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			return netip.AddrPort{}, ErrTruncated
		}
		ip = netip.AddrFrom16(raw).Unmap()

	default:
		return netip.AddrPort{}, ErrMalformedAddress
	}

	var portRaw [2]byte
	if _, err := io.ReadFull(r, portRaw[:]); err != nil {
		return netip.AddrPort{}, ErrTruncated
	}
	port := uint16(portRaw[0])<<8 | uint16(portRaw[1])

	return netip.AddrPortFrom(ip, port), nil
}
