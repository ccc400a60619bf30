// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qinq

import (
	"bytes"
	"fmt"
	"net/netip"

	"github.com/quic-go/quic-go/quicvarint"
)

const (
	// OpcodeReserveHeader starts a reserve-header request on a fresh
	// bidirectional control stream.
	OpcodeReserveHeader uint64 = 1

	// OpcodeReserveCid starts a reserve-CID message on a fresh
	// client-initiated control stream.
	OpcodeReserveCid uint64 = 2
)

const (
	// DirectionToServer marks a reservation for datagrams flowing
	// towards the server.
	DirectionToServer uint64 = 0

	// DirectionToClient marks a reservation for datagrams flowing
	// towards the client.
	DirectionToClient uint64 = 1
)

// CompressionRefused is the reserve-header response meaning that no
// compression code is available. It is the largest value a varint can
// carry and therefore never a usable code.
const CompressionRefused uint64 = quicvarint.Max

// ReadOpcode reads the opcode varint a standalone control message
// starts with. The caller dispatches on the result; an unknown opcode
// is the caller's protocol error.
func ReadOpcode(r *bytes.Reader) (uint64, error) {
	return readVarint(r)
}

// DatagramHeader is the decoded front of an inbound tunneled datagram.
//
// On the literal branch (CompressionID zero) Cid is nil and the caller
// finds the full connection ID in the remainder of the datagram, which
// still is an unmodified packet. On the compressed branch Addr and Cid
// are resolved from the Registry; Cid is a borrow into the matched
// entry and must not be retained across a mutating Registry call.
type DatagramHeader struct {
	CompressionID uint64
	Addr          netip.AddrPort
	Cid           ConnectionID
}

func (dh DatagramHeader) String() string {
	return fmt.Sprintf("DatagramHeader(hcid=%d, addr=%v, cid=%v)", dh.CompressionID, dh.Addr, dh.Cid)
}

// ReadDatagramHeader decodes a datagram header from r, resolving a
// non-zero compression code through the given Registry. The lookup
// promotes the matched entry; a miss is an ErrUnknownCompressionCode
// and leaves the Registry order untouched.
func ReadDatagramHeader(r *bytes.Reader, registry *Registry) (DatagramHeader, error) {
	hcid, err := readVarint(r)
	if err != nil {
		return DatagramHeader{}, err
	}

	if hcid == 0 {
		addr, addrErr := ReadAddress(r)
		if addrErr != nil {
			return DatagramHeader{}, addrErr
		}
		return DatagramHeader{Addr: addr}, nil
	}

	entry := registry.FindByCode(hcid)
	if entry == nil {
		return DatagramHeader{}, ErrUnknownCompressionCode
	}

	return DatagramHeader{
		CompressionID: hcid,
		Addr:          entry.Addr,
		Cid:           entry.Cid,
	}, nil
}

// AppendDatagramHeader appends a datagram header for the sending side:
// the bare compression code, or the zero sentinel followed by the
// literal address.
func AppendDatagramHeader(buf []byte, hcid uint64, addr netip.AddrPort) ([]byte, error) {
	buf = quicvarint.Append(buf, hcid)
	if hcid != 0 {
		return buf, nil
	}

	return AppendAddress(buf, addr)
}

// ReserveHeader is the request to bind a compression code to an
// (address, connection ID) pair, sent on a fresh bidirectional control
// stream. The requester proposes CompressionID; the responder's answer
// is authoritative.
type ReserveHeader struct {
	Direction     uint64
	CompressionID uint64
	Addr          netip.AddrPort
	Cid           ConnectionID
}

func (rh ReserveHeader) String() string {
	return fmt.Sprintf("ReserveHeader(direction=%d, hcid=%d, addr=%v, cid=%v)",
		rh.Direction, rh.CompressionID, rh.Addr, rh.Cid)
}

// Append appends the full request, opcode included.
func (rh ReserveHeader) Append(buf []byte) ([]byte, error) {
	buf = quicvarint.Append(buf, OpcodeReserveHeader)
	buf = quicvarint.Append(buf, rh.Direction)
	buf = quicvarint.Append(buf, rh.CompressionID)

	buf, err := AppendAddress(buf, rh.Addr)
	if err != nil {
		return nil, err
	}

	return appendConnectionID(buf, rh.Cid)
}

// Read decodes a request whose opcode was already consumed by the
// dispatcher.
func (rh *ReserveHeader) Read(r *bytes.Reader) (err error) {
	if rh.Direction, err = readVarint(r); err != nil {
		return err
	}
	if rh.CompressionID, err = readVarint(r); err != nil {
		return err
	}
	if rh.Addr, err = ReadAddress(r); err != nil {
		return err
	}
	rh.Cid, err = readConnectionID(r)
	return err
}

// AppendReserveHeaderResponse appends the single-varint response to a
// ReserveHeader request: the code to use from now on, or
// CompressionRefused.
func AppendReserveHeaderResponse(buf []byte, code uint64) []byte {
	return quicvarint.Append(buf, code)
}

// ReadReserveHeaderResponse reads a reserve-header response. The caller
// compares the result against CompressionRefused.
func ReadReserveHeaderResponse(r *bytes.Reader) (uint64, error) {
	return readVarint(r)
}

// ReserveCid announces a connection ID the sender will use on tunneled
// packets, so the responder can route matching inbound packets back.
// It expects no response and gives no synchronization guarantee.
type ReserveCid struct {
	Cid ConnectionID
}

func (rc ReserveCid) String() string {
	return fmt.Sprintf("ReserveCid(cid=%v)", rc.Cid)
}

// Append appends the full message, opcode included.
func (rc ReserveCid) Append(buf []byte) ([]byte, error) {
	return appendConnectionID(quicvarint.Append(buf, OpcodeReserveCid), rc.Cid)
}

// Read decodes a message whose opcode was already consumed by the
// dispatcher.
func (rc *ReserveCid) Read(r *bytes.Reader) (err error) {
	rc.Cid, err = readConnectionID(r)
	return err
}
