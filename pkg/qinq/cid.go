// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qinq

import (
	"bytes"
	"encoding/hex"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

// MaxConnectionIDLength is the upper bound for a ConnectionID, matching
// the QUIC version 1 limit.
const MaxConnectionIDLength = 20

// ConnectionID is the opaque connection identifier of a tunneled QUIC
// connection. Two ConnectionIDs are equal iff they have the same length
// and the same bytes.
type ConnectionID []byte

// Equal checks this ConnectionID against another for byte-wise equality.
func (cid ConnectionID) Equal(other ConnectionID) bool {
	return bytes.Equal(cid, other)
}

func (cid ConnectionID) String() string {
	return hex.EncodeToString(cid)
}

// appendConnectionID appends the wire form of a ConnectionID, a varint
// length followed by the ID's bytes.
func appendConnectionID(buf []byte, cid ConnectionID) ([]byte, error) {
	if len(cid) > MaxConnectionIDLength {
		return nil, ErrCidTooLong
	}

	buf = quicvarint.Append(buf, uint64(len(cid)))
	return append(buf, cid...), nil
}

// readConnectionID reads a length-prefixed ConnectionID from r.
func readConnectionID(r *bytes.Reader) (ConnectionID, error) {
	length, err := readVarint(r)
	if err != nil {
		return nil, err
	} else if length > MaxConnectionIDLength {
		return nil, ErrCidTooLong
	}

	cid := make(ConnectionID, length)
	if _, err := io.ReadFull(r, cid); err != nil {
		return nil, ErrTruncated
	}

	return cid, nil
}

// readVarint reads a QUIC variable-length integer, mapping every read
// failure of the bounded reader to ErrTruncated.
func readVarint(r *bytes.Reader) (uint64, error) {
	n, err := quicvarint.Read(r)
	if err != nil {
		return 0, ErrTruncated
	}
	return n, nil
}
