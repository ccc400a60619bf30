// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qinq

import (
	"bytes"
	"errors"
	"net/netip"
	"reflect"
	"testing"

	"github.com/quic-go/quic-go/quicvarint"
)

func TestDatagramHeaderLiteral(t *testing.T) {
	data := []byte{
		// hcid 0, the literal-address sentinel:
		0x00,
		// Length tag:
		0x04,
		// Address 192.0.2.1:
		0xC0, 0x00, 0x02, 0x01,
		// Port 8080 (u16):
		0x1F, 0x90,
	}

	r := bytes.NewReader(data)
	hdr, err := ReadDatagramHeader(r, NewRegistry())
	if err != nil {
		t.Fatal(err)
	}

	if hdr.CompressionID != 0 {
		t.Fatalf("literal header got hcid %d", hdr.CompressionID)
	}
	if expect := netip.MustParseAddrPort("192.0.2.1:8080"); hdr.Addr != expect {
		t.Fatalf("decoded address %v instead of %v", hdr.Addr, expect)
	}
	if hdr.Cid != nil {
		t.Fatalf("literal header carried a CID: %v", hdr.Cid)
	}
	if r.Len() != 0 {
		t.Fatalf("%d bytes left unconsumed", r.Len())
	}
}

func TestDatagramHeaderUnknownCode(t *testing.T) {
	// hcid 5 against an empty registry.
	_, err := ReadDatagramHeader(bytes.NewReader([]byte{0x05}), NewRegistry())
	if !errors.Is(err, ErrUnknownCompressionCode) {
		t.Fatalf("expected ErrUnknownCompressionCode, got %v", err)
	}
}

func TestDatagramHeaderResolve(t *testing.T) {
	registry := NewRegistry()
	addr := netip.MustParseAddrPort("203.0.113.7:443")
	cid := ConnectionID{0x01, 0x02}

	entry, err := NewEntry(5, addr, cid)
	if err != nil {
		t.Fatal(err)
	}
	registry.Reserve(entry)

	hdr, err := ReadDatagramHeader(bytes.NewReader([]byte{0x05}), registry)
	if err != nil {
		t.Fatal(err)
	}

	if hdr.Addr != addr {
		t.Fatalf("resolved address %v instead of %v", hdr.Addr, addr)
	}
	if !hdr.Cid.Equal(cid) {
		t.Fatalf("resolved CID %v instead of %v", hdr.Cid, cid)
	}

	// The lookup must not consume the entry.
	if registry.FindByCode(5) == nil {
		t.Fatal("entry vanished after a datagram header decode")
	}
}

func TestAppendDatagramHeader(t *testing.T) {
	addr := netip.MustParseAddrPort("192.0.2.1:8080")

	literal, err := AppendDatagramHeader(nil, 0, addr)
	if err != nil {
		t.Fatal(err)
	}
	expect := []byte{0x00, 0x04, 0xC0, 0x00, 0x02, 0x01, 0x1F, 0x90}
	if !bytes.Equal(literal, expect) {
		t.Fatalf("literal header is %x instead of %x", literal, expect)
	}

	compressed, err := AppendDatagramHeader(nil, 5, addr)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(compressed, []byte{0x05}) {
		t.Fatalf("compressed header is %x instead of 05", compressed)
	}
}

func TestReserveHeaderCodec(t *testing.T) {
	tests := []ReserveHeader{
		{
			Direction:     DirectionToServer,
			CompressionID: 5,
			Addr:          netip.MustParseAddrPort("203.0.113.7:443"),
			Cid:           ConnectionID{0x01, 0x02},
		},
		{
			Direction:     DirectionToClient,
			CompressionID: 1000,
			Addr:          netip.MustParseAddrPort("[2001:db8::17]:4433"),
			Cid:           ConnectionID{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01, 0x02, 0x03},
		},
	}

	for _, test := range tests {
		data, err := test.Append(nil)
		if err != nil {
			t.Fatal(err)
		}

		r := bytes.NewReader(data)
		if op, opErr := ReadOpcode(r); opErr != nil {
			t.Fatal(opErr)
		} else if op != OpcodeReserveHeader {
			t.Fatalf("opcode is %d instead of %d", op, OpcodeReserveHeader)
		}

		var rh ReserveHeader
		if err := rh.Read(r); err != nil {
			t.Fatal(err)
		}

		if !reflect.DeepEqual(rh, test) {
			t.Fatalf("decoded %v instead of %v", rh, test)
		}
		if r.Len() != 0 {
			t.Fatalf("%d bytes left unconsumed", r.Len())
		}
	}
}

func TestReserveHeaderTruncated(t *testing.T) {
	full := ReserveHeader{
		Direction:     DirectionToServer,
		CompressionID: 23,
		Addr:          netip.MustParseAddrPort("198.51.100.42:1234"),
		Cid:           ConnectionID{0x0A, 0x0B, 0x0C, 0x0D},
	}

	data, err := full.Append(nil)
	if err != nil {
		t.Fatal(err)
	}

	// Skip the opcode byte like the dispatcher would, then offer every
	// shorter prefix of the remaining message.
	body := data[1:]
	for i := 0; i < len(body); i++ {
		var rh ReserveHeader
		if err := rh.Read(bytes.NewReader(body[:i])); err == nil {
			t.Fatalf("decoding %d of %d bytes succeeded", i, len(body))
		}
	}
}

func TestReserveHeaderBadFamily(t *testing.T) {
	rh := ReserveHeader{CompressionID: 1, Cid: ConnectionID{0x01}}
	if _, err := rh.Append(nil); !errors.Is(err, ErrUnsupportedAddressFamily) {
		t.Fatalf("expected ErrUnsupportedAddressFamily, got %v", err)
	}
}

func TestReserveHeaderResponse(t *testing.T) {
	refused := AppendReserveHeaderResponse(nil, CompressionRefused)
	if code, err := ReadReserveHeaderResponse(bytes.NewReader(refused)); err != nil {
		t.Fatal(err)
	} else if code != CompressionRefused {
		t.Fatalf("refusal decoded to %d", code)
	}

	granted := AppendReserveHeaderResponse(nil, 42)
	if code, err := ReadReserveHeaderResponse(bytes.NewReader(granted)); err != nil {
		t.Fatal(err)
	} else if code == CompressionRefused {
		t.Fatal("valid code decoded as refusal")
	} else if code != 42 {
		t.Fatalf("response decoded to %d instead of 42", code)
	}
}

func TestReserveCidCodec(t *testing.T) {
	test := ReserveCid{Cid: ConnectionID{0xCA, 0xFE, 0x00, 0x17}}

	data, err := test.Append(nil)
	if err != nil {
		t.Fatal(err)
	}

	r := bytes.NewReader(data)
	if op, opErr := ReadOpcode(r); opErr != nil {
		t.Fatal(opErr)
	} else if op != OpcodeReserveCid {
		t.Fatalf("opcode is %d instead of %d", op, OpcodeReserveCid)
	}

	var rc ReserveCid
	if err := rc.Read(r); err != nil {
		t.Fatal(err)
	} else if !rc.Cid.Equal(test.Cid) {
		t.Fatalf("decoded CID %v instead of %v", rc.Cid, test.Cid)
	}

	body := data[1:]
	for i := 0; i < len(body); i++ {
		var truncated ReserveCid
		if err := truncated.Read(bytes.NewReader(body[:i])); !errors.Is(err, ErrTruncated) {
			t.Fatalf("decoding %d of %d bytes: %v", i, len(body), err)
		}
	}
}

func TestReserveCidTooLong(t *testing.T) {
	data := quicvarint.Append(nil, MaxConnectionIDLength+1)
	data = append(data, make([]byte, MaxConnectionIDLength+1)...)

	var rc ReserveCid
	if err := rc.Read(bytes.NewReader(data)); !errors.Is(err, ErrCidTooLong) {
		t.Fatalf("expected ErrCidTooLong, got %v", err)
	}
}
