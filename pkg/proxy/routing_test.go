// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package proxy

import (
	"testing"

	"github.com/qinq-net/qinq-go/pkg/qinq"
)

func testEndpoint() *Endpoint {
	return &Endpoint{
		peerAddress:  "test",
		recvRegistry: qinq.NewRegistry(),
		sendRegistry: qinq.NewRegistry(),
		inbound:      make(chan Packet, 64),
	}
}

func TestCidTableRoute(t *testing.T) {
	table := NewCidTable(4)

	epA := testEndpoint()
	epB := testEndpoint()

	cidA := qinq.ConnectionID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	cidB := qinq.ConnectionID{0x01, 0x02, 0x03, 0x04, 0xFF, 0xFF}

	epA.addPeerCid(cidA)
	table.Add(cidA, epA)
	epB.addPeerCid(cidB)
	table.Add(cidB, epB)

	// Both CIDs share the indexed prefix; the full-CID filter must
	// pick the right endpoint.
	region := []byte{0x01, 0x02, 0x03, 0x04, 0xFF, 0xFF, 0xAA, 0xBB}
	endpoint, cid := table.Route(region)
	if endpoint != epB {
		t.Fatal("route picked the wrong endpoint")
	}
	if !cid.Equal(cidB) {
		t.Fatalf("route matched CID %v", cid)
	}

	if endpoint, _ := table.Route([]byte{0x09, 0x09, 0x09, 0x09, 0x00}); endpoint != nil {
		t.Fatal("unknown prefix routed somewhere")
	}

	// Prefix known, but no full CID matches.
	if endpoint, _ := table.Route([]byte{0x01, 0x02, 0x03, 0x04, 0x00, 0x00}); endpoint != nil {
		t.Fatal("prefix-only match routed somewhere")
	}
}

func TestCidTableRemoveEndpoint(t *testing.T) {
	table := NewCidTable(4)

	endpoint := testEndpoint()
	cid := qinq.ConnectionID{0x01, 0x02, 0x03, 0x04}
	endpoint.addPeerCid(cid)
	table.Add(cid, endpoint)

	table.RemoveEndpoint(endpoint)

	if found, _ := table.Route([]byte{0x01, 0x02, 0x03, 0x04, 0x00}); found != nil {
		t.Fatal("removed endpoint still routed")
	}
}

func TestCidTableShortCid(t *testing.T) {
	table := NewCidTable(4)

	endpoint := testEndpoint()
	table.Add(qinq.ConnectionID{0x01}, endpoint)

	if found, _ := table.Route([]byte{0x01, 0x02, 0x03, 0x04}); found != nil {
		t.Fatal("unroutable short CID was indexed")
	}
}
