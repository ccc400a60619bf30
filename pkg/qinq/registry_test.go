// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qinq

import (
	"errors"
	"net/netip"
	"testing"
)

func mustEntry(t *testing.T, code uint64, addr string, cid ConnectionID) *Entry {
	t.Helper()

	entry, err := NewEntry(code, netip.MustParseAddrPort(addr), cid)
	if err != nil {
		t.Fatal(err)
	}
	return entry
}

func registryCodes(reg *Registry) (codes []uint64) {
	for _, entry := range reg.Snapshot() {
		codes = append(codes, entry.Code)
	}
	return
}

func TestNewEntryInvalid(t *testing.T) {
	addr := netip.MustParseAddrPort("192.0.2.1:443")

	if _, err := NewEntry(0, addr, ConnectionID{0x01}); !errors.Is(err, ErrReservedCompressionCode) {
		t.Fatalf("expected ErrReservedCompressionCode, got %v", err)
	}

	long := make(ConnectionID, MaxConnectionIDLength+1)
	if _, err := NewEntry(1, addr, long); !errors.Is(err, ErrCidTooLong) {
		t.Fatalf("expected ErrCidTooLong, got %v", err)
	}
}

func TestNewEntryCopiesCid(t *testing.T) {
	cid := ConnectionID{0x01, 0x02}
	entry := mustEntry(t, 1, "192.0.2.1:443", cid)

	cid[0] = 0xFF
	if entry.Cid[0] != 0x01 {
		t.Fatal("entry aliases the caller's CID")
	}
}

func TestRegistryDedup(t *testing.T) {
	reg := NewRegistry()

	reg.Reserve(mustEntry(t, 7, "192.0.2.1:443", ConnectionID{0x01}))
	reg.Reserve(mustEntry(t, 8, "192.0.2.2:443", ConnectionID{0x02}))
	reg.Reserve(mustEntry(t, 7, "203.0.113.7:80", ConnectionID{0x03}))

	if reg.Len() != 2 {
		t.Fatalf("registry holds %d entries instead of 2", reg.Len())
	}

	entry := reg.FindByCode(7)
	if entry == nil {
		t.Fatal("code 7 not found")
	}
	if expect := netip.MustParseAddrPort("203.0.113.7:80"); entry.Addr != expect {
		t.Fatalf("code 7 resolves to %v, the last reservation was %v", entry.Addr, expect)
	}
	if !entry.Cid.Equal(ConnectionID{0x03}) {
		t.Fatalf("code 7 resolves to CID %v", entry.Cid)
	}
}

func TestRegistryPromotion(t *testing.T) {
	reg := NewRegistry()

	reg.Reserve(mustEntry(t, 1, "192.0.2.1:443", ConnectionID{0x0A}))
	reg.Reserve(mustEntry(t, 2, "192.0.2.2:443", ConnectionID{0x0B}))
	reg.Reserve(mustEntry(t, 3, "192.0.2.3:443", ConnectionID{0x0C}))

	if codes := registryCodes(reg); !equalCodes(codes, []uint64{3, 2, 1}) {
		t.Fatalf("order after insertion is %v", codes)
	}

	if reg.FindByCode(1) == nil {
		t.Fatal("code 1 not found")
	}
	if codes := registryCodes(reg); !equalCodes(codes, []uint64{1, 3, 2}) {
		t.Fatalf("order after promotion is %v", codes)
	}

	// A miss must not reorder anything.
	if reg.FindByCode(9) != nil {
		t.Fatal("code 9 found in a registry that never saw it")
	}
	if codes := registryCodes(reg); !equalCodes(codes, []uint64{1, 3, 2}) {
		t.Fatalf("order changed on a miss: %v", codes)
	}
}

func TestRegistrySentinelCode(t *testing.T) {
	reg := NewRegistry()
	reg.Reserve(mustEntry(t, 1, "192.0.2.1:443", ConnectionID{0x0A}))

	if reg.FindByCode(0) != nil {
		t.Fatal("code 0 matched an entry")
	}
}

func TestRegistryFindByAddr(t *testing.T) {
	reg := NewRegistry()

	reg.Reserve(mustEntry(t, 1, "192.0.2.1:443", ConnectionID{0x0A}))
	reg.Reserve(mustEntry(t, 2, "192.0.2.2:443", ConnectionID{0x0B}))

	code := reg.FindByAddr(netip.MustParseAddrPort("192.0.2.1:443"), ConnectionID{0x0A})
	if code != 1 {
		t.Fatalf("lookup returned code %d instead of 1", code)
	}
	if codes := registryCodes(reg); !equalCodes(codes, []uint64{1, 2}) {
		t.Fatalf("order after promotion is %v", codes)
	}

	// Same address, different CID: a miss.
	if code := reg.FindByAddr(netip.MustParseAddrPort("192.0.2.1:443"), ConnectionID{0x0A, 0x00}); code != 0 {
		t.Fatalf("lookup with a longer CID returned %d", code)
	}

	// A mapped IPv4 address matches its plain form.
	mapped := netip.AddrPortFrom(netip.MustParseAddr("::ffff:192.0.2.2"), 443)
	if code := reg.FindByAddr(mapped, ConnectionID{0x0B}); code != 2 {
		t.Fatalf("mapped address lookup returned %d", code)
	}
}

func equalCodes(got, expect []uint64) bool {
	if len(got) != len(expect) {
		return false
	}
	for i := range got {
		if got[i] != expect[i] {
			return false
		}
	}
	return true
}
