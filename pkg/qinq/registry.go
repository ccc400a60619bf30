// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qinq

import (
	"fmt"
	"net/netip"
)

// Entry is one negotiated header compression mapping: a non-zero code
// standing in for an (address, connection ID) pair. Entries are owned
// by their Registry; a pointer returned from a lookup is a short-lived
// borrow and must not be kept across a mutating Registry call.
type Entry struct {
	Code uint64
	Addr netip.AddrPort
	Cid  ConnectionID
}

// NewEntry creates a detached Entry, copying the connection ID and
// normalizing the address. Code 0 is the literal-address sentinel and
// is rejected, as is a connection ID over MaxConnectionIDLength.
func NewEntry(code uint64, addr netip.AddrPort, cid ConnectionID) (*Entry, error) {
	if code == 0 {
		return nil, ErrReservedCompressionCode
	}
	if len(cid) > MaxConnectionIDLength {
		return nil, ErrCidTooLong
	}

	owned := make(ConnectionID, len(cid))
	copy(owned, cid)

	return &Entry{
		Code: code,
		Addr: netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
		Cid:  owned,
	}, nil
}

func (e Entry) String() string {
	return fmt.Sprintf("Entry(hcid=%d, addr=%v, cid=%v)", e.Code, e.Addr, e.Cid)
}

// Registry is the header compression cache of one side of one outer
// connection, ordered most-recently-used first. At most one Entry
// exists per code; reserving a code again evicts the older Entry.
//
// A Registry does no internal locking. It expects to be driven from a
// single event loop; concurrent callers must serialize every operation
// themselves.
type Registry struct {
	entries []*Entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Len returns the number of live entries.
func (reg *Registry) Len() int {
	return len(reg.entries)
}

// Reserve inserts the Entry at the front and evicts every other Entry
// carrying the same code. The newest reservation always wins.
func (reg *Registry) Reserve(entry *Entry) {
	if entry == nil {
		return
	}

	entries := make([]*Entry, 0, len(reg.entries)+1)
	entries = append(entries, entry)
	for _, old := range reg.entries {
		if old.Code != entry.Code {
			entries = append(entries, old)
		}
	}

	reg.entries = entries
}

// FindByCode returns the Entry with the given code, promoting it to the
// front, or nil. Code 0 never matches.
func (reg *Registry) FindByCode(code uint64) *Entry {
	if code == 0 {
		return nil
	}

	for i, entry := range reg.entries {
		if entry.Code == code {
			reg.promote(i)
			return entry
		}
	}

	return nil
}

// FindByAddr returns the code mapped to the given address and
// connection ID, promoting the matched Entry, or 0 if no Entry matches.
// The sending side uses this before requesting a fresh reservation.
func (reg *Registry) FindByAddr(addr netip.AddrPort, cid ConnectionID) uint64 {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())

	for i, entry := range reg.entries {
		if entry.Addr == addr && entry.Cid.Equal(cid) {
			reg.promote(i)
			return entry.Code
		}
	}

	return 0
}

// Snapshot returns a copy of the entries in their current order, front
// first. The copies share nothing with the Registry.
func (reg *Registry) Snapshot() []Entry {
	entries := make([]Entry, len(reg.entries))
	for i, entry := range reg.entries {
		cid := make(ConnectionID, len(entry.Cid))
		copy(cid, entry.Cid)

		entries[i] = Entry{Code: entry.Code, Addr: entry.Addr, Cid: cid}
	}

	return entries
}

func (reg *Registry) promote(i int) {
	if i == 0 {
		return
	}

	entry := reg.entries[i]
	copy(reg.entries[1:i+1], reg.entries[:i])
	reg.entries[0] = entry
}
