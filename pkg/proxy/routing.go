// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package proxy

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/qinq-net/qinq-go/pkg/qinq"
)

// DefaultCidPrefixLength is the number of connection ID bytes the
// CidTable indexes on when the configuration doesn't say otherwise.
const DefaultCidPrefixLength = 4

// CidTable routes return packets to endpoints. Reserved connection IDs
// are indexed by their first prefixLen bytes; since a short packet
// header doesn't carry the CID's length, a lookup offers the raw bytes
// following the packet's first byte and each candidate endpoint checks
// them against its full reserved CIDs.
type CidTable struct {
	prefixLen int

	mu        sync.RWMutex
	endpoints map[string][]*Endpoint
}

// NewCidTable creates a CidTable indexing the given number of CID
// bytes. Values out of range fall back to DefaultCidPrefixLength.
func NewCidTable(prefixLen int) *CidTable {
	if prefixLen <= 0 || prefixLen > qinq.MaxConnectionIDLength {
		prefixLen = DefaultCidPrefixLength
	}

	return &CidTable{
		prefixLen: prefixLen,
		endpoints: make(map[string][]*Endpoint),
	}
}

// Add indexes a reserved connection ID for an Endpoint. CIDs shorter
// than the prefix length cannot be routed and are dropped.
func (table *CidTable) Add(cid qinq.ConnectionID, endpoint *Endpoint) {
	if len(cid) < table.prefixLen {
		log.WithFields(log.Fields{
			"cid":    cid,
			"prefix": table.prefixLen,
		}).Warn("Reserved CID is shorter than the routing prefix, packets will not route back")
		return
	}

	prefix := string(cid[:table.prefixLen])

	table.mu.Lock()
	defer table.mu.Unlock()

	for _, known := range table.endpoints[prefix] {
		if known == endpoint {
			return
		}
	}
	table.endpoints[prefix] = append(table.endpoints[prefix], endpoint)
}

// RemoveEndpoint drops every index entry pointing at the Endpoint.
func (table *CidTable) RemoveEndpoint(endpoint *Endpoint) {
	table.mu.Lock()
	defer table.mu.Unlock()

	for prefix, endpoints := range table.endpoints {
		kept := endpoints[:0]
		for _, known := range endpoints {
			if known != endpoint {
				kept = append(kept, known)
			}
		}

		if len(kept) == 0 {
			delete(table.endpoints, prefix)
		} else {
			table.endpoints[prefix] = kept
		}
	}
}

// Route finds the Endpoint whose reserved CID is a prefix of the given
// packet bytes (the region following the packet's first byte). It
// returns the matched CID alongside, or nil when no endpoint claims
// the packet.
func (table *CidTable) Route(cidRegion []byte) (*Endpoint, qinq.ConnectionID) {
	if len(cidRegion) < table.prefixLen {
		return nil, nil
	}

	prefix := string(cidRegion[:table.prefixLen])

	table.mu.RLock()
	candidates := table.endpoints[prefix]
	table.mu.RUnlock()

	for _, endpoint := range candidates {
		if cid, ok := endpoint.matchCid(cidRegion); ok {
			return endpoint, cid
		}
	}

	return nil, nil
}
