// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/gorilla/mux"

	"github.com/qinq-net/qinq-go/pkg/qinq"
)

type fakeSession struct {
	peer string
	recv []qinq.Entry
	send []qinq.Entry
	cids int
}

func (fs *fakeSession) PeerAddress() string           { return fs.peer }
func (fs *fakeSession) ReceiveSnapshot() []qinq.Entry { return fs.recv }
func (fs *fakeSession) SendSnapshot() []qinq.Entry    { return fs.send }
func (fs *fakeSession) PeerCidCount() int             { return fs.cids }

func testAgent() *RestAgent {
	session := &fakeSession{
		peer: "192.0.2.23:4433",
		recv: []qinq.Entry{
			{Code: 5, Addr: netip.MustParseAddrPort("203.0.113.7:443"), Cid: qinq.ConnectionID{0x01, 0x02}},
		},
		cids: 2,
	}

	return NewRestAgent(mux.NewRouter(), func() []SessionStatus {
		return []SessionStatus{session}
	})
}

func TestRestAgentSessions(t *testing.T) {
	agent := testAgent()

	w := httptest.NewRecorder()
	agent.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("GET /sessions returned %d", w.Code)
	}

	var sessions []SessionResponse
	if err := json.NewDecoder(w.Body).Decode(&sessions); err != nil {
		t.Fatal(err)
	}

	if len(sessions) != 1 {
		t.Fatalf("got %d sessions", len(sessions))
	}
	if sessions[0].Peer != "192.0.2.23:4433" || sessions[0].ReceiveEntries != 1 || sessions[0].ReservedCids != 2 {
		t.Fatalf("unexpected session summary: %v", sessions[0])
	}
}

func TestRestAgentRegistry(t *testing.T) {
	agent := testAgent()

	w := httptest.NewRecorder()
	agent.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/192.0.2.23:4433/registry", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("GET registry returned %d", w.Code)
	}

	var registry RegistryResponse
	if err := json.NewDecoder(w.Body).Decode(&registry); err != nil {
		t.Fatal(err)
	}

	if len(registry.Receive) != 1 {
		t.Fatalf("got %d receive entries", len(registry.Receive))
	}
	if entry := registry.Receive[0]; entry.Code != 5 || entry.Addr != "203.0.113.7:443" || entry.Cid != "0102" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestRestAgentRegistryUnknownPeer(t *testing.T) {
	agent := testAgent()

	w := httptest.NewRecorder()
	agent.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/192.0.2.42:1/registry", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown peer returned %d", w.Code)
	}
}
