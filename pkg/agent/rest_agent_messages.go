// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

// SessionResponse summarizes one outer connection for GET /sessions.
type SessionResponse struct {
	Peer           string `json:"peer"`
	ReceiveEntries int    `json:"receiveEntries"`
	SendEntries    int    `json:"sendEntries"`
	ReservedCids   int    `json:"reservedCids"`
}

// RegistryEntryResponse is one header compression mapping.
type RegistryEntryResponse struct {
	Code uint64 `json:"code"`
	Addr string `json:"addr"`
	Cid  string `json:"cid"`
}

// RegistryResponse carries both registries of one session, each in
// most-recently-used order, front first.
type RegistryResponse struct {
	Peer    string                  `json:"peer"`
	Receive []RegistryEntryResponse `json:"receive"`
	Send    []RegistryEntryResponse `json:"send"`
}
