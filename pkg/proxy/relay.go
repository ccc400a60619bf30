// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package proxy

import (
	"errors"
	"net"
	"net/netip"

	log "github.com/sirupsen/logrus"
)

// Relay is the server's shared UDP socket towards the tunneled
// destinations. Outbound packets of every Endpoint leave through it;
// return packets are routed back via the CID table and re-wrapped by
// the matched Endpoint.
type Relay struct {
	conn  *net.UDPConn
	table *CidTable
}

// NewRelay binds the relay socket.
func NewRelay(listenAddress string, table *CidTable) (*Relay, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", listenAddress)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	return &Relay{
		conn:  conn,
		table: table,
	}, nil
}

// Start launches the return-path reader.
func (relay *Relay) Start() {
	log.WithField("address", relay.conn.LocalAddr()).Info("Relay socket up")
	go relay.readLoop()
}

// Forward sends an unwrapped packet to its destination.
func (relay *Relay) Forward(addr netip.AddrPort, packet []byte) error {
	_, err := relay.conn.WriteToUDPAddrPort(packet, addr)
	return err
}

func (relay *Relay) readLoop() {
	buf := make([]byte, 65535)

	for {
		n, raddr, err := relay.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.WithError(err).Error("Relay socket read failed")
			}
			return
		}
		if n < 2 {
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])

		// A short header carries the DCID right after the first byte;
		// the CID table figures out whose it is.
		endpoint, cid := relay.table.Route(packet[1:])
		if endpoint == nil {
			log.WithFields(log.Fields{
				"source": raddr,
				"length": n,
			}).Debug("No endpoint claims return packet, dropping")
			continue
		}

		if err := endpoint.SendDatagram(raddr, cid, packet); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"endpoint": endpoint,
				"source":   raddr,
			}).Warn("Failed to relay return packet")
		}
	}
}

// Close shuts the relay socket down, ending the return-path reader.
func (relay *Relay) Close() error {
	return relay.conn.Close()
}
