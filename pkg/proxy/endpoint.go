// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/qinq-net/qinq-go/pkg/proxy/internal"
	"github.com/qinq-net/qinq-go/pkg/qinq"
)

// MaxDatagramSize is the biggest outer datagram an Endpoint will send.
const MaxDatagramSize = 1200

const reserveTimeout = 5 * time.Second

// Packet is a tunneled packet delivered to the local consumer of a
// dialing Endpoint, together with the address it came from or goes to.
type Packet struct {
	Addr    netip.AddrPort
	Payload []byte
}

// Endpoint is one side of an outer QINQ connection. The same type
// serves the listener and the dialer role; a listener-side Endpoint
// additionally forwards unwrapped packets through the relay and
// registers reserved CIDs in the routing table.
//
// Each Endpoint owns two compression registries: recvRegistry resolves
// codes on inbound datagrams and is populated by the peer's
// reservations, sendRegistry remembers the codes this side may use and
// is populated by our own accepted reservations. Both are guarded by
// their mutex, providing the serialization the registries demand.
type Endpoint struct {
	conn        quic.Connection
	peerAddress string
	dialer      bool

	recvMu       sync.Mutex
	recvRegistry *qinq.Registry
	nextRecvCode uint64

	sendMu       sync.Mutex
	sendRegistry *qinq.Registry
	nextSendCode uint64

	cidMu    sync.Mutex
	peerCids []qinq.ConnectionID

	// (addr, cid) pairs with a reservation in flight, see maybeReserve.
	reserving sync.Map

	table *CidTable
	relay *Relay
	hub   *EventHub

	inbound chan Packet

	onClose    func(*Endpoint)
	finishOnce sync.Once
}

// NewListenerEndpoint wraps an accepted outer connection.
func NewListenerEndpoint(conn quic.Connection, table *CidTable, relay *Relay, hub *EventHub) *Endpoint {
	return &Endpoint{
		conn:         conn,
		peerAddress:  conn.RemoteAddr().String(),
		dialer:       false,
		recvRegistry: qinq.NewRegistry(),
		sendRegistry: qinq.NewRegistry(),
		table:        table,
		relay:        relay,
		hub:          hub,
		inbound:      make(chan Packet, 64),
	}
}

// Dial connects to a QINQ proxy and returns a running dialer Endpoint.
func Dial(address string, hub *EventHub) (*Endpoint, error) {
	conn, err := quic.DialAddr(context.Background(), address, internal.GenerateSimpleDialerTLSConfig(), internal.GenerateQUICConfig())
	if err != nil {
		return nil, err
	}

	endpoint := &Endpoint{
		conn:         conn,
		peerAddress:  address,
		dialer:       true,
		recvRegistry: qinq.NewRegistry(),
		sendRegistry: qinq.NewRegistry(),
		hub:          hub,
		inbound:      make(chan Packet, 64),
	}
	endpoint.Start()

	hub.Publish(Event{Type: EventSessionUp, Peer: address})

	return endpoint, nil
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("Endpoint{Peer: %v, Dialer: %v}", e.peerAddress, e.dialer)
}

// PeerAddress returns the outer address of the peer.
func (e *Endpoint) PeerAddress() string {
	return e.peerAddress
}

// OnClose registers a callback run once when the Endpoint shuts down.
// Must be set before traffic flows.
func (e *Endpoint) OnClose(fn func(*Endpoint)) {
	e.onClose = fn
}

// Start launches the stream and datagram handlers.
func (e *Endpoint) Start() {
	go e.acceptStreams()
	go e.receiveDatagrams()
}

// Inbound delivers tunneled packets a dialer Endpoint received back
// from its proxy.
func (e *Endpoint) Inbound() <-chan Packet {
	return e.inbound
}

// ReceiveSnapshot returns the current entries of the receive registry.
func (e *Endpoint) ReceiveSnapshot() []qinq.Entry {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()
	return e.recvRegistry.Snapshot()
}

// SendSnapshot returns the current entries of the send registry.
func (e *Endpoint) SendSnapshot() []qinq.Entry {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	return e.sendRegistry.Snapshot()
}

// PeerCidCount returns the number of connection IDs the peer reserved.
func (e *Endpoint) PeerCidCount() int {
	e.cidMu.Lock()
	defer e.cidMu.Unlock()
	return len(e.peerCids)
}

// Close tears the outer connection down.
func (e *Endpoint) Close() error {
	err := e.conn.CloseWithError(internal.ApplicationShutdown, "endpoint is shutting down")
	e.finish()
	return err
}

func (e *Endpoint) finish() {
	e.finishOnce.Do(func() {
		e.log().Info("Endpoint closed")

		if e.table != nil {
			e.table.RemoveEndpoint(e)
		}
		e.hub.Publish(Event{Type: EventSessionDown, Peer: e.peerAddress})

		if e.onClose != nil {
			e.onClose(e)
		}
	})
}

func (e *Endpoint) log() *log.Entry {
	return log.WithField("endpoint", e.peerAddress)
}

/*
Control streams
*/

func (e *Endpoint) acceptStreams() {
	for {
		stream, err := e.conn.AcceptStream(context.Background())
		if err != nil {
			e.log().WithError(err).Debug("Stream acceptance ended")
			e.finish()
			return
		}

		go e.handleStream(stream)
	}
}

// handleStream reads one control message. The sending side closes its
// write direction after the message, so the stream drains to EOF.
func (e *Endpoint) handleStream(stream quic.Stream) {
	data, err := io.ReadAll(stream)
	if err != nil {
		e.log().WithError(err).Warn("Failed to read control stream")
		stream.CancelWrite(internal.StreamTransmissionError)
		return
	}

	r := bytes.NewReader(data)
	opcode, err := qinq.ReadOpcode(r)
	if err != nil {
		e.log().WithError(err).Warn("Control stream without an opcode")
		stream.CancelWrite(internal.MessageDecodeError)
		return
	}

	switch opcode {
	case qinq.OpcodeReserveHeader:
		e.handleReserveHeader(r, stream)

	case qinq.OpcodeReserveCid:
		e.handleReserveCid(r, stream)

	default:
		e.log().WithField("opcode", opcode).Warn("Unknown opcode on control stream")
		stream.CancelWrite(internal.MessageDecodeError)
	}
}

func (e *Endpoint) handleReserveHeader(r *bytes.Reader, stream quic.Stream) {
	var request qinq.ReserveHeader
	if err := request.Read(r); err != nil {
		e.log().WithError(err).Warn("Malformed reserve-header request")
		stream.CancelWrite(internal.MessageDecodeError)
		return
	}

	code := e.acceptReservation(&request)

	if _, err := stream.Write(qinq.AppendReserveHeaderResponse(nil, code)); err != nil {
		e.log().WithError(err).Warn("Failed to answer reserve-header request")
		stream.CancelWrite(internal.StreamTransmissionError)
		return
	}
	_ = stream.Close()
}

// acceptReservation decides the code for a peer's reserve-header
// request and stores the mapping in the receive registry. The proposed
// code is taken when it is valid and unused, otherwise the next free
// one is assigned; the response is authoritative either way.
func (e *Endpoint) acceptReservation(request *qinq.ReserveHeader) uint64 {
	e.recvMu.Lock()
	defer e.recvMu.Unlock()

	code := request.CompressionID
	if code == 0 || code >= qinq.CompressionRefused || e.recvRegistry.FindByCode(code) != nil {
		for {
			e.nextRecvCode++
			if e.nextRecvCode >= qinq.CompressionRefused {
				headerReservations.WithLabelValues("refused").Inc()
				e.hub.Publish(Event{Type: EventReservationRefused, Peer: e.peerAddress})
				return qinq.CompressionRefused
			}
			if e.recvRegistry.FindByCode(e.nextRecvCode) == nil {
				code = e.nextRecvCode
				break
			}
		}
	}

	entry, err := qinq.NewEntry(code, request.Addr, request.Cid)
	if err != nil {
		e.log().WithError(err).WithField("request", request).Warn("Refusing invalid reservation")
		headerReservations.WithLabelValues("refused").Inc()
		e.hub.Publish(Event{Type: EventReservationRefused, Peer: e.peerAddress})
		return qinq.CompressionRefused
	}
	e.recvRegistry.Reserve(entry)

	e.log().WithFields(log.Fields{
		"direction": request.Direction,
		"proposed":  request.CompressionID,
		"code":      code,
		"addr":      request.Addr,
		"cid":       request.Cid,
	}).Debug("Accepted header reservation")

	headerReservations.WithLabelValues("accepted").Inc()
	e.hub.Publish(Event{
		Type: EventReservationAccepted,
		Peer: e.peerAddress,
		Code: code,
		Addr: request.Addr.String(),
		Cid:  request.Cid.String(),
	})

	return code
}

func (e *Endpoint) handleReserveCid(r *bytes.Reader, stream quic.Stream) {
	var request qinq.ReserveCid
	if err := request.Read(r); err != nil {
		e.log().WithError(err).Warn("Malformed reserve-CID message")
		stream.CancelWrite(internal.MessageDecodeError)
		return
	}

	e.addPeerCid(request.Cid)
	if e.table != nil {
		e.table.Add(request.Cid, e)
	}

	cidReservations.Inc()
	e.hub.Publish(Event{Type: EventCidReserved, Peer: e.peerAddress, Cid: request.Cid.String()})

	// No response, just close.
	_ = stream.Close()
}

func (e *Endpoint) addPeerCid(cid qinq.ConnectionID) {
	e.cidMu.Lock()
	defer e.cidMu.Unlock()

	for _, known := range e.peerCids {
		if known.Equal(cid) {
			return
		}
	}
	e.peerCids = append(e.peerCids, cid)
}

// matchCid checks whether one of the peer's reserved CIDs is a prefix
// of the given packet bytes.
func (e *Endpoint) matchCid(cidRegion []byte) (qinq.ConnectionID, bool) {
	e.cidMu.Lock()
	defer e.cidMu.Unlock()

	for _, cid := range e.peerCids {
		if len(cidRegion) >= len(cid) && bytes.Equal(cidRegion[:len(cid)], cid) {
			return cid, true
		}
	}

	return nil, false
}

/*
Requester side
*/

// ReserveHeader binds a compression code to the (address, CID) pair on
// the peer, remembering it in the send registry. An already-known pair
// is answered locally without a round trip. The peer's response code is
// authoritative, regardless of what was proposed.
func (e *Endpoint) ReserveHeader(direction uint64, addr netip.AddrPort, cid qinq.ConnectionID) (uint64, error) {
	e.sendMu.Lock()
	if code := e.sendRegistry.FindByAddr(addr, cid); code != 0 {
		e.sendMu.Unlock()
		return code, nil
	}
	e.nextSendCode++
	proposed := e.nextSendCode
	e.sendMu.Unlock()

	request := qinq.ReserveHeader{
		Direction:     direction,
		CompressionID: proposed,
		Addr:          addr,
		Cid:           cid,
	}
	message, err := request.Append(nil)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), reserveTimeout)
	defer cancel()

	stream, err := e.conn.OpenStreamSync(ctx)
	if err != nil {
		return 0, err
	}

	if _, err := stream.Write(message); err != nil {
		stream.CancelWrite(internal.StreamTransmissionError)
		return 0, err
	}
	if err := stream.Close(); err != nil {
		return 0, err
	}

	response, err := io.ReadAll(stream)
	if err != nil {
		return 0, err
	}

	code, err := qinq.ReadReserveHeaderResponse(bytes.NewReader(response))
	if err != nil {
		return 0, err
	}
	if code == qinq.CompressionRefused {
		return 0, fmt.Errorf("peer refused to reserve a header for %v", addr)
	}

	entry, err := qinq.NewEntry(code, addr, cid)
	if err != nil {
		return 0, err
	}

	e.sendMu.Lock()
	e.sendRegistry.Reserve(entry)
	e.sendMu.Unlock()

	e.log().WithFields(log.Fields{
		"proposed": proposed,
		"code":     code,
		"addr":     addr,
		"cid":      cid,
	}).Debug("Peer granted header reservation")

	return code, nil
}

// ReserveCid announces a connection ID to the peer so return packets
// carrying it find their way back. Best effort: no response is read.
func (e *Endpoint) ReserveCid(cid qinq.ConnectionID) error {
	message, err := qinq.ReserveCid{Cid: cid}.Append(nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), reserveTimeout)
	defer cancel()

	stream, err := e.conn.OpenStreamSync(ctx)
	if err != nil {
		return err
	}

	if _, err := stream.Write(message); err != nil {
		stream.CancelWrite(internal.StreamTransmissionError)
		return err
	}

	return stream.Close()
}

/*
Datagrams
*/

// SendDatagram tunnels a packet belonging to (addr, cid) to the peer.
// When the send registry knows a code for the pair, the packet's DCID
// bytes are elided and the code sent instead; otherwise the address
// travels literally and the packet stays untouched.
func (e *Endpoint) SendDatagram(addr netip.AddrPort, cid qinq.ConnectionID, packet []byte) error {
	var code uint64
	if len(cid) > 0 {
		e.sendMu.Lock()
		code = e.sendRegistry.FindByAddr(addr, cid)
		e.sendMu.Unlock()
	}

	// The compressed form drops the DCID following the packet's first
	// byte. If the packet doesn't actually carry this CID there, fall
	// back to the literal form instead of corrupting it.
	if code != 0 && (len(packet) < 1+len(cid) || !bytes.Equal(packet[1:1+len(cid)], cid)) {
		code = 0
	}

	buf, err := qinq.AppendDatagramHeader(nil, code, addr)
	if err != nil {
		return err
	}

	if code != 0 {
		buf = append(buf, packet[0])
		buf = append(buf, packet[1+len(cid):]...)
	} else {
		buf = append(buf, packet...)
	}

	if len(buf) > MaxDatagramSize {
		return qinq.ErrBufferTooSmall
	}

	if err := e.conn.SendMessage(buf); err != nil {
		return err
	}

	if code == 0 && len(cid) > 0 && !e.dialer {
		e.maybeReserve(addr, cid)
	}

	datagramsRelayed.WithLabelValues("out").Inc()
	return nil
}

// maybeReserve kicks off one client-bound header reservation per
// (addr, cid) pair, so a busy return path stops paying for literal
// addresses after its first packet.
func (e *Endpoint) maybeReserve(addr netip.AddrPort, cid qinq.ConnectionID) {
	key := addr.String() + "|" + cid.String()
	if _, loaded := e.reserving.LoadOrStore(key, struct{}{}); loaded {
		return
	}

	go func() {
		if _, err := e.ReserveHeader(qinq.DirectionToClient, addr, cid); err != nil {
			e.log().WithError(err).WithField("addr", addr).Debug("Return-path reservation failed")
			e.reserving.Delete(key)
		}
	}()
}

func (e *Endpoint) receiveDatagrams() {
	for {
		message, err := e.conn.ReceiveMessage(context.Background())
		if err != nil {
			e.log().WithError(err).Debug("Datagram reception ended")
			e.finish()
			return
		}

		e.handleDatagram(message)
	}
}

func (e *Endpoint) handleDatagram(message []byte) {
	r := bytes.NewReader(message)

	e.recvMu.Lock()
	header, err := qinq.ReadDatagramHeader(r, e.recvRegistry)
	if err != nil {
		e.recvMu.Unlock()
		if err == qinq.ErrUnknownCompressionCode {
			unknownCompressionCodes.Inc()
		}
		e.log().WithError(err).Warn("Dropping malformed datagram")
		return
	}

	var packet []byte
	rest := message[len(message)-r.Len():]
	if header.Cid == nil {
		// Literal branch: the rest is a full packet, DCID in place.
		packet = append(packet, rest...)
	} else {
		if len(rest) < 1 {
			e.recvMu.Unlock()
			e.log().Warn("Dropping compressed datagram without a packet")
			return
		}
		// Put the elided DCID back behind the packet's first byte.
		packet = make([]byte, 0, len(rest)+len(header.Cid))
		packet = append(packet, rest[0])
		packet = append(packet, header.Cid...)
		packet = append(packet, rest[1:]...)
	}
	addr := header.Addr
	e.recvMu.Unlock()

	datagramsRelayed.WithLabelValues("in").Inc()

	if e.relay != nil {
		if err := e.relay.Forward(addr, packet); err != nil {
			e.log().WithError(err).WithField("addr", addr).Warn("Failed to forward packet")
		}
		return
	}

	select {
	case e.inbound <- Packet{Addr: addr, Payload: packet}:
	default:
		e.log().Warn("Inbound queue full, dropping packet")
	}
}
