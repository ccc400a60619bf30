// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package proxy

import (
	"sync"
	"time"
)

// EventType classifies an Event.
type EventType string

const (
	EventSessionUp           EventType = "session-up"
	EventSessionDown         EventType = "session-down"
	EventReservationAccepted EventType = "reservation-accepted"
	EventReservationRefused  EventType = "reservation-refused"
	EventCidReserved         EventType = "cid-reserved"
)

// Event is one observable state change of a proxy, consumed by the
// websocket agent.
type Event struct {
	Type EventType `json:"type"`
	Peer string    `json:"peer"`
	Code uint64    `json:"code,omitempty"`
	Addr string    `json:"addr,omitempty"`
	Cid  string    `json:"cid,omitempty"`
	Time time.Time `json:"time"`
}

// EventHub fans Events out to subscribers. Publishing never blocks; a
// subscriber that cannot keep up loses events.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{
		subs: make(map[chan Event]struct{}),
	}
}

// Subscribe registers a new subscriber channel.
func (hub *EventHub) Subscribe() chan Event {
	ch := make(chan Event, 32)

	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.subs[ch] = struct{}{}

	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (hub *EventHub) Unsubscribe(ch chan Event) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if _, ok := hub.subs[ch]; ok {
		delete(hub.subs, ch)
		close(ch)
	}
}

// Publish delivers an Event to every subscriber able to receive it.
// A nil EventHub swallows everything, so callers don't have to care
// whether an agent is attached.
func (hub *EventHub) Publish(event Event) {
	if hub == nil {
		return
	}

	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()

	for ch := range hub.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
