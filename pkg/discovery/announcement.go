// SPDX-FileCopyrightText: 2023 The qinq-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery announces a QINQ proxy on the local network through
// UDP multicast packets and dials proxies announced by others.
package discovery

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

// Announcement of a QINQ proxy listener.
type Announcement struct {
	Name string
	Port uint
}

// UnmarshalAnnouncements creates a new array of Announcement based on a CBOR byte string.
func UnmarshalAnnouncements(data []byte) (announcements []Announcement, err error) {
	buff := bytes.NewBuffer(data)

	if l, cErr := cboring.ReadArrayLength(buff); cErr != nil {
		err = cErr
		return
	} else {
		announcements = make([]Announcement, l)
	}

	for i := 0; i < len(announcements); i++ {
		if cErr := cboring.Unmarshal(&announcements[i], buff); cErr != nil {
			err = fmt.Errorf("unmarshalling Announcement %d failed: %v", i, cErr)
			return
		}
	}

	return
}

// MarshalAnnouncements into a CBOR byte string.
func MarshalAnnouncements(announcements []Announcement) (data []byte, err error) {
	buff := new(bytes.Buffer)

	if cErr := cboring.WriteArrayLength(uint64(len(announcements)), buff); cErr != nil {
		err = cErr
		return
	}

	for i := range announcements {
		announcement := announcements[i]
		if cErr := cboring.Marshal(&announcement, buff); cErr != nil {
			err = fmt.Errorf("marshalling Announcement %d (%v) failed: %v", i, announcement, cErr)
			return
		}
	}

	data = buff.Bytes()
	return
}

// MarshalCbor creates a CBOR representation for an Announcement.
func (announcement *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}

	if err := cboring.WriteTextString(announcement.Name, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(announcement.Port), w); err != nil {
		return err
	}

	return nil
}

// UnmarshalCbor creates an Announcement from its CBOR representation.
func (announcement *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("wrong array length: %d instead of 2", l)
	}

	if name, err := cboring.ReadTextString(r); err != nil {
		return err
	} else {
		announcement.Name = name
	}
	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		announcement.Port = uint(n)
	}

	return nil
}

func (announcement Announcement) String() string {
	return fmt.Sprintf("Announcement(%v,%d)", announcement.Name, announcement.Port)
}
