package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// ErrInvalidAnnouncement is returned for discovery datagrams that do not
// carry a usable TCP port.
var ErrInvalidAnnouncement = errors.New("invalid announcement")

// MaxAnnouncementSize bounds the datagram the listener will parse.
const MaxAnnouncementSize = 1024

// Announcement is the UDP discovery payload, {"port": <uint16>}.
type Announcement struct {
	Port uint16 `json:"port"`
}

// Encode serializes the announcement as JSON.
func (a Announcement) Encode() ([]byte, error) {
	if a.Port == 0 {
		return nil, fmt.Errorf("%w: port is zero", ErrInvalidAnnouncement)
	}
	return json.Marshal(a)
}

// DecodeAnnouncement parses a discovery datagram. Unknown fields are
// ignored; a missing, zero or out of range port is an error.
func DecodeAnnouncement(data []byte) (Announcement, error) {
	if len(data) == 0 || len(data) > MaxAnnouncementSize {
		return Announcement{}, fmt.Errorf("%w: size %d", ErrInvalidAnnouncement, len(data))
	}
	if !utf8.Valid(data) {
		return Announcement{}, fmt.Errorf("%w: not UTF-8", ErrInvalidAnnouncement)
	}

	var raw struct {
		Port json.RawMessage `json:"port"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Announcement{}, fmt.Errorf("%w: %v", ErrInvalidAnnouncement, err)
	}
	if len(raw.Port) == 0 || string(raw.Port) == "null" {
		return Announcement{}, fmt.Errorf("%w: missing port", ErrInvalidAnnouncement)
	}

	// Only a bare JSON integer is accepted; "52179" as a string is not.
	port, err := strconv.ParseUint(string(raw.Port), 10, 16)
	if err != nil || port == 0 {
		return Announcement{}, fmt.Errorf("%w: port %s", ErrInvalidAnnouncement, raw.Port)
	}
	return Announcement{Port: uint16(port)}, nil
}
