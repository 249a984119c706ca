// Package ble implements BLE packet fragmentation and reassembly: Reticulum
// packets can run up to 500 bytes while a negotiated BLE characteristic
// write is typically 20-512 bytes, so every outbound packet over a BLE
// interface is split into fragments and reassembled on the other side.
package ble

import (
	"errors"
	"fmt"
)

// HeaderSize is the two-byte [sequence][flags] fragment header.
const HeaderSize = 2

const (
	// FlagFirstFragment marks the first fragment of a packet.
	FlagFirstFragment byte = 0x01
	// FlagMoreFragments marks that more fragments follow this one.
	FlagMoreFragments byte = 0x02

	validFlagsMask = FlagFirstFragment | FlagMoreFragments

	// maxSequenceDistance is the half-space-128 rule distinguishing forward
	// progression from backward wraparound.
	maxSequenceDistance = 128
)

var (
	ErrTooShort       = errors.New("ble: fragment too short")
	ErrMTUTooSmall    = errors.New("ble: mtu too small")
	ErrEmptyPacket    = errors.New("ble: cannot fragment empty packet")
	ErrBufferTooSmall = errors.New("ble: buffer too small for fragment")
)

// Address is a 6-byte BLE device address, used to disambiguate concurrent
// reassemblies from different peers.
type Address [6]byte

// ZeroAddress is useful in single-source tests.
var ZeroAddress = Address{}

func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// Fragment is one piece of a larger packet.
type Fragment struct {
	Sequence byte
	Flags    byte
	Payload  []byte
}

// IsFirst reports whether this is the first fragment of a packet.
func (f Fragment) IsFirst() bool { return f.Flags&FlagFirstFragment != 0 }

// HasMore reports whether more fragments follow this one.
func (f Fragment) HasMore() bool { return f.Flags&FlagMoreFragments != 0 }

// HasValidFlags reports whether only defined flag bits are set.
func (f Fragment) HasValidFlags() bool { return f.Flags&^validFlagsMask == 0 }

// Bytes serializes the fragment to header+payload.
func (f Fragment) Bytes() []byte {
	out := make([]byte, 0, HeaderSize+len(f.Payload))
	out = append(out, f.Sequence, f.Flags)
	out = append(out, f.Payload...)
	return out
}

// FragmentFromBytes deserializes a fragment from raw bytes.
func FragmentFromBytes(b []byte) (Fragment, error) {
	if len(b) < HeaderSize {
		return Fragment{}, ErrTooShort
	}
	payload := append([]byte(nil), b[HeaderSize:]...)
	return Fragment{Sequence: b[0], Flags: b[1], Payload: payload}, nil
}

// Fragmenter splits packets into BLE-MTU-sized fragments. It is stateful
// only in next sequence number, which persists across calls so that
// cross-packet sequences stay ordered until natural wraparound.
type Fragmenter struct {
	mtu          int
	nextSequence byte
}

// NewFragmenter constructs a Fragmenter with the given MTU (the BLE
// characteristic's maximum write size). Returns ErrMTUTooSmall if mtu is
// not large enough to carry the header plus at least one payload byte.
func NewFragmenter(mtu int) (*Fragmenter, error) {
	if mtu <= HeaderSize {
		return nil, ErrMTUTooSmall
	}
	return &Fragmenter{mtu: mtu}, nil
}

// NewFragmenterAt constructs a Fragmenter with an explicit starting sequence
// number, for exercising wraparound behavior deterministically in tests.
func NewFragmenterAt(mtu int, startSequence byte) (*Fragmenter, error) {
	f, err := NewFragmenter(mtu)
	if err != nil {
		return nil, err
	}
	f.nextSequence = startSequence
	return f, nil
}

// MaxPayload returns the maximum payload size per fragment.
func (f *Fragmenter) MaxPayload() int { return f.mtu - HeaderSize }

// NeedsFragmentation reports whether packetLen requires more than one
// fragment at this MTU.
func (f *Fragmenter) NeedsFragmentation(packetLen int) bool {
	return packetLen > f.MaxPayload()
}

// Fragment splits packet into one or more fragments. The first fragment
// carries FlagFirstFragment; every fragment but the last carries
// FlagMoreFragments.
func (f *Fragmenter) Fragment(packet []byte) ([]Fragment, error) {
	if len(packet) == 0 {
		return nil, ErrEmptyPacket
	}
	maxPayload := f.MaxPayload()
	var fragments []Fragment
	offset := 0
	first := true
	for offset < len(packet) {
		remaining := len(packet) - offset
		payloadLen := remaining
		if payloadLen > maxPayload {
			payloadLen = maxPayload
		}
		hasMore := offset+payloadLen < len(packet)

		var flags byte
		if first {
			flags |= FlagFirstFragment
			first = false
		}
		if hasMore {
			flags |= FlagMoreFragments
		}

		payload := append([]byte(nil), packet[offset:offset+payloadLen]...)
		fragments = append(fragments, Fragment{Sequence: f.nextSequence, Flags: flags, Payload: payload})
		f.nextSequence++ // wraps at 256 by virtue of byte arithmetic
		offset += payloadLen
	}
	return fragments, nil
}
