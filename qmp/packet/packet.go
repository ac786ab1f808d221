// Package packet validates operator-supplied messages and packs them into the padded form the remote expects.
//
// A Packet is a fixed-capacity value; building one never allocates a per-message buffer.
package packet

import (
	"errors"
	"fmt"
	"io"

	"github.com/rflandau/qmp/qmp"
	"github.com/rs/zerolog"
)

// Capacity is the largest size (in bytes) a Packet can carry: MaxMsgSize rounded up to the alignment.
const Capacity = (qmp.MaxMsgSize + qmp.Alignment - 1) &^ (qmp.Alignment - 1)

//#region errors

var (
	// ErrRejected is the parent of every validation failure.
	// No packet is produced when it is returned.
	ErrRejected = errors.New("message rejected")
	ErrEmpty    = fmt.Errorf("%w: message is empty", ErrRejected)
	ErrTooLarge = fmt.Errorf("%w: message exceeds %d bytes", ErrRejected, qmp.MaxMsgSize)
	// ErrCopy indicates the message could not be fully read out of the caller's buffer.
	ErrCopy = errors.New("failed to copy message from caller")
)

//#endregion errors

// A Packet is a message padded to the remote's alignment.
// The zero value is an empty (size 0) packet.
type Packet struct {
	size uint16
	data [Capacity]byte
}

// Size returns the padded length of the packet.
func (p *Packet) Size() int {
	return int(p.size)
}

// Bytes returns the padded payload.
// The returned slice aliases p; do not hold it past the life of p.
func (p *Packet) Bytes() []byte {
	return p.data[:p.size]
}

// Zerolog attaches the packet's fields to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (p *Packet) Zerolog(ev *zerolog.Event) {
	ev.Int("packet size", int(p.size)).Hex("payload", p.data[:p.size])
}

// validate checks length against the remote's bounds.
func validate(length int) error {
	if length <= 0 {
		return ErrEmpty
	} else if length > qmp.MaxMsgSize {
		return ErrTooLarge
	}
	return nil
}

// Pack copies input into a new Packet, zero-filling up to the next alignment boundary.
//
// Returns ErrEmpty or ErrTooLarge (both of which wrap ErrRejected) if input does not fit the remote's bounds.
func Pack(input []byte) (Packet, error) {
	var pkt Packet
	if err := validate(len(input)); err != nil {
		return pkt, err
	}
	copy(pkt.data[:], input)
	pkt.size = uint16(qmp.AlignUp(len(input)))
	return pkt, nil
}

// Read copies exactly length bytes out of rd into a new Packet, zero-filling up to the next alignment boundary.
//
// Length is validated before rd is touched.
// A short or failed read returns an error wrapping ErrCopy and no packet; rd may have been partially drained.
func Read(rd io.Reader, length int) (Packet, error) {
	var pkt Packet
	if err := validate(length); err != nil {
		return pkt, err
	}
	if rd == nil {
		return Packet{}, fmt.Errorf("%w: nil reader", ErrCopy)
	}
	if n, err := io.ReadFull(rd, pkt.data[:length]); err != nil {
		return Packet{}, fmt.Errorf("%w: read %d of %d bytes: %v", ErrCopy, n, length, err)
	}
	pkt.size = uint16(qmp.AlignUp(length))
	return pkt, nil
}
