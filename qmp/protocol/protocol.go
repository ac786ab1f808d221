/*
Package protocol contains tools for interacting with the QMP datagram header.

Every datagram exchanged between the bridge's UDP transport and the remote starts with a fixed 6 byte header:

	+---------+--------+----------------+----------------------+
	| version |  type  | sequence (u16) | payload length (u16) |
	+---------+--------+----------------+----------------------+

Multi-byte fields are in network byte order.
You should never have to interact with the raw bits of the header; compose a Header and call Serialize.
*/
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rflandau/qmp/qmp/protocol/version"
	"github.com/rs/zerolog"
)

// HeaderLen is the length (in bytes) of the QMP datagram header.
const HeaderLen int = 6

// MaxDatagramSize is the size of the buffer used to hold incoming datagrams.
// QMP payloads are tiny; anything larger than this is truncated on receipt and rejected.
const MaxDatagramSize int = 512

// Supported is the set of protocol versions this implementation speaks.
var Supported = version.NewSet(version.Version{Major: 1, Minor: 0})

// HighestSupported is the version outgoing datagrams are stamped with.
var HighestSupported = Supported.HighestSupported()

// Type enumerates the kinds of datagram.
type Type uint8

const (
	// Sent by the bridge when it requests a channel, to confirm the remote is listening.
	Hello Type = iota + 1
	// Sent by the remote in response to a HELLO.
	HelloAck
	// Carries a padded packet from the bridge to the remote.
	Message
	// Sent by the remote once it has accepted the MESSAGE with the same sequence number.
	Ack
	// Sent by the remote to refuse a datagram. The payload is a fault body (see fault.go).
	Fault
)

func (t Type) String() string {
	switch t {
	case Hello:
		return "HELLO"
	case HelloAck:
		return "HELLO_ACK"
	case Message:
		return "MESSAGE"
	case Ack:
		return "ACK"
	case Fault:
		return "FAULT"
	}
	return "UNKNOWN"
}

// A Header represents a deconstructed QMP datagram header.
// The state of a Header is never guaranteed; call .Validate() to verify before using.
type Header struct {
	Version version.Version
	Type    Type
	// Sequence number of the exchange. Responses echo the sequence number of their request.
	Seq uint16
	// Length (in bytes) of the payload that follows the header.
	PayloadLength uint16
}

//#region errors

var (
	ErrUnsupportedVersion = errors.New("version is not supported")
	ErrInvalidType        = errors.New("type must be an enumerated datagram type")
	ErrPayloadMismatch    = errors.New("payload length does not match the header")
	ErrShortHeader        = errors.New("datagram is shorter than the header")
)

//#endregion errors

// Serialize returns the header in network byte order.
//
// NOTE: Does NOT imply .Validate(); an invalid header serializes just fine.
func (hdr *Header) Serialize() ([]byte, error) {
	out := make([]byte, 0, HeaderLen)
	out = append(out, hdr.Version.Byte(), byte(hdr.Type))
	out = binary.BigEndian.AppendUint16(out, hdr.Seq)
	out = binary.BigEndian.AppendUint16(out, hdr.PayloadLength)
	if len(out) != HeaderLen {
		return nil, fmt.Errorf("encoded %d bytes, expected %d", len(out), HeaderLen)
	}
	return out, nil
}

// Deserialize populates hdr's fields from the given reader, clobbering existing data.
// Reads exactly HeaderLen bytes; does not validate fields or drain rd.
//
// If an error occurs, hdr is left untouched.
func (hdr *Header) Deserialize(rd io.Reader) error {
	var buf [HeaderLen]byte
	if _, err := io.ReadFull(rd, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrShortHeader
		}
		return err
	}
	hdr.Version = version.FromByte(buf[0])
	hdr.Type = Type(buf[1])
	hdr.Seq = binary.BigEndian.Uint16(buf[2:4])
	hdr.PayloadLength = binary.BigEndian.Uint16(buf[4:6])
	return nil
}

// Validate tests each field in header, returning a list of issues.
func (hdr *Header) Validate() (errs []error) {
	if !Supported.Supports(hdr.Version) {
		errs = append(errs, ErrUnsupportedVersion)
	}
	if hdr.Type.String() == "UNKNOWN" {
		errs = append(errs, ErrInvalidType)
	}
	return errs
}

// Zerolog attaches header's fields to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (hdr *Header) Zerolog(ev *zerolog.Event) {
	ev.Str("version", hdr.Version.String()).
		Str("type", hdr.Type.String()).
		Uint16("seq", hdr.Seq).
		Uint16("payload length", hdr.PayloadLength)
}

// Frame composes a complete datagram: a header of the given type and sequence followed by payload.
// The header is stamped with HighestSupported.
func Frame(typ Type, seq uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxDatagramSize-HeaderLen {
		return nil, fmt.Errorf("payload of %d bytes does not fit in a datagram", len(payload))
	}
	hdr := Header{Version: HighestSupported, Type: typ, Seq: seq, PayloadLength: uint16(len(payload))}
	b, err := hdr.Serialize()
	if err != nil {
		return nil, err
	}
	return append(b, payload...), nil
}

// Split breaks a received datagram into its header and payload.
// The payload aliases dgram.
//
// Does NOT validate the header, but does ensure the payload length matches what the header declares.
func Split(dgram []byte) (Header, []byte, error) {
	var hdr Header
	if err := hdr.Deserialize(bytes.NewReader(dgram)); err != nil {
		return hdr, nil, err
	}
	payload := dgram[HeaderLen:]
	if int(hdr.PayloadLength) != len(payload) {
		return hdr, nil, fmt.Errorf("%w (declared %d, carried %d)", ErrPayloadMismatch, hdr.PayloadLength, len(payload))
	}
	return hdr, payload, nil
}
