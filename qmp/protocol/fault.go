package protocol

import (
	"errors"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"
)

// File fault.go describes the body of FAULT datagrams.
// Fault bodies use protobuf wire encoding so the remote's firmware can decode them without generated code:
//
//	field 1 (varint): errno
//	field 2 (bytes):  human-readable reason (optional)

// Errno enumerates why the remote refused a datagram.
type Errno uint32

const (
	ErrnoUnknown Errno = iota
	ErrnoUnsupportedVersion
	ErrnoBadType
	ErrnoMalformed
	ErrnoMisaligned
	ErrnoTooLarge
	ErrnoBusy
)

func (e Errno) String() string {
	switch e {
	case ErrnoUnsupportedVersion:
		return "UNSUPPORTED_VERSION"
	case ErrnoBadType:
		return "BAD_TYPE"
	case ErrnoMalformed:
		return "MALFORMED"
	case ErrnoMisaligned:
		return "MISALIGNED"
	case ErrnoTooLarge:
		return "TOO_LARGE"
	case ErrnoBusy:
		return "BUSY"
	}
	return "UNKNOWN(" + strconv.FormatUint(uint64(e), 10) + ")"
}

const (
	faultFieldErrno  protowire.Number = 1
	faultFieldReason protowire.Number = 2
)

// FaultBody is the decoded payload of a FAULT datagram.
// It doubles as an error so transports can hand it straight back to their caller.
type FaultBody struct {
	Errno  Errno
	Reason string
}

func (f FaultBody) Error() string {
	if f.Reason != "" {
		return "remote fault " + f.Errno.String() + " (" + f.Reason + ")"
	}
	return "remote fault " + f.Errno.String()
}

// Is checks if the given error is a FaultBody with the same errno.
// It does not care about the reason.
func (f FaultBody) Is(target error) bool {
	t, ok := target.(FaultBody)
	return ok && t.Errno == f.Errno
}

// Marshal encodes the fault body.
func (f FaultBody) Marshal() []byte {
	b := protowire.AppendTag(nil, faultFieldErrno, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Errno))
	if f.Reason != "" {
		b = protowire.AppendTag(b, faultFieldReason, protowire.BytesType)
		b = protowire.AppendString(b, f.Reason)
	}
	return b
}

// UnmarshalFault decodes a fault body.
// Unknown fields are skipped.
func UnmarshalFault(b []byte) (FaultBody, error) {
	var f FaultBody
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return FaultBody{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == faultFieldErrno && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return FaultBody{}, protowire.ParseError(n)
			}
			f.Errno = Errno(v)
			b = b[n:]
		case num == faultFieldReason && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return FaultBody{}, protowire.ParseError(n)
			}
			f.Reason = s
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return FaultBody{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return f, nil
}

// ErrNotFault is returned by FaultFrom when the datagram is not a FAULT.
var ErrNotFault = errors.New("datagram is not a FAULT")

// FaultFrom decodes the fault carried by a split datagram.
func FaultFrom(hdr Header, payload []byte) (FaultBody, error) {
	if hdr.Type != Fault {
		return FaultBody{}, ErrNotFault
	}
	return UnmarshalFault(payload)
}
