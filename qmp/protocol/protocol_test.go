package protocol_test

import (
	"bytes"
	"errors"
	"math"
	"slices"
	"testing"

	. "github.com/rflandau/qmp/internal/testsupport"
	"github.com/rflandau/qmp/qmp/protocol"
	"github.com/rflandau/qmp/qmp/protocol/version"
	"google.golang.org/protobuf/encoding/protowire"
)

// Tests that Serialize puts out the expected byte string from a given header struct and that Deserialize recovers it.
func TestHeader_SerializeDeserialize(t *testing.T) {
	tests := []struct {
		name     string
		hdr      protocol.Header
		want     []byte
		invalids []error
	}{
		{"all zeros",
			protocol.Header{},
			[]byte{0, 0, 0, 0, 0, 0},
			[]error{protocol.ErrUnsupportedVersion, protocol.ErrInvalidType}},
		{"1.0 HELLO",
			protocol.Header{Version: version.Version{Major: 1}, Type: protocol.Hello},
			[]byte{0x10, 0x1, 0, 0, 0, 0},
			nil},
		{"1.0 MESSAGE seq=258 len=8",
			protocol.Header{Version: version.Version{Major: 1}, Type: protocol.Message, Seq: 258, PayloadLength: 8},
			[]byte{0x10, 0x3, 0x1, 0x2, 0x0, 0x8},
			nil},
		{"max seq and length",
			protocol.Header{Version: version.Version{Major: 1}, Type: protocol.Ack, Seq: math.MaxUint16, PayloadLength: math.MaxUint16},
			[]byte{0x10, 0x4, 0xFF, 0xFF, 0xFF, 0xFF},
			nil},
		{"3.13 FAULT",
			protocol.Header{Version: version.Version{Major: 3, Minor: 13}, Type: protocol.Fault},
			[]byte{0x3D, 0x5, 0, 0, 0, 0},
			[]error{protocol.ErrUnsupportedVersion}},
		{"unknown type",
			protocol.Header{Version: version.Version{Major: 1}, Type: 0x7F},
			[]byte{0x10, 0x7F, 0, 0, 0, 0},
			[]error{protocol.ErrInvalidType}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.hdr.Serialize()
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(b, tt.want) {
				t.Fatal("incorrect serialization", ExpectedActual(tt.want, b))
			}
			var got protocol.Header
			if err := got.Deserialize(bytes.NewReader(b)); err != nil {
				t.Fatal(err)
			}
			if got != tt.hdr {
				t.Error("deserialized header does not match", ExpectedActual(tt.hdr, got))
			}
			invalids := got.Validate()
			if len(invalids) != len(tt.invalids) {
				t.Fatal("incorrect validation errors", ExpectedActual(tt.invalids, invalids))
			}
			for _, want := range tt.invalids {
				if !slices.Contains(invalids, want) {
					t.Error("missing validation error", ExpectedActual(want, invalids))
				}
			}
		})
	}
}

func TestHeader_DeserializeShort(t *testing.T) {
	for i := range protocol.HeaderLen {
		hdr := protocol.Header{Seq: 99}
		if err := hdr.Deserialize(bytes.NewReader(make([]byte, i))); !errors.Is(err, protocol.ErrShortHeader) {
			t.Errorf("%d byte input: %s", i, ExpectedActual(protocol.ErrShortHeader, err))
		}
		if hdr.Seq != 99 {
			t.Errorf("%d byte input clobbered the header", i)
		}
	}
}

func TestFrameSplit(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 0, 0, 0}
	dgram, err := protocol.Frame(protocol.Message, 42, payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(dgram) != protocol.HeaderLen+len(payload) {
		t.Fatal("incorrect datagram length", ExpectedActual(protocol.HeaderLen+len(payload), len(dgram)))
	}
	hdr, body, err := protocol.Split(dgram)
	if err != nil {
		t.Fatal(err)
	}
	if errs := hdr.Validate(); len(errs) != 0 {
		t.Fatal("framed header is invalid: ", errs)
	}
	if hdr.Type != protocol.Message || hdr.Seq != 42 || hdr.Version != protocol.HighestSupported {
		t.Error("incorrect header", ExpectedActual(protocol.Header{Version: protocol.HighestSupported, Type: protocol.Message, Seq: 42, PayloadLength: 8}, hdr))
	}
	if !bytes.Equal(body, payload) {
		t.Error("incorrect payload", ExpectedActual(payload, body))
	}

	t.Run("length mismatch", func(t *testing.T) {
		if _, _, err := protocol.Split(dgram[:len(dgram)-1]); !errors.Is(err, protocol.ErrPayloadMismatch) {
			t.Error(ExpectedActual(protocol.ErrPayloadMismatch, err))
		}
	})
	t.Run("short", func(t *testing.T) {
		if _, _, err := protocol.Split(dgram[:3]); !errors.Is(err, protocol.ErrShortHeader) {
			t.Error(ExpectedActual(protocol.ErrShortHeader, err))
		}
	})
	t.Run("oversized payload", func(t *testing.T) {
		if _, err := protocol.Frame(protocol.Message, 0, make([]byte, protocol.MaxDatagramSize)); err == nil {
			t.Error("expected an error framing an oversized payload")
		}
	})
}

func TestFaultBody(t *testing.T) {
	tests := []protocol.FaultBody{
		{},
		{Errno: protocol.ErrnoMisaligned},
		{Errno: protocol.ErrnoTooLarge, Reason: "payload of 100 bytes exceeds 96"},
		{Errno: 9999, Reason: "future errno"},
	}
	for _, want := range tests {
		t.Run(want.Errno.String(), func(t *testing.T) {
			got, err := protocol.UnmarshalFault(want.Marshal())
			if err != nil {
				t.Fatal(err)
			}
			if got != want {
				t.Error(ExpectedActual(want, got))
			}
			if !errors.Is(got, protocol.FaultBody{Errno: want.Errno, Reason: "ignored"}) {
				t.Error("errors.Is should match on errno alone")
			}
		})
	}

	t.Run("unknown fields are skipped", func(t *testing.T) {
		b := protowire.AppendTag(nil, 7, protowire.BytesType)
		b = protowire.AppendString(b, "extension")
		b = append(b, protocol.FaultBody{Errno: protocol.ErrnoBusy}.Marshal()...)
		got, err := protocol.UnmarshalFault(b)
		if err != nil {
			t.Fatal(err)
		}
		if got.Errno != protocol.ErrnoBusy {
			t.Error(ExpectedActual(protocol.ErrnoBusy, got.Errno))
		}
	})
	t.Run("truncated", func(t *testing.T) {
		b := protocol.FaultBody{Errno: protocol.ErrnoBusy, Reason: "slow down"}.Marshal()
		if _, err := protocol.UnmarshalFault(b[:len(b)-2]); err == nil {
			t.Error("expected an error decoding a truncated body")
		}
	})
	t.Run("FaultFrom", func(t *testing.T) {
		if _, err := protocol.FaultFrom(protocol.Header{Type: protocol.Ack}, nil); !errors.Is(err, protocol.ErrNotFault) {
			t.Error(ExpectedActual(protocol.ErrNotFault, err))
		}
	})
}
