// Package version tracks which revisions of the QMP datagram protocol a node speaks.
// A Set holds every supported revision; a Version is a single major+minor that can be checked against a Set.
package version

import (
	"errors"
	"slices"
	"strconv"
)

// Version is a protocol revision.
// Only the 4 least-significant bits of each field survive serialization.
type Version struct {
	Major uint8
	Minor uint8
}

// Byte returns the version as a single byte.
// The most-significant nibble is major; the rest are minor.
// Ex: 0b 0010 0001 equates to version 2.1
func (v Version) Byte() byte {
	return v.Major<<4 | v.Minor&0b00001111
}

// String renders the version as "major.minor".
func (v Version) String() string {
	return strconv.Itoa(int(v.Major)) + "." + strconv.Itoa(int(v.Minor))
}

// New returns a version after ensuring that major and minor can each fit into a nibble.
func New(major, minor uint8) (Version, error) {
	if major > 15 {
		return Version{}, errors.New("major must be able to fit into a nibble (4 bits, <= 0xF)")
	} else if minor > 15 {
		return Version{}, errors.New("minor must be able to fit into a nibble (4 bits, <= 0xF)")
	}
	return Version{major, minor}, nil
}

// FromByte splits the byte into two nibbles, setting them to major and minor respectively.
func FromByte(b byte) Version {
	return Version{b >> 4, b & 0b00001111}
}

// A Set is a collection of versions.
// Sets are not safe for concurrent mutation; they are built once and then only read.
type Set struct {
	all     map[uint8][]uint8 // major -> minors
	highest Version
}

// NewSet catalogs the given versions.
func NewSet(vs ...Version) Set {
	s := Set{all: make(map[uint8][]uint8)}
	for _, v := range vs {
		if !slices.Contains(s.all[v.Major], v.Minor) {
			s.all[v.Major] = append(s.all[v.Major], v.Minor)
		}
		if v.Major > s.highest.Major || (v.Major == s.highest.Major && v.Minor > s.highest.Minor) {
			s.highest = v
		}
	}
	return s
}

// Supports returns if the given version is part of this Set.
func (vs Set) Supports(v Version) bool {
	return slices.Contains(vs.all[v.Major], v.Minor)
}

// HighestSupported returns the highest version in this Set.
func (vs Set) HighestSupported() Version {
	return vs.highest
}
