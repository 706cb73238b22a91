// Copyright 2025 The Guarded VM Firmware authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config implements the firmware boot container format.
//
// A boot container binds the firmware image, the attestation chain input,
// an optional debug policy and, from version 1.1, an optional device tree
// overlay into a single loadable blob:
//
//	[ image bytes ]                      -- padded to 4 KiB --
//	[ header                           ] -- padded to 8 B   --
//	[ attestation chain input bytes    ] -- padded to 8 B   --
//	[ debug policy bytes, if present   ] -- padded to 4 KiB --
//
// All header fields are little-endian 32-bit words. Section offsets are
// relative to the start of the header and 8-byte aligned.
package config

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic identifies a boot container header ("pvmf", little-endian).
	Magic = 0x666d7670

	// SectionAlignment applies to every section offset within the container.
	SectionAlignment = 8

	// BlobAlignment applies to the image region and the container end.
	BlobAlignment = 4096

	// baseHeaderWords is the v1.0 header length in 32-bit words:
	// magic, version, total size, flags, and two (offset, size) entries
	// for the chain input and the debug policy.
	baseHeaderWords = 8

	// dtboHeaderWords adds the device tree overlay (offset, size) entry
	// introduced in v1.1.
	dtboHeaderWords = 10
)

// Flag bits of the container header.
const (
	// FlagVMDebuggable marks the payload as debuggable; only then is the
	// debug policy section honored at boot.
	FlagVMDebuggable = 1 << 0
)

var (
	// ErrMalformedContainer is returned for any structural defect in a
	// container blob: bad magic, truncation, or a misaligned or
	// out-of-bounds section entry.
	ErrMalformedContainer = errors.New("malformed boot container")

	// ErrUnsupportedVersion is returned when the header version is not a
	// known released (major, minor) pair.
	ErrUnsupportedVersion = errors.New("unsupported boot container version")
)

// Version is a container format version, packed as (major << 16) | minor
// on the wire.
type Version struct {
	Major uint16
	Minor uint16
}

// Released container format versions.
var (
	// Version1_0 has the 8-word header and no device tree overlay entry.
	Version1_0 = Version{1, 0}
	// Version1_1 extends the header with a device tree overlay entry.
	Version1_1 = Version{1, 1}
)

// Versions enumerates every released container format version.
var Versions = []Version{Version1_0, Version1_1}

// ParseVersion unpacks a wire-encoded version word.
func ParseVersion(packed uint32) Version {
	return Version{
		Major: uint16(packed >> 16),
		Minor: uint16(packed),
	}
}

// Packed returns the wire encoding of v.
func (v Version) Packed() uint32 {
	return uint32(v.Major)<<16 | uint32(v.Minor)
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Supported reports whether v is a released version.
func (v Version) Supported() bool {
	for _, s := range Versions {
		if v == s {
			return true
		}
	}
	return false
}

// hasDTBO reports whether the version carries the device tree overlay
// header entry.
func (v Version) hasDTBO() bool {
	return v.Major > 1 || (v.Major == 1 && v.Minor >= 1)
}

// headerSize returns the header length in bytes for this version.
func (v Version) headerSize() int {
	if v.hasDTBO() {
		return dtboHeaderWords * 4
	}
	return baseHeaderWords * 4
}

// Entry is an (offset, size) section entry of the container header. Offsets
// are relative to the header start. A zero size means the section is absent.
type Entry struct {
	Offset uint32
	Size   uint32
}

// IsEmpty reports whether the entry describes an absent section.
func (e Entry) IsEmpty() bool {
	return e.Size == 0
}

// validate checks alignment and bounds of the entry against the container
// total size. Empty entries with a zero offset are always valid; the offset
// of a present section must be aligned, must not overlap the header, and the
// section must end within the container.
func (e Entry) validate(name string, headerSize, total uint32) error {
	if e.IsEmpty() && e.Offset == 0 {
		return nil
	}
	if e.Offset%SectionAlignment != 0 {
		return fmt.Errorf("%w: %s offset %#x not %d-byte aligned", ErrMalformedContainer, name, e.Offset, SectionAlignment)
	}
	if e.Offset < headerSize {
		return fmt.Errorf("%w: %s offset %#x overlaps header", ErrMalformedContainer, name, e.Offset)
	}
	end := uint64(e.Offset) + uint64(e.Size)
	if end > uint64(total) {
		return fmt.Errorf("%w: %s section [%#x, %#x) exceeds total size %#x", ErrMalformedContainer, name, e.Offset, end, total)
	}
	return nil
}

// Container is a parsed boot container. Section fields are views into the
// buffer given to Parse, valid for as long as that buffer is.
type Container struct {
	Version   Version
	TotalSize uint32
	Flags     uint32

	chain   Entry
	policy  Entry
	overlay Entry

	data []byte
}

// ChainInput returns the attestation chain input section, or nil if absent.
func (c *Container) ChainInput() []byte {
	return c.section(c.chain)
}

// DebugPolicy returns the debug policy section, or nil if absent.
func (c *Container) DebugPolicy() []byte {
	return c.section(c.policy)
}

// DTBOverlay returns the device tree overlay section, or nil if absent or
// not supported by the container version.
func (c *Container) DTBOverlay() []byte {
	return c.section(c.overlay)
}

// Debuggable reports whether the container marks the VM as debuggable.
func (c *Container) Debuggable() bool {
	return c.Flags&FlagVMDebuggable != 0
}

func (c *Container) section(e Entry) []byte {
	if e.IsEmpty() {
		return nil
	}
	return c.data[e.Offset : e.Offset+e.Size : e.Offset+e.Size]
}

// Parse decodes a boot container whose header starts at data[0]. It is a
// pure decode: no section bytes are copied, the returned container borrows
// data.
func Parse(data []byte) (*Container, error) {
	if len(data) < baseHeaderWords*4 {
		return nil, fmt.Errorf("%w: %d bytes is too short for a header", ErrMalformedContainer, len(data))
	}
	if m := binary.LittleEndian.Uint32(data[0:4]); m != Magic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrMalformedContainer, m)
	}

	version := ParseVersion(binary.LittleEndian.Uint32(data[4:8]))
	if !version.Supported() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, version)
	}

	headerSize := version.headerSize()
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is too short for a %s header", ErrMalformedContainer, len(data), version)
	}

	c := &Container{
		Version:   version,
		TotalSize: binary.LittleEndian.Uint32(data[8:12]),
		Flags:     binary.LittleEndian.Uint32(data[12:16]),
		data:      data,
	}

	if c.TotalSize < uint32(headerSize) {
		return nil, fmt.Errorf("%w: total size %#x smaller than header", ErrMalformedContainer, c.TotalSize)
	}
	if uint64(c.TotalSize) > uint64(len(data)) {
		return nil, fmt.Errorf("%w: total size %#x exceeds %#x available bytes", ErrMalformedContainer, c.TotalSize, len(data))
	}

	c.chain = readEntry(data, 16)
	c.policy = readEntry(data, 24)
	if version.hasDTBO() {
		c.overlay = readEntry(data, 32)
	}

	for _, s := range []struct {
		name  string
		entry Entry
	}{
		{"chain input", c.chain},
		{"debug policy", c.policy},
		{"device tree overlay", c.overlay},
	} {
		if err := s.entry.validate(s.name, uint32(headerSize), c.TotalSize); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func readEntry(data []byte, off int) Entry {
	return Entry{
		Offset: binary.LittleEndian.Uint32(data[off : off+4]),
		Size:   binary.LittleEndian.Uint32(data[off+4 : off+8]),
	}
}

// Split locates the container header within a full boot blob. The image
// occupies the first imageSize bytes and is padded to the blob alignment;
// the header follows immediately after the padding.
func Split(blob []byte, imageSize int) (image, cfg []byte, err error) {
	if imageSize <= 0 || imageSize > len(blob) {
		return nil, nil, fmt.Errorf("%w: image size %d outside blob of %d bytes", ErrMalformedContainer, imageSize, len(blob))
	}
	start := alignTo(imageSize, BlobAlignment)
	if start >= len(blob) {
		return nil, nil, fmt.Errorf("%w: no header after %d image bytes", ErrMalformedContainer, imageSize)
	}
	return blob[:imageSize], blob[start:], nil
}

func alignTo(x, size int) int {
	return (x + size - 1) &^ (size - 1)
}
