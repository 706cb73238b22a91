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

package config

import (
	"encoding/binary"
	"fmt"
)

// Builder assembles a boot blob: the firmware image followed by an aligned
// container header and its sections. The produced layout is byte-exact with
// the format consumed by Parse and by the integration tooling.
type Builder struct {
	Version Version
	Flags   uint32

	Image       []byte
	ChainInput  []byte
	DebugPolicy []byte
	DTBOverlay  []byte
}

// Serialize emits the full boot blob, padded to the blob alignment.
func (b *Builder) Serialize() ([]byte, error) {
	if !b.Version.Supported() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, b.Version)
	}
	if len(b.Image) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrMalformedContainer)
	}
	if b.DTBOverlay != nil && !b.Version.hasDTBO() {
		return nil, fmt.Errorf("%w: version %s cannot carry a device tree overlay", ErrMalformedContainer, b.Version)
	}

	headerSize := b.Version.headerSize()

	chain := Entry{Size: uint32(len(b.ChainInput))}
	if !chain.IsEmpty() {
		chain.Offset = uint32(alignTo(headerSize, SectionAlignment))
	}

	policy := Entry{Size: uint32(len(b.DebugPolicy))}
	if !policy.IsEmpty() {
		policy.Offset = uint32(alignTo(int(chain.Offset+chain.Size), SectionAlignment))
		if policy.Offset == 0 {
			policy.Offset = uint32(alignTo(headerSize, SectionAlignment))
		}
	}

	overlay := Entry{Size: uint32(len(b.DTBOverlay))}
	if !overlay.IsEmpty() {
		prev := chain
		if !policy.IsEmpty() {
			prev = policy
		}
		overlay.Offset = uint32(alignTo(int(prev.Offset+prev.Size), SectionAlignment))
		if overlay.Offset == 0 {
			overlay.Offset = uint32(alignTo(headerSize, SectionAlignment))
		}
	}

	total := uint32(headerSize)
	for _, e := range []Entry{chain, policy, overlay} {
		if end := e.Offset + e.Size; end > total {
			total = end
		}
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[0:4], Magic)
	binary.LittleEndian.PutUint32(header[4:8], b.Version.Packed())
	binary.LittleEndian.PutUint32(header[8:12], total)
	binary.LittleEndian.PutUint32(header[12:16], b.Flags)
	putEntry(header, 16, chain)
	putEntry(header, 24, policy)
	if b.Version.hasDTBO() {
		putEntry(header, 32, overlay)
	}

	blob := make([]byte, 0, alignTo(len(b.Image), BlobAlignment)+alignTo(int(total), BlobAlignment))
	blob = append(blob, b.Image...)
	blob = pad(blob, BlobAlignment)

	cfgStart := len(blob)
	blob = append(blob, header...)
	for _, s := range []struct {
		entry Entry
		data  []byte
	}{
		{chain, b.ChainInput},
		{policy, b.DebugPolicy},
		{overlay, b.DTBOverlay},
	} {
		if s.entry.IsEmpty() {
			continue
		}
		if gap := cfgStart + int(s.entry.Offset) - len(blob); gap > 0 {
			blob = append(blob, make([]byte, gap)...)
		}
		blob = append(blob, s.data...)
	}
	blob = pad(blob, BlobAlignment)

	return blob, nil
}

func putEntry(header []byte, off int, e Entry) {
	binary.LittleEndian.PutUint32(header[off:off+4], e.Offset)
	binary.LittleEndian.PutUint32(header[off+4:off+8], e.Size)
}

func pad(buf []byte, align int) []byte {
	if rem := len(buf) % align; rem != 0 {
		buf = append(buf, make([]byte, align-rem)...)
	}
	return buf
}
