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

// Package dtb decodes and encodes flattened device trees.
//
// Trees are held as an arena of nodes referenced by index: a device tree is
// a graph with back-references (phandles), so nodes never own each other.
// Index 0 is always the root node.
package dtb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	magic = 0xd00dfeed

	tagBeginNode = 0x1
	tagEndNode   = 0x2
	tagProp      = 0x3
	tagNop       = 0x4
	tagEnd       = 0x9

	// headerLen is the v17 header size in bytes.
	headerLen = 40

	version        = 17
	lastCompatible = 16
)

// ErrMalformedDeviceTree is returned for any structural defect in a
// flattened device tree blob.
var ErrMalformedDeviceTree = errors.New("malformed device tree")

type header struct {
	Magic        uint32
	TotalSize    uint32
	OffDtStruct  uint32
	OffDtStrings uint32
	OffMemRsvmap uint32

	Version               uint32
	LastCompatibleVersion uint32

	BootCpuidPhys uint32
	SizeDtStrings uint32
	SizeDtStruct  uint32
}

// Property is a single device tree property. Values are raw bytes in the
// tree's big-endian cell encoding.
type Property struct {
	Name  string
	Value []byte
}

// Node is a device tree node within a Tree arena. The root node has an
// empty name and Parent == -1.
type Node struct {
	Name       string
	Parent     int
	Children   []int
	Properties []Property
}

// Tree is a device tree held as an arena of nodes in document order.
type Tree struct {
	Nodes []Node

	// ReserveMap holds the (address, size) memory reservation entries.
	ReserveMap [][2]uint64
}

// Parse decodes a flattened device tree blob. Any structural defect is a
// hard failure, there is no partial result.
func Parse(data []byte) (*Tree, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes is too short for a header", ErrMalformedDeviceTree, len(data))
	}

	var h header
	if err := binary.Read(bytes.NewReader(data[:headerLen]), binary.BigEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDeviceTree, err)
	}
	if h.Magic != magic {
		return nil, fmt.Errorf("%w: bad magic %#x", ErrMalformedDeviceTree, h.Magic)
	}
	if uint64(h.TotalSize) > uint64(len(data)) || h.TotalSize < headerLen {
		return nil, fmt.Errorf("%w: total size %#x outside blob of %d bytes", ErrMalformedDeviceTree, h.TotalSize, len(data))
	}
	if h.LastCompatibleVersion > version {
		return nil, fmt.Errorf("%w: incompatible version %d (last compatible %d)", ErrMalformedDeviceTree, h.Version, h.LastCompatibleVersion)
	}
	if h.OffDtStruct >= h.TotalSize || h.OffDtStrings > h.TotalSize || h.OffMemRsvmap >= h.TotalSize {
		return nil, fmt.Errorf("%w: block offsets outside total size %#x", ErrMalformedDeviceTree, h.TotalSize)
	}

	data = data[:h.TotalSize]

	t := &Tree{}
	if err := t.parseReserveMap(data, int(h.OffMemRsvmap)); err != nil {
		return nil, err
	}
	if err := t.parseStruct(data, int(h.OffDtStruct), int(h.OffDtStrings)); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) parseReserveMap(data []byte, off int) error {
	for {
		if off+16 > len(data) {
			return fmt.Errorf("%w: unterminated memory reservation block", ErrMalformedDeviceTree)
		}
		addr := binary.BigEndian.Uint64(data[off : off+8])
		size := binary.BigEndian.Uint64(data[off+8 : off+16])
		off += 16
		if addr == 0 && size == 0 {
			return nil
		}
		t.ReserveMap = append(t.ReserveMap, [2]uint64{addr, size})
	}
}

func (t *Tree) parseStruct(data []byte, cur, strOff int) error {
	readWord := func() (uint32, error) {
		if cur+4 > len(data) {
			return 0, fmt.Errorf("%w: truncated structure block", ErrMalformedDeviceTree)
		}
		w := binary.BigEndian.Uint32(data[cur : cur+4])
		cur += 4
		return w, nil
	}

	// stack holds the indices of the currently open nodes.
	var stack []int

	for {
		tag, err := readWord()
		if err != nil {
			return err
		}

		switch tag {
		case tagBeginNode:
			nameLen := bytes.IndexByte(data[cur:], 0)
			if nameLen < 0 {
				return fmt.Errorf("%w: unterminated node name", ErrMalformedDeviceTree)
			}
			n := Node{
				Name:   string(data[cur : cur+nameLen]),
				Parent: -1,
			}
			cur = align(cur+nameLen+1, 4)

			if len(t.Nodes) == 0 {
				if n.Name != "" {
					return fmt.Errorf("%w: root node has a name %q", ErrMalformedDeviceTree, n.Name)
				}
			} else {
				if len(stack) == 0 {
					return fmt.Errorf("%w: multiple root nodes", ErrMalformedDeviceTree)
				}
				n.Parent = stack[len(stack)-1]
			}

			idx := len(t.Nodes)
			t.Nodes = append(t.Nodes, n)
			if n.Parent >= 0 {
				t.Nodes[n.Parent].Children = append(t.Nodes[n.Parent].Children, idx)
			}
			stack = append(stack, idx)

		case tagEndNode:
			if len(stack) == 0 {
				return fmt.Errorf("%w: unbalanced node end", ErrMalformedDeviceTree)
			}
			stack = stack[:len(stack)-1]

		case tagProp:
			if len(stack) == 0 {
				return fmt.Errorf("%w: property outside any node", ErrMalformedDeviceTree)
			}
			propLen, err := readWord()
			if err != nil {
				return err
			}
			nameOff, err := readWord()
			if err != nil {
				return err
			}
			if cur+int(propLen) > len(data) {
				return fmt.Errorf("%w: property value of %d bytes is truncated", ErrMalformedDeviceTree, propLen)
			}
			name, err := propName(data, strOff+int(nameOff))
			if err != nil {
				return err
			}
			value := make([]byte, propLen)
			copy(value, data[cur:cur+int(propLen)])
			cur = align(cur+int(propLen), 4)

			idx := stack[len(stack)-1]
			t.Nodes[idx].Properties = append(t.Nodes[idx].Properties, Property{Name: name, Value: value})

		case tagNop:

		case tagEnd:
			if len(stack) != 0 {
				return fmt.Errorf("%w: %d unterminated nodes at end of structure block", ErrMalformedDeviceTree, len(stack))
			}
			if len(t.Nodes) == 0 {
				return fmt.Errorf("%w: no root node", ErrMalformedDeviceTree)
			}
			return nil

		default:
			return fmt.Errorf("%w: unknown structure tag %#x", ErrMalformedDeviceTree, tag)
		}
	}
}

func propName(data []byte, off int) (string, error) {
	if off >= len(data) {
		return "", fmt.Errorf("%w: property name offset %#x outside strings block", ErrMalformedDeviceTree, off)
	}
	l := bytes.IndexByte(data[off:], 0)
	if l < 0 {
		return "", fmt.Errorf("%w: unterminated property name", ErrMalformedDeviceTree)
	}
	return string(data[off : off+l]), nil
}

func align(x, a int) int {
	return (x + a - 1) &^ (a - 1)
}

// Property returns the named property of node idx.
func (t *Tree) Property(idx int, name string) ([]byte, bool) {
	for _, p := range t.Nodes[idx].Properties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}

// PropertyString returns a NUL-terminated string property.
func (t *Tree) PropertyString(idx int, name string) (string, bool) {
	v, ok := t.Property(idx, name)
	if !ok || len(v) == 0 || v[len(v)-1] != 0 {
		return "", false
	}
	return string(v[:len(v)-1]), true
}

// PropertyU32 returns a single-cell property.
func (t *Tree) PropertyU32(idx int, name string) (uint32, bool) {
	v, ok := t.Property(idx, name)
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// Cells splits a property value into 32-bit cells. Returns false if the
// value is not cell-aligned.
func Cells(value []byte) ([]uint32, bool) {
	if len(value)%4 != 0 {
		return nil, false
	}
	cells := make([]uint32, len(value)/4)
	for i := range cells {
		cells[i] = binary.BigEndian.Uint32(value[i*4:])
	}
	return cells, true
}

// Compatible returns the compatible string list of node idx.
func (t *Tree) Compatible(idx int) []string {
	v, ok := t.Property(idx, "compatible")
	if !ok || len(v) == 0 {
		return nil
	}
	return strings.Split(strings.TrimRight(string(v), "\x00"), "\x00")
}

// Phandle returns the phandle of node idx, if any.
func (t *Tree) Phandle(idx int) (uint32, bool) {
	if ph, ok := t.PropertyU32(idx, "phandle"); ok {
		return ph, true
	}
	// legacy spelling
	return t.PropertyU32(idx, "linux,phandle")
}

// PhandleTarget resolves a phandle to its node index, or -1.
func (t *Tree) PhandleTarget(ph uint32) int {
	for idx := range t.Nodes {
		if got, ok := t.Phandle(idx); ok && got == ph {
			return idx
		}
	}
	return -1
}

// Path returns the absolute path of node idx.
func (t *Tree) Path(idx int) string {
	if idx == 0 {
		return "/"
	}
	var parts []string
	for i := idx; i > 0; i = t.Nodes[i].Parent {
		parts = append(parts, t.Nodes[i].Name)
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(parts[i])
	}
	return b.String()
}

// NodeByPath resolves an absolute path to a node index, or -1.
func (t *Tree) NodeByPath(path string) int {
	if len(t.Nodes) == 0 || !strings.HasPrefix(path, "/") {
		return -1
	}
	idx := 0
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		next := -1
		for _, c := range t.Nodes[idx].Children {
			if t.Nodes[c].Name == part {
				next = c
				break
			}
		}
		if next < 0 {
			return -1
		}
		idx = next
	}
	return idx
}

// Child returns the named child of node idx, or -1.
func (t *Tree) Child(idx int, name string) int {
	for _, c := range t.Nodes[idx].Children {
		if t.Nodes[c].Name == name {
			return c
		}
	}
	return -1
}

// RegRange is a single (address, size) window from a reg property.
type RegRange struct {
	Addr uint64
	Size uint64
}

// Contains reports whether r is fully contained in o.
func (r RegRange) ContainedIn(o RegRange) bool {
	return r.Addr >= o.Addr && r.Addr+r.Size <= o.Addr+o.Size
}

// addressCells returns the #address-cells / #size-cells values governing
// children of node idx, with the standard defaults of 2 and 1.
func (t *Tree) addressCells(idx int) (addr, size int) {
	addr, size = 2, 1
	if v, ok := t.PropertyU32(idx, "#address-cells"); ok {
		addr = int(v)
	}
	if v, ok := t.PropertyU32(idx, "#size-cells"); ok {
		size = int(v)
	}
	return addr, size
}

// RegRanges decodes the reg property of node idx under its parent's
// addressing scheme.
func (t *Tree) RegRanges(idx int) ([]RegRange, error) {
	v, ok := t.Property(idx, "reg")
	if !ok {
		return nil, nil
	}
	parent := t.Nodes[idx].Parent
	if parent < 0 {
		parent = 0
	}
	addrCells, sizeCells := t.addressCells(parent)
	if addrCells < 1 || addrCells > 2 || sizeCells < 0 || sizeCells > 2 {
		return nil, fmt.Errorf("%w: node %s has unsupported #address-cells=%d/#size-cells=%d", ErrMalformedDeviceTree, t.Path(idx), addrCells, sizeCells)
	}

	cells, ok := Cells(v)
	if !ok {
		return nil, fmt.Errorf("%w: node %s has a misaligned reg property", ErrMalformedDeviceTree, t.Path(idx))
	}
	stride := addrCells + sizeCells
	if stride == 0 || len(cells)%stride != 0 {
		return nil, fmt.Errorf("%w: node %s reg property of %d cells does not match stride %d", ErrMalformedDeviceTree, t.Path(idx), len(cells), stride)
	}

	var ranges []RegRange
	for i := 0; i < len(cells); i += stride {
		var r RegRange
		for j := 0; j < addrCells; j++ {
			r.Addr = r.Addr<<32 | uint64(cells[i+j])
		}
		for j := 0; j < sizeCells; j++ {
			r.Size = r.Size<<32 | uint64(cells[i+addrCells+j])
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}
