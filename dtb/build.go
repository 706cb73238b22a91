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

package dtb

import (
	"bytes"
	"encoding/binary"
)

// NewTree returns a tree holding only an empty root node.
func NewTree() *Tree {
	return &Tree{
		Nodes: []Node{{Name: "", Parent: -1}},
	}
}

// AddNode appends a child node under parent and returns its index.
func (t *Tree) AddNode(parent int, name string) int {
	idx := len(t.Nodes)
	t.Nodes = append(t.Nodes, Node{Name: name, Parent: parent})
	t.Nodes[parent].Children = append(t.Nodes[parent].Children, idx)
	return idx
}

// SetProperty sets (or replaces) a property on node idx.
func (t *Tree) SetProperty(idx int, name string, value []byte) {
	for i, p := range t.Nodes[idx].Properties {
		if p.Name == name {
			t.Nodes[idx].Properties[i].Value = value
			return
		}
	}
	t.Nodes[idx].Properties = append(t.Nodes[idx].Properties, Property{Name: name, Value: value})
}

// DeleteProperty removes a property from node idx if present.
func (t *Tree) DeleteProperty(idx int, name string) {
	props := t.Nodes[idx].Properties
	for i, p := range props {
		if p.Name == name {
			t.Nodes[idx].Properties = append(props[:i], props[i+1:]...)
			return
		}
	}
}

// U32Value encodes a single-cell property value.
func U32Value(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// U64Value encodes a two-cell property value.
func U64Value(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// StringValue encodes a NUL-terminated string property value.
func StringValue(s string) []byte {
	return append([]byte(s), 0)
}

// CellsValue encodes a multi-cell property value.
func CellsValue(cells ...uint32) []byte {
	b := make([]byte, 4*len(cells))
	for i, c := range cells {
		binary.BigEndian.PutUint32(b[i*4:], c)
	}
	return b
}

// Copy returns a deep copy of the tree.
func (t *Tree) Copy() *Tree {
	c := &Tree{
		Nodes:      make([]Node, len(t.Nodes)),
		ReserveMap: append([][2]uint64(nil), t.ReserveMap...),
	}
	for i, n := range t.Nodes {
		cn := Node{
			Name:       n.Name,
			Parent:     n.Parent,
			Children:   append([]int(nil), n.Children...),
			Properties: make([]Property, len(n.Properties)),
		}
		for j, p := range n.Properties {
			cn.Properties[j] = Property{
				Name:  p.Name,
				Value: append([]byte(nil), p.Value...),
			}
		}
		c.Nodes[i] = cn
	}
	return c
}

// Serialize emits the tree as a packed v17 flattened device tree blob.
func (t *Tree) Serialize() []byte {
	strs := &stringTable{offsets: map[string]uint32{}}

	var structBlock bytes.Buffer
	if len(t.Nodes) > 0 {
		t.writeNode(&structBlock, strs, 0)
	}
	writeWord(&structBlock, tagEnd)

	offMemRsv := uint32(align(headerLen, 8))
	memRsvLen := uint32(16 * (len(t.ReserveMap) + 1))
	offStruct := offMemRsv + memRsvLen
	offStrings := offStruct + uint32(structBlock.Len())
	total := offStrings + uint32(strs.buf.Len())

	h := header{
		Magic:                 magic,
		TotalSize:             total,
		OffDtStruct:           offStruct,
		OffDtStrings:          offStrings,
		OffMemRsvmap:          offMemRsv,
		Version:               version,
		LastCompatibleVersion: lastCompatible,
		SizeDtStrings:         uint32(strs.buf.Len()),
		SizeDtStruct:          uint32(structBlock.Len()),
	}

	var out bytes.Buffer
	_ = binary.Write(&out, binary.BigEndian, h)
	for _, r := range t.ReserveMap {
		_ = binary.Write(&out, binary.BigEndian, r[0])
		_ = binary.Write(&out, binary.BigEndian, r[1])
	}
	_ = binary.Write(&out, binary.BigEndian, [2]uint64{})
	out.Write(structBlock.Bytes())
	out.Write(strs.buf.Bytes())

	return out.Bytes()
}

func (t *Tree) writeNode(w *bytes.Buffer, strs *stringTable, idx int) {
	writeWord(w, tagBeginNode)
	w.WriteString(t.Nodes[idx].Name)
	w.WriteByte(0)
	padStruct(w)

	for _, p := range t.Nodes[idx].Properties {
		writeWord(w, tagProp)
		writeWord(w, uint32(len(p.Value)))
		writeWord(w, strs.offset(p.Name))
		w.Write(p.Value)
		padStruct(w)
	}

	for _, c := range t.Nodes[idx].Children {
		t.writeNode(w, strs, c)
	}

	writeWord(w, tagEndNode)
}

type stringTable struct {
	buf     bytes.Buffer
	offsets map[string]uint32
}

func (s *stringTable) offset(name string) uint32 {
	if off, ok := s.offsets[name]; ok {
		return off
	}
	off := uint32(s.buf.Len())
	s.offsets[name] = off
	s.buf.WriteString(name)
	s.buf.WriteByte(0)
	return off
}

func writeWord(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func padStruct(w *bytes.Buffer) {
	for w.Len()%4 != 0 {
		w.WriteByte(0)
	}
}
