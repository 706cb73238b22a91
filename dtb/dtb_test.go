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
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// testTree builds a small but representative host tree:
//
//	/ {
//	  #address-cells = <2>; #size-cells = <2>;
//	  smmu@5000000 { compatible = "arm,smmu-v3"; reg; #iommu-cells = <1>; phandle = <1> }
//	  gpu@8000000  { compatible = "vendor,gpu"; reg; iommus = <1 4> }
//	  memory@40000000 { device_type = "memory" }
//	}
func testTree() *Tree {
	t := NewTree()
	t.SetProperty(0, "#address-cells", U32Value(2))
	t.SetProperty(0, "#size-cells", U32Value(2))

	smmu := t.AddNode(0, "smmu@5000000")
	t.SetProperty(smmu, "compatible", StringValue("arm,smmu-v3"))
	t.SetProperty(smmu, "reg", CellsValue(0, 0x5000000, 0, 0x10000))
	t.SetProperty(smmu, "#iommu-cells", U32Value(1))
	t.SetProperty(smmu, "phandle", U32Value(1))

	gpu := t.AddNode(0, "gpu@8000000")
	t.SetProperty(gpu, "compatible", StringValue("vendor,gpu"))
	t.SetProperty(gpu, "reg", CellsValue(0, 0x8000000, 0, 0x2000))
	t.SetProperty(gpu, "iommus", CellsValue(1, 4))

	mem := t.AddNode(0, "memory@40000000")
	t.SetProperty(mem, "device_type", StringValue("memory"))

	return t
}

func TestRoundTrip(t *testing.T) {
	tree := testTree()
	tree.ReserveMap = [][2]uint64{{0x48000000, 0x200000}}

	parsed, err := Parse(tree.Serialize())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if diff := cmp.Diff(tree, parsed); diff != "" {
		t.Errorf("round trip diff: %s", diff)
	}
}

func TestAccessors(t *testing.T) {
	tree := testTree()

	gpu := tree.NodeByPath("/gpu@8000000")
	if gpu < 0 {
		t.Fatal("gpu node not found")
	}
	if got := tree.Path(gpu); got != "/gpu@8000000" {
		t.Errorf("Path: got %q", got)
	}
	if got := tree.Compatible(gpu); !cmp.Equal(got, []string{"vendor,gpu"}) {
		t.Errorf("Compatible: got %v", got)
	}

	ranges, err := tree.RegRanges(gpu)
	if err != nil {
		t.Fatalf("RegRanges: %v", err)
	}
	want := []RegRange{{Addr: 0x8000000, Size: 0x2000}}
	if diff := cmp.Diff(want, ranges); diff != "" {
		t.Errorf("RegRanges diff: %s", diff)
	}

	smmu := tree.PhandleTarget(1)
	if smmu < 0 || tree.Nodes[smmu].Name != "smmu@5000000" {
		t.Errorf("PhandleTarget(1): got %d", smmu)
	}
	if tree.PhandleTarget(99) != -1 {
		t.Error("PhandleTarget(99): want -1")
	}

	iommus, _ := tree.Property(gpu, "iommus")
	cells, ok := Cells(iommus)
	if !ok || !cmp.Equal(cells, []uint32{1, 4}) {
		t.Errorf("Cells(iommus): got %v, ok=%v", cells, ok)
	}
}

func TestRegRangeContainedIn(t *testing.T) {
	outer := RegRange{Addr: 0x8000000, Size: 0x10000}
	for _, test := range []struct {
		name string
		r    RegRange
		want bool
	}{
		{"identical", RegRange{0x8000000, 0x10000}, true},
		{"inner", RegRange{0x8001000, 0x1000}, true},
		{"starts before", RegRange{0x7fff000, 0x2000}, false},
		{"ends after", RegRange{0x800f000, 0x2000}, false},
		{"disjoint", RegRange{0x9000000, 0x1000}, false},
	} {
		if got := test.r.ContainedIn(outer); got != test.want {
			t.Errorf("%s: ContainedIn = %v, want %v", test.name, got, test.want)
		}
	}
}

func TestParseRejectsMalformedBlobs(t *testing.T) {
	valid := testTree().Serialize()

	for _, test := range []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{
			name:   "truncated header",
			mutate: func(b []byte) []byte { return b[:headerLen-1] },
		}, {
			name: "bad magic",
			mutate: func(b []byte) []byte {
				binary.BigEndian.PutUint32(b[0:4], 0xfeedface)
				return b
			},
		}, {
			name: "total size beyond blob",
			mutate: func(b []byte) []byte {
				binary.BigEndian.PutUint32(b[4:8], uint32(len(b))+64)
				return b
			},
		}, {
			name: "unknown structure tag",
			mutate: func(b []byte) []byte {
				off := binary.BigEndian.Uint32(b[8:12])
				binary.BigEndian.PutUint32(b[off:off+4], 0x7)
				return b
			},
		}, {
			name: "truncated structure block",
			mutate: func(b []byte) []byte {
				// Chop the blob inside the structure block, keeping the
				// header's total size consistent with the truncation.
				off := binary.BigEndian.Uint32(b[8:12])
				b = b[:off+8]
				binary.BigEndian.PutUint32(b[4:8], uint32(len(b)))
				// Strings block now out of range as well; point it at the end.
				binary.BigEndian.PutUint32(b[12:16], uint32(len(b)))
				return b
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := test.mutate(append([]byte(nil), valid...))
			if _, err := Parse(b); !errors.Is(err, ErrMalformedDeviceTree) {
				t.Errorf("Parse: got %v, want ErrMalformedDeviceTree", err)
			}
		})
	}
}

func TestApplyOverlay(t *testing.T) {
	overlay := NewTree()
	frag := overlay.AddNode(0, "fragment@0")
	overlay.SetProperty(frag, "target-path", StringValue("/gpu@8000000"))
	content := overlay.AddNode(frag, "__overlay__")
	overlay.SetProperty(content, "status", StringValue("okay"))
	ext := overlay.AddNode(content, "opp-table")
	overlay.SetProperty(ext, "opp-hz", U64Value(800000000))

	tree := testTree()
	if err := tree.ApplyOverlay(overlay); err != nil {
		t.Fatalf("ApplyOverlay: %v", err)
	}

	gpu := tree.NodeByPath("/gpu@8000000")
	if got, _ := tree.PropertyString(gpu, "status"); got != "okay" {
		t.Errorf("status: got %q, want okay", got)
	}
	opp := tree.NodeByPath("/gpu@8000000/opp-table")
	if opp < 0 {
		t.Fatal("opp-table not merged")
	}
	if v, ok := tree.Property(opp, "opp-hz"); !ok || binary.BigEndian.Uint64(v) != 800000000 {
		t.Errorf("opp-hz: got %v", v)
	}
}

func TestApplyOverlayResolvesSymbols(t *testing.T) {
	tree := testTree()
	symbols := tree.AddNode(0, "__symbols__")
	tree.SetProperty(symbols, "gpu", StringValue("/gpu@8000000"))

	overlay := NewTree()
	frag := overlay.AddNode(0, "fragment@0")
	overlay.SetProperty(frag, "target-path", StringValue("gpu"))
	content := overlay.AddNode(frag, "__overlay__")
	overlay.SetProperty(content, "assigned", nil)

	if err := tree.ApplyOverlay(overlay); err != nil {
		t.Fatalf("ApplyOverlay: %v", err)
	}
	gpu := tree.NodeByPath("/gpu@8000000")
	if _, ok := tree.Property(gpu, "assigned"); !ok {
		t.Error("assigned property not merged via symbol target")
	}
}

func TestApplyOverlayFailures(t *testing.T) {
	for _, test := range []struct {
		name  string
		build func() *Tree
	}{
		{
			name: "missing target",
			build: func() *Tree {
				o := NewTree()
				f := o.AddNode(0, "fragment@0")
				o.SetProperty(f, "target-path", StringValue("/does-not-exist"))
				o.AddNode(f, "__overlay__")
				return o
			},
		}, {
			name: "no target-path",
			build: func() *Tree {
				o := NewTree()
				f := o.AddNode(0, "fragment@0")
				o.AddNode(f, "__overlay__")
				return o
			},
		}, {
			name: "no overlay node",
			build: func() *Tree {
				o := NewTree()
				f := o.AddNode(0, "fragment@0")
				o.SetProperty(f, "target-path", StringValue("/"))
				return o
			},
		}, {
			name: "unknown symbol",
			build: func() *Tree {
				o := NewTree()
				f := o.AddNode(0, "fragment@0")
				o.SetProperty(f, "target-path", StringValue("nosuchlabel"))
				o.AddNode(f, "__overlay__")
				return o
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			tree := testTree()
			if err := tree.ApplyOverlay(test.build()); !errors.Is(err, ErrMalformedDeviceTree) {
				t.Errorf("ApplyOverlay: got %v, want ErrMalformedDeviceTree", err)
			}
		})
	}
}

func TestCopyIsDeep(t *testing.T) {
	tree := testTree()
	dup := tree.Copy()

	gpu := dup.NodeByPath("/gpu@8000000")
	dup.SetProperty(gpu, "compatible", StringValue("vendor,other"))
	dup.AddNode(0, "extra")

	orig := tree.NodeByPath("/gpu@8000000")
	if got := tree.Compatible(orig); !cmp.Equal(got, []string{"vendor,gpu"}) {
		t.Errorf("original mutated: %v", got)
	}
	if tree.NodeByPath("/extra") != -1 {
		t.Error("original grew a node")
	}
}
