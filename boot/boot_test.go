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

package boot

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/guardedvm/pvmfw/assignment"
	"github.com/guardedvm/pvmfw/config"
	"github.com/guardedvm/pvmfw/dice"
	"github.com/guardedvm/pvmfw/dtb"
)

const (
	smmuBase  = 0x5000000
	chainBase = 0x7fee0000
)

// hostTree is a host device tree with one IOMMU and a few peripherals.
func hostTree() *dtb.Tree {
	t := dtb.NewTree()
	t.SetProperty(0, "#address-cells", dtb.U32Value(2))
	t.SetProperty(0, "#size-cells", dtb.U32Value(2))

	smmu := t.AddNode(0, "smmu@5000000")
	t.SetProperty(smmu, "compatible", dtb.StringValue("arm,smmu-v3"))
	t.SetProperty(smmu, "reg", dtb.CellsValue(0, smmuBase, 0, 0x10000))
	t.SetProperty(smmu, "phandle", dtb.U32Value(1))

	gpu := t.AddNode(0, "gpu@8000000")
	t.SetProperty(gpu, "compatible", dtb.StringValue("vendor,gpu"))
	t.SetProperty(gpu, "reg", dtb.CellsValue(0, 0x8000000, 0, 0x2000))
	t.SetProperty(gpu, "iommus", dtb.CellsValue(1, 4))

	npu := t.AddNode(0, "npu@9000000")
	t.SetProperty(npu, "compatible", dtb.StringValue("vendor,npu"))
	t.SetProperty(npu, "reg", dtb.CellsValue(0, 0x9000000, 0, 0x2000))
	t.SetProperty(npu, "iommus", dtb.CellsValue(1, 4))

	eth := t.AddNode(0, "eth@c000000")
	t.SetProperty(eth, "compatible", dtb.StringValue("vendor,eth"))
	t.SetProperty(eth, "reg", dtb.CellsValue(0, 0xc000000, 0, 0x1000))

	return t
}

func gpuPolicy(t *testing.T, shared bool) []byte {
	t.Helper()
	p := &assignment.Policy{
		Devices: []assignment.AssignableDevice{
			{
				Name:       "gpu",
				Compatible: "vendor,gpu",
				Windows:    []assignment.Window{{Addr: 0x8000000, Size: 0x10000}},
				Streams:    []assignment.StreamRef{{IOMMU: smmuBase, StreamID: 4}},
			},
			{
				Name:       "npu",
				Compatible: "vendor,npu",
				Windows:    []assignment.Window{{Addr: 0x9000000, Size: 0x10000}},
				Streams:    []assignment.StreamRef{{IOMMU: smmuBase, StreamID: 4}},
			},
		},
	}
	if shared {
		p.SharedStreams = []assignment.SharedStream{
			{StreamID: 4, Devices: []string{"gpu", "npu"}},
		}
	}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal policy: %v", err)
	}
	return data
}

func rootHandover(t *testing.T) []byte {
	t.Helper()
	h := &dice.Handover{
		CDIAttest: bytes.Repeat([]byte{0xa1}, 32),
		CDISeal:   bytes.Repeat([]byte{0x5e}, 32),
	}
	enc, err := h.Encode()
	if err != nil {
		t.Fatalf("encode handover: %v", err)
	}
	return enc
}

// buildContainer assembles a boot blob and returns its header-first
// container region, the way the firmware receives it.
func buildContainer(t *testing.T, b *config.Builder) []byte {
	t.Helper()
	if b.Image == nil {
		b.Image = bytes.Repeat([]byte{0xfe}, 0x80)
	}
	blob, err := b.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	_, cfg, err := config.Split(blob, len(b.Image))
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	return cfg
}

// overlayBlob builds a single-fragment overlay setting one property on the
// node at target.
func overlayBlob(target, prop string, value []byte) []byte {
	o := dtb.NewTree()
	frag := o.AddNode(0, "fragment@0")
	o.SetProperty(frag, "target-path", dtb.StringValue(target))
	ov := o.AddNode(frag, "__overlay__")
	o.SetProperty(ov, prop, value)
	return o.Serialize()
}

func testInputs(t *testing.T, b *config.Builder) Inputs {
	t.Helper()
	measurement := sha256.Sum256([]byte("payload image"))
	return Inputs{
		Container:          buildContainer(t, b),
		HostDeviceTree:     hostTree().Serialize(),
		Descriptor:         &dice.ConfigDescriptor{ComponentName: "vm_entry"},
		PayloadMeasurement: measurement[:],
		ChainRegionBase:    chainBase,
	}
}

func mustBoot(t *testing.T, cfg Config, in Inputs) *Handoff {
	t.Helper()
	o := New(cfg)
	h, err := o.Boot(in)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if got := o.State(); got != StateHandedOff {
		t.Fatalf("state %s, want HandedOff", got)
	}
	return h
}

func mustHalt(t *testing.T, cfg Config, in Inputs, want error) {
	t.Helper()
	o := New(cfg)
	h, err := o.Boot(in)
	if h != nil {
		t.Fatal("halted boot produced a handoff")
	}
	if !errors.Is(err, want) {
		t.Fatalf("Boot: %v, want %v", err, want)
	}
	if got := o.State(); got != StateHalted {
		t.Errorf("state %s, want Halted", got)
	}
	if !errors.Is(o.HaltReason(), want) {
		t.Errorf("HaltReason: %v, want %v", o.HaltReason(), want)
	}
}

func TestBootHandsOffContainerV1_0(t *testing.T) {
	cfg := Config{PolicyData: gpuPolicy(t, true), DeviceAssignment: true}
	in := testInputs(t, &config.Builder{
		Version:    config.Version1_0,
		ChainInput: rootHandover(t),
	})

	h := mustBoot(t, cfg, in)
	if h.Debuggable {
		t.Error("handoff unexpectedly debuggable")
	}

	tree, err := dtb.Parse(h.DeviceTree)
	if err != nil {
		t.Fatalf("parse handoff tree: %v", err)
	}
	if tree.NodeByPath("/gpu@8000000") < 0 {
		t.Error("assigned gpu missing from handoff tree")
	}
	if tree.NodeByPath("/eth@c000000") != -1 {
		t.Error("unassigned eth leaked into handoff tree")
	}

	// The chain handoff region is advertised to the next stage.
	rsv := tree.NodeByPath(fmt.Sprintf("/reserved-memory/dice@%x", uint64(chainBase)))
	if rsv < 0 {
		t.Fatal("chain reserved-memory node missing")
	}
	if got := tree.Compatible(rsv); len(got) != 1 || got[0] != "google,open-dice" {
		t.Errorf("reserved node compatible = %v", got)
	}

	chain, err := dice.ParseHandover(h.Chain)
	if err != nil {
		t.Fatalf("parse handoff chain: %v", err)
	}
	if len(chain.Chain) != 1 {
		t.Errorf("chain has %d layers, want 1", len(chain.Chain))
	}
}

func TestBootAppliesOverlayV1_1(t *testing.T) {
	cfg := Config{PolicyData: gpuPolicy(t, true), DeviceAssignment: true}
	in := testInputs(t, &config.Builder{
		Version:    config.Version1_1,
		ChainInput: rootHandover(t),
		DTBOverlay: overlayBlob("/gpu@8000000", "vendor,assigned", dtb.U32Value(1)),
	})

	h := mustBoot(t, cfg, in)
	tree, err := dtb.Parse(h.DeviceTree)
	if err != nil {
		t.Fatalf("parse handoff tree: %v", err)
	}
	gpu := tree.NodeByPath("/gpu@8000000")
	if gpu < 0 {
		t.Fatal("gpu missing from handoff tree")
	}
	if v, ok := tree.PropertyU32(gpu, "vendor,assigned"); !ok || v != 1 {
		t.Errorf("overlay property not applied, got (%d, %v)", v, ok)
	}
}

func TestBootHaltsOnUnsupportedVersion(t *testing.T) {
	in := testInputs(t, &config.Builder{
		Version:    config.Version1_0,
		ChainInput: rootHandover(t),
	})
	// Corrupt the packed version field to (0, 0).
	container := append([]byte(nil), in.Container...)
	binary.LittleEndian.PutUint32(container[4:8], 0)
	in.Container = container

	mustHalt(t, Config{}, in, config.ErrUnsupportedVersion)
}

func TestBootSharedStreamGating(t *testing.T) {
	in := testInputs(t, &config.Builder{
		Version:    config.Version1_0,
		ChainInput: rootHandover(t),
	})

	t.Run("declared sharing accepted", func(t *testing.T) {
		h := mustBoot(t, Config{PolicyData: gpuPolicy(t, true), DeviceAssignment: true}, in)
		tree, err := dtb.Parse(h.DeviceTree)
		if err != nil {
			t.Fatalf("parse handoff tree: %v", err)
		}
		for _, path := range []string{"/gpu@8000000", "/npu@9000000"} {
			if tree.NodeByPath(path) < 0 {
				t.Errorf("%s missing despite declared sharing", path)
			}
		}
	})

	t.Run("undeclared sharing halts", func(t *testing.T) {
		mustHalt(t, Config{PolicyData: gpuPolicy(t, false), DeviceAssignment: true},
			in, assignment.ErrConflict)
	})
}

func TestBootDebugPolicyGating(t *testing.T) {
	cfg := Config{PolicyData: gpuPolicy(t, true), DeviceAssignment: true}
	builder := func(flags uint32) *config.Builder {
		return &config.Builder{
			Version:     config.Version1_0,
			Flags:       flags,
			ChainInput:  rootHandover(t),
			DebugPolicy: overlayBlob("/gpu@8000000", "vendor,trace", dtb.U32Value(1)),
		}
	}

	t.Run("debuggable VM gets the policy", func(t *testing.T) {
		h := mustBoot(t, cfg, testInputs(t, builder(config.FlagVMDebuggable)))
		if !h.Debuggable {
			t.Error("handoff not marked debuggable")
		}
		tree, err := dtb.Parse(h.DeviceTree)
		if err != nil {
			t.Fatalf("parse handoff tree: %v", err)
		}
		gpu := tree.NodeByPath("/gpu@8000000")
		if v, ok := tree.PropertyU32(gpu, "vendor,trace"); !ok || v != 1 {
			t.Errorf("debug policy not applied, got (%d, %v)", v, ok)
		}
	})

	t.Run("non-debuggable VM does not", func(t *testing.T) {
		h := mustBoot(t, cfg, testInputs(t, builder(0)))
		if h.Debuggable {
			t.Error("handoff unexpectedly debuggable")
		}
		tree, err := dtb.Parse(h.DeviceTree)
		if err != nil {
			t.Fatalf("parse handoff tree: %v", err)
		}
		gpu := tree.NodeByPath("/gpu@8000000")
		if _, ok := tree.Property(gpu, "vendor,trace"); ok {
			t.Error("debug policy applied to a non-debuggable VM")
		}
	})
}

func TestBootRecoversFromMalformedDebugPolicy(t *testing.T) {
	cfg := Config{PolicyData: gpuPolicy(t, true), DeviceAssignment: true}
	h := mustBoot(t, cfg, testInputs(t, &config.Builder{
		Version:     config.Version1_0,
		Flags:       config.FlagVMDebuggable,
		ChainInput:  rootHandover(t),
		DebugPolicy: []byte("not a device tree"),
	}))

	// The boot proceeds on the unpatched tree.
	tree, err := dtb.Parse(h.DeviceTree)
	if err != nil {
		t.Fatalf("parse handoff tree: %v", err)
	}
	if tree.NodeByPath("/gpu@8000000") < 0 {
		t.Error("gpu missing from handoff tree")
	}
}

func TestBootStrictRefusesDebuggable(t *testing.T) {
	cfg := Config{PolicyData: gpuPolicy(t, true), DeviceAssignment: true, StrictBoot: true}
	in := testInputs(t, &config.Builder{
		Version:    config.Version1_0,
		Flags:      config.FlagVMDebuggable,
		ChainInput: rootHandover(t),
	})
	mustHalt(t, cfg, in, ErrStrictBoot)
}

func TestBootWithoutDeviceAssignment(t *testing.T) {
	h := mustBoot(t, Config{}, testInputs(t, &config.Builder{
		Version:    config.Version1_0,
		ChainInput: rootHandover(t),
	}))

	// The host tree passes through unfiltered.
	tree, err := dtb.Parse(h.DeviceTree)
	if err != nil {
		t.Fatalf("parse handoff tree: %v", err)
	}
	for _, path := range []string{"/gpu@8000000", "/eth@c000000"} {
		if tree.NodeByPath(path) < 0 {
			t.Errorf("%s missing from unfiltered tree", path)
		}
	}
}

func TestBootHaltsOnMalformedChainInput(t *testing.T) {
	in := testInputs(t, &config.Builder{
		Version:    config.Version1_0,
		ChainInput: []byte{0xff, 0x13},
	})
	mustHalt(t, Config{}, in, dice.ErrDerivation)
}

func TestBootIsSingleShot(t *testing.T) {
	o := New(Config{})
	in := testInputs(t, &config.Builder{
		Version:    config.Version1_0,
		ChainInput: rootHandover(t),
	})
	if _, err := o.Boot(in); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if _, err := o.Boot(in); err == nil {
		t.Fatal("second Boot on the same orchestrator succeeded")
	}
}
