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

package assignment

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/guardedvm/pvmfw/dtb"
)

// streamUse is one resolved iommus reference of a host node.
type streamUse struct {
	ref       StreamRef
	iommuNode int
}

// accepted is a host node that passed validation against its policy entry.
type accepted struct {
	node  int
	entry *AssignableDevice
	uses  []streamUse
}

// Filter validates the untrusted host device tree against the
// assignable-device policy and returns a new tree containing exactly the
// accepted nodes, their referenced IOMMU nodes, and any applied overlay
// fragments.
//
// A host node that matches no policy entry is dropped silently: the host
// legitimately describes devices not meant for this VM. Any stream-ID
// ambiguity or entry-inconsistent IOMMU reference aborts the whole
// operation with ErrConflict; no partial tree is ever returned. The overlay
// is applied strictly after validation so its content cannot mask a
// conflict.
func Filter(host, overlay *dtb.Tree, policy *Policy) (*dtb.Tree, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	var accepts []accepted
	acceptedIdx := make(map[int]*AssignableDevice)
	claimed := make(map[string]string) // entry name -> claiming node path
	sidUsers := make(map[uint32][]string)

	for idx := 1; idx < len(host.Nodes); idx++ {
		if underAccepted(host, idx, acceptedIdx) {
			continue
		}
		compatible := host.Compatible(idx)
		if len(compatible) == 0 {
			continue
		}

		regs, err := host.RegRanges(idx)
		if err != nil {
			klog.Errorf("device assignment: %v", err)
			return nil, err
		}

		entry := matchEntry(policy, compatible, regs)
		if entry == nil {
			klog.V(2).Infof("device assignment: no policy entry for %s, dropping", host.Path(idx))
			continue
		}

		// An entry describes exactly one physical device. Two host nodes
		// claiming it would collapse into one name in the stream
		// bookkeeping below, so the ambiguity is fatal.
		if prev, ok := claimed[entry.Name]; ok {
			klog.Errorf("device assignment: policy entry %q claimed by both %s and %s", entry.Name, prev, host.Path(idx))
			return nil, fmt.Errorf("%w: policy entry %q claimed by both %s and %s", ErrConflict, entry.Name, prev, host.Path(idx))
		}
		claimed[entry.Name] = host.Path(idx)

		uses, err := resolveStreams(host, idx)
		if err != nil {
			klog.Errorf("device assignment: %v", err)
			return nil, err
		}

		if len(uses) == 0 {
			if !entry.DirectAccess {
				klog.Warningf("device assignment: %s has no IOMMU reference but policy entry %q requires translation, dropping", host.Path(idx), entry.Name)
				continue
			}
		}

		for _, use := range uses {
			if !entryPermits(entry, use.ref) {
				klog.Errorf("device assignment: %s declares stream %d under IOMMU %#x, inconsistent with policy entry %q", host.Path(idx), use.ref.StreamID, use.ref.IOMMU, entry.Name)
				return nil, fmt.Errorf("%w: %s: stream %d under IOMMU %#x not granted to %q", ErrConflict, host.Path(idx), use.ref.StreamID, use.ref.IOMMU, entry.Name)
			}
		}

		accepts = append(accepts, accepted{node: idx, entry: entry, uses: uses})
		acceptedIdx[idx] = entry
		for _, use := range uses {
			sidUsers[use.ref.StreamID] = append(sidUsers[use.ref.StreamID], entry.Name)
		}
	}

	// A stream ID appearing on more than one accepted node is only valid
	// when the sharing is explicit in the policy.
	for sid, users := range sidUsers {
		if len(users) < 2 {
			continue
		}
		if !policy.sharingPermitted(sid, users) {
			klog.Errorf("device assignment: stream %d shared by %v without a sharing declaration", sid, users)
			return nil, fmt.Errorf("%w: stream %d shared by %v without a sharing declaration", ErrConflict, sid, users)
		}
		klog.Infof("device assignment: stream %d legitimately shared by %v", sid, users)
	}

	out := buildSanitized(host, accepts)

	if overlay != nil {
		if err := out.ApplyOverlay(overlay); err != nil {
			klog.Errorf("device assignment: overlay failed: %v", err)
			return nil, err
		}
	}

	for _, a := range accepts {
		klog.Infof("device assignment: accepted %s as %q", host.Path(a.node), a.entry.Name)
	}

	return out, nil
}

// underAccepted reports whether any ancestor of idx was already accepted;
// such nodes were copied verbatim with their subtree.
func underAccepted(host *dtb.Tree, idx int, acceptedIdx map[int]*AssignableDevice) bool {
	for p := host.Nodes[idx].Parent; p > 0; p = host.Nodes[p].Parent {
		if _, ok := acceptedIdx[p]; ok {
			return true
		}
	}
	return false
}

// matchEntry finds the first policy entry matching the node's compatible
// strings whose windows contain every claimed register range.
func matchEntry(policy *Policy, compatible []string, regs []dtb.RegRange) *AssignableDevice {
	for i := range policy.Devices {
		entry := &policy.Devices[i]
		if !contains(compatible, entry.Compatible) {
			continue
		}
		if !windowsContain(entry.Windows, regs) {
			continue
		}
		return entry
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func windowsContain(windows []Window, regs []dtb.RegRange) bool {
	for _, r := range regs {
		found := false
		for _, w := range windows {
			if r.ContainedIn(dtb.RegRange{Addr: w.Addr, Size: w.Size}) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// entryPermits reports whether the entry grants the resolved (IOMMU,
// stream ID) pair.
func entryPermits(entry *AssignableDevice, ref StreamRef) bool {
	for _, s := range entry.Streams {
		if s == ref {
			return true
		}
	}
	return false
}

// resolveStreams decodes the iommus property of a host node into resolved
// (IOMMU unit address, stream ID) pairs. Every phandle must resolve to a
// node with a register block; anything else means the host tree is
// malformed.
func resolveStreams(host *dtb.Tree, idx int) ([]streamUse, error) {
	v, ok := host.Property(idx, "iommus")
	if !ok {
		return nil, nil
	}
	cells, ok := dtb.Cells(v)
	if !ok || len(cells)%2 != 0 {
		return nil, fmt.Errorf("%w: node %s has a malformed iommus property", dtb.ErrMalformedDeviceTree, host.Path(idx))
	}

	var uses []streamUse
	for i := 0; i < len(cells); i += 2 {
		phandle, sid := cells[i], cells[i+1]
		target := host.PhandleTarget(phandle)
		if target < 0 {
			return nil, fmt.Errorf("%w: node %s references unknown IOMMU phandle %d", dtb.ErrMalformedDeviceTree, host.Path(idx), phandle)
		}
		regs, err := host.RegRanges(target)
		if err != nil {
			return nil, err
		}
		if len(regs) == 0 {
			return nil, fmt.Errorf("%w: IOMMU node %s has no register block", dtb.ErrMalformedDeviceTree, host.Path(target))
		}
		uses = append(uses, streamUse{
			ref:       StreamRef{IOMMU: regs[0].Addr, StreamID: sid},
			iommuNode: target,
		})
	}
	return uses, nil
}

// buildSanitized assembles the output tree: the host root properties, the
// accepted nodes with their subtrees, and the IOMMU nodes they reference.
func buildSanitized(host *dtb.Tree, accepts []accepted) *dtb.Tree {
	out := dtb.NewTree()
	for _, p := range host.Nodes[0].Properties {
		out.SetProperty(0, p.Name, append([]byte(nil), p.Value...))
	}

	copied := make(map[int]int) // host index -> output index
	copied[0] = 0

	for _, a := range accepts {
		copySubtree(host, out, a.node, copied)
		for _, use := range a.uses {
			copySubtree(host, out, use.iommuNode, copied)
		}
	}

	return out
}

// copySubtree copies the node and its whole subtree into out, materializing
// any missing ancestors (with their properties, but not their other
// children) along the way.
func copySubtree(host *dtb.Tree, out *dtb.Tree, idx int, copied map[int]int) int {
	if o, ok := copied[idx]; ok {
		return o
	}

	parent := copyAncestor(host, out, host.Nodes[idx].Parent, copied)
	o := out.AddNode(parent, host.Nodes[idx].Name)
	copied[idx] = o
	for _, p := range host.Nodes[idx].Properties {
		out.SetProperty(o, p.Name, append([]byte(nil), p.Value...))
	}
	for _, c := range host.Nodes[idx].Children {
		// A descendant that declares its own device identity or IOMMU
		// references is a distinct device, not part of the accepted
		// node; it was never matched against the policy, so it does
		// not reach the guest.
		if _, hasCompat := host.Property(c, "compatible"); hasCompat {
			klog.Warningf("device assignment: dropping unmatched child %s of accepted node", host.Path(c))
			continue
		}
		if _, hasIOMMU := host.Property(c, "iommus"); hasIOMMU {
			klog.Warningf("device assignment: dropping child %s with unvalidated IOMMU references", host.Path(c))
			continue
		}
		copySubtree(host, out, c, copied)
	}
	return o
}

// copyAncestor materializes a bare ancestor node (name and properties only).
func copyAncestor(host *dtb.Tree, out *dtb.Tree, idx int, copied map[int]int) int {
	if o, ok := copied[idx]; ok {
		return o
	}
	parent := copyAncestor(host, out, host.Nodes[idx].Parent, copied)
	o := out.AddNode(parent, host.Nodes[idx].Name)
	copied[idx] = o
	for _, p := range host.Nodes[idx].Properties {
		out.SetProperty(o, p.Name, append([]byte(nil), p.Value...))
	}
	return o
}
