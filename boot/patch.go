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
	"fmt"

	"k8s.io/klog/v2"

	"github.com/guardedvm/pvmfw/config"
	"github.com/guardedvm/pvmfw/dtb"
)

// chainRegionAlignment pads the advertised chain region to whole pages.
const chainRegionAlignment = 4096

// patchNextStage prepares the sanitized tree for the guest: it reserves
// the chain handoff region and, for debuggable VMs only, applies the
// container's debug-policy overlay. A malformed debug policy is dropped
// with a warning rather than halting the boot.
func (o *Orchestrator) patchNextStage(tree *dtb.Tree, c *config.Container, chainBase, chainSize uint64, debuggable bool) *dtb.Tree {
	reserveChainRegion(tree, chainBase, chainSize)

	policy := c.DebugPolicy()
	if !debuggable || len(policy) == 0 {
		return tree
	}

	patched, err := applyDebugPolicy(tree, policy)
	if err != nil {
		klog.Warningf("boot: dropping malformed debug policy: %v", err)
		return tree
	}
	klog.Infof("boot: applied debug policy overlay")
	return patched
}

// reserveChainRegion adds a reserved-memory node telling the next stage
// where the extended chain lives so it is not reclaimed as ordinary RAM.
func reserveChainRegion(tree *dtb.Tree, base, size uint64) {
	if size%chainRegionAlignment != 0 {
		size += chainRegionAlignment - size%chainRegionAlignment
	}

	rsv := tree.Child(0, "reserved-memory")
	if rsv < 0 {
		rsv = tree.AddNode(0, "reserved-memory")
		tree.SetProperty(rsv, "#address-cells", dtb.U32Value(2))
		tree.SetProperty(rsv, "#size-cells", dtb.U32Value(2))
		tree.SetProperty(rsv, "ranges", nil)
	}

	node := tree.AddNode(rsv, fmt.Sprintf("dice@%x", base))
	tree.SetProperty(node, "compatible", dtb.StringValue("google,open-dice"))
	tree.SetProperty(node, "no-map", nil)
	tree.SetProperty(node, "reg", dtb.CellsValue(
		uint32(base>>32), uint32(base),
		uint32(size>>32), uint32(size),
	))
}

// applyDebugPolicy merges the debug-policy overlay into a copy of the
// tree, leaving the original untouched so the caller can fall back to it.
func applyDebugPolicy(tree *dtb.Tree, policy []byte) (*dtb.Tree, error) {
	overlay, err := dtb.Parse(policy)
	if err != nil {
		return nil, err
	}
	patched := tree.Copy()
	if err := patched.ApplyOverlay(overlay); err != nil {
		return nil, err
	}
	return patched, nil
}
