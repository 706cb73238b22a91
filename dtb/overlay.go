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
	"fmt"
	"strings"
)

// ApplyOverlay merges a device tree overlay into t. Each fragment node of
// the overlay names its target by path ("target-path"), either absolute or
// as a symbol resolved through the base tree's /__symbols__ table. Fragment
// content is taken from the fragment's __overlay__ child: properties
// overwrite, children merge by name.
func (t *Tree) ApplyOverlay(overlay *Tree) error {
	if len(overlay.Nodes) == 0 {
		return fmt.Errorf("%w: empty overlay", ErrMalformedDeviceTree)
	}

	for _, f := range overlay.Nodes[0].Children {
		name := overlay.Nodes[f].Name
		if !strings.HasPrefix(name, "fragment") {
			// Metadata nodes (__symbols__, __fixups__) are not fragments.
			continue
		}

		path, ok := overlay.PropertyString(f, "target-path")
		if !ok {
			return fmt.Errorf("%w: overlay fragment %s has no target-path", ErrMalformedDeviceTree, name)
		}
		if !strings.HasPrefix(path, "/") {
			resolved, ok := t.symbol(path)
			if !ok {
				return fmt.Errorf("%w: overlay fragment %s targets unknown symbol %q", ErrMalformedDeviceTree, name, path)
			}
			path = resolved
		}

		target := t.NodeByPath(path)
		if target < 0 {
			return fmt.Errorf("%w: overlay fragment %s targets missing node %s", ErrMalformedDeviceTree, name, path)
		}

		content := overlay.Child(f, "__overlay__")
		if content < 0 {
			return fmt.Errorf("%w: overlay fragment %s has no __overlay__ node", ErrMalformedDeviceTree, name)
		}

		t.merge(target, overlay, content)
	}

	return nil
}

// symbol resolves a label through the /__symbols__ node.
func (t *Tree) symbol(label string) (string, bool) {
	symbols := t.NodeByPath("/__symbols__")
	if symbols < 0 {
		return "", false
	}
	return t.PropertyString(symbols, label)
}

// merge copies the subtree rooted at src in from into node dst of t.
func (t *Tree) merge(dst int, from *Tree, src int) {
	for _, p := range from.Nodes[src].Properties {
		t.SetProperty(dst, p.Name, append([]byte(nil), p.Value...))
	}
	for _, c := range from.Nodes[src].Children {
		name := from.Nodes[c].Name
		child := t.Child(dst, name)
		if child < 0 {
			child = t.AddNode(dst, name)
		}
		t.merge(child, from, c)
	}
}
