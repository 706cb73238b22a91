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

// Package assignment validates an untrusted host device tree against the
// assignable-device policy granted to a VM and produces the sanitized
// device tree the guest is allowed to see.
//
// The filter fails closed: a host tree that cannot express an unambiguous
// device assignment rejects the whole boot rather than exposing a degraded
// device set.
package assignment

import (
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/mod/sumdb/note"
)

var (
	// ErrConflict is returned when the host device tree contains an
	// ambiguous or policy-inconsistent IOMMU/stream-ID assignment. No
	// sanitized tree is produced.
	ErrConflict = errors.New("device assignment conflict")

	// ErrInvalidPolicy is returned when the assignable-device policy
	// itself is malformed or fails signature verification.
	ErrInvalidPolicy = errors.New("invalid assignable-device policy")
)

// StreamRef identifies one IOMMU translation context: the IOMMU is named by
// the unit address of its register block, the stream ID selects the context
// within it.
type StreamRef struct {
	IOMMU    uint64 `json:"iommu"`
	StreamID uint32 `json:"sid"`
}

// Window is a physical register window granted to a device.
type Window struct {
	Addr uint64 `json:"addr"`
	Size uint64 `json:"size"`
}

// AssignableDevice is a statically known passthrough candidate. A host
// device tree node is only exposed to the guest if it matches one of these
// entries by compatible string and register-range containment, and every
// IOMMU reference it declares is consistent with the entry.
type AssignableDevice struct {
	// Name identifies the entry within the policy, notably in sharing
	// declarations.
	Name string `json:"name"`

	// Compatible is the device tree compatible string to match.
	Compatible string `json:"compatible"`

	// Windows are the physical register windows the device may claim.
	// Every reg range of a matching node must be contained in one of them.
	Windows []Window `json:"windows"`

	// Streams enumerates the (IOMMU, stream ID) pairs the device may
	// legitimately declare.
	Streams []StreamRef `json:"streams,omitempty"`

	// DirectAccess permits the device to operate with no IOMMU
	// translation at all. A node with zero IOMMU references is only
	// valid against an entry with DirectAccess set.
	DirectAccess bool `json:"direct_access,omitempty"`
}

// SharedStream declares that the named devices intentionally co-reside in
// the translation context selected by StreamID. Without such a declaration,
// a stream ID appearing on more than one accepted node is a conflict.
type SharedStream struct {
	StreamID uint32   `json:"sid"`
	Devices  []string `json:"devices"`
}

// Policy is the set of devices assigned to one VM, supplied by a trusted
// build-time or policy-time source.
type Policy struct {
	Devices       []AssignableDevice `json:"devices"`
	SharedStreams []SharedStream     `json:"shared_streams,omitempty"`
}

// Validate checks internal consistency of the policy.
func (p *Policy) Validate() error {
	names := make(map[string]bool, len(p.Devices))
	for _, d := range p.Devices {
		if d.Name == "" {
			return fmt.Errorf("%w: unnamed device entry", ErrInvalidPolicy)
		}
		if names[d.Name] {
			return fmt.Errorf("%w: duplicate device entry %q", ErrInvalidPolicy, d.Name)
		}
		names[d.Name] = true

		if d.Compatible == "" {
			return fmt.Errorf("%w: device %q has no compatible string", ErrInvalidPolicy, d.Name)
		}
		if len(d.Windows) == 0 {
			return fmt.Errorf("%w: device %q has no register windows", ErrInvalidPolicy, d.Name)
		}
		if len(d.Streams) == 0 && !d.DirectAccess {
			return fmt.Errorf("%w: device %q permits neither translated nor direct access", ErrInvalidPolicy, d.Name)
		}
	}

	for _, s := range p.SharedStreams {
		if len(s.Devices) < 2 {
			return fmt.Errorf("%w: shared stream %d declares fewer than two devices", ErrInvalidPolicy, s.StreamID)
		}
		for _, name := range s.Devices {
			if !names[name] {
				return fmt.Errorf("%w: shared stream %d references unknown device %q", ErrInvalidPolicy, s.StreamID, name)
			}
		}
	}

	return nil
}

// sharingPermitted reports whether every name in devices is covered by one
// sharing declaration for the given stream ID.
func (p *Policy) sharingPermitted(sid uint32, devices []string) bool {
	for _, s := range p.SharedStreams {
		if s.StreamID != sid {
			continue
		}
		declared := make(map[string]bool, len(s.Devices))
		for _, name := range s.Devices {
			declared[name] = true
		}
		all := true
		for _, name := range devices {
			if !declared[name] {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// LoadPolicy decodes and validates a JSON policy.
func LoadPolicy(data []byte) (*Policy, error) {
	p := &Policy{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadVerifiedPolicy opens a signed policy note, verifies its signature
// against the given public key, and decodes the note body as a JSON policy.
func LoadVerifiedPolicy(data []byte, publicKey string) (*Policy, error) {
	v, err := note.NewVerifier(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad verifier key: %v", ErrInvalidPolicy, err)
	}
	n, err := note.Open(data, note.VerifierList(v))
	if err != nil {
		return nil, fmt.Errorf("%w: signature verification failed: %v", ErrInvalidPolicy, err)
	}
	return LoadPolicy([]byte(n.Text))
}
