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

// Package dice extends the boot certificate chain handed to the firmware
// with a measurement of the verified payload and its declared identity.
//
// Chain layers, handovers and config descriptors are CBOR; descriptor
// encoding is deterministic because the encoding itself is measured.
package dice

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrMalformedDescriptor is returned when a config descriptor cannot
	// be encoded or decoded, including any security version that cannot
	// be represented. Such failures are hard: a clamped or guessed value
	// would corrupt a security-relevant monotonic counter.
	ErrMalformedDescriptor = errors.New("malformed config descriptor")

	// ErrDerivation is returned when the incoming chain is malformed or
	// the next layer cannot be derived.
	ErrDerivation = errors.New("attestation derivation failure")
)

// Config descriptor map keys. The top level is keyed by small negative
// integers, subcomponents by small positive integers.
const (
	keyComponentName     = -70002
	keyPayloadPath       = -71000
	keyPayloadBinaryPath = -71001
	keySubcomponents     = -71002

	subkeyName            = 1
	subkeySecurityVersion = 2
	subkeyCodeHash        = 3
	subkeyAuthorityHash   = 4
)

// encMode is the deterministic encoder shared by the package: two
// semantically equal values always serialize to identical bytes.
var encMode cbor.EncMode

// decMode rejects the sloppier corners of CBOR on the trusted boundary.
var decMode cbor.DecMode

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}).DecMode(); err != nil {
		panic(err)
	}
}

// Subcomponent describes one constituent of the measured payload. Order
// within the descriptor is significant and preserved into the measurement.
type Subcomponent struct {
	Name string

	// SecurityVersion is monotonically non-decreasing across updates of
	// the component.
	SecurityVersion uint64

	// CodeHash is optional.
	CodeHash []byte

	// AuthorityHash is mandatory.
	AuthorityHash []byte
}

// ConfigDescriptor is the identity of the running payload, the unit that is
// measured into the attestation chain. PayloadPath and PayloadBinaryPath
// are mutually exclusive.
type ConfigDescriptor struct {
	ComponentName     string
	PayloadPath       string
	PayloadBinaryPath string
	Subcomponents     []Subcomponent
}

// Validate checks the descriptor invariants.
func (d *ConfigDescriptor) Validate() error {
	if d.ComponentName == "" {
		return fmt.Errorf("%w: missing component name", ErrMalformedDescriptor)
	}
	if d.PayloadPath != "" && d.PayloadBinaryPath != "" {
		return fmt.Errorf("%w: payload path and payload binary path are mutually exclusive", ErrMalformedDescriptor)
	}
	for i, s := range d.Subcomponents {
		if s.Name == "" {
			return fmt.Errorf("%w: subcomponent %d has no name", ErrMalformedDescriptor, i)
		}
		if len(s.AuthorityHash) == 0 {
			return fmt.Errorf("%w: subcomponent %q has no authority hash", ErrMalformedDescriptor, s.Name)
		}
	}
	return nil
}

// Encode serializes the descriptor to its canonical byte form. Equal
// descriptors always produce byte-identical encodings; descriptors that
// differ only in subcomponent order produce different encodings.
func (d *ConfigDescriptor) Encode() ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	m := map[int64]interface{}{
		keyComponentName: d.ComponentName,
	}
	switch {
	case d.PayloadPath != "":
		m[keyPayloadPath] = d.PayloadPath
	case d.PayloadBinaryPath != "":
		m[keyPayloadBinaryPath] = d.PayloadBinaryPath
	}
	if len(d.Subcomponents) > 0 {
		subs := make([]map[int64]interface{}, len(d.Subcomponents))
		for i, s := range d.Subcomponents {
			sub := map[int64]interface{}{
				subkeyName:            s.Name,
				subkeySecurityVersion: s.SecurityVersion,
				subkeyAuthorityHash:   s.AuthorityHash,
			}
			if len(s.CodeHash) > 0 {
				sub[subkeyCodeHash] = s.CodeHash
			}
			subs[i] = sub
		}
		m[keySubcomponents] = subs
	}

	enc, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	return enc, nil
}

// DecodeDescriptor parses a canonical descriptor encoding. A security
// version that is negative or otherwise unrepresentable is a hard failure.
func DecodeDescriptor(data []byte) (*ConfigDescriptor, error) {
	var m map[int64]cbor.RawMessage
	if err := decMode.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}

	d := &ConfigDescriptor{}
	if raw, ok := m[keyComponentName]; ok {
		if err := decMode.Unmarshal(raw, &d.ComponentName); err != nil {
			return nil, fmt.Errorf("%w: component name: %v", ErrMalformedDescriptor, err)
		}
	}
	if raw, ok := m[keyPayloadPath]; ok {
		if err := decMode.Unmarshal(raw, &d.PayloadPath); err != nil {
			return nil, fmt.Errorf("%w: payload path: %v", ErrMalformedDescriptor, err)
		}
	}
	if raw, ok := m[keyPayloadBinaryPath]; ok {
		if err := decMode.Unmarshal(raw, &d.PayloadBinaryPath); err != nil {
			return nil, fmt.Errorf("%w: payload binary path: %v", ErrMalformedDescriptor, err)
		}
	}
	if raw, ok := m[keySubcomponents]; ok {
		var subs []map[int64]cbor.RawMessage
		if err := decMode.Unmarshal(raw, &subs); err != nil {
			return nil, fmt.Errorf("%w: subcomponents: %v", ErrMalformedDescriptor, err)
		}
		for i, sub := range subs {
			s := Subcomponent{}
			if raw, ok := sub[subkeyName]; ok {
				if err := decMode.Unmarshal(raw, &s.Name); err != nil {
					return nil, fmt.Errorf("%w: subcomponent %d name: %v", ErrMalformedDescriptor, i, err)
				}
			}
			if raw, ok := sub[subkeySecurityVersion]; ok {
				// Decoding into uint64 rejects negative encodings
				// outright, never clamps them.
				if err := decMode.Unmarshal(raw, &s.SecurityVersion); err != nil {
					return nil, fmt.Errorf("%w: subcomponent %d security version: %v", ErrMalformedDescriptor, i, err)
				}
			}
			if raw, ok := sub[subkeyCodeHash]; ok {
				if err := decMode.Unmarshal(raw, &s.CodeHash); err != nil {
					return nil, fmt.Errorf("%w: subcomponent %d code hash: %v", ErrMalformedDescriptor, i, err)
				}
			}
			if raw, ok := sub[subkeyAuthorityHash]; ok {
				if err := decMode.Unmarshal(raw, &s.AuthorityHash); err != nil {
					return nil, fmt.Errorf("%w: subcomponent %d authority hash: %v", ErrMalformedDescriptor, i, err)
				}
			}
			d.Subcomponents = append(d.Subcomponents, s)
		}
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
