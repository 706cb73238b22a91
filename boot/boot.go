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

// Package boot sequences one protected-VM boot attempt: parse the boot
// container, extend the attestation chain, sanitize the device tree, and
// hand both to the guest. Any failure halts the attempt; there is no
// retry and no degraded mode.
package boot

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/guardedvm/pvmfw/assignment"
	"github.com/guardedvm/pvmfw/config"
	"github.com/guardedvm/pvmfw/dice"
	"github.com/guardedvm/pvmfw/dtb"
)

// ErrStrictBoot is returned when strict boot refuses a debuggable
// environment.
var ErrStrictBoot = errors.New("strict boot: debuggable environment refused")

// State tracks the orchestrator through one boot attempt.
type State int

const (
	StateStart State = iota
	StateContainerParsed
	StateAttestationExtended
	StateDeviceTreeFiltered
	StateReady
	StateHandedOff
	// StateHalted is terminal; the guest is never entered.
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateContainerParsed:
		return "ContainerParsed"
	case StateAttestationExtended:
		return "AttestationExtended"
	case StateDeviceTreeFiltered:
		return "DeviceTreeFiltered"
	case StateReady:
		return "Ready"
	case StateHandedOff:
		return "HandedOff"
	case StateHalted:
		return "Halted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config selects the optional behaviors of a boot attempt. All selection
// happens at runtime through this one value.
type Config struct {
	// PolicyData is the raw assignable-device policy, JSON, or a signed
	// note envelope when PolicyVerifier is set. Required when
	// DeviceAssignment is enabled.
	PolicyData []byte

	// PolicyVerifier is the verifier key for PolicyData. Empty means the
	// policy is consumed unverified.
	PolicyVerifier string

	// DeviceAssignment enables device-tree filtering against the
	// assignable-device policy. When disabled the host tree is handed
	// off unfiltered and any container overlay is ignored.
	DeviceAssignment bool

	// StrictBoot refuses to hand off a debuggable environment, whether
	// the container marks the VM debuggable or the incoming chain
	// already carries a debug layer.
	StrictBoot bool
}

// Inputs are the per-boot artifacts placed in memory by the VM-management
// host before the firmware runs.
type Inputs struct {
	// Container is the boot container blob, header first.
	Container []byte

	// HostDeviceTree is the host-provided flattened device tree.
	HostDeviceTree []byte

	// Descriptor identifies the payload about to run.
	Descriptor *dice.ConfigDescriptor

	// PayloadMeasurement is the code measurement of the verified payload.
	PayloadMeasurement []byte

	// ChainRegionBase is the guest-physical address at which the extended
	// chain is handed over, advertised to the next stage through a
	// reserved-memory node.
	ChainRegionBase uint64
}

// Handoff is what the guest's next boot stage receives. It is newly
// allocated and owned by the caller once Boot returns.
type Handoff struct {
	DeviceTree []byte
	Chain      []byte
	Debuggable bool
}

// Orchestrator runs a single boot attempt. It is not reusable: a halted
// orchestrator stays halted.
type Orchestrator struct {
	cfg   Config
	state State
	halt  error
}

func New(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg, state: StateStart}
}

// State returns the current boot state.
func (o *Orchestrator) State() State {
	return o.state
}

// HaltReason returns the failure that halted the boot, or nil.
func (o *Orchestrator) HaltReason() error {
	return o.halt
}

func (o *Orchestrator) halted(err error) error {
	klog.Errorf("boot: halted in %s: %v", o.state, err)
	o.state = StateHalted
	o.halt = err
	return err
}

// Boot runs the attempt to completion. On success the orchestrator is in
// StateHandedOff and the returned handoff holds the sanitized device tree
// and the extended chain; on failure it is in StateHalted and no partial
// output is returned.
func (o *Orchestrator) Boot(in Inputs) (*Handoff, error) {
	if o.state != StateStart {
		return nil, o.halted(fmt.Errorf("boot attempted from %s", o.state))
	}

	c, err := config.Parse(in.Container)
	if err != nil {
		return nil, o.halted(err)
	}
	o.state = StateContainerParsed
	klog.Infof("boot: container version %s, flags %#x", c.Version, c.Flags)

	handover, err := dice.ParseHandover(c.ChainInput())
	if err != nil {
		return nil, o.halted(err)
	}
	chainDebug, err := handover.IsDebug()
	if err != nil {
		return nil, o.halted(err)
	}
	debuggable := c.Debuggable() || chainDebug
	if debuggable && o.cfg.StrictBoot {
		return nil, o.halted(ErrStrictBoot)
	}

	mode := dice.ModeNormal
	if debuggable {
		mode = dice.ModeDebug
	}
	chain, err := dice.Extend(c.ChainInput(), in.Descriptor, in.PayloadMeasurement, mode)
	if err != nil {
		return nil, o.halted(err)
	}
	o.state = StateAttestationExtended

	tree, err := o.deviceTree(c, in.HostDeviceTree)
	if err != nil {
		return nil, o.halted(err)
	}
	tree = o.patchNextStage(tree, c, in.ChainRegionBase, uint64(len(chain)), debuggable)
	o.state = StateDeviceTreeFiltered

	o.state = StateReady
	h := &Handoff{
		DeviceTree: tree.Serialize(),
		Chain:      chain,
		Debuggable: debuggable,
	}
	o.state = StateHandedOff
	klog.Infof("boot: handed off, debuggable=%v", debuggable)
	return h, nil
}

// deviceTree produces the tree handed to the guest: filtered against the
// assignable-device policy when device assignment is enabled, the host
// tree otherwise.
func (o *Orchestrator) deviceTree(c *config.Container, hostDT []byte) (*dtb.Tree, error) {
	host, err := dtb.Parse(hostDT)
	if err != nil {
		return nil, err
	}

	if !o.cfg.DeviceAssignment {
		if len(c.DTBOverlay()) > 0 {
			klog.Warning("boot: device assignment disabled, ignoring container overlay")
		}
		return host.Copy(), nil
	}

	policy, err := o.loadPolicy()
	if err != nil {
		return nil, err
	}

	var overlay *dtb.Tree
	if blob := c.DTBOverlay(); len(blob) > 0 {
		if overlay, err = dtb.Parse(blob); err != nil {
			return nil, err
		}
	}
	return assignment.Filter(host, overlay, policy)
}

func (o *Orchestrator) loadPolicy() (*assignment.Policy, error) {
	if o.cfg.PolicyVerifier != "" {
		return assignment.LoadVerifiedPolicy(o.cfg.PolicyData, o.cfg.PolicyVerifier)
	}
	return assignment.LoadPolicy(o.cfg.PolicyData)
}
