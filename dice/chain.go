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

package dice

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"
)

// cdiSize is the length in bytes of a compound device identifier.
const cdiSize = 32

// idSize is the length in bytes of a derived layer identifier.
const idSize = 20

// Handover map keys.
const (
	handoverKeyCDIAttest = 1
	handoverKeyCDISeal   = 2
	handoverKeyChain     = 3
)

// Certificate payload map keys, following the open-dice profile.
const (
	certKeyIssuer           = 1
	certKeySubject          = 2
	certKeyCodeHash         = -4670545
	certKeyConfigDescriptor = -4670548
	certKeyAuthorityHash    = -4670549
	certKeyMode             = -4670551
	certKeySubjectPublicKey = -4670552
)

// Mode describes the operational state a chain layer was measured in.
type Mode int

const (
	// ModeNormal is a production boot.
	ModeNormal Mode = 1
	// ModeDebug marks a layer booted with debugging enabled; consumers
	// treat everything below a debug layer as untrustworthy.
	ModeDebug Mode = 2
)

// Handover is the boot-stage attestation state: the current compound
// device identifiers plus the certificate chain accumulated so far. It is
// CBOR-encoded as a map keyed 1 (CDI_Attest), 2 (CDI_Seal), 3 (chain).
type Handover struct {
	CDIAttest []byte
	CDISeal   []byte

	// Chain holds the certificate chain layers, oldest first, as encoded
	// certificates. The chain is append-only within a boot.
	Chain []cbor.RawMessage
}

type handoverWire struct {
	CDIAttest []byte            `cbor:"1,keyasint"`
	CDISeal   []byte            `cbor:"2,keyasint"`
	Chain     []cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

// certPayload is the signed body of a chain certificate.
type certPayload struct {
	Issuer           string `cbor:"1,keyasint"`
	Subject          string `cbor:"2,keyasint"`
	CodeHash         []byte `cbor:"-4670545,keyasint"`
	ConfigDescriptor []byte `cbor:"-4670548,keyasint"`
	AuthorityHash    []byte `cbor:"-4670549,keyasint,omitempty"`
	Mode             Mode   `cbor:"-4670551,keyasint"`
	SubjectPublicKey []byte `cbor:"-4670552,keyasint"`
}

// Certificate binds a payload measurement to the public key of the next
// chain layer, signed by the current layer's key.
type Certificate struct {
	_         struct{} `cbor:",toarray"`
	Payload   []byte
	Signature []byte
}

// ParseHandover decodes and validates a handover blob.
func ParseHandover(data []byte) (*Handover, error) {
	var w handoverWire
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: bad handover encoding: %v", ErrDerivation, err)
	}
	if len(w.CDIAttest) != cdiSize || len(w.CDISeal) != cdiSize {
		return nil, fmt.Errorf("%w: handover CDIs must be %d bytes", ErrDerivation, cdiSize)
	}
	return &Handover{CDIAttest: w.CDIAttest, CDISeal: w.CDISeal, Chain: w.Chain}, nil
}

// Encode serializes the handover.
func (h *Handover) Encode() ([]byte, error) {
	enc, err := encMode.Marshal(handoverWire{
		CDIAttest: h.CDIAttest,
		CDISeal:   h.CDISeal,
		Chain:     h.Chain,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	return enc, nil
}

// IsDebug reports whether any layer of the chain was measured in debug
// mode; such a chain marks the whole environment as debuggable.
func (h *Handover) IsDebug() (bool, error) {
	for i, raw := range h.Chain {
		var cert Certificate
		if err := decMode.Unmarshal(raw, &cert); err != nil {
			return false, fmt.Errorf("%w: chain layer %d: %v", ErrDerivation, i, err)
		}
		var p certPayload
		if err := decMode.Unmarshal(cert.Payload, &p); err != nil {
			return false, fmt.Errorf("%w: chain layer %d payload: %v", ErrDerivation, i, err)
		}
		if p.Mode == ModeDebug {
			return true, nil
		}
	}
	return false, nil
}

// Extend appends one layer to the chain: it measures the payload identity
// (code measurement plus canonical config descriptor), derives the next
// CDIs one-way from the current ones, and emits a certificate binding the
// measurement to the next layer's public key. The returned handover is
// newly allocated; no key material beyond it is retained.
func Extend(handover []byte, desc *ConfigDescriptor, payloadMeasurement []byte, mode Mode) ([]byte, error) {
	h, err := ParseHandover(handover)
	if err != nil {
		return nil, err
	}
	if len(payloadMeasurement) == 0 {
		return nil, fmt.Errorf("%w: empty payload measurement", ErrDerivation)
	}

	descEnc, err := desc.Encode()
	if err != nil {
		return nil, err
	}

	// The measurement input covers both what runs and what it claims to be.
	md := sha256.New()
	md.Write(payloadMeasurement)
	md.Write(descEnc)
	measurement := md.Sum(nil)

	nextAttest, err := derive(h.CDIAttest, measurement, "CDI_Attest")
	if err != nil {
		return nil, err
	}
	nextSeal, err := derive(h.CDISeal, measurement, "CDI_Seal")
	if err != nil {
		return nil, err
	}

	currentKey, err := layerKey(h.CDIAttest)
	if err != nil {
		return nil, err
	}
	nextKey, err := layerKey(nextAttest)
	if err != nil {
		return nil, err
	}

	authority := sha256.Sum256(currentKey.Public().(ed25519.PublicKey))
	payload, err := encMode.Marshal(certPayload{
		Issuer:           layerID(currentKey.Public().(ed25519.PublicKey)),
		Subject:          layerID(nextKey.Public().(ed25519.PublicKey)),
		CodeHash:         payloadMeasurement,
		ConfigDescriptor: descEnc,
		AuthorityHash:    authority[:],
		Mode:             mode,
		SubjectPublicKey: nextKey.Public().(ed25519.PublicKey),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivation, err)
	}

	cert, err := encMode.Marshal(Certificate{
		Payload:   payload,
		Signature: ed25519.Sign(currentKey, payload),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivation, err)
	}

	next := &Handover{
		CDIAttest: nextAttest,
		CDISeal:   nextSeal,
		Chain:     append(append([]cbor.RawMessage(nil), h.Chain...), cbor.RawMessage(cert)),
	}
	return next.Encode()
}

// derive computes the next-layer CDI from the current one and the
// measurement input. HKDF is one-way: the guest cannot recover its parent's
// secrets from what it is handed.
func derive(cdi, measurement []byte, info string) ([]byte, error) {
	out := make([]byte, cdiSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, cdi, measurement, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	return out, nil
}

// layerKey derives the signing key of a chain layer from its CDI.
func layerKey(cdi []byte) (ed25519.PrivateKey, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, cdi, nil, []byte("Key Pair")), seed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDerivation, err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// layerID is the stable hex identifier of a layer key.
func layerID(pub ed25519.PublicKey) string {
	id := make([]byte, idSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, pub, nil, []byte("ID")), id); err != nil {
		// HKDF of a fixed-size input cannot fail to produce 20 bytes.
		panic(err)
	}
	return hex.EncodeToString(id)
}
