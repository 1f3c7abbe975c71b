// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2025 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package tpm2

import (
	"fmt"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"
	"golang.org/x/xerrors"
)

// This file computes authorization policy digests locally, mirroring the
// digest updates that the TPM performs when the corresponding assertions
// are executed in a policy session. Computing the digests locally means
// sealing doesn't depend on trial sessions, and unsealing can detect a
// doomed policy before asking the TPM to unseal anything.

// zeroDigest returns an all zeroes digest of the size appropriate for the
// supplied algorithm, which is the initial value of a policy session
// digest.
func zeroDigest(alg tpm2.HashAlgorithmId) tpm2.Digest {
	return make(tpm2.Digest, alg.Size())
}

// digestInit returns the digest of the concatenation of the supplied
// chunks.
func digestInit(alg tpm2.HashAlgorithmId, chunks ...[]byte) tpm2.Digest {
	h := alg.NewHash()
	for _, chunk := range chunks {
		h.Write(chunk)
	}
	return h.Sum(nil)
}

// digestExtend returns the digest of the current digest concatenated with
// the supplied chunks. With no chunks this re-hashes the current digest,
// matching what the TPM computes for an assertion with an empty trailing
// buffer.
func digestExtend(alg tpm2.HashAlgorithmId, current tpm2.Digest, chunks ...[]byte) tpm2.Digest {
	h := alg.NewHash()
	h.Write(current)
	for _, chunk := range chunks {
		h.Write(chunk)
	}
	return h.Sum(nil)
}

// computePCRDigest computes the digest of the selected PCR values,
// concatenated in ascending PCR index order.
func computePCRDigest(alg, bank tpm2.HashAlgorithmId, mask PCRMask, values tpm2.PCRValues) (tpm2.Digest, error) {
	h := alg.NewHash()
	for _, pcr := range mask.PCRs() {
		value, ok := values[bank][pcr]
		if !ok {
			return nil, fmt.Errorf("no value for PCR %d in bank %v", pcr, bank)
		}
		if len(value) != bank.Size() {
			return nil, fmt.Errorf("invalid value size for PCR %d in bank %v", pcr, bank)
		}
		h.Write(value)
	}
	return h.Sum(nil), nil
}

// computePolicyPCR returns the policy digest that results from executing a
// TPM2_PolicyPCR assertion for the supplied PCR values on a session with
// the supplied digest.
func computePolicyPCR(alg tpm2.HashAlgorithmId, current tpm2.Digest, bank tpm2.HashAlgorithmId, mask PCRMask, values tpm2.PCRValues) (tpm2.Digest, error) {
	pcrDigest, err := computePCRDigest(alg, bank, mask, values)
	if err != nil {
		return nil, xerrors.Errorf("cannot compute PCR digest: %w", err)
	}
	b, err := mu.MarshalToBytes(tpm2.CommandPolicyPCR, selectionForMask(bank, mask))
	if err != nil {
		return nil, xerrors.Errorf("cannot marshal PCR selection: %w", err)
	}
	return digestExtend(alg, current, b, pcrDigest), nil
}

// computePolicyAuthorize returns the policy digest that results from
// executing a TPM2_PolicyAuthorize assertion for a policy signed by the key
// with the supplied name. The assertion replaces the session digest rather
// than extending it, so there is no current digest parameter.
func computePolicyAuthorize(alg tpm2.HashAlgorithmId, keyName tpm2.Name, policyRef tpm2.Nonce) tpm2.Digest {
	digest := digestExtend(alg, zeroDigest(alg), mu.MustMarshalToBytes(tpm2.CommandPolicyAuthorize), keyName)
	// The digest is extended a second time with the policy ref. An
	// absent ref still re-hashes the digest because the TPM appends it
	// as an empty buffer.
	return digestExtend(alg, digest, policyRef)
}

// computePolicyAuthValue returns the policy digest that results from
// executing a TPM2_PolicyAuthValue assertion on a session with the
// supplied digest.
func computePolicyAuthValue(alg tpm2.HashAlgorithmId, current tpm2.Digest) tpm2.Digest {
	return digestExtend(alg, current, mu.MustMarshalToBytes(tpm2.CommandPolicyAuthValue))
}

// computeSealingPolicy computes the authorization policy for a sealed
// secret. The assertions always run in the same order: authorization of a
// signed PCR policy if a key is supplied, then the direct PCR policy if a
// mask is supplied, then knowledge of the auth value if a PIN is in use.
// Unsealing executes the same assertions in the same order, so the
// digests converge.
func computeSealingPolicy(alg tpm2.HashAlgorithmId, authKeyName tpm2.Name, bank tpm2.HashAlgorithmId, mask PCRMask, values tpm2.PCRValues, usePIN bool) (tpm2.Digest, error) {
	digest := zeroDigest(alg)

	if len(authKeyName) > 0 {
		digest = computePolicyAuthorize(alg, authKeyName, nil)
	}
	if mask != 0 {
		var err error
		digest, err = computePolicyPCR(alg, digest, bank, mask, values)
		if err != nil {
			return nil, xerrors.Errorf("cannot compute PCR assertion: %w", err)
		}
	}
	if usePIN {
		digest = computePolicyAuthValue(alg, digest)
	}

	return digest, nil
}
