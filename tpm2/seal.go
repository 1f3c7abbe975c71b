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
	"crypto"
	"crypto/rand"
	"errors"
	"fmt"
	"os"

	"github.com/canonical/go-tpm2"
	"golang.org/x/xerrors"
)

// sealedSecretSize is the size of a generated disk encryption secret.
const sealedSecretSize = 32

// SealParams describes how a secret is protected.
type SealParams struct {
	// PCRMask selects the PCRs asserted directly in the sealing policy.
	PCRMask PCRMask

	// Bank is the PCR bank to seal against. HashAlgorithmNull selects
	// the best bank the TPM implements.
	Bank tpm2.HashAlgorithmId

	// PrimaryAlg is the algorithm of the storage primary key.
	PrimaryAlg PrimaryKeyAlgorithm

	// AuthKey is the public part of a key that signs future PCR
	// policies. If set, the sealing policy accepts any PCR policy
	// signed by this key for the PCRs in AuthKeyMask.
	AuthKey     crypto.PublicKey
	AuthKeyMask PCRMask

	// PIN additionally gates unsealing on knowledge of a passphrase.
	PIN string
}

// SealedSecret is the result of sealing a secret. Everything except the
// secret itself is non-sensitive and must be stored for unsealing.
type SealedSecret struct {
	Secret []byte

	Blob         []byte
	PolicyDigest tpm2.Digest
	Bank         tpm2.HashAlgorithmId
	PrimaryAlg   PrimaryKeyAlgorithm
	PCRMask      PCRMask

	AuthKeyMask    PCRMask
	KeyFingerprint []byte
}

// SealSecret seals a disk encryption secret to the TPM, protected by a
// policy over the current values of the selected PCRs, an optional signed
// PCR policy and an optional PIN. If secret is nil a fresh 32 byte secret
// is generated.
//
// The policy digest is computed locally rather than with a trial session,
// so no sensitive policy material travels to the TPM. The secret itself is
// transported under session parameter encryption.
func SealSecret(tpm *Connection, secret []byte, params *SealParams) (*SealedSecret, error) {
	if params == nil {
		params = &SealParams{}
	}
	if params.AuthKeyMask != 0 && params.AuthKey == nil {
		return nil, errors.New("a PCR mask for a signed policy requires a policy authorization key")
	}

	combinedMask := params.PCRMask.Union(params.AuthKeyMask)

	bank := params.Bank
	var values tpm2.PCRValues
	var err error
	switch {
	case bank == tpm2.HashAlgorithmId(0) || bank == tpm2.HashAlgorithmNull:
		bank, values, err = SelectBestPCRBank(tpm, combinedMask)
		if err != nil {
			return nil, err
		}
	case combinedMask != 0:
		values, err = readPCRValues(tpm, bank, combinedMask)
		if err != nil {
			return nil, err
		}
		if !pcrMaskGood(values, bank, combinedMask) {
			fmt.Fprintf(os.Stderr, "selected TPM2 PCR bank %v has no initialized values in PCRs %s\n", bank, combinedMask)
		}
	}

	var authKeyPublic *tpm2.Public
	var authKeyName tpm2.Name
	var fingerprint []byte
	if params.AuthKey != nil {
		authKeyPublic, err = createTPMPublicAreaForKey(params.AuthKey)
		if err != nil {
			return nil, xerrors.Errorf("cannot create public area for policy authorization key: %w", err)
		}
		authKeyName = authKeyPublic.Name()
		fingerprint, err = publicKeyFingerprint(params.AuthKey)
		if err != nil {
			return nil, xerrors.Errorf("cannot compute fingerprint of policy authorization key: %w", err)
		}
	}

	policyDigest, err := computeSealingPolicy(defaultSessionHashAlgorithm, authKeyName, bank, params.PCRMask, values, params.PIN != "")
	if err != nil {
		return nil, xerrors.Errorf("cannot compute sealing policy: %w", err)
	}

	if secret == nil {
		if err := creditTPMEntropy(tpm); err != nil {
			fmt.Fprintf(os.Stderr, "cannot add TPM entropy to the kernel random pool: %v\n", err)
		}
		secret = make([]byte, sealedSecretSize)
		if _, err := rand.Read(secret); err != nil {
			return nil, xerrors.Errorf("cannot generate secret: %w", err)
		}
	}

	primary, primaryAlg, err := createPrimaryKey(tpm, params.PrimaryAlg)
	if err != nil {
		return nil, err
	}
	defer tpm.flushContext(primary)

	session, err := startEncryptionSession(tpm, primary, nil)
	if err != nil {
		return nil, err
	}
	defer tpm.flushContext(session.SessionContext)

	var authValue tpm2.Auth
	if params.PIN != "" {
		authValue = pinAuthValue(params.PIN)
	}

	priv, pub, err := createSealedObject(tpm, primary, session.forCommandEncryption(), secret, policyDigest, authValue)
	if err != nil {
		return nil, err
	}

	blob, err := marshalSealedObject(priv, pub)
	if err != nil {
		return nil, err
	}

	return &SealedSecret{
		Secret:         secret,
		Blob:           blob,
		PolicyDigest:   policyDigest,
		Bank:           bank,
		PrimaryAlg:     primaryAlg,
		PCRMask:        params.PCRMask,
		AuthKeyMask:    params.AuthKeyMask,
		KeyFingerprint: fingerprint,
	}, nil
}
