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

package tpmseal

import (
	"crypto"
	"encoding/hex"

	"golang.org/x/xerrors"

	"github.com/fdeutils/tpmseal/tpm2"
)

// SealKeyRequest describes a new enrollment.
type SealKeyRequest struct {
	// PCRs are the indices to assert directly in the sealing policy.
	PCRs []int

	// Bank names the PCR bank to seal against. Empty selects the best
	// bank the TPM implements.
	Bank string

	// PrimaryAlg names the storage primary key algorithm, empty for
	// automatic selection.
	PrimaryAlg string

	// PolicyAuthKey is a PEM encoded public key whose signed PCR
	// policies are accepted at unseal time, covering the PCRs in
	// PolicyAuthKeyPCRs.
	PolicyAuthKey     []byte
	PolicyAuthKeyPCRs []int

	// PIN additionally gates unsealing on a passphrase.
	PIN string
}

// SealKeyToTPM generates a fresh disk encryption secret and seals it to
// the TPM according to the request. The secret and the key data document
// needed to unseal it are returned. The secret should be added to the
// volume's keyslots and then discarded; the key data document is not
// sensitive and is stored in the clear.
func SealKeyToTPM(tpm *tpm2.Connection, req *SealKeyRequest) ([]byte, *KeyData, error) {
	if req == nil {
		req = &SealKeyRequest{}
	}

	mask, err := tpm2.MakePCRMask(req.PCRs...)
	if err != nil {
		return nil, nil, InvalidKeyDataError{err.Error()}
	}
	authKeyMask, err := tpm2.MakePCRMask(req.PolicyAuthKeyPCRs...)
	if err != nil {
		return nil, nil, InvalidKeyDataError{err.Error()}
	}

	params := &tpm2.SealParams{
		PCRMask:     mask,
		AuthKeyMask: authKeyMask,
	}

	if req.Bank != "" {
		bank, err := tpm2.BankFromName(req.Bank)
		if err != nil {
			return nil, nil, InvalidKeyDataError{err.Error()}
		}
		params.Bank = bank
	}
	if req.PrimaryAlg != "" {
		alg, err := tpm2.ParsePrimaryKeyAlgorithm(req.PrimaryAlg)
		if err != nil {
			return nil, nil, InvalidKeyDataError{err.Error()}
		}
		params.PrimaryAlg = alg
	}

	var authKey crypto.PublicKey
	if len(req.PolicyAuthKey) > 0 {
		authKey, err = tpm2.DecodePolicyAuthKey(req.PolicyAuthKey)
		if err != nil {
			return nil, nil, xerrors.Errorf("cannot decode policy authorization key: %w", err)
		}
		params.AuthKey = authKey
	}

	var salt []byte
	if req.PIN != "" {
		salt, err = makePINSalt()
		if err != nil {
			return nil, nil, err
		}
		params.PIN = processPIN(req.PIN, salt)
	}

	res, err := tpm2.SealSecret(tpm, nil, params)
	if err != nil {
		return nil, nil, err
	}

	data := &KeyData{
		PCRs:       res.PCRMask.PCRs(),
		Bank:       tpm2.BankName(res.Bank),
		PrimaryAlg: string(res.PrimaryAlg),
		Blob:       res.Blob,
		PolicyHash: hex.EncodeToString(res.PolicyDigest),
		PIN:        req.PIN != "",
		Salt:       salt,
		PubKey:     req.PolicyAuthKey,
		PubKeyPCRs: res.AuthKeyMask.PCRs(),
	}
	return res.Secret, data, nil
}
