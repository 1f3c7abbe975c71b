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
	"encoding/hex"
	"errors"

	"golang.org/x/xerrors"

	"github.com/fdeutils/tpmseal/tpm2"
)

// ErrPINRequired is returned from UnsealKeyFromTPM when the key data
// requires a PIN and none was supplied.
var ErrPINRequired = errors.New("the key data requires a PIN")

// UnsealKeyFromTPM recovers a secret sealed by SealKeyToTPM. When the key
// data carries a policy authorization key, a signature document with an
// entry matching the current PCR state must be supplied.
func UnsealKeyFromTPM(tpm *tpm2.Connection, data *KeyData, pin string, signatures tpm2.SignatureDocument) ([]byte, error) {
	if data == nil {
		return nil, InvalidKeyDataError{"no key data"}
	}
	if err := data.validate(); err != nil {
		return nil, err
	}
	if data.PIN && pin == "" {
		return nil, ErrPINRequired
	}

	mask, err := tpm2.MakePCRMask(data.PCRs...)
	if err != nil {
		return nil, InvalidKeyDataError{err.Error()}
	}
	authKeyMask, err := tpm2.MakePCRMask(data.PubKeyPCRs...)
	if err != nil {
		return nil, InvalidKeyDataError{err.Error()}
	}

	params := &tpm2.UnsealParams{
		Blob:        data.Blob,
		PCRMask:     mask,
		AuthKeyMask: authKeyMask,
		Signatures:  signatures,
		PIN:         processPIN(pin, data.Salt),
	}

	if data.Bank != "" {
		bank, err := tpm2.BankFromName(data.Bank)
		if err != nil {
			return nil, InvalidKeyDataError{err.Error()}
		}
		params.Bank = bank
	}
	if data.PrimaryAlg != "" {
		alg, err := tpm2.ParsePrimaryKeyAlgorithm(data.PrimaryAlg)
		if err != nil {
			return nil, InvalidKeyDataError{err.Error()}
		}
		params.PrimaryAlg = alg
	}
	if data.PolicyHash != "" {
		expected, err := hex.DecodeString(data.PolicyHash)
		if err != nil {
			return nil, InvalidKeyDataError{"malformed policy hash"}
		}
		params.ExpectedPolicyDigest = expected
	}
	if len(data.PubKey) > 0 {
		authKey, err := tpm2.DecodePolicyAuthKey(data.PubKey)
		if err != nil {
			return nil, xerrors.Errorf("cannot decode policy authorization key: %w", err)
		}
		params.AuthKey = authKey
	}

	return tpm2.UnsealSecret(tpm, params)
}
