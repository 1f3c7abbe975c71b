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

// Package tpmseal protects disk encryption secrets with a TPM2 device.
//
// A secret sealed with SealKeyToTPM can only be recovered while the
// system's PCR state satisfies the policy chosen at sealing time. The
// non-sensitive metadata needed to unseal is carried in a KeyData
// document, stored alongside the encrypted volume.
package tpmseal

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/xerrors"

	"github.com/fdeutils/tpmseal/tpm2"
)

// InvalidKeyDataError is returned when a key data document fails
// validation.
type InvalidKeyDataError struct {
	msg string
}

func (e InvalidKeyDataError) Error() string {
	return "invalid key data: " + e.msg
}

// KeyData is the non-sensitive metadata for one sealed secret. It is
// serialized as JSON and everything in it can be stored in the clear: the
// sealed blob is only useful to the TPM that created it, and only while
// the policy holds.
type KeyData struct {
	// PCRs are the indices asserted directly in the sealing policy.
	PCRs []int `json:"pcrs"`

	// Bank names the PCR bank the policy was computed over.
	Bank string `json:"pcr-bank"`

	// PrimaryAlg names the algorithm of the storage primary key.
	PrimaryAlg string `json:"primary-alg"`

	// Blob is the sealed object, private part followed by public part.
	Blob []byte `json:"blob"`

	// PolicyHash is the hex encoded policy digest the secret was
	// sealed against.
	PolicyHash string `json:"policy-hash"`

	// PIN records whether unsealing requires a PIN.
	PIN bool `json:"pin"`

	// Salt is mixed in to the PIN before it reaches the TPM, set only
	// when a PIN is in use.
	Salt []byte `json:"salt,omitempty"`

	// PubKey is the PEM encoded public key authorized to sign PCR
	// policies, set only when a signed policy is in use.
	PubKey []byte `json:"pubkey,omitempty"`

	// PubKeyPCRs are the indices covered by the signed policy.
	PubKeyPCRs []int `json:"pubkey-pcrs,omitempty"`
}

func (d *KeyData) validate() error {
	if len(d.Blob) == 0 {
		return InvalidKeyDataError{"no sealed object blob"}
	}
	if d.Bank != "" {
		if _, err := tpm2.BankFromName(d.Bank); err != nil {
			return InvalidKeyDataError{err.Error()}
		}
	}
	if _, err := tpm2.ParsePrimaryKeyAlgorithm(d.PrimaryAlg); err != nil {
		return InvalidKeyDataError{err.Error()}
	}
	if _, err := tpm2.MakePCRMask(d.PCRs...); err != nil {
		return InvalidKeyDataError{err.Error()}
	}
	if _, err := tpm2.MakePCRMask(d.PubKeyPCRs...); err != nil {
		return InvalidKeyDataError{err.Error()}
	}
	if d.PolicyHash != "" {
		if _, err := hex.DecodeString(d.PolicyHash); err != nil {
			return InvalidKeyDataError{fmt.Sprintf("malformed policy hash: %v", err)}
		}
	}
	if len(d.PubKeyPCRs) > 0 && len(d.PubKey) == 0 {
		return InvalidKeyDataError{"pubkey-pcrs without a public key"}
	}
	if len(d.Salt) > 0 && !d.PIN {
		return InvalidKeyDataError{"salt without a PIN"}
	}
	return nil
}

// ReadKeyData reads and validates a JSON key data document.
func ReadKeyData(r io.Reader) (*KeyData, error) {
	var d *KeyData
	dec := json.NewDecoder(r)
	if err := dec.Decode(&d); err != nil {
		return nil, xerrors.Errorf("cannot decode key data: %w", err)
	}
	if d == nil {
		// A document containing just "null" decodes without error.
		return nil, InvalidKeyDataError{"no key data"}
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// ReadKeyDataFromFile reads and validates the key data document at the
// supplied path.
func ReadKeyDataFromFile(path string) (*KeyData, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("no key data file")
		}
		return nil, xerrors.Errorf("cannot open key data file: %w", err)
	}
	defer f.Close()
	return ReadKeyData(f)
}

// Write serializes the key data document.
func (d *KeyData) Write(w io.Writer) error {
	if err := d.validate(); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(d); err != nil {
		return xerrors.Errorf("cannot encode key data: %w", err)
	}
	return nil
}
