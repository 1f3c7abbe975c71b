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
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/canonical/go-tpm2"
	"golang.org/x/xerrors"
)

// PolicySignature is one entry of a signature document. It records a PCR
// policy digest precomputed for one combination of bank and PCR values,
// and a signature over that digest made with the policy authorization key
// identified by the fingerprint.
type PolicySignature struct {
	PCRs           []int  `json:"pcrs"`
	KeyFingerprint string `json:"pkfp"`
	PolicyDigest   string `json:"pol"`
	Signature      string `json:"sig"`
}

// tpmSignature converts the base64 encoded signature in to the form
// expected by TPM2_VerifySignature. Signature documents carry RSASSA
// signatures over a SHA-256 digest.
func (s *PolicySignature) tpmSignature() (*tpm2.Signature, error) {
	sig, err := base64.StdEncoding.DecodeString(s.Signature)
	if err != nil {
		return nil, xerrors.Errorf("cannot decode policy signature: %w", err)
	}
	if len(sig) > maxRSAModulusBytes {
		return nil, fmt.Errorf("policy signature of %d bytes is too large", len(sig))
	}
	return &tpm2.Signature{
		SigAlg: tpm2.SigSchemeAlgRSASSA,
		Signature: &tpm2.SignatureU{
			RSASSA: &tpm2.SignatureRSASSA{
				Hash: tpm2.HashAlgorithmSHA256,
				Sig:  tpm2.PublicKeyRSA(sig)}}}, nil
}

// SignatureDocument maps PCR bank names to the signature entries
// precomputed for that bank.
type SignatureDocument map[string][]*PolicySignature

// ReadSignatureDocument decodes a JSON signature document.
func ReadSignatureDocument(r io.Reader) (SignatureDocument, error) {
	var doc SignatureDocument
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, xerrors.Errorf("cannot decode signature document: %w", err)
	}
	return doc, nil
}

// ReadSignatureDocumentFromFile decodes the JSON signature document at the
// supplied path.
func ReadSignatureDocumentFromFile(path string) (SignatureDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("cannot open signature document: %w", err)
	}
	defer f.Close()
	return ReadSignatureDocument(f)
}

// findSignature returns the entry for the supplied bank, PCR mask, key
// fingerprint and approved policy digest. Documents commonly carry entries
// for several banks and several predicted PCR states, so all four
// parameters participate in the match. ErrNoSignatureForPolicy is returned
// if no entry matches.
func (d SignatureDocument) findSignature(bank tpm2.HashAlgorithmId, mask PCRMask, fingerprint []byte, policy tpm2.Digest) (*PolicySignature, error) {
	for _, entry := range d[BankName(bank)] {
		if maskFromSelect(entry.PCRs) != mask {
			continue
		}
		fp, err := hex.DecodeString(entry.KeyFingerprint)
		if err != nil || !bytes.Equal(fp, fingerprint) {
			continue
		}
		pol, err := hex.DecodeString(entry.PolicyDigest)
		if err != nil || !bytes.Equal(pol, policy) {
			continue
		}
		return entry, nil
	}
	return nil, ErrNoSignatureForPolicy
}
