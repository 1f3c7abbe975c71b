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
	"crypto"
	"errors"
	"fmt"
	"os"

	"github.com/canonical/go-tpm2"
	"golang.org/x/xerrors"
)

// maxUnsealRetries bounds the number of unseal attempts when PCRs keep
// changing between building the policy session and using it. The policy
// spans multiple commands, so a PCR extension in that window invalidates
// the session and the TPM responds with TPM_RC_PCR_CHANGED.
const maxUnsealRetries = 30

// UnsealParams describes a sealed secret and the context needed to
// recover it. The fields mirror what SealSecret returned when the secret
// was protected.
type UnsealParams struct {
	Blob []byte

	Bank       tpm2.HashAlgorithmId
	PCRMask    PCRMask
	PrimaryAlg PrimaryKeyAlgorithm

	// ExpectedPolicyDigest is the policy digest recorded at seal time.
	// If set, unsealing aborts before requesting the secret when the
	// policy session digest diverges from it.
	ExpectedPolicyDigest tpm2.Digest

	// AuthKey and Signatures authorize an updated PCR policy signed
	// offline. Signatures must contain an entry matching the current
	// values of the PCRs in AuthKeyMask.
	AuthKey     crypto.PublicKey
	AuthKeyMask PCRMask
	Signatures  SignatureDocument

	PIN string
}

// checkExpectedPolicyDigest compares the digest accumulated in a policy
// session against the digest the secret was sealed with. A mismatch means
// the TPM would refuse the authorization anyway, so there's no point
// burning an unseal attempt on it.
func checkExpectedPolicyDigest(expected, computed tpm2.Digest) error {
	if len(expected) == 0 {
		return nil
	}
	if !bytes.Equal(computed, expected) {
		return &PolicyDigestMismatchError{Expected: expected, Computed: computed}
	}
	return nil
}

// unsealWithRetries runs unseal attempts until one succeeds or fails with
// an error other than TPM_RC_PCR_CHANGED. Each attempt uses a fresh policy
// session, so a PCR extension racing with one attempt doesn't doom the
// next. The retry count is bounded because on a machine where some PCR is
// extended continuously no attempt can ever win.
func unsealWithRetries(attempt func() ([]byte, error)) ([]byte, error) {
	for tries := maxUnsealRetries; ; tries-- {
		secret, err := attempt()
		if err == nil {
			return secret, nil
		}
		if tries > 1 && isPCRChangedError(err) {
			continue
		}
		return nil, err
	}
}

// UnsealSecret recovers a secret sealed by SealSecret. The authorization
// policy is satisfied with a real policy session executing the same
// assertions in the same order as at seal time, and the secret travels
// back under session parameter encryption.
func UnsealSecret(tpm *Connection, params *UnsealParams) ([]byte, error) {
	if params == nil || len(params.Blob) == 0 {
		return nil, errors.New("no sealed object blob supplied")
	}
	if params.AuthKeyMask != 0 && params.AuthKey == nil {
		return nil, errors.New("a PCR mask for a signed policy requires a policy authorization key")
	}
	if params.AuthKey != nil && params.Signatures == nil {
		return nil, errors.New("unsealing with a signed policy requires a signature document")
	}

	if locked, err := tpm.isInLockout(); err == nil && locked {
		return nil, ErrTPMLockout
	}

	bank := params.Bank
	if bank == tpm2.HashAlgorithmId(0) || bank == tpm2.HashAlgorithmNull {
		bank = defaultSessionHashAlgorithm
	}

	combinedMask := params.PCRMask.Union(params.AuthKeyMask)
	if combinedMask != 0 {
		if values, err := readPCRValues(tpm, bank, combinedMask); err == nil && !pcrMaskGood(values, bank, combinedMask) {
			fmt.Fprintf(os.Stderr, "TPM2 PCR bank %v has no initialized values in PCRs %s\n", bank, combinedMask)
		}
	}

	policyParams := &sealingPolicyParams{
		bank:   bank,
		mask:   params.PCRMask,
		usePIN: params.PIN != "",
	}
	if params.AuthKey != nil {
		authKeyPublic, err := createTPMPublicAreaForKey(params.AuthKey)
		if err != nil {
			return nil, xerrors.Errorf("cannot create public area for policy authorization key: %w", err)
		}
		fingerprint, err := publicKeyFingerprint(params.AuthKey)
		if err != nil {
			return nil, xerrors.Errorf("cannot compute fingerprint of policy authorization key: %w", err)
		}
		policyParams.authKey = authKeyPublic
		policyParams.authKeyMask = params.AuthKeyMask
		policyParams.keyFingerprint = fingerprint
		policyParams.signatures = params.Signatures
	}

	primary, _, err := createPrimaryKey(tpm, params.PrimaryAlg)
	if err != nil {
		return nil, err
	}
	defer tpm.flushContext(primary)

	object, _, err := loadSealedObject(tpm, primary, params.Blob)
	if err != nil {
		return nil, err
	}
	defer tpm.flushContext(object)

	var bind tpm2.ResourceContext
	if params.PIN != "" {
		object.SetAuthValue(pinAuthValue(params.PIN))
		// Binding the session to the sealed object mixes the PIN
		// derived auth value in to the session key.
		bind = object
	}

	session, err := startEncryptionSession(tpm, primary, bind)
	if err != nil {
		return nil, err
	}
	defer tpm.flushContext(session.SessionContext)

	secret, err := unsealWithRetries(func() ([]byte, error) {
		return unsealOnce(tpm, object, primary, session, policyParams, params.ExpectedPolicyDigest)
	})
	switch {
	case err == nil:
		return secret, nil
	case isLockoutError(err):
		return nil, ErrTPMLockout
	case isAuthFailError(err, tpm2.CommandUnseal, 1) || isPolicyFailError(err):
		return nil, xerrors.Errorf("cannot unseal secret: %w", err)
	default:
		return nil, err
	}
}

// unsealOnce makes a single unseal attempt with a fresh policy session.
func unsealOnce(tpm *Connection, object, primary tpm2.ResourceContext, enc *encryptionSession, policyParams *sealingPolicyParams, expected tpm2.Digest) ([]byte, error) {
	session, err := startPolicySession(tpm, primary, enc)
	if err != nil {
		return nil, err
	}
	defer tpm.flushContext(session)

	digest, err := buildSealingPolicy(tpm, session, policyParams)
	if err != nil {
		return nil, err
	}
	if err := checkExpectedPolicyDigest(expected, digest); err != nil {
		return nil, err
	}

	secret, err := tpm.Unseal(object, session, enc.forResponseEncryption())
	if err != nil {
		return nil, err
	}
	return []byte(secret), nil
}
