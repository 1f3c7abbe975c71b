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
	"errors"

	"github.com/canonical/go-tpm2"
	"golang.org/x/xerrors"
)

// encryptionSessionAttrs are the attributes required of a session used for
// parameter encryption. Both directions are encrypted so that neither the
// sealed secret nor the unsealed secret travels over the bus in the clear.
const encryptionSessionAttrs = tpm2.AttrContinueSession | tpm2.AttrCommandEncrypt | tpm2.AttrResponseEncrypt

func aes128CFB() *tpm2.SymDef {
	return &tpm2.SymDef{
		Algorithm: tpm2.SymAlgorithmAES,
		KeyBits:   &tpm2.SymKeyBitsU{Sym: 128},
		Mode:      &tpm2.SymModeU{Sym: tpm2.SymModeCFB},
	}
}

// encryptionSession is a HMAC session used for parameter encryption,
// salted with the storage primary key so that the session key can't be
// derived by a bus observer.
type encryptionSession struct {
	tpm2.SessionContext
	attrs tpm2.SessionAttributes
}

func (s *encryptionSession) check() error {
	if s == nil || s.SessionContext == nil {
		return errors.New("no encryption session")
	}
	if s.attrs&(tpm2.AttrCommandEncrypt|tpm2.AttrResponseEncrypt) != tpm2.AttrCommandEncrypt|tpm2.AttrResponseEncrypt {
		return &InvalidEncryptionSessionError{Attrs: s.attrs}
	}
	return nil
}

// forCommandEncryption returns the session restricted to encrypting
// command parameters, for commands that carry a secret towards the TPM.
func (s *encryptionSession) forCommandEncryption() tpm2.SessionContext {
	return s.SessionContext.WithAttrs(tpm2.AttrContinueSession | tpm2.AttrCommandEncrypt)
}

// forResponseEncryption returns the session restricted to encrypting
// response parameters, for commands that carry a secret from the TPM.
func (s *encryptionSession) forResponseEncryption() tpm2.SessionContext {
	return s.SessionContext.WithAttrs(tpm2.AttrContinueSession | tpm2.AttrResponseEncrypt)
}

// startEncryptionSession starts a parameter encryption session salted with
// the supplied key. If bind is not nil the session is additionally bound
// to that resource, mixing its auth value in to the session key. Unsealing
// with a PIN binds to the sealed object for this reason.
func startEncryptionSession(tpm *Connection, tpmKey, bind tpm2.ResourceContext) (*encryptionSession, error) {
	session, err := tpm.StartAuthSession(tpmKey, bind, tpm2.SessionTypeHMAC, aes128CFB(), defaultSessionHashAlgorithm, nil)
	if err != nil {
		return nil, xerrors.Errorf("cannot start encryption session: %w", err)
	}
	return &encryptionSession{
		SessionContext: session.WithAttrs(encryptionSessionAttrs),
		attrs:          encryptionSessionAttrs}, nil
}

// startPolicySession starts a policy session salted with the supplied key,
// for satisfying the authorization policy of a sealed object.
func startPolicySession(tpm *Connection, tpmKey tpm2.ResourceContext, enc *encryptionSession) (tpm2.SessionContext, error) {
	if err := enc.check(); err != nil {
		return nil, err
	}

	session, err := tpm.StartAuthSession(tpmKey, nil, tpm2.SessionTypePolicy, aes128CFB(), defaultSessionHashAlgorithm, nil)
	if err != nil {
		return nil, xerrors.Errorf("cannot start policy session: %w", err)
	}
	return session, nil
}

// sealingPolicyParams describes the assertions to execute in a policy
// session. The masks select PCRs in the same bank: authKeyMask selects the
// PCRs covered by the signed policy, mask selects the PCRs asserted
// directly.
type sealingPolicyParams struct {
	bank tpm2.HashAlgorithmId
	mask PCRMask

	authKey        *tpm2.Public
	authKeyMask    PCRMask
	keyFingerprint []byte
	signatures     SignatureDocument

	usePIN bool
}

// executePolicyAuthorize executes the signed PCR policy protocol on the
// supplied session. The PCR assertion for the signed mask runs first and
// the resulting session digest is the approved policy. The signature over
// it is verified to obtain a ticket, and TPM2_PolicyAuthorize then
// replaces the session digest with one derived from the signing key name.
// Without a signature a null ticket and an empty approved policy are
// passed, which only succeeds on trial sessions.
func executePolicyAuthorize(tpm *Connection, session tpm2.SessionContext, params *sealingPolicyParams) error {
	authKey, err := tpm.LoadExternal(nil, params.authKey, tpm2.HandleOwner)
	if err != nil {
		return xerrors.Errorf("cannot load policy authorization key: %w", err)
	}
	defer tpm.flushContext(authKey)

	ticket := &tpm2.TkVerified{Tag: tpm2.TagVerified, Hierarchy: tpm2.HandleOwner}
	var approvedPolicy tpm2.Digest

	if params.signatures != nil {
		if err := tpm.PolicyPCR(session, nil, selectionForMask(params.bank, params.authKeyMask)); err != nil {
			return xerrors.Errorf("cannot execute PCR assertion for signed policy: %w", err)
		}
		approvedPolicy, err = tpm.PolicyGetDigest(session)
		if err != nil {
			return xerrors.Errorf("cannot obtain approved policy digest: %w", err)
		}

		entry, err := params.signatures.findSignature(params.bank, params.authKeyMask, params.keyFingerprint, approvedPolicy)
		if err != nil {
			return err
		}
		sig, err := entry.tpmSignature()
		if err != nil {
			return err
		}

		// The TPM verifies the raw asymmetric signature only, so the
		// digest of the signed policy is computed here.
		signedDigest := digestInit(defaultSessionHashAlgorithm, approvedPolicy)

		ticket, err = tpm.VerifySignature(authKey, signedDigest, sig)
		if err != nil {
			return xerrors.Errorf("cannot verify signature of PCR policy: %w", err)
		}
	}

	if err := tpm.PolicyAuthorize(session, approvedPolicy, nil, authKey.Name(), ticket); err != nil {
		return xerrors.Errorf("policy authorization failed: %w", err)
	}
	return nil
}

// buildSealingPolicy executes the sealing policy assertions on the
// supplied session and returns the resulting policy digest. The assertion
// order matches computeSealingPolicy.
func buildSealingPolicy(tpm *Connection, session tpm2.SessionContext, params *sealingPolicyParams) (tpm2.Digest, error) {
	if params.authKey != nil {
		if err := executePolicyAuthorize(tpm, session, params); err != nil {
			return nil, err
		}
	}

	if params.mask != 0 {
		if err := tpm.PolicyPCR(session, nil, selectionForMask(params.bank, params.mask)); err != nil {
			return nil, xerrors.Errorf("cannot execute PCR assertion: %w", err)
		}
	}

	if params.usePIN {
		if err := tpm.PolicyAuthValue(session); err != nil {
			return nil, xerrors.Errorf("cannot execute auth value assertion: %w", err)
		}
	}

	digest, err := tpm.PolicyGetDigest(session)
	if err != nil {
		return nil, xerrors.Errorf("cannot obtain policy digest: %w", err)
	}
	return digest, nil
}
