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
	"crypto/sha256"
	"fmt"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mu"
	"github.com/canonical/go-tpm2/templates"
	"golang.org/x/xerrors"
)

// PrimaryKeyAlgorithm identifies the asymmetric algorithm of the storage
// primary key that secrets are sealed under.
type PrimaryKeyAlgorithm string

const (
	// PrimaryKeyAlgorithmAuto selects ECC if the TPM supports it and
	// falls back to RSA.
	PrimaryKeyAlgorithmAuto PrimaryKeyAlgorithm = ""

	PrimaryKeyAlgorithmECC PrimaryKeyAlgorithm = "ecc"
	PrimaryKeyAlgorithmRSA PrimaryKeyAlgorithm = "rsa"
)

// ParsePrimaryKeyAlgorithm converts the algorithm name recorded in key
// metadata back in to a PrimaryKeyAlgorithm.
func ParsePrimaryKeyAlgorithm(name string) (PrimaryKeyAlgorithm, error) {
	switch PrimaryKeyAlgorithm(name) {
	case PrimaryKeyAlgorithmAuto, PrimaryKeyAlgorithmECC, PrimaryKeyAlgorithmRSA:
		return PrimaryKeyAlgorithm(name), nil
	default:
		return "", fmt.Errorf("unrecognized primary key algorithm %q", name)
	}
}

// primaryTemplateECC returns the template for an ECC storage primary key.
// The template is fixed because the primary key must derive to the same
// object at seal and unseal time.
func primaryTemplateECC() *tpm2.Public {
	return &tpm2.Public{
		Type:    tpm2.ObjectTypeECC,
		NameAlg: tpm2.HashAlgorithmSHA256,
		Attrs: tpm2.AttrFixedTPM | tpm2.AttrFixedParent | tpm2.AttrSensitiveDataOrigin |
			tpm2.AttrUserWithAuth | tpm2.AttrRestricted | tpm2.AttrDecrypt,
		Params: &tpm2.PublicParamsU{
			ECCDetail: &tpm2.ECCParams{
				Symmetric: tpm2.SymDefObject{
					Algorithm: tpm2.SymObjectAlgorithmAES,
					KeyBits:   &tpm2.SymKeyBitsU{Sym: 128},
					Mode:      &tpm2.SymModeU{Sym: tpm2.SymModeCFB}},
				Scheme:  tpm2.ECCScheme{Scheme: tpm2.ECCSchemeNull},
				CurveID: tpm2.ECCCurveNIST_P256,
				KDF:     tpm2.KDFScheme{Scheme: tpm2.KDFAlgorithmNull}}},
		Unique: &tpm2.PublicIDU{ECC: &tpm2.ECCPoint{}}}
}

// primaryTemplateRSA returns the template for an RSA storage primary key,
// used on TPMs without NIST P-256 support.
func primaryTemplateRSA() *tpm2.Public {
	return &tpm2.Public{
		Type:    tpm2.ObjectTypeRSA,
		NameAlg: tpm2.HashAlgorithmSHA256,
		Attrs: tpm2.AttrFixedTPM | tpm2.AttrFixedParent | tpm2.AttrSensitiveDataOrigin |
			tpm2.AttrUserWithAuth | tpm2.AttrRestricted | tpm2.AttrDecrypt,
		Params: &tpm2.PublicParamsU{
			RSADetail: &tpm2.RSAParams{
				Symmetric: tpm2.SymDefObject{
					Algorithm: tpm2.SymObjectAlgorithmAES,
					KeyBits:   &tpm2.SymKeyBitsU{Sym: 128},
					Mode:      &tpm2.SymModeU{Sym: tpm2.SymModeCFB}},
				Scheme:   tpm2.RSAScheme{Scheme: tpm2.RSASchemeNull},
				KeyBits:  2048,
				Exponent: 0}},
		Unique: &tpm2.PublicIDU{RSA: tpm2.PublicKeyRSA{}}}
}

// createPrimaryKey derives the storage primary key in the owner hierarchy.
// With PrimaryKeyAlgorithmAuto an ECC key is tried first because ECC
// derivation is orders of magnitude faster on most TPMs, falling back to
// RSA on TPMs without P-256 support. The algorithm actually used is
// returned so that it can be recorded and replayed at unseal time.
func createPrimaryKey(tpm *Connection, alg PrimaryKeyAlgorithm) (tpm2.ResourceContext, PrimaryKeyAlgorithm, error) {
	type candidate struct {
		alg      PrimaryKeyAlgorithm
		template *tpm2.Public
	}

	var candidates []candidate
	switch alg {
	case PrimaryKeyAlgorithmAuto:
		candidates = []candidate{
			{PrimaryKeyAlgorithmECC, primaryTemplateECC()},
			{PrimaryKeyAlgorithmRSA, primaryTemplateRSA()}}
	case PrimaryKeyAlgorithmECC:
		candidates = []candidate{{PrimaryKeyAlgorithmECC, primaryTemplateECC()}}
	case PrimaryKeyAlgorithmRSA:
		candidates = []candidate{{PrimaryKeyAlgorithmRSA, primaryTemplateRSA()}}
	default:
		return nil, "", fmt.Errorf("unrecognized primary key algorithm %q", alg)
	}

	var lastErr error
	for _, c := range candidates {
		primary, _, _, _, _, err := tpm.CreatePrimary(tpm.OwnerHandleContext(), nil, c.template, nil, nil, nil)
		switch {
		case err == nil:
			return primary, c.alg, nil
		case isLockoutError(err):
			return nil, "", ErrTPMLockout
		case isAuthFailError(err, tpm2.CommandCreatePrimary, 1):
			return nil, "", xerrors.Errorf("cannot create storage primary key: %w", err)
		}
		lastErr = err
	}
	return nil, "", xerrors.Errorf("cannot create storage primary key: %w", lastErr)
}

// trimAuthValue strips trailing zero bytes from an auth value. The TPM
// itself trims trailing zeroes when computing authorizations, so values
// that differ only in trailing zeroes denote the same auth value, and
// tools must trim consistently to interoperate.
func trimAuthValue(auth []byte) []byte {
	end := len(auth)
	for end > 0 && auth[end-1] == 0x00 {
		end--
	}
	return auth[:end]
}

// pinAuthValue derives the auth value for a sealed object from a PIN.
func pinAuthValue(pin string) tpm2.Auth {
	digest := sha256.Sum256([]byte(pin))
	return tpm2.Auth(trimAuthValue(digest[:]))
}

// createSealedObject seals the supplied secret under the storage primary
// key, protected by the supplied authorization policy and optional auth
// value. The session must provide command encryption so that the secret
// doesn't travel to the TPM in the clear.
func createSealedObject(tpm *Connection, primary tpm2.ResourceContext, session tpm2.SessionContext, secret []byte, policy tpm2.Digest, authValue tpm2.Auth) (tpm2.Private, *tpm2.Public, error) {
	sensitive := tpm2.SensitiveCreate{Data: secret, UserAuth: authValue}

	template := templates.NewSealedObject(tpm2.HashAlgorithmSHA256)
	template.Attrs &^= tpm2.AttrUserWithAuth
	template.AuthPolicy = policy

	priv, pub, _, _, _, err := tpm.Create(primary, &sensitive, template, nil, nil, session)
	if err != nil {
		return nil, nil, xerrors.Errorf("cannot create sealed object: %w", err)
	}
	return priv, pub, nil
}

// marshalSealedObject packs the private and public parts of a sealed
// object in to a single blob for storage alongside the encrypted volume.
func marshalSealedObject(priv tpm2.Private, pub *tpm2.Public) ([]byte, error) {
	b, err := mu.MarshalToBytes(priv, mu.Sized(pub))
	if err != nil {
		return nil, xerrors.Errorf("cannot marshal sealed object: %w", err)
	}
	return b, nil
}

// unmarshalSealedObject unpacks a blob produced by marshalSealedObject.
func unmarshalSealedObject(blob []byte) (tpm2.Private, *tpm2.Public, error) {
	var priv tpm2.Private
	var pub *tpm2.Public
	n, err := mu.UnmarshalFromBytes(blob, &priv, mu.Sized(&pub))
	if err != nil {
		return nil, nil, InvalidBlobError{err}
	}
	if n != len(blob) {
		return nil, nil, InvalidBlobError{fmt.Errorf("%d trailing bytes", len(blob)-n)}
	}
	if pub == nil || pub.Type != tpm2.ObjectTypeKeyedHash {
		return nil, nil, InvalidBlobError{fmt.Errorf("public area is not a sealed object")}
	}
	return priv, pub, nil
}

// loadSealedObject loads a sealed object blob under the storage primary
// key. Load performs an integrity check that binds the object to the TPM
// that created it, so a blob from a different TPM or a tampered blob fails
// here.
func loadSealedObject(tpm *Connection, primary tpm2.ResourceContext, blob []byte) (tpm2.ResourceContext, *tpm2.Public, error) {
	priv, pub, err := unmarshalSealedObject(blob)
	if err != nil {
		return nil, nil, err
	}

	object, err := tpm.Load(primary, priv, pub, nil)
	switch {
	case tpm2.IsTPMParameterError(err, tpm2.AnyErrorCode, tpm2.CommandLoad, tpm2.AnyParameterIndex):
		return nil, nil, InvalidBlobError{err}
	case isLockoutError(err):
		return nil, nil, ErrTPMLockout
	case err != nil:
		return nil, nil, xerrors.Errorf("cannot load sealed object: %w", err)
	}
	return object, pub, nil
}
