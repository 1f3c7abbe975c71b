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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	"github.com/canonical/go-tpm2"
	"golang.org/x/xerrors"
)

// maxRSAModulusBytes is the largest RSA modulus that fits in a
// TPM2B_PUBLIC_KEY_RSA buffer.
const maxRSAModulusBytes = 512

func bigIntToBytesZeroExtended(x *big.Int, bytes int) (out []byte) {
	b := x.Bytes()
	if len(b) > bytes {
		return b
	}
	out = make([]byte, bytes)
	copy(out[bytes-len(b):], b)
	return
}

// createTPMPublicAreaForECDSAKey creates a *tpm2.Public from a go
// *ecdsa.PublicKey, which is suitable for loading in to a TPM with
// TPMContext.LoadExternal.
func createTPMPublicAreaForECDSAKey(key *ecdsa.PublicKey) (*tpm2.Public, error) {
	var curve tpm2.ECCCurve
	switch key.Curve {
	case elliptic.P224():
		curve = tpm2.ECCCurveNIST_P224
	case elliptic.P256():
		curve = tpm2.ECCCurveNIST_P256
	case elliptic.P384():
		curve = tpm2.ECCCurveNIST_P384
	case elliptic.P521():
		curve = tpm2.ECCCurveNIST_P521
	default:
		return nil, errors.New("unsupported curve")
	}
	coordBytes := (key.Params().BitSize + 7) / 8

	return &tpm2.Public{
		Type:    tpm2.ObjectTypeECC,
		NameAlg: tpm2.HashAlgorithmSHA256,
		Attrs:   tpm2.AttrSensitiveDataOrigin | tpm2.AttrUserWithAuth | tpm2.AttrSign,
		Params: &tpm2.PublicParamsU{
			ECCDetail: &tpm2.ECCParams{
				Symmetric: tpm2.SymDefObject{Algorithm: tpm2.SymObjectAlgorithmNull},
				Scheme: tpm2.ECCScheme{
					Scheme:  tpm2.ECCSchemeECDSA,
					Details: &tpm2.AsymSchemeU{ECDSA: &tpm2.SigSchemeECDSA{HashAlg: tpm2.HashAlgorithmSHA256}}},
				CurveID: curve,
				KDF:     tpm2.KDFScheme{Scheme: tpm2.KDFAlgorithmNull}}},
		Unique: &tpm2.PublicIDU{
			ECC: &tpm2.ECCPoint{
				X: bigIntToBytesZeroExtended(key.X, coordBytes),
				Y: bigIntToBytesZeroExtended(key.Y, coordBytes)}}}, nil
}

// createTPMPublicAreaForRSAKey creates a *tpm2.Public from a go
// *rsa.PublicKey, which is suitable for loading in to a TPM with
// TPMContext.LoadExternal.
func createTPMPublicAreaForRSAKey(key *rsa.PublicKey) (*tpm2.Public, error) {
	modulus := key.N.Bytes()
	if len(modulus) > maxRSAModulusBytes {
		return nil, fmt.Errorf("RSA modulus of %d bits is too large", key.N.BitLen())
	}
	exponent := uint32(key.E)
	if exponent == 65537 {
		// The TPM uses 0 to denote the default exponent.
		exponent = 0
	}

	return &tpm2.Public{
		Type:    tpm2.ObjectTypeRSA,
		NameAlg: tpm2.HashAlgorithmSHA256,
		Attrs:   tpm2.AttrSensitiveDataOrigin | tpm2.AttrUserWithAuth | tpm2.AttrSign,
		Params: &tpm2.PublicParamsU{
			RSADetail: &tpm2.RSAParams{
				Symmetric: tpm2.SymDefObject{Algorithm: tpm2.SymObjectAlgorithmNull},
				Scheme:    tpm2.RSAScheme{Scheme: tpm2.RSASchemeNull},
				KeyBits:   uint16(key.N.BitLen()),
				Exponent:  exponent}},
		Unique: &tpm2.PublicIDU{RSA: modulus}}, nil
}

// createTPMPublicAreaForKey creates a *tpm2.Public for the supplied public
// key, which must be a *rsa.PublicKey or *ecdsa.PublicKey.
func createTPMPublicAreaForKey(key crypto.PublicKey) (*tpm2.Public, error) {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return createTPMPublicAreaForRSAKey(k)
	case *ecdsa.PublicKey:
		return createTPMPublicAreaForECDSAKey(k)
	default:
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
}

// DecodePolicyAuthKey decodes a PEM encoded public key for authorizing
// signed PCR policies. Both SubjectPublicKeyInfo and PKCS#1 encodings are
// accepted.
func DecodePolicyAuthKey(pemData []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, xerrors.Errorf("cannot parse public key: %w", err)
		}
		return key, nil
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, xerrors.Errorf("cannot parse RSA public key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
}

// publicKeyFingerprint computes the fingerprint that identifies a policy
// authorization key in signature documents, which is the SHA-256 digest of
// the DER encoded SubjectPublicKeyInfo structure.
func publicKeyFingerprint(key crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, xerrors.Errorf("cannot encode public key: %w", err)
	}
	h := crypto.SHA256.New()
	h.Write(der)
	return h.Sum(nil), nil
}
