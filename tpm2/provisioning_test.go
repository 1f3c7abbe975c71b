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

package tpm2_test

import (
	"crypto/sha256"

	"github.com/canonical/go-tpm2"

	. "gopkg.in/check.v1"

	. "github.com/fdeutils/tpmseal/tpm2"
)

type provisioningSuite struct{}

var _ = Suite(&provisioningSuite{})

func (s *provisioningSuite) TestParsePrimaryKeyAlgorithm(c *C) {
	for _, t := range []struct {
		name string
		alg  PrimaryKeyAlgorithm
	}{
		{"", PrimaryKeyAlgorithmAuto},
		{"ecc", PrimaryKeyAlgorithmECC},
		{"rsa", PrimaryKeyAlgorithmRSA},
	} {
		alg, err := ParsePrimaryKeyAlgorithm(t.name)
		c.Assert(err, IsNil)
		c.Check(alg, Equals, t.alg)
	}

	_, err := ParsePrimaryKeyAlgorithm("dsa")
	c.Check(err, ErrorMatches, `unrecognized primary key algorithm "dsa"`)
}

func (s *provisioningSuite) TestPrimaryTemplates(c *C) {
	storageAttrs := tpm2.AttrFixedTPM | tpm2.AttrFixedParent | tpm2.AttrSensitiveDataOrigin |
		tpm2.AttrUserWithAuth | tpm2.AttrRestricted | tpm2.AttrDecrypt

	ecc := PrimaryTemplateECC()
	c.Check(ecc.Type, Equals, tpm2.ObjectTypeECC)
	c.Check(ecc.NameAlg, Equals, tpm2.HashAlgorithmSHA256)
	c.Check(ecc.Attrs, Equals, storageAttrs)
	c.Check(ecc.Params.ECCDetail.CurveID, Equals, tpm2.ECCCurveNIST_P256)
	c.Check(ecc.Params.ECCDetail.Symmetric.Algorithm, Equals, tpm2.SymObjectAlgorithmAES)
	c.Check(ecc.Params.ECCDetail.Symmetric.KeyBits.Sym, Equals, uint16(128))
	c.Check(ecc.Params.ECCDetail.Scheme.Scheme, Equals, tpm2.ECCSchemeNull)

	rsa := PrimaryTemplateRSA()
	c.Check(rsa.Type, Equals, tpm2.ObjectTypeRSA)
	c.Check(rsa.NameAlg, Equals, tpm2.HashAlgorithmSHA256)
	c.Check(rsa.Attrs, Equals, storageAttrs)
	c.Check(rsa.Params.RSADetail.KeyBits, Equals, uint16(2048))
	c.Check(rsa.Params.RSADetail.Exponent, Equals, uint32(0))
	c.Check(rsa.Params.RSADetail.Symmetric.Algorithm, Equals, tpm2.SymObjectAlgorithmAES)
	c.Check(rsa.Params.RSADetail.Scheme.Scheme, Equals, tpm2.RSASchemeNull)
}

func (s *provisioningSuite) TestTrimAuthValue(c *C) {
	c.Check(TrimAuthValue([]byte{0x01, 0x02, 0x00, 0x00}), DeepEquals, []byte{0x01, 0x02})
	c.Check(TrimAuthValue([]byte{0x01, 0x00, 0x02}), DeepEquals, []byte{0x01, 0x00, 0x02})
	c.Check(TrimAuthValue([]byte{0x00, 0x00}), HasLen, 0)
	c.Check(TrimAuthValue(nil), HasLen, 0)
	c.Check(TrimAuthValue([]byte{0x01}), DeepEquals, []byte{0x01})
}

func (s *provisioningSuite) TestPinAuthValue(c *C) {
	digest := sha256.Sum256([]byte("1234"))
	c.Check(PinAuthValue("1234"), DeepEquals, tpm2.Auth(TrimAuthValue(digest[:])))

	// Deterministic, and distinct PINs map to distinct values.
	c.Check(PinAuthValue("1234"), DeepEquals, PinAuthValue("1234"))
	c.Check(PinAuthValue("1234"), Not(DeepEquals), PinAuthValue("5678"))
}

func (s *provisioningSuite) TestMarshalSealedObjectRoundTrip(c *C) {
	priv := tpm2.Private([]byte{0x01, 0x02, 0x03, 0x04})
	pub := &tpm2.Public{
		Type:    tpm2.ObjectTypeKeyedHash,
		NameAlg: tpm2.HashAlgorithmSHA256,
		Attrs:   tpm2.AttrFixedTPM | tpm2.AttrFixedParent,
		Params: &tpm2.PublicParamsU{
			KeyedHashDetail: &tpm2.KeyedHashParams{
				Scheme: tpm2.KeyedHashScheme{Scheme: tpm2.KeyedHashSchemeNull}}},
		Unique: &tpm2.PublicIDU{KeyedHash: make(tpm2.Digest, 32)}}

	blob, err := MarshalSealedObject(priv, pub)
	c.Assert(err, IsNil)

	priv2, pub2, err := UnmarshalSealedObject(blob)
	c.Assert(err, IsNil)
	c.Check(priv2, DeepEquals, priv)
	c.Check(pub2.Type, Equals, tpm2.ObjectTypeKeyedHash)
	c.Check(pub2.NameAlg, Equals, tpm2.HashAlgorithmSHA256)
	c.Check(pub2.Unique.KeyedHash, DeepEquals, pub.Unique.KeyedHash)
}

func (s *provisioningSuite) TestUnmarshalSealedObjectGarbage(c *C) {
	_, _, err := UnmarshalSealedObject([]byte("garbage"))
	c.Check(IsInvalidBlobError(err), Equals, true)
	c.Check(err, ErrorMatches, "invalid sealed object blob: .*")
}

func (s *provisioningSuite) TestUnmarshalSealedObjectTrailingBytes(c *C) {
	priv := tpm2.Private([]byte{0x01, 0x02, 0x03, 0x04})
	pub := &tpm2.Public{
		Type:    tpm2.ObjectTypeKeyedHash,
		NameAlg: tpm2.HashAlgorithmSHA256,
		Attrs:   tpm2.AttrFixedTPM | tpm2.AttrFixedParent,
		Params: &tpm2.PublicParamsU{
			KeyedHashDetail: &tpm2.KeyedHashParams{
				Scheme: tpm2.KeyedHashScheme{Scheme: tpm2.KeyedHashSchemeNull}}},
		Unique: &tpm2.PublicIDU{KeyedHash: make(tpm2.Digest, 32)}}

	blob, err := MarshalSealedObject(priv, pub)
	c.Assert(err, IsNil)

	_, _, err = UnmarshalSealedObject(append(blob, 0x00, 0x01))
	c.Check(IsInvalidBlobError(err), Equals, true)
	c.Check(err, ErrorMatches, "invalid sealed object blob: 2 trailing bytes")
}

func (s *provisioningSuite) TestUnmarshalSealedObjectWrongType(c *C) {
	priv := tpm2.Private([]byte{0x01, 0x02})
	pub := PrimaryTemplateECC()

	blob, err := MarshalSealedObject(priv, pub)
	c.Assert(err, IsNil)

	_, _, err = UnmarshalSealedObject(blob)
	c.Check(IsInvalidBlobError(err), Equals, true)
	c.Check(err, ErrorMatches, "invalid sealed object blob: public area is not a sealed object")
}
