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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"

	"github.com/canonical/go-tpm2"

	. "gopkg.in/check.v1"

	. "github.com/fdeutils/tpmseal/tpm2"
)

type unsealSuite struct{}

var _ = Suite(&unsealSuite{})

func pcrChangedError() error {
	return &tpm2.TPMError{Command: tpm2.CommandUnseal, Code: tpm2.ErrorPCRChanged}
}

func (s *unsealSuite) TestUnsealWithRetriesSucceedsFirstAttempt(c *C) {
	attempts := 0
	secret, err := UnsealWithRetries(func() ([]byte, error) {
		attempts++
		return []byte("secret"), nil
	})
	c.Check(err, IsNil)
	c.Check(secret, DeepEquals, []byte("secret"))
	c.Check(attempts, Equals, 1)
}

func (s *unsealSuite) TestUnsealWithRetriesRecoversFromPCRChange(c *C) {
	attempts := 0
	secret, err := UnsealWithRetries(func() ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, pcrChangedError()
		}
		return []byte("secret"), nil
	})
	c.Check(err, IsNil)
	c.Check(secret, DeepEquals, []byte("secret"))
	c.Check(attempts, Equals, 3)
}

func (s *unsealSuite) TestUnsealWithRetriesIsBounded(c *C) {
	attempts := 0
	_, err := UnsealWithRetries(func() ([]byte, error) {
		attempts++
		return nil, pcrChangedError()
	})
	c.Check(IsPCRChangedError(err), Equals, true)
	c.Check(attempts, Equals, MaxUnsealRetries)
}

func (s *unsealSuite) TestUnsealWithRetriesStopsOnOtherErrors(c *C) {
	attempts := 0
	_, err := UnsealWithRetries(func() ([]byte, error) {
		attempts++
		return nil, errors.New("some other error")
	})
	c.Check(err, ErrorMatches, "some other error")
	c.Check(attempts, Equals, 1)
}

func (s *unsealSuite) TestUnsealWithRetriesDoesNotRetryPolicyMismatch(c *C) {
	attempts := 0
	_, err := UnsealWithRetries(func() ([]byte, error) {
		attempts++
		return nil, &PolicyDigestMismatchError{
			Expected: make(tpm2.Digest, 32),
			Computed: make(tpm2.Digest, 32)}
	})
	c.Check(IsPolicyDigestMismatchError(err), Equals, true)
	c.Check(attempts, Equals, 1)
}

func (s *unsealSuite) TestIsPCRChangedError(c *C) {
	c.Check(IsPCRChangedError(pcrChangedError()), Equals, true)
	c.Check(IsPCRChangedError(&tpm2.TPMError{Command: tpm2.CommandPolicyPCR, Code: tpm2.ErrorPCRChanged}), Equals, true)
	c.Check(IsPCRChangedError(errors.New("some other error")), Equals, false)
	c.Check(IsPCRChangedError(&tpm2.TPMError{Command: tpm2.CommandUnseal, Code: tpm2.ErrorPolicyFail}), Equals, false)
}

func (s *unsealSuite) TestCheckExpectedPolicyDigest(c *C) {
	digest := makePCRValue(tpm2.HashAlgorithmSHA256, "policy")

	c.Check(CheckExpectedPolicyDigest(digest, digest), IsNil)

	// An empty expected digest disables the check.
	c.Check(CheckExpectedPolicyDigest(nil, digest), IsNil)

	other := makePCRValue(tpm2.HashAlgorithmSHA256, "other")
	err := CheckExpectedPolicyDigest(digest, other)
	c.Assert(err, NotNil)
	c.Check(IsPolicyDigestMismatchError(err), Equals, true)

	var e *PolicyDigestMismatchError
	c.Assert(errors.As(err, &e), Equals, true)
	c.Check(e.Expected, DeepEquals, digest)
	c.Check(e.Computed, DeepEquals, other)
}

func (s *unsealSuite) TestUnsealSecretRequiresBlob(c *C) {
	_, err := UnsealSecret(nil, &UnsealParams{})
	c.Check(err, ErrorMatches, "no sealed object blob supplied")

	_, err = UnsealSecret(nil, nil)
	c.Check(err, ErrorMatches, "no sealed object blob supplied")
}

func (s *unsealSuite) TestUnsealSecretValidatesSignedPolicyParams(c *C) {
	mask, err := MakePCRMask(7)
	c.Assert(err, IsNil)

	_, err = UnsealSecret(nil, &UnsealParams{Blob: []byte{0x01}, AuthKeyMask: mask})
	c.Check(err, ErrorMatches, "a PCR mask for a signed policy requires a policy authorization key")

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	c.Assert(err, IsNil)
	_, err = UnsealSecret(nil, &UnsealParams{Blob: []byte{0x01}, AuthKey: key.Public(), AuthKeyMask: mask})
	c.Check(err, ErrorMatches, "unsealing with a signed policy requires a signature document")
}
