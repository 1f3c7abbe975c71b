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
	"github.com/canonical/go-tpm2"

	. "gopkg.in/check.v1"

	. "github.com/fdeutils/tpmseal/tpm2"
)

type pcrSuite struct{}

var _ = Suite(&pcrSuite{})

func (s *pcrSuite) TestMakePCRMask(c *C) {
	mask, err := MakePCRMask(0, 4, 7)
	c.Assert(err, IsNil)
	c.Check(mask, Equals, PCRMask(1<<0|1<<4|1<<7))
	c.Check(mask.PCRs(), DeepEquals, []int{0, 4, 7})
}

func (s *pcrSuite) TestMakePCRMaskEmpty(c *C) {
	mask, err := MakePCRMask()
	c.Assert(err, IsNil)
	c.Check(mask, Equals, PCRMask(0))
	c.Check(mask.PCRs(), HasLen, 0)
}

func (s *pcrSuite) TestMakePCRMaskInvalidIndex(c *C) {
	_, err := MakePCRMask(24)
	c.Check(err, ErrorMatches, `invalid PCR index 24`)

	_, err = MakePCRMask(-1)
	c.Check(err, ErrorMatches, `invalid PCR index -1`)
}

func (s *pcrSuite) TestParsePCRMask(c *C) {
	for _, t := range []struct {
		s    string
		pcrs []int
	}{
		{"7", []int{7}},
		{"0+2+4+7", []int{0, 2, 4, 7}},
		{"0,4,7", []int{0, 4, 7}},
		{"7+7", []int{7}},
		{"12+4", []int{4, 12}},
	} {
		mask, err := ParsePCRMask(t.s)
		c.Assert(err, IsNil, Commentf("input %q", t.s))
		c.Check(mask.PCRs(), DeepEquals, t.pcrs, Commentf("input %q", t.s))
	}
}

func (s *pcrSuite) TestParsePCRMaskEmpty(c *C) {
	mask, err := ParsePCRMask("")
	c.Assert(err, IsNil)
	c.Check(mask, Equals, PCRMask(0))
}

func (s *pcrSuite) TestParsePCRMaskInvalid(c *C) {
	_, err := ParsePCRMask("foo")
	c.Check(err, ErrorMatches, `invalid PCR index "foo": .*`)

	_, err = ParsePCRMask("7+24")
	c.Check(err, ErrorMatches, `invalid PCR index 24`)
}

func (s *pcrSuite) TestPCRMaskString(c *C) {
	mask, err := MakePCRMask(0, 4, 7)
	c.Assert(err, IsNil)
	c.Check(mask.String(), Equals, "0+4+7")

	// String and ParsePCRMask round trip.
	mask2, err := ParsePCRMask(mask.String())
	c.Assert(err, IsNil)
	c.Check(mask2, Equals, mask)
}

func (s *pcrSuite) TestPCRMaskAlgebra(c *C) {
	a, err := MakePCRMask(0, 4, 7)
	c.Assert(err, IsNil)
	b, err := MakePCRMask(4, 11)
	c.Assert(err, IsNil)

	c.Check(a.Union(b).PCRs(), DeepEquals, []int{0, 4, 7, 11})
	c.Check(a.Difference(b).PCRs(), DeepEquals, []int{0, 7})
	c.Check(b.Difference(a).PCRs(), DeepEquals, []int{11})

	c.Check(a.Count(), Equals, 3)
	c.Check(a.Union(b).Count(), Equals, 4)
	c.Check(PCRMask(0).Count(), Equals, 0)

	c.Check(a.Union(PCRMask(0)), Equals, a)
	c.Check(a.Difference(a), Equals, PCRMask(0))
}

func (s *pcrSuite) TestMaskFromSelect(c *C) {
	c.Check(MaskFromSelect([]int{0, 4, 7}), Equals, PCRMask(1<<0|1<<4|1<<7))
	c.Check(MaskFromSelect(nil), Equals, PCRMask(0))

	// Out of range indices are ignored.
	c.Check(MaskFromSelect([]int{7, 24, -1}), Equals, PCRMask(1<<7))
}

func (s *pcrSuite) TestSelectionForMask(c *C) {
	mask, err := MakePCRMask(4, 7)
	c.Assert(err, IsNil)
	sel := SelectionForMask(tpm2.HashAlgorithmSHA256, mask)
	c.Check(sel, DeepEquals, tpm2.PCRSelectionList{{Hash: tpm2.HashAlgorithmSHA256, Select: []int{4, 7}}})
}

func (s *pcrSuite) TestBankNames(c *C) {
	for _, t := range []struct {
		alg  tpm2.HashAlgorithmId
		name string
	}{
		{tpm2.HashAlgorithmSHA1, "sha1"},
		{tpm2.HashAlgorithmSHA256, "sha256"},
		{tpm2.HashAlgorithmSHA384, "sha384"},
		{tpm2.HashAlgorithmSHA512, "sha512"},
	} {
		c.Check(BankName(t.alg), Equals, t.name)
		alg, err := BankFromName(t.name)
		c.Assert(err, IsNil)
		c.Check(alg, Equals, t.alg)
	}

	c.Check(BankName(tpm2.HashAlgorithmNull), Equals, "")
	_, err := BankFromName("md5")
	c.Check(err, ErrorMatches, `unrecognized PCR bank name "md5"`)
}

func (s *pcrSuite) TestBankHasAllPCRs(c *C) {
	full := make([]int, 24)
	for i := range full {
		full[i] = i
	}
	c.Check(BankHasAllPCRs(tpm2.PCRSelection{Hash: tpm2.HashAlgorithmSHA256, Select: full}), Equals, true)
	c.Check(BankHasAllPCRs(tpm2.PCRSelection{Hash: tpm2.HashAlgorithmSHA256, Select: full[:16]}), Equals, false)
	c.Check(BankHasAllPCRs(tpm2.PCRSelection{Hash: tpm2.HashAlgorithmSHA256}), Equals, false)
}

func (s *pcrSuite) TestPCRValueIsInitialized(c *C) {
	zero := make(tpm2.Digest, 32)
	c.Check(PCRValueIsInitialized(zero), Equals, false)

	ones := make(tpm2.Digest, 32)
	for i := range ones {
		ones[i] = 0xff
	}
	c.Check(PCRValueIsInitialized(ones), Equals, false)

	c.Check(PCRValueIsInitialized(makePCRValue(tpm2.HashAlgorithmSHA256, "foo")), Equals, true)
}

func (s *pcrSuite) TestPCRMaskGood(c *C) {
	mask, err := MakePCRMask(4, 7)
	c.Assert(err, IsNil)

	values := tpm2.PCRValues{tpm2.HashAlgorithmSHA256: {
		4: make(tpm2.Digest, 32),
		7: makePCRValue(tpm2.HashAlgorithmSHA256, "foo")}}
	c.Check(PCRMaskGood(values, tpm2.HashAlgorithmSHA256, mask), Equals, true)

	values[tpm2.HashAlgorithmSHA256][7] = make(tpm2.Digest, 32)
	c.Check(PCRMaskGood(values, tpm2.HashAlgorithmSHA256, mask), Equals, false)

	// Values from a different bank don't count.
	c.Check(PCRMaskGood(values, tpm2.HashAlgorithmSHA1, mask), Equals, false)
}

func (s *pcrSuite) TestPickBestPCRBank(c *C) {
	for _, t := range []struct {
		banks []PCRBankInfo
		want  int
	}{
		// SHA-256 with initialized values wins over everything.
		{[]PCRBankInfo{
			MakeBankInfo(tpm2.HashAlgorithmSHA1, true, true),
			MakeBankInfo(tpm2.HashAlgorithmSHA256, true, true)}, 1},
		// A SHA-1 bank with initialized values beats a SHA-256 bank
		// whose probed PCRs are all uninitialized.
		{[]PCRBankInfo{
			MakeBankInfo(tpm2.HashAlgorithmSHA256, true, false),
			MakeBankInfo(tpm2.HashAlgorithmSHA1, true, true)}, 1},
		// An uninitialized SHA-256 bank beats an uninitialized SHA-1
		// bank.
		{[]PCRBankInfo{
			MakeBankInfo(tpm2.HashAlgorithmSHA1, true, false),
			MakeBankInfo(tpm2.HashAlgorithmSHA256, true, false)}, 1},
		// Banks not covering the standard 24 PCRs are skipped.
		{[]PCRBankInfo{
			MakeBankInfo(tpm2.HashAlgorithmSHA256, false, true),
			MakeBankInfo(tpm2.HashAlgorithmSHA1, true, true)}, 1},
		// Banks other than SHA-256 and SHA-1 are never selected.
		{[]PCRBankInfo{
			MakeBankInfo(tpm2.HashAlgorithmSHA384, true, true)}, -1},
		{nil, -1},
	} {
		c.Check(PickBestPCRBank(t.banks), Equals, t.want, Commentf("banks %+v", t.banks))
	}
}

type pcrTPMSuite struct {
	tpmSimulatorSuite
}

var _ = Suite(&pcrTPMSuite{})

func (s *pcrTPMSuite) TestSelectBestPCRBank(c *C) {
	mask, err := MakePCRMask(7)
	c.Assert(err, IsNil)

	bank, values, err := SelectBestPCRBank(s.TPM, mask)
	c.Assert(err, IsNil)
	c.Check(BankName(bank), Not(Equals), "")
	c.Assert(values[bank], NotNil)
	c.Check(values[bank][7], HasLen, bank.Size())

	// Selection is stable for an unchanged TPM state.
	bank2, _, err := SelectBestPCRBank(s.TPM, mask)
	c.Assert(err, IsNil)
	c.Check(bank2, Equals, bank)
}

func (s *pcrTPMSuite) TestSelectBestPCRBankPrefersExtendedBank(c *C) {
	mask, err := MakePCRMask(16)
	c.Assert(err, IsNil)

	_, err = s.TPM.PCREvent(s.TPM.PCRHandleContext(16), []byte("foo"), nil)
	c.Assert(err, IsNil)

	bank, values, err := SelectBestPCRBank(s.TPM, mask)
	c.Assert(err, IsNil)
	c.Check(PCRMaskGood(values, bank, mask), Equals, true)
}

func (s *pcrTPMSuite) TestGoodPCRBanks(c *C) {
	mask, err := MakePCRMask(16)
	c.Assert(err, IsNil)

	_, err = s.TPM.PCREvent(s.TPM.PCRHandleContext(16), []byte("foo"), nil)
	c.Assert(err, IsNil)

	banks, err := GoodPCRBanks(s.TPM, mask)
	c.Assert(err, IsNil)
	c.Assert(banks, Not(HasLen), 0)

	// The extended PCR makes every returned bank a good one, so the
	// best bank must be among them.
	best, _, err := SelectBestPCRBank(s.TPM, mask)
	c.Assert(err, IsNil)
	found := false
	for _, bank := range banks {
		c.Check(BankName(bank), Not(Equals), "")
		if bank == best {
			found = true
		}
	}
	c.Check(found, Equals, true)
}

func (s *pcrTPMSuite) TestGoodPCRBanksEmptyMask(c *C) {
	// With no PCRs probed no bank has initialized values, so the
	// fallback set of all usable banks is returned.
	banks, err := GoodPCRBanks(s.TPM, 0)
	c.Assert(err, IsNil)
	c.Check(banks, Not(HasLen), 0)
}
