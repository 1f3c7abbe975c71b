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
	"fmt"
	"math/bits"
	"os"
	"strconv"
	"strings"

	"github.com/canonical/go-tpm2"
	"golang.org/x/xerrors"
)

// numPCRs is the number of PCRs mandated by the PC client profile. PCRs
// above this range exist on some TPMs but are not usable for sealing.
const numPCRs = 24

// maxPCRReadValues is the number of PCR values requested per TPM2_PCR_Read
// command. The TPM is permitted to return fewer values than requested, but
// every implementation returns at least 8.
const maxPCRReadValues = 8

// PCRMask represents a set of PCR indices in the range 0 to 23, with bit N
// corresponding to PCR N.
type PCRMask uint32

// MakePCRMask returns a PCRMask with the supplied indices selected.
func MakePCRMask(pcrs ...int) (PCRMask, error) {
	var mask PCRMask
	for _, pcr := range pcrs {
		if pcr < 0 || pcr >= numPCRs {
			return 0, fmt.Errorf("invalid PCR index %d", pcr)
		}
		mask |= 1 << uint(pcr)
	}
	return mask, nil
}

// ParsePCRMask parses a string of PCR indices separated by "+" or "," in
// to a PCRMask.
func ParsePCRMask(s string) (PCRMask, error) {
	if s == "" {
		return 0, nil
	}
	var pcrs []int
	for _, field := range strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ',' }) {
		pcr, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return 0, xerrors.Errorf("invalid PCR index %q: %w", field, err)
		}
		pcrs = append(pcrs, pcr)
	}
	return MakePCRMask(pcrs...)
}

// Union returns the mask selecting the PCRs selected by either operand.
func (m PCRMask) Union(other PCRMask) PCRMask {
	return m | other
}

// Difference returns the mask selecting the PCRs selected by m but not by
// other.
func (m PCRMask) Difference(other PCRMask) PCRMask {
	return m &^ other
}

// Count returns the number of selected PCRs.
func (m PCRMask) Count() int {
	return bits.OnesCount32(uint32(m))
}

// PCRs returns the selected indices in ascending order.
func (m PCRMask) PCRs() []int {
	out := make([]int, 0, m.Count())
	for pcr := 0; pcr < numPCRs; pcr++ {
		if m&(1<<uint(pcr)) > 0 {
			out = append(out, pcr)
		}
	}
	return out
}

func (m PCRMask) String() string {
	var fields []string
	for _, pcr := range m.PCRs() {
		fields = append(fields, strconv.Itoa(pcr))
	}
	return strings.Join(fields, "+")
}

// selectionForMask returns a selection list with a single entry for the
// supplied bank and mask.
func selectionForMask(bank tpm2.HashAlgorithmId, mask PCRMask) tpm2.PCRSelectionList {
	return tpm2.PCRSelectionList{{Hash: bank, Select: mask.PCRs()}}
}

// maskFromSelect converts a selection in to a PCRMask, ignoring indices
// outside of the standard 24.
func maskFromSelect(sel []int) PCRMask {
	var mask PCRMask
	for _, pcr := range sel {
		if pcr < 0 || pcr >= numPCRs {
			continue
		}
		mask |= 1 << uint(pcr)
	}
	return mask
}

// BankName returns the name used to identify the supplied PCR bank in
// signature documents and key metadata.
func BankName(alg tpm2.HashAlgorithmId) string {
	switch alg {
	case tpm2.HashAlgorithmSHA1:
		return "sha1"
	case tpm2.HashAlgorithmSHA256:
		return "sha256"
	case tpm2.HashAlgorithmSHA384:
		return "sha384"
	case tpm2.HashAlgorithmSHA512:
		return "sha512"
	default:
		return ""
	}
}

// BankFromName returns the PCR bank identified by the supplied name.
func BankFromName(name string) (tpm2.HashAlgorithmId, error) {
	switch name {
	case "sha1":
		return tpm2.HashAlgorithmSHA1, nil
	case "sha256":
		return tpm2.HashAlgorithmSHA256, nil
	case "sha384":
		return tpm2.HashAlgorithmSHA384, nil
	case "sha512":
		return tpm2.HashAlgorithmSHA512, nil
	default:
		return tpm2.HashAlgorithmNull, fmt.Errorf("unrecognized PCR bank name %q", name)
	}
}

// bankHasAllPCRs determines whether the supplied allocation covers all of
// the standard 24 PCRs. Some TPMs expose banks where only a subset of PCRs
// is enabled, and those banks can't be used for sealing.
func bankHasAllPCRs(sel tpm2.PCRSelection) bool {
	if len(sel.Select) < numPCRs {
		return false
	}
	seen := make(map[int]bool)
	for _, pcr := range sel.Select {
		seen[pcr] = true
	}
	for pcr := 0; pcr < numPCRs; pcr++ {
		if !seen[pcr] {
			return false
		}
	}
	return true
}

// pcrValueIsInitialized determines whether the supplied PCR value looks
// like it has been extended since reset. A value of all zeroes is the reset
// value, and a value of all ones indicates a PCR that firmware marked
// unusable.
func pcrValueIsInitialized(value tpm2.Digest) bool {
	allZero := true
	allOnes := true
	for _, b := range value {
		if b != 0x00 {
			allZero = false
		}
		if b != 0xff {
			allOnes = false
		}
	}
	return !allZero && !allOnes
}

// pcrMaskGood determines whether at least one PCR selected by the mask
// contains a value that has actually been extended. Sealing against a bank
// that firmware never measures in to produces a policy that any code path
// satisfies.
func pcrMaskGood(values tpm2.PCRValues, bank tpm2.HashAlgorithmId, mask PCRMask) bool {
	for _, pcr := range mask.PCRs() {
		value, ok := values[bank][pcr]
		if !ok {
			continue
		}
		if pcrValueIsInitialized(value) {
			return true
		}
	}
	return false
}

// readPCRValues reads the current values of the selected PCRs, requesting
// them in chunks small enough that the TPM returns every value asked for.
func readPCRValues(tpm *Connection, bank tpm2.HashAlgorithmId, mask PCRMask) (tpm2.PCRValues, error) {
	out := tpm2.PCRValues{bank: make(map[int]tpm2.Digest)}

	pcrs := mask.PCRs()
	for len(pcrs) > 0 {
		n := len(pcrs)
		if n > maxPCRReadValues {
			n = maxPCRReadValues
		}
		sel := tpm2.PCRSelectionList{{Hash: bank, Select: pcrs[:n]}}

		_, values, err := tpm.PCRRead(sel)
		if err != nil {
			return nil, xerrors.Errorf("cannot read PCR values: %w", err)
		}
		for pcr, value := range values[bank] {
			out[bank][pcr] = value
		}

		pcrs = pcrs[n:]
	}

	for _, pcr := range mask.PCRs() {
		if _, ok := out[bank][pcr]; !ok {
			return nil, fmt.Errorf("TPM did not return a value for PCR %d", pcr)
		}
	}

	return out, nil
}

// pcrBankInfo describes one PCR bank allocation on the TPM.
type pcrBankInfo struct {
	alg    tpm2.HashAlgorithmId
	has24  bool
	values tpm2.PCRValues // values for the probed mask, nil if not read
	good   bool           // at least one probed PCR is initialized
}

// probePCRBanks inspects the allocated PCR banks, reading the values
// selected by the supplied mask from each bank that covers the standard 24
// PCRs.
func probePCRBanks(tpm *Connection, mask PCRMask) ([]pcrBankInfo, error) {
	allocation, err := tpm.GetCapabilityPCRs()
	if err != nil {
		return nil, xerrors.Errorf("cannot request PCR allocation: %w", err)
	}

	var banks []pcrBankInfo
	for _, sel := range allocation {
		if !sel.Hash.Available() {
			continue
		}
		info := pcrBankInfo{alg: sel.Hash, has24: bankHasAllPCRs(sel)}
		if info.has24 && mask != 0 {
			values, err := readPCRValues(tpm, sel.Hash, mask)
			if err != nil {
				return nil, xerrors.Errorf("cannot read values from %v bank: %w", sel.Hash, err)
			}
			info.values = values
			info.good = pcrMaskGood(values, sel.Hash, mask)
		}
		banks = append(banks, info)
	}
	return banks, nil
}

// GoodPCRBanks returns the PCR banks that are usable for sealing, which
// are the banks covering the standard 24 PCRs that have initialized values
// in the masked PCRs. If no bank has initialized values, all banks
// covering the standard 24 PCRs are returned instead. An empty result is
// not an error.
func GoodPCRBanks(tpm *Connection, mask PCRMask) ([]tpm2.HashAlgorithmId, error) {
	banks, err := probePCRBanks(tpm, mask)
	if err != nil {
		return nil, err
	}

	var good, usable []tpm2.HashAlgorithmId
	for _, info := range banks {
		if !info.has24 {
			continue
		}
		usable = append(usable, info.alg)
		if info.good {
			good = append(good, info.alg)
		}
	}
	if len(good) > 0 {
		return good, nil
	}
	return usable, nil
}

func bankScore(info *pcrBankInfo) int {
	switch {
	case info.alg == tpm2.HashAlgorithmSHA256 && info.good:
		return 4
	case info.alg == tpm2.HashAlgorithmSHA1 && info.good:
		return 3
	case info.alg == tpm2.HashAlgorithmSHA256:
		return 2
	case info.alg == tpm2.HashAlgorithmSHA1:
		return 1
	default:
		return 0
	}
}

// pickBestPCRBank returns the index of the preferred bank, or -1 if no
// bank is suitable. A SHA-256 bank with initialized values in the probed
// PCRs is preferred, then a SHA-1 bank with initialized values, then an
// uninitialized SHA-256 or SHA-1 bank.
func pickBestPCRBank(banks []pcrBankInfo) int {
	best := -1
	for i := range banks {
		if !banks[i].has24 {
			continue
		}
		if best < 0 || bankScore(&banks[i]) > bankScore(&banks[best]) {
			best = i
		}
	}
	if best >= 0 && bankScore(&banks[best]) == 0 {
		return -1
	}
	return best
}

// SelectBestPCRBank selects the PCR bank to seal against, per
// pickBestPCRBank. If the TPM implements neither a SHA-256 nor a SHA-1
// bank across all 24 PCRs, this returns ErrNoSuitablePCRBank.
//
// The values read from the selected bank for the masked PCRs are returned
// alongside the bank.
func SelectBestPCRBank(tpm *Connection, mask PCRMask) (tpm2.HashAlgorithmId, tpm2.PCRValues, error) {
	banks, err := probePCRBanks(tpm, mask)
	if err != nil {
		return tpm2.HashAlgorithmNull, nil, err
	}

	i := pickBestPCRBank(banks)
	if i < 0 {
		return tpm2.HashAlgorithmNull, nil, ErrNoSuitablePCRBank
	}
	best := &banks[i]

	if !best.good && mask != 0 {
		fmt.Fprintf(os.Stderr, "selected TPM2 PCR bank %v has no initialized values in PCRs %s\n", best.alg, mask)
	}

	values := best.values
	if values == nil && mask != 0 {
		values, err = readPCRValues(tpm, best.alg, mask)
		if err != nil {
			return tpm2.HashAlgorithmNull, nil, err
		}
	}
	return best.alg, values, nil
}
