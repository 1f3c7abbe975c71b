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
	"fmt"

	"github.com/canonical/go-tpm2"
	"golang.org/x/xerrors"

	"github.com/fdeutils/tpmseal/internal/tpm2_device"
)

var (
	// ErrNoTPM2Device is returned from ConnectToTPM if no TPM2 device is
	// available.
	ErrNoTPM2Device = tpm2_device.ErrNoTPM2Device

	// ErrTPMLockout is returned from any function when the TPM is in
	// dictionary-attack lockout mode. Until the lockout mode is cleared,
	// or the lockout recovery interval passes, the TPM will refuse
	// authorization attempts against objects with DA protection.
	ErrTPMLockout = errors.New("the TPM is in DA lockout mode")

	// ErrNoSuitablePCRBank is returned from SelectBestPCRBank if the TPM
	// implements neither a SHA-256 nor a SHA-1 PCR bank covering the
	// standard 24 PCRs.
	ErrNoSuitablePCRBank = errors.New("the TPM implements no suitable PCR bank")

	// ErrNoSignatureForPolicy is returned from UnsealSecret if a policy
	// signature document was supplied but contains no entry matching the
	// sealing parameters of the protected secret.
	ErrNoSignatureForPolicy = errors.New("no matching signature found for the PCR policy")
)

// PolicyDigestMismatchError is returned from UnsealSecret if the policy
// digest computed from the current sealing parameters does not match the
// digest recorded at seal time. Authorization would fail on the TPM, so the
// operation is aborted before the secret is requested.
type PolicyDigestMismatchError struct {
	Expected tpm2.Digest
	Computed tpm2.Digest
}

func (e *PolicyDigestMismatchError) Error() string {
	return fmt.Sprintf("computed policy digest %x does not match the expected digest %x", e.Computed, e.Expected)
}

// IsPolicyDigestMismatchError determines whether the supplied error
// indicates that unsealing was aborted because the locally computed policy
// digest diverged from the one the secret was sealed against.
func IsPolicyDigestMismatchError(err error) bool {
	var e *PolicyDigestMismatchError
	return xerrors.As(err, &e)
}

// InvalidBlobError is returned from UnsealSecret if loading the sealed
// object fails in a way that indicates the blob is invalid or was not
// created on this TPM.
type InvalidBlobError struct {
	err error
}

func (e InvalidBlobError) Error() string {
	return "invalid sealed object blob: " + e.err.Error()
}

func (e InvalidBlobError) Unwrap() error {
	return e.err
}

// IsInvalidBlobError determines whether the supplied error indicates that a
// sealed object blob is invalid or does not belong to this TPM.
func IsInvalidBlobError(err error) bool {
	var e InvalidBlobError
	return xerrors.As(err, &e)
}

// InvalidEncryptionSessionError indicates that a parameter encryption
// session does not encrypt both directions.
type InvalidEncryptionSessionError struct {
	Attrs tpm2.SessionAttributes
}

func (e *InvalidEncryptionSessionError) Error() string {
	return fmt.Sprintf("encryption session with attributes 0x%x does not provide full parameter encryption", e.Attrs)
}

func isLockoutError(err error) bool {
	return tpm2.IsTPMWarning(err, tpm2.WarningLockout, tpm2.AnyCommandCode)
}

// isAuthFailError determines whether the supplied error indicates an
// authorization failure for the object auth value, for the command with
// the specified code.
func isAuthFailError(err error, command tpm2.CommandCode, index int) bool {
	return tpm2.IsTPMSessionError(err, tpm2.ErrorAuthFail, command, index) ||
		tpm2.IsTPMSessionError(err, tpm2.ErrorBadAuth, command, index)
}

func isPolicyFailError(err error) bool {
	return tpm2.IsTPMSessionError(err, tpm2.ErrorPolicyFail, tpm2.CommandUnseal, 1)
}

// isPCRChangedError determines whether the supplied error indicates that a
// PCR was extended between building the policy session and using it. The
// TPM reports this against TPM2_Unseal, or against TPM2_PolicyPCR if the
// race happens while the session is still being built.
func isPCRChangedError(err error) bool {
	return tpm2.IsTPMError(err, tpm2.ErrorPCRChanged, tpm2.AnyCommandCode)
}
