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

// Package tpm2 implements an engine for protecting disk encryption keys
// with a TPM2 device.
//
// Secrets are sealed to a storage primary key with an authorization policy
// constructed from the current PCR values, an optional externally signed
// PCR policy and an optional PIN, and can only be recovered while the
// policy can be satisfied.
package tpm2

import (
	"fmt"
	"os"

	"github.com/canonical/go-tpm2"
	"golang.org/x/xerrors"

	"github.com/fdeutils/tpmseal/internal/tpm2_device"
)

const (
	// defaultSessionHashAlgorithm is the digest algorithm used for
	// sessions and policy digests.
	defaultSessionHashAlgorithm = tpm2.HashAlgorithmSHA256

	// deviceEnvVar is the environment variable consulted for a TPM
	// device specifier when none is supplied explicitly.
	deviceEnvVar = "TPMSEAL_TPM2_DEVICE"
)

// Connection corresponds to a connection to a TPM2 device.
type Connection struct {
	*tpm2.TPMContext
	device tpm2.TPMDevice
}

// Device returns the device that this connection was opened from.
func (t *Connection) Device() tpm2.TPMDevice {
	return t.device
}

// flushContext flushes the supplied resource, complaining to stderr on
// failure. Flush failures leave a transient object behind but don't affect
// the outcome of the surrounding operation.
func (t *Connection) flushContext(rc tpm2.HandleContext) {
	if rc == nil {
		return
	}
	if err := t.FlushContext(rc); err != nil {
		fmt.Fprintf(os.Stderr, "cannot flush context for handle %v: %v\n", rc.Handle(), err)
	}
}

// isInLockout determines whether the TPM is in DA lockout mode.
func (t *Connection) isInLockout() (bool, error) {
	props, err := t.GetCapabilityTPMProperties(tpm2.PropertyPermanent, 1)
	if err != nil {
		return false, xerrors.Errorf("cannot request permanent properties: %w", err)
	}
	if len(props) == 0 || props[0].Property != tpm2.PropertyPermanent {
		return false, fmt.Errorf("TPM returned value for wrong property")
	}
	return tpm2.PermanentAttributes(props[0].Value)&tpm2.AttrInLockout > 0, nil
}

// startup issues TPM2_Startup(CLEAR) in case nothing has started the TPM
// yet. A TPM_RC_INITIALIZE response means some earlier component already
// performed the startup sequence, which is the normal case on a running
// system.
func (t *Connection) startup() error {
	err := t.Startup(tpm2.StartupClear)
	if err != nil && !tpm2.IsTPMError(err, tpm2.ErrorInitialize, tpm2.CommandStartup) {
		return err
	}
	return nil
}

// checkParameterEncryptionSupport verifies that the TPM implements
// AES-128-CFB, which is required for session based secret transport. TPMs
// complying with the PC client profile always do.
func (t *Connection) checkParameterEncryptionSupport() error {
	params := &tpm2.PublicParams{
		Type: tpm2.ObjectTypeSymCipher,
		Parameters: &tpm2.PublicParamsU{
			SymDetail: &tpm2.SymCipherParams{
				Sym: tpm2.SymDefObject{
					Algorithm: tpm2.SymObjectAlgorithmAES,
					KeyBits:   &tpm2.SymKeyBitsU{Sym: 128},
					Mode:      &tpm2.SymModeU{Sym: tpm2.SymModeCFB}}}}}
	if err := t.TestParms(params); err != nil {
		return xerrors.Errorf("TPM does not support AES-128-CFB: %w", err)
	}
	return nil
}

// ConnectToTPM connects to the TPM device selected by the supplied
// specifier. The specifier takes the form "driver:parameter", a bare device
// path, or the empty string to select a device automatically. If the
// specifier is empty, the TPMSEAL_TPM2_DEVICE environment variable is
// consulted first.
//
// The returned connection has been started up and verified to support
// session parameter encryption.
func ConnectToTPM(deviceSpec string) (*Connection, error) {
	if deviceSpec == "" {
		deviceSpec = os.Getenv(deviceEnvVar)
	}

	device, err := tpm2_device.DeviceFromSpecifier(deviceSpec)
	if err != nil {
		return nil, xerrors.Errorf("cannot select TPM device: %w", err)
	}

	tpm, err := tpm2.OpenTPMDevice(device)
	if err != nil {
		return nil, xerrors.Errorf("cannot open TPM device %s: %w", device, err)
	}

	succeeded := false
	defer func() {
		if succeeded {
			return
		}
		tpm.Close()
	}()

	t := &Connection{TPMContext: tpm, device: device}

	if err := t.startup(); err != nil {
		return nil, xerrors.Errorf("cannot start up TPM: %w", err)
	}
	if err := t.checkParameterEncryptionSupport(); err != nil {
		return nil, err
	}

	succeeded = true
	return t, nil
}
