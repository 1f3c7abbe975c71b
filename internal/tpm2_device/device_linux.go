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

package tpm2_device

import (
	"errors"
	"os"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/linux"
)

func init() {
	autoSelectDevice = func() (tpm2.TPMDevice, error) {
		rawDev, err := linux.DefaultTPM2Device()
		switch {
		case errors.Is(err, linux.ErrNoTPMDevices):
			// Sysfs enumeration can come up empty in containers even
			// though the device node exists.
			if _, serr := os.Stat(DefaultDevicePath); serr == nil {
				return DefaultDevice()
			}
			return nil, ErrNoTPM2Device
		case errors.Is(err, linux.ErrDefaultNotTPM2Device):
			// The default device is a TPM1.2 device.
			return nil, ErrNoTPM2Device
		case err != nil:
			return nil, err
		}

		// Prefer the in-kernel resource manager where one exists, so
		// that the TPM doesn't have to be opened exclusively.
		rmDev, err := rawDev.ResourceManagedDevice()
		switch {
		case errors.Is(err, linux.ErrNoResourceManagedDevice):
			return rawDev, nil
		case err != nil:
			return nil, err
		default:
			return rmDev, nil
		}
	}
}
