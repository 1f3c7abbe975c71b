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

// Package tpm2_device selects a TPM2 transport backend from a device
// specifier string.
//
// A specifier has one of three forms:
//   - "driver:parameter" selects the named transport backend with a
//     backend specific parameter (eg, "device:/dev/tpm0" or
//     "mssim:localhost:2321").
//   - A bare absolute path selects the "device" backend with that path.
//   - An empty string requests automatic backend selection.
package tpm2_device

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/mssim"
)

const (
	// DefaultDevicePath is the device node used when no specifier is
	// supplied at all. The resource managed node is used in order to
	// avoid requiring exclusive access to the TPM.
	DefaultDevicePath = "/dev/tpmrm0"

	driverDevice = "device"
	driverMssim  = "mssim"
)

var (
	// ErrNoTPM2Device indicates that no TPM2 device is available.
	ErrNoTPM2Device = errors.New("no TPM2 device is available")
)

// autoSelectDevice returns the default TPM2 device for this platform.
// It is overridden on supported platforms via init, and by tests.
var autoSelectDevice = func() (tpm2.TPMDevice, error) {
	return nil, ErrNoTPM2Device
}

// DefaultDevice returns the TPM device selected when no explicit
// specifier is supplied - the fixed default device node.
func DefaultDevice() (tpm2.TPMDevice, error) {
	return NewRawDevice(DefaultDevicePath), nil
}

// DeviceFromSpecifier returns the TPM device described by the supplied
// specifier. An empty specifier requests automatic selection of the
// most appropriate backend.
func DeviceFromSpecifier(spec string) (tpm2.TPMDevice, error) {
	if spec == "" {
		return autoSelectDevice()
	}

	if i := strings.IndexByte(spec, ':'); i >= 0 && !filepath.IsAbs(spec) {
		driver := spec[:i]
		param := spec[i+1:]
		if driver == "" {
			return nil, errors.New("TPM2 driver name is empty")
		}
		return deviceForDriver(driver, param)
	}

	if !filepath.IsAbs(spec) {
		return nil, fmt.Errorf("invalid TPM2 device specifier %q", spec)
	}
	return NewRawDevice(spec), nil
}

func deviceForDriver(driver, param string) (tpm2.TPMDevice, error) {
	switch driver {
	case driverDevice:
		if !filepath.IsAbs(param) {
			return nil, fmt.Errorf("invalid TPM2 device path %q", param)
		}
		return NewRawDevice(param), nil
	case driverMssim:
		return mssimDevice(param)
	default:
		return nil, fmt.Errorf("unsupported TPM2 driver %q", driver)
	}
}

func mssimDevice(param string) (tpm2.TPMDevice, error) {
	if param == "" {
		return mssim.NewLocalDevice(mssim.DefaultPort), nil
	}

	host, portStr, err := net.SplitHostPort(param)
	if err != nil {
		// Accept a bare port number as well.
		host = ""
		portStr = param
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid TPM simulator address %q", param)
	}

	if host == "" || host == "localhost" {
		return mssim.NewLocalDevice(uint(port)), nil
	}
	return mssim.NewDevice(host, uint(port)), nil
}
