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
	"os"

	"github.com/canonical/go-tpm2"
)

// RawDevice is a TPM device backed by a character device node at an
// arbitrary path. It implements the "device" transport backend.
//
// Unlike the devices returned by go-tpm2's linux package, which are
// discovered via sysfs, a RawDevice can name any node - this is what
// the "device:<path>" specifier syntax maps to.
type RawDevice struct {
	path string
}

// NewRawDevice returns a TPM device for the character device node at
// the supplied path.
func NewRawDevice(path string) *RawDevice {
	return &RawDevice{path: path}
}

// Path returns the device node path.
func (d *RawDevice) Path() string { return d.path }

func (d *RawDevice) String() string { return d.path }

// Open implements [tpm2.TPMDevice.Open].
func (d *RawDevice) Open() (tpm2.Transport, error) {
	f, err := os.OpenFile(d.path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoTPM2Device
		}
		return nil, err
	}
	return &rawTransport{f: f}, nil
}

// rawTransport adapts a TPM character device to tpm2.Transport. The
// kernel requires each command to be submitted with a single write,
// with the whole response collected by a single read.
type rawTransport struct {
	f *os.File
}

func (t *rawTransport) Read(data []byte) (int, error) {
	return t.f.Read(data)
}

func (t *rawTransport) Write(data []byte) (int, error) {
	return t.f.Write(data)
}

func (t *rawTransport) Close() error {
	return t.f.Close()
}
