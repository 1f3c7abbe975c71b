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
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/snapcore/snapd/osutil"
	"golang.org/x/xerrors"
)

// Paths are variables to allow the tests to redirect them.
var (
	entropyCreditedFlagPath = "/run/tpmseal/tpm-rng-credited"
	randomPoolSizePath      = "/proc/sys/kernel/random/poolsize"
	kernelEntropyDevice     = "/dev/urandom"
)

const (
	minEntropyBytes = 32
	maxEntropyBytes = 256

	// maxGetRandomBytes is the amount of entropy requested per
	// TPM2_GetRandom command. 32 bytes is within the minimum response
	// buffer size that all TPMs support.
	maxGetRandomBytes = 32
)

// randomPoolSize returns the size of the kernel entropy pool in bytes,
// clamped to a sensible range.
func randomPoolSize() int {
	size := maxEntropyBytes
	if b, err := os.ReadFile(randomPoolSizePath); err == nil {
		if bits, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil {
			size = bits / 8
		}
	}
	if size < minEntropyBytes {
		size = minEntropyBytes
	}
	if size > maxEntropyBytes {
		size = maxEntropyBytes
	}
	return size
}

// creditTPMEntropy pulls some entropy from the TPM and adds it to the
// kernel random pool, so that keys generated from the kernel pool are at
// least as good as the TPM's RNG. The entropy is not actually credited
// because the TPM RNG isn't trusted that much. A flag file limits this to
// once per boot. Failures here never affect the surrounding operation.
func creditTPMEntropy(tpm *Connection) error {
	if _, err := os.Stat(entropyCreditedFlagPath); err == nil {
		return nil
	}

	w, err := os.OpenFile(kernelEntropyDevice, os.O_WRONLY, 0)
	if err != nil {
		return xerrors.Errorf("cannot open kernel entropy device: %w", err)
	}
	defer w.Close()

	for remaining := randomPoolSize(); remaining > 0; {
		n := remaining
		if n > maxGetRandomBytes {
			n = maxGetRandomBytes
		}

		b, err := tpm.GetRandom(uint16(n))
		if err != nil {
			return xerrors.Errorf("cannot acquire entropy from TPM: %w", err)
		}
		if len(b) == 0 {
			return errors.New("TPM returned zero-sized entropy")
		}

		if _, err := w.Write(b); err != nil {
			return xerrors.Errorf("cannot write entropy to kernel: %w", err)
		}
		remaining -= len(b)
	}

	if err := os.MkdirAll(filepath.Dir(entropyCreditedFlagPath), 0755); err != nil {
		return xerrors.Errorf("cannot create flag directory: %w", err)
	}
	if err := osutil.AtomicWriteFile(entropyCreditedFlagPath, nil, 0644, 0); err != nil {
		return xerrors.Errorf("cannot create flag file: %w", err)
	}
	return nil
}
