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

package tpmseal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/xerrors"
)

const (
	pinSaltSize      = 16
	pinKDFIterations = 10000
	pinKDFKeyLen     = 32
)

// makePINSalt generates a fresh salt for a PIN protected enrollment.
func makePINSalt() ([]byte, error) {
	salt := make([]byte, pinSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, xerrors.Errorf("cannot generate salt: %w", err)
	}
	return salt, nil
}

// processPIN stretches a PIN with the enrollment salt before it is handed
// to the TPM layer, so that the auth value the TPM sees isn't a direct
// digest of the user's PIN. Enrollments without a salt pass the PIN
// through unchanged.
func processPIN(pin string, salt []byte) string {
	if pin == "" || len(salt) == 0 {
		return pin
	}
	key := pbkdf2.Key([]byte(pin), salt, pinKDFIterations, pinKDFKeyLen, sha256.New)
	return base64.StdEncoding.EncodeToString(key)
}
