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

package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bsiegert/ranges"
	"github.com/jessevdk/go-flags"

	"github.com/fdeutils/tpmseal"
	"github.com/fdeutils/tpmseal/tpm2"
)

type pcrList []int

func (l pcrList) MarshalFlag() (string, error) {
	var s []string
	for _, p := range l {
		s = append(s, strconv.Itoa(p))
	}
	return strings.Join(s, ","), nil
}

func (l *pcrList) UnmarshalFlag(value string) error {
	// "7+11+14" is accepted for compatibility with other TPM2
	// enrollment tools, "0,2,4-7" for range syntax.
	if strings.ContainsRune(value, '+') {
		mask, err := tpm2.ParsePCRMask(value)
		if err != nil {
			return err
		}
		*l = append(*l, mask.PCRs()...)
		return nil
	}
	i, err := ranges.Parse(value)
	if err != nil {
		return err
	}
	*l = append(*l, i...)
	return nil
}

type options struct {
	Device string `long:"device" description:"TPM device specifier, either driver:parameter or a device path. The default is to select a device automatically" env:"TPMSEAL_TPM2_DEVICE"`
}

var opts options

type sealCommand struct {
	PCRs          pcrList        `long:"pcrs" description:"PCRs to bind the sealing policy to, eg. 7 or 0,2,4-7"`
	Bank          string         `long:"bank" description:"PCR bank to seal against (sha1 or sha256). The default is to select the best bank the TPM implements"`
	PrimaryAlg    string         `long:"primary-alg" choice:"ecc" choice:"rsa" description:"Storage primary key algorithm"`
	PIN           string         `long:"pin" description:"Additionally require this PIN for unsealing" env:"TPMSEAL_PIN"`
	PublicKey     flags.Filename `long:"public-key" description:"PEM encoded public key whose signed PCR policies are accepted for unsealing"`
	PublicKeyPCRs pcrList        `long:"public-key-pcrs" description:"PCRs covered by signed PCR policies"`

	Positional struct {
		KeyDataFile flags.Filename `positional-arg-name:"key-data-file"`
	} `positional-args:"true" required:"true"`
}

func (c *sealCommand) Execute(args []string) error {
	req := &tpmseal.SealKeyRequest{
		PCRs:              c.PCRs,
		Bank:              c.Bank,
		PrimaryAlg:        c.PrimaryAlg,
		PolicyAuthKeyPCRs: c.PublicKeyPCRs,
		PIN:               c.PIN,
	}
	if c.PublicKey != "" {
		pem, err := os.ReadFile(string(c.PublicKey))
		if err != nil {
			return fmt.Errorf("cannot read public key: %v", err)
		}
		req.PolicyAuthKey = pem
	}

	tpm, err := tpm2.ConnectToTPM(opts.Device)
	if err != nil {
		return err
	}
	defer tpm.Close()

	secret, data, err := tpmseal.SealKeyToTPM(tpm, req)
	if err != nil {
		return err
	}

	if err := data.WriteToFile(string(c.Positional.KeyDataFile)); err != nil {
		return err
	}

	fmt.Println(base64.StdEncoding.EncodeToString(secret))
	return nil
}

type unsealCommand struct {
	PIN       string         `long:"pin" description:"PIN the secret was sealed with" env:"TPMSEAL_PIN"`
	Signature flags.Filename `long:"signature" description:"JSON signature document for signed PCR policies"`

	Positional struct {
		KeyDataFile flags.Filename `positional-arg-name:"key-data-file"`
	} `positional-args:"true" required:"true"`
}

func (c *unsealCommand) Execute(args []string) error {
	data, err := tpmseal.ReadKeyDataFromFile(string(c.Positional.KeyDataFile))
	if err != nil {
		return err
	}

	var signatures tpm2.SignatureDocument
	if c.Signature != "" {
		signatures, err = tpm2.ReadSignatureDocumentFromFile(string(c.Signature))
		if err != nil {
			return err
		}
	}

	tpm, err := tpm2.ConnectToTPM(opts.Device)
	if err != nil {
		return err
	}
	defer tpm.Close()

	secret, err := tpmseal.UnsealKeyFromTPM(tpm, data, c.PIN, signatures)
	if err != nil {
		return err
	}

	fmt.Println(base64.StdEncoding.EncodeToString(secret))
	return nil
}

func run() error {
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.AddCommand("seal", "Seal a new secret to the TPM",
		"Generate a fresh disk encryption secret, seal it to the TPM and write the key data document", &sealCommand{}); err != nil {
		return err
	}
	if _, err := parser.AddCommand("unseal", "Unseal a secret from the TPM",
		"Recover the secret described by a key data document", &unsealCommand{}); err != nil {
		return err
	}

	_, err := parser.Parse()
	return err
}

func main() {
	if err := run(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
