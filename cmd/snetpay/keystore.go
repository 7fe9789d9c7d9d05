package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"snetpay/cmd/internal/passphrase"
	"snetpay/crypto"
)

var keystoreCmd = &cli.Command{
	Name:  "keystore",
	Usage: "manage the encrypted payment key",
	Subcommands: []*cli.Command{
		{
			Name:  "new",
			Usage: "generate a key and encrypt it to --out",
			Flags: keystoreFlags(),
			Action: func(cctx *cli.Context) error {
				key, err := crypto.GeneratePrivateKey()
				if err != nil {
					return err
				}
				return writeKeystore(cctx, key)
			},
		},
		{
			Name:  "import",
			Usage: "encrypt the hex key held in --key-env to --out",
			Flags: append(keystoreFlags(), &cli.StringFlag{
				Name:     "key-env",
				Usage:    "environment variable holding the hex private key",
				Required: true,
			}),
			Action: func(cctx *cli.Context) error {
				raw, ok := os.LookupEnv(cctx.String("key-env"))
				if !ok || strings.TrimSpace(raw) == "" {
					return fmt.Errorf("environment variable %s is not set", cctx.String("key-env"))
				}
				key, err := crypto.PrivateKeyFromHex(raw)
				if err != nil {
					return err
				}
				return writeKeystore(cctx, key)
			},
		},
	},
}

func keystoreFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "out", Usage: "keystore file to write", Required: true},
		&cli.StringFlag{Name: "pass-env", Value: defaultPassEnv, Usage: "environment variable containing the keystore passphrase"},
		&cli.BoolFlag{Name: "force", Usage: "overwrite an existing keystore file"},
		&cli.BoolFlag{Name: "lightkdf", Usage: "use weak scrypt parameters, for throwaway keys only"},
	}
}

func writeKeystore(cctx *cli.Context, key *crypto.PrivateKey) error {
	out := cctx.String("out")
	if !cctx.Bool("force") {
		if _, err := os.Stat(out); err == nil {
			return fmt.Errorf("keystore file %s already exists (use --force to overwrite)", out)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	pass, err := passphrase.NewSource(cctx.String("pass-env"), "payment keystore").Get()
	if err != nil {
		return err
	}
	var opts []crypto.KeystoreOption
	if cctx.Bool("lightkdf") {
		opts = append(opts, crypto.WithLightScrypt())
	}
	addr, err := crypto.SaveToKeystore(out, key, pass, opts...)
	if err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Fprintf(cctx.App.Writer, "%s %s\n", addr.Hex(), out)
	return nil
}
