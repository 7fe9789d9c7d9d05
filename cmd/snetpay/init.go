package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"snetpay/config"
)

var initCmd = &cli.Command{
	Name:  "init",
	Usage: "write a configuration file with defaults filled in",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "rpc-url", Usage: "Ethereum JSON-RPC endpoint"},
		&cli.StringFlag{Name: "mpe", Usage: "escrow contract address"},
		&cli.StringFlag{Name: "keystore", Usage: "path of the encrypted payment key"},
		&cli.StringFlag{Name: "metadata", Usage: "path of the service metadata document"},
		&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"},
	},
	Action: func(cctx *cli.Context) error {
		path := cctx.String("config")
		if !cctx.Bool("force") {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			} else if !os.IsNotExist(err) {
				return err
			}
		}
		cfg := config.Default()
		cfg.Ethereum.RPCURL = cctx.String("rpc-url")
		cfg.Ethereum.MPEAddress = cctx.String("mpe")
		cfg.Identity.KeystorePath = cctx.String("keystore")
		cfg.Service.MetadataPath = cctx.String("metadata")
		if err := config.Write(path, cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(cctx.App.Writer, "wrote %s\n", path)
		return nil
	},
}
