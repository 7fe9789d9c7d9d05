// Command snetpay manages escrow accounts and payment channels for one
// service group and can mint payment headers for scripted calls.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

const (
	defaultConfig  = "./snetpay.toml"
	defaultPassEnv = "SNETPAY_KEYSTORE_PASS"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "snetpay",
		Usage:     "pay for AI service calls through escrow payment channels",
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   defaultConfig,
				Usage:   "path to the client configuration file",
				EnvVars: []string{"SNETPAY_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			initCmd,
			keystoreCmd,
			accountCmd,
			channelCmd,
			trainingCmd,
		},
	}
}
