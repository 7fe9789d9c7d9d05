package main

import (
	"encoding/hex"
	"fmt"

	"github.com/urfave/cli/v2"

	"snetpay/mpe"
	"snetpay/observability"
	"snetpay/training"
)

var trainingCmd = &cli.Command{
	Name:  "training",
	Usage: "training-service authorizations",
	Subcommands: []*cli.Command{
		{
			Name:      "sign",
			Usage:     "sign an authorization for a training action",
			ArgsUsage: "<action>",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "reuse", Usage: "reuse a recent signature for read-only actions"},
			},
			Action: withEnv(signTraining),
		},
	},
}

func signTraining(cctx *cli.Context, e *env) error {
	if cctx.NArg() != 1 {
		return cli.ShowSubcommandHelp(cctx)
	}
	action := mpe.Action(cctx.Args().First())
	if !action.Valid() {
		return fmt.Errorf("%w: %q", mpe.ErrUnknownAction, action)
	}
	if err := e.connect(cctx.Context); err != nil {
		return err
	}
	authorizer, err := training.NewAuthorizer(e.identity, e.contract,
		training.WithLogger(e.logger),
		training.WithMetrics(observability.Payment()))
	if err != nil {
		return err
	}
	req, err := authorizer.Authorize(cctx.Context, action, cctx.Bool("reuse"))
	if err != nil {
		return err
	}
	fmt.Fprintf(cctx.App.Writer, "signer:        %s\nmessage:       %s\ncurrent_block: %d\nsignature:     %s\nrequest:       %s\n",
		req.SignerAddress.Hex(), req.Message, req.CurrentBlock,
		hex.EncodeToString(req.Signature), hex.EncodeToString(req.Marshal()))
	return nil
}
