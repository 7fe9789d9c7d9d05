package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

var accountCmd = &cli.Command{
	Name:  "account",
	Usage: "escrow account operations",
	Subcommands: []*cli.Command{
		{
			Name:  "balance",
			Usage: "print token and escrow balances of the payment address",
			Action: withEnv(func(cctx *cli.Context, e *env) error {
				if err := e.connect(cctx.Context); err != nil {
					return err
				}
				addr := e.identity.Address()
				tokens, err := e.contract.TokenBalance(cctx.Context, addr)
				if err != nil {
					return err
				}
				escrow, err := e.contract.Balance(cctx.Context, addr)
				if err != nil {
					return err
				}
				fmt.Fprintf(cctx.App.Writer, "address: %s\ntoken:   %s\nescrow:  %s\n", addr.Hex(), tokens, escrow)
				return nil
			}),
		},
		{
			Name:      "deposit",
			Usage:     "move tokens into the escrow account",
			ArgsUsage: "<amount-in-cogs>",
			Action:    withEnv(accountTx(true)),
		},
		{
			Name:      "withdraw",
			Usage:     "move tokens out of the escrow account",
			ArgsUsage: "<amount-in-cogs>",
			Action:    withEnv(accountTx(false)),
		},
	},
}

func accountTx(deposit bool) func(*cli.Context, *env) error {
	return func(cctx *cli.Context, e *env) error {
		if cctx.NArg() != 1 {
			return cli.ShowSubcommandHelp(cctx)
		}
		amount, err := parseAmount(cctx.Args().First())
		if err != nil {
			return err
		}
		if err := e.connect(cctx.Context); err != nil {
			return err
		}
		op := e.contract.Withdraw
		if deposit {
			op = e.contract.Deposit
		}
		res, err := op(cctx.Context, amount)
		if err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "tx %s mined in block %d\n", res.TxHash.Hex(), res.BlockNumber)
		return nil
	}
}
